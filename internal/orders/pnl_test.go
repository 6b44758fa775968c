package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mavrikos/thetad/internal/ibkr"
)

func TestMatchExecutions(t *testing.T) {
	execs := []ibkr.Execution{
		{ExecutionID: "1", Symbol: "SPY   251215P00660000", Price: 0.45, Size: 1},
		{ExecutionID: "2", Symbol: "SPY   251215C00690000", Price: 0.30, Size: 1},
		{ExecutionID: "3", Symbol: "SPY   251215C00700000", Price: 0.10, Size: 1},
		{ExecutionID: "4", Symbol: "QQQ   251215P00660000", Price: 0.50, Size: 1},
	}

	matched := MatchExecutions("SPY", []float64{660, 690}, execs)
	assert.Len(t, matched, 2)
	assert.Equal(t, "1", matched[0].ExecutionID)
	assert.Equal(t, "2", matched[1].ExecutionID)

	// Zero strikes (missing leg) never match
	matched = MatchExecutions("SPY", []float64{0, 690}, execs)
	assert.Len(t, matched, 1)
}

func TestComputeExit(t *testing.T) {
	fills := []ibkr.Execution{
		{Price: 0.45, Size: 1},
		{Price: 0.30, Size: 1},
	}

	// Entry premium 230 for the strangle; buyback cost 75
	summary := ComputeExit(230, fills)
	assert.InDelta(t, 75, summary.TotalExitCost, 0.01)
	assert.InDelta(t, 0.375, summary.AvgExitPrice, 0.001)
	assert.InDelta(t, 155, summary.RealizedPnl, 0.01)
}

func TestComputeExit_MultiContract(t *testing.T) {
	fills := []ibkr.Execution{{Price: 0.50, Size: 3}}

	summary := ComputeExit(600, fills)
	assert.InDelta(t, 150, summary.TotalExitCost, 0.01)
	assert.InDelta(t, 0.50, summary.AvgExitPrice, 0.001)
	assert.InDelta(t, 450, summary.RealizedPnl, 0.01)
}

func TestExpiredWorthless(t *testing.T) {
	summary := ExpiredWorthless(230)
	assert.InDelta(t, 230, summary.RealizedPnl, 0.01)
	assert.Zero(t, summary.TotalExitCost)
	assert.Zero(t, summary.AvgExitPrice)
}

func TestOCCSymbolRoundTrip(t *testing.T) {
	symbol := occSymbol("SPY", "20251215", "C", 684)
	assert.Equal(t, "SPY   251215C00684000", symbol)

	parsed, err := ibkr.ParseOCC(symbol)
	assert.NoError(t, err)
	assert.Equal(t, "SPY", parsed.Underlying)
	assert.InDelta(t, 684, parsed.Strike, 0.001)
}

func TestExpirationMonth(t *testing.T) {
	m, err := expirationMonth("20251215")
	assert.NoError(t, err)
	assert.Equal(t, "DEC25", m)

	_, err = expirationMonth("2025-12-15")
	assert.Error(t, err)
}

func TestIsNumeric(t *testing.T) {
	assert.True(t, isNumeric("987654"))
	assert.False(t, isNumeric(""))
	assert.False(t, isNumeric("9a87"))
	assert.False(t, isNumeric("550e8400-e29b"))
}

func TestOpposite(t *testing.T) {
	assert.Equal(t, "BUY", opposite("SELL"))
	assert.Equal(t, "SELL", opposite("BUY"))
}
