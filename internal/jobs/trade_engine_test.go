package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mavrikos/thetad/internal/market"
	"github.com/mavrikos/thetad/internal/stream"
)

type stubStrategy struct {
	decision *TradingDecision
	err      error
	spotSeen float64
}

func (s *stubStrategy) Decide(ctx context.Context, spot float64) (*TradingDecision, error) {
	s.spotSeen = spot
	return s.decision, s.err
}

func strangleDecision() *TradingDecision {
	return &TradingDecision{
		CanTrade:    true,
		Bias:        "neutral",
		Contracts:   1,
		PutStrike:   590,
		PutPremium:  1.10,
		CallStrike:  610,
		CallPremium: 1.20,
		Expiration:  "20260310",
	}
}

func newEngine(t *testing.T, placer *stubPlacer, quotes *stubQuotes, strategy StrategyEngine) (*TradeEngine, func()) {
	t.Helper()
	trades, _, cleanup := newTradeRepo(t)
	e := NewTradeEngine(placer, quotes, trades, strategy, market.NewCalendar(), "u1", "SPY", zerolog.Nop())
	e.now = func() time.Time { return tradingDay }
	return e, cleanup
}

func TestTradeEngine_OpensStrangle(t *testing.T) {
	placer := &stubPlacer{}
	quotes := &stubQuotes{bySymbol: map[string]*stream.Quote{"SPY": spyQuote(600)}}
	strategy := &stubStrategy{decision: strangleDecision()}

	e, cleanup := newEngine(t, placer, quotes, strategy)
	defer cleanup()

	result := e.Execute(context.Background())
	require.True(t, result.Success, "error=%s reason=%s", result.Error, result.Reason)
	assert.Equal(t, 600.0, strategy.spotSeen)

	require.Len(t, placer.optionOrders, 2)
	put, call := placer.optionOrders[0], placer.optionOrders[1]
	assert.Equal(t, "PUT", put.OptionType)
	assert.Equal(t, "SELL", put.Side)
	assert.Equal(t, "LMT", put.OrderType)
	assert.Equal(t, 1.10, put.LimitPrice)
	assert.Equal(t, "CALL", call.OptionType)
	assert.Equal(t, 610.0, call.Strike)

	open, err := e.trades.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	trade := open[0]
	assert.Equal(t, "2026-03-10", trade.Expiration)
	assert.Equal(t, 230.0, trade.EntryPremiumTotal)
	assert.True(t, trade.HasPut())
	assert.True(t, trade.HasCall())
}

func TestTradeEngine_OncePerDay(t *testing.T) {
	placer := &stubPlacer{}
	quotes := &stubQuotes{bySymbol: map[string]*stream.Quote{"SPY": spyQuote(600)}}
	strategy := &stubStrategy{decision: strangleDecision()}

	e, cleanup := newEngine(t, placer, quotes, strategy)
	defer cleanup()

	require.True(t, e.Execute(context.Background()).Success)

	result := e.Execute(context.Background())
	assert.True(t, result.Skipped)
	assert.Equal(t, "trade already opened today", result.Reason)
	assert.Len(t, placer.optionOrders, 2, "no new orders on the re-run")
}

func TestTradeEngine_StrategyDeclines(t *testing.T) {
	placer := &stubPlacer{}
	quotes := &stubQuotes{bySymbol: map[string]*stream.Quote{"SPY": spyQuote(600)}}
	strategy := &stubStrategy{decision: &TradingDecision{CanTrade: false, Reason: "VIX too high"}}

	e, cleanup := newEngine(t, placer, quotes, strategy)
	defer cleanup()

	result := e.Execute(context.Background())
	assert.True(t, result.Skipped)
	assert.Contains(t, result.Reason, "VIX too high")
	assert.Empty(t, placer.optionOrders)
}

func TestTradeEngine_DefaultStrategyNeverTrades(t *testing.T) {
	placer := &stubPlacer{}
	quotes := &stubQuotes{bySymbol: map[string]*stream.Quote{"SPY": spyQuote(600)}}

	e, cleanup := newEngine(t, placer, quotes, DeclineAll{Reason: "no strategy engine configured"})
	defer cleanup()

	result := e.Execute(context.Background())
	assert.True(t, result.Skipped)
	assert.Contains(t, result.Reason, "no strategy engine configured")
	assert.Empty(t, placer.optionOrders)
}

func TestTradeEngine_StaleDataRefusesToTrade(t *testing.T) {
	placer := &stubPlacer{}
	quotes := &stubQuotes{bySymbol: map[string]*stream.Quote{"SPY": spyQuote(600)}, stale: true}

	e, cleanup := newEngine(t, placer, quotes, &stubStrategy{decision: strangleDecision()})
	defer cleanup()

	result := e.Execute(context.Background())
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "stale")
	assert.Empty(t, placer.optionOrders)
}

func TestTradeEngine_MarketClosedSkips(t *testing.T) {
	e, cleanup := newEngine(t, &stubPlacer{}, &stubQuotes{}, &stubStrategy{})
	defer cleanup()

	e.now = func() time.Time {
		return time.Date(2026, time.March, 8, 11, 0, 0, 0, market.Eastern) // Sunday
	}
	result := e.Execute(context.Background())
	assert.True(t, result.Skipped)
}

func TestTradeEngine_PutOnlyBias(t *testing.T) {
	placer := &stubPlacer{}
	quotes := &stubQuotes{bySymbol: map[string]*stream.Quote{"SPY": spyQuote(600)}}
	strategy := &stubStrategy{decision: &TradingDecision{
		CanTrade: true, Bias: "bullish", Contracts: 2,
		PutStrike: 590, PutPremium: 1.50, Expiration: "20260310",
	}}

	e, cleanup := newEngine(t, placer, quotes, strategy)
	defer cleanup()

	result := e.Execute(context.Background())
	require.True(t, result.Success)
	require.Len(t, placer.optionOrders, 1)

	open, err := e.trades.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 300.0, open[0].EntryPremiumTotal) // 1.50 * 2 * 100
	assert.False(t, open[0].HasCall())
}
