package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mavrikos/thetad/internal/ibkr"
	"github.com/mavrikos/thetad/internal/market"
	"github.com/mavrikos/thetad/internal/stream"
)

func newTradeMonitor(t *testing.T, broker *stubBroker, quotes *stubQuotes) (*TradeMonitor, func()) {
	t.Helper()
	trades, _, cleanup := newTradeRepo(t)
	m := NewTradeMonitor(broker, quotes, trades, market.NewCalendar(), zerolog.Nop())
	m.now = func() time.Time { return tradingDay }
	return m, cleanup
}

func TestTradeMonitor_ExpiredTradeRealizesFullPremium(t *testing.T) {
	broker := &stubBroker{}
	m, cleanup := newTradeMonitor(t, broker, &stubQuotes{})
	defer cleanup()

	trade := openStrangle(t, m.trades, "2026-03-09") // yesterday

	result := m.Execute(context.Background())
	require.True(t, result.Success)
	assert.Equal(t, 1, result.Data["expired"])

	got, err := m.trades.GetByID(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, "expired", got.Status)
	assert.Equal(t, "Expired worthless", got.ExitReason)
	assert.Equal(t, 230.0, got.RealizedPnl)
}

func TestTradeMonitor_SameDayExpiryWaitsForTheClose(t *testing.T) {
	// Legs still at the broker, expiring today, market open: the 0DTE
	// closer owns this trade until the session ends.
	broker := &stubBroker{positions: stranglePositions(-1)}
	m, cleanup := newTradeMonitor(t, broker, &stubQuotes{})
	defer cleanup()

	trade := openStrangle(t, m.trades, "2026-03-10")

	result := m.Execute(context.Background())
	assert.True(t, result.Skipped)

	got, err := m.trades.GetByID(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, "open", got.Status)

	// After the close the same trade expires.
	m.now = func() time.Time {
		return time.Date(2026, time.March, 10, 16, 30, 0, 0, market.Eastern)
	}
	result = m.Execute(context.Background())
	require.True(t, result.Success)

	got, err = m.trades.GetByID(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, "expired", got.Status)
}

func TestTradeMonitor_LegsGoneAtBrokerSettlesFromExecutions(t *testing.T) {
	broker := &stubBroker{
		positions: nil, // stop filled, nothing left at the broker
		execs: []ibkr.Execution{
			{ExecutionID: "e1", Symbol: "SPY    260312P00590000", Side: "BUY", Price: 0.30, Size: 1},
			{ExecutionID: "e2", Symbol: "SPY    260312C00610000", Side: "BUY", Price: 0.40, Size: 1},
		},
	}
	quotes := &stubQuotes{bySymbol: map[string]*stream.Quote{"SPY": spyQuote(600)}}
	m, cleanup := newTradeMonitor(t, broker, quotes)
	defer cleanup()

	trade := openStrangle(t, m.trades, "2026-03-12")

	result := m.Execute(context.Background())
	require.True(t, result.Success)
	assert.Equal(t, 1, result.Data["settled"])

	got, err := m.trades.GetByID(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, "closed", got.Status)
	assert.Contains(t, got.ExitReason, "Closed at broker")
	assert.Equal(t, 230.0-70.0, got.RealizedPnl) // exit cost (0.30+0.40)*100
	assert.Equal(t, 600.0, got.SpotAtClose)
}

func TestTradeMonitor_HealthyTradeLeftAlone(t *testing.T) {
	broker := &stubBroker{positions: stranglePositions(-1)}
	m, cleanup := newTradeMonitor(t, broker, &stubQuotes{})
	defer cleanup()

	trade := openStrangle(t, m.trades, "2026-03-12")

	result := m.Execute(context.Background())
	assert.True(t, result.Skipped)
	assert.Equal(t, "all trades reconciled", result.Reason)

	got, err := m.trades.GetByID(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, "open", got.Status)
}
