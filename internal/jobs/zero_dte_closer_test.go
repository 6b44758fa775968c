package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mavrikos/thetad/internal/ibkr"
	"github.com/mavrikos/thetad/internal/ledger"
	"github.com/mavrikos/thetad/internal/market"
	"github.com/mavrikos/thetad/internal/stream"
)

// exitWindow is 15:50 ET, inside the tolerance around the 15:55 deadline.
var exitWindow = time.Date(2026, time.March, 10, 15, 50, 0, 0, market.Eastern)

func newCloser(t *testing.T, broker *stubBroker, placer *stubPlacer, quotes *stubQuotes) (*ZeroDTECloser, func()) {
	t.Helper()
	trades, _, cleanup := newTradeRepo(t)
	z := NewZeroDTECloser(broker, placer, quotes, trades, market.NewCalendar(), zerolog.Nop())
	z.now = func() time.Time { return exitWindow }
	z.sleep = func(time.Duration) {}
	return z, cleanup
}

func TestZeroDTECloser_RefusesOutsideExitWindow(t *testing.T) {
	z, cleanup := newCloser(t, &stubBroker{}, &stubPlacer{}, &stubQuotes{})
	defer cleanup()

	// 14:00 on a normal day is nowhere near the 15:55 deadline. This is
	// also how the 15:55 entry is rejected on early-close days, where the
	// deadline moves to 12:55.
	z.now = func() time.Time { return tradingDay }
	result := z.Execute(context.Background())
	assert.True(t, result.Skipped)
	assert.Contains(t, result.Reason, "outside exit window")
}

func TestZeroDTECloser_NoExpiringTradesSkips(t *testing.T) {
	z, cleanup := newCloser(t, &stubBroker{}, &stubPlacer{}, &stubQuotes{})
	defer cleanup()

	result := z.Execute(context.Background())
	assert.True(t, result.Skipped)
	assert.Equal(t, "no 0DTE positions", result.Reason)
}

func TestZeroDTECloser_ClosesRiskyDelta(t *testing.T) {
	broker := &stubBroker{
		positions: stranglePositions(-1),
		execs: []ibkr.Execution{
			{ExecutionID: "e1", Symbol: "SPY    260310P00590000", Side: "BUY", Price: 0.50, Size: 1},
		},
	}
	placer := &stubPlacer{}
	quotes := &stubQuotes{
		bySymbol: map[string]*stream.Quote{"SPY": spyQuote(592)},
		byConid: map[int64]*stream.Quote{
			800001: {Conid: 800001, Delta: -0.45}, // put leg, risky
			800002: {Conid: 800002, Delta: 0.10},  // call leg, safe
		},
	}

	z, cleanup := newCloser(t, broker, placer, quotes)
	defer cleanup()
	trade := openStrangle(t, z.trades, "2026-03-10")

	result := z.Execute(context.Background())
	require.True(t, result.Success)
	assert.Equal(t, 1, result.Data["risky"])
	assert.Equal(t, 1, result.Data["closed"])

	require.Len(t, placer.closes, 1)
	assert.Equal(t, int64(800001), placer.closes[0].Conid)
	assert.Equal(t, "BUY", placer.closes[0].Side)

	got, err := z.trades.GetByID(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, "closed", got.Status)
	assert.Equal(t, "Auto-closed by 0DTE manager: Delta 0.45 > 0.30 threshold", got.ExitReason)
	assert.Equal(t, 230.0-50.0, got.RealizedPnl)
}

func TestZeroDTECloser_ITMFallbackWhenDeltaMissing(t *testing.T) {
	broker := &stubBroker{positions: stranglePositions(-1)}
	placer := &stubPlacer{}
	// No cached option quotes at all. Spot 585 puts the 590 put ITM; the
	// conservative 0.50 assumption must trip the threshold.
	quotes := &stubQuotes{bySymbol: map[string]*stream.Quote{"SPY": spyQuote(585)}}

	z, cleanup := newCloser(t, broker, placer, quotes)
	defer cleanup()
	trade := openStrangle(t, z.trades, "2026-03-10")

	result := z.Execute(context.Background())
	require.True(t, result.Success)
	require.Len(t, placer.closes, 1)
	assert.Equal(t, int64(800001), placer.closes[0].Conid)

	got, err := z.trades.GetByID(trade.ID)
	require.NoError(t, err)
	assert.Contains(t, got.ExitReason, "Delta 0.50")
}

func TestZeroDTECloser_NoSpotNoDeltaClosesAnyway(t *testing.T) {
	broker := &stubBroker{positions: stranglePositions(-1)}
	placer := &stubPlacer{}
	// No spot and no delta from any source: this close to expiry the
	// legs are assumed in the money and force-closed.
	quotes := &stubQuotes{}

	z, cleanup := newCloser(t, broker, placer, quotes)
	defer cleanup()
	trade, err := z.trades.Create(&ledger.PaperTrade{
		UserID: "u1", Symbol: "SPY", Contracts: 1,
		PutStrike: 590, PutPremium: 1.10, PutConid: 800001,
		CallStrike: 610, CallPremium: 1.20, CallConid: 800002,
		EntryPremiumTotal: 230, Expiration: "2026-03-10",
	})
	require.NoError(t, err)

	result := z.Execute(context.Background())
	require.True(t, result.Success, "error=%s reason=%s", result.Error, result.Reason)
	assert.Equal(t, 2, result.Data["risky"])
	require.Len(t, placer.closes, 2)

	got, err := z.trades.GetByID(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, "closed", got.Status)
	assert.Contains(t, got.ExitReason, "Delta 0.50")
}

func TestZeroDTECloser_EntryDeltaKeepsSafeLegsOpen(t *testing.T) {
	broker := &stubBroker{positions: stranglePositions(-1)}
	placer := &stubPlacer{}
	// Spot between the strikes and no cached deltas: both legs fall back
	// to their small entry deltas and stay open.
	quotes := &stubQuotes{bySymbol: map[string]*stream.Quote{"SPY": spyQuote(600)}}

	z, cleanup := newCloser(t, broker, placer, quotes)
	defer cleanup()
	openStrangle(t, z.trades, "2026-03-10")

	result := z.Execute(context.Background())
	assert.True(t, result.Skipped)
	assert.Equal(t, "no risky 0DTE positions", result.Reason)
	assert.Empty(t, placer.closes)
}

func TestZeroDTECloser_CloseFailureReportsFailure(t *testing.T) {
	broker := &stubBroker{positions: stranglePositions(-1)}
	placer := &stubPlacer{closeErr: assert.AnError}
	quotes := &stubQuotes{
		bySymbol: map[string]*stream.Quote{"SPY": spyQuote(592)},
		byConid:  map[int64]*stream.Quote{800001: {Conid: 800001, Delta: -0.45}},
	}

	z, cleanup := newCloser(t, broker, placer, quotes)
	defer cleanup()
	trade := openStrangle(t, z.trades, "2026-03-10")

	result := z.Execute(context.Background())
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not closed")

	got, err := z.trades.GetByID(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, "open", got.Status, "failed close must not settle the ledger")
}
