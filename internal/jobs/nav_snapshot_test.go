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
	testdb "github.com/mavrikos/thetad/internal/testing"
)

func newSnapshotter(t *testing.T, broker *stubBroker, snapshotType string) (*NAVSnapshotter, *ledger.NAVRepository, func()) {
	t.Helper()
	db, cleanup := testdb.NewLedgerDB(t)
	nav := ledger.NewNAVRepository(db, zerolog.Nop())
	s := NewNAVSnapshotter(broker, nav, market.NewCalendar(), "u1", snapshotType, zerolog.Nop())
	s.now = func() time.Time { return tradingDay }
	return s, nav, cleanup
}

func TestNAVSnapshotter_RecordsOpeningNAV(t *testing.T) {
	broker := &stubBroker{summary: &ibkr.AccountSummary{PortfolioValue: 125000}}
	s, nav, cleanup := newSnapshotter(t, broker, "opening")
	defer cleanup()

	result := s.Execute(context.Background())
	require.True(t, result.Success)

	got, err := nav.Get("2026-03-10", "opening", "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 125000.0, got.NAV)
}

func TestNAVSnapshotter_RerunReplaces(t *testing.T) {
	broker := &stubBroker{summary: &ibkr.AccountSummary{PortfolioValue: 125000}}
	s, nav, cleanup := newSnapshotter(t, broker, "closing")
	defer cleanup()

	require.True(t, s.Execute(context.Background()).Success)
	broker.summary = &ibkr.AccountSummary{PortfolioValue: 126500}
	require.True(t, s.Execute(context.Background()).Success)

	got, err := nav.Get("2026-03-10", "closing", "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 126500.0, got.NAV)
}

func TestNAVSnapshotter_FallsBackToNetLiquidation(t *testing.T) {
	broker := &stubBroker{summary: &ibkr.AccountSummary{NetLiquidation: 98000}}
	s, nav, cleanup := newSnapshotter(t, broker, "opening")
	defer cleanup()

	require.True(t, s.Execute(context.Background()).Success)
	got, err := nav.Get("2026-03-10", "opening", "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 98000.0, got.NAV)
}

func TestNAVSnapshotter_ZeroNAVFails(t *testing.T) {
	broker := &stubBroker{summary: &ibkr.AccountSummary{}}
	s, nav, cleanup := newSnapshotter(t, broker, "opening")
	defer cleanup()

	result := s.Execute(context.Background())
	assert.False(t, result.Success)

	got, err := nav.Get("2026-03-10", "opening", "u1")
	require.NoError(t, err)
	assert.Nil(t, got, "a bad summary must not overwrite anything")
}
