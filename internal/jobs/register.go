package jobs

import (
	"github.com/rs/zerolog"

	"github.com/mavrikos/thetad/internal/ledger"
	"github.com/mavrikos/thetad/internal/market"
	"github.com/mavrikos/thetad/internal/scheduler"
)

const etZone = "America/New_York"

// Deps carries everything the handlers need. Strategy may be nil, in
// which case the trade engine is not registered and entries are manual.
type Deps struct {
	Broker   Broker
	Placer   OrderPlacer
	Quotes   Quotes
	Trades   *ledger.TradeRepository
	NAV      *ledger.NAVRepository
	JobRepo  *ledger.JobRepository
	Calendar *market.Calendar
	Strategy StrategyEngine

	UserID     string
	Underlying string
}

// Register wires every handler into the scheduler and upserts the cron
// entries. Operator-disabled jobs stay disabled across restarts.
func Register(s *scheduler.Scheduler, d Deps, log zerolog.Logger) error {
	monitor := NewPositionMonitor(d.Broker, d.Placer, d.Quotes, d.Trades, d.JobRepo, d.Calendar, log)
	s.RegisterJobHandler(scheduler.Handler{
		ID:          "position-monitor",
		Name:        "Position Monitor",
		Description: "Closes trades after a sustained breach of either short strike",
		Execute:     monitor.Execute,
	})

	closer := NewZeroDTECloser(d.Broker, d.Placer, d.Quotes, d.Trades, d.Calendar, log)
	s.RegisterJobHandler(scheduler.Handler{
		ID:          "zero-dte",
		Name:        "0DTE Closer",
		Description: "Force-closes risky same-day-expiry legs near the exit deadline",
		Execute:     closer.Execute,
	})

	tradeMonitor := NewTradeMonitor(d.Broker, d.Quotes, d.Trades, d.Calendar, log)
	s.RegisterJobHandler(scheduler.Handler{
		ID:          "trade-monitor",
		Name:        "Trade Monitor",
		Description: "Reconciles open trades against broker positions and expirations",
		Execute:     tradeMonitor.Execute,
	})

	navOpen := NewNAVSnapshotter(d.Broker, d.NAV, d.Calendar, d.UserID, "opening", log)
	s.RegisterJobHandler(scheduler.Handler{
		ID:          "nav-opening",
		Name:        "NAV Snapshot (opening)",
		Description: "Records net liquidation value at the open",
		Execute:     navOpen.Execute,
	})

	navClose := NewNAVSnapshotter(d.Broker, d.NAV, d.Calendar, d.UserID, "closing", log)
	s.RegisterJobHandler(scheduler.Handler{
		ID:          "nav-closing",
		Name:        "NAV Snapshot (closing)",
		Description: "Records net liquidation value at the close",
		Execute:     navClose.Execute,
	})

	assignment := NewAssignmentMonitor(d.Broker, d.Placer, d.Quotes, d.Trades, d.Calendar, log)
	s.RegisterJobHandler(scheduler.Handler{
		ID:          "assignment-monitor",
		Name:        "Assignment Monitor",
		Description: "Disposes of stock delivered by ITM option assignment",
		Execute:     assignment.Execute,
	})

	if d.Strategy != nil {
		engine := NewTradeEngine(d.Placer, d.Quotes, d.Trades, d.Strategy, d.Calendar, d.UserID, d.Underlying, log)
		s.RegisterJobHandler(scheduler.Handler{
			ID:          "trade-engine",
			Name:        "Trade Engine",
			Description: "Opens the daily short premium position",
			Execute:     engine.Execute,
		})
	}

	defs := []ledger.JobDefinition{
		{ID: "position-monitor", Name: "Position Monitor", Cron: "*/5 9-16 * * 1-5", Timezone: etZone, Enabled: true, Type: "position-monitor"},
		{ID: "0dte-closer-normal", Name: "0DTE Closer", Cron: "55 15 * * 1-5", Timezone: etZone, Enabled: true, Type: "zero-dte"},
		{ID: "0dte-closer-early", Name: "0DTE Closer (early close)", Cron: "55 12 * * 1-5", Timezone: etZone, Enabled: true, Type: "zero-dte"},
		{ID: "trade-monitor", Name: "Trade Monitor", Cron: "*/30 9-16 * * 1-5", Timezone: etZone, Enabled: true, Type: "trade-monitor"},
		{ID: "nav-snapshot-open", Name: "NAV Snapshot (opening)", Cron: "30 9 * * 1-5", Timezone: etZone, Enabled: true, Type: "nav-opening"},
		{ID: "nav-snapshot-close", Name: "NAV Snapshot (closing)", Cron: "15 16 * * 1-5", Timezone: etZone, Enabled: true, Type: "nav-closing"},
		{ID: "assignment-monitor", Name: "Assignment Monitor", Cron: "5 4 * * 1-5", Timezone: etZone, Enabled: true, Type: "assignment-monitor"},
	}
	if d.Strategy != nil {
		defs = append(defs, ledger.JobDefinition{
			ID: "trade-engine", Name: "Trade Engine", Cron: "0 11 * * 1-5",
			Timezone: etZone, Enabled: true, Type: "trade-engine",
		})
	}

	for _, def := range defs {
		if err := s.EnsureJob(def); err != nil {
			return err
		}
	}
	return nil
}
