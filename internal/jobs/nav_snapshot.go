package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mavrikos/thetad/internal/ledger"
	"github.com/mavrikos/thetad/internal/market"
	"github.com/mavrikos/thetad/internal/scheduler"
)

// NAVSnapshotter records the account's net liquidation value at the
// open and close. One handler serves both cron entries; the snapshot
// type is fixed at construction.
type NAVSnapshotter struct {
	broker       Broker
	nav          *ledger.NAVRepository
	cal          *market.Calendar
	log          zerolog.Logger
	now          func() time.Time
	userID       string
	snapshotType string // opening | closing
}

// NewNAVSnapshotter creates a snapshot handler for one snapshot type.
func NewNAVSnapshotter(broker Broker, nav *ledger.NAVRepository, cal *market.Calendar, userID, snapshotType string, log zerolog.Logger) *NAVSnapshotter {
	return &NAVSnapshotter{
		broker:       broker,
		nav:          nav,
		cal:          cal,
		log:          log.With().Str("component", "nav_snapshot").Str("type", snapshotType).Logger(),
		now:          time.Now,
		userID:       userID,
		snapshotType: snapshotType,
	}
}

// Execute fetches the account summary and upserts today's snapshot.
// Re-runs on the same day replace the earlier value.
func (s *NAVSnapshotter) Execute(ctx context.Context) scheduler.JobResult {
	now := s.now()
	if open, name := s.cal.IsEarlyCloseDay(now); open && s.snapshotType == "closing" {
		s.log.Info().Str("holiday", name).Msg("Early close day, closing snapshot may precede the official close")
	}

	summary, err := s.broker.GetAccountSummary(ctx)
	if err != nil {
		return scheduler.Fail(fmt.Errorf("failed to load account summary: %w", err))
	}

	nav := summary.NAV()
	if nav <= 0 {
		return scheduler.Fail(fmt.Errorf("account summary returned NAV %.2f", nav))
	}

	date := s.cal.ETDateString(now)
	if err := s.nav.Upsert(date, s.snapshotType, s.userID, nav); err != nil {
		return scheduler.Fail(err)
	}

	s.log.Info().Str("date", date).Float64("nav", nav).Msg("NAV snapshot recorded")
	return scheduler.JobResult{
		Success: true,
		Data:    map[string]interface{}{"date": date, "type": s.snapshotType, "nav": nav},
	}
}
