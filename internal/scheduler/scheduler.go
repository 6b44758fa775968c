// Package scheduler dispatches registered job handlers on cron schedules
// interpreted in each job's IANA time zone.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mavrikos/thetad/internal/ledger"
	"github.com/mavrikos/thetad/internal/metrics"
)

// JobResult is the structured outcome of one handler execution. Skipped
// results are not persisted; routine monitors return them so the run
// history keeps only significant events.
type JobResult struct {
	Success bool                   `json:"success"`
	Skipped bool                   `json:"skipped,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Skip builds a skipped result.
func Skip(reason string) JobResult {
	return JobResult{Success: true, Skipped: true, Reason: reason}
}

// Fail builds a failed result.
func Fail(err error) JobResult {
	return JobResult{Success: false, Error: err.Error()}
}

// Handler is one registered job implementation. Multiple job definitions
// may point at the same handler id; the handler must validate wall clock
// against the market calendar and refuse a wrong firing.
type Handler struct {
	ID          string
	Name        string
	Description string
	Execute     func(ctx context.Context) JobResult
}

type registeredHandler struct {
	Handler
	mu sync.Mutex
}

// Scheduler owns the cron runner and the handler registry.
type Scheduler struct {
	cron *cron.Cron
	repo *ledger.JobRepository
	log  zerolog.Logger

	mu       sync.Mutex
	handlers map[string]*registeredHandler
	jobs     map[string]ledger.JobDefinition
	entries  map[string]cron.EntryID
}

// New creates a scheduler. The job repository records definitions and
// non-routine run outcomes.
func New(repo *ledger.JobRepository, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		repo:     repo,
		log:      log.With().Str("component", "scheduler").Logger(),
		handlers: make(map[string]*registeredHandler),
		jobs:     make(map[string]ledger.JobDefinition),
		entries:  make(map[string]cron.EntryID),
	}
}

// RegisterJobHandler makes a handler available to job definitions.
func (s *Scheduler) RegisterJobHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[h.ID] = &registeredHandler{Handler: h}
	s.log.Debug().Str("handler", h.ID).Msg("Job handler registered")
}

// EnsureJob upserts a job definition and schedules it. The job's type
// names the handler; two definitions may share one handler to cover
// multiple trigger times.
func (s *Scheduler) EnsureJob(def ledger.JobDefinition) error {
	s.mu.Lock()
	handler, ok := s.handlers[def.Type]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no handler registered for job type %q", def.Type)
	}

	if err := s.repo.EnsureJob(def); err != nil {
		return err
	}

	spec := fmt.Sprintf("CRON_TZ=%s %s", def.Timezone, def.Cron)
	entryID, err := s.cron.AddFunc(spec, func() {
		// The enabled flag is read at fire time so /api/jobs toggles
		// take effect without a reschedule. Manual RunNow bypasses it.
		enabled, err := s.repo.IsEnabled(def.ID)
		if err != nil {
			s.log.Error().Err(err).Str("job", def.ID).Msg("Failed to read enabled flag")
			return
		}
		if !enabled {
			s.log.Debug().Str("job", def.ID).Msg("Job disabled, skipping scheduled run")
			return
		}
		s.execute(context.Background(), def, handler)
	})
	if err != nil {
		return fmt.Errorf("bad cron spec for job %s: %w", def.ID, err)
	}

	s.mu.Lock()
	if old, exists := s.entries[def.ID]; exists {
		s.cron.Remove(old)
	}
	s.entries[def.ID] = entryID
	s.jobs[def.ID] = def
	s.mu.Unlock()

	s.log.Info().Str("job", def.ID).Str("cron", def.Cron).Str("tz", def.Timezone).Msg("Job scheduled")
	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, jobID string) (JobResult, error) {
	s.mu.Lock()
	def, ok := s.jobs[jobID]
	var handler *registeredHandler
	if ok {
		handler = s.handlers[def.Type]
	}
	s.mu.Unlock()

	if !ok || handler == nil {
		return JobResult{}, fmt.Errorf("unknown job %q", jobID)
	}
	return s.execute(ctx, def, handler), nil
}

// execute runs a handler under its per-handler mutex so the same job
// never runs twice concurrently, then records the outcome.
func (s *Scheduler) execute(ctx context.Context, def ledger.JobDefinition, handler *registeredHandler) JobResult {
	if !handler.mu.TryLock() {
		s.log.Warn().Str("job", def.ID).Msg("Previous run still in flight, skipping")
		return Skip("already running")
	}
	defer handler.mu.Unlock()

	started := time.Now()
	s.log.Debug().Str("job", def.ID).Msg("Job starting")

	result := handler.Execute(ctx)

	elapsed := time.Since(started)
	metrics.JobDuration.WithLabelValues(handler.ID).Observe(elapsed.Seconds())

	outcome := "success"
	switch {
	case result.Skipped:
		outcome = "skipped"
	case !result.Success:
		outcome = "failed"
	}
	metrics.JobRuns.WithLabelValues(handler.ID, outcome).Inc()

	// Routine skips are elided from the durable run history
	if result.Skipped {
		s.log.Debug().Str("job", def.ID).Str("reason", result.Reason).Msg("Job skipped")
		return result
	}

	var dataJSON string
	if len(result.Data) > 0 {
		if b, err := json.Marshal(result.Data); err == nil {
			dataJSON = string(b)
		}
	}
	reason := result.Reason
	if result.Error != "" {
		reason = result.Error
	}

	if err := s.repo.RecordRun(ledger.JobRun{
		JobID:      def.ID,
		StartedAt:  started,
		FinishedAt: started.Add(elapsed),
		Outcome:    outcome,
		Reason:     reason,
		Data:       dataJSON,
	}); err != nil {
		s.log.Error().Err(err).Str("job", def.ID).Msg("Failed to record job run")
	}

	if result.Success {
		s.log.Info().Str("job", def.ID).Dur("elapsed", elapsed).Msg("Job completed")
	} else {
		s.log.Error().Str("job", def.ID).Str("error", result.Error).Msg("Job failed")
	}
	return result
}

// Start begins cron dispatch.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.entries)).Msg("Scheduler started")
}

// Stop halts dispatch and waits up to the grace period for in-flight
// handlers.
func (s *Scheduler) Stop(grace time.Duration) {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
		s.log.Info().Msg("Scheduler stopped")
	case <-time.After(grace):
		s.log.Warn().Msg("Scheduler stop grace period elapsed with handlers in flight")
	}
}
