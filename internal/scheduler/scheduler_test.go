package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mavrikos/thetad/internal/ledger"
	testdb "github.com/mavrikos/thetad/internal/testing"
)

func newTestScheduler(t *testing.T) (*Scheduler, *ledger.JobRepository, func()) {
	db, cleanup := testdb.NewJobsDB(t)
	repo := ledger.NewJobRepository(db, zerolog.Nop())
	return New(repo, zerolog.Nop()), repo, cleanup
}

func TestEnsureJob_RequiresHandler(t *testing.T) {
	s, _, cleanup := newTestScheduler(t)
	defer cleanup()

	err := s.EnsureJob(ledger.JobDefinition{
		ID: "j1", Name: "J1", Cron: "0 11 * * 1-5",
		Timezone: "America/New_York", Enabled: true, Type: "missing",
	})
	require.Error(t, err)
}

func TestEnsureJob_RejectsBadCron(t *testing.T) {
	s, _, cleanup := newTestScheduler(t)
	defer cleanup()

	s.RegisterJobHandler(Handler{ID: "noop", Execute: func(ctx context.Context) JobResult {
		return JobResult{Success: true}
	}})

	err := s.EnsureJob(ledger.JobDefinition{
		ID: "j1", Name: "J1", Cron: "not a cron",
		Timezone: "America/New_York", Enabled: true, Type: "noop",
	})
	require.Error(t, err)
}

func TestRunNow_RecordsRun(t *testing.T) {
	s, repo, cleanup := newTestScheduler(t)
	defer cleanup()

	s.RegisterJobHandler(Handler{ID: "entry", Execute: func(ctx context.Context) JobResult {
		return JobResult{Success: true, Data: map[string]interface{}{"contracts": 1}}
	}})
	require.NoError(t, s.EnsureJob(ledger.JobDefinition{
		ID: "trade-engine", Name: "Trade Engine", Cron: "0 11 * * 1-5",
		Timezone: "America/New_York", Enabled: true, Type: "entry",
	}))

	result, err := s.RunNow(context.Background(), "trade-engine")
	require.NoError(t, err)
	assert.True(t, result.Success)

	runs, err := repo.RecentRuns("trade-engine", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "success", runs[0].Outcome)
	assert.Contains(t, runs[0].Data, "contracts")
}

func TestRunNow_SkippedRunsAreElided(t *testing.T) {
	s, repo, cleanup := newTestScheduler(t)
	defer cleanup()

	s.RegisterJobHandler(Handler{ID: "monitor", Execute: func(ctx context.Context) JobResult {
		return Skip("aggregated")
	}})
	require.NoError(t, s.EnsureJob(ledger.JobDefinition{
		ID: "position-monitor", Name: "Position Monitor", Cron: "*/5 9-16 * * 1-5",
		Timezone: "America/New_York", Enabled: true, Type: "monitor",
	}))

	result, err := s.RunNow(context.Background(), "position-monitor")
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	runs, err := repo.RecentRuns("position-monitor", 5)
	require.NoError(t, err)
	assert.Empty(t, runs, "routine skips must not persist a run")
}

func TestRunNow_FailureRecordsError(t *testing.T) {
	s, repo, cleanup := newTestScheduler(t)
	defer cleanup()

	s.RegisterJobHandler(Handler{ID: "failing", Execute: func(ctx context.Context) JobResult {
		return Fail(errors.New("broker unavailable"))
	}})
	require.NoError(t, s.EnsureJob(ledger.JobDefinition{
		ID: "j1", Name: "J1", Cron: "0 11 * * 1-5",
		Timezone: "America/New_York", Enabled: true, Type: "failing",
	}))

	result, err := s.RunNow(context.Background(), "j1")
	require.NoError(t, err)
	assert.False(t, result.Success)

	runs, err := repo.RecentRuns("j1", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "failed", runs[0].Outcome)
	assert.Equal(t, "broker unavailable", runs[0].Reason)
}

func TestExecute_NoConcurrentRunsPerHandler(t *testing.T) {
	s, _, cleanup := newTestScheduler(t)
	defer cleanup()

	var running atomic.Int64
	var maxSeen atomic.Int64
	block := make(chan struct{})

	s.RegisterJobHandler(Handler{ID: "slow", Execute: func(ctx context.Context) JobResult {
		n := running.Add(1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		<-block
		running.Add(-1)
		return JobResult{Success: true}
	}})
	require.NoError(t, s.EnsureJob(ledger.JobDefinition{
		ID: "slow-job", Name: "Slow", Cron: "* * * * *",
		Timezone: "America/New_York", Enabled: true, Type: "slow",
	}))

	var wg sync.WaitGroup
	results := make([]JobResult, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := s.RunNow(context.Background(), "slow-job")
			require.NoError(t, err)
			results[i] = r
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(block)
	wg.Wait()

	assert.EqualValues(t, 1, maxSeen.Load(), "same handler must never run twice concurrently")

	skipped := 0
	for _, r := range results {
		if r.Skipped && r.Reason == "already running" {
			skipped++
		}
	}
	assert.Equal(t, 2, skipped)
}

func TestTwoEntriesShareOneHandler(t *testing.T) {
	s, _, cleanup := newTestScheduler(t)
	defer cleanup()

	var fired atomic.Int64
	s.RegisterJobHandler(Handler{ID: "zero-dte", Execute: func(ctx context.Context) JobResult {
		fired.Add(1)
		return JobResult{Success: true}
	}})

	require.NoError(t, s.EnsureJob(ledger.JobDefinition{
		ID: "0dte-closer-normal", Name: "0DTE Closer", Cron: "55 15 * * 1-5",
		Timezone: "America/New_York", Enabled: true, Type: "zero-dte",
	}))
	require.NoError(t, s.EnsureJob(ledger.JobDefinition{
		ID: "0dte-closer-early", Name: "0DTE Closer (early close)", Cron: "55 12 * * 1-5",
		Timezone: "America/New_York", Enabled: true, Type: "zero-dte",
	}))

	_, err := s.RunNow(context.Background(), "0dte-closer-normal")
	require.NoError(t, err)
	_, err = s.RunNow(context.Background(), "0dte-closer-early")
	require.NoError(t, err)
	assert.EqualValues(t, 2, fired.Load())
}
