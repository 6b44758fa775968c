package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mavrikos/thetad/internal/database"
)

// JobDefinition is one scheduled job row.
type JobDefinition struct {
	ID        string
	Name      string
	Cron      string
	Timezone  string
	Enabled   bool
	Type      string
	Config    string // JSON
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobRepository persists job definitions, run history and the aggregated
// per-day status rows in the jobs database.
type JobRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewJobRepository creates a job repository.
func NewJobRepository(db *database.DB, log zerolog.Logger) *JobRepository {
	return &JobRepository{
		db:  db,
		log: log.With().Str("repo", "jobs").Logger(),
	}
}

// EnsureJob upserts a job definition. The schedule and config are code-
// owned; the enabled flag survives restarts so an operator can disable a
// job without it springing back.
func (r *JobRepository) EnsureJob(j JobDefinition) error {
	now := time.Now().Unix()
	_, err := r.db.Exec(`
		INSERT INTO jobs (id, name, cron, timezone, enabled, type, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			cron = excluded.cron,
			timezone = excluded.timezone,
			type = excluded.type,
			config = excluded.config,
			updated_at = excluded.updated_at`,
		j.ID, j.Name, j.Cron, j.Timezone, boolToInt(j.Enabled), j.Type,
		nullString(j.Config), now, now)
	if err != nil {
		return fmt.Errorf("failed to ensure job %s: %w", j.ID, err)
	}
	return nil
}

// ListEnabled returns all enabled job definitions.
func (r *JobRepository) ListEnabled() ([]JobDefinition, error) {
	rows, err := r.db.Query(`
		SELECT id, name, cron, timezone, enabled, type, config, created_at, updated_at
		FROM jobs WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []JobDefinition
	for rows.Next() {
		var j JobDefinition
		var enabled int
		var cfg sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&j.ID, &j.Name, &j.Cron, &j.Timezone, &enabled, &j.Type, &cfg, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		j.Enabled = enabled != 0
		j.Config = cfg.String
		j.CreatedAt = time.Unix(createdAt, 0)
		j.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, j)
	}
	return out, rows.Err()
}

// IsEnabled reports the stored enabled flag. Unknown jobs read as
// disabled.
func (r *JobRepository) IsEnabled(jobID string) (bool, error) {
	var enabled int
	err := r.db.QueryRow(`SELECT enabled FROM jobs WHERE id = ?`, jobID).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read enabled flag for job %s: %w", jobID, err)
	}
	return enabled != 0, nil
}

// SetEnabled flips a job's enabled flag.
func (r *JobRepository) SetEnabled(jobID string, enabled bool) error {
	_, err := r.db.Exec(`UPDATE jobs SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), time.Now().Unix(), jobID)
	if err != nil {
		return fmt.Errorf("failed to set job %s enabled=%v: %w", jobID, enabled, err)
	}
	return nil
}

// RecordRun appends one job execution record.
func (r *JobRepository) RecordRun(run JobRun) error {
	_, err := r.db.Exec(`
		INSERT INTO job_runs (job_id, started_at, finished_at, outcome, reason, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.JobID, run.StartedAt.Unix(), nullUnix(run.FinishedAt),
		run.Outcome, nullString(run.Reason), nullString(run.Data))
	if err != nil {
		return fmt.Errorf("failed to record run for job %s: %w", run.JobID, err)
	}
	return nil
}

// RecentRuns returns the newest runs for one job.
func (r *JobRepository) RecentRuns(jobID string, limit int) ([]JobRun, error) {
	rows, err := r.db.Query(`
		SELECT id, job_id, started_at, finished_at, outcome, reason, data
		FROM job_runs WHERE job_id = ?
		ORDER BY id DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []JobRun
	for rows.Next() {
		var run JobRun
		var startedAt int64
		var finishedAt sql.NullInt64
		var reason, data sql.NullString
		if err := rows.Scan(&run.ID, &run.JobID, &startedAt, &finishedAt, &run.Outcome, &reason, &data); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		run.StartedAt = time.Unix(startedAt, 0)
		run.FinishedAt = fromUnix(finishedAt)
		run.Reason = reason.String
		run.Data = data.String
		out = append(out, run)
	}
	return out, rows.Err()
}

// BumpContinuousStatus updates the aggregated per-day row for a routine
// monitor: one more check, the observed position count, any new alerts
// and errors.
func (r *JobRepository) BumpContinuousStatus(jobType, date string, positions, alerts int64, errsJSON string) error {
	_, err := r.db.Exec(`
		INSERT INTO continuous_job_status
			(job_type, date, checks_completed, positions_monitored, alerts_triggered, errors, last_check_at)
		VALUES (?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(job_type, date) DO UPDATE SET
			checks_completed = checks_completed + 1,
			positions_monitored = excluded.positions_monitored,
			alerts_triggered = alerts_triggered + excluded.alerts_triggered,
			errors = COALESCE(excluded.errors, errors),
			last_check_at = excluded.last_check_at`,
		jobType, date, positions, alerts, nullString(errsJSON), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to bump continuous status for %s: %w", jobType, err)
	}
	return nil
}

// GetContinuousStatus returns the aggregated row, nil when absent.
func (r *JobRepository) GetContinuousStatus(jobType, date string) (*ContinuousStatus, error) {
	var s ContinuousStatus
	var errs sql.NullString
	var lastCheck sql.NullInt64
	err := r.db.QueryRow(`
		SELECT id, job_type, date, checks_completed, positions_monitored,
		       alerts_triggered, errors, last_check_at
		FROM continuous_job_status WHERE job_type = ? AND date = ?`,
		jobType, date).
		Scan(&s.ID, &s.JobType, &s.Date, &s.ChecksCompleted, &s.PositionsMonitored,
			&s.AlertsTriggered, &errs, &lastCheck)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query continuous status: %w", err)
	}
	s.Errors = errs.String
	s.LastCheckAt = fromUnix(lastCheck)
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
