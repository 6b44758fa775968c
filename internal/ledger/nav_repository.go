package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mavrikos/thetad/internal/database"
)

// NAVRepository persists daily NAV snapshots. One row per
// (date, type, user); re-running a snapshot job updates in place.
type NAVRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewNAVRepository creates a NAV snapshot repository.
func NewNAVRepository(db *database.DB, log zerolog.Logger) *NAVRepository {
	return &NAVRepository{
		db:  db,
		log: log.With().Str("repo", "nav").Logger(),
	}
}

// Upsert writes one snapshot, replacing any earlier value for the same
// day, type and user.
func (r *NAVRepository) Upsert(date, snapshotType, userID string, nav float64) error {
	_, err := r.db.Exec(`
		INSERT INTO nav_snapshots (date, snapshot_type, user_id, nav, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date, snapshot_type, user_id)
		DO UPDATE SET nav = excluded.nav, created_at = excluded.created_at`,
		date, snapshotType, userID, nav, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert %s NAV snapshot for %s: %w", snapshotType, date, err)
	}

	r.log.Info().Str("date", date).Str("type", snapshotType).Float64("nav", nav).Msg("NAV snapshot recorded")
	return nil
}

// Get returns one snapshot, nil when absent.
func (r *NAVRepository) Get(date, snapshotType, userID string) (*NAVSnapshot, error) {
	var s NAVSnapshot
	var createdAt int64
	err := r.db.QueryRow(`
		SELECT id, date, snapshot_type, user_id, nav, created_at
		FROM nav_snapshots
		WHERE date = ? AND snapshot_type = ? AND user_id = ?`,
		date, snapshotType, userID).
		Scan(&s.ID, &s.Date, &s.SnapshotType, &s.UserID, &s.NAV, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query NAV snapshot: %w", err)
	}
	s.CreatedAt = time.Unix(createdAt, 0)
	return &s, nil
}

// ListRange returns snapshots between two ET days inclusive, oldest first.
func (r *NAVRepository) ListRange(userID, from, to string) ([]*NAVSnapshot, error) {
	rows, err := r.db.Query(`
		SELECT id, date, snapshot_type, user_id, nav, created_at
		FROM nav_snapshots
		WHERE user_id = ? AND date >= ? AND date <= ?
		ORDER BY date, snapshot_type`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query NAV range: %w", err)
	}
	defer rows.Close()

	var out []*NAVSnapshot
	for rows.Next() {
		var s NAVSnapshot
		var createdAt int64
		if err := rows.Scan(&s.ID, &s.Date, &s.SnapshotType, &s.UserID, &s.NAV, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan NAV snapshot: %w", err)
		}
		s.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &s)
	}
	return out, rows.Err()
}
