package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mavrikos/thetad/internal/database"
)

// AuditRepository records session and order events in the ledger database.
// It satisfies the broker package's audit sink; failures are logged and
// swallowed so auditing never breaks a handshake.
type AuditRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewAuditRepository creates an audit repository.
func NewAuditRepository(db *database.DB, log zerolog.Logger) *AuditRepository {
	return &AuditRepository{
		db:  db,
		log: log.With().Str("repo", "audit").Logger(),
	}
}

// RecordAuthEvent appends one handshake step outcome.
func (r *AuditRepository) RecordAuthEvent(userID, step string, status int, requestID, detail string) {
	_, err := r.db.Exec(`
		INSERT INTO sessions_audit (user_id, step, status, request_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, step, status, nullString(requestID), nullString(detail), time.Now().Unix())
	if err != nil {
		r.log.Error().Err(err).Str("step", step).Msg("Failed to record auth event")
	}
}

// Recent returns the most recent events for a user, newest first.
func (r *AuditRepository) Recent(userID string, limit int) ([]*AuthEvent, error) {
	rows, err := r.db.Query(`
		SELECT id, user_id, step, status, request_id, detail, created_at
		FROM sessions_audit WHERE user_id = ?
		ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var out []*AuthEvent
	for rows.Next() {
		var e AuthEvent
		var createdAt int64
		var requestID, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Step, &e.Status, &requestID, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.RequestID = requestID.String
		e.Detail = detail.String
		e.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &e)
	}
	return out, rows.Err()
}
