// Package ledger provides the repositories over the ledger, jobs and
// cache databases: orders, paper trades, session audit, NAV snapshots,
// persisted prices and job run history.
package ledger

import (
	"database/sql"
	"time"
)

// Order is one locally tracked order. The broker id arrives later than
// the local row and may never arrive when the response is unparseable.
type Order struct {
	ID           string
	IBKROrderID  string
	Symbol       string
	Conid        int64
	Side         string
	Quantity     float64
	OrderType    string
	LimitPrice   float64
	ParentID     string
	Status       string
	PaperTradeID int64
	SubmittedAt  time.Time
	FilledAt     time.Time
	FillPrice    float64
	CreatedAt    time.Time
}

// PaperTrade is one strangle/single-leg option position tracked by the
// trade engine. Legs are nullable: a put-only trade has no call fields.
type PaperTrade struct {
	ID                int64
	UserID            string
	Symbol            string
	Strategy          string
	Bias              string
	Contracts         int64
	PutStrike         float64
	PutPremium        float64
	PutConid          int64
	PutDelta          float64
	CallStrike        float64
	CallPremium       float64
	CallConid         int64
	CallDelta         float64
	EntryPremiumTotal float64
	Expiration        string // YYYY-MM-DD, ET
	Status            string
	ExitPrice         float64
	ExitReason        string
	RealizedPnl       float64
	AssignmentDetails string
	SpotAtClose       float64
	Source            string
	CreatedAt         time.Time
	ClosedAt          time.Time
}

// HasPut reports whether the trade carries a put leg.
func (t *PaperTrade) HasPut() bool { return t.PutStrike > 0 }

// HasCall reports whether the trade carries a call leg.
func (t *PaperTrade) HasCall() bool { return t.CallStrike > 0 }

// NAVSnapshot is one opening or closing NAV record.
type NAVSnapshot struct {
	ID           int64
	Date         string // YYYY-MM-DD, ET
	SnapshotType string // opening | closing
	UserID       string
	NAV          float64
	CreatedAt    time.Time
}

// PriceRow is one persisted last-known price.
type PriceRow struct {
	Symbol    string
	Conid     int64
	Price     float64
	Bid       float64
	Ask       float64
	Source    string
	UpdatedAt time.Time
}

// AuthEvent is one audited handshake or order event.
type AuthEvent struct {
	ID        int64
	UserID    string
	Step      string
	Status    int
	RequestID string
	Detail    string
	CreatedAt time.Time
}

// JobRun is one recorded scheduler job execution.
type JobRun struct {
	ID         int64
	JobID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string // success | failed | skipped
	Reason     string
	Data       string // JSON
}

// ContinuousStatus is the aggregated per-day record for a routine monitor.
type ContinuousStatus struct {
	ID                 int64
	JobType            string
	Date               string
	ChecksCompleted    int64
	PositionsMonitored int64
	AlertsTriggered    int64
	Errors             string // JSON array
	LastCheckAt        time.Time
}

// Nullable column helpers shared by the repositories.

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: f != 0}
}

func nullInt(i int64) sql.NullInt64 {
	return sql.NullInt64{Int64: i, Valid: i != 0}
}

func nullUnix(t time.Time) sql.NullInt64 {
	return sql.NullInt64{Int64: t.Unix(), Valid: !t.IsZero()}
}

func fromUnix(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}
