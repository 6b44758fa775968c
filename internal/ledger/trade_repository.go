package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mavrikos/thetad/internal/database"
)

const tradeColumns = `id, user_id, symbol, strategy, bias, contracts,
	put_strike, put_premium, put_conid, put_delta,
	call_strike, call_premium, call_conid, call_delta,
	entry_premium_total, expiration, status, exit_price, exit_reason,
	realized_pnl, assignment_details, spot_at_close, source,
	created_at, closed_at`

// TradeRepository persists paper trades in the ledger database.
type TradeRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewTradeRepository creates a trade repository.
func NewTradeRepository(db *database.DB, log zerolog.Logger) *TradeRepository {
	return &TradeRepository{
		db:  db,
		log: log.With().Str("repo", "trades").Logger(),
	}
}

// Create inserts a new open trade and returns it with its assigned id.
func (r *TradeRepository) Create(t *PaperTrade) (*PaperTrade, error) {
	if t.Status == "" {
		t.Status = "open"
	}
	t.CreatedAt = time.Now()

	res, err := r.db.Exec(`
		INSERT INTO paper_trades (user_id, symbol, strategy, bias, contracts,
			put_strike, put_premium, put_conid, put_delta,
			call_strike, call_premium, call_conid, call_delta,
			entry_premium_total, expiration, status, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UserID, t.Symbol, nullString(t.Strategy), nullString(t.Bias), t.Contracts,
		nullFloat(t.PutStrike), nullFloat(t.PutPremium), nullInt(t.PutConid), nullFloat(t.PutDelta),
		nullFloat(t.CallStrike), nullFloat(t.CallPremium), nullInt(t.CallConid), nullFloat(t.CallDelta),
		t.EntryPremiumTotal, t.Expiration, t.Status, nullString(t.Source), t.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert paper trade: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read trade id: %w", err)
	}
	t.ID = id

	r.log.Info().Int64("id", id).Str("symbol", t.Symbol).Str("expiration", t.Expiration).Msg("Paper trade opened")
	return t, nil
}

// GetByID fetches one trade, nil when absent.
func (r *TradeRepository) GetByID(id int64) (*PaperTrade, error) {
	row := r.db.QueryRow(`SELECT `+tradeColumns+` FROM paper_trades WHERE id = ?`, id)
	return scanTrade(row)
}

// ListOpen returns all open trades.
func (r *TradeRepository) ListOpen() ([]*PaperTrade, error) {
	rows, err := r.db.Query(`
		SELECT ` + tradeColumns + ` FROM paper_trades
		WHERE status = 'open' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListOpenExpiring returns open trades expiring on the given ET day.
func (r *TradeRepository) ListOpenExpiring(date string) ([]*PaperTrade, error) {
	rows, err := r.db.Query(`
		SELECT `+tradeColumns+` FROM paper_trades
		WHERE status = 'open' AND expiration = ? ORDER BY created_at`, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListRecent returns the newest trades regardless of status.
func (r *TradeRepository) ListRecent(limit int) ([]*PaperTrade, error) {
	rows, err := r.db.Query(`
		SELECT `+tradeColumns+` FROM paper_trades
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListRecentlySettled returns expired or closed trades whose expiration
// falls on or after the given ET date. The assignment monitor scans
// these for stock deliveries.
func (r *TradeRepository) ListRecentlySettled(since string) ([]*PaperTrade, error) {
	rows, err := r.db.Query(`
		SELECT `+tradeColumns+` FROM paper_trades
		WHERE status IN ('expired', 'closed') AND expiration >= ?
		ORDER BY expiration DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query settled trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// HasTradeOnDate reports whether the user already opened a trade on the
// given ET day. Keys the trade engine's once-per-day idempotency.
func (r *TradeRepository) HasTradeOnDate(userID, date string) (bool, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return false, err
	}
	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return false, fmt.Errorf("bad date %q: %w", date, err)
	}

	var count int
	err = r.db.QueryRow(`
		SELECT COUNT(*) FROM paper_trades
		WHERE user_id = ? AND created_at >= ? AND created_at < ?`,
		userID, day.Unix(), day.Add(24*time.Hour).Unix()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count trades for %s: %w", date, err)
	}
	return count > 0, nil
}

// Close marks a trade closed with its exit details.
func (r *TradeRepository) Close(id int64, exitPrice float64, exitReason string, realizedPnl, spotAtClose float64) error {
	_, err := r.db.Exec(`
		UPDATE paper_trades
		SET status = 'closed', exit_price = ?, exit_reason = ?, realized_pnl = ?,
		    spot_at_close = ?, closed_at = ?
		WHERE id = ?`,
		exitPrice, exitReason, realizedPnl, nullFloat(spotAtClose), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to close trade %d: %w", id, err)
	}
	r.log.Info().Int64("id", id).Float64("pnl", realizedPnl).Str("reason", exitReason).Msg("Paper trade closed")
	return nil
}

// MarkExpired closes a trade as expired worthless, realizing the full
// entry premium.
func (r *TradeRepository) MarkExpired(id int64, realizedPnl float64) error {
	_, err := r.db.Exec(`
		UPDATE paper_trades
		SET status = 'expired', exit_price = 0, exit_reason = 'Expired worthless',
		    realized_pnl = ?, closed_at = ?
		WHERE id = ?`, realizedPnl, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to expire trade %d: %w", id, err)
	}
	return nil
}

// SetAssignmentDetails stores the assignment monitor's JSON record and
// flips the trade to exercised.
func (r *TradeRepository) SetAssignmentDetails(id int64, detailsJSON string) error {
	_, err := r.db.Exec(`
		UPDATE paper_trades SET status = 'exercised', assignment_details = ?
		WHERE id = ?`, detailsJSON, id)
	if err != nil {
		return fmt.Errorf("failed to record assignment on trade %d: %w", id, err)
	}
	return nil
}

func scanTrade(row rowScanner) (*PaperTrade, error) {
	var t PaperTrade
	var strategy, bias, exitReason, assignment, source sql.NullString
	var putStrike, putPremium, putDelta sql.NullFloat64
	var callStrike, callPremium, callDelta sql.NullFloat64
	var exitPrice, realizedPnl, spotAtClose sql.NullFloat64
	var putConid, callConid, closedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&t.ID, &t.UserID, &t.Symbol, &strategy, &bias, &t.Contracts,
		&putStrike, &putPremium, &putConid, &putDelta,
		&callStrike, &callPremium, &callConid, &callDelta,
		&t.EntryPremiumTotal, &t.Expiration, &t.Status, &exitPrice, &exitReason,
		&realizedPnl, &assignment, &spotAtClose, &source, &createdAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan paper trade: %w", err)
	}

	t.Strategy = strategy.String
	t.Bias = bias.String
	t.PutStrike = putStrike.Float64
	t.PutPremium = putPremium.Float64
	t.PutConid = putConid.Int64
	t.PutDelta = putDelta.Float64
	t.CallStrike = callStrike.Float64
	t.CallPremium = callPremium.Float64
	t.CallConid = callConid.Int64
	t.CallDelta = callDelta.Float64
	t.ExitPrice = exitPrice.Float64
	t.ExitReason = exitReason.String
	t.RealizedPnl = realizedPnl.Float64
	t.AssignmentDetails = assignment.String
	t.SpotAtClose = spotAtClose.Float64
	t.Source = source.String
	t.CreatedAt = time.Unix(createdAt, 0)
	t.ClosedAt = fromUnix(closedAt)
	return &t, nil
}

func scanTrades(rows *sql.Rows) ([]*PaperTrade, error) {
	var out []*PaperTrade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
