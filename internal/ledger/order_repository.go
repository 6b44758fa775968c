package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mavrikos/thetad/internal/database"
)

const orderColumns = `id, ibkr_order_id, symbol, conid, side, quantity, order_type,
	limit_price, parent_id, status, paper_trade_id, submitted_at, filled_at,
	fill_price, created_at`

// OrderRepository persists locally tracked orders in the ledger database.
type OrderRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewOrderRepository creates an order repository.
func NewOrderRepository(db *database.DB, log zerolog.Logger) *OrderRepository {
	return &OrderRepository{
		db:  db,
		log: log.With().Str("repo", "orders").Logger(),
	}
}

// Create inserts a new order row with a generated local id and returns it.
func (r *OrderRepository) Create(o *Order) (*Order, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = "submitted"
	}
	now := time.Now()
	if o.SubmittedAt.IsZero() {
		o.SubmittedAt = now
	}
	o.CreatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO orders (id, ibkr_order_id, symbol, conid, side, quantity,
			order_type, limit_price, parent_id, status, paper_trade_id,
			submitted_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, nullString(o.IBKROrderID), o.Symbol, nullInt(o.Conid), o.Side,
		o.Quantity, o.OrderType, nullFloat(o.LimitPrice), nullString(o.ParentID),
		o.Status, nullInt(o.PaperTradeID), o.SubmittedAt.Unix(), o.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}

	r.log.Debug().Str("id", o.ID).Str("symbol", o.Symbol).Str("side", o.Side).Msg("Order recorded")
	return o, nil
}

// SetBrokerID records the broker-assigned id once it has been parsed.
func (r *OrderRepository) SetBrokerID(localID, brokerID string) error {
	_, err := r.db.Exec(`UPDATE orders SET ibkr_order_id = ? WHERE id = ?`, brokerID, localID)
	if err != nil {
		return fmt.Errorf("failed to set broker id on order %s: %w", localID, err)
	}
	return nil
}

// UpdateStatus transitions an order to a new status.
func (r *OrderRepository) UpdateStatus(localID, status string) error {
	_, err := r.db.Exec(`UPDATE orders SET status = ? WHERE id = ?`, status, localID)
	if err != nil {
		return fmt.Errorf("failed to update order %s status: %w", localID, err)
	}
	return nil
}

// MarkFilled records the fill on an order.
func (r *OrderRepository) MarkFilled(localID string, fillPrice float64, filledAt time.Time) error {
	_, err := r.db.Exec(`
		UPDATE orders SET status = 'filled', fill_price = ?, filled_at = ?
		WHERE id = ?`, fillPrice, filledAt.Unix(), localID)
	if err != nil {
		return fmt.Errorf("failed to mark order %s filled: %w", localID, err)
	}
	return nil
}

// GetByID fetches one order by local id.
func (r *OrderRepository) GetByID(localID string) (*Order, error) {
	row := r.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = ?`, localID)
	return scanOrder(row)
}

// ListOpen returns orders still in submitted or partial status.
func (r *OrderRepository) ListOpen() ([]*Order, error) {
	rows, err := r.db.Query(`
		SELECT ` + orderColumns + ` FROM orders
		WHERE status IN ('submitted', 'partial')
		ORDER BY submitted_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListByTrade returns every order linked to a paper trade.
func (r *OrderRepository) ListByTrade(tradeID int64) ([]*Order, error) {
	rows, err := r.db.Query(`
		SELECT `+orderColumns+` FROM orders
		WHERE paper_trade_id = ?
		ORDER BY submitted_at`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders for trade %d: %w", tradeID, err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var brokerID, parentID sql.NullString
	var conid, tradeID, filledAt sql.NullInt64
	var limitPrice, fillPrice sql.NullFloat64
	var submittedAt, createdAt int64

	err := row.Scan(&o.ID, &brokerID, &o.Symbol, &conid, &o.Side, &o.Quantity,
		&o.OrderType, &limitPrice, &parentID, &o.Status, &tradeID,
		&submittedAt, &filledAt, &fillPrice, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	o.IBKROrderID = brokerID.String
	o.ParentID = parentID.String
	o.Conid = conid.Int64
	o.PaperTradeID = tradeID.Int64
	o.LimitPrice = limitPrice.Float64
	o.FillPrice = fillPrice.Float64
	o.SubmittedAt = time.Unix(submittedAt, 0)
	o.FilledAt = fromUnix(filledAt)
	o.CreatedAt = time.Unix(createdAt, 0)
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
