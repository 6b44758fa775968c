package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mavrikos/thetad/internal/database"
)

// PriceRepository persists last-known prices in the cache database. The
// streamer debounces writes; this repository just upserts and reads.
type PriceRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewPriceRepository creates a price repository over the cache database.
func NewPriceRepository(db *database.DB, log zerolog.Logger) *PriceRepository {
	return &PriceRepository{
		db:  db,
		log: log.With().Str("repo", "prices").Logger(),
	}
}

// Upsert writes one symbol's latest values.
func (r *PriceRepository) Upsert(row PriceRow) error {
	if row.Source == "" {
		row.Source = "websocket"
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now()
	}

	_, err := r.db.Exec(`
		INSERT INTO latest_prices (symbol, conid, price, bid, ask, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			conid = excluded.conid,
			price = excluded.price,
			bid = excluded.bid,
			ask = excluded.ask,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		row.Symbol, row.Conid, nullFloat(row.Price), nullFloat(row.Bid),
		nullFloat(row.Ask), row.Source, row.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert price for %s: %w", row.Symbol, err)
	}
	return nil
}

// All returns every persisted price row, used to rehydrate the in-memory
// cache on startup.
func (r *PriceRepository) All() ([]PriceRow, error) {
	rows, err := r.db.Query(`
		SELECT symbol, conid, price, bid, ask, source, updated_at
		FROM latest_prices`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest prices: %w", err)
	}
	defer rows.Close()

	var out []PriceRow
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Get returns one symbol's row; ok is false when absent.
func (r *PriceRepository) Get(symbol string) (PriceRow, bool, error) {
	row := r.db.QueryRow(`
		SELECT symbol, conid, price, bid, ask, source, updated_at
		FROM latest_prices WHERE symbol = ?`, symbol)
	p, err := scanPrice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PriceRow{}, false, nil
	}
	if err != nil {
		return PriceRow{}, false, err
	}
	return p, true, nil
}

func scanPrice(row rowScanner) (PriceRow, error) {
	var p PriceRow
	var price, bid, ask interface{}
	var updatedAt int64

	if err := row.Scan(&p.Symbol, &p.Conid, &price, &bid, &ask, &p.Source, &updatedAt); err != nil {
		return PriceRow{}, err
	}
	p.Price = asFloat(price)
	p.Bid = asFloat(bid)
	p.Ask = asFloat(ask)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return p, nil
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	default:
		return 0
	}
}
