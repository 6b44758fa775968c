// Package stream maintains the market-data websocket: one connection to
// the broker, session-token authentication, subscription replay, and a
// per-conid quote cache other components read without touching the wire.
package stream

import (
	"sync"
	"time"
)

// Quote is the cached market data for one contract. Equities populate the
// price and day-range fields; options additionally carry Greeks and IV.
type Quote struct {
	Conid        int64     `json:"conid"`
	Symbol       string    `json:"symbol"`
	Kind         string    `json:"kind"` // stock | option
	Last         float64   `json:"last"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	ExtendedLast float64   `json:"extendedLast"`
	DayHigh      float64   `json:"dayHigh"`
	DayLow       float64   `json:"dayLow"`
	PrevClose    float64   `json:"prevClose"`
	Delta        float64   `json:"delta"`
	Gamma        float64   `json:"gamma"`
	Theta        float64   `json:"theta"`
	Vega         float64   `json:"vega"`
	IV           float64   `json:"iv"`
	OpenInterest float64   `json:"openInterest"`
	Closing      bool      `json:"closing"` // last carried the broker's C prefix
	Timestamp    time.Time `json:"timestamp"`
}

// Price returns the best usable price. A C-prefixed last is the prior
// session's close, so a live extended-hours print outranks it; otherwise
// last wins, then extended hours, then the bid/ask mid. VIX regularly
// streams without a last.
func (q *Quote) Price() float64 {
	if q.Closing && q.ExtendedLast > 0 {
		return q.ExtendedLast
	}
	if q.Last > 0 {
		return q.Last
	}
	if q.ExtendedLast > 0 {
		return q.ExtendedLast
	}
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return 0
}

// Cache holds the latest quote per conid. Entries survive reconnects and
// are cleared only on a forced full reconnect.
type Cache struct {
	mu     sync.RWMutex
	quotes map[int64]*Quote
}

// NewCache creates an empty quote cache.
func NewCache() *Cache {
	return &Cache{quotes: make(map[int64]*Quote)}
}

// Get returns a copy of the cached quote, nil when absent.
func (c *Cache) Get(conid int64) *Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[conid]
	if !ok {
		return nil
	}
	cp := *q
	return &cp
}

// GetBySymbol returns a copy of the newest quote for a symbol.
func (c *Cache) GetBySymbol(symbol string) *Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var best *Quote
	for _, q := range c.quotes {
		if q.Symbol == symbol && (best == nil || q.Timestamp.After(best.Timestamp)) {
			best = q
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// Apply merges an update into the cache in place, creating the entry on
// first tick. The timestamp never moves backwards.
func (c *Cache) Apply(conid int64, update func(*Quote), at time.Time) *Quote {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.quotes[conid]
	if !ok {
		q = &Quote{Conid: conid}
		c.quotes[conid] = q
	}
	update(q)
	if at.After(q.Timestamp) {
		q.Timestamp = at
	}
	cp := *q
	return &cp
}

// Age returns how long ago the conid last ticked; ok is false when the
// entry does not exist.
func (c *Cache) Age(conid int64, now time.Time) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[conid]
	if !ok {
		return 0, false
	}
	return now.Sub(q.Timestamp), true
}

// Snapshot returns copies of every cached quote.
func (c *Cache) Snapshot() []Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Quote, 0, len(c.quotes))
	for _, q := range c.quotes {
		out = append(out, *q)
	}
	return out
}

// Clear drops every entry. Used on forced reconnects only.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes = make(map[int64]*Quote)
}
