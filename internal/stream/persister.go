package stream

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mavrikos/thetad/internal/ledger"
)

// persistInterval is the per-conid floor between latest_prices upserts.
const persistInterval = 5 * time.Second

// pricePersister debounces tick writes into the latest_prices table so a
// fast-ticking symbol does not hammer the cache database.
type pricePersister struct {
	repo *ledger.PriceRepository
	log  zerolog.Logger
	now  func() time.Time

	mu      sync.Mutex
	lastPut map[int64]time.Time
}

func newPricePersister(repo *ledger.PriceRepository, log zerolog.Logger) *pricePersister {
	return &pricePersister{
		repo:    repo,
		log:     log.With().Str("component", "price_persister").Logger(),
		now:     time.Now,
		lastPut: make(map[int64]time.Time),
	}
}

// maybePersist upserts the quote unless the conid was written within the
// debounce interval.
func (p *pricePersister) maybePersist(q Quote) {
	if p.repo == nil || q.Symbol == "" {
		return
	}

	now := p.now()
	p.mu.Lock()
	if last, ok := p.lastPut[q.Conid]; ok && now.Sub(last) < persistInterval {
		p.mu.Unlock()
		return
	}
	p.lastPut[q.Conid] = now
	p.mu.Unlock()

	err := p.repo.Upsert(ledger.PriceRow{
		Symbol:    q.Symbol,
		Conid:     q.Conid,
		Price:     q.Price(),
		Bid:       q.Bid,
		Ask:       q.Ask,
		Source:    "websocket",
		UpdatedAt: now,
	})
	if err != nil {
		p.log.Error().Err(err).Str("symbol", q.Symbol).Msg("Failed to persist price")
	}
}
