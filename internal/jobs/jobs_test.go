package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mavrikos/thetad/internal/ibkr"
	"github.com/mavrikos/thetad/internal/ledger"
	"github.com/mavrikos/thetad/internal/market"
	"github.com/mavrikos/thetad/internal/orders"
	"github.com/mavrikos/thetad/internal/stream"
	testdb "github.com/mavrikos/thetad/internal/testing"
)

// tradingDay is a plain open-market Tuesday, 14:00 ET.
var tradingDay = time.Date(2026, time.March, 10, 14, 0, 0, 0, market.Eastern)

func newTradeRepo(t *testing.T) (*ledger.TradeRepository, *ledger.JobRepository, func()) {
	t.Helper()
	db, cleanup := testdb.NewLedgerDB(t)
	jobsDB, jobsCleanup := testdb.NewJobsDB(t)
	return ledger.NewTradeRepository(db, zerolog.Nop()),
		ledger.NewJobRepository(jobsDB, zerolog.Nop()),
		func() { cleanup(); jobsCleanup() }
}

// stubBroker serves canned positions and executions. positionsSeq, when
// set, is consumed one snapshot per GetPositions call.
type stubBroker struct {
	mu           sync.Mutex
	positions    []ibkr.Position
	positionsSeq [][]ibkr.Position
	execs        []ibkr.Execution
	summary      *ibkr.AccountSummary
	posErr       error
	posCalls     int
}

func (b *stubBroker) GetPositions(ctx context.Context) ([]ibkr.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.posCalls++
	if b.posErr != nil {
		return nil, b.posErr
	}
	if len(b.positionsSeq) > 0 {
		next := b.positionsSeq[0]
		b.positionsSeq = b.positionsSeq[1:]
		return next, nil
	}
	return b.positions, nil
}

func (b *stubBroker) GetExecutions(ctx context.Context) ([]ibkr.Execution, error) {
	return b.execs, nil
}

func (b *stubBroker) GetAccountSummary(ctx context.Context) (*ibkr.AccountSummary, error) {
	return b.summary, nil
}

type closeCall struct {
	Conid int64
	Qty   float64
	Side  string
}

// stubPlacer records order calls and returns canned ledger rows.
type stubPlacer struct {
	mu           sync.Mutex
	closes       []closeCall
	stockOrders  []orders.StockOrderParams
	optionOrders []orders.OptionOrderParams
	cancelled    []string
	closeErr     error
	nextConid    int64
}

func (p *stubPlacer) PlaceCloseOrderByConid(ctx context.Context, conid int64, qty float64, side string) (*ledger.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closeErr != nil {
		return nil, p.closeErr
	}
	p.closes = append(p.closes, closeCall{Conid: conid, Qty: qty, Side: side})
	return &ledger.Order{ID: "local", IBKROrderID: "123456", Conid: conid}, nil
}

func (p *stubPlacer) PlaceStockOrder(ctx context.Context, params orders.StockOrderParams) (*ledger.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stockOrders = append(p.stockOrders, params)
	return &ledger.Order{ID: "local", IBKROrderID: "900001", Symbol: params.Symbol}, nil
}

func (p *stubPlacer) PlaceOptionOrderWithStop(ctx context.Context, params orders.OptionOrderParams, stopMultiple float64) (*ledger.Order, *ledger.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.optionOrders = append(p.optionOrders, params)
	p.nextConid++
	primary := &ledger.Order{ID: "local", IBKROrderID: "800001", Conid: 700000 + p.nextConid}
	stop := &ledger.Order{ID: "local-stop", IBKROrderID: "800002", ParentID: "800001"}
	return primary, stop, nil
}

func (p *stubPlacer) CancelOrder(ctx context.Context, brokerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, brokerID)
	return nil
}

// stubQuotes serves fixed quotes by symbol and conid.
type stubQuotes struct {
	bySymbol map[string]*stream.Quote
	byConid  map[int64]*stream.Quote
	stale    bool
}

func (q *stubQuotes) GetQuoteBySymbol(symbol string) *stream.Quote {
	if q.bySymbol == nil {
		return nil
	}
	return q.bySymbol[symbol]
}

func (q *stubQuotes) GetCachedMarketData(conid int64) *stream.Quote {
	if q.byConid == nil {
		return nil
	}
	return q.byConid[conid]
}

func (q *stubQuotes) IsDataFresh(maxAge time.Duration) bool { return !q.stale }

func spyQuote(last float64) *stream.Quote {
	return &stream.Quote{Symbol: "SPY", Last: last, Bid: last - 0.02, Ask: last + 0.02, Timestamp: tradingDay}
}

// openStrangle seeds one open SPY strangle expiring on the given ET day.
func openStrangle(t *testing.T, repo *ledger.TradeRepository, expiration string) *ledger.PaperTrade {
	t.Helper()
	trade, err := repo.Create(&ledger.PaperTrade{
		UserID:            "u1",
		Symbol:            "SPY",
		Strategy:          "short_premium",
		Bias:              "neutral",
		Contracts:         1,
		PutStrike:         590,
		PutPremium:        1.10,
		PutConid:          800001,
		PutDelta:          -0.12,
		CallStrike:        610,
		CallPremium:       1.20,
		CallConid:         800002,
		CallDelta:         0.11,
		EntryPremiumTotal: 230,
		Expiration:        expiration,
	})
	if err != nil {
		t.Fatalf("seed trade: %v", err)
	}
	return trade
}

func stranglePositions(qty float64) []ibkr.Position {
	return []ibkr.Position{
		{Conid: 800001, ContractDesc: "SPY    260310P00590000", Position: qty, AssetClass: "OPT"},
		{Conid: 800002, ContractDesc: "SPY    260310C00610000", Position: qty, AssetClass: "OPT"},
	}
}
