// Package jobs implements the scheduled safety handlers: position
// monitor, 0DTE closer, trade engine, trade monitor, NAV snapshots and
// the assignment monitor.
package jobs

import (
	"context"
	"time"

	"github.com/mavrikos/thetad/internal/ibkr"
	"github.com/mavrikos/thetad/internal/ledger"
	"github.com/mavrikos/thetad/internal/orders"
	"github.com/mavrikos/thetad/internal/stream"
)

// Broker is the slice of the broker client the handlers consume.
type Broker interface {
	GetPositions(ctx context.Context) ([]ibkr.Position, error)
	GetExecutions(ctx context.Context) ([]ibkr.Execution, error)
	GetAccountSummary(ctx context.Context) (*ibkr.AccountSummary, error)
}

// OrderPlacer is the slice of the order service the handlers consume.
// Satisfied by *orders.Service; tests stub it.
type OrderPlacer interface {
	PlaceCloseOrderByConid(ctx context.Context, conid int64, qty float64, side string) (*ledger.Order, error)
	PlaceStockOrder(ctx context.Context, p orders.StockOrderParams) (*ledger.Order, error)
	PlaceOptionOrderWithStop(ctx context.Context, p orders.OptionOrderParams, stopMultiple float64) (*ledger.Order, *ledger.Order, error)
	CancelOrder(ctx context.Context, brokerID string) error
}

// Quotes is the slice of the streamer the handlers consume.
type Quotes interface {
	GetQuoteBySymbol(symbol string) *stream.Quote
	GetCachedMarketData(conid int64) *stream.Quote
	IsDataFresh(maxAge time.Duration) bool
}

// TradingDecision is the strategy engine's verdict for the daily entry.
type TradingDecision struct {
	CanTrade        bool
	Reason          string
	Bias            string
	Contracts       int64
	PutStrike       float64
	PutPremium      float64
	CallStrike      float64
	CallPremium     float64
	Expiration      string // YYYYMMDD
	ExpectedPremium float64
}

// StrategyEngine decides whether and what to trade. The production
// implementation is an external collaborator; tests stub it.
type StrategyEngine interface {
	Decide(ctx context.Context, spot float64) (*TradingDecision, error)
}
