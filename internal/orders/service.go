// Package orders implements the order and position service: submission
// through the broker client, the local order ledger, cancel-all, and
// realized P&L reconciliation.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mavrikos/thetad/internal/ibkr"
	"github.com/mavrikos/thetad/internal/ledger"
)

// DefaultStopMultiple is the bracket stop trigger as a multiple of the
// entry premium.
const DefaultStopMultiple = 6.0

// cancelSpacing is the pause between broker cancels in cancel-all.
const cancelSpacing = 500 * time.Millisecond

// Service is the sole writer of the orders and paper_trades tables.
type Service struct {
	client *ibkr.Client
	orders *ledger.OrderRepository
	trades *ledger.TradeRepository
	log    zerolog.Logger
	sleep  func(time.Duration)
}

// NewService creates the order service.
func NewService(client *ibkr.Client, orderRepo *ledger.OrderRepository, tradeRepo *ledger.TradeRepository, log zerolog.Logger) *Service {
	return &Service{
		client: client,
		orders: orderRepo,
		trades: tradeRepo,
		log:    log.With().Str("component", "orders").Logger(),
		sleep:  time.Sleep,
	}
}

// Trades exposes the trade repository to job handlers.
func (s *Service) Trades() *ledger.TradeRepository { return s.trades }

// Orders exposes the order repository to job handlers.
func (s *Service) Orders() *ledger.OrderRepository { return s.orders }

// Client exposes the broker client to job handlers.
func (s *Service) Client() *ibkr.Client { return s.client }

// StockOrderParams configures a stock order.
type StockOrderParams struct {
	Symbol     string
	Side       string // BUY | SELL
	Quantity   float64
	OrderType  string // MKT | LMT, default MKT
	LimitPrice float64
	TIF        string // DAY | GTC, default DAY
	OutsideRTH bool
}

// PlaceStockOrder resolves the ticker and submits a stock order.
func (s *Service) PlaceStockOrder(ctx context.Context, p StockOrderParams) (*ledger.Order, error) {
	if p.OrderType == "" {
		p.OrderType = "MKT"
	}

	conid, err := s.client.ResolveConid(ctx, p.Symbol)
	if err != nil {
		s.recordRejected(p.Symbol, 0, p.Side, p.Quantity, p.OrderType, p.LimitPrice, 0, "rejected_no_conid")
		return nil, err
	}

	return s.submit(ctx, ibkr.OrderRequest{
		Conid:      conid,
		Side:       p.Side,
		Quantity:   p.Quantity,
		OrderType:  p.OrderType,
		LimitPrice: p.LimitPrice,
		TIF:        p.TIF,
		OutsideRTH: p.OutsideRTH,
	}, p.Symbol, 0)
}

// OptionOrderParams configures a single-leg option order.
type OptionOrderParams struct {
	Underlying string
	OptionType string // PUT | CALL
	Strike     float64
	Expiration string // YYYYMMDD
	Side       string
	Quantity   float64
	OrderType  string
	LimitPrice float64
	TradeID    int64 // links the ledger row to a paper trade
}

// PlaceOptionOrder resolves the option contract and submits the order.
func (s *Service) PlaceOptionOrder(ctx context.Context, p OptionOrderParams) (*ledger.Order, error) {
	conid, symbol, err := s.resolveOption(ctx, p)
	if err != nil {
		s.recordRejected(p.Underlying, 0, p.Side, p.Quantity, p.OrderType, p.LimitPrice, p.TradeID, "rejected_no_conid")
		return nil, err
	}

	return s.submit(ctx, ibkr.OrderRequest{
		Conid:      conid,
		Side:       p.Side,
		Quantity:   p.Quantity,
		OrderType:  p.OrderType,
		LimitPrice: p.LimitPrice,
	}, symbol, p.TradeID)
}

// PlaceOptionOrderWithStop submits the primary limit order plus a child
// stop at stopMultiple times the premium. The stop is skipped with a
// warning when the primary's broker id never parsed; a bracket child
// cannot reference an unknown parent.
func (s *Service) PlaceOptionOrderWithStop(ctx context.Context, p OptionOrderParams, stopMultiple float64) (*ledger.Order, *ledger.Order, error) {
	if stopMultiple <= 0 {
		stopMultiple = DefaultStopMultiple
	}

	primary, err := s.PlaceOptionOrder(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	if primary.IBKROrderID == "" {
		s.log.Warn().Str("order", primary.ID).Msg("Primary order id unparsed, skipping bracket stop")
		return primary, nil, nil
	}

	stopPrice := p.LimitPrice * stopMultiple
	conid, symbol, err := s.resolveOption(ctx, p)
	if err != nil {
		return primary, nil, err
	}

	stop, err := s.submit(ctx, ibkr.OrderRequest{
		Conid:      conid,
		Side:       opposite(p.Side),
		Quantity:   p.Quantity,
		OrderType:  "STP",
		LimitPrice: stopPrice,
		TIF:        "GTC",
		ParentID:   primary.IBKROrderID,
	}, symbol, p.TradeID)
	if err != nil {
		return primary, nil, err
	}
	return primary, stop, nil
}

// PlaceCloseOrderByConid market-closes a known option conid.
func (s *Service) PlaceCloseOrderByConid(ctx context.Context, conid int64, qty float64, side string) (*ledger.Order, error) {
	return s.submit(ctx, ibkr.OrderRequest{
		Conid:     conid,
		Side:      side,
		Quantity:  qty,
		OrderType: "MKT",
	}, fmt.Sprintf("conid:%d", conid), 0)
}

// GetOpenOrders returns the broker's live orders.
func (s *Service) GetOpenOrders(ctx context.Context) ([]ibkr.OpenOrder, error) {
	return s.client.GetOpenOrders(ctx)
}

// CancelOrder cancels a broker order and marks any matching local row.
func (s *Service) CancelOrder(ctx context.Context, brokerID string) error {
	if err := s.client.CancelOrder(ctx, brokerID); err != nil {
		if !cancelTolerable(err) {
			return err
		}
		s.log.Info().Str("order", brokerID).Msg("Cancel tolerated, order already gone")
	}
	return nil
}

// CancelAllOrders cancels every live order. Broker-reported orders are
// the primary source; when the broker reports none, the local ledger's
// open rows with numeric broker ids are used as a fallback. Local-only
// rows (UUID ids, no broker id) are marked cancelled without broker
// calls.
func (s *Service) CancelAllOrders(ctx context.Context) (int, error) {
	open, err := s.client.GetOpenOrders(ctx)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	if len(open) > 0 {
		for i, o := range open {
			if i > 0 {
				s.sleep(cancelSpacing)
			}
			if err := s.cancelAndMark(ctx, o.OrderID); err != nil {
				return cancelled, err
			}
			cancelled++
		}
		return cancelled, nil
	}

	local, err := s.orders.ListOpen()
	if err != nil {
		return 0, err
	}
	for _, o := range local {
		if !isNumeric(o.IBKROrderID) {
			if err := s.orders.UpdateStatus(o.ID, "cancelled"); err != nil {
				return cancelled, err
			}
			cancelled++
			continue
		}
		if cancelled > 0 {
			s.sleep(cancelSpacing)
		}
		if err := s.cancelAndMark(ctx, o.IBKROrderID); err != nil {
			return cancelled, err
		}
		if err := s.orders.UpdateStatus(o.ID, "cancelled"); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

func (s *Service) cancelAndMark(ctx context.Context, brokerID string) error {
	err := s.client.CancelOrder(ctx, brokerID)
	if err != nil && !cancelTolerable(err) {
		return err
	}
	return nil
}

// cancelTolerable reports whether a cancel failure means the order is
// already gone by some path.
func cancelTolerable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"not found", "cancelled", "filled"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// submit sends the order and persists the ledger row. A successful HTTP
// response with no parseable order id still counts as submitted.
func (s *Service) submit(ctx context.Context, req ibkr.OrderRequest, symbol string, tradeID int64) (*ledger.Order, error) {
	result, err := s.client.SubmitOrder(ctx, req)
	if err != nil {
		status := "rejected"
		var rejection *ibkr.OrderRejection
		if errors.As(err, &rejection) {
			status = fmt.Sprintf("rejected_%d", rejection.HTTPStatus)
		}
		s.recordRejected(symbol, req.Conid, req.Side, req.Quantity, req.OrderType, req.LimitPrice, tradeID, status)
		return nil, err
	}

	if result.OrderID == "" {
		s.log.Warn().Str("symbol", symbol).Msg("Order accepted but no parseable order id in response")
	}
	if result.Warning != "" {
		s.log.Info().Str("symbol", symbol).Str("warning", result.Warning).Msg("Order confirmation auto-acknowledged")
	}

	return s.orders.Create(&ledger.Order{
		IBKROrderID:  result.OrderID,
		Symbol:       symbol,
		Conid:        req.Conid,
		Side:         req.Side,
		Quantity:     req.Quantity,
		OrderType:    req.OrderType,
		LimitPrice:   req.LimitPrice,
		ParentID:     req.ParentID,
		Status:       "submitted",
		PaperTradeID: tradeID,
	})
}

func (s *Service) recordRejected(symbol string, conid int64, side string, qty float64, orderType string, limitPrice float64, tradeID int64, status string) {
	_, err := s.orders.Create(&ledger.Order{
		Symbol:       symbol,
		Conid:        conid,
		Side:         side,
		Quantity:     qty,
		OrderType:    orderType,
		LimitPrice:   limitPrice,
		Status:       status,
		PaperTradeID: tradeID,
	})
	if err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to record rejected order")
	}
}

func (s *Service) resolveOption(ctx context.Context, p OptionOrderParams) (int64, string, error) {
	underlyingConid, err := s.client.ResolveConid(ctx, p.Underlying)
	if err != nil {
		return 0, "", err
	}

	right := "P"
	if strings.EqualFold(p.OptionType, "CALL") {
		right = "C"
	}
	month, err := expirationMonth(p.Expiration)
	if err != nil {
		return 0, "", err
	}

	conid, err := s.client.ResolveOptionConid(ctx, underlyingConid, month, p.Expiration, p.Strike, right)
	if err != nil {
		return 0, "", err
	}

	symbol := occSymbol(p.Underlying, p.Expiration, right, p.Strike)
	return conid, symbol, nil
}

// expirationMonth converts YYYYMMDD into the broker's MMMYY month key.
func expirationMonth(expiration string) (string, error) {
	t, err := time.Parse("20060102", expiration)
	if err != nil {
		return "", fmt.Errorf("bad expiration %q: %w", expiration, err)
	}
	return strings.ToUpper(t.Format("Jan06")), nil
}

// occSymbol builds the OCC symbol used in the local ledger.
func occSymbol(underlying, expiration, right string, strike float64) string {
	t, err := time.Parse("20060102", expiration)
	if err != nil {
		return underlying
	}
	pad := underlying
	for len(pad) < 6 {
		pad += " "
	}
	return fmt.Sprintf("%s%s%s%s", pad, t.Format("060102"), right, ibkr.StrikeCode(strike))
}

func opposite(side string) string {
	if strings.EqualFold(side, "SELL") {
		return "BUY"
	}
	return "SELL"
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
