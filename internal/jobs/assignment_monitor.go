package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mavrikos/thetad/internal/ibkr"
	"github.com/mavrikos/thetad/internal/ledger"
	"github.com/mavrikos/thetad/internal/market"
	"github.com/mavrikos/thetad/internal/orders"
	"github.com/mavrikos/thetad/internal/scheduler"
)

const (
	// assignmentLookbackDays bounds how far back expired trades are
	// scanned for stock deliveries.
	assignmentLookbackDays = 3

	disposeMaxAttempts  = 5
	disposeMaxDuration  = time.Hour
	disposeResubmitWait = 30 * time.Second

	// ladderStepPct is the per-attempt concession off the quote.
	ladderStepPct = 0.001
	// wideSpreadPct doubles the concession when the market is this wide.
	wideSpreadPct = 0.005
)

// AssignmentMonitor runs pre-market and looks for stock positions
// delivered by ITM option assignment. Found shares are worked off with
// an outside-RTH limit ladder that concedes price on each resubmit.
type AssignmentMonitor struct {
	broker Broker
	placer OrderPlacer
	quotes Quotes
	trades *ledger.TradeRepository
	cal    *market.Calendar
	log    zerolog.Logger
	now    func() time.Time
	sleep  func(time.Duration)
}

// NewAssignmentMonitor creates the pre-market assignment handler.
func NewAssignmentMonitor(broker Broker, placer OrderPlacer, quotes Quotes, trades *ledger.TradeRepository, cal *market.Calendar, log zerolog.Logger) *AssignmentMonitor {
	return &AssignmentMonitor{
		broker: broker,
		placer: placer,
		quotes: quotes,
		trades: trades,
		cal:    cal,
		log:    log.With().Str("component", "assignment_monitor").Logger(),
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Execute scans for assigned stock and disposes of it.
func (a *AssignmentMonitor) Execute(ctx context.Context) scheduler.JobResult {
	now := a.now()

	positions, err := a.broker.GetPositions(ctx)
	if err != nil {
		return scheduler.Fail(fmt.Errorf("failed to load positions: %w", err))
	}

	var stocks []ibkr.Position
	for _, pos := range positions {
		if pos.AssetClass == "STK" && pos.Position != 0 {
			stocks = append(stocks, pos)
		}
	}
	if len(stocks) == 0 {
		return scheduler.Skip("no stock positions")
	}

	since := a.cal.ETDateString(now.AddDate(0, 0, -assignmentLookbackDays))
	candidates, err := a.trades.ListRecentlySettled(since)
	if err != nil {
		return scheduler.Fail(err)
	}
	if len(candidates) == 0 {
		return scheduler.Skip("stock positions but no recently settled trades")
	}

	detected, disposed := 0, 0
	var firstErr error
	for _, pos := range stocks {
		trade := a.matchAssignment(pos, candidates)
		if trade == nil {
			continue
		}
		detected++
		a.log.Warn().Int64("trade", trade.ID).Str("symbol", trade.Symbol).
			Float64("shares", pos.Position).Msg("Assignment detected")

		ok, detail := a.dispose(ctx, pos, trade)
		if ok {
			disposed++
		}
		if err := a.trades.SetAssignmentDetails(trade.ID, detail); err != nil {
			a.log.Error().Err(err).Int64("trade", trade.ID).Msg("Failed to record assignment details")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		return scheduler.Fail(firstErr)
	}
	if detected == 0 {
		return scheduler.Skip("no assignments detected")
	}
	data := map[string]interface{}{"detected": detected, "disposed": disposed}
	if disposed < detected {
		return scheduler.JobResult{Success: false, Error: fmt.Sprintf("%d assignments not disposed", detected-disposed), Data: data}
	}
	return scheduler.JobResult{Success: true, Data: data}
}

// matchAssignment links a stock position to the settled trade whose leg
// would have delivered it: share count equals contracts times 100, and
// the closing spot (when recorded) puts that leg in the money.
func (a *AssignmentMonitor) matchAssignment(pos ibkr.Position, candidates []*ledger.PaperTrade) *ledger.PaperTrade {
	shares := math.Abs(pos.Position)
	for _, trade := range candidates {
		if !strings.EqualFold(strings.TrimSpace(pos.ContractDesc), trade.Symbol) {
			continue
		}
		if shares != float64(trade.Contracts)*100 {
			continue
		}
		if pos.Position > 0 {
			// Long stock comes from a short put.
			if trade.HasPut() && (trade.SpotAtClose == 0 || trade.SpotAtClose < trade.PutStrike) {
				return trade
			}
			continue
		}
		// Short stock comes from a short call.
		if trade.HasCall() && (trade.SpotAtClose == 0 || trade.SpotAtClose > trade.CallStrike) {
			return trade
		}
	}
	return nil
}

// dispose works off the shares with an outside-RTH limit ladder,
// cancelling and resubmitting at a worse price until filled or out of
// budget. Returns whether it filled plus the JSON detail record.
func (a *AssignmentMonitor) dispose(ctx context.Context, pos ibkr.Position, trade *ledger.PaperTrade) (bool, string) {
	start := a.now()
	qty := math.Abs(pos.Position)
	side := "SELL"
	if pos.Position < 0 {
		side = "BUY"
	}

	attempts := 0
	lastLimit := 0.0
	filled := false

	for attempts < disposeMaxAttempts && a.now().Sub(start) < disposeMaxDuration {
		attempts++

		quote := a.quotes.GetQuoteBySymbol(trade.Symbol)
		if quote == nil || quote.Bid <= 0 || quote.Ask <= 0 {
			a.log.Warn().Str("symbol", trade.Symbol).Int("attempt", attempts).Msg("No pre-market quote, waiting")
			a.sleep(disposeResubmitWait)
			continue
		}

		lastLimit = limitPriceForAttempt(quote.Bid, quote.Ask, attempts)
		if side == "BUY" {
			// Mirror the ladder above the ask when covering short stock.
			concession := quote.Bid - lastLimit
			lastLimit = math.Round((quote.Ask+concession)*100) / 100
		}

		order, err := a.placer.PlaceStockOrder(ctx, orders.StockOrderParams{
			Symbol:     trade.Symbol,
			Side:       side,
			Quantity:   qty,
			OrderType:  "LMT",
			LimitPrice: lastLimit,
			TIF:        "DAY",
			OutsideRTH: true,
		})
		if err != nil {
			a.log.Error().Err(err).Int("attempt", attempts).Msg("Disposal order failed")
			a.sleep(disposeResubmitWait)
			continue
		}

		a.sleep(disposeResubmitWait)

		if a.positionGone(ctx, pos.Conid) {
			filled = true
			break
		}
		if order.IBKROrderID != "" {
			if err := a.placer.CancelOrder(ctx, order.IBKROrderID); err != nil {
				a.log.Warn().Err(err).Str("order", order.IBKROrderID).Msg("Cancel before resubmit failed")
			}
		}
	}

	detail, _ := json.Marshal(map[string]interface{}{
		"detected_at": start.UTC().Format(time.RFC3339),
		"shares":      pos.Position,
		"avg_cost":    pos.AvgCost,
		"side":        side,
		"attempts":    attempts,
		"disposed":    filled,
		"last_limit":  lastLimit,
	})
	return filled, string(detail)
}

// positionGone re-reads broker positions and reports whether the conid
// is no longer held.
func (a *AssignmentMonitor) positionGone(ctx context.Context, conid int64) bool {
	positions, err := a.broker.GetPositions(ctx)
	if err != nil {
		return false
	}
	for _, pos := range positions {
		if pos.Conid == conid && pos.Position != 0 {
			return false
		}
	}
	return true
}

// limitPriceForAttempt prices a sell a growing fraction below the bid:
// a tenth of a percent per attempt, doubled when the spread is wider
// than half a percent.
func limitPriceForAttempt(bid, ask float64, attempt int) float64 {
	reduction := bid * ladderStepPct * float64(attempt)
	if ask > bid && (ask-bid)/bid > wideSpreadPct {
		reduction *= 2
	}
	return math.Round((bid-reduction)*100) / 100
}
