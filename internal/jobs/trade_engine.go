package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mavrikos/thetad/internal/ledger"
	"github.com/mavrikos/thetad/internal/market"
	"github.com/mavrikos/thetad/internal/orders"
	"github.com/mavrikos/thetad/internal/scheduler"
)

// TradeEngine opens the daily position: one short put and/or call per
// the strategy engine's decision, each entered as a limit sell with a
// bracket stop.
type TradeEngine struct {
	placer   OrderPlacer
	quotes   Quotes
	trades   *ledger.TradeRepository
	strategy StrategyEngine
	cal      *market.Calendar
	log      zerolog.Logger
	now      func() time.Time

	userID       string
	underlying   string
	stopMultiple float64
}

// NewTradeEngine creates the daily entry handler.
func NewTradeEngine(placer OrderPlacer, quotes Quotes, trades *ledger.TradeRepository, strategy StrategyEngine, cal *market.Calendar, userID, underlying string, log zerolog.Logger) *TradeEngine {
	return &TradeEngine{
		placer:       placer,
		quotes:       quotes,
		trades:       trades,
		strategy:     strategy,
		cal:          cal,
		log:          log.With().Str("component", "trade_engine").Logger(),
		now:          time.Now,
		userID:       userID,
		underlying:   underlying,
		stopMultiple: orders.DefaultStopMultiple,
	}
}

// Execute runs the daily entry once per ET day.
func (e *TradeEngine) Execute(ctx context.Context) scheduler.JobResult {
	now := e.now()
	if !e.cal.IsMarketOpen(now) {
		return scheduler.Skip("market closed")
	}

	today := e.cal.ETDateString(now)
	has, err := e.trades.HasTradeOnDate(e.userID, today)
	if err != nil {
		return scheduler.Fail(err)
	}
	if has {
		return scheduler.Skip("trade already opened today")
	}

	quote := e.quotes.GetQuoteBySymbol(e.underlying)
	if quote == nil || quote.Price() <= 0 {
		return scheduler.Fail(fmt.Errorf("no spot price for %s", e.underlying))
	}
	if !e.quotes.IsDataFresh(60 * time.Second) {
		return scheduler.Fail(fmt.Errorf("market data stale, refusing to trade"))
	}
	spot := quote.Price()

	decision, err := e.strategy.Decide(ctx, spot)
	if err != nil {
		return scheduler.Fail(fmt.Errorf("strategy engine: %w", err))
	}
	if !decision.CanTrade {
		return scheduler.Skip("strategy declined: " + decision.Reason)
	}

	trade := &ledger.PaperTrade{
		UserID:     e.userID,
		Symbol:     e.underlying,
		Strategy:   "short_premium",
		Bias:       decision.Bias,
		Contracts:  decision.Contracts,
		Expiration: expirationDate(decision.Expiration),
		Source:     "trade_engine",
	}

	// Legs are entered sequentially: put first, then call
	if decision.PutStrike > 0 {
		primary, _, err := e.placer.PlaceOptionOrderWithStop(ctx, orders.OptionOrderParams{
			Underlying: e.underlying,
			OptionType: "PUT",
			Strike:     decision.PutStrike,
			Expiration: decision.Expiration,
			Side:       "SELL",
			Quantity:   float64(decision.Contracts),
			OrderType:  "LMT",
			LimitPrice: decision.PutPremium,
		}, e.stopMultiple)
		if err != nil {
			return scheduler.Fail(fmt.Errorf("put leg: %w", err))
		}
		trade.PutStrike = decision.PutStrike
		trade.PutPremium = decision.PutPremium
		trade.PutConid = primary.Conid
		trade.EntryPremiumTotal += decision.PutPremium * float64(decision.Contracts) * 100
	}

	if decision.CallStrike > 0 {
		primary, _, err := e.placer.PlaceOptionOrderWithStop(ctx, orders.OptionOrderParams{
			Underlying: e.underlying,
			OptionType: "CALL",
			Strike:     decision.CallStrike,
			Expiration: decision.Expiration,
			Side:       "SELL",
			Quantity:   float64(decision.Contracts),
			OrderType:  "LMT",
			LimitPrice: decision.CallPremium,
		}, e.stopMultiple)
		if err != nil {
			return scheduler.Fail(fmt.Errorf("call leg: %w", err))
		}
		trade.CallStrike = decision.CallStrike
		trade.CallPremium = decision.CallPremium
		trade.CallConid = primary.Conid
		trade.EntryPremiumTotal += decision.CallPremium * float64(decision.Contracts) * 100
	}

	if trade.EntryPremiumTotal == 0 {
		return scheduler.Skip("strategy returned no legs")
	}

	created, err := e.trades.Create(trade)
	if err != nil {
		return scheduler.Fail(fmt.Errorf("failed to persist trade: %w", err))
	}

	return scheduler.JobResult{
		Success: true,
		Data: map[string]interface{}{
			"tradeId":   created.ID,
			"contracts": decision.Contracts,
			"putStrike": decision.PutStrike, "callStrike": decision.CallStrike,
			"entryPremium": trade.EntryPremiumTotal,
			"spot":         spot,
		},
	}
}

// expirationDate converts the broker's YYYYMMDD form to the ledger's
// YYYY-MM-DD.
func expirationDate(yyyymmdd string) string {
	t, err := time.Parse("20060102", yyyymmdd)
	if err != nil {
		return yyyymmdd
	}
	return t.Format("2006-01-02")
}
