package jobs

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/mavrikos/thetad/internal/ibkr"
	"github.com/mavrikos/thetad/internal/ledger"
	"github.com/mavrikos/thetad/internal/market"
	"github.com/mavrikos/thetad/internal/scheduler"
)

const (
	// riskyDeltaThreshold closes any 0DTE leg whose effective |delta|
	// exceeds this.
	riskyDeltaThreshold = 0.30
	// itmFallbackDelta is the conservative delta assumed for a leg the
	// broker reports at zero but spot classifies in the money.
	itmFallbackDelta = 0.50
	// deadlineTolerance rejects firings more than this many minutes off
	// the exit deadline; catches the 15:55 cron firing on early-close
	// days.
	deadlineTolerance = 10

	closeAttempts = 3
	closeBackoff  = 2 * time.Second
)

// ZeroDTECloser is the Layer-3 defense: near the exit deadline it force-
// closes any same-day-expiry leg still carrying meaningful delta.
type ZeroDTECloser struct {
	broker Broker
	placer OrderPlacer
	quotes Quotes
	trades *ledger.TradeRepository
	cal    *market.Calendar
	log    zerolog.Logger
	now    func() time.Time
	sleep  func(time.Duration)
}

// NewZeroDTECloser creates the 0DTE closer.
func NewZeroDTECloser(broker Broker, placer OrderPlacer, quotes Quotes, trades *ledger.TradeRepository, cal *market.Calendar, log zerolog.Logger) *ZeroDTECloser {
	return &ZeroDTECloser{
		broker: broker,
		placer: placer,
		quotes: quotes,
		trades: trades,
		cal:    cal,
		log:    log.With().Str("component", "zero_dte_closer").Logger(),
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Execute runs one closing pass. Both the 15:55 and 12:55 cron entries
// land here; the deadline gate refuses the wrong one.
func (z *ZeroDTECloser) Execute(ctx context.Context) scheduler.JobResult {
	now := z.now()

	deadline := market.MinutesOfDay(z.cal.GetExitDeadline(now))
	current := market.MinutesOfDay(z.cal.ETTimeString(now))
	if deadline < 0 || current < 0 || abs(current-deadline) > deadlineTolerance {
		return scheduler.Skip(fmt.Sprintf("outside exit window (now=%s deadline=%s)", z.cal.ETTimeString(now), z.cal.GetExitDeadline(now)))
	}

	today := z.cal.ETDateString(now)
	expiring, err := z.trades.ListOpenExpiring(today)
	if err != nil {
		return scheduler.Fail(err)
	}
	if len(expiring) == 0 {
		return scheduler.Skip("no 0DTE positions")
	}

	positions, err := z.broker.GetPositions(ctx)
	if err != nil {
		return scheduler.Fail(err)
	}

	risky, closed, failed := 0, 0, 0
	for _, trade := range expiring {
		spot, err := z.spotWithRetry(trade.Symbol)
		if err != nil {
			z.log.Error().Err(err).Str("symbol", trade.Symbol).Msg("No spot price, legs without delta data are treated as risky")
		}

		for _, pos := range matchTradePositions(trade, positions) {
			delta := z.effectiveDelta(pos, trade, spot)
			if math.Abs(delta) <= riskyDeltaThreshold {
				continue
			}
			risky++

			reason := fmt.Sprintf("Auto-closed by 0DTE manager: Delta %.2f > %.2f threshold", math.Abs(delta), riskyDeltaThreshold)
			if z.closeWithRetry(ctx, pos) {
				closed++
				summary := exitFromExecutions(ctx, z.broker, trade)
				if err := z.trades.Close(trade.ID, summary.AvgExitPrice, reason, summary.RealizedPnl, spot); err != nil {
					z.log.Error().Err(err).Int64("trade", trade.ID).Msg("Failed to settle closed trade")
				}
			} else {
				failed++
				z.log.Error().Int64("trade", trade.ID).Int64("conid", pos.Conid).Msg("0DTE close failed, manual intervention required")
			}
		}
	}

	data := map[string]interface{}{
		"expiring": len(expiring), "risky": risky, "closed": closed, "failed": failed,
	}
	if failed > 0 {
		return scheduler.JobResult{Success: false, Error: fmt.Sprintf("%d risky positions not closed", failed), Data: data}
	}
	if risky == 0 {
		return scheduler.Skip("no risky 0DTE positions")
	}
	return scheduler.JobResult{Success: true, Data: data}
}

// effectiveDelta picks the delta to act on: broker-reported first, then
// the conservative ITM fallback, then the entry delta from the trade.
// With no spot and no delta anywhere the fallback applies unconditionally.
func (z *ZeroDTECloser) effectiveDelta(pos ibkr.Position, trade *ledger.PaperTrade, spot float64) float64 {
	if q := z.quotes.GetCachedMarketData(pos.Conid); q != nil && q.Delta != 0 {
		return q.Delta
	}

	occ, err := ibkr.ParseOCC(pos.ContractDesc)
	if err == nil && spot > 0 {
		itm := (occ.Right == "P" && spot < occ.Strike) || (occ.Right == "C" && spot > occ.Strike)
		if itm {
			return itmFallbackDelta
		}
	}

	if occ != nil {
		if occ.Right == "P" && trade.PutDelta != 0 {
			return trade.PutDelta
		}
		if occ.Right == "C" && trade.CallDelta != 0 {
			return trade.CallDelta
		}
	}
	if spot <= 0 {
		// No quote and no delta from any source; this close to expiry
		// the leg is assumed in the money.
		return itmFallbackDelta
	}
	return 0
}

// spotWithRetry reads the underlying price from the stream cache,
// retrying a few times for a late tick.
func (z *ZeroDTECloser) spotWithRetry(symbol string) (float64, error) {
	for attempt := 0; attempt < closeAttempts; attempt++ {
		if attempt > 0 {
			z.sleep(closeBackoff)
		}
		if q := z.quotes.GetQuoteBySymbol(symbol); q != nil && q.Price() > 0 {
			return q.Price(), nil
		}
	}
	return 0, fmt.Errorf("no price for %s after %d attempts", symbol, closeAttempts)
}

// closeWithRetry market-closes one position with bounded retries.
func (z *ZeroDTECloser) closeWithRetry(ctx context.Context, pos ibkr.Position) bool {
	qty := pos.Position
	side := "BUY"
	if qty > 0 {
		side = "SELL"
	} else {
		qty = -qty
	}

	for attempt := 0; attempt < closeAttempts; attempt++ {
		if attempt > 0 {
			z.sleep(closeBackoff)
		}
		if _, err := z.placer.PlaceCloseOrderByConid(ctx, pos.Conid, qty, side); err != nil {
			z.log.Warn().Err(err).Int64("conid", pos.Conid).Int("attempt", attempt+1).Msg("Close order failed")
			continue
		}
		return true
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
