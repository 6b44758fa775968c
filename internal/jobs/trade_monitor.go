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

// TradeMonitor reconciles open ledger trades against the broker: trades
// whose expiration has passed are marked expired worthless, and trades
// whose legs vanished from the broker (stop fill, manual close) are
// settled from execution history.
type TradeMonitor struct {
	broker Broker
	quotes Quotes
	trades *ledger.TradeRepository
	cal    *market.Calendar
	log    zerolog.Logger
	now    func() time.Time
}

// NewTradeMonitor creates the reconciliation handler.
func NewTradeMonitor(broker Broker, quotes Quotes, trades *ledger.TradeRepository, cal *market.Calendar, log zerolog.Logger) *TradeMonitor {
	return &TradeMonitor{
		broker: broker,
		quotes: quotes,
		trades: trades,
		cal:    cal,
		log:    log.With().Str("component", "trade_monitor").Logger(),
		now:    time.Now,
	}
}

// Execute runs one reconciliation pass.
func (m *TradeMonitor) Execute(ctx context.Context) scheduler.JobResult {
	now := m.now()

	open, err := m.trades.ListOpen()
	if err != nil {
		return scheduler.Fail(err)
	}
	if len(open) == 0 {
		return scheduler.Skip("no open trades")
	}

	positions, err := m.broker.GetPositions(ctx)
	if err != nil {
		return scheduler.Fail(fmt.Errorf("failed to load positions: %w", err))
	}

	expired, settled := 0, 0
	var firstErr error
	for _, trade := range open {
		switch {
		case m.expirationPassed(trade, now):
			summary := orders.ExpiredWorthless(trade.EntryPremiumTotal)
			if err := m.trades.MarkExpired(trade.ID, summary.RealizedPnl); err != nil {
				m.log.Error().Err(err).Int64("trade", trade.ID).Msg("Failed to expire trade")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			m.log.Info().Int64("trade", trade.ID).Float64("pnl", summary.RealizedPnl).Msg("Trade expired worthless")
			expired++

		case len(matchTradePositions(trade, positions)) == 0:
			// Legs gone at the broker: a stop filled or someone closed it
			// manually. Settle from execution history.
			summary := exitFromExecutions(ctx, m.broker, trade)
			spot := 0.0
			if q := m.quotes.GetQuoteBySymbol(trade.Symbol); q != nil {
				spot = q.Price()
			}
			reason := "Closed at broker (stop fill or manual close)"
			if err := m.trades.Close(trade.ID, summary.AvgExitPrice, reason, summary.RealizedPnl, spot); err != nil {
				m.log.Error().Err(err).Int64("trade", trade.ID).Msg("Failed to settle externally closed trade")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			m.log.Info().Int64("trade", trade.ID).Float64("pnl", summary.RealizedPnl).Msg("Trade closed at broker, ledger settled")
			settled++
		}
	}

	if firstErr != nil {
		return scheduler.Fail(firstErr)
	}
	if expired == 0 && settled == 0 {
		return scheduler.Skip("all trades reconciled")
	}
	return scheduler.JobResult{
		Success: true,
		Data:    map[string]interface{}{"expired": expired, "settled": settled, "open": len(open)},
	}
}

// expirationPassed reports whether the trade's expiration day is behind
// us in ET. Same-day trades are the 0DTE closer's business until the
// session ends, so today only counts once the market has closed.
func (m *TradeMonitor) expirationPassed(trade *ledger.PaperTrade, now time.Time) bool {
	today := m.cal.ETDateString(now)
	if trade.Expiration < today {
		return true
	}
	return trade.Expiration == today && !m.cal.IsMarketOpen(now)
}
