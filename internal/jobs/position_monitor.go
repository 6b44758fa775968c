package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mavrikos/thetad/internal/ibkr"
	"github.com/mavrikos/thetad/internal/ledger"
	"github.com/mavrikos/thetad/internal/market"
	"github.com/mavrikos/thetad/internal/orders"
	"github.com/mavrikos/thetad/internal/scheduler"
)

// breachSustain is how long spot must stay outside the short strikes
// before the monitor closes the trade. The trigger is strictly greater
// than this duration.
const breachSustain = 15 * time.Minute

// MonitorSession aggregates one ET day of routine checks.
type MonitorSession struct {
	Date               string
	ChecksCompleted    int64
	PositionsMonitored int64
	AlertsTriggered    int64
	LastCheckTime      time.Time
	Errors             []string
}

// PositionMonitor is the Layer-1 defense: a sustained breach of either
// short strike forces a market close of the whole trade. The premium-
// multiple stop (Layer 2) lives at the broker as the bracket child and
// the 0DTE closer is Layer 3.
type PositionMonitor struct {
	broker  Broker
	placer  OrderPlacer
	quotes  Quotes
	trades  *ledger.TradeRepository
	jobRepo *ledger.JobRepository
	cal     *market.Calendar
	log     zerolog.Logger
	now     func() time.Time

	mu          sync.Mutex
	breachStart map[int64]time.Time
	session     MonitorSession
}

// NewPositionMonitor creates the Layer-1 monitor.
func NewPositionMonitor(broker Broker, placer OrderPlacer, quotes Quotes, trades *ledger.TradeRepository, jobRepo *ledger.JobRepository, cal *market.Calendar, log zerolog.Logger) *PositionMonitor {
	return &PositionMonitor{
		broker:      broker,
		placer:      placer,
		quotes:      quotes,
		trades:      trades,
		jobRepo:     jobRepo,
		cal:         cal,
		log:         log.With().Str("component", "position_monitor").Logger(),
		now:         time.Now,
		breachStart: make(map[int64]time.Time),
	}
}

// Execute runs one monitoring pass. Routine passes return an aggregated
// skip; only alerts and errors produce durable job runs.
func (m *PositionMonitor) Execute(ctx context.Context) scheduler.JobResult {
	now := m.now()
	if !m.cal.IsMarketOpen(now) {
		return scheduler.Skip("market closed")
	}

	m.rollSession(now)

	open, err := m.trades.ListOpen()
	if err != nil {
		m.recordError(err)
		return scheduler.Fail(err)
	}
	if len(open) == 0 {
		m.bumpSession(0, 0)
		return scheduler.Skip("no open trades")
	}

	alerts := 0
	var firstErr error
	for _, trade := range open {
		closed, err := m.checkTrade(ctx, trade, now)
		if err != nil {
			m.recordError(err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if closed {
			alerts++
		}
	}

	m.bumpSession(int64(len(open)), int64(alerts))

	if firstErr != nil {
		return scheduler.Fail(firstErr)
	}
	if alerts > 0 {
		return scheduler.JobResult{
			Success: true,
			Data:    map[string]interface{}{"closedTrades": alerts, "monitored": len(open)},
		}
	}
	return scheduler.Skip("aggregated")
}

// checkTrade evaluates one trade against its short strikes and closes it
// when the breach has been sustained past the threshold.
func (m *PositionMonitor) checkTrade(ctx context.Context, trade *ledger.PaperTrade, now time.Time) (bool, error) {
	quote := m.quotes.GetQuoteBySymbol(trade.Symbol)
	if quote == nil || quote.Price() <= 0 {
		return false, fmt.Errorf("no spot price for %s", trade.Symbol)
	}
	spot := quote.Price()

	if !m.breached(trade, spot) {
		m.mu.Lock()
		delete(m.breachStart, trade.ID)
		m.mu.Unlock()
		return false, nil
	}

	m.mu.Lock()
	start, tracking := m.breachStart[trade.ID]
	if !tracking {
		m.breachStart[trade.ID] = now
		start = now
	}
	m.mu.Unlock()

	elapsed := now.Sub(start)
	if elapsed <= breachSustain {
		m.log.Warn().Int64("trade", trade.ID).Float64("spot", spot).Dur("breached_for", elapsed).Msg("Strike breach in progress")
		return false, nil
	}

	m.log.Error().Int64("trade", trade.ID).Float64("spot", spot).Dur("breached_for", elapsed).Msg("Sustained breach, closing trade")
	reason := fmt.Sprintf("Layer 1 breach: spot %.2f outside strikes for %d min", spot, int(elapsed.Minutes()))
	if err := m.closeTrade(ctx, trade, spot, reason); err != nil {
		return false, err
	}

	m.mu.Lock()
	delete(m.breachStart, trade.ID)
	m.mu.Unlock()
	return true, nil
}

// breached reports whether spot sits outside the trade's short strikes.
func (m *PositionMonitor) breached(trade *ledger.PaperTrade, spot float64) bool {
	if trade.HasPut() && spot < trade.PutStrike {
		return true
	}
	if trade.HasCall() && spot > trade.CallStrike {
		return true
	}
	return false
}

// closeTrade market-closes every broker position matching a trade leg,
// then settles the ledger row with realized P&L from executions.
func (m *PositionMonitor) closeTrade(ctx context.Context, trade *ledger.PaperTrade, spot float64, reason string) error {
	positions, err := m.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load positions: %w", err)
	}

	matched := matchTradePositions(trade, positions)
	if len(matched) == 0 {
		return fmt.Errorf("no broker positions match trade %d legs", trade.ID)
	}

	for _, pos := range matched {
		qty := pos.Position
		side := "BUY"
		if qty > 0 {
			side = "SELL"
		} else {
			qty = -qty
		}
		if _, err := m.placer.PlaceCloseOrderByConid(ctx, pos.Conid, qty, side); err != nil {
			return fmt.Errorf("failed to close conid %d: %w", pos.Conid, err)
		}
	}

	summary := exitFromExecutions(ctx, m.broker, trade)
	return m.trades.Close(trade.ID, summary.AvgExitPrice, reason, summary.RealizedPnl, spot)
}

// matchTradePositions returns broker option positions whose OCC strike
// code matches one of the trade's legs.
func matchTradePositions(trade *ledger.PaperTrade, positions []ibkr.Position) []ibkr.Position {
	var codes []string
	if trade.HasPut() {
		codes = append(codes, ibkr.StrikeCode(trade.PutStrike))
	}
	if trade.HasCall() {
		codes = append(codes, ibkr.StrikeCode(trade.CallStrike))
	}

	var out []ibkr.Position
	for _, pos := range positions {
		if pos.AssetClass != "OPT" || pos.Position == 0 {
			continue
		}
		if !strings.HasPrefix(strings.TrimSpace(pos.ContractDesc), trade.Symbol) {
			continue
		}
		for _, code := range codes {
			if strings.Contains(pos.ContractDesc, code) {
				out = append(out, pos)
				break
			}
		}
	}
	return out
}

// exitFromExecutions computes the exit summary from today's fills; when
// nothing matches it degrades to a zero-cost exit rather than failing
// the close.
func exitFromExecutions(ctx context.Context, broker Broker, trade *ledger.PaperTrade) orders.ExitSummary {
	execs, err := broker.GetExecutions(ctx)
	if err != nil {
		return orders.ExitSummary{RealizedPnl: trade.EntryPremiumTotal}
	}
	fills := orders.MatchExecutions(trade.Symbol, []float64{trade.PutStrike, trade.CallStrike}, execs)
	if len(fills) == 0 {
		return orders.ExitSummary{RealizedPnl: trade.EntryPremiumTotal}
	}
	return orders.ComputeExit(trade.EntryPremiumTotal, fills)
}

// rollSession resets the aggregate at the ET date boundary.
func (m *PositionMonitor) rollSession(now time.Time) {
	date := m.cal.ETDateString(now)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Date != date {
		m.session = MonitorSession{Date: date}
		m.breachStart = make(map[int64]time.Time)
	}
}

func (m *PositionMonitor) bumpSession(monitored, alerts int64) {
	now := m.now()
	m.mu.Lock()
	m.session.ChecksCompleted++
	m.session.PositionsMonitored = monitored
	m.session.AlertsTriggered += alerts
	m.session.LastCheckTime = now
	date := m.session.Date
	var errsJSON string
	if len(m.session.Errors) > 0 {
		if b, err := json.Marshal(m.session.Errors); err == nil {
			errsJSON = string(b)
		}
	}
	m.mu.Unlock()

	if m.jobRepo != nil {
		if err := m.jobRepo.BumpContinuousStatus("position_monitor", date, monitored, alerts, errsJSON); err != nil {
			m.log.Error().Err(err).Msg("Failed to update continuous status")
		}
	}
}

func (m *PositionMonitor) recordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Errors = append(m.session.Errors, err.Error())
}

// Session returns a copy of the current day's aggregate.
func (m *PositionMonitor) Session() MonitorSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}
