package orders

import (
	"strings"

	"github.com/mavrikos/thetad/internal/ibkr"
)

// MatchExecutions filters broker executions down to the fills that close
// a trade's legs. A fill matches when its OCC symbol starts with the
// trade's underlying and embeds the strike code of one of the legs.
func MatchExecutions(underlying string, strikes []float64, execs []ibkr.Execution) []ibkr.Execution {
	var codes []string
	for _, strike := range strikes {
		if strike > 0 {
			codes = append(codes, ibkr.StrikeCode(strike))
		}
	}

	var out []ibkr.Execution
	for _, e := range execs {
		symbol := strings.TrimSpace(e.Symbol)
		if !strings.HasPrefix(symbol, underlying) {
			continue
		}
		for _, code := range codes {
			if strings.Contains(symbol, code) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// ExitSummary is the realized outcome of closing a short option position.
type ExitSummary struct {
	TotalExitCost float64
	AvgExitPrice  float64
	RealizedPnl   float64
}

// ComputeExit derives the realized P&L from matched executions: exit cost
// is the premium paid to buy the contracts back, so profit is what is
// left of the entry premium.
func ComputeExit(entryPremiumTotal float64, fills []ibkr.Execution) ExitSummary {
	var totalCost, totalQty float64
	for _, f := range fills {
		totalCost += f.Price * f.Size * 100
		totalQty += f.Size * 100
	}

	summary := ExitSummary{TotalExitCost: totalCost}
	if totalQty > 0 {
		summary.AvgExitPrice = totalCost / totalQty
	}
	summary.RealizedPnl = entryPremiumTotal - totalCost
	return summary
}

// ExpiredWorthless is the exit when no executions matched and the option
// passed expiration: the full entry premium is retained.
func ExpiredWorthless(entryPremiumTotal float64) ExitSummary {
	return ExitSummary{RealizedPnl: entryPremiumTotal}
}
