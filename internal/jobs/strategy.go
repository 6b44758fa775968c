package jobs

import "context"

// DeclineAll is the default strategy engine: it refuses every daily
// entry with a fixed reason. Deployments wire a real engine in its
// place; with this one the trade engine stays registered and manually
// triggerable but never opens a position.
type DeclineAll struct {
	Reason string
}

// Decide always declines.
func (d DeclineAll) Decide(ctx context.Context, spot float64) (*TradingDecision, error) {
	return &TradingDecision{CanTrade: false, Reason: d.Reason}, nil
}
