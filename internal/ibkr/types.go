// Package ibkr implements the Client Portal broker integration: the
// session manager driving the OAuth/SSO handshake, and the operations
// client for positions, instruments and orders.
package ibkr

import "time"

// Step identifies one stage of the auth handshake.
type Step string

const (
	StepOAuth    Step = "oauth"
	StepSSO      Step = "sso"
	StepValidate Step = "validate"
	StepInit     Step = "init"
)

// Phase is the coarse session state exposed to diagnostics.
type Phase string

const (
	PhaseDisconnected   Phase = "disconnected"
	PhaseAuthenticating Phase = "authenticating"
	PhaseConnected      Phase = "connected"
	PhaseError          Phase = "error"
)

// StepRecord is the last observed outcome of one handshake step.
type StepRecord struct {
	Status    int       `json:"status"`
	Timestamp time.Time `json:"ts"`
	RequestID string    `json:"requestId"`
}

// Diagnostics is a read-only snapshot of the session's per-step state.
type Diagnostics struct {
	Phase           Phase      `json:"phase"`
	Environment     string     `json:"environment"`
	AccountSelected bool       `json:"accountSelected"`
	SessionReady    bool       `json:"sessionReady"`
	OAuth           StepRecord `json:"oauth"`
	SSO             StepRecord `json:"sso"`
	Validate        StepRecord `json:"validate"`
	Init            StepRecord `json:"init"`
	LastInit        time.Time  `json:"lastInit"`
}

// AuditSink receives handshake and order audit events. Implemented by the
// ledger's sessions_audit repository; a nil-safe no-op is used in tests.
type AuditSink interface {
	RecordAuthEvent(userID string, step string, status int, requestID string, detail string)
}

// Position is one broker-reported portfolio position.
type Position struct {
	Conid         int64   `json:"conid"`
	ContractDesc  string  `json:"contractDesc"`
	Position      float64 `json:"position"`
	MarketValue   float64 `json:"mktValue"`
	MarketPrice   float64 `json:"mktPrice"`
	AvgCost       float64 `json:"avgCost"`
	UnrealizedPnl float64 `json:"unrealizedPnl"`
	AssetClass    string  `json:"assetClass"` // STK | OPT
}

// Execution is one broker-reported fill.
type Execution struct {
	ExecutionID string  `json:"execution_id"`
	Symbol      string  `json:"symbol"` // OCC symbol for options
	Side        string  `json:"side"`
	Price       float64 `json:"price"`
	Size        float64 `json:"size"`
	TradeTime   string  `json:"trade_time"`
}

// AccountSummary carries the NAV fields used by the snapshot jobs.
type AccountSummary struct {
	PortfolioValue float64
	NetLiquidation float64
	AvailableFunds float64
	BuyingPower    float64
}

// NAV returns portfolio value, falling back to net liquidation.
func (s AccountSummary) NAV() float64 {
	if s.PortfolioValue > 0 {
		return s.PortfolioValue
	}
	return s.NetLiquidation
}

// OrderRequest describes one order sent to the broker.
type OrderRequest struct {
	Conid      int64
	Side       string  // BUY | SELL
	Quantity   float64
	OrderType  string  // MKT | LMT | STP
	LimitPrice float64 // LMT limit or STP trigger
	TIF        string  // DAY | GTC
	OutsideRTH bool
	ParentID   string  // broker id of the bracket parent, if any
}

// OrderResult is the parsed outcome of an order submission.
type OrderResult struct {
	OrderID string // broker order id, empty when unparseable
	RawBody string
	Warning string
}

// OpenOrder is one broker-reported live order.
type OpenOrder struct {
	OrderID     string  `json:"orderId"`
	Conid       int64   `json:"conid"`
	Symbol      string  `json:"ticker"`
	Side        string  `json:"side"`
	Quantity    float64 `json:"totalSize"`
	Status      string  `json:"status"`
	OrderType   string  `json:"origOrderType"`
	LimitPrice  float64 `json:"price"`
}
