package ibkr

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Client performs brokerage operations on top of an authenticated session.
// Every call ensures the session first; the session manager's freshness
// short-circuit keeps that cheap.
type Client struct {
	session *SessionManager
	log     zerolog.Logger
}

// NewClient wraps a session manager with the operations API.
func NewClient(session *SessionManager, log zerolog.Logger) *Client {
	return &Client{
		session: session,
		log:     log.With().Str("component", "ibkr_client").Logger(),
	}
}

// Session exposes the underlying session manager for diagnostics.
func (c *Client) Session() *SessionManager {
	return c.session
}

// GetPositions returns all positions for the configured account.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	if err := c.session.EnsureReady(ctx, false); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/v1/api/portfolio/%s/positions/0", c.session.AccountID())
	resp, err := c.session.AuthenticatedRequest(ctx).Get(path)
	if err != nil {
		return nil, &TransportError{Op: "positions", Err: err}
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("positions returned status %d: %s", resp.StatusCode(), snippet(resp.Body()))
	}

	var positions []Position
	if err := json.Unmarshal(resp.Body(), &positions); err != nil {
		return nil, fmt.Errorf("failed to decode positions: %w", err)
	}
	return positions, nil
}

// GetAccountSummary fetches the NAV fields for the configured account.
func (c *Client) GetAccountSummary(ctx context.Context) (*AccountSummary, error) {
	if err := c.session.EnsureReady(ctx, false); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/v1/api/portfolio/%s/summary", c.session.AccountID())
	resp, err := c.session.AuthenticatedRequest(ctx).Get(path)
	if err != nil {
		return nil, &TransportError{Op: "account summary", Err: err}
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("account summary returned status %d: %s", resp.StatusCode(), snippet(resp.Body()))
	}

	var raw map[string]struct {
		Amount float64 `json:"amount"`
	}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode account summary: %w", err)
	}

	pick := func(keys ...string) float64 {
		for _, k := range keys {
			if v, ok := raw[k]; ok && v.Amount != 0 {
				return v.Amount
			}
		}
		return 0
	}

	return &AccountSummary{
		PortfolioValue: pick("totalcashvalue-s", "equitywithloanvalue"),
		NetLiquidation: pick("netliquidation", "netliquidation-s"),
		AvailableFunds: pick("availablefunds", "availablefunds-s"),
		BuyingPower:    pick("buyingpower"),
	}, nil
}

// GetExecutions returns today's fills.
func (c *Client) GetExecutions(ctx context.Context) ([]Execution, error) {
	if err := c.session.EnsureReady(ctx, false); err != nil {
		return nil, err
	}

	resp, err := c.session.AuthenticatedRequest(ctx).Get("/v1/api/iserver/account/trades")
	if err != nil {
		return nil, &TransportError{Op: "executions", Err: err}
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("executions returned status %d: %s", resp.StatusCode(), snippet(resp.Body()))
	}

	var execs []Execution
	if err := json.Unmarshal(resp.Body(), &execs); err != nil {
		return nil, fmt.Errorf("failed to decode executions: %w", err)
	}
	return execs, nil
}

// Snapshot fetches one-shot market data fields for a contract. Fields are
// requested by numeric code; the result maps code to raw string value.
func (c *Client) Snapshot(ctx context.Context, conid int64, fields []string) (map[string]string, error) {
	if err := c.session.EnsureReady(ctx, false); err != nil {
		return nil, err
	}

	resp, err := c.session.AuthenticatedRequest(ctx).
		SetQueryParam("conids", strconv.FormatInt(conid, 10)).
		SetQueryParam("fields", strings.Join(fields, ",")).
		Get("/v1/api/iserver/marketdata/snapshot")
	if err != nil {
		return nil, &TransportError{Op: "snapshot", Err: err}
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("snapshot returned status %d: %s", resp.StatusCode(), snippet(resp.Body()))
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal(resp.Body(), &rows); err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("snapshot returned no rows for conid %d", conid)
	}

	out := make(map[string]string, len(rows[0]))
	for k, v := range rows[0] {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return out, nil
}

// ResolveConid resolves a stock or index ticker to its contract id. The
// secdef search endpoint is tried with the plain symbol first, then with
// the secType hint, since index symbols only resolve with the hint.
func (c *Client) ResolveConid(ctx context.Context, symbol string) (int64, error) {
	if err := c.session.EnsureReady(ctx, false); err != nil {
		return 0, err
	}

	queries := []map[string]string{
		{"symbol": symbol},
		{"symbol": symbol, "secType": "IND"},
	}

	for _, q := range queries {
		req := c.session.AuthenticatedRequest(ctx)
		for k, v := range q {
			req.SetQueryParam(k, v)
		}
		resp, err := req.Get("/v1/api/iserver/secdef/search")
		if err != nil {
			return 0, &TransportError{Op: "secdef search", Err: err}
		}
		if resp.StatusCode() != 200 {
			continue
		}

		var rows []struct {
			Conid       json.Number `json:"conid"`
			Symbol      string      `json:"symbol"`
			Description string      `json:"description"`
		}
		if err := json.Unmarshal(resp.Body(), &rows); err != nil {
			continue
		}
		for _, row := range rows {
			if !strings.EqualFold(row.Symbol, symbol) {
				continue
			}
			if id, err := row.Conid.Int64(); err == nil && id > 0 {
				return id, nil
			}
		}
	}

	return 0, &InstrumentResolutionError{Symbol: symbol, Detail: "no matching contract in secdef search"}
}

// ResolveOptionConid resolves an option contract by underlying, expiry
// (YYYYMMDD), strike and right. Strikes match within a tenth of a cent;
// the right must match exactly.
func (c *Client) ResolveOptionConid(ctx context.Context, underlyingConid int64, month, expiry string, strike float64, right string) (int64, error) {
	if err := c.session.EnsureReady(ctx, false); err != nil {
		return 0, err
	}

	resp, err := c.session.AuthenticatedRequest(ctx).
		SetQueryParam("conid", strconv.FormatInt(underlyingConid, 10)).
		SetQueryParam("sectype", "OPT").
		SetQueryParam("month", month).
		SetQueryParam("strike", strconv.FormatFloat(strike, 'f', -1, 64)).
		SetQueryParam("right", right).
		Get("/v1/api/iserver/secdef/info")
	if err != nil {
		return 0, &TransportError{Op: "secdef info", Err: err}
	}
	if resp.StatusCode() != 200 {
		return 0, &InstrumentResolutionError{
			Symbol: fmt.Sprintf("conid=%d %s %s %.2f", underlyingConid, expiry, right, strike),
			Detail: fmt.Sprintf("secdef info returned status %d", resp.StatusCode()),
		}
	}

	var rows []struct {
		Conid        json.Number `json:"conid"`
		MaturityDate string      `json:"maturityDate"`
		Strike       json.Number `json:"strike"`
		Right        string      `json:"right"`
	}
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return 0, fmt.Errorf("failed to decode secdef info: %w", err)
	}

	for _, row := range rows {
		if row.MaturityDate != expiry {
			continue
		}
		if !strings.EqualFold(row.Right, right) {
			continue
		}
		rowStrike, err := row.Strike.Float64()
		if err != nil || math.Abs(rowStrike-strike) >= 0.01 {
			continue
		}
		if id, err := row.Conid.Int64(); err == nil && id > 0 {
			return id, nil
		}
	}

	return 0, &InstrumentResolutionError{
		Symbol: fmt.Sprintf("conid=%d %s %s %.2f", underlyingConid, expiry, right, strike),
		Detail: "no contract matched expiry, strike and right",
	}
}
