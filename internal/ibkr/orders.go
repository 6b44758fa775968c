package ibkr

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mavrikos/thetad/internal/metrics"
)

// maxConfirmationRounds bounds the interstitial confirmation loop. Two
// stacked confirmations is the most the broker has been seen to send.
const maxConfirmationRounds = 3

// SubmitOrder places an order, auto-confirming any interstitial
// confirmation messages the broker returns before the real order response.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := c.session.EnsureReady(ctx, false); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"conid":     req.Conid,
		"side":      req.Side,
		"quantity":  req.Quantity,
		"orderType": req.OrderType,
		"tif":       req.TIF,
	}
	if req.TIF == "" {
		payload["tif"] = "DAY"
	}
	if req.OutsideRTH {
		payload["outsideRTH"] = true
	}
	switch req.OrderType {
	case "LMT":
		payload["price"] = req.LimitPrice
	case "STP":
		payload["price"] = req.LimitPrice
	}
	if req.ParentID != "" {
		payload["parentId"] = req.ParentID
	}

	path := fmt.Sprintf("/v1/api/iserver/account/%s/orders", c.session.AccountID())
	body := map[string]interface{}{"orders": []map[string]interface{}{payload}}

	resp, err := c.session.AuthenticatedRequest(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(path)
	if err != nil {
		metrics.OrdersRejected.Inc()
		return nil, &TransportError{Op: "submit order", Err: err}
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		metrics.OrdersRejected.Inc()
		return nil, &OrderRejection{HTTPStatus: resp.StatusCode(), BodySnippet: snippet(resp.Body())}
	}

	raw := resp.Body()
	var warning string

	// Confirmation round-trip: a response carrying an id plus a message
	// array is a question, not an order acknowledgment.
	for round := 0; round < maxConfirmationRounds; round++ {
		replyID, msg := confirmationRequest(raw)
		if replyID == "" {
			break
		}
		warning = msg
		c.log.Info().Str("reply_id", replyID).Str("message", msg).Msg("Auto-confirming order message")

		confirmResp, err := c.session.AuthenticatedRequest(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(map[string]bool{"confirmed": true}).
			Post("/v1/api/iserver/reply/" + replyID)
		if err != nil {
			metrics.OrdersRejected.Inc()
			return nil, &TransportError{Op: "order confirmation", Err: err}
		}
		if confirmResp.StatusCode() < 200 || confirmResp.StatusCode() >= 300 {
			metrics.OrdersRejected.Inc()
			return nil, &OrderRejection{HTTPStatus: confirmResp.StatusCode(), BodySnippet: snippet(confirmResp.Body())}
		}
		raw = confirmResp.Body()
	}

	metrics.OrdersSubmitted.WithLabelValues(req.Side, req.OrderType).Inc()
	return &OrderResult{
		OrderID: extractOrderID(raw),
		RawBody: string(raw),
		Warning: warning,
	}, nil
}

// confirmationMessage decodes the broker's confirmation text, which
// arrives as either a bare string or an array of lines.
type confirmationMessage []string

func (m *confirmationMessage) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*m = confirmationMessage{s}
		return nil
	}
	var lines []string
	if err := json.Unmarshal(b, &lines); err != nil {
		return err
	}
	*m = confirmationMessage(lines)
	return nil
}

// confirmationRequest detects an interstitial confirmation in an order
// response and returns its reply id and first message line.
func confirmationRequest(body []byte) (string, string) {
	var rows []struct {
		ID      string              `json:"id"`
		Message confirmationMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return "", ""
	}
	for _, row := range rows {
		if row.ID != "" && len(row.Message) > 0 {
			return row.ID, row.Message[0]
		}
	}
	return "", ""
}

// extractOrderID digs the broker order id out of whichever response shape
// the broker chose. Returns empty when no usable id is present; callers
// treat that as submitted-but-unidentified, never as failure.
func extractOrderID(body []byte) string {
	var anyBody interface{}
	if err := json.Unmarshal(body, &anyBody); err != nil {
		return ""
	}

	if obj, ok := anyBody.(map[string]interface{}); ok {
		if id := usableID(obj["order_id"]); id != "" {
			return id
		}
		for _, key := range []string{"orders", "data", "reply"} {
			if arr, ok := obj[key].([]interface{}); ok {
				if id := firstElementID(arr); id != "" {
					return id
				}
			}
		}
		return ""
	}

	if arr, ok := anyBody.([]interface{}); ok {
		return firstElementID(arr)
	}
	return ""
}

func firstElementID(arr []interface{}) string {
	if len(arr) == 0 {
		return ""
	}
	obj, ok := arr[0].(map[string]interface{})
	if !ok {
		return ""
	}
	for _, key := range []string{"order_id", "orderId", "id", "conid"} {
		if id := usableID(obj[key]); id != "" {
			return id
		}
	}
	return ""
}

// usableID normalizes an id value, rejecting the junk strings the broker
// sometimes emits in place of a real id.
func usableID(v interface{}) string {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case float64:
		s = strconv.FormatInt(int64(t), 10)
	default:
		return ""
	}
	switch s {
	case "", "undefined", "null":
		return ""
	}
	return s
}

// GetOpenOrders returns live orders, forcing a fresh (non-cached) read.
func (c *Client) GetOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	if err := c.session.EnsureReady(ctx, false); err != nil {
		return nil, err
	}

	// The gateway wants a subaccounts read before it serves order
	// listings reliably. Idempotent; a failure is not ours to handle.
	if _, err := c.session.AuthenticatedRequest(ctx).Get("/v1/api/portfolio/subaccounts"); err != nil {
		c.log.Debug().Err(err).Msg("Subaccounts warm-up failed")
	}

	resp, err := c.session.AuthenticatedRequest(ctx).
		SetQueryParam("force", "true").
		Get("/v1/api/iserver/account/orders")
	if err != nil {
		return nil, &TransportError{Op: "open orders", Err: err}
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("open orders returned status %d: %s", resp.StatusCode(), snippet(resp.Body()))
	}

	var wrapper struct {
		Orders []OpenOrder `json:"orders"`
	}
	if err := json.Unmarshal(resp.Body(), &wrapper); err != nil {
		return nil, fmt.Errorf("failed to decode open orders: %w", err)
	}
	return wrapper.Orders, nil
}

// CancelOrder cancels one broker order by id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.session.EnsureReady(ctx, false); err != nil {
		return err
	}

	path := fmt.Sprintf("/v1/api/iserver/account/%s/order/%s", c.session.AccountID(), orderID)
	resp, err := c.session.AuthenticatedRequest(ctx).Delete(path)
	if err != nil {
		return &TransportError{Op: "cancel order", Err: err}
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return &OrderRejection{HTTPStatus: resp.StatusCode(), BodySnippet: snippet(resp.Body())}
	}
	return nil
}
