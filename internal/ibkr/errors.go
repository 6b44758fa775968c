package ibkr

import "fmt"

// AuthError reports a failed handshake step.
type AuthError struct {
	Step       Step
	HTTPStatus int
	RequestID  string
	Detail     string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth step %s failed: status=%d request_id=%s %s", e.Step, e.HTTPStatus, e.RequestID, e.Detail)
}

// SessionGoneError is raised when the broker returns HTTP 410 on init.
// The session is unrecoverable; the caller must clear all tokens and
// re-handshake from the OAuth step.
type SessionGoneError struct {
	RequiresRefresh bool
}

func (e *SessionGoneError) Error() string {
	return "broker session gone (410), full re-handshake required"
}

// GatewayError reports that the gateway did not come up authenticated and
// connected after the reauthenticate/status sequence.
type GatewayError struct {
	Authenticated bool
	Connected     bool
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway not ready: authenticated=%v connected=%v", e.Authenticated, e.Connected)
}

// TransportError wraps network-level failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// OrderRejection is a final broker-side order rejection. Never retried.
type OrderRejection struct {
	HTTPStatus  int
	BodySnippet string
}

func (e *OrderRejection) Error() string {
	return fmt.Sprintf("order rejected: status=%d body=%s", e.HTTPStatus, e.BodySnippet)
}

// InstrumentResolutionError reports that no conid could be resolved.
type InstrumentResolutionError struct {
	Symbol string
	Detail string
}

func (e *InstrumentResolutionError) Error() string {
	return fmt.Sprintf("no conid found for %s: %s", e.Symbol, e.Detail)
}
