package ibkr

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractOrderID(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"top level order_id", `{"order_id":"123"}`, "123"},
		{"array order_id", `[{"order_id":"456"}]`, "456"},
		{"array orderId", `[{"orderId":"789"}]`, "789"},
		{"array id", `[{"id":"11"}]`, "11"},
		{"array conid fallback", `[{"conid":265598}]`, "265598"},
		{"orders wrapper", `{"orders":[{"orderId":"22"}]}`, "22"},
		{"data wrapper", `{"data":[{"order_id":"33"}]}`, "33"},
		{"reply wrapper", `{"reply":[{"id":"44"}]}`, "44"},
		{"numeric id", `[{"order_id":987654}]`, "987654"},
		{"undefined rejected", `[{"order_id":"undefined"}]`, ""},
		{"null string rejected", `[{"id":"null"}]`, ""},
		{"empty rejected", `[{"order_id":""}]`, ""},
		{"empty array", `[]`, ""},
		{"garbage", `not json`, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractOrderID([]byte(tc.body)))
		})
	}
}

func TestSubmitOrder_ConfirmationRoundTrip(t *testing.T) {
	broker := newFakeBroker()
	defer broker.close()

	var mu sync.Mutex
	var confirmedIDs []string

	broker.setHandler("/v1/api/iserver/account/DU12345/orders", jsonResponse(
		`[{"id":"reply-1","message":["You are about to sell a cash-secured put"]}]`))
	broker.setHandler("/v1/api/iserver/reply/reply-1", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var confirm map[string]bool
		require.NoError(t, json.Unmarshal(body, &confirm))
		assert.True(t, confirm["confirmed"])

		mu.Lock()
		confirmedIDs = append(confirmedIDs, "reply-1")
		mu.Unlock()
		_, _ = w.Write([]byte(`[{"order_id":"900100"}]`))
	})

	s := newTestSession(t, broker, nil)
	client := NewClient(s, zerolog.Nop())

	result, err := client.SubmitOrder(context.Background(), OrderRequest{
		Conid:      265598,
		Side:       "SELL",
		Quantity:   1,
		OrderType:  "LMT",
		LimitPrice: 2.50,
	})
	require.NoError(t, err)
	assert.Equal(t, "900100", result.OrderID)
	assert.Contains(t, result.Warning, "cash-secured put")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"reply-1"}, confirmedIDs)
}

func TestSubmitOrder_ConfirmationMessageAsString(t *testing.T) {
	broker := newFakeBroker()
	defer broker.close()

	var mu sync.Mutex
	var confirmed bool

	broker.setHandler("/v1/api/iserver/account/DU12345/orders", jsonResponse(
		`[{"id":"abc123","message":"Confirm size?"}]`))
	broker.setHandler("/v1/api/iserver/reply/abc123", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		confirmed = true
		mu.Unlock()
		_, _ = w.Write([]byte(`[{"order_id":"987654"}]`))
	})

	s := newTestSession(t, broker, nil)
	client := NewClient(s, zerolog.Nop())

	result, err := client.SubmitOrder(context.Background(), OrderRequest{
		Conid:      265598,
		Side:       "SELL",
		Quantity:   1,
		OrderType:  "LMT",
		LimitPrice: 2.50,
	})
	require.NoError(t, err)
	assert.Equal(t, "987654", result.OrderID, "reply id must never be mistaken for the order id")
	assert.Equal(t, "Confirm size?", result.Warning)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, confirmed)
}

func TestSubmitOrder_NoConfirmationNeeded(t *testing.T) {
	broker := newFakeBroker()
	defer broker.close()

	broker.setHandler("/v1/api/iserver/account/DU12345/orders", jsonResponse(`[{"order_id":"555"}]`))

	s := newTestSession(t, broker, nil)
	client := NewClient(s, zerolog.Nop())

	result, err := client.SubmitOrder(context.Background(), OrderRequest{
		Conid: 1, Side: "BUY", Quantity: 1, OrderType: "MKT",
	})
	require.NoError(t, err)
	assert.Equal(t, "555", result.OrderID)
	assert.Empty(t, result.Warning)
}

func TestSubmitOrder_UnparseableIDIsNotFailure(t *testing.T) {
	broker := newFakeBroker()
	defer broker.close()

	broker.setHandler("/v1/api/iserver/account/DU12345/orders", jsonResponse(`[{"status":"submitted"}]`))

	s := newTestSession(t, broker, nil)
	client := NewClient(s, zerolog.Nop())

	result, err := client.SubmitOrder(context.Background(), OrderRequest{
		Conid: 1, Side: "BUY", Quantity: 1, OrderType: "MKT",
	})
	require.NoError(t, err)
	assert.Empty(t, result.OrderID)
	assert.NotEmpty(t, result.RawBody)
}

func TestSubmitOrder_BrokerRejection(t *testing.T) {
	broker := newFakeBroker()
	defer broker.close()

	broker.setHandler("/v1/api/iserver/account/DU12345/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"insufficient funds"}`))
	})

	s := newTestSession(t, broker, nil)
	client := NewClient(s, zerolog.Nop())

	_, err := client.SubmitOrder(context.Background(), OrderRequest{
		Conid: 1, Side: "BUY", Quantity: 1, OrderType: "MKT",
	})
	var rejection *OrderRejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, http.StatusBadRequest, rejection.HTTPStatus)
	assert.Contains(t, rejection.BodySnippet, "insufficient funds")
}

func TestCancelOrder(t *testing.T) {
	broker := newFakeBroker()
	defer broker.close()

	var mu sync.Mutex
	var method string
	broker.setHandler("/v1/api/iserver/account/DU12345/order/777", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method = r.Method
		mu.Unlock()
		_, _ = w.Write([]byte(`{"msg":"Request was submitted"}`))
	})

	s := newTestSession(t, broker, nil)
	client := NewClient(s, zerolog.Nop())

	require.NoError(t, client.CancelOrder(context.Background(), "777"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodDelete, method)
}

func TestGetOpenOrders(t *testing.T) {
	broker := newFakeBroker()
	defer broker.close()

	var mu sync.Mutex
	var warmedUp bool
	broker.setHandler("/v1/api/portfolio/subaccounts", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		warmedUp = true
		mu.Unlock()
		_, _ = w.Write([]byte(`[]`))
	})
	broker.setHandler("/v1/api/iserver/account/orders", jsonResponse(
		`{"orders":[{"orderId":"1","conid":265598,"ticker":"SPY","side":"SELL","totalSize":1,"status":"Submitted","origOrderType":"LIMIT","price":2.5}]}`))

	s := newTestSession(t, broker, nil)
	client := NewClient(s, zerolog.Nop())

	orders, err := client.GetOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "1", orders[0].OrderID)
	assert.Equal(t, "SPY", orders[0].Symbol)
	assert.Equal(t, "Submitted", orders[0].Status)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, warmedUp, "subaccounts warm-up read before the order listing")
}

func TestGetOpenOrders_SubaccountsFailureIgnored(t *testing.T) {
	broker := newFakeBroker()
	defer broker.close()

	// No subaccounts handler: the warm-up 404s and must not matter.
	broker.setHandler("/v1/api/iserver/account/orders", jsonResponse(`{"orders":[]}`))

	s := newTestSession(t, broker, nil)
	client := NewClient(s, zerolog.Nop())

	orders, err := client.GetOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestResolveOptionConid_StrikeTolerance(t *testing.T) {
	broker := newFakeBroker()
	defer broker.close()

	broker.setHandler("/v1/api/iserver/secdef/info", jsonResponse(
		`[{"conid":700001,"maturityDate":"20251215","strike":684.0,"right":"C"},
		  {"conid":700002,"maturityDate":"20251215","strike":685.0,"right":"C"},
		  {"conid":700003,"maturityDate":"20251215","strike":684.0,"right":"P"}]`))

	s := newTestSession(t, broker, nil)
	client := NewClient(s, zerolog.Nop())

	conid, err := client.ResolveOptionConid(context.Background(), 265598, "DEC25", "20251215", 684.0, "C")
	require.NoError(t, err)
	assert.Equal(t, int64(700001), conid)

	// Right mismatch must not resolve even when the strike matches
	_, err = client.ResolveOptionConid(context.Background(), 265598, "DEC25", "20251215", 684.0, "X")
	var resErr *InstrumentResolutionError
	assert.ErrorAs(t, err, &resErr)
}
