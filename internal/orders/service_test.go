package orders

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mavrikos/thetad/internal/config"
	"github.com/mavrikos/thetad/internal/ibkr"
	"github.com/mavrikos/thetad/internal/ledger"
	testdb "github.com/mavrikos/thetad/internal/testing"
)

// brokerStub serves the auth handshake plus per-test order endpoints.
type brokerStub struct {
	mu       sync.Mutex
	server   *httptest.Server
	handlers map[string]http.HandlerFunc
}

func newBrokerStub(t *testing.T) *brokerStub {
	b := &brokerStub{handlers: make(map[string]http.HandlerFunc)}

	ok := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		}
	}
	b.handlers["/oauth2/api/v1/token"] = ok(`{"access_token":"oauth-token","expires_in":600}`)
	b.handlers["/gw/api/v1/sso-sessions"] = ok(`{"access_token":"sso-token","expires_in":540}`)
	b.handlers["/v1/api/sso/validate"] = ok(`{"RESULT":true}`)
	b.handlers["/v1/api/tickle"] = ok(`{}`)
	b.handlers["/v1/api/iserver/auth/ssodh/init"] = ok(`{"authenticated":true}`)
	b.handlers["/v1/api/iserver/reauthenticate"] = ok(`{}`)
	b.handlers["/v1/api/iserver/auth/status"] = ok(`{"authenticated":true,"connected":true}`)
	b.handlers["/v1/api/iserver/account"] = ok(`{}`)

	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		h, found := b.handlers[r.URL.Path]
		b.mu.Unlock()
		if found {
			h(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *brokerStub) set(path string, h http.HandlerFunc) {
	b.mu.Lock()
	b.handlers[path] = h
	b.mu.Unlock()
}

func (b *brokerStub) setJSON(path, body string) {
	b.set(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
}

func testKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func newTestService(t *testing.T, broker *brokerStub) (*Service, func()) {
	t.Helper()

	session, err := ibkr.NewSessionManager(config.BrokerCredentials{
		UserID: "u1", ClientID: "c1", ClientKeyID: "k1",
		PrivateKey: testKeyPEM(t), Credential: "trader1",
		AccountID: "DU12345", Environment: "paper",
	}, broker.server.URL, nil, zerolog.Nop())
	require.NoError(t, err)
	session.DisableSettleDelays()

	db, cleanup := testdb.NewLedgerDB(t)
	orderRepo := ledger.NewOrderRepository(db, zerolog.Nop())
	tradeRepo := ledger.NewTradeRepository(db, zerolog.Nop())

	svc := NewService(ibkr.NewClient(session, zerolog.Nop()), orderRepo, tradeRepo, zerolog.Nop())
	svc.sleep = func(time.Duration) {}
	return svc, cleanup
}

func TestPlaceStockOrder_PersistsLedgerRow(t *testing.T) {
	broker := newBrokerStub(t)
	broker.setJSON("/v1/api/iserver/secdef/search", `[{"conid":265598,"symbol":"SPY"}]`)
	broker.setJSON("/v1/api/iserver/account/DU12345/orders", `[{"order_id":"900100"}]`)

	svc, cleanup := newTestService(t, broker)
	defer cleanup()

	order, err := svc.PlaceStockOrder(context.Background(), StockOrderParams{
		Symbol: "SPY", Side: "BUY", Quantity: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, "900100", order.IBKROrderID)
	assert.Equal(t, "submitted", order.Status)
	assert.Equal(t, "MKT", order.OrderType)

	stored, err := svc.Orders().GetByID(order.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.EqualValues(t, 265598, stored.Conid)
}

func TestPlaceStockOrder_NoConidIsRejectedAndAudited(t *testing.T) {
	broker := newBrokerStub(t)
	broker.setJSON("/v1/api/iserver/secdef/search", `[]`)

	svc, cleanup := newTestService(t, broker)
	defer cleanup()

	_, err := svc.PlaceStockOrder(context.Background(), StockOrderParams{
		Symbol: "NOPE", Side: "BUY", Quantity: 1,
	})
	var resErr *ibkr.InstrumentResolutionError
	require.ErrorAs(t, err, &resErr)
}

func TestPlaceOptionOrderWithStop_BracketsChild(t *testing.T) {
	broker := newBrokerStub(t)
	broker.setJSON("/v1/api/iserver/secdef/search", `[{"conid":265598,"symbol":"SPY"}]`)
	broker.setJSON("/v1/api/iserver/secdef/info",
		`[{"conid":700003,"maturityDate":"20251215","strike":660.0,"right":"P"}]`)

	var mu sync.Mutex
	var submissions []map[string]interface{}
	ids := []string{"111", "222"}
	broker.set("/v1/api/iserver/account/DU12345/orders", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var wrapper struct {
			Orders []map[string]interface{} `json:"orders"`
		}
		require.NoError(t, json.Unmarshal(body, &wrapper))

		mu.Lock()
		submissions = append(submissions, wrapper.Orders[0])
		id := ids[len(submissions)-1]
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"order_id":"` + id + `"}]`))
	})

	svc, cleanup := newTestService(t, broker)
	defer cleanup()

	primary, stop, err := svc.PlaceOptionOrderWithStop(context.Background(), OptionOrderParams{
		Underlying: "SPY", OptionType: "PUT", Strike: 660,
		Expiration: "20251215", Side: "SELL", Quantity: 1,
		OrderType: "LMT", LimitPrice: 1.20,
	}, 6)
	require.NoError(t, err)
	require.NotNil(t, stop)
	assert.Equal(t, "111", primary.IBKROrderID)
	assert.Equal(t, "222", stop.IBKROrderID)
	assert.Equal(t, "STP", stop.OrderType)
	assert.Equal(t, "BUY", stop.Side)
	assert.InDelta(t, 7.20, stop.LimitPrice, 0.001)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, submissions, 2)
	assert.Equal(t, "111", submissions[1]["parentId"])
}

func TestCancelAllOrders_BrokerFirst(t *testing.T) {
	broker := newBrokerStub(t)
	broker.setJSON("/v1/api/iserver/account/orders",
		`{"orders":[{"orderId":"1","status":"Submitted"},{"orderId":"2","status":"Submitted"}]}`)
	broker.setJSON("/v1/api/iserver/account/DU12345/order/1", `{"msg":"ok"}`)
	broker.setJSON("/v1/api/iserver/account/DU12345/order/2", `{"msg":"ok"}`)

	svc, cleanup := newTestService(t, broker)
	defer cleanup()

	n, err := svc.CancelAllOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCancelAllOrders_LocalFallbackToleratesGoneOrders(t *testing.T) {
	broker := newBrokerStub(t)
	broker.setJSON("/v1/api/iserver/account/orders", `{"orders":[]}`)
	broker.set("/v1/api/iserver/account/DU12345/order/900100", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"order not found"}`))
	})

	svc, cleanup := newTestService(t, broker)
	defer cleanup()

	// A broker-tracked order and a local-only row with no broker id
	tracked, err := svc.Orders().Create(&ledger.Order{
		IBKROrderID: "900100", Symbol: "SPY", Side: "SELL", Quantity: 1, OrderType: "LMT",
	})
	require.NoError(t, err)
	localOnly, err := svc.Orders().Create(&ledger.Order{
		Symbol: "SPY", Side: "SELL", Quantity: 1, OrderType: "LMT",
	})
	require.NoError(t, err)

	n, err := svc.CancelAllOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := svc.Orders().GetByID(tracked.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", got.Status, "not-found cancel must still clear the local row")

	got, err = svc.Orders().GetByID(localOnly.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", got.Status, "local-only rows are cancelled without broker calls")
}

func TestSubmit_RejectionRecordsStatusCode(t *testing.T) {
	broker := newBrokerStub(t)
	broker.setJSON("/v1/api/iserver/secdef/search", `[{"conid":265598,"symbol":"SPY"}]`)
	broker.set("/v1/api/iserver/account/DU12345/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"insufficient funds"}`))
	})

	svc, cleanup := newTestService(t, broker)
	defer cleanup()

	_, err := svc.PlaceStockOrder(context.Background(), StockOrderParams{
		Symbol: "SPY", Side: "BUY", Quantity: 1000000,
	})
	require.Error(t, err)

	open, err := svc.Orders().ListOpen()
	require.NoError(t, err)
	assert.Empty(t, open, "rejected orders are not open")
}
