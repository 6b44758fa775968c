package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/mavrikos/thetad/internal/ledger"
	"github.com/mavrikos/thetad/internal/metrics"
)

const (
	heartbeatInterval      = 25 * time.Second
	healthCheckInterval    = 30 * time.Second
	sessionRefreshInterval = 60 * time.Second
	sessionRefreshMargin   = 120 * time.Second
	spyStaleThreshold      = 60 * time.Second

	reconnectBase      = 1 * time.Second
	reconnectCap       = 30 * time.Second
	reconnectWindow    = 5 * time.Minute
	reconnectMaxPerWin = 10
)

// errAuthFailed forces the next reconnect to clear the cache and fetch
// fresh credentials.
var errAuthFailed = errors.New("websocket authentication failed")

// CredentialRefresh supplies the cookie header and SSO token for a dial.
// Registered by the session manager; the streamer never owns a session.
type CredentialRefresh func(ctx context.Context) (cookieString, ssoToken string, err error)

// Subscription describes one streamed contract.
type Subscription struct {
	Conid  int64
	Symbol string
	Kind   string // stock | option
	Fields []string
}

// Streamer owns the single market-data websocket. A reader consumes
// frames; separate timers send the tic heartbeat, refresh the session
// frame, and run the auto-healing health check.
type Streamer struct {
	url       string
	log       zerolog.Logger
	cache     *Cache
	prices    *ledger.PriceRepository
	persister *pricePersister
	now       func() time.Time

	refresh   CredentialRefresh
	ssoExpiry func() time.Time

	mu            sync.Mutex
	conn          *websocket.Conn
	subs          map[int64]Subscription
	subscribers   map[int]*subscriber
	nextSubID     int
	authenticated bool
	lastData      time.Time
	subErr        string

	writeMu sync.Mutex
	stop    chan struct{}
	once    sync.Once
}

// NewStreamer creates a streamer for the given websocket URL. The price
// repository may be nil in tests; persistence is then skipped.
func NewStreamer(url string, prices *ledger.PriceRepository, log zerolog.Logger) *Streamer {
	l := log.With().Str("component", "streamer").Logger()
	return &Streamer{
		url:         url,
		log:         l,
		cache:       NewCache(),
		prices:      prices,
		persister:   newPricePersister(prices, l),
		now:         time.Now,
		subs:        make(map[int64]Subscription),
		subscribers: make(map[int]*subscriber),
		stop:        make(chan struct{}),
	}
}

// SetCredentialRefreshCallback registers the dial-credential source.
func (s *Streamer) SetCredentialRefreshCallback(fn CredentialRefresh) {
	s.refresh = fn
}

// SetSSOExpiryFunc registers the tracked SSO expiry used by the 60 s
// session-refresh timer.
func (s *Streamer) SetSSOExpiryFunc(fn func() time.Time) {
	s.ssoExpiry = fn
}

// Rehydrate loads persisted last-known prices into the cache so readers
// see values immediately after a restart.
func (s *Streamer) Rehydrate() error {
	if s.prices == nil {
		return nil
	}
	rows, err := s.prices.All()
	if err != nil {
		return fmt.Errorf("failed to rehydrate price cache: %w", err)
	}
	for _, row := range rows {
		r := row
		s.cache.Apply(r.Conid, func(q *Quote) {
			q.Symbol = r.Symbol
			q.Last = r.Price
			q.Bid = r.Bid
			q.Ask = r.Ask
		}, r.UpdatedAt)
	}
	s.log.Info().Int("symbols", len(rows)).Msg("Price cache rehydrated")
	return nil
}

// Subscribe stores a subscription and sends it when connected and
// authenticated; otherwise it is queued for the replay after auth.
func (s *Streamer) Subscribe(sub Subscription) {
	s.mu.Lock()
	s.subs[sub.Conid] = sub
	conn := s.conn
	ready := s.authenticated
	s.mu.Unlock()

	if conn != nil && ready {
		if err := s.writeText(context.Background(), subscribeFrame(sub)); err != nil {
			s.log.Warn().Err(err).Int64("conid", sub.Conid).Msg("Subscribe frame failed")
		}
	}
}

// Unsubscribe sends an umd frame and forgets the subscription.
func (s *Streamer) Unsubscribe(conid int64) {
	s.mu.Lock()
	sub, ok := s.subs[conid]
	delete(s.subs, conid)
	conn := s.conn
	ready := s.authenticated
	s.mu.Unlock()

	if ok && conn != nil && ready {
		if err := s.writeText(context.Background(), unsubscribeFrame(sub)); err != nil {
			s.log.Warn().Err(err).Int64("conid", conid).Msg("Unsubscribe frame failed")
		}
	}
}

// OnUpdate registers a non-blocking update consumer and returns its
// removal function. Slow consumers lose oldest updates, never block the
// reader.
func (s *Streamer) OnUpdate(name string, fn func(Quote)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	sub := newSubscriber(name, fn)
	s.subscribers[id] = sub
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if sc, ok := s.subscribers[id]; ok {
			sc.stop()
			delete(s.subscribers, id)
		}
		s.mu.Unlock()
	}
}

// GetCachedMarketData returns the cached quote for a conid, nil if none.
func (s *Streamer) GetCachedMarketData(conid int64) *Quote {
	return s.cache.Get(conid)
}

// GetQuoteBySymbol returns the newest cached quote for a symbol.
func (s *Streamer) GetQuoteBySymbol(symbol string) *Quote {
	return s.cache.GetBySymbol(symbol)
}

// IsDataFresh reports whether any tick arrived within maxAge.
func (s *Streamer) IsDataFresh(maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastData.IsZero() && s.now().Sub(s.lastData) < maxAge
}

// DataAge returns time since the last processed tick.
func (s *Streamer) DataAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastData.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return s.now().Sub(s.lastData)
}

// GetCachedSnapshot returns a copy of every cached quote.
func (s *Streamer) GetCachedSnapshot() []Quote {
	return s.cache.Snapshot()
}

// IsAuthenticated reports whether the current connection has passed the
// sts handshake.
func (s *Streamer) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// HasSubscriptionError reports whether an uncleared error frame arrived.
func (s *Streamer) HasSubscriptionError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subErr != ""
}

// ForceFullReconnect drops the cache and tears down the socket; the run
// loop redials with fresh credentials.
func (s *Streamer) ForceFullReconnect() {
	s.log.Warn().Msg("Forcing full reconnect, clearing price cache")
	s.cache.Clear()
	s.closeConn(websocket.StatusGoingAway, "force reconnect")
}

// Disconnect stops the run loop and closes the socket.
func (s *Streamer) Disconnect() {
	s.once.Do(func() { close(s.stop) })
	s.closeConn(websocket.StatusNormalClosure, "shutdown")
}

func (s *Streamer) closeConn(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close(code, reason)
	}
}

// Run dials and serves the websocket until the context is cancelled or
// Disconnect is called, reconnecting with exponential backoff.
func (s *Streamer) Run(ctx context.Context) {
	var attempts int
	var windowStart time.Time
	backoff := reconnectBase

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		err := s.runConnection(ctx)
		metrics.RecordStreamConnected(false)
		if ctx.Err() != nil || s.stopped() {
			return
		}

		if errors.Is(err, errAuthFailed) {
			s.log.Warn().Msg("Stream auth failed, clearing cache before fresh-credential reconnect")
			s.cache.Clear()
		}

		now := s.now()
		if windowStart.IsZero() || now.Sub(windowStart) > reconnectWindow {
			windowStart = now
			attempts = 0
			backoff = reconnectBase
		}
		attempts++
		metrics.StreamReconnects.Inc()

		if attempts > reconnectMaxPerWin {
			wait := windowStart.Add(reconnectWindow).Sub(now)
			if wait < 0 {
				wait = 0
			}
			s.log.Warn().Dur("wait", wait).Msg("Reconnect budget exhausted, waiting out the window")
			if !s.sleepCtx(ctx, wait) {
				return
			}
			windowStart = time.Time{}
			continue
		}

		s.log.Info().Err(err).Dur("backoff", backoff).Int("attempt", attempts).Msg("Reconnecting websocket")
		if !s.sleepCtx(ctx, backoff) {
			return
		}
		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
}

func (s *Streamer) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Streamer) sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.stop:
		return false
	case <-t.C:
		return true
	}
}

// runConnection performs one dial-auth-read cycle. Returns when the
// socket dies; errAuthFailed when the broker rejected the session.
func (s *Streamer) runConnection(ctx context.Context) error {
	if s.refresh == nil {
		return errors.New("no credential refresh callback registered")
	}

	cookieString, ssoToken, err := s.refresh(ctx)
	if err != nil {
		return fmt.Errorf("credential refresh failed: %w", err)
	}

	header := http.Header{}
	if cookieString != "" {
		header.Set("Cookie", cookieString)
	}

	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	s.mu.Lock()
	s.conn = conn
	s.authenticated = false
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.authenticated = false
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if ssoToken != "" {
		if err := s.sendSessionFrame(connCtx, ssoToken); err != nil {
			return err
		}
	}

	go s.heartbeatLoop(connCtx)
	go s.healthCheckLoop(connCtx)
	go s.sessionRefreshLoop(connCtx, ssoToken)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return err
		}
		if err := s.handleMessage(connCtx, data, ssoToken); err != nil {
			return err
		}
	}
}

func (s *Streamer) sendSessionFrame(ctx context.Context, token string) error {
	frame, _ := json.Marshal(map[string]string{"session": token})
	return s.writeText(ctx, string(frame))
}

func (s *Streamer) writeText(ctx context.Context, frame string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, []byte(frame))
}

func (s *Streamer) handleMessage(ctx context.Context, data []byte, ssoToken string) error {
	text := strings.TrimSpace(string(data))
	if text == "" || text == "tic" {
		return nil
	}

	if strings.Contains(strings.ToLower(text), "waiting for session") {
		if ssoToken == "" {
			return errAuthFailed
		}
		s.log.Debug().Msg("Server waiting for session, resending session frame")
		return s.sendSessionFrame(ctx, ssoToken)
	}

	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}

	topic, _ := msg["topic"].(string)
	switch {
	case topic == "sts":
		return s.handleStatus(ctx, msg)
	case strings.HasPrefix(topic, "smd+"), msg["conid"] != nil:
		s.handleTick(msg)
	}
	return nil
}

func (s *Streamer) handleStatus(ctx context.Context, msg map[string]interface{}) error {
	authenticated, found := msg["authenticated"].(bool)
	if !found {
		if args, ok := msg["args"].(map[string]interface{}); ok {
			authenticated, found = args["authenticated"].(bool)
		}
	}
	if !found {
		return nil
	}

	if !authenticated {
		s.log.Warn().Msg("Stream reported authenticated=false")
		return errAuthFailed
	}

	s.mu.Lock()
	s.authenticated = true
	subs := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	metrics.RecordStreamConnected(true)
	s.log.Info().Int("subscriptions", len(subs)).Msg("Stream authenticated, replaying subscriptions")

	for _, sub := range subs {
		if err := s.writeText(ctx, subscribeFrame(sub)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Streamer) handleTick(msg map[string]interface{}) {
	conid := int64(0)
	if v, ok := msg["conid"].(float64); ok {
		conid = int64(v)
	}
	if conid == 0 {
		return
	}

	if errText, ok := msg["error"].(string); ok && errText != "" {
		s.mu.Lock()
		s.subErr = errText
		s.mu.Unlock()
		s.log.Warn().Int64("conid", conid).Str("error", errText).Msg("Subscription error frame")

		lower := strings.ToLower(errText)
		if strings.Contains(lower, "not authenticated") || strings.Contains(lower, "authentication") {
			go s.ForceFullReconnect()
		}
		return
	}

	fields := make(map[string]string)
	for k, v := range msg {
		if len(k) == 0 || k[0] < '0' || k[0] > '9' {
			continue
		}
		switch t := v.(type) {
		case string:
			fields[k] = t
		case float64:
			fields[k] = fmt.Sprintf("%g", t)
		}
	}
	if len(fields) == 0 {
		return
	}

	s.mu.Lock()
	sub, known := s.subs[conid]
	s.mu.Unlock()

	now := s.now()
	quote := s.cache.Apply(conid, func(q *Quote) {
		if known {
			q.Symbol = sub.Symbol
			q.Kind = sub.Kind
		}
		applyTick(q, q.Kind, fields)
	}, now)

	s.mu.Lock()
	s.lastData = now
	s.subErr = ""
	subscribers := make([]*subscriber, 0, len(s.subscribers))
	for _, sc := range s.subscribers {
		subscribers = append(subscribers, sc)
	}
	s.mu.Unlock()

	metrics.TicksReceived.WithLabelValues(quote.Symbol).Inc()
	for _, sc := range subscribers {
		sc.push(*quote)
	}
	s.persister.maybePersist(*quote)
}

// heartbeatLoop sends the client keep-alive every 25 s while the socket
// is open.
func (s *Streamer) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeText(ctx, "tic"); err != nil {
				return
			}
		}
	}
}

// healthCheckLoop forces a full reconnect when SPY goes stale while the
// stream claims to be authenticated. VIX staleness alone is not acted on
// since VIX often streams without a last price.
func (s *Streamer) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			ready := s.authenticated
			var spyConid int64
			for conid, sub := range s.subs {
				if sub.Symbol == "SPY" {
					spyConid = conid
					break
				}
			}
			s.mu.Unlock()

			if !ready || spyConid == 0 {
				continue
			}
			if age, ok := s.cache.Age(spyConid, s.now()); ok && age > spyStaleThreshold {
				s.log.Warn().Dur("age", age).Msg("SPY data stale, forcing reconnect")
				s.ForceFullReconnect()
				return
			}
		}
	}
}

// sessionRefreshLoop re-sends the session frame when the SSO bearer is
// close to expiry, keeping the stream authenticated without a redial.
func (s *Streamer) sessionRefreshLoop(ctx context.Context, currentToken string) {
	ticker := time.NewTicker(sessionRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.ssoExpiry == nil || s.refresh == nil {
				continue
			}
			expiry := s.ssoExpiry()
			if expiry.IsZero() || s.now().Add(sessionRefreshMargin).Before(expiry) {
				continue
			}

			_, token, err := s.refresh(ctx)
			if err != nil {
				s.log.Warn().Err(err).Msg("Session refresh for stream failed")
				continue
			}
			if token == "" || token == currentToken {
				continue
			}
			currentToken = token
			if err := s.sendSessionFrame(ctx, token); err != nil {
				s.log.Warn().Err(err).Msg("Failed to send refreshed session frame")
				return
			}
			s.log.Info().Msg("Stream session frame refreshed")
		}
	}
}

func subscribeFrame(sub Subscription) string {
	b, _ := json.Marshal(map[string][]string{"fields": fieldsFor(sub)})
	return fmt.Sprintf("smd+%d+%s", sub.Conid, b)
}

func unsubscribeFrame(sub Subscription) string {
	b, _ := json.Marshal(map[string][]string{"fields": fieldsFor(sub)})
	return fmt.Sprintf("umd+%d+%s", sub.Conid, b)
}

func fieldsFor(sub Subscription) []string {
	if len(sub.Fields) > 0 {
		return sub.Fields
	}
	if sub.Kind == "option" {
		return OptionFields
	}
	return StockFields
}
