package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Default connection parameters.
const (
	defaultBackoff      = 1 * time.Second
	defaultMaxBackoff   = 30 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultDialTimeout  = 10 * time.Second
	readLimit           = 16 << 20
)

var _ Conn = (*Client)(nil)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithBackoff sets the initial and maximum reconnect delay. The delay
// doubles after every failed attempt.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		if initial > 0 {
			c.backoff = initial
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithPingInterval sets the keepalive interval. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

// WithDialTimeout bounds dialling plus the auth handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// ── Client ─────────────────────────────────────────────────────────────────────

type response struct {
	result json.RawMessage
	err    error
}

type subscription struct {
	gen     int
	handler EventHandler
}

// Client is a reconnecting Home Assistant websocket client. Call [Client.Run]
// to drive the connection; all other methods are safe for concurrent use.
type Client struct {
	url          string
	token        string
	backoff      time.Duration
	maxBackoff   time.Duration
	pingInterval time.Duration
	dialTimeout  time.Duration

	mu        sync.Mutex
	ws        *websocket.Conn
	gen       int
	nextID    int
	pending   map[int]chan response
	subs      map[int]subscription
	up        chan struct{} // closed while an authenticated connection exists
	hooks     map[int]func()
	hookSeq   int
	connected bool
	served    bool
	closed    bool

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Client for the Home Assistant instance at baseURL
// (http, https, ws or wss; the /api/websocket path is added when missing).
func New(baseURL, token string, opts ...Option) (*Client, error) {
	wsURL, err := WebsocketURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		url:          wsURL,
		token:        token,
		backoff:      defaultBackoff,
		maxBackoff:   defaultMaxBackoff,
		pingInterval: defaultPingInterval,
		dialTimeout:  defaultDialTimeout,
		pending:      make(map[int]chan response),
		subs:         make(map[int]subscription),
		up:           make(chan struct{}),
		hooks:        make(map[int]func()),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// WebsocketURL derives the websocket API endpoint from a Home Assistant base
// URL.
func WebsocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("transport: parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("transport: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("transport: url %q has no host", base)
	}
	if !strings.HasSuffix(u.Path, "/api/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/api/websocket"
	}
	return u.String(), nil
}

// Run connects and keeps the connection alive until ctx is cancelled or
// [Client.Close] is called. It returns [ErrAuthInvalid] if the token is
// rejected.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.backoff
	for attempt := 1; ; attempt++ {
		served, err := c.serve(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		default:
		}
		if errors.Is(err, ErrAuthInvalid) {
			return err
		}
		if served {
			backoff = c.backoff
			attempt = 1
		}

		slog.Warn("transport: connection lost",
			"url", c.url,
			"attempt", attempt,
			"retry_in", backoff,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

// serve runs one connection from dial to disconnect. served reports whether
// the connection got past authentication.
func (c *Client) serve(ctx context.Context) (served bool, err error) {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	ws, _, err := websocket.Dial(dctx, c.url, nil)
	if err != nil {
		cancel()
		return false, fmt.Errorf("transport: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)

	version, err := c.authenticate(dctx, ws)
	cancel()
	if err != nil {
		ws.Close(websocket.StatusPolicyViolation, "auth failed")
		return false, err
	}

	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-c.done:
			stop()
		case <-connCtx.Done():
		}
	}()

	reconnect := c.attach(ws)
	slog.Info("transport: connected", "url", c.url, "ha_version", version, "reconnect", reconnect)

	if c.pingInterval > 0 {
		go c.keepalive(connCtx, ws)
	}
	if reconnect {
		go c.fireReconnect()
	}

	err = c.readLoop(connCtx, ws)
	c.detach(ws)
	ws.Close(websocket.StatusNormalClosure, "")
	return true, err
}

type authMessage struct {
	Type      string `json:"type"`
	HAVersion string `json:"ha_version,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (c *Client) authenticate(ctx context.Context, ws *websocket.Conn) (string, error) {
	var first authMessage
	if err := readJSON(ctx, ws, &first); err != nil {
		return "", fmt.Errorf("transport: read auth_required: %w", err)
	}
	if first.Type != "auth_required" {
		return "", fmt.Errorf("transport: unexpected first message %q", first.Type)
	}

	auth := map[string]string{"type": "auth", "access_token": c.token}
	if err := writeJSON(ctx, ws, auth); err != nil {
		return "", fmt.Errorf("transport: send auth: %w", err)
	}

	var reply authMessage
	if err := readJSON(ctx, ws, &reply); err != nil {
		return "", fmt.Errorf("transport: read auth reply: %w", err)
	}
	switch reply.Type {
	case "auth_ok":
		return reply.HAVersion, nil
	case "auth_invalid":
		return "", fmt.Errorf("%w: %s", ErrAuthInvalid, reply.Message)
	default:
		return "", fmt.Errorf("transport: unexpected auth reply %q", reply.Type)
	}
}

func (c *Client) attach(ws *websocket.Conn) (reconnect bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws = ws
	c.gen++
	c.connected = true
	reconnect = c.served
	c.served = true
	close(c.up)
	return reconnect
}

// detach fails every pending request and drops every subscription of the
// connection that just ended.
func (c *Client) detach(ws *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != ws {
		return
	}
	c.ws = nil
	c.connected = false
	c.up = make(chan struct{})
	for id, ch := range c.pending {
		ch <- response{err: ErrNotConnected}
		delete(c.pending, id)
	}
	clear(c.subs)
}

func (c *Client) fireReconnect() {
	c.mu.Lock()
	hooks := make([]func(), 0, len(c.hooks))
	for _, id := range slices.Sorted(maps.Keys(c.hooks)) {
		hooks = append(hooks, c.hooks[id])
	}
	c.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

func (c *Client) keepalive(ctx context.Context, ws *websocket.Conn) {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		pctx, cancel := context.WithTimeout(ctx, c.pingInterval)
		_, err := c.Call(pctx, "ping", nil)
		cancel()
		if err != nil && ctx.Err() == nil {
			slog.Warn("transport: ping failed, dropping connection", "err", err)
			ws.Close(websocket.StatusGoingAway, "ping timeout")
			return
		}
	}
}

// inbound is any message Home Assistant sends after authentication.
type inbound struct {
	ID      int             `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *ResultError    `json:"error"`
	Event   json.RawMessage `json:"event"`
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		data = bytes.TrimSpace(data)
		if len(data) > 0 && data[0] == '[' {
			var batch []inbound
			if err := json.Unmarshal(data, &batch); err != nil {
				slog.Debug("transport: undecodable batch", "err", err)
				continue
			}
			for i := range batch {
				c.dispatch(&batch[i])
			}
			continue
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("transport: undecodable message", "err", err)
			continue
		}
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *inbound) {
	switch msg.Type {
	case "result", "pong":
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if !ok {
			return
		}
		switch {
		case msg.Type == "pong" || msg.Success:
			ch <- response{result: msg.Result}
		case msg.Error != nil:
			ch <- response{err: msg.Error}
		default:
			ch <- response{err: &ResultError{Code: "unknown_error", Message: "request failed"}}
		}
	case "event":
		c.mu.Lock()
		sub, ok := c.subs[msg.ID]
		c.mu.Unlock()
		if ok {
			sub.handler(msg.Event)
		}
	default:
		slog.Debug("transport: ignoring message", "type", msg.Type, "id", msg.ID)
	}
}

// ── Requests ───────────────────────────────────────────────────────────────────

// register reserves a request id. When handler is non-nil the id is also
// registered as a subscription before the request is written, so no event
// can be missed.
func (c *Client) register(handler EventHandler) (id, gen int, ws *websocket.Conn, ch chan response, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, 0, nil, nil, ErrClosed
	}
	if !c.connected {
		return 0, 0, nil, nil, ErrNotConnected
	}
	c.nextID++
	id = c.nextID
	ch = make(chan response, 1)
	c.pending[id] = ch
	if handler != nil {
		c.subs[id] = subscription{gen: c.gen, handler: handler}
	}
	return id, c.gen, c.ws, ch, nil
}

func (c *Client) forget(id int, sub bool) {
	c.mu.Lock()
	delete(c.pending, id)
	if sub {
		delete(c.subs, id)
	}
	c.mu.Unlock()
}

func (c *Client) roundTrip(ctx context.Context, msgType string, fields Fields, handler EventHandler) (int, int, json.RawMessage, error) {
	id, gen, ws, ch, err := c.register(handler)
	if err != nil {
		return 0, 0, nil, err
	}

	msg := make(map[string]any, len(fields)+2)
	maps.Copy(msg, fields)
	msg["id"] = id
	msg["type"] = msgType

	if err := writeJSON(ctx, ws, msg); err != nil {
		c.forget(id, handler != nil)
		return 0, 0, nil, fmt.Errorf("transport: send %s: %w", msgType, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			c.forget(id, handler != nil)
			return 0, 0, nil, fmt.Errorf("transport: %s: %w", msgType, r.err)
		}
		return id, gen, r.result, nil
	case <-ctx.Done():
		c.forget(id, handler != nil)
		return 0, 0, nil, fmt.Errorf("transport: %s: %w", msgType, ctx.Err())
	case <-c.done:
		return 0, 0, nil, ErrClosed
	}
}

// Call sends a command and waits for its result.
func (c *Client) Call(ctx context.Context, msgType string, fields Fields) (json.RawMessage, error) {
	_, _, result, err := c.roundTrip(ctx, msgType, fields, nil)
	return result, err
}

// Subscribe sends a subscribing command and routes its events to handler
// until the returned [Unsubscribe] is called or the connection drops.
func (c *Client) Subscribe(ctx context.Context, msgType string, fields Fields, handler EventHandler) (Unsubscribe, error) {
	if handler == nil {
		return nil, fmt.Errorf("transport: subscribe %s: nil handler", msgType)
	}
	id, gen, _, err := c.roundTrip(ctx, msgType, fields, handler)
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() { err = c.unsubscribe(ctx, id, gen) })
		return err
	}, nil
}

func (c *Client) unsubscribe(ctx context.Context, id, gen int) error {
	c.mu.Lock()
	sub, ok := c.subs[id]
	live := ok && sub.gen == gen && gen == c.gen && c.connected
	delete(c.subs, id)
	c.mu.Unlock()
	if !live {
		return nil
	}
	_, err := c.Call(ctx, "unsubscribe_events", Fields{"subscription": id})
	return err
}

// SendBinary writes one binary frame on the current connection.
func (c *Client) SendBinary(ctx context.Context, data []byte) error {
	c.mu.Lock()
	ws, connected, closed := c.ws, c.connected, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !connected {
		return ErrNotConnected
	}
	if err := ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("transport: send binary: %w", err)
	}
	return nil
}

// OnReconnect registers fn to run after every successful re-authentication
// (not after the first connect). fn runs on its own goroutine.
func (c *Client) OnReconnect(fn func()) (remove func()) {
	c.mu.Lock()
	c.hookSeq++
	id := c.hookSeq
	c.hooks[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.hooks, id)
		c.mu.Unlock()
	}
}

// Connected reports whether an authenticated connection exists.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// WaitConnected blocks until an authenticated connection exists.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	up := c.up
	c.mu.Unlock()
	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Close stops [Client.Run] and closes the connection. Safe to call multiple
// times.
func (c *Client) Close() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		ws := c.ws
		c.mu.Unlock()
		close(c.done)
		if ws != nil {
			ws.Close(websocket.StatusNormalClosure, "closing")
		}
	})
	return nil
}

// ── Helpers ────────────────────────────────────────────────────────────────────

func readJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
