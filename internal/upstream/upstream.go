// Package upstream implements the Upstream WebSocket Client (C9): an
// outbound, persistent connection to a remote Sideboard used both by
// registered remote-service proxies and by passthrough subscriptions.
// Grounded on the reconnect/poll/dispatch shape of the teacher's Home
// Assistant WebSocket client, generalized to the source's Checker +
// Dispatcher + call/subscribe/unsubscribe contract.
package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTimeout is returned by Call when call-timeout elapses before a
// response arrives.
var ErrTimeout = errors.New("upstream: call timed out")

// ErrStopped is returned by Call when the process is shutting down.
var ErrStopped = errors.New("upstream: stopped")

// PollMethod is invoked as a keepalive whenever poll-interval elapses
// on an otherwise-idle connection.
const PollMethod = "sideboard.poll"

// Config configures reconnect/poll/timeout behavior. internal/sideboard
// fills CallTimeout and ReconnectCap from ws.call_timeout_sec and
// ws.reconnect_interval_sec; no config key sets PollInterval, and a
// zero PollInterval turns the keepalive poll off.
type Config struct {
	URL              string
	TLSConfig        *tls.Config
	CallTimeout      time.Duration
	PollInterval     time.Duration
	ReconnectCap     time.Duration
	Fallback         func(msg map[string]any)
	Log              *slog.Logger
	Stopped          <-chan struct{}
}

type pendingCall struct {
	done chan struct{}
	data any
	err  error
}

// SubscriptionSpec describes a subscribe() request; Callback receives
// each pushed data value, Errback (optional) receives error pushes,
// and Paramback (optional) regenerates params on reconnect-refire
// instead of reusing the original params verbatim.
type SubscriptionSpec struct {
	Method    string
	Params    []any
	Kwargs    map[string]any
	Callback  func(data any)
	Errback   func(errMsg string)
	Paramback func() []any
}

type subscriptionRecord struct {
	spec     SubscriptionSpec
	clientID string
}

// Client is one outbound persistent connection.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn

	counter atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	subsMu sync.Mutex
	subs   map[string]*subscriptionRecord

	lastPoll          atomic.Int64 // unix nano
	lastAttempt       atomic.Int64 // unix nano
	reconnectAttempts atomic.Int32

	wg sync.WaitGroup
}

// New creates a Client and starts its Checker loop; the Checker starts
// a Dispatcher for each connection it opens.
func New(cfg Config) *Client {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	if cfg.ReconnectCap == 0 {
		cfg.ReconnectCap = 30 * time.Second
	}
	if cfg.Fallback == nil {
		cfg.Fallback = func(msg map[string]any) { cfg.Log.Warn("upstream: unrouted message", "msg", msg) }
	}
	c := &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{TLSClientConfig: cfg.TLSConfig, HandshakeTimeout: 10 * time.Second},
		pending: map[string]*pendingCall{},
		subs:    map[string]*subscriptionRecord{},
	}
	c.wg.Add(1)
	go c.checker()
	return c
}

// Close closes the current connection, if any. Safe to call more than
// once. The Checker loop keeps running and redials on a later tick;
// only closing Config.Stopped ends it.
func (c *Client) Close() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

func (c *Client) connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// checker runs at 1Hz: reconnects with exponential backoff capped at
// ReconnectCap when disconnected, and sends a keepalive poll once
// PollInterval has elapsed on a live connection. A failed poll closes
// the socket so the next tick reconnects.
func (c *Client) checker() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.cfg.Stopped:
			c.Close()
			return
		case <-ticker.C:
		}

		if !c.connected() {
			if c.shouldReconnect() {
				c.reconnect()
			}
			continue
		}

		if c.cfg.PollInterval > 0 && c.shouldPoll() {
			c.lastPoll.Store(time.Now().UnixNano())
			if _, err := c.Call(context.Background(), PollMethod, nil, nil); err != nil {
				c.cfg.Log.Warn("upstream: keepalive poll failed, forcing reconnect", "url", c.cfg.URL, "err", err)
				c.Close()
			}
		}
	}
}

// shouldReconnect reports whether enough time has elapsed since the
// last dial attempt, per an exponential backoff (2s after the first
// failed dial, then 4s, 8s, ...) capped at ReconnectCap.
func (c *Client) shouldReconnect() bool {
	attempts := c.reconnectAttempts.Load()
	if attempts == 0 {
		return true
	}
	backoff := (time.Duration(1) << attempts) * time.Second
	if backoff > c.cfg.ReconnectCap {
		backoff = c.cfg.ReconnectCap
	}
	last := c.lastAttempt.Load()
	return last == 0 || time.Since(time.Unix(0, last)) >= backoff
}

func (c *Client) reconnect() {
	c.lastAttempt.Store(time.Now().UnixNano())
	conn, _, err := c.dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		n := c.reconnectAttempts.Add(1)
		c.cfg.Log.Warn("upstream: reconnect failed", "url", c.cfg.URL, "attempt", n, "err", err)
		return
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.reconnectAttempts.Store(0)
	c.cfg.Log.Info("upstream: connected", "url", c.cfg.URL)

	go c.dispatch(conn)
	c.refireSubscriptions()
}

// refireSubscriptions re-sends every stored subscription after a
// (re)connect, using Paramback() when present, else the original params.
func (c *Client) refireSubscriptions() {
	c.subsMu.Lock()
	recs := make([]*subscriptionRecord, 0, len(c.subs))
	for _, r := range c.subs {
		recs = append(recs, r)
	}
	c.subsMu.Unlock()

	for _, r := range recs {
		params := r.spec.Params
		if r.spec.Paramback != nil {
			params = r.spec.Paramback()
		}
		c.send(map[string]any{
			"method": r.spec.Method,
			"params": wireParams(params, r.spec.Kwargs),
			"client": r.clientID,
		})
	}
}

func (c *Client) shouldPoll() bool {
	last := c.lastPoll.Load()
	return last == 0 || time.Since(time.Unix(0, last)) >= c.cfg.PollInterval
}

// dispatch drains inbound frames on conn, routing by "client" or
// "callback" to the pending-calls map or a stored subscription's
// callback, until the connection errors. Unknown ids invoke Fallback.
func (c *Client) dispatch(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			c.cfg.Log.Warn("upstream: malformed inbound frame", "err", err)
			continue
		}
		c.route(msg)
	}
}

func (c *Client) route(msg map[string]any) {
	if callbackID, ok := msg["callback"].(string); ok && callbackID != "" {
		c.pendingMu.Lock()
		pc, ok := c.pending[callbackID]
		if ok {
			delete(c.pending, callbackID)
		}
		c.pendingMu.Unlock()
		if ok {
			if errVal, hasErr := msg["error"]; hasErr {
				pc.err = fmt.Errorf("%v", errVal)
			} else {
				pc.data = msg["data"]
			}
			close(pc.done)
			return
		}
	}

	if clientID, ok := msg["client"].(string); ok && clientID != "" {
		c.subsMu.Lock()
		rec, ok := c.subs[clientID]
		c.subsMu.Unlock()
		if ok {
			if errVal, hasErr := msg["error"]; hasErr {
				if rec.spec.Errback != nil {
					rec.spec.Errback(fmt.Sprint(errVal))
				}
			} else if rec.spec.Callback != nil {
				rec.spec.Callback(msg["data"])
			}
			return
		}
	}

	c.cfg.Fallback(msg)
}

func (c *Client) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, c.counter.Add(1))
}

func (c *Client) send(msg map[string]any) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return errors.New("upstream: not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Call performs a synchronous request, returning the remote "data" or
// an error, bounded by ws.call-timeout and ctx. It raises immediately
// if the global stopped latch is already set.
func (c *Client) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	select {
	case <-c.cfg.Stopped:
		return nil, ErrStopped
	default:
	}

	callbackID := c.nextID("callback")
	pc := &pendingCall{done: make(chan struct{})}
	c.pendingMu.Lock()
	c.pending[callbackID] = pc
	c.pendingMu.Unlock()

	if err := c.send(map[string]any{"method": method, "params": wireParams(args, kwargs), "callback": callbackID}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, callbackID)
		c.pendingMu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case <-pc.done:
		return pc.data, pc.err
	case <-timer.C:
		c.pendingMu.Lock()
		delete(c.pending, callbackID)
		c.pendingMu.Unlock()
		return nil, ErrTimeout
	case <-c.cfg.Stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers spec and sends the initial subscribe request,
// returning the generated client id. Send failures are non-fatal: the
// reconnect path re-fires every stored subscription.
func (c *Client) Subscribe(spec SubscriptionSpec) string {
	clientID := c.nextID("client")
	c.subsMu.Lock()
	c.subs[clientID] = &subscriptionRecord{spec: spec, clientID: clientID}
	c.subsMu.Unlock()

	if err := c.send(map[string]any{
		"method": spec.Method,
		"params": wireParams(spec.Params, spec.Kwargs),
		"client": clientID,
	}); err != nil {
		c.cfg.Log.Warn("upstream: subscribe send failed, will retry on reconnect", "method", spec.Method, "err", err)
	}
	return clientID
}

// Unsubscribe drops the local subscription record and best-effort
// sends an unsubscribe action to the remote.
func (c *Client) Unsubscribe(clientID string) {
	c.subsMu.Lock()
	delete(c.subs, clientID)
	c.subsMu.Unlock()
	c.send(map[string]any{"action": "unsubscribe", "client": clientID})
}

func wireParams(args []any, kwargs map[string]any) any {
	if len(kwargs) > 0 {
		return kwargs
	}
	if args == nil {
		return nil
	}
	return args
}
