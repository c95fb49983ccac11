// Package wsession implements the WebSocket Session component (C8):
// the per-connection state machine covering authentication, the
// receive loop, send-with-dedup, close cleanup, and passthrough
// subscriptions to upstream services.
package wsession

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sideboard/sideboard/internal/callctx"
	"github.com/sideboard/sideboard/internal/channelbus"
	"github.com/sideboard/sideboard/internal/registry"
	"github.com/sideboard/sideboard/internal/serialize"
	"github.com/sideboard/sideboard/internal/subscription"
)

// State names the session's position in the Connecting -> Authenticating
// -> Open -> Closing -> Closed state machine.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateOpen
	StateClosing
	StateClosed
)

// NoResponse re-exports registry.NoResponse, the sentinel a method
// returns to suppress the responder's normal post-call send.
var NoResponse = registry.NoResponse

// IsNoResponse reports whether v is the NoResponse sentinel.
func IsNoResponse(v any) bool { return registry.IsNoResponse(v) }

// Conn is the subset of *websocket.Conn the session needs, so tests can
// substitute a fake transport.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Notifier notifies the scheduler that channels changed. Session does
// not call it (methods wrapped by registry.Notifies do), and Deps
// carries no Notifier.
type Notifier interface {
	Notify(channels []string, trigger string, delay time.Duration, originatingClient string)
}

// Deps bundles the shared, process-wide collaborators a Session needs.
// All are safe for concurrent use by many sessions.
type Deps struct {
	Registry   *registry.Registry
	Bus        *channelbus.Bus
	Serializer *serialize.Registry
	Log        *slog.Logger
	Debug      bool // include error detail/tracebacks in error frames
}

// Session is one /ws or /wsrpc connection.
type Session struct {
	conn  Conn
	deps  Deps
	state atomic.Int32

	user string // authenticated principal; "" if auth not required/absent

	sendMu sync.Mutex
	subs   *subscription.State

	closeOnce sync.Once
}

// New wraps conn as an Open session authenticated as user ("" if
// anonymous). Sessions are created post-upgrade, after authentication
// has already run, so Connecting/Authenticating are not modeled as
// separate exported states here (the HTTP layer owns the upgrade).
func New(conn Conn, deps Deps, user string) *Session {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	s := &Session{conn: conn, deps: deps, user: user, subs: subscription.New()}
	s.state.Store(int32(StateOpen))
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) closing() bool {
	st := s.State()
	return st == StateClosing || st == StateClosed
}

// Serve runs the receive loop until the connection closes or dispatch
// returns an error. dispatch is called once per decoded JSON message
// (normally responder.Pool.Submit) and must not block the read loop
// for long, since no per-socket serialization happens here — only the
// per-client serialization in HandleMessage.
func (s *Session) Serve(dispatch func(*Session, map[string]any)) error {
	defer s.Close(websocket.CloseNormalClosure, "")
	for {
		if s.closing() {
			return nil
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil || msg == nil {
			s.Send(map[string]any{"error": "invalid JSON: not an object"})
			continue
		}
		dispatch(s, msg)
	}
}

// HandleMessage is the full per-message dispatch run by a responder
// worker: reset context, acquire the client lock, run any internal
// action, resolve and call the method, update triggers, and send the
// response frame unless the result is NoResponse.
func (s *Session) HandleMessage(msg map[string]any) {
	client, _ := msg["client"].(string)
	callback, _ := msg["callback"].(string)

	var unlock func()
	if client != "" {
		unlock = s.subs.LockClients(client)
		defer unlock()
	}

	ctx := &callctx.Context{
		User:       s.user,
		Client:     client,
		Callback:   callback,
		WebSocket:  s,
		Message:    msg,
		ClientData: map[string]any{},
	}

	if action, _ := msg["action"].(string); action != "" {
		s.internalAction(action, client)
		return
	}

	qualified, _ := msg["method"].(string)
	if qualified == "" {
		s.sendError(client, callback, "missing method")
		return
	}

	svc, method, err := s.deps.Registry.Resolve(qualified)
	if err != nil {
		s.sendError(client, callback, s.errorMessage(err))
		return
	}
	_ = svc

	params := registry.FromWire(msg["params"])
	result, callErr := method.Call(ctx, params)

	s.updateTriggers(client, callback, qualified, method, params, ctx, result, callErr)

	if callErr != nil {
		s.sendError(client, callback, s.errorMessage(callErr))
		return
	}
	if IsNoResponse(result) {
		return
	}
	s.Send(map[string]any{"data": result, "client": nilIfEmpty(client), "callback": nilIfEmpty(callback)})
}

func (s *Session) errorMessage(err error) string {
	if s.deps.Debug {
		return err.Error()
	}
	switch {
	case errors.Is(err, registry.ErrUnknownService), errors.Is(err, registry.ErrUnknownMethod):
		return "unknown method"
	case errors.Is(err, registry.ErrForbidden):
		return "forbidden"
	default:
		return "internal error"
	}
}

// updateTriggers implements the C7 protocol: store the cached query
// and migrate Channel Bus interest if the method subscribes; send the
// initial subscription reply synchronously if this is a first
// subscribe (callback absent, client present, result usable).
func (s *Session) updateTriggers(client, callback, qualified string, method registry.Method, params registry.Params, ctx *callctx.Context, result any, callErr error) {
	if method.Subscribable() && client != "" {
		s.subs.StoreQuery(client, callback, subscription.CachedQuery{
			Qualified:  qualified,
			Method:     method,
			Params:     params,
			ClientData: ctx.Snapshot(),
		})
		s.deps.Bus.UpdateSubscriptions(s, client, callback, method.Channels)
	}

	if client != "" && callback == "" && callErr == nil && !IsNoResponse(result) {
		s.Send(map[string]any{"trigger": "subscribe", "client": client, "data": result})
	}
}

// internalAction runs a message's "action" field. Only "unsubscribe" is
// implemented, matching the source's current action set.
func (s *Session) internalAction(action, client string) {
	switch action {
	case "unsubscribe":
		if client == "" {
			return
		}
		s.deps.Bus.RemoveClient(s, client)
		s.subs.DropClient(client)
		if proxy, ok := s.subs.Passthrough(client); ok {
			proxy.Unsubscribe()
		}
	default:
		s.sendError(client, "", fmt.Sprintf("unknown action %q", action))
	}
}

// Trigger re-invokes the cached query for (client, callback) and sends
// the (possibly suppressed) result. Called by the broadcaster worker
// for every interest triple whose client did not originate the
// notification.
func (s *Session) Trigger(client, callback, trigger string) error {
	q, ok := s.subs.Query(client, callback)
	if !ok {
		// Design note: the broadcaster may invoke Trigger for a
		// (client, callback) whose cached query has already been
		// dropped (e.g. a race with unsubscribe/close). This is a
		// silent no-op rather than an error.
		return nil
	}

	ctx := &callctx.Context{
		User:              s.user,
		Client:            client,
		Callback:          callback,
		WebSocket:         s,
		ClientData:        cloneMap(q.ClientData),
		Trigger:           trigger,
		OriginatingClient: client,
	}

	result, err := q.Method.Call(ctx, q.Params)
	if err != nil {
		s.deps.Log.Warn("trigger re-invocation failed", "client", client, "callback", callback, "method", q.Qualified, "err", err)
		return nil
	}
	if IsNoResponse(result) {
		return nil
	}

	return s.Send(map[string]any{
		"data":     result,
		"client":   nilIfEmpty(client),
		"callback": nilIfEmpty(callback),
		"trigger":  trigger,
	})
}

// Send writes frame to the wire, applying the dedup and atomicity
// contract: drop if closing, strip nulls, suppress a repeated
// fingerprint for the same (client, callback), encode canonically, and
// hold the send mutex for the whole write.
func (s *Session) Send(frame map[string]any) error {
	if s.closing() {
		return nil
	}

	clean := map[string]any{}
	for k, v := range frame {
		if v == nil {
			continue
		}
		clean[k] = v
	}

	if data, hasData := clean["data"]; hasData {
		if client, hasClient := clean["client"].(string); hasClient {
			callback, _ := clean["callback"].(string)
			fp, err := s.deps.Serializer.ComputeFingerprint(data)
			if err != nil {
				return err
			}
			if !s.subs.ShouldSend(client, callback, fp) {
				return nil
			}
		}
	}

	payload, err := s.deps.Serializer.CanonicalJSON(clean)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closing() {
		return nil
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) sendError(client, callback, message string) {
	s.Send(map[string]any{"error": message, "client": nilIfEmpty(client), "callback": nilIfEmpty(callback)})
}

// Close tears down all per-socket state: Channel Bus entries first,
// then local subscription-state caches, then passthrough unsubscribes
// — the ordering the source's close cleanup follows.
func (s *Session) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.deps.Bus.RemoveSocket(s)
		for _, client := range s.subs.Clients() {
			s.subs.DropClient(client)
		}
		for _, proxy := range s.subs.AllPassthroughs() {
			proxy.Unsubscribe()
		}
		s.state.Store(int32(StateClosed))
		s.conn.Close()
	})
	return nil
}

// SetPassthrough records the upstream proxy backing client's local
// subscription, so Close and the "unsubscribe" action release it too.
func (s *Session) SetPassthrough(client string, proxy subscription.PassthroughProxy) {
	s.subs.SetPassthrough(client, proxy)
}

// GetPassthrough returns the upstream proxy backing client's local
// subscription, if any. Used by upstream.Client.MakeCaller to detect
// an already-registered passthrough and update its method in place.
func (s *Session) GetPassthrough(client string) (subscription.PassthroughProxy, bool) {
	return s.subs.Passthrough(client)
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
