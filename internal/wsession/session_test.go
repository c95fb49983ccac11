package wsession

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sideboard/sideboard/internal/callctx"
	"github.com/sideboard/sideboard/internal/channelbus"
	"github.com/sideboard/sideboard/internal/registry"
	"github.com/sideboard/sideboard/internal/serialize"
)

// fakeConn records every written frame for assertions and never blocks
// on ReadMessage (tests drive HandleMessage directly).
type fakeConn struct {
	mu      sync.Mutex
	written []map[string]any
}

func (f *fakeConn) ReadMessage() (int, []byte, error) { select {} }
func (f *fakeConn) Close() error                      { return nil }
func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.written = append(f.written, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) frames() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.written...)
}

func newTestSession(reg *registry.Registry, bus *channelbus.Bus) (*Session, *fakeConn) {
	conn := &fakeConn{}
	deps := Deps{Registry: reg, Bus: bus, Serializer: serialize.New()}
	return New(conn, deps, ""), conn
}

// queuedConn feeds a fixed sequence of inbound frames to Serve, then
// blocks until closed, satisfying Conn without an actual socket.
type queuedConn struct {
	fakeConn
	mu     sync.Mutex
	frames [][]byte
	closed chan struct{}
}

func newQueuedConn(frames ...[]byte) *queuedConn {
	return &queuedConn{frames: frames, closed: make(chan struct{})}
}

func (q *queuedConn) ReadMessage() (int, []byte, error) {
	q.mu.Lock()
	if len(q.frames) == 0 {
		q.mu.Unlock()
		<-q.closed
		return 0, nil, errConnClosed
	}
	data := q.frames[0]
	q.frames = q.frames[1:]
	q.mu.Unlock()
	return 0, data, nil
}

func (q *queuedConn) Close() error {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
	return nil
}

var errConnClosed = errTestConnClosed{}

type errTestConnClosed struct{}

func (errTestConnClosed) Error() string { return "queuedConn: closed" }

func TestServeDispatchesDecodedMessage(t *testing.T) {
	reg := registry.New()
	bus := channelbus.New()
	deps := Deps{Registry: reg, Bus: bus, Serializer: serialize.New()}
	conn := newQueuedConn([]byte(`{"method":"testservice.get_message"}`))
	sess := New(conn, deps, "")

	dispatched := make(chan map[string]any, 1)
	done := make(chan error, 1)
	go func() {
		done <- sess.Serve(func(s *Session, msg map[string]any) { dispatched <- msg })
	}()

	select {
	case msg := <-dispatched:
		if msg["method"] != "testservice.get_message" {
			t.Fatalf("dispatched msg = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	conn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after conn closed")
	}
}

func TestServeRejectsNullFrame(t *testing.T) {
	reg := registry.New()
	bus := channelbus.New()
	deps := Deps{Registry: reg, Bus: bus, Serializer: serialize.New()}
	conn := newQueuedConn([]byte(`null`))
	sess := New(conn, deps, "")

	dispatched := make(chan map[string]any, 1)
	done := make(chan error, 1)
	go func() {
		done <- sess.Serve(func(s *Session, msg map[string]any) { dispatched <- msg })
	}()

	deadline := time.After(time.Second)
	for {
		if len(conn.frames()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the rejection frame")
		case <-time.After(5 * time.Millisecond):
		}
	}

	select {
	case msg := <-dispatched:
		t.Fatalf("a null frame must not reach dispatch, got %+v", msg)
	default:
	}

	frames := conn.frames()
	if len(frames) != 1 || frames[0]["error"] != "invalid JSON: not an object" {
		t.Fatalf("frames = %+v, want one invalid-JSON error frame", frames)
	}

	conn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after conn closed")
	}
}

func TestEchoNoSubscription(t *testing.T) {
	reg := registry.New()
	reg.Register(&registry.Service{
		Name: "testservice",
		Methods: map[string]registry.Method{
			"get_message": {Name: "get_message", Call: func(ctx *callctx.Context, p registry.Params) (any, error) {
				name, _ := p.Args[0].(string)
				return "Hello " + name + "!", nil
			}},
		},
	}, false)
	bus := channelbus.New()
	sess, conn := newTestSession(reg, bus)

	sess.HandleMessage(map[string]any{
		"method":   "testservice.get_message",
		"params":   []any{"World"},
		"callback": "cb1",
	})

	frames := conn.frames()
	if len(frames) != 1 {
		t.Fatalf("frames = %+v, want 1", frames)
	}
	if frames[0]["data"] != "Hello World!" || frames[0]["callback"] != "cb1" {
		t.Fatalf("frame = %+v", frames[0])
	}
	if _, ok := frames[0]["client"]; ok {
		t.Fatalf("client key should be stripped when empty: %+v", frames[0])
	}
	if got := bus.Interested([]string{"names"}); len(got) != 0 {
		t.Fatalf("no channel interest expected, got %+v", got)
	}
}

func TestSubscribeTriggerAndDedup(t *testing.T) {
	reg := registry.New()
	names := []string{"Hello", "World"}
	svc := &registry.Service{Name: "self", Methods: map[string]registry.Method{}}
	svc.Methods["get_names"] = registry.Method{
		Name:     "get_names",
		Channels: registry.Subscribes("names"),
		Call: func(ctx *callctx.Context, p registry.Params) (any, error) {
			return append([]string(nil), names...), nil
		},
	}
	svc.Methods["change_name"] = registry.Method{
		Name: "change_name",
		Call: func(ctx *callctx.Context, p registry.Params) (any, error) {
			n, _ := p.Args[0].(string)
			names[len(names)-1] = n
			return nil, nil
		},
	}
	reg.Register(svc, false)

	bus := channelbus.New()
	sessA, connA := newTestSession(reg, bus)
	sessB, _ := newTestSession(reg, bus)

	sessA.HandleMessage(map[string]any{"method": "self.get_names", "client": "c1"})
	framesA := connA.frames()
	if len(framesA) != 1 || framesA[0]["trigger"] != "subscribe" {
		t.Fatalf("expected initial subscribe frame, got %+v", framesA)
	}

	sessB.HandleMessage(map[string]any{"method": "self.change_name", "params": []any{"Kitty"}, "callback": "cbB"})

	// Simulate the broadcaster firing for the "names" channel.
	for _, interest := range bus.Interested([]string{"names"}) {
		if interest.Client == "" {
			continue
		}
		s := interest.Socket.(*Session)
		s.Trigger(interest.Client, interest.Callback, "change_name")
	}

	framesA = connA.frames()
	if len(framesA) != 2 {
		t.Fatalf("expected a trigger frame, got %+v", framesA)
	}
	data, _ := framesA[1]["data"].([]any)
	if len(data) != 2 || data[1] != "Kitty" {
		t.Fatalf("trigger data = %+v", framesA[1])
	}

	// Same change again: fingerprint should match, no new frame.
	for _, interest := range bus.Interested([]string{"names"}) {
		s := interest.Socket.(*Session)
		s.Trigger(interest.Client, interest.Callback, "change_name")
	}
	if got := len(connA.frames()); got != 2 {
		t.Fatalf("expected dedup to suppress repeat send, frame count = %d", got)
	}
}

func TestUnsubscribeStopsPushes(t *testing.T) {
	reg := registry.New()
	svc := &registry.Service{Name: "self", Methods: map[string]registry.Method{
		"get_names": {Name: "get_names", Channels: registry.Subscribes("names"), Call: func(ctx *callctx.Context, p registry.Params) (any, error) {
			return []any{"a"}, nil
		}},
	}}
	reg.Register(svc, false)
	bus := channelbus.New()
	sessA, connA := newTestSession(reg, bus)

	sessA.HandleMessage(map[string]any{"method": "self.get_names", "client": "c1"})
	sessA.HandleMessage(map[string]any{"action": "unsubscribe", "client": "c1"})

	before := len(connA.frames())
	for _, interest := range bus.Interested([]string{"names"}) {
		interest.Socket.(*Session).Trigger(interest.Client, interest.Callback, "x")
	}
	if got := len(connA.frames()); got != before {
		t.Fatalf("unsubscribe should stop further pushes, frames went from %d to %d", before, got)
	}
}

func TestPerClientSerialization(t *testing.T) {
	reg := registry.New()
	var order []string
	var mu sync.Mutex
	svc := &registry.Service{Name: "self", Methods: map[string]registry.Method{
		"slow_echo": {Name: "slow_echo", Call: func(ctx *callctx.Context, p registry.Params) (any, error) {
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			order = append(order, "slow")
			mu.Unlock()
			s, _ := p.Args[0].(string)
			return s, nil
		}},
		"echo": {Name: "echo", Call: func(ctx *callctx.Context, p registry.Params) (any, error) {
			mu.Lock()
			order = append(order, "fast")
			mu.Unlock()
			s, _ := p.Args[0].(string)
			return s, nil
		}},
	}}
	reg.Register(svc, false)
	bus := channelbus.New()
	sess, conn := newTestSession(reg, bus)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sess.HandleMessage(map[string]any{"method": "self.slow_echo", "params": []any{"foo"}, "client": "c1", "callback": "cb1"})
	}()
	time.Sleep(2 * time.Millisecond) // ensure slow_echo's lock is taken first
	go func() {
		defer wg.Done()
		sess.HandleMessage(map[string]any{"method": "self.echo", "params": []any{"bar"}, "client": "c1", "callback": "cb2"})
	}()
	wg.Wait()

	if len(order) != 2 || order[0] != "slow" || order[1] != "fast" {
		t.Fatalf("order = %v, want [slow fast] (same-client serialization)", order)
	}
	frames := conn.frames()
	if len(frames) != 2 || frames[0]["callback"] != "cb1" || frames[1]["callback"] != "cb2" {
		t.Fatalf("frames = %+v", frames)
	}
}
