package upstream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sideboard/sideboard/internal/callctx"
	"github.com/sideboard/sideboard/internal/registry"
	"github.com/sideboard/sideboard/internal/subscription"
)

// fakeTarget is a minimal PassthroughTarget for exercising MakeCaller
// without a real wsession.Session.
type fakeTarget struct {
	mu      sync.Mutex
	proxies map[string]subscription.PassthroughProxy
	sent    []map[string]any
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{proxies: map[string]subscription.PassthroughProxy{}}
}

func (f *fakeTarget) Send(frame map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTarget) SetPassthrough(client string, proxy subscription.PassthroughProxy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proxies[client] = proxy
}

func (f *fakeTarget) GetPassthrough(client string) (subscription.PassthroughProxy, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proxies[client]
	return p, ok
}

func TestMakeCallerRetargetsExistingSubscriber(t *testing.T) {
	var mu sync.Mutex
	var methods []string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			json.Unmarshal(data, &msg)
			if method, ok := msg["method"].(string); ok {
				mu.Lock()
				methods = append(methods, method)
				mu.Unlock()
			}
		}
	}))
	defer ts.Close()

	stopped := make(chan struct{})
	c := New(Config{URL: wsURL(ts), Stopped: stopped})
	defer c.Close()

	time.Sleep(50 * time.Millisecond)

	target := newFakeTarget()
	ctx := &callctx.Context{Client: "local-client", WebSocket: target}

	if _, err := c.MakeCaller("foo.bar")(ctx, registry.Params{}); err != nil {
		t.Fatalf("first MakeCaller call: %v", err)
	}

	proxy, ok := target.GetPassthrough("local-client")
	if !ok {
		t.Fatal("expected a passthrough proxy to be recorded")
	}
	firstSub, ok := proxy.(*Subscriber)
	if !ok {
		t.Fatalf("proxy is %T, want *Subscriber", proxy)
	}
	firstSub.mu.Lock()
	firstRemoteID := firstSub.remoteID
	firstSub.mu.Unlock()
	if firstRemoteID == "" {
		t.Fatal("expected the first subscribe to record a remote id")
	}

	if _, err := c.MakeCaller("foo.baz")(ctx, registry.Params{}); err != nil {
		t.Fatalf("second MakeCaller call: %v", err)
	}

	proxy2, ok := target.GetPassthrough("local-client")
	if !ok {
		t.Fatal("expected the passthrough proxy to still be recorded")
	}
	secondSub, ok := proxy2.(*Subscriber)
	if !ok || secondSub != firstSub {
		t.Fatal("expected the existing Subscriber to be reused, not replaced")
	}

	secondSub.mu.Lock()
	gotMethod := secondSub.method
	gotRemoteID := secondSub.remoteID
	secondSub.mu.Unlock()

	if gotMethod != "foo.baz" {
		t.Fatalf("sub.method = %q, want foo.baz", gotMethod)
	}
	if gotRemoteID == firstRemoteID {
		t.Fatal("expected retargeting to open a new remote subscription id")
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(methods)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("server observed %d subscribe methods, want at least 2", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if methods[0] != "foo.bar" || methods[len(methods)-1] != "foo.baz" {
		t.Fatalf("methods = %v, want first foo.bar and last foo.baz", methods)
	}
}
