package sideboard

import (
	"testing"

	"github.com/sideboard/sideboard/internal/callctx"
	"github.com/sideboard/sideboard/internal/config"
	"github.com/sideboard/sideboard/internal/registry"
)

func testConfig() *config.Config {
	cfg := config.Default()
	return cfg
}

func TestNewRegistersBuiltinPoll(t *testing.T) {
	s, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, method, err := s.Registry.Resolve("sideboard.poll")
	if err != nil {
		t.Fatalf("Resolve sideboard.poll: %v", err)
	}
	result, err := method.Call(&callctx.Context{}, registry.Params{})
	if err != nil {
		t.Fatalf("poll call: %v", err)
	}
	if result != "pong" {
		t.Fatalf("result = %v, want pong", result)
	}
}

func TestRegisterUpstreamAddsWsAndJSONRPCServices(t *testing.T) {
	cfg := testConfig()
	cfg.Upstreams = []config.UpstreamConfig{
		{Name: "peer", URL: "ws://127.0.0.1:0/ws"},
	}
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	if s.Registry.Get("peer") == nil {
		t.Fatal("expected websocket-backed proxy service 'peer' to be registered")
	}
	if s.Registry.Get("jsonrpc.peer") == nil {
		t.Fatal("expected jsonrpc-only proxy service 'jsonrpc.peer' to be registered")
	}
}

func TestRegisterUpstreamJSONRPCOnlySkipsWsService(t *testing.T) {
	cfg := testConfig()
	cfg.Upstreams = []config.UpstreamConfig{
		{Name: "peer", URL: "ws://127.0.0.1:0/ws", JSONRPCOnly: true},
	}
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	if s.Registry.Get("peer") != nil {
		t.Fatal("jsonrpc-only upstream should not register a websocket-backed proxy")
	}
	if s.Registry.Get("jsonrpc.peer") == nil {
		t.Fatal("expected jsonrpc-only proxy service 'jsonrpc.peer' to be registered")
	}
}

func TestTrackUntrackSession(t *testing.T) {
	s, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	s.TrackSession(nil)
	if _, ok := s.sessions[nil]; !ok {
		t.Fatal("expected session to be tracked")
	}
	s.UntrackSession(nil)
	if _, ok := s.sessions[nil]; ok {
		t.Fatal("expected session to be untracked")
	}
}
