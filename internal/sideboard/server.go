// Package sideboard wires the core components into a single Server
// value: the service registry, channel bus, notification scheduler,
// responder pool, lifecycle hooks, serializer, and the upstream
// proxies declared in configuration. Every HTTP handler and session
// receives this value explicitly rather than reaching for package
// globals.
package sideboard

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sideboard/sideboard/internal/broadcast"
	"github.com/sideboard/sideboard/internal/callctx"
	"github.com/sideboard/sideboard/internal/channelbus"
	"github.com/sideboard/sideboard/internal/config"
	"github.com/sideboard/sideboard/internal/lifecycle"
	"github.com/sideboard/sideboard/internal/registry"
	"github.com/sideboard/sideboard/internal/responder"
	"github.com/sideboard/sideboard/internal/serialize"
	"github.com/sideboard/sideboard/internal/upstream"
	"github.com/sideboard/sideboard/internal/wsession"
)

// Server owns every process-wide collaborator. Its lookupSession
// method is the broadcast scheduler's session lookup; it also keeps
// the set of live sessions registered through TrackSession.
type Server struct {
	Config     *config.Config
	Registry   *registry.Registry
	Bus        *channelbus.Bus
	Serializer *serialize.Registry
	Scheduler  *broadcast.Scheduler
	Responder  *responder.Pool
	Lifecycle  *lifecycle.Lifecycle
	Log        *slog.Logger

	sessionsMu sync.Mutex
	sessions   map[*wsession.Session]struct{}

	upstreams map[string]*upstream.Client
}

// New builds a Server from cfg, registering the built-in "sideboard"
// service and one upstream proxy pair per configured rpc-services
// entry. It does not start listening on any transport; call Start to
// run lifecycle hooks.
func New(cfg *config.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		Config:     cfg,
		Registry:   registry.New(),
		Bus:        channelbus.New(),
		Serializer: serialize.New(),
		Lifecycle:  lifecycle.New(log),
		Log:        log,
		sessions:   map[*wsession.Session]struct{}{},
		upstreams:  map[string]*upstream.Client{},
	}

	s.Scheduler = broadcast.New(s.Bus, s.lookupSession, log)
	s.Responder = responder.New(cfg.WS.ThreadPool, log)

	if err := s.Registry.Register(builtinService(), false); err != nil {
		return nil, err
	}

	for _, uc := range cfg.Upstreams {
		if err := s.registerUpstream(uc); err != nil {
			return nil, fmt.Errorf("sideboard: registering upstream %q: %w", uc.Name, err)
		}
	}

	s.Lifecycle.OnShutdown(100, func() { s.Scheduler.Stop() })
	s.Lifecycle.OnShutdown(90, func() { s.Responder.Stop() })
	s.Lifecycle.OnShutdown(10, func() {
		for _, c := range s.upstreams {
			c.Close()
		}
	})

	return s, nil
}

// Start runs the startup hooks. Symmetrical with Stop.
func (s *Server) Start() { s.Lifecycle.Start() }

// Stop runs the shutdown hooks in descending priority and closes the
// stopped latch observed by every background loop.
func (s *Server) Stop() { s.Lifecycle.Stop() }

// builtinService returns the "sideboard" service with its sole "poll"
// method, the keepalive target (upstream.PollMethod) that a peer's
// Upstream WebSocket Client polls when its PollInterval is set.
func builtinService() *registry.Service {
	return &registry.Service{
		Name: "sideboard",
		Methods: map[string]registry.Method{
			"poll": {
				Name: "poll",
				Call: func(ctx *callctx.Context, p registry.Params) (any, error) {
					return "pong", nil
				},
			},
		},
	}
}

// registerUpstream dials uc's remote and registers up to two services under
// its name: a websocket-backed passthrough-capable proxy (default),
// and a synchronous-only one under the "jsonrpc" namespace, matching
// the upstream-service-discovery contract.
func (s *Server) registerUpstream(uc config.UpstreamConfig) error {
	certPath, keyPath, caPath := uc.ClientCert, uc.ClientKey, uc.CACert
	if certPath == "" {
		certPath = s.Config.ClientCert
	}
	if keyPath == "" {
		keyPath = s.Config.ClientKey
	}
	if caPath == "" {
		caPath = s.Config.CACert
	}
	tlsCfg, err := buildTLSConfig(certPath, keyPath, caPath)
	if err != nil {
		return err
	}

	callTimeout := time.Duration(s.Config.WS.CallTimeoutSec) * time.Second
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	reconnectCap := time.Duration(s.Config.WS.ReconnectIntervalSec) * time.Second
	if reconnectCap <= 0 {
		reconnectCap = 60 * time.Second
	}

	stopped := s.Lifecycle.Stopped()
	client := upstream.New(upstream.Config{
		URL:          uc.URL,
		TLSConfig:    tlsCfg,
		CallTimeout:  callTimeout,
		ReconnectCap: reconnectCap,
		Log:          s.Log.With("upstream", uc.Name),
		Stopped:      stopped,
	})
	s.upstreams[uc.Name] = client

	wsSvc := &registry.Service{Name: uc.Name, Methods: map[string]registry.Method{}}
	jsonrpcSvc := &registry.Service{Name: "jsonrpc." + uc.Name, Methods: map[string]registry.Method{}}

	// The remote's method set is not known until a handshake round
	// trips, so both proxies expose a single catch-all "call" method;
	// callers address remote methods via params["method"]. This keeps
	// proxy registration synchronous at startup instead of blocking on
	// the first successful connect.
	callMethod := registry.Method{
		Name: "call",
		Call: func(ctx *callctx.Context, p registry.Params) (any, error) {
			remoteMethod, _ := p.Kwargs["method"].(string)
			return client.Call(context.Background(), remoteMethod, p.Args, p.Kwargs)
		},
	}
	// "subscribe" is also a catch-all: the remote method to subscribe
	// to is carried in params["method"], and MakeCaller is invoked
	// per-call so each distinct remote method gets its own Subscriber.
	subscribeMethod := registry.Method{
		Name:     "subscribe",
		Channels: []string{uc.Name + ".passthrough"},
		Call: func(ctx *callctx.Context, p registry.Params) (any, error) {
			remoteMethod, _ := p.Kwargs["method"].(string)
			return client.MakeCaller(remoteMethod)(ctx, p)
		},
	}

	wsSvc.Methods["call"] = callMethod
	wsSvc.Methods["subscribe"] = subscribeMethod
	jsonrpcSvc.Methods["call"] = callMethod

	// JSONRPCOnly upstreams skip the websocket-backed proxy entirely —
	// only the synchronous jsonrpc.<name> namespace is registered.
	if !uc.JSONRPCOnly {
		if err := s.Registry.Register(wsSvc, false); err != nil {
			return err
		}
	}
	return s.Registry.Register(jsonrpcSvc, false)
}

// buildTLSConfig resolves client mTLS material into a *tls.Config, or
// returns nil if no client certificate is configured (plain
// server-verified TLS only).
func buildTLSConfig(certPath, keyPath, caPath string) (*tls.Config, error) {
	if certPath == "" || keyPath == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading client cert/key: %w", err)
	}

	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("reading ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caPath)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

func (s *Server) lookupSession(socket channelbus.Socket) (broadcast.Trigger, bool) {
	sess, ok := socket.(*wsession.Session)
	return sess, ok
}

// TrackSession adds sess to the Server's set of live sessions. Call on
// every successful upgrade and pair it with UntrackSession; the
// session's own Close removes it from the Channel Bus but not from this
// set. The broadcast scheduler's lookup does not consult the set: it
// resolves a channelbus.Socket by type-asserting it to a session.
func (s *Server) TrackSession(sess *wsession.Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[sess] = struct{}{}
}

// UntrackSession drops sess, normally called from the HTTP handler's
// defer once Serve returns.
func (s *Server) UntrackSession(sess *wsession.Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, sess)
}

// ChannelBridge is the subset of mqttbridge.Bridge the server needs to
// wire channels into, kept narrow so sideboard never imports mqttbridge.
type ChannelBridge interface {
	RegisterChannel(channel string)
}

// WireMQTTBridge registers every channel named by a @subscribes or
// @notifies annotation across all currently-registered services onto
// bridge, so MQTT consumers see the same fan-out events a WebSocket
// subscriber would. Call after all plugin services have registered.
func (s *Server) WireMQTTBridge(bridge ChannelBridge) {
	for _, svc := range s.Registry.ServicesView() {
		for _, m := range svc.Methods {
			for _, ch := range m.Channels {
				bridge.RegisterChannel(ch)
			}
			for _, ch := range m.Notifies {
				bridge.RegisterChannel(ch)
			}
		}
	}
}

// SessionDeps builds the wsession.Deps shared by every connection.
func (s *Server) SessionDeps() wsession.Deps {
	return wsession.Deps{
		Registry:   s.Registry,
		Bus:        s.Bus,
		Serializer: s.Serializer,
		Log:        s.Log,
		Debug:      s.Config.Debug,
	}
}
