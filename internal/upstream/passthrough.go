package upstream

import (
	"context"
	"sync"

	"github.com/sideboard/sideboard/internal/callctx"
	"github.com/sideboard/sideboard/internal/registry"
	"github.com/sideboard/sideboard/internal/subscription"
)

// PassthroughTarget is the subset of *wsession.Session a passthrough
// subscription needs: a way to push data back to the originating
// client and a place to record/retrieve the active proxy for that
// client. Declared here, rather than importing wsession directly, so
// upstream has no dependency on the session package.
type PassthroughTarget interface {
	Send(frame map[string]any) error
	SetPassthrough(client string, proxy subscription.PassthroughProxy)
	GetPassthrough(client string) (subscription.PassthroughProxy, bool)
}

// Subscriber bridges one local client's subscription to an upstream
// one: it subscribes on the remote client, and on every pushed value
// forwards a {data, client} frame back through the originating
// session, re-firing the local subscribe/trigger reply exactly as if
// the method had run locally.
type Subscriber struct {
	client   *Client
	target   PassthroughTarget
	srcClient string

	mu       sync.Mutex
	method   string
	remoteID string
}

// Unsubscribe drops the upstream subscription. Implements
// subscription.PassthroughProxy.
func (s *Subscriber) Unsubscribe() {
	s.mu.Lock()
	id := s.remoteID
	s.mu.Unlock()
	if id != "" {
		s.client.Unsubscribe(id)
	}
}

func (s *Subscriber) forward(data any) {
	s.target.Send(map[string]any{"data": data, "client": s.srcClient})
}

func (s *Subscriber) forwardErr(msg string) {
	s.target.Send(map[string]any{"error": msg, "client": s.srcClient})
}

// subscribeRemote opens (or re-opens) the upstream subscription backing
// sub, dropping any previous remote subscription first. Called both for
// a brand-new Subscriber and when an existing one is retargeted at a
// different method.
func (s *Subscriber) subscribeRemote(method string, args []any, kwargs map[string]any) {
	s.mu.Lock()
	oldID := s.remoteID
	s.method = method
	s.mu.Unlock()

	if oldID != "" {
		s.client.Unsubscribe(oldID)
	}

	remoteID := s.client.Subscribe(SubscriptionSpec{
		Method:   method,
		Params:   args,
		Kwargs:   kwargs,
		Callback: func(data any) { s.forward(data) },
		Errback:  func(errMsg string) { s.forwardErr(errMsg) },
	})

	s.mu.Lock()
	s.remoteID = remoteID
	s.mu.Unlock()
}

// MakeCaller returns a registry.Method.Call-compatible function that,
// when invoked during a subscription request, creates or reuses a
// Subscriber tied to ctx.Client and proxies the remote method's
// results back through ctx.WebSocket.
//
// If a passthrough subscription already exists for this client, it is
// retargeted at the new method: the prior upstream subscription is
// dropped and a fresh one opened against method, mirroring the source
// implementation's `sub.method = method` reassignment followed by a
// resubscribe on the next invocation of the subscriber.
func (c *Client) MakeCaller(method string) func(ctx *callctx.Context, p registry.Params) (any, error) {
	return func(ctx *callctx.Context, p registry.Params) (any, error) {
		target, ok := ctx.WebSocket.(PassthroughTarget)
		if !ok || ctx.Client == "" {
			return c.Call(context.Background(), method, p.Args, p.Kwargs)
		}

		if existing, ok := target.GetPassthrough(ctx.Client); ok {
			if sub, ok := existing.(*Subscriber); ok {
				sub.subscribeRemote(method, p.Args, p.Kwargs)
				return registry.NoResponse, nil
			}
		}

		sub := &Subscriber{client: c, target: target, srcClient: ctx.Client}
		sub.subscribeRemote(method, p.Args, p.Kwargs)

		target.SetPassthrough(ctx.Client, sub)
		return registry.NoResponse, nil
	}
}
