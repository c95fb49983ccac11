// Package responder implements the Responder Pool (C6): a fixed pool
// of workers draining a single queue of (socket, parsed-message) pairs
// and dispatching each to the session's full message-handling step.
package responder

import (
	"log/slog"

	"github.com/sideboard/sideboard/internal/wsession"
	"github.com/sideboard/sideboard/internal/workqueue"
)

type item struct {
	session *wsession.Session
	message map[string]any
}

// Pool is the shared responder worker pool; every /ws and /wsrpc
// session submits its decoded inbound messages here instead of
// handling them inline on the read goroutine.
type Pool struct {
	dc *workqueue.DelayedCaller[item]
}

// New starts a Pool with workers goroutines.
func New(workers int, log *slog.Logger) *Pool {
	p := &Pool{}
	p.dc = workqueue.New(workers, p.dispatch, log)
	return p
}

// Submit enqueues msg from session for immediate dispatch. Concurrent
// processing is not bounded by socket, only by (socket, client-id),
// via the per-client lock HandleMessage acquires.
func (p *Pool) Submit(session *wsession.Session, msg map[string]any) {
	p.dc.Submit(item{session: session, message: msg}, 0)
}

// Stop drains and shuts down the pool.
func (p *Pool) Stop() { p.dc.Stop() }

func (p *Pool) dispatch(it item) {
	it.session.HandleMessage(it.message)
}
