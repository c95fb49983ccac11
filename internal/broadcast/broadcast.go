// Package broadcast implements the Notification Scheduler (C5): two
// delayed queues, "broadcaster" (remote fan-out to connected sockets)
// and "local broadcaster" (in-process @locally_subscribes callbacks),
// each built from the shared internal/workqueue.DelayedCaller idiom.
package broadcast

import (
	"log/slog"
	"time"

	"github.com/sideboard/sideboard/internal/channelbus"
	"github.com/sideboard/sideboard/internal/workqueue"
)

// Notification is queued onto both the remote and local delayed
// queues with the same delay. Trigger is informational only.
type Notification struct {
	Channels          []string
	Trigger           string
	OriginatingClient string
}

// Trigger is implemented by the WebSocket Session: the scheduler calls
// it once per interest triple whose client is not the originator.
type Trigger interface {
	Trigger(client, callback, trigger string) error
}

// Scheduler owns the broadcaster and local-broadcaster delayed queues.
type Scheduler struct {
	bus      *channelbus.Bus
	sessions SessionLookup
	log      *slog.Logger

	remote *workqueue.DelayedCaller[Notification]
	local  *workqueue.DelayedCaller[Notification]
}

// SessionLookup resolves a channelbus.Socket back to something that can
// be triggered. wsession.Session implements Trigger directly, so in
// practice this is an identity function; it exists so broadcast never
// has to import wsession.
type SessionLookup func(socket channelbus.Socket) (Trigger, bool)

// New builds a Scheduler with one worker per queue, per the design
// note that the broadcaster and local broadcaster are both single-worker.
func New(bus *channelbus.Bus, sessions SessionLookup, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{bus: bus, sessions: sessions, log: log}
	s.remote = workqueue.New(1, s.dispatchRemote, log)
	s.local = workqueue.New(1, s.dispatchLocal, log)
	return s
}

// Notify normalizes channels and enqueues a Notification onto both
// queues with the same delay. Delivery order across different
// originating calls is not guaranteed.
func (s *Scheduler) Notify(channels []string, trigger string, delay time.Duration, originatingClient string) {
	channels = channelbus.NormalizeChannels(channels)
	if len(channels) == 0 {
		return
	}
	n := Notification{Channels: channels, Trigger: trigger, OriginatingClient: originatingClient}
	s.remote.Submit(n, delay)
	s.local.Submit(n, delay)
}

// Stop shuts down both queues.
func (s *Scheduler) Stop() {
	s.remote.Stop()
	s.local.Stop()
}

func (s *Scheduler) dispatchRemote(n Notification) {
	for _, interest := range s.bus.Interested(n.Channels) {
		if interest.Client == n.OriginatingClient && n.OriginatingClient != "" {
			continue
		}
		sess, ok := s.sessions(interest.Socket)
		if !ok {
			continue
		}
		if err := sess.Trigger(interest.Client, interest.Callback, n.Trigger); err != nil {
			s.log.Warn("trigger dispatch failed", "client", interest.Client, "callback", interest.Callback, "err", err)
		}
	}
}

func (s *Scheduler) dispatchLocal(n Notification) {
	for _, cb := range s.bus.LocalSubscribers(n.Channels) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("local subscriber panicked", "recover", r)
				}
			}()
			cb(n.Trigger, n.OriginatingClient)
		}()
	}
}
