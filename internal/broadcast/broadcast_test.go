package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sideboard/sideboard/internal/channelbus"
)

type fakeTrigger struct {
	mu   sync.Mutex
	fail bool
	got  []string // "client:callback:trigger"
}

func (f *fakeTrigger) Trigger(client, callback, trigger string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errTriggerFailed
	}
	f.got = append(f.got, client+":"+callback+":"+trigger)
	return nil
}

func (f *fakeTrigger) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

type errString string

func (e errString) Error() string { return string(e) }

const errTriggerFailed = errString("trigger failed")

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.remote.WaitIdle(ctx); err != nil {
		t.Fatalf("remote queue did not go idle: %v", err)
	}
	if err := s.local.WaitIdle(ctx); err != nil {
		t.Fatalf("local queue did not go idle: %v", err)
	}
}

func TestNotifyFansOutToInterestedSockets(t *testing.T) {
	bus := channelbus.New()
	triggerA := &fakeTrigger{}
	triggerB := &fakeTrigger{}
	sockets := map[channelbus.Socket]Trigger{"sockA": triggerA, "sockB": triggerB}

	bus.UpdateSubscriptions("sockA", "c1", "cb1", []string{"names"})
	bus.UpdateSubscriptions("sockB", "c2", "cb2", []string{"names"})

	sched := New(bus, func(socket channelbus.Socket) (Trigger, bool) {
		tr, ok := sockets[socket]
		return tr, ok
	}, nil)
	defer sched.Stop()

	sched.Notify([]string{"names"}, "change_name", 0, "")
	waitIdle(t, sched)

	if got := triggerA.calls(); len(got) != 1 || got[0] != "c1:cb1:change_name" {
		t.Fatalf("triggerA calls = %v", got)
	}
	if got := triggerB.calls(); len(got) != 1 || got[0] != "c2:cb2:change_name" {
		t.Fatalf("triggerB calls = %v", got)
	}
}

func TestNotifySkipsOriginatingClient(t *testing.T) {
	bus := channelbus.New()
	triggerA := &fakeTrigger{}
	triggerB := &fakeTrigger{}
	sockets := map[channelbus.Socket]Trigger{"sockA": triggerA, "sockB": triggerB}

	bus.UpdateSubscriptions("sockA", "origin", "cb1", []string{"names"})
	bus.UpdateSubscriptions("sockB", "other", "cb2", []string{"names"})

	sched := New(bus, func(socket channelbus.Socket) (Trigger, bool) {
		tr, ok := sockets[socket]
		return tr, ok
	}, nil)
	defer sched.Stop()

	sched.Notify([]string{"names"}, "change_name", 0, "origin")
	waitIdle(t, sched)

	if got := triggerA.calls(); len(got) != 0 {
		t.Fatalf("originating client should be skipped, got %v", got)
	}
	if got := triggerB.calls(); len(got) != 1 {
		t.Fatalf("non-originating client should still be notified, got %v", got)
	}
}

func TestNotifyContinuesPastAFailedTrigger(t *testing.T) {
	bus := channelbus.New()
	failing := &fakeTrigger{fail: true}
	working := &fakeTrigger{}
	sockets := map[channelbus.Socket]Trigger{"sockFail": failing, "sockOK": working}

	bus.UpdateSubscriptions("sockFail", "c1", "cb1", []string{"names"})
	bus.UpdateSubscriptions("sockOK", "c2", "cb2", []string{"names"})

	sched := New(bus, func(socket channelbus.Socket) (Trigger, bool) {
		tr, ok := sockets[socket]
		return tr, ok
	}, nil)
	defer sched.Stop()

	sched.Notify([]string{"names"}, "change_name", 0, "")
	waitIdle(t, sched)

	if got := working.calls(); len(got) != 1 {
		t.Fatalf("a failing trigger on one socket should not block delivery to another, got %v", got)
	}
}

func TestNotifyDispatchesLocalSubscribersAndIsolatesPanics(t *testing.T) {
	bus := channelbus.New()
	var mu sync.Mutex
	var calledOK bool

	bus.RegisterLocal([]string{"names"}, func(trigger, originatingClient string) {
		panic("boom")
	})
	bus.RegisterLocal([]string{"names"}, func(trigger, originatingClient string) {
		mu.Lock()
		calledOK = true
		mu.Unlock()
	})

	sched := New(bus, func(channelbus.Socket) (Trigger, bool) { return nil, false }, nil)
	defer sched.Stop()

	sched.Notify([]string{"names"}, "change_name", 0, "")
	waitIdle(t, sched)

	mu.Lock()
	defer mu.Unlock()
	if !calledOK {
		t.Fatal("a panicking local subscriber should not prevent other local subscribers from running")
	}
}

func TestNotifyWithNoChannelsIsANoOp(t *testing.T) {
	bus := channelbus.New()
	sched := New(bus, func(channelbus.Socket) (Trigger, bool) { return nil, false }, nil)
	defer sched.Stop()

	sched.Notify(nil, "x", 0, "")
	waitIdle(t, sched)
}
