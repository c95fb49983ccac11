package channelbus

import "testing"

func TestUpdateSubscriptionsMigratesAtomically(t *testing.T) {
	b := New()
	sock := "socket-a"

	b.UpdateSubscriptions(sock, "c1", "", []string{"names"})
	got := b.Interested([]string{"names"})
	if len(got) != 1 || got[0].Client != "c1" {
		t.Fatalf("Interested = %+v", got)
	}

	// Declared channel list changes: "names" should be dropped, "ages" added.
	b.UpdateSubscriptions(sock, "c1", "", []string{"ages"})
	if got := b.Interested([]string{"names"}); len(got) != 0 {
		t.Fatalf("stale interest on names: %+v", got)
	}
	if got := b.Interested([]string{"ages"}); len(got) != 1 {
		t.Fatalf("Interested(ages) = %+v", got)
	}
}

func TestRemoveSocketClearsAllChannels(t *testing.T) {
	b := New()
	sock := "socket-a"
	b.UpdateSubscriptions(sock, "c1", "cb1", []string{"names", "ages"})
	b.UpdateSubscriptions(sock, "c2", "", []string{"names"})

	b.RemoveSocket(sock)

	if got := b.Interested([]string{"names", "ages"}); len(got) != 0 {
		t.Fatalf("expected no interests after RemoveSocket, got %+v", got)
	}
}

func TestRemoveClientDropsAllCallbacks(t *testing.T) {
	b := New()
	sock := "socket-a"
	b.UpdateSubscriptions(sock, "c1", "cb1", []string{"a"})
	b.UpdateSubscriptions(sock, "c1", "cb2", []string{"b"})

	b.RemoveClient(sock, "c1")

	if got := b.Interested([]string{"a", "b"}); len(got) != 0 {
		t.Fatalf("expected no interests after RemoveClient, got %+v", got)
	}
}

func TestInterestedDedupsAcrossChannels(t *testing.T) {
	b := New()
	sock := "socket-a"
	b.UpdateSubscriptions(sock, "c1", "", []string{"a", "b"})

	got := b.Interested([]string{"a", "b"})
	if len(got) != 1 {
		t.Fatalf("Interested = %+v, want a single deduplicated triple", got)
	}
}

func TestNormalizeChannelsDropsBlanksAndDups(t *testing.T) {
	got := NormalizeChannels([]string{" a ", "", "a", "b", "   "})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("NormalizeChannels = %v", got)
	}
}

func TestLocalSubscribers(t *testing.T) {
	b := New()
	var called bool
	b.RegisterLocal([]string{"x"}, func(trigger, originating string) { called = true })

	subs := b.LocalSubscribers([]string{"x"})
	if len(subs) != 1 {
		t.Fatalf("LocalSubscribers = %d, want 1", len(subs))
	}
	subs[0]("t", "")
	if !called {
		t.Fatal("local callback not invoked")
	}
}
