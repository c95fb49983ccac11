// Package subscription implements the Subscription State component
// (C7): per-socket caches of client locks, cached queries, cached
// fingerprints, and passthrough proxies, plus the update-triggers
// protocol that wires a method call's outcome into those caches.
package subscription

import (
	"sync"

	"github.com/sideboard/sideboard/internal/registry"
	"github.com/sideboard/sideboard/internal/serialize"
)

// CachedQuery is enough to re-invoke the exact original subscribed
// call: the resolved method, its original params, and a snapshot of
// the per-subscription client-data map captured at subscribe time.
type CachedQuery struct {
	Qualified  string
	Method     registry.Method
	Params     registry.Params
	ClientData map[string]any
}

// Key identifies a cached query or fingerprint within a socket.
type Key struct {
	Client   string
	Callback string
}

// PassthroughProxy is an Upstream Subscription handle bridging a local
// client's subscription to a remote one. Defined here as a narrow
// interface so subscription never imports internal/upstream.
type PassthroughProxy interface {
	Unsubscribe()
}

// State holds every piece of per-socket subscription state. One State
// is created per WebSocket Session and torn down on close.
type State struct {
	mu sync.Mutex

	clientLocks map[string]*sync.Mutex

	cachedQueries      map[Key]CachedQuery
	cachedFingerprints map[Key]serialize.Fingerprint
	hasSent            map[Key]bool

	passthrough map[string]PassthroughProxy
}

// New returns an empty per-socket State.
func New() *State {
	return &State{
		clientLocks:        map[string]*sync.Mutex{},
		cachedQueries:       map[Key]CachedQuery{},
		cachedFingerprints:  map[Key]serialize.Fingerprint{},
		hasSent:             map[Key]bool{},
		passthrough:         map[string]PassthroughProxy{},
	}
}

// ClientLock returns the mutex serializing all access (responder
// workers and scheduler triggers alike) on behalf of client, creating
// it on first use. Callers must not re-enter a lock they already hold;
// the Go port's call graph is structured so that never happens, unlike
// the source's reentrant mutex.
func (s *State) ClientLock(client string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.clientLocks[client]
	if !ok {
		m = &sync.Mutex{}
		s.clientLocks[client] = m
	}
	return m
}

// LockClients acquires the locks for every distinct, non-empty client
// in clients, in sorted order, and returns a function that releases
// them in reverse order. Sorting before acquisition is what prevents
// deadlock when two code paths lock overlapping client sets
// concurrently (e.g. a responder worker and the socket's close path).
func (s *State) LockClients(clients ...string) func() {
	uniq := map[string]struct{}{}
	var names []string
	for _, c := range clients {
		if c == "" {
			continue
		}
		if _, ok := uniq[c]; ok {
			continue
		}
		uniq[c] = struct{}{}
		names = append(names, c)
	}
	sortStrings(names)

	locks := make([]*sync.Mutex, len(names))
	for i, c := range names {
		locks[i] = s.ClientLock(c)
	}
	for _, l := range locks {
		l.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// StoreQuery records q under (client, callback) so a later trigger can
// re-invoke it. Invariant maintained by callers: a query is never
// stored without a corresponding Channel Bus interest, and vice versa.
func (s *State) StoreQuery(client, callback string, q CachedQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cachedQueries[Key{client, callback}] = q
}

// Query returns the cached query for (client, callback), if any.
func (s *State) Query(client, callback string) (CachedQuery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.cachedQueries[Key{client, callback}]
	return q, ok
}

// DropQuery removes the cached query and fingerprint for (client, callback).
func (s *State) DropQuery(client, callback string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := Key{client, callback}
	delete(s.cachedQueries, k)
	delete(s.cachedFingerprints, k)
	delete(s.hasSent, k)
}

// DropClient removes every cached query/fingerprint belonging to client.
func (s *State) DropClient(client string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.cachedQueries {
		if k.Client == client {
			delete(s.cachedQueries, k)
			delete(s.cachedFingerprints, k)
			delete(s.hasSent, k)
		}
	}
}

// ShouldSend reports whether a payload with the given fingerprint
// should actually be written to the wire for (client, callback), and
// records it as the new last-sent fingerprint when it should. A
// first-time send is never suppressed even if fp happens to equal the
// zero Fingerprint.
func (s *State) ShouldSend(client, callback string, fp serialize.Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := Key{client, callback}
	if s.hasSent[k] && s.cachedFingerprints[k] == fp {
		return false
	}
	s.cachedFingerprints[k] = fp
	s.hasSent[k] = true
	return true
}

// SetPassthrough records the upstream proxy backing client's subscription.
func (s *State) SetPassthrough(client string, proxy PassthroughProxy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passthrough[client] = proxy
}

// Passthrough returns the upstream proxy for client, if any.
func (s *State) Passthrough(client string) (PassthroughProxy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.passthrough[client]
	return p, ok
}

// AllPassthroughs returns every registered passthrough proxy, for close
// cleanup, and clears the map.
func (s *State) AllPassthroughs() []PassthroughProxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PassthroughProxy, 0, len(s.passthrough))
	for _, p := range s.passthrough {
		out = append(out, p)
	}
	s.passthrough = map[string]PassthroughProxy{}
	return out
}

// Clients returns every client id with a cached query, for close
// cleanup's lock acquisition.
func (s *State) Clients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]struct{}{}
	var out []string
	for k := range s.cachedQueries {
		if _, ok := seen[k.Client]; !ok {
			seen[k.Client] = struct{}{}
			out = append(out, k.Client)
		}
	}
	return out
}
