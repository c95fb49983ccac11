// Package channelbus implements the Channel Bus: a registry mapping
// channel names to the set of (socket, client-id, callback-id) interest
// triples subscribed to them, plus an in-process local-callback list
// for @locally_subscribes consumers.
package channelbus

import "sync"

// Socket identifies a WebSocket session. Any comparable value works;
// in practice callers pass a *wsession.Session pointer. The bus never
// dereferences it.
type Socket any

// Interest is one subscription's presence on a channel.
type Interest struct {
	Socket   Socket
	Client   string
	Callback string // "" represents the absent-callback case
}

// LocalCallback is an in-process subscriber registered via
// @locally_subscribes, invoked directly (no socket) on fan-out.
type LocalCallback func(trigger, originatingClient string)

// Bus is guarded by a single mutex; subscribe/unsubscribe and the
// fan-out enumeration a notification triggers must not overlap, so
// every exported method takes the same lock.
type Bus struct {
	mu sync.Mutex

	// forward: channel -> socket -> client -> callback -> struct{}
	forward map[string]map[Socket]map[string]map[string]struct{}
	// reverse: socket -> client -> callback -> channels currently held,
	// so UpdateSubscriptions can remove stale entries without a full scan.
	reverse map[Socket]map[string]map[string]map[string]struct{}

	local map[string][]LocalCallback
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{
		forward: map[string]map[Socket]map[string]map[string]struct{}{},
		reverse: map[Socket]map[string]map[string]map[string]struct{}{},
		local:   map[string][]LocalCallback{},
	}
}

// NormalizeChannels trims, discards blanks, and dedups channel names.
func NormalizeChannels(channels []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(channels))
	for _, c := range channels {
		c = trim(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func trim(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }

// UpdateSubscriptions removes (socket, client, callback) from every
// channel it currently holds an interest in, then adds it to each of
// channels. This guarantees the interest set always matches a
// function's most recently declared channel list, with no leaked
// stale entries when that list changes between invocations.
func (b *Bus) UpdateSubscriptions(socket Socket, client, callback string, channels []string) {
	channels = NormalizeChannels(channels)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(socket, client, callback)

	if len(channels) == 0 {
		return
	}
	held := b.reverseEntry(socket, client, callback)
	for _, ch := range channels {
		held[ch] = struct{}{}
		b.forwardEntry(ch, socket, client)[callback] = struct{}{}
	}
}

func (b *Bus) reverseEntry(socket Socket, client, callback string) map[string]struct{} {
	byClient, ok := b.reverse[socket]
	if !ok {
		byClient = map[string]map[string]map[string]struct{}{}
		b.reverse[socket] = byClient
	}
	byCallback, ok := byClient[client]
	if !ok {
		byCallback = map[string]map[string]struct{}{}
		byClient[client] = byCallback
	}
	held, ok := byCallback[callback]
	if !ok {
		held = map[string]struct{}{}
		byCallback[callback] = held
	}
	return held
}

func (b *Bus) forwardEntry(channel string, socket Socket, client string) map[string]struct{} {
	bySocket, ok := b.forward[channel]
	if !ok {
		bySocket = map[Socket]map[string]map[string]struct{}{}
		b.forward[channel] = bySocket
	}
	byClient, ok := bySocket[socket]
	if !ok {
		byClient = map[string]map[string]struct{}{}
		bySocket[socket] = byClient
	}
	callbacks, ok := byClient[client]
	if !ok {
		callbacks = map[string]struct{}{}
		byClient[client] = callbacks
	}
	return callbacks
}

// removeLocked drops (socket, client, callback) from every channel it
// is currently registered on. Caller must hold b.mu.
func (b *Bus) removeLocked(socket Socket, client, callback string) {
	byClient, ok := b.reverse[socket]
	if !ok {
		return
	}
	byCallback, ok := byClient[client]
	if !ok {
		return
	}
	held, ok := byCallback[callback]
	if !ok {
		return
	}
	for ch := range held {
		if bySocket, ok := b.forward[ch]; ok {
			if byC, ok := bySocket[socket]; ok {
				if cbs, ok := byC[client]; ok {
					delete(cbs, callback)
					if len(cbs) == 0 {
						delete(byC, client)
					}
				}
				if len(byC) == 0 {
					delete(bySocket, socket)
				}
			}
			if len(bySocket) == 0 {
				delete(b.forward, ch)
			}
		}
	}
	delete(byCallback, callback)
	if len(byCallback) == 0 {
		delete(byClient, client)
	}
	if len(byClient) == 0 {
		delete(b.reverse, socket)
	}
}

// RemoveClient drops every channel interest held by (socket, client),
// across all of that client's callbacks. Used by the "unsubscribe"
// internal action.
func (b *Bus) RemoveClient(socket Socket, client string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byClient, ok := b.reverse[socket]
	if !ok {
		return
	}
	byCallback, ok := byClient[client]
	if !ok {
		return
	}
	for callback := range byCallback {
		b.removeLocked(socket, client, callback)
	}
}

// RemoveSocket drops every channel entry referencing socket. Called
// first during session close cleanup, before local per-socket state is
// torn down, per the close-cleanup ordering in the WebSocket Session
// component.
func (b *Bus) RemoveSocket(socket Socket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byClient, ok := b.reverse[socket]
	if !ok {
		return
	}
	for client, byCallback := range byClient {
		for callback := range byCallback {
			b.removeLocked(socket, client, callback)
		}
	}
}

// Interested returns the deduplicated set of interest triples
// registered on any of channels.
func (b *Bus) Interested(channels []string) []Interest {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := map[Interest]struct{}{}
	var out []Interest
	for _, ch := range channels {
		for socket, byClient := range b.forward[ch] {
			for client, callbacks := range byClient {
				for callback := range callbacks {
					i := Interest{Socket: socket, Client: client, Callback: callback}
					if _, ok := seen[i]; !ok {
						seen[i] = struct{}{}
						out = append(out, i)
					}
				}
			}
		}
	}
	return out
}

// RegisterLocal adds fn as a local subscriber on each of channels.
func (b *Bus) RegisterLocal(channels []string, fn LocalCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range NormalizeChannels(channels) {
		b.local[ch] = append(b.local[ch], fn)
	}
}

// LocalSubscribers returns the callbacks registered on any of channels.
func (b *Bus) LocalSubscribers(channels []string) []LocalCallback {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []LocalCallback
	for _, ch := range channels {
		out = append(out, b.local[ch]...)
	}
	return out
}
