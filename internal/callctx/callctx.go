// Package callctx defines the per-invocation Context carried explicitly
// into every service method call, per the design note that rejects
// ambient thread-local state in favor of an explicit, passed-by-reference
// carrier.
package callctx

// Context is the per-call state handed to every registry.Method.Call
// invocation. It is scoped strictly per handling step: the Responder
// Pool installs a fresh Context at the start of each message and
// discards it on exit; the Notification Scheduler installs a fresh one
// at the start of each trigger invocation. Context values are never
// reused across steps.
type Context struct {
	// User is the authenticated principal for this connection, or ""
	// if unauthenticated (auth not required).
	User string
	// Client is the subscription's client id, or "" for a one-shot call.
	Client string
	// Callback is the RPC reply slot id, or "" if the message carried none.
	Callback string
	// WebSocket identifies the originating session for Trigger lookups
	// and passthrough wiring. It is an any to avoid an import cycle
	// with internal/wsession; callers type-assert to *wsession.Session.
	WebSocket any
	// Message is the raw inbound message this call is handling, nil
	// when invoked from the trigger path instead of the responder.
	Message map[string]any
	// ClientData is the sticky per-subscription scratch map. A
	// snapshot of it is captured into the CachedQuery at subscribe
	// time and reinstalled here before every re-invocation, so
	// subscribed methods can stash state that survives across
	// triggers for the same (client, callback).
	ClientData map[string]any
	// Trigger is the trigger label for a server-initiated push, empty
	// for a direct call.
	Trigger string
	// OriginatingClient is the client id whose call caused the current
	// notification fan-out, used by the scheduler to skip echoing a
	// notification back to its own originator.
	OriginatingClient string
}

// Snapshot returns a shallow copy of ctx.ClientData suitable for
// storing in a CachedQuery. A nil map snapshots to an empty, non-nil
// map so later writes during re-invocation don't panic.
func (c *Context) Snapshot() map[string]any {
	out := make(map[string]any, len(c.ClientData))
	for k, v := range c.ClientData {
		out[k] = v
	}
	return out
}

// WithClientData returns a copy of ctx with ClientData replaced by data.
// Used by the trigger path to reinstall a CachedQuery's snapshot before
// re-invoking the cached function.
func (c Context) WithClientData(data map[string]any) *Context {
	c.ClientData = data
	return &c
}
