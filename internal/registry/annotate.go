package registry

import (
	"time"

	"github.com/sideboard/sideboard/internal/callctx"
)

// Notifier posts channels to the Notification Scheduler. Implemented
// by *broadcast.Scheduler; declared here as a narrow interface so
// registry does not need to import broadcast.
type Notifier interface {
	Notify(channels []string, trigger string, delay time.Duration, originatingClient string)
}

// Subscribes builds the Channels metadata for a method declared with
// @subscribes(channels...). It is the Go analogue of the annotation:
// since Go has no decorators, callers set Method.Channels directly
// using this helper for the normalization it performs.
func Subscribes(channels ...string) []string {
	return normalize(channels)
}

// Notifies wraps fn so that, on return (success or error), the trigger
// label and the declared channel list are posted to notifier. The post
// happens exactly once regardless of outcome, mirroring the source
// decorator's finally-equivalent placement.
func Notifies(notifier Notifier, trigger string, channels []string, delay time.Duration, fn func(ctx *callctx.Context, p Params) (any, error)) func(ctx *callctx.Context, p Params) (any, error) {
	channels = normalize(channels)
	return func(ctx *callctx.Context, p Params) (any, error) {
		result, err := fn(ctx, p)
		originating := ""
		if ctx != nil {
			originating = ctx.Client
		}
		notifier.Notify(channels, trigger, delay, originating)
		return result, err
	}
}

func normalize(channels []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(channels))
	for _, c := range channels {
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
