// Package entrypoint is the Go analogue of the original project's "sep"
// (Sideboard Entry Point) script: any plugin package can register a
// named function at init time, and `sideboardd run <name> [args...]`
// dispatches to it with the remaining command-line arguments.
package entrypoint

import (
	"fmt"
	"sort"
	"sync"
)

// Func is a registered entry point. args excludes the entry point name
// itself, matching sep's argv[0]-stripping convention.
type Func func(args []string) error

var (
	mu     sync.Mutex
	points = map[string]Func{}
)

// Register adds fn under name. It panics if name is already registered,
// matching the original's assertion that entry point names are unique —
// a collision is a startup-time programming error, not a runtime one.
func Register(name string, fn Func) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := points[name]; exists {
		panic(fmt.Sprintf("entrypoint: %q already registered", name))
	}
	points[name] = fn
}

// Run invokes the entry point registered under name with args.
func Run(name string, args []string) error {
	mu.Lock()
	fn, ok := points[name]
	mu.Unlock()
	if !ok {
		return fmt.Errorf("entrypoint: no entry point named %q", name)
	}
	return fn(args)
}

// Names returns every registered entry point name, sorted.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(points))
	for name := range points {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
