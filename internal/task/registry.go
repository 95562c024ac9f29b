// Package task runs units of work in an isolated child process and delivers
// their outcome back to the initiating process through a handshake file.
//
// Go cannot serialize closures across a process boundary, so work units are
// registered by name at init time and the child process is the current
// executable re-executed in worker mode. Embedding programs must call
// RunWorkerIfChild early in main (and in TestMain for test binaries that
// start tasks).
package task

import (
	"context"
	"fmt"
	"sync"
)

// Func is a unit of work. It runs only inside the worker child. The context
// is canceled when a cooperative cancellation signal arrives; well-behaved
// work checks it at safe points. The returned value must be serializable.
type Func func(ctx context.Context, args Args) (any, error)

// Teardown always runs in the child after the work, whether it returned,
// errored, or was canceled. Its failures are logged, never allowed to mask
// the work's outcome.
type Teardown func()

type registration struct {
	fn       Func
	teardown Teardown
}

var (
	registryMu sync.Mutex
	registry   = map[string]registration{}
)

// Register binds a work function (and optional teardown) to a name. It must
// run before Start is called in the parent and before RunWorkerIfChild runs
// in the child, so call it from init or early in main. Registering the same
// name twice panics.
func Register(name string, fn Func, teardown Teardown) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if name == "" {
		panic("task: Register with empty name")
	}
	if fn == nil {
		panic(fmt.Sprintf("task: Register %q with nil func", name))
	}
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("task: Register called twice for %q", name))
	}
	registry[name] = registration{fn: fn, teardown: teardown}
}

func lookup(name string) (registration, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	r, ok := registry[name]
	return r, ok
}
