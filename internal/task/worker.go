package task

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sys/unix"

	"github.com/kfarnham/remora/internal/logger"
)

const (
	envWorkerName = "REMORA_TASK_WORKER"
	envWorkerDir  = "REMORA_TASK_DIR"

	argsFileName    = "args.cbor"
	outcomeFileName = "outcome.cbor"
)

// RunWorkerIfChild executes the registered work function and exits when the
// process was spawned as a task worker; it returns immediately otherwise.
// Call it early in main, before any other side effects, and from TestMain in
// test binaries that start tasks.
func RunWorkerIfChild() {
	name := os.Getenv(envWorkerName)
	if name == "" {
		return
	}
	os.Exit(runWorker(name, os.Getenv(envWorkerDir), logger.Default()))
}

// runWorker is the child process body. It always writes the handshake file
// (unless the channel itself is broken) and always runs the teardown hook,
// whatever the work did. Exit status 0 covers success and expected
// application errors; 1 means the channel or the worker plumbing failed.
func runWorker(name, dir string, log logger.Logger) int {
	outcomePath := filepath.Join(dir, outcomeFileName)

	reg, ok := lookup(name)
	if !ok {
		// Nothing to tear down: the work never existed.
		writeOutcome(outcomePath, outcome{
			Kind: kindError,
			Err:  fmt.Sprintf("no task registered as %q in this binary", name),
		})
		return 1
	}

	var args Args
	raw, err := os.ReadFile(filepath.Join(dir, argsFileName))
	if err == nil {
		args.raw = raw
	} else if !os.IsNotExist(err) {
		writeOutcome(outcomePath, outcome{
			Kind: kindError,
			Err:  fmt.Sprintf("reading task arguments: %v", err),
		})
		return 1
	}

	// Cooperative cancellation: SIGTERM cancels the context so the work
	// can stop at its next safe point. Once teardown has begun the signal
	// is ignored; teardown must finish so resources are released.
	ctx, cancel := context.WithCancel(context.Background())
	var inTeardown atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGTERM)
	go func() {
		for range sigCh {
			if !inTeardown.Load() {
				cancel()
			}
		}
	}()

	o := runWork(ctx, reg.fn, args, log)

	inTeardown.Store(true)
	if reg.teardown != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					// Teardown failures never mask the work's outcome.
					log.Error("task %q teardown panicked: %v", name, r)
				}
			}()
			reg.teardown()
		}()
	}
	signal.Stop(sigCh)
	cancel()

	if err := writeOutcome(outcomePath, o); err != nil {
		log.Error("task %q couldn't write its handshake file: %v", name, err)
		return 1
	}
	return 0
}

// runWork executes the work function, converting panics into errors and a
// canceled context into the canceled outcome kind.
func runWork(ctx context.Context, fn Func, args Args, log logger.Logger) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = outcome{Kind: kindError, Err: fmt.Sprintf("panic: %v", r)}
		}
	}()

	value, err := fn(ctx, args)
	switch {
	case err != nil && ctx.Err() != nil:
		return outcome{Kind: kindCanceled, Err: err.Error()}
	case err != nil:
		return outcome{Kind: kindError, Err: err.Error()}
	}

	raw, encErr := cbor.Marshal(value)
	if encErr != nil {
		return outcome{Kind: kindError, Err: fmt.Sprintf("encoding task result: %v", encErr)}
	}
	return outcome{Kind: kindOK, Value: raw}
}
