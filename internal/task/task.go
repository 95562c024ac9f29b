package task

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sys/unix"

	"github.com/kfarnham/remora/internal/errors"
	"github.com/kfarnham/remora/internal/logger"
)

// State is a task's position in its lifecycle. Terminal states are final:
// a task transitions to exactly one of them, exactly once, in the parent.
type State int

const (
	// StateInitialized means Start has not been called.
	StateInitialized State = iota
	// StatePending means the child is (or was) running and its outcome has
	// not been read yet.
	StatePending
	// StateOK means the work returned a value.
	StateOK
	// StateError means the work returned or raised an application error.
	StateError
	// StateFailure means the child could not be started or the handshake
	// channel itself failed; the work's real outcome is unknown.
	StateFailure
	// StateSignal means the task was terminated, cooperatively or
	// forcibly, before the work completed.
	StateSignal
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StatePending:
		return "pending"
	case StateOK:
		return "ok"
	case StateError:
		return "error"
	case StateFailure:
		return "failure"
	case StateSignal:
		return "signal"
	}
	return "unknown"
}

// Defaults for cooperative-kill escalation.
const (
	DefaultKillRetries  = 10
	DefaultKillInterval = 100 * time.Millisecond
)

// Option configures a Task.
type Option func(*Task)

// WithLogger sets the logger for parent-side diagnostics.
func WithLogger(l logger.Logger) Option {
	return func(t *Task) { t.log = l }
}

// WithKillRetries sets how many polls Kill makes after the cooperative
// signal before escalating to SIGKILL.
func WithKillRetries(n int) Option {
	return func(t *Task) { t.killRetries = n }
}

// WithKillInterval sets the fixed spacing between Kill's polls.
func WithKillInterval(d time.Duration) Option {
	return func(t *Task) { t.killInterval = d }
}

// Task is the parent-side handle for one unit of background work. The work
// itself executes only inside the worker child; every method except Start
// asserts it is called from the process that created the handle.
type Task struct {
	name string
	args any

	ownerPID     int
	log          logger.Logger
	killRetries  int
	killInterval time.Duration

	mu      sync.Mutex
	state   State
	dir     string
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error

	resolveOnce sync.Once
	value       cbor.RawMessage
	taskErr     error
}

// New creates a task in the initialized state. args must be serializable;
// the child receives them through the handshake directory. The owning
// process identity is captured here.
func New(name string, args any, opts ...Option) *Task {
	t := &Task{
		name:         name,
		args:         args,
		ownerPID:     os.Getpid(),
		log:          logger.NewEnvLogger("[task " + name + "]"),
		killRetries:  DefaultKillRetries,
		killInterval: DefaultKillInterval,
		state:        StateInitialized,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start re-executes the current binary as an isolated worker child and
// transitions the task to pending. It returns immediately; the outcome is
// collected with Result.
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateInitialized {
		return errors.New(errors.ErrTask,
			fmt.Sprintf("Task %q already started (state %s)", t.name, t.state),
			"A task runs once; create a new one to run again")
	}

	dir, err := os.MkdirTemp("", "remora-task-")
	if err != nil {
		t.state = StateFailure
		return errors.WrapWithCode(err, errors.ErrTask,
			fmt.Sprintf("Couldn't create handshake directory for task %q", t.name), "")
	}
	t.dir = dir

	if t.args != nil {
		raw, err := cbor.Marshal(t.args)
		if err != nil {
			t.state = StateFailure
			os.RemoveAll(dir)
			return errors.WrapWithCode(err, errors.ErrTask,
				fmt.Sprintf("Couldn't encode arguments for task %q", t.name),
				"Task arguments must be CBOR-serializable")
		}
		if err := os.WriteFile(filepath.Join(dir, argsFileName), raw, 0o600); err != nil {
			t.state = StateFailure
			os.RemoveAll(dir)
			return errors.WrapWithCode(err, errors.ErrTask,
				fmt.Sprintf("Couldn't write arguments for task %q", t.name), "")
		}
	}

	exe, err := os.Executable()
	if err != nil {
		t.state = StateFailure
		os.RemoveAll(dir)
		return errors.WrapWithCode(err, errors.ErrTask,
			"Couldn't locate the current executable for re-exec", "")
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(),
		envWorkerName+"="+t.name,
		envWorkerDir+"="+dir,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.state = StateFailure
		os.RemoveAll(dir)
		return errors.WrapWithCode(err, errors.ErrTask,
			fmt.Sprintf("Couldn't start worker child for task %q", t.name), "")
	}

	t.cmd = cmd
	t.state = StatePending
	t.done = make(chan struct{})
	go func() {
		t.waitErr = cmd.Wait()
		close(t.done)
	}()
	return nil
}

// Result blocks until the child has exited, decodes the handshake file, and
// either returns the work's value or re-raises its stored error. The
// transition to a terminal state happens exactly once; later calls return
// the same outcome.
func (t *Task) Result() (any, error) {
	t.assertOwner("Result")

	t.mu.Lock()
	if t.state == StateInitialized {
		t.mu.Unlock()
		return nil, errors.New(errors.ErrTask,
			fmt.Sprintf("Task %q was never started", t.name), "Call Start first")
	}
	done := t.done
	t.mu.Unlock()

	if done != nil {
		<-done
	}
	t.resolve()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.taskErr != nil {
		return nil, t.taskErr
	}
	if t.state == StateFailure {
		// Start already reported why; repeat it as the outcome.
		return nil, errors.New(errors.ErrTask,
			fmt.Sprintf("Task %q never ran; its worker child could not be started", t.name), "")
	}
	var v any
	if len(t.value) > 0 {
		if err := cbor.Unmarshal(t.value, &v); err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrTask,
				fmt.Sprintf("Couldn't decode the result of task %q", t.name), "")
		}
	}
	return v, nil
}

// Decode is the typed variant of Result: it decodes the work's value into
// out, which lets structured results round-trip without the generic
// map-and-slice shapes.
func (t *Task) Decode(out any) error {
	if _, err := t.Result(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.value) == 0 {
		return nil
	}
	return cbor.Unmarshal(t.value, out)
}

// resolve reads the handshake file and performs the single transition to a
// terminal state.
func (t *Task) resolve() {
	t.resolveOnce.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.state != StatePending {
			return
		}

		o, err := readOutcome(filepath.Join(t.dir, outcomeFileName))
		if err != nil || !o.Done {
			if sig, ok := t.childSignal(); ok {
				t.state = StateSignal
				t.taskErr = errors.New(errors.ErrTask,
					fmt.Sprintf("Task %q was terminated by %s before completing", t.name, sig),
					"")
				return
			}
			// Distinguish "my work failed" from "the channel failed":
			// a missing or sentinel-less handshake is a channel failure.
			t.state = StateFailure
			t.taskErr = errors.New(errors.ErrTask,
				fmt.Sprintf("Task %q produced no usable handshake (corrupt or missing)", t.name),
				"The worker child died before serializing its outcome; check its stderr")
			return
		}

		switch o.Kind {
		case kindOK:
			t.state = StateOK
			t.value = o.Value
		case kindCanceled:
			t.state = StateSignal
			t.taskErr = errors.New(errors.ErrTask,
				fmt.Sprintf("Task %q was canceled: %s", t.name, o.Err), "")
		default:
			t.state = StateError
			t.taskErr = errors.New(errors.ErrTask, o.Err, "")
		}

		// The handshake was read successfully; the parent owns cleanup.
		if err := os.RemoveAll(t.dir); err != nil {
			t.log.Warn("couldn't remove handshake directory %s: %v", t.dir, err)
		}
	})
}

// childSignal reports the signal that killed the worker child, if any.
func (t *Task) childSignal() (unix.Signal, bool) {
	if exitErr, ok := t.waitErr.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && unix.WaitStatus(ws).Signaled() {
			return unix.WaitStatus(ws).Signal(), true
		}
	}
	return 0, false
}

// Kill requests cooperative cancellation and escalates to SIGKILL if the
// child is still running after the configured number of fixed-interval
// polls. Passing a signal overrides the default SIGTERM for the cooperative
// phase.
func (t *Task) Kill(sig ...unix.Signal) error {
	t.assertOwner("Kill")

	t.mu.Lock()
	if t.state == StateInitialized {
		t.mu.Unlock()
		return errors.New(errors.ErrTask,
			fmt.Sprintf("Task %q was never started", t.name), "Call Start first")
	}
	cmd, done := t.cmd, t.done
	t.mu.Unlock()

	if cmd == nil || done == nil {
		return nil // the child never started; nothing to kill
	}

	select {
	case <-done:
		return nil // already exited
	default:
	}

	cooperative := unix.SIGTERM
	if len(sig) > 0 {
		cooperative = sig[0]
	}
	if err := cmd.Process.Signal(cooperative); err != nil {
		return nil // raced with exit
	}

	for i := 0; i < t.killRetries; i++ {
		select {
		case <-done:
			return nil
		case <-time.After(t.killInterval):
		}
	}

	t.log.Warn("task %q ignored %s; escalating to SIGKILL", t.name, cooperative)
	cmd.Process.Kill()
	<-done
	return nil
}

// IsRunning reports whether the worker child is still alive. It performs a
// single non-blocking poll and has no other side effects.
func (t *Task) IsRunning() bool {
	t.assertOwner("IsRunning")

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePending {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// IsNotStarted reports whether Start has been called.
func (t *Task) IsNotStarted() bool {
	t.assertOwner("IsNotStarted")

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateInitialized
}

// State returns the task's current state, resolving the terminal state if
// the child has already exited.
func (t *Task) State() State {
	t.assertOwner("State")

	t.mu.Lock()
	pending := t.state == StatePending
	done := t.done
	t.mu.Unlock()

	if pending && done != nil {
		select {
		case <-done:
			t.resolve()
		default:
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// assertOwner enforces that the handle is driven only by the process that
// created it. A handle inherited by another process generation is a
// non-owning view; letting it poll or kill would race pid reuse.
func (t *Task) assertOwner(op string) {
	if pid := os.Getpid(); pid != t.ownerPID {
		panic(fmt.Sprintf("task: %s on %q called from pid %d, but the handle is owned by pid %d",
			op, t.name, pid, t.ownerPID))
	}
}
