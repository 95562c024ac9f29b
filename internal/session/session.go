// Package session provides serialized remote command execution over
// long-lived channels.
//
// Two implementations are provided. DirectSession owns one persistent shell
// process and recovers each command's output with end-of-transmission
// markers. MuxSession keeps an OpenSSH control master warm and dispatches
// every command as its own short-lived ssh child sharing the master's
// authenticated connection.
//
// A Session serializes commands: at most one Send is in flight at a time,
// and a second Send must not be issued before the first has fully drained
// both streams. Sessions are not safe for concurrent use from multiple
// goroutines beyond that serialization.
package session

import "golang.org/x/sys/unix"

// State describes a Session's lifecycle.
type State int

const (
	// Connecting means setup has started but the remote side has not yet
	// signaled readiness.
	Connecting State = iota
	// Ready means the session can accept a Send.
	Ready
	// Busy means a command is in flight.
	Busy
	// Closed means Close has completed; the session cannot be reused.
	Closed
	// Failed means the session died (stream EOF, timeout on the shared
	// shell, lost control connection) and must be recreated by the caller.
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result is the discriminated outcome of one command invocation. Callers see
// either a well-formed Result or an error; there is no partial-success shape.
type Result struct {
	Stdout     string
	Stderr     string
	ExitStatus int

	// Signal and CoreDumped are populated by MuxSession when the remote
	// command died to a signal rather than exiting.
	Signal     unix.Signal
	CoreDumped bool
}

// Session is the capability external collaborators consume: serialized
// command execution plus teardown.
type Session interface {
	// Send runs one command and blocks until its output has fully drained.
	Send(command string) (*Result, error)

	// Run is the scalar-context convenience: it discards output and
	// returns only the exit status.
	Run(command string) (int, error)

	// Close terminates every owned process and removes every owned
	// filesystem object exactly once. Safe to call twice.
	Close() error
}
