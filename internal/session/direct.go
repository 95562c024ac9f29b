package session

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kfarnham/remora/internal/errors"
	"github.com/kfarnham/remora/internal/framing"
	"github.com/kfarnham/remora/internal/logger"
	"github.com/kfarnham/remora/internal/util"
)

// DefaultSetupTimeout bounds how long NewDirect waits for the aliveness
// probe to round-trip.
const DefaultSetupTimeout = 30 * time.Second

// DirectOptions configures a DirectSession.
type DirectOptions struct {
	// SetupTimeout bounds session construction. Zero means
	// DefaultSetupTimeout.
	SetupTimeout time.Duration

	// SendTimeout is an optional per-command deadline. The shared shell
	// cannot be recovered mid-command, so expiry is fatal to the session.
	// Zero means no deadline.
	SendTimeout time.Duration

	Logger logger.Logger
}

// DirectSession owns one long-lived child process running an interactive
// shell. Each command is written to the shell's stdin followed by two echo
// statements that print a fresh end-of-transmission marker, one per output
// stream, and the output belonging to the command is recovered by reading
// both streams until each has seen its own marker.
type DirectSession struct {
	host  string
	shell string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *pipe
	stderr *pipe

	// shellPID is the process id reported by the shell itself ($$), which
	// for a local invocation is the child and for `ssh host bash` is the
	// remote shell. Exposed via ShellPID for diagnostics; teardown never
	// signals it, because a remote pid cannot be signaled from here and
	// closing stdin ends local and remote shells alike. Only the local
	// child (cmd.Process) is signaled if it lingers past stdin close.
	shellPID int

	ownerPID    int
	sendTimeout time.Duration
	log         logger.Logger

	// opMu serializes Send and Close: a Close issued while a command is
	// in flight waits for the command to drain instead of closing the
	// shell's pipes under it.
	opMu sync.Mutex

	mu    sync.Mutex
	state State
}

// NewDirect spawns the given shell invocation with all three standard
// streams captured and blocks until an aliveness probe has round-tripped
// through the full marker protocol. The invocation is split on whitespace
// with shell-style quoting; callers that already hold an argv should use
// NewDirectArgv, which preserves arguments containing spaces verbatim.
func NewDirect(shellCommand, hostLabel string, opts DirectOptions) (*DirectSession, error) {
	argv, err := util.SplitArgs(shellCommand)
	if err != nil || len(argv) == 0 {
		return nil, errors.WrapWithCode(err, errors.ErrSetup,
			fmt.Sprintf("Bad shell invocation %q", shellCommand),
			"Provide a shell command like 'bash --noprofile --norc' or 'ssh -T host bash'")
	}
	return NewDirectArgv(argv, hostLabel, opts)
}

// NewDirectArgv is NewDirect for callers that construct the shell argv
// themselves, so no argument is ever re-split.
func NewDirectArgv(argv []string, hostLabel string, opts DirectOptions) (*DirectSession, error) {
	if len(argv) == 0 {
		return nil, errors.New(errors.ErrSetup,
			"Empty shell invocation",
			"Provide a shell command like 'bash --noprofile --norc' or 'ssh -T host bash'")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewEnvLogger("[session " + hostLabel + "]")
	}
	setupTimeout := opts.SetupTimeout
	if setupTimeout == 0 {
		setupTimeout = DefaultSetupTimeout
	}
	shellCommand := strings.Join(argv, " ")

	cmd := exec.Command(argv[0], argv[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSetup,
			"Couldn't create stdin pipe for the shell", "")
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSetup,
			"Couldn't create stdout pipe for the shell", "")
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, errors.WrapWithCode(err, errors.ErrSetup,
			"Couldn't create stderr pipe for the shell", "")
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, errors.WrapWithCode(err, errors.ErrSetup,
			fmt.Sprintf("Couldn't start shell '%s' for %s", shellCommand, hostLabel),
			"Check the shell binary exists and is executable")
	}
	// The child holds the write ends now; keeping them open in the parent
	// would suppress EOF when the shell exits.
	outW.Close()
	errW.Close()

	s := &DirectSession{
		host:        hostLabel,
		shell:       shellCommand,
		cmd:         cmd,
		stdin:       stdin,
		ownerPID:    os.Getpid(),
		sendTimeout: opts.SendTimeout,
		log:         opts.Logger,
		state:       Connecting,
	}

	if s.stdout, err = newPipe("stdout", outR); err != nil {
		outR.Close()
		errR.Close()
		s.abandon()
		return nil, errors.WrapWithCode(err, errors.ErrSetup, "Couldn't set stdout non-blocking", "")
	}
	if s.stderr, err = newPipe("stderr", errR); err != nil {
		errR.Close()
		s.abandon()
		return nil, errors.WrapWithCode(err, errors.ErrSetup, "Couldn't set stderr non-blocking", "")
	}

	// Aliveness probe: a no-op that also reports the shell's own pid.
	// Until this round-trips through the marker protocol the remote side
	// is not provably alive.
	res, err := s.dispatch("echo $$", time.Now().Add(setupTimeout))
	if err != nil {
		s.abandon()
		return nil, errors.WrapWithCode(err, errors.ErrSetup,
			fmt.Sprintf("Shell '%s' for %s never became ready", shellCommand, hostLabel),
			"Check the shell starts cleanly: run the invocation by hand")
	}
	pid, convErr := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if convErr != nil || res.ExitStatus != 0 {
		s.abandon()
		return nil, errors.New(errors.ErrSetup,
			fmt.Sprintf("Aliveness probe for %s returned garbage: %q (status %d)", hostLabel, res.Stdout, res.ExitStatus),
			"The shell may be printing banners; use --noprofile --norc or equivalent")
	}
	s.shellPID = pid
	s.state = Ready

	return s, nil
}

// ShellPID returns the process id the shell reported for itself during setup.
func (s *DirectSession) ShellPID() int {
	return s.shellPID
}

// State returns the session's lifecycle state.
func (s *DirectSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send runs one command and returns its stdout, stderr, and exit status.
// Send is not reentrant: a second call before the first returns is an error.
func (s *DirectSession) Send(command string) (*Result, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case Busy:
		s.mu.Unlock()
		return nil, errors.New(errors.ErrExec,
			fmt.Sprintf("Command already in flight on session for %s", s.host),
			"Serialize Send calls; a session runs one command at a time")
	case Closed, Failed:
		st := s.state
		s.mu.Unlock()
		return nil, errors.New(errors.ErrExec,
			fmt.Sprintf("Session for %s is %s", s.host, st),
			"Create a new session")
	}
	s.state = Busy
	s.mu.Unlock()

	var deadline time.Time
	if s.sendTimeout > 0 {
		deadline = time.Now().Add(s.sendTimeout)
	}

	res, err := s.dispatch(command, deadline)

	s.mu.Lock()
	if s.state == Busy {
		if err != nil {
			// Stream EOF and deadline expiry on the shared shell are
			// fatal: the session's framing state is unrecoverable.
			s.state = Failed
		} else {
			s.state = Ready
		}
	}
	s.mu.Unlock()

	return res, err
}

// Run is the scalar-context Send: it returns only the exit status.
func (s *DirectSession) Run(command string) (int, error) {
	res, err := s.Send(command)
	if err != nil {
		return -1, err
	}
	return res.ExitStatus, nil
}

// dispatch writes the command plus marker echoes and multiplex-reads both
// streams until each has matched its own marker.
func (s *DirectSession) dispatch(command string, deadline time.Time) (*Result, error) {
	s.flushStale()

	marker := framing.NewMarker()
	stdout := framing.NewMarkerAccumulator("stdout", marker, true)
	stderr := framing.NewMarkerAccumulator("stderr", marker, false)

	wire := fmt.Sprintf("%s\necho %s errno=$?\necho %s 1>&2\n", command, marker.Token, marker.Token)
	if _, err := io.WriteString(s.stdin, wire); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrStream,
			fmt.Sprintf("Shell stdin for %s closed while sending a command", s.host),
			"The shell has exited; create a new session")
	}

	pipes := []*pipe{s.stdout, s.stderr}
	accs := map[*pipe]*framing.Accumulator{s.stdout: stdout, s.stderr: stderr}

	for stdout.Open() || stderr.Open() {
		// Only streams still waiting on their marker participate in the
		// readiness wait; a closed stream's stragglers are caught by the
		// next flushStale pass.
		var waiting []*pipe
		for _, p := range pipes {
			if accs[p].Open() {
				waiting = append(waiting, p)
			}
		}

		if err := waitReadable(waiting, deadline); err != nil {
			if err == errPollTimeout {
				return nil, s.timeoutError(command, stdout, stderr)
			}
			return nil, errors.WrapWithCode(err, errors.ErrStream,
				fmt.Sprintf("Readiness wait failed on session for %s", s.host), "")
		}

		for _, p := range waiting {
			acc := accs[p]
			data, err := p.drain()
			if err != nil {
				return nil, errors.WrapWithCode(err, errors.ErrStream,
					fmt.Sprintf("Read error on %s of session for %s", p.name, s.host), "")
			}
			acc.Feed(data)
			if p.eof && acc.Open() {
				return nil, s.eofError(command, p.name, stdout, stderr)
			}
		}
	}

	s.logAnomalies(command, stdout, stderr)

	return &Result{
		Stdout:     stdout.Output(),
		Stderr:     stderr.Output(),
		ExitStatus: stdout.ExitStatus(),
	}, nil
}

// flushStale discards bytes already buffered on either stream so leftover
// output from a previous, abandoned read cannot be misattributed.
func (s *DirectSession) flushStale() {
	for _, p := range []*pipe{s.stdout, s.stderr} {
		if data, _ := p.drain(); len(data) > 0 {
			s.log.Warn("discarding %d stale bytes on %s before dispatch: %q",
				len(data), p.name, truncateForLog(data))
		}
	}
}

func (s *DirectSession) logAnomalies(command string, accs ...*framing.Accumulator) {
	for _, acc := range accs {
		if a := acc.Anomaly(); len(a) > 0 {
			// A leaked background writer on the remote side produced
			// bytes after the end marker. Log, never drop silently.
			s.log.Warn("%d bytes past the end marker on %s after %q: %q",
				len(a), acc.Name, command, truncateForLog(a))
		}
	}
}

func (s *DirectSession) timeoutError(command string, stdout, stderr *framing.Accumulator) error {
	return errors.New(errors.ErrTimeout,
		fmt.Sprintf("Command %q on %s exceeded its deadline; the shared shell is unrecoverable", command, s.host),
		fmt.Sprintf("Partial stdout: %q\nPartial stderr: %q\nCreate a new session",
			truncateForLog([]byte(stdout.Output())), truncateForLog([]byte(stderr.Output()))))
}

func (s *DirectSession) eofError(command, stream string, stdout, stderr *framing.Accumulator) error {
	return errors.New(errors.ErrStream,
		fmt.Sprintf("%s of %s closed before its end marker while running %q", stream, s.host, command),
		fmt.Sprintf("The shell died mid-command. Partial stdout: %q\nPartial stderr: %q",
			truncateForLog([]byte(stdout.Output())), truncateForLog([]byte(stderr.Output()))))
}

// Close terminates the shell process. A Close issued during an in-flight
// Send waits for the command to complete first. Idempotent; a second call
// after a failure is tolerated. If the session handle was inherited across a fork,
// only the creating process may release the underlying resources; any other
// process detaches without touching them, so a reused pid is never killed
// and descriptors are never double-closed.
func (s *DirectSession) Close() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return nil
	}
	if os.Getpid() != s.ownerPID {
		s.log.Debug("close from pid %d ignored; session owned by pid %d", os.Getpid(), s.ownerPID)
		s.state = Closed
		return nil
	}
	s.state = Closed

	if s.stdin != nil {
		s.stdin.Close()
	}
	s.reap()
	s.stdout.close()
	s.stderr.close()
	return nil
}

// reap terminates the shell, escalating if it ignores SIGTERM.
func (s *DirectSession) reap() {
	if s.cmd.Process == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		s.cmd.Wait()
		close(done)
	}()

	s.cmd.Process.Signal(unix.SIGTERM)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("shell for %s ignored SIGTERM; killing pid %d", s.host, s.cmd.Process.Pid)
		s.cmd.Process.Kill()
		<-done
	}
}

// abandon tears down a half-constructed session on a setup error path.
func (s *DirectSession) abandon() {
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
	}
	if s.stdout != nil {
		s.stdout.close()
	}
	if s.stderr != nil {
		s.stderr.close()
	}
	s.state = Failed
}

const logTruncateAt = 256

func truncateForLog(b []byte) string {
	if len(b) <= logTruncateAt {
		return string(b)
	}
	return string(b[:logTruncateAt]) + "..."
}
