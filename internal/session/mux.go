package session

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kfarnham/remora/internal/errors"
	"github.com/kfarnham/remora/internal/framing"
	"github.com/kfarnham/remora/internal/logger"
)

// controlReadyLine is the sentinel the control connection prints once the
// authenticated channel is up.
const controlReadyLine = "remora-control-ready"

// Defaults for MuxSession timeouts. Setup is deliberately shorter than a
// command timeout: if authentication hasn't finished quickly it never will.
const (
	DefaultMuxSetupTimeout   = 15 * time.Second
	DefaultMuxCommandTimeout = 10 * time.Minute
)

// MuxOptions configures a MuxSession.
type MuxOptions struct {
	// SSHBinary overrides the ssh executable. Empty means "ssh" from PATH.
	SSHBinary string

	// ControlOptions are extra ssh arguments for the control connection
	// (e.g. -o ConnectTimeout=5, -i keyfile).
	ControlOptions []string

	// RunOptions are extra ssh arguments for each per-command child.
	RunOptions []string

	SetupTimeout   time.Duration
	CommandTimeout time.Duration

	// SocketDir is where the control socket lives. Empty means the
	// platform temp directory.
	SocketDir string

	Logger logger.Logger

	// OnDead is invoked when end-of-file is observed on the control
	// connection outside of Close, meaning the whole session has died.
	// It runs on the goroutine that was dispatching when the loss was
	// noticed; it must not call Close (Close serializes behind the
	// dispatch that is invoking it).
	OnDead func(error)
}

// MuxSession keeps one long-lived ssh control master warm so that each
// command, dispatched as its own short-lived ssh child, shares the master's
// authenticated connection instead of re-authenticating. The control
// process's file descriptors never carry command traffic; every command gets
// dedicated pipes, so end-of-file (not markers) delimits its output.
type MuxSession struct {
	host       string
	sshBin     string
	runOptions []string
	socketPath string

	control      *exec.Cmd
	controlStdin io.WriteCloser
	ctlOut       *pipe
	ctlErr       *pipe

	cmdTimeout time.Duration
	ownerPID   int
	log        logger.Logger
	onDead     func(error)

	// opMu serializes Send and Close: a Close issued while a command is
	// in flight waits for the command to drain rather than tearing the
	// control connection out from under it.
	opMu sync.Mutex

	mu    sync.Mutex
	state State
}

// NewMux starts the control connection to host and blocks until the ready
// sentinel line arrives or the setup timeout elapses.
func NewMux(host string, opts MuxOptions) (*MuxSession, error) {
	if opts.Logger == nil {
		opts.Logger = logger.NewEnvLogger("[mux " + host + "]")
	}
	if opts.SSHBinary == "" {
		opts.SSHBinary = "ssh"
	}
	if opts.SetupTimeout == 0 {
		opts.SetupTimeout = DefaultMuxSetupTimeout
	}
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = DefaultMuxCommandTimeout
	}
	if opts.SocketDir == "" {
		opts.SocketDir = os.TempDir()
	}

	m := &MuxSession{
		host:       host,
		sshBin:     opts.SSHBinary,
		runOptions: opts.RunOptions,
		socketPath: controlSocketPath(opts.SocketDir, host),
		cmdTimeout: opts.CommandTimeout,
		ownerPID:   os.Getpid(),
		log:        opts.Logger,
		onDead:     opts.OnDead,
		state:      Connecting,
	}

	args := []string{"-M", "-S", m.socketPath, "-T", "-o", "BatchMode=yes"}
	args = append(args, opts.ControlOptions...)
	// The remote side prints the sentinel and then blocks on stdin; the
	// master lives exactly as long as our write end of its stdin.
	args = append(args, host, fmt.Sprintf("echo %s && exec cat >/dev/null", controlReadyLine))

	m.control = exec.Command(m.sshBin, args...)

	stdin, err := m.control.StdinPipe()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSetup,
			"Couldn't create stdin pipe for the control connection", "")
	}
	m.controlStdin = stdin

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSetup,
			"Couldn't create stdout pipe for the control connection", "")
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, errors.WrapWithCode(err, errors.ErrSetup,
			"Couldn't create stderr pipe for the control connection", "")
	}
	m.control.Stdout = outW
	m.control.Stderr = errW

	if err := m.control.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, errors.WrapWithCode(err, errors.ErrSetup,
			fmt.Sprintf("Couldn't start %s for the control connection to %s", m.sshBin, host),
			"Check that OpenSSH is installed and on PATH")
	}
	outW.Close()
	errW.Close()

	if m.ctlOut, err = newPipe("control stdout", outR); err != nil {
		outR.Close()
		errR.Close()
		m.abandonControl()
		return nil, errors.WrapWithCode(err, errors.ErrSetup, "Couldn't set control stdout non-blocking", "")
	}
	if m.ctlErr, err = newPipe("control stderr", errR); err != nil {
		errR.Close()
		m.abandonControl()
		return nil, errors.WrapWithCode(err, errors.ErrSetup, "Couldn't set control stderr non-blocking", "")
	}

	if err := m.awaitReady(time.Now().Add(opts.SetupTimeout)); err != nil {
		m.abandonControl()
		return nil, err
	}

	m.state = Ready
	return m, nil
}

// awaitReady reads control stdout until the sentinel line arrives.
func (m *MuxSession) awaitReady(deadline time.Time) error {
	var seen, diag []byte
	sentinel := []byte(controlReadyLine + "\n")

	for {
		if idx := bytes.Index(seen, sentinel); idx >= 0 {
			if idx > 0 {
				m.log.Debug("control banner before the ready line: %q", truncateForLog(seen[:idx]))
			}
			if extra := seen[idx+len(sentinel):]; len(extra) > 0 {
				m.log.Warn("control connection to %s produced output past the ready line: %q",
					m.host, truncateForLog(extra))
			}
			return nil
		}
		if m.ctlOut.eof {
			return errors.New(errors.ErrSetup,
				fmt.Sprintf("Control connection to %s exited before signaling ready", m.host),
				fmt.Sprintf("ssh said: %s\nTry the connection by hand: %s %s true",
					truncateForLog(diag), m.sshBin, m.host))
		}

		if err := waitReadable([]*pipe{m.ctlOut, m.ctlErr}, deadline); err != nil {
			if err == errPollTimeout {
				return errors.New(errors.ErrSetup,
					fmt.Sprintf("Control connection to %s didn't become ready in time", m.host),
					fmt.Sprintf("ssh said: %s\nCheck authentication works non-interactively: %s -o BatchMode=yes %s true",
						truncateForLog(diag), m.sshBin, m.host))
			}
			return errors.WrapWithCode(err, errors.ErrSetup,
				fmt.Sprintf("Readiness wait failed for the control connection to %s", m.host), "")
		}

		data, err := m.ctlOut.drain()
		if err != nil {
			return errors.WrapWithCode(err, errors.ErrSetup,
				fmt.Sprintf("Read error on the control connection to %s", m.host), "")
		}
		seen = append(seen, data...)
		if data, _ := m.ctlErr.drain(); len(data) > 0 {
			diag = append(diag, data...)
		}
	}
}

// SocketPath returns the control-socket path owned by this session.
func (m *MuxSession) SocketPath() string {
	return m.socketPath
}

// State returns the session's lifecycle state.
func (m *MuxSession) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Send dispatches one command as a fresh ssh child sharing the control
// connection, reads both of its dedicated pipes to end-of-file, and decodes
// the child's raw wait status. A per-command deadline runs from dispatch; on
// expiry the child is killed and a timeout error reports which streams had
// produced data. The session itself stays reusable after a command timeout.
func (m *MuxSession) Send(command string) (*Result, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	switch m.state {
	case Busy:
		m.mu.Unlock()
		return nil, errors.New(errors.ErrExec,
			fmt.Sprintf("Command already in flight on session for %s", m.host),
			"Serialize Send calls; a session runs one command at a time")
	case Closed, Failed, Connecting:
		st := m.state
		m.mu.Unlock()
		return nil, errors.New(errors.ErrExec,
			fmt.Sprintf("Session for %s is %s", m.host, st),
			"Create a new session")
	}
	m.state = Busy
	m.mu.Unlock()

	res, err := m.dispatch(command)

	m.mu.Lock()
	if m.state == Busy {
		if err != nil && errors.IsCode(err, errors.ErrSSH) {
			m.state = Failed
		} else {
			m.state = Ready
		}
	}
	m.mu.Unlock()

	return res, err
}

// Run is the scalar-context Send: it returns only the exit status.
func (m *MuxSession) Run(command string) (int, error) {
	res, err := m.Send(command)
	if err != nil {
		return -1, err
	}
	return res.ExitStatus, nil
}

func (m *MuxSession) dispatch(command string) (*Result, error) {
	// Stray diagnostics from the master (rekeying notices, disconnect
	// warnings) must never be lost, and EOF here means the whole session
	// is gone.
	if err := m.drainControl("before dispatch"); err != nil {
		return nil, err
	}

	args := append([]string{"-S", m.socketPath, "-T"}, m.runOptions...)
	args = append(args, m.host, command)
	child := exec.Command(m.sshBin, args...)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrExec, "Couldn't create stdout pipe", "")
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, errors.WrapWithCode(err, errors.ErrExec, "Couldn't create stderr pipe", "")
	}
	child.Stdout = outW
	child.Stderr = errW

	if err := child.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, errors.WrapWithCode(err, errors.ErrExec,
			fmt.Sprintf("Couldn't start %s for command dispatch to %s", m.sshBin, m.host), "")
	}
	outW.Close()
	errW.Close()

	stdoutPipe, err := newPipe("stdout", outR)
	if err != nil {
		outR.Close()
		errR.Close()
		child.Process.Kill()
		child.Wait()
		return nil, errors.WrapWithCode(err, errors.ErrExec, "Couldn't set stdout non-blocking", "")
	}
	stderrPipe, err := newPipe("stderr", errR)
	if err != nil {
		errR.Close()
		stdoutPipe.close()
		child.Process.Kill()
		child.Wait()
		return nil, errors.WrapWithCode(err, errors.ErrExec, "Couldn't set stderr non-blocking", "")
	}
	defer stdoutPipe.close()
	defer stderrPipe.close()

	stdout := framing.NewEOFAccumulator("stdout")
	stderr := framing.NewEOFAccumulator("stderr")
	deadline := time.Now().Add(m.cmdTimeout)
	pipes := []*pipe{stdoutPipe, stderrPipe}
	accs := map[*pipe]*framing.Accumulator{stdoutPipe: stdout, stderrPipe: stderr}

	for !stdoutPipe.eof || !stderrPipe.eof {
		if err := waitReadable(pipes, deadline); err != nil {
			if err == errPollTimeout {
				child.Process.Kill()
				child.Wait()
				return nil, errors.New(errors.ErrTimeout,
					fmt.Sprintf("Command %q on %s exceeded %s (stdout had data: %t, stderr had data: %t)",
						command, m.host, m.cmdTimeout, stdout.HasOutput(), stderr.HasOutput()),
					"The child was killed; the session remains usable. Raise the command timeout if the command is legitimately slow")
			}
			child.Process.Kill()
			child.Wait()
			return nil, errors.WrapWithCode(err, errors.ErrExec,
				fmt.Sprintf("Readiness wait failed for command on %s", m.host), "")
		}

		for _, p := range pipes {
			data, err := p.drain()
			if err != nil {
				child.Process.Kill()
				child.Wait()
				return nil, errors.WrapWithCode(err, errors.ErrExec,
					fmt.Sprintf("Read error on %s of command on %s", p.name, m.host), "")
			}
			accs[p].Feed(data)
			if p.eof {
				accs[p].CloseEOF()
			}
		}
	}

	res := &Result{Stdout: stdout.Output(), Stderr: stderr.Output()}
	if err := m.decodeWait(child, res); err != nil {
		return nil, err
	}

	if err := m.drainControl("after completion"); err != nil {
		return nil, err
	}
	return res, nil
}

// decodeWait reaps the per-command child and decodes its raw wait status
// into (exit byte, signal, core-dumped flag).
func (m *MuxSession) decodeWait(child *exec.Cmd, res *Result) error {
	err := child.Wait()
	if err == nil {
		return nil
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return errors.WrapWithCode(err, errors.ErrExec,
			fmt.Sprintf("Couldn't reap command child for %s", m.host), "")
	}
	raw, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		res.ExitStatus = exitErr.ExitCode()
		return nil
	}

	ws := unix.WaitStatus(raw)
	switch {
	case ws.Exited():
		res.ExitStatus = ws.ExitStatus()
	case ws.Signaled():
		res.Signal = ws.Signal()
		res.CoreDumped = ws.CoreDump()
		res.ExitStatus = 128 + int(ws.Signal())
	}
	return nil
}

// drainControl logs anything buffered on the control connection's streams.
// Unexpected EOF means the master is gone: the session is marked dead and
// the configured error handler runs.
func (m *MuxSession) drainControl(when string) error {
	for _, p := range []*pipe{m.ctlOut, m.ctlErr} {
		if data, _ := p.drain(); len(data) > 0 {
			m.log.Info("%s %s: %q", p.name, when, truncateForLog(data))
		}
	}
	if m.ctlOut.eof || m.ctlErr.eof {
		err := errors.New(errors.ErrSSH,
			fmt.Sprintf("Control connection to %s closed unexpectedly", m.host),
			"The master process died; create a new session")
		if m.onDead != nil {
			m.onDead(err)
		}
		return err
	}
	return nil
}

// Close half-closes the control connection's stdin so the remote side exits,
// waits for the master process, and removes the control socket. A Close
// issued during an in-flight Send waits for the command to complete first.
// Idempotent; only the creating process touches the underlying resources.
func (m *MuxSession) Close() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Closed {
		return nil
	}
	if os.Getpid() != m.ownerPID {
		m.log.Debug("close from pid %d ignored; session owned by pid %d", os.Getpid(), m.ownerPID)
		m.state = Closed
		return nil
	}
	m.state = Closed

	if m.controlStdin != nil {
		m.controlStdin.Close()
	}

	done := make(chan struct{})
	go func() {
		m.control.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.log.Warn("control connection to %s ignored stdin close; killing pid %d",
			m.host, m.control.Process.Pid)
		m.control.Process.Kill()
		<-done
	}

	m.ctlOut.close()
	m.ctlErr.close()

	if err := os.Remove(m.socketPath); err != nil && !os.IsNotExist(err) {
		m.log.Warn("couldn't remove control socket %s: %v", m.socketPath, err)
	}
	return nil
}

// abandonControl tears down a half-constructed control connection.
func (m *MuxSession) abandonControl() {
	if m.controlStdin != nil {
		m.controlStdin.Close()
	}
	if m.control.Process != nil {
		m.control.Process.Kill()
		m.control.Wait()
	}
	if m.ctlOut != nil {
		m.ctlOut.close()
	}
	if m.ctlErr != nil {
		m.ctlErr.close()
	}
	os.Remove(m.socketPath)
	m.state = Failed
}
