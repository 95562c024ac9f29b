package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfarnham/remora/internal/errors"
	"github.com/kfarnham/remora/internal/logger"
	"golang.org/x/sys/unix"
)

// writeStub creates a fake ssh binary. The real client is exercised by the
// live suite (REMORA_TEST_SSH_HOST); these stubs execute the "remote"
// command locally, which preserves the process and pipe semantics the
// session depends on.
func writeStub(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ssh")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// stubSSH behaves like ssh for both master and per-command invocations: the
// last argument is the remote command, run through a local shell.
func stubSSH(t *testing.T) string {
	return writeStub(t, `for last; do :; done
case "$last" in
*"exec cat"*) /bin/sh -c "$last" ;;
*) exec /bin/sh -c "$last" ;;
esac`)
}

func newTestMux(t *testing.T, opts MuxOptions) *MuxSession {
	t.Helper()
	if opts.SSHBinary == "" {
		opts.SSHBinary = stubSSH(t)
	}
	if opts.SocketDir == "" {
		opts.SocketDir = t.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Noop()
	}
	m, err := NewMux("build01.test", opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMuxSetupReadsReadySentinel(t *testing.T) {
	m := newTestMux(t, MuxOptions{})
	assert.Equal(t, Ready, m.State())
}

func TestMuxSendBothStreams(t *testing.T) {
	m := newTestMux(t, MuxOptions{})

	res, err := m.Send("echo hi; echo err 1>&2")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitStatus)
}

func TestMuxExitStatus(t *testing.T) {
	m := newTestMux(t, MuxOptions{})

	status, err := m.Run("exit 5")
	require.NoError(t, err)
	assert.Equal(t, 5, status)

	// Session stays usable after a failing command.
	status, err = m.Run("true")
	require.NoError(t, err)
	assert.Equal(t, 0, status)
}

func TestMuxSignalDecode(t *testing.T) {
	m := newTestMux(t, MuxOptions{})

	res, err := m.Send("kill -TERM $$")
	require.NoError(t, err)
	assert.Equal(t, unix.SIGTERM, res.Signal)
	assert.Equal(t, 128+int(unix.SIGTERM), res.ExitStatus)
	assert.False(t, res.CoreDumped)
}

func TestMuxCommandTimeout(t *testing.T) {
	m := newTestMux(t, MuxOptions{CommandTimeout: 200 * time.Millisecond})

	start := time.Now()
	_, err := m.Send("echo started; sleep 10")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrTimeout), "got: %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, err.Error(), "stdout had data: true")
	assert.Contains(t, err.Error(), "stderr had data: false")

	// A command timeout kills only the per-command child; the session
	// remains reusable.
	assert.Equal(t, Ready, m.State())
	res, err := m.Send("echo still-alive")
	require.NoError(t, err)
	assert.Equal(t, "still-alive\n", res.Stdout)
}

func TestMuxOrdering(t *testing.T) {
	m := newTestMux(t, MuxOptions{})

	resA, err := m.Send("sleep 0.1; echo A")
	require.NoError(t, err)
	resB, err := m.Send("echo B")
	require.NoError(t, err)

	assert.Equal(t, "A\n", resA.Stdout)
	assert.Equal(t, "B\n", resB.Stdout)
}

func TestMuxCloseIdempotentAndRemovesSocket(t *testing.T) {
	m := newTestMux(t, MuxOptions{})

	// The stub never creates the socket; simulate the master having done
	// so to verify Close unlinks it.
	require.NoError(t, os.WriteFile(m.SocketPath(), nil, 0o600))

	require.NoError(t, m.Close())
	_, err := os.Stat(m.SocketPath())
	assert.True(t, os.IsNotExist(err))

	// Second close after the socket is already gone must not fail.
	require.NoError(t, m.Close())
	assert.Equal(t, Closed, m.State())
}

func TestMuxCloseWaitsForInflightSend(t *testing.T) {
	m := newTestMux(t, MuxOptions{})

	type sendResult struct {
		res *Result
		err error
	}
	done := make(chan sendResult, 1)
	go func() {
		res, err := m.Send("sleep 0.6; echo late")
		done <- sendResult{res, err}
	}()

	// Close while the command is mid-flight: it must serialize behind the
	// Send, not tear the session out from under it.
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, m.Close())

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, "late\n", got.res.Stdout)
	assert.Equal(t, Closed, m.State())

	_, err := m.Send("echo nope")
	require.Error(t, err)
}

func TestMuxSetupFailure(t *testing.T) {
	stub := writeStub(t, `echo "permission denied (publickey)" 1>&2
exit 255`)

	_, err := NewMux("build01.test", MuxOptions{
		SSHBinary: stub,
		SocketDir: t.TempDir(),
		Logger:    logger.Noop(),
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrSetup), "got: %v", err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestMuxSetupTimeout(t *testing.T) {
	// Master that authenticates forever and never prints the sentinel.
	stub := writeStub(t, `sleep 30`)

	start := time.Now()
	_, err := NewMux("build01.test", MuxOptions{
		SSHBinary:    stub,
		SocketDir:    t.TempDir(),
		SetupTimeout: 200 * time.Millisecond,
		Logger:       logger.Noop(),
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrSetup), "got: %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMuxControlDeathDetected(t *testing.T) {
	// Master that signals ready and then drops dead: the next dispatch
	// must notice the EOF, run the error handler, and fail the session.
	stub := writeStub(t, `case "$*" in
*"exec cat"*) echo remora-control-ready; exit 0 ;;
*) for last; do :; done; exec /bin/sh -c "$last" ;;
esac`)

	var handlerErr error
	m, err := NewMux("build01.test", MuxOptions{
		SSHBinary: stub,
		SocketDir: t.TempDir(),
		Logger:    logger.Noop(),
		OnDead:    func(e error) { handlerErr = e },
	})
	require.NoError(t, err)
	defer m.Close()

	// Give the master time to exit.
	time.Sleep(200 * time.Millisecond)

	_, err = m.Send("echo nope")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrSSH), "got: %v", err)
	assert.Error(t, handlerErr)
	assert.Equal(t, Failed, m.State())
}

func TestMuxControlDiagnosticsLogged(t *testing.T) {
	// Stray diagnostics on the control stderr must be drained and logged,
	// not lost.
	stub := writeStub(t, `case "$*" in
*"exec cat"*) echo remora-control-ready; sleep 0.1; echo "rekeying notice" 1>&2; cat >/dev/null ;;
*) for last; do :; done; /bin/sh -c "$last" ;;
esac`)

	buf := logger.NewBufferLogger()
	m, err := NewMux("build01.test", MuxOptions{
		SSHBinary: stub,
		SocketDir: t.TempDir(),
		Logger:    buf,
	})
	require.NoError(t, err)
	defer m.Close()

	time.Sleep(200 * time.Millisecond)

	_, err = m.Send("echo hi")
	require.NoError(t, err)
	assert.True(t, buf.Contains("rekeying notice"), "expected drained diagnostics, got %v", buf.Messages)
}

func TestControlSocketPath(t *testing.T) {
	path := controlSocketPath("/tmp", "builder@build01.example.com:2222")

	assert.LessOrEqual(t, len(path), maxSocketPath)
	assert.True(t, strings.HasPrefix(path, "/tmp/remora-"))
	assert.Contains(t, path, "build01")
	assert.NotContains(t, path, "@")
	assert.NotContains(t, path, ":")
}

func TestControlSocketPathLongDir(t *testing.T) {
	// A deep socket dir leaves no room for the descriptive name; the
	// user and host are dropped but the token, timestamp, and pid that
	// guarantee uniqueness must survive untruncated.
	dir := "/" + strings.Repeat("d", 57)
	path := controlSocketPath(dir, "builder@build01.example.com")

	assert.LessOrEqual(t, len(path), maxSocketPath)
	assert.True(t, strings.HasPrefix(path, dir+"/remora-"), "got: %s", path)
	assert.Regexp(t, `^remora-[0-9a-f]{8}-[0-9]+-[0-9]+$`, filepath.Base(path))
}

func TestControlSocketPathOversizedDirFallsBack(t *testing.T) {
	// A dir longer than the socket limit can never hold a socket; the
	// path falls back to the system temp directory.
	dir := "/" + strings.Repeat("d", maxSocketPath+10)
	path := controlSocketPath(dir, "build01")

	assert.LessOrEqual(t, len(path), maxSocketPath)
	assert.False(t, strings.HasPrefix(path, dir), "got: %s", path)
	assert.Regexp(t, `^remora-[0-9a-f]{8}-[0-9]+-[0-9]+$`, filepath.Base(path))
}

func TestControlSocketPathUnique(t *testing.T) {
	a := controlSocketPath("/tmp", "host")
	b := controlSocketPath("/tmp", "host")
	assert.NotEqual(t, a, b)
}

func TestShortHostID(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"build01", "build01"},
		{"user@build01.example.com", "build01"},
		{"averyverylonghostname", "averyver"},
		{"host:2222", "host"},
		{"", "host"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shortHostID(tt.host), "host %q", tt.host)
	}
}
