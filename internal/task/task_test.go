package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfarnham/remora/internal/errors"
	"github.com/kfarnham/remora/internal/logger"
)

// record is a structured result used to verify round-tripping.
type record struct {
	Key   string `cbor:"key"`
	Value string `cbor:"value"`
}

// teardownPath is set by the marker task's work (in the child) so its
// teardown knows where to leave evidence that it ran.
var teardownPath string

func registerTestTasks() {
	Register("records", func(ctx context.Context, args Args) (any, error) {
		return []record{
			{Key: "distro", Value: "fedora"},
			{Key: "kernel", Value: "6.12"},
		}, nil
	}, nil)

	Register("echo-args", func(ctx context.Context, args Args) (any, error) {
		var in map[string]int
		if err := args.Decode(&in); err != nil {
			return nil, err
		}
		return in, nil
	}, nil)

	Register("fail", func(ctx context.Context, args Args) (any, error) {
		return nil, fmt.Errorf("kaboom: device busy")
	}, nil)

	Register("panic", func(ctx context.Context, args Args) (any, error) {
		panic("cable unplugged")
	}, nil)

	Register("cooperative", func(ctx context.Context, args Args) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(30 * time.Second):
			return "never", nil
		}
	}, nil)

	Register("stubborn", func(ctx context.Context, args Args) (any, error) {
		// Ignores the cancellation context entirely.
		time.Sleep(30 * time.Second)
		return "never", nil
	}, nil)

	Register("with-teardown", func(ctx context.Context, args Args) (any, error) {
		var path string
		if err := args.Decode(&path); err != nil {
			return nil, err
		}
		teardownPath = path
		return nil, fmt.Errorf("work failed on purpose")
	}, func() {
		os.WriteFile(teardownPath, []byte("torn down"), 0o600)
	})

	Register("teardown-panics", func(ctx context.Context, args Args) (any, error) {
		return "primary outcome", nil
	}, func() {
		panic("teardown exploded")
	})
}

func TestMain(m *testing.M) {
	registerTestTasks()
	RunWorkerIfChild()
	os.Exit(m.Run())
}

func TestResultRoundTripsStructuredValue(t *testing.T) {
	tk := New("records", nil, WithLogger(logger.Noop()))
	require.True(t, tk.IsNotStarted())

	require.NoError(t, tk.Start())
	require.False(t, tk.IsNotStarted())

	var out []record
	require.NoError(t, tk.Decode(&out))
	assert.Equal(t, []record{
		{Key: "distro", Value: "fedora"},
		{Key: "kernel", Value: "6.12"},
	}, out)
	assert.Equal(t, StateOK, tk.State())
}

func TestArgumentsReachTheChild(t *testing.T) {
	tk := New("echo-args", map[string]int{"retries": 3, "port": 22}, WithLogger(logger.Noop()))
	require.NoError(t, tk.Start())

	var out map[string]int
	require.NoError(t, tk.Decode(&out))
	assert.Equal(t, map[string]int{"retries": 3, "port": 22}, out)
}

func TestWorkErrorRaisedWithOriginalMessage(t *testing.T) {
	tk := New("fail", nil, WithLogger(logger.Noop()))
	require.NoError(t, tk.Start())

	_, err := tk.Result()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrTask))
	assert.Contains(t, err.Error(), "kaboom: device busy")
	assert.Equal(t, StateError, tk.State())

	// Terminal states are final; a second Result returns the same outcome.
	_, err2 := tk.Result()
	assert.Equal(t, err.Error(), err2.Error())
}

func TestPanicBecomesError(t *testing.T) {
	tk := New("panic", nil, WithLogger(logger.Noop()))
	require.NoError(t, tk.Start())

	_, err := tk.Result()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cable unplugged")
	assert.Equal(t, StateError, tk.State())
}

func TestCooperativeKill(t *testing.T) {
	tk := New("cooperative", nil, WithLogger(logger.Noop()))
	require.NoError(t, tk.Start())
	require.True(t, tk.IsRunning())

	// Let the child install its signal handler before signaling.
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, tk.Kill())

	_, err := tk.Result()
	require.Error(t, err)
	assert.Equal(t, StateSignal, tk.State())
	assert.False(t, tk.IsRunning())
}

func TestStubbornTaskEscalatesToSIGKILL(t *testing.T) {
	tk := New("stubborn", nil,
		WithLogger(logger.Noop()),
		WithKillRetries(3),
		WithKillInterval(50*time.Millisecond))
	require.NoError(t, tk.Start())

	time.Sleep(300 * time.Millisecond)
	start := time.Now()
	require.NoError(t, tk.Kill())
	assert.Less(t, time.Since(start), 10*time.Second)

	_, err := tk.Result()
	require.Error(t, err)
	assert.Equal(t, StateSignal, tk.State())
}

func TestTeardownAlwaysRuns(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "teardown-ran")
	tk := New("with-teardown", marker, WithLogger(logger.Noop()))
	require.NoError(t, tk.Start())

	_, err := tk.Result()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "work failed on purpose")

	data, readErr := os.ReadFile(marker)
	require.NoError(t, readErr, "teardown should have written the marker file")
	assert.Equal(t, "torn down", string(data))
}

func TestTeardownFailureNeverMasksOutcome(t *testing.T) {
	tk := New("teardown-panics", nil, WithLogger(logger.Noop()))
	require.NoError(t, tk.Start())

	v, err := tk.Result()
	require.NoError(t, err)
	assert.Equal(t, "primary outcome", v)
	assert.Equal(t, StateOK, tk.State())
}

func TestUnregisteredTask(t *testing.T) {
	tk := New("no-such-task", nil, WithLogger(logger.Noop()))
	require.NoError(t, tk.Start())

	_, err := tk.Result()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no task registered")
	assert.Equal(t, StateError, tk.State())
}

func TestResultBeforeStart(t *testing.T) {
	tk := New("records", nil, WithLogger(logger.Noop()))

	_, err := tk.Result()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrTask))
}

func TestKillBeforeStart(t *testing.T) {
	tk := New("records", nil, WithLogger(logger.Noop()))
	require.Error(t, tk.Kill())
}

func TestStartTwice(t *testing.T) {
	tk := New("records", nil, WithLogger(logger.Noop()))
	require.NoError(t, tk.Start())
	require.Error(t, tk.Start())
	tk.Result()
}

func TestHandshakeDirRemovedAfterRead(t *testing.T) {
	tk := New("records", nil, WithLogger(logger.Noop()))
	require.NoError(t, tk.Start())
	dir := tk.dir

	_, err := tk.Result()
	require.NoError(t, err)

	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr), "handshake dir should be removed after a successful read")
}

func TestOwnerAssertion(t *testing.T) {
	tk := New("records", nil, WithLogger(logger.Noop()))
	tk.ownerPID = os.Getpid() + 1

	assert.Panics(t, func() { tk.IsRunning() })
	assert.Panics(t, func() { _, _ = tk.Result() })
	assert.Panics(t, func() { tk.Kill() })
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "initialized", StateInitialized.String())
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "ok", StateOK.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "failure", StateFailure.String())
	assert.Equal(t, "signal", StateSignal.String())
}
