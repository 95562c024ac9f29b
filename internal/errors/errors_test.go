package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New(ErrStream, "stdout closed early", "Recreate the session")

	assert.Equal(t, ErrStream, err.Code)
	assert.Equal(t, "stdout closed early", err.Message)
	assert.Equal(t, "Recreate the session", err.Suggestion)
	assert.Nil(t, err.Cause)
}

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name:     "message only",
			err:      New(ErrSetup, "control connection never came up", ""),
			contains: []string{"✗ control connection never came up"},
		},
		{
			name:     "message and suggestion",
			err:      New(ErrTimeout, "command took too long", "Raise the timeout"),
			contains: []string{"✗ command took too long", "Raise the timeout"},
		},
		{
			name:     "message, cause and suggestion",
			err:      WrapWithCode(fmt.Errorf("broken pipe"), ErrSSH, "session died", "Reconnect"),
			contains: []string{"✗ session died", "broken pipe", "Reconnect"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := tt.err.Error()
			for _, want := range tt.contains {
				assert.Contains(t, out, want)
			}
		})
	}
}

func TestWrapDefaultsToExec(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := Wrap(cause, "command blew up")

	assert.Equal(t, ErrExec, err.Code)
	assert.Equal(t, cause, err.Cause)
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := WrapWithCode(cause, ErrTask, "task failed", "")

	require.ErrorIs(t, err, cause)
	assert.Equal(t, cause, stderrors.Unwrap(err))
}

func TestIsCode(t *testing.T) {
	err := New(ErrStream, "stderr closed", "")

	assert.True(t, IsCode(err, ErrStream))
	assert.False(t, IsCode(err, ErrTimeout))
	assert.False(t, IsCode(nil, ErrStream))
	assert.False(t, IsCode(fmt.Errorf("plain"), ErrStream))
}

func TestIsCodeThroughWrapping(t *testing.T) {
	inner := New(ErrTimeout, "deadline elapsed", "")
	outer := fmt.Errorf("running step: %w", inner)

	assert.True(t, IsCode(outer, ErrTimeout))
}
