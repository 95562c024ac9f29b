package task

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), outcomeFileName)
	raw, err := cbor.Marshal("payload")
	require.NoError(t, err)

	require.NoError(t, writeOutcome(path, outcome{Kind: kindOK, Value: raw}))

	o, err := readOutcome(path)
	require.NoError(t, err)
	assert.Equal(t, kindOK, o.Kind)
	assert.True(t, o.Done, "writeOutcome must set the completion sentinel")

	var v string
	require.NoError(t, cbor.Unmarshal(o.Value, &v))
	assert.Equal(t, "payload", v)

	// The temp name must not survive the rename.
	_, statErr := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(statErr))
}

func TestReadOutcomeMissingOrCorrupt(t *testing.T) {
	dir := t.TempDir()

	_, err := readOutcome(filepath.Join(dir, "absent.cbor"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.cbor")
	require.NoError(t, os.WriteFile(bad, []byte("not cbor at all"), 0o600))
	_, err = readOutcome(bad)
	require.Error(t, err)
}

func TestArgsDecodeEmpty(t *testing.T) {
	var out map[string]string
	require.NoError(t, Args{}.Decode(&out))
	assert.Nil(t, out)
}

func TestRegisterGuards(t *testing.T) {
	noop := func(ctx context.Context, a Args) (any, error) { return nil, nil }

	assert.Panics(t, func() { Register("", noop, nil) })
	assert.Panics(t, func() { Register("nil-fn", nil, nil) })

	Register("guard-dup", noop, nil)
	assert.Panics(t, func() { Register("guard-dup", noop, nil) })
}
