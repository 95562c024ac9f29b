package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfarnham/remora/internal/config"
)

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "v1.2.3", formatVersion("v1.2.3"))
}

func TestWithEnv(t *testing.T) {
	assert.Equal(t, "make test", withEnv(nil, "make test"))

	got := withEnv(map[string]string{"LANG": "C", "FOO": "a b"}, "make test")
	assert.Equal(t, "export FOO='a b'; export LANG='C'; make test", got)

	got = withEnv(map[string]string{"Q": "it's"}, "true")
	assert.Contains(t, got, `'it'\''s'`)
}

func TestIndent(t *testing.T) {
	assert.Equal(t, "  a\n  b", indent("a\nb\n", "  "))
}

func TestBatchTargetLocalShell(t *testing.T) {
	t.Cleanup(resetFlags)
	batchShellFlag = "/bin/sh"
	hostFlag = ""
	batchTimeoutFlag = "2s"

	argv, label, timeout, err := batchTarget()
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/sh"}, argv)
	assert.Equal(t, "local", label)
	assert.Equal(t, "2s", timeout.String())
}

func TestBatchTargetRunOptionWithSpaces(t *testing.T) {
	t.Cleanup(resetFlags)
	dir := t.TempDir()
	path := filepath.Join(dir, config.ConfigFileName)
	yaml := `version: 1
default: builder
hosts:
  builder:
    target: ci@build02
    run_options:
      - "-o"
      - "ProxyCommand=ssh -W %h:%p jump"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	configFlag = path
	hostFlag = "builder"

	argv, label, _, err := batchTarget()
	require.NoError(t, err)
	assert.Equal(t, "ci@build02", label)
	// An option value with spaces must survive as one argv element, not
	// get re-split into words.
	assert.Equal(t, []string{"ssh", "-T", "-o", "ProxyCommand=ssh -W %h:%p jump", "ci@build02"}, argv)
}

func TestBatchTargetBadTimeout(t *testing.T) {
	t.Cleanup(resetFlags)
	batchShellFlag = "/bin/sh"
	batchTimeoutFlag = "soon"

	_, _, _, err := batchTarget()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "valid timeout")
}

func TestInitCommandWritesConfig(t *testing.T) {
	t.Cleanup(resetFlags)
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(cwd) })

	hostFlag = "ci@build02"
	require.NoError(t, initCommand())

	cfg, err := config.Load(filepath.Join(dir, config.ConfigFileName))
	require.NoError(t, err)
	assert.Equal(t, "builder", cfg.Default)
	assert.Equal(t, "ci@build02", cfg.Hosts["builder"].Target)

	// A second init without --force refuses to clobber.
	err = initCommand()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	initForce = true
	require.NoError(t, initCommand())
}

func resetFlags() {
	configFlag = ""
	hostFlag = ""
	batchShellFlag = ""
	batchTimeoutFlag = ""
	batchKeepGoing = false
	runTimeoutFlag = ""
	initForce = false
}
