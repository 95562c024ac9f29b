package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kfarnham/remora/internal/config"
	"github.com/kfarnham/remora/internal/errors"
	"github.com/kfarnham/remora/internal/logger"
	"github.com/kfarnham/remora/internal/session"
	"github.com/kfarnham/remora/internal/util"
)

var runTimeoutFlag string

var runCmd = &cobra.Command{
	Use:   "run [command]",
	Short: "Run a command on a remote host over a multiplexed session",
	Long: `Run a command on the remote host. A control connection is established
first and the command is dispatched as a short-lived child sharing it, so
repeated invocations against a warm control socket skip authentication.

Examples:
  remora run "uname -a"
  remora run --host builder "make -C /srv/build test"
  remora run --host root@10.0.0.5 --timeout 30s "systemctl status sshd"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(strings.Join(args, " "))
	},
}

func init() {
	runCmd.Flags().StringVar(&runTimeoutFlag, "timeout", "", "per-command timeout (e.g. 30s, 5m)")
	rootCmd.AddCommand(runCmd)
}

func runCommand(command string) error {
	host, timeout, err := resolveTarget()
	if err != nil {
		return err
	}

	cfg := hostConfig
	sess, err := session.NewMux(host, session.MuxOptions{
		ControlOptions: cfg.ControlOptions,
		RunOptions:     cfg.RunOptions,
		SetupTimeout:   cfg.SetupTimeout,
		CommandTimeout: timeout,
		SocketDir:      socketDir,
		Logger:         logger.Default(),
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	res, err := sess.Send(withEnv(cfg.Env, command))
	if err != nil {
		return err
	}

	os.Stdout.WriteString(res.Stdout)
	os.Stderr.WriteString(res.Stderr)
	if res.Signal != 0 {
		fmt.Fprintf(os.Stderr, "✗ command terminated by %s\n", res.Signal)
	}
	if res.ExitStatus != 0 {
		sess.Close()
		os.Exit(res.ExitStatus)
	}
	return nil
}

// hostConfig and socketDir are filled by resolveTarget for the running
// command.
var (
	hostConfig config.Host
	socketDir  string
)

// resolveTarget loads config, resolves the --host flag against it, and
// applies the --timeout override.
func resolveTarget() (host string, timeout time.Duration, err error) {
	cfg, err := config.LoadOrDefault(configFlag)
	if err != nil {
		return "", 0, err
	}
	socketDir = cfg.SocketDir

	h, err := cfg.Resolve(hostFlag)
	if err != nil {
		return "", 0, err
	}
	hostConfig = h

	timeout = h.CommandTimeout
	if runTimeoutFlag != "" {
		timeout, err = time.ParseDuration(runTimeoutFlag)
		if err != nil {
			return "", 0, errors.WrapWithCode(err, errors.ErrConfig,
				fmt.Sprintf("'%s' doesn't look like a valid timeout", runTimeoutFlag),
				"Try something like 5s, 2m, or 500ms.")
		}
	}
	return h.Target, timeout, nil
}

// withEnv prefixes a command with exports for the host's configured
// environment.
func withEnv(env map[string]string, command string) string {
	if len(env) == 0 {
		return command
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s; ", k, util.ShellQuote(env[k]))
	}
	b.WriteString(command)
	return b.String()
}
