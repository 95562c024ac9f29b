package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kfarnham/remora/internal/errors"
	"github.com/kfarnham/remora/internal/logger"
	"github.com/kfarnham/remora/internal/session"
	"github.com/kfarnham/remora/internal/util"
)

var (
	batchShellFlag   string
	batchKeepGoing   bool
	batchTimeoutFlag string
)

var batchCmd = &cobra.Command{
	Use:   "batch [command]...",
	Short: "Run a sequence of commands through one persistent shell",
	Long: `Run several commands through a single long-lived shell, so state like
the working directory and shell variables carries from one command to the
next. Commands come from the arguments, or from stdin (one per line) when
no arguments are given.

By default the shell is 'ssh -T <target>'; pass --shell to drive something
else, for example a local shell or a container exec.

Examples:
  remora batch --host builder "cd /srv/build" "git pull" "make test"
  remora batch --shell /bin/sh "export FOO=1" "echo $FOO"
  cat provision.txt | remora batch --host root@10.0.0.5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return batchCommand(args)
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchShellFlag, "shell", "", "shell invocation to drive (default: ssh -T <target>)")
	batchCmd.Flags().BoolVar(&batchKeepGoing, "keep-going", false, "continue after a command exits non-zero")
	batchCmd.Flags().StringVar(&batchTimeoutFlag, "timeout", "", "per-command timeout (e.g. 30s, 5m)")
	rootCmd.AddCommand(batchCmd)
}

func batchCommand(args []string) error {
	commands := args
	if len(commands) == 0 {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			commands = append(commands, line)
		}
		if err := scanner.Err(); err != nil {
			return errors.WrapWithCode(err, errors.ErrExec,
				"Couldn't read commands from stdin", "")
		}
	}
	if len(commands) == 0 {
		return errors.New(errors.ErrExec,
			"Nothing to run",
			"Pass commands as arguments or pipe them in, one per line")
	}

	argv, label, timeout, err := batchTarget()
	if err != nil {
		return err
	}

	sess, err := session.NewDirectArgv(argv, label, session.DirectOptions{
		SendTimeout: timeout,
		Logger:      logger.Default(),
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	lastExit := 0
	for _, command := range commands {
		res, err := sess.Send(withEnv(hostConfig.Env, command))
		if err != nil {
			return err
		}
		os.Stdout.WriteString(res.Stdout)
		os.Stderr.WriteString(res.Stderr)
		if res.ExitStatus != 0 {
			lastExit = res.ExitStatus
			if !batchKeepGoing {
				fmt.Fprintf(os.Stderr, "✗ '%s' exited %d; stopping\n", command, res.ExitStatus)
				break
			}
			fmt.Fprintf(os.Stderr, "✗ '%s' exited %d; continuing\n", command, res.ExitStatus)
		}
	}

	if lastExit != 0 {
		sess.Close()
		os.Exit(lastExit)
	}
	return nil
}

// batchTarget decides what persistent process to drive. --shell wins; a
// host entry with a configured shell uses that; otherwise the target is
// reached with 'ssh -T <target>' plus the host's run options. The result
// is an argv, so run options that contain spaces (ProxyCommand and the
// like) stay single arguments.
func batchTarget() (argv []string, label string, timeout time.Duration, err error) {
	if batchShellFlag != "" && hostFlag == "" {
		var d time.Duration
		if batchTimeoutFlag != "" {
			d, err = time.ParseDuration(batchTimeoutFlag)
			if err != nil {
				return nil, "", 0, errors.WrapWithCode(err, errors.ErrConfig,
					fmt.Sprintf("'%s' doesn't look like a valid timeout", batchTimeoutFlag),
					"Try something like 5s, 2m, or 500ms.")
			}
		}
		argv, err = splitShellFlag(batchShellFlag)
		if err != nil {
			return nil, "", 0, err
		}
		return argv, "local", d, nil
	}

	runTimeoutFlag = batchTimeoutFlag
	host, d, err := resolveTarget()
	if err != nil {
		return nil, "", 0, err
	}
	switch {
	case batchShellFlag != "":
		argv, err = splitShellFlag(batchShellFlag)
	case hostConfig.Shell != "":
		argv, err = splitShellFlag(hostConfig.Shell)
	default:
		argv = append([]string{"ssh", "-T"}, hostConfig.RunOptions...)
		argv = append(argv, host)
	}
	if err != nil {
		return nil, "", 0, err
	}
	return argv, host, d, nil
}

func splitShellFlag(shell string) ([]string, error) {
	argv, err := util.SplitArgs(shell)
	if err != nil || len(argv) == 0 {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Bad shell invocation %q", shell),
			"Provide a command like '/bin/sh' or 'docker exec -i app sh'")
	}
	return argv, nil
}
