package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kfarnham/remora/internal/config"
	"github.com/kfarnham/remora/pkg/sshutil"
)

var (
	checkTimeoutFlag  string
	checkInsecureFlag bool
)

var checkCmd = &cobra.Command{
	Use:   "check [host]...",
	Short: "Verify SSH connectivity and authentication to hosts",
	Long: `Dial each host with a native SSH client and run a trivial command,
reporting exactly where the connection breaks: network, host key,
authentication, or command execution. With no arguments, every host in the
config is checked.

Examples:
  remora check
  remora check builder
  remora check root@10.0.0.5 --timeout 3s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkCommand(args)
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkTimeoutFlag, "timeout", "5s", "dial timeout per host")
	checkCmd.Flags().BoolVar(&checkInsecureFlag, "insecure", false, "skip host key verification")
	rootCmd.AddCommand(checkCmd)
}

func checkCommand(args []string) error {
	cfg, err := config.LoadOrDefault(configFlag)
	if err != nil {
		return err
	}

	timeout, err := time.ParseDuration(checkTimeoutFlag)
	if err != nil {
		return fmt.Errorf("invalid --timeout: %w", err)
	}

	targets := args
	if len(targets) == 0 {
		for name := range cfg.Hosts {
			targets = append(targets, name)
		}
	}
	if len(targets) == 0 {
		fmt.Println("No hosts configured and none given; nothing to check.")
		return nil
	}

	if checkInsecureFlag {
		sshutil.StrictHostKeyChecking = false
	}
	defer sshutil.CloseAgent()

	failed := 0
	for _, name := range targets {
		host, err := cfg.Resolve(name)
		if err != nil {
			host = config.Host{Target: name}
		}
		if err := checkOne(name, host.Target, timeout); err != nil {
			failed++
			fmt.Printf("  %s: FAIL\n", name)
			fmt.Println(indent(err.Error(), "    "))
		} else {
			fmt.Printf("  %s: ok\n", name)
		}
	}

	if failed > 0 {
		os.Exit(1)
	}
	return nil
}

func checkOne(name, target string, timeout time.Duration) error {
	client, err := sshutil.Dial(target, timeout)
	if err != nil {
		return err
	}
	defer client.Close()

	stdout, _, code, err := client.Exec("echo remora-check")
	if err != nil {
		return err
	}
	if code != 0 || !strings.Contains(string(stdout), "remora-check") {
		return fmt.Errorf("remote shell answered unexpectedly (exit %d, output %q)", code, stdout)
	}
	return nil
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
