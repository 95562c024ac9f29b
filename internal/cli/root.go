// Package cli wires the remora commands together. Command implementations
// live next to their cobra definitions; the shared session plumbing lives
// in internal/session.
package cli

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kfarnham/remora/internal/errors"
)

// Persistent flags shared by all commands.
var (
	configFlag string
	hostFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "remora",
	Short: "Persistent remote command execution over multiplexed SSH",
	Long: `remora keeps one SSH connection open per host and runs commands over it
without paying connection setup for each one. Commands are framed with
end-of-transmission markers so stdout, stderr, and exit status come back
exactly and in order, even for output with no trailing newline.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and maps errors to exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var remErr *errors.Error
		if stderrors.As(err, &remErr) {
			fmt.Fprintln(os.Stderr, remErr.Error())
		} else {
			fmt.Fprintf(os.Stderr, "✗ %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&hostFlag, "host", "", "target host name or SSH destination")
}
