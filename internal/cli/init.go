package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kfarnham/remora/internal/config"
	"github.com/kfarnham/remora/internal/errors"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter .remora.yaml configuration",
	Long: `Write a .remora.yaml file in the current directory. Pass --host to
pre-fill the first host entry.

Examples:
  remora init
  remora init --host kfarnham@build01.example.com
  remora init --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return initCommand()
	},
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite existing config")
	rootCmd.AddCommand(initCmd)
}

func initCommand() error {
	cwd, err := os.Getwd()
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Cannot determine current directory", "")
	}
	path := filepath.Join(cwd, config.ConfigFileName)

	if _, err := os.Stat(path); err == nil && !initForce {
		return errors.New(errors.ErrConfig,
			config.ConfigFileName+" already exists",
			"Use --force to overwrite it")
	}

	cfg := config.DefaultConfig()
	alias := "builder"
	target := "user@build01.example.com"
	if hostFlag != "" {
		target = hostFlag
	}
	cfg.Default = alias
	cfg.Hosts[alias] = config.Host{Target: target}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Couldn't serialize the starter config", "")
	}

	header := []byte("# remora configuration. Aliases under 'hosts' are selected with --host.\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Couldn't write "+path, "Check directory permissions")
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Edit the host entry, then try: remora check")
	return nil
}
