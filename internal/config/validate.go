package config

import (
	"fmt"
	"strings"

	"github.com/kfarnham/remora/internal/errors"
)

// Validate checks the config for errors and returns structured error messages.
func Validate(cfg *Config) error {
	if cfg.Version > CurrentConfigVersion {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("This config is from the future (version %d, but remora only knows up to %d)",
				cfg.Version, CurrentConfigVersion),
			"Update remora to the latest release")
	}

	for name, host := range cfg.Hosts {
		if err := validateHost(name, host); err != nil {
			return err
		}
	}

	if cfg.Default != "" {
		if _, ok := cfg.Hosts[cfg.Default]; !ok {
			return errors.New(errors.ErrConfig,
				fmt.Sprintf("Default host '%s' is not defined in the hosts section", cfg.Default),
				"Add it under 'hosts:' or change 'default'")
		}
	}

	return nil
}

func validateHost(name string, host Host) error {
	if strings.ContainsAny(name, " \t/") {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Host name '%s' contains whitespace or a path separator", name),
			"Use a simple alias; put the SSH destination in 'target'")
	}
	if host.SetupTimeout < 0 {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Host '%s' has a negative setup_timeout", name),
			"Use a positive duration like '15s', or omit it for the default")
	}
	if host.CommandTimeout < 0 {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Host '%s' has a negative command_timeout", name),
			"Use a positive duration like '10m', or omit it for the default")
	}
	for _, opt := range host.ControlOptions {
		if strings.HasPrefix(opt, "-S") || strings.HasPrefix(opt, "-M") {
			return errors.New(errors.ErrConfig,
				fmt.Sprintf("Host '%s' sets '%s' in control_options", name, opt),
				"Control socket flags are managed internally; remove them from the config")
		}
	}
	return nil
}
