package config

import "time"

// CurrentConfigVersion is the schema version for the config file.
// Increment when making breaking changes to the config structure.
const CurrentConfigVersion = 1

// Config represents the complete .remora.yaml configuration file.
type Config struct {
	Version int             `yaml:"version" mapstructure:"version"`
	Hosts   map[string]Host `yaml:"hosts" mapstructure:"hosts"`
	Default string          `yaml:"default" mapstructure:"default"`

	// SocketDir overrides where multiplexing control sockets are created.
	// Empty means the system temp directory.
	SocketDir string `yaml:"socket_dir" mapstructure:"socket_dir"`
}

// Host defines a remote machine and its connection settings.
type Host struct {
	// Target is the SSH destination: hostname, user@hostname, or an
	// alias from ~/.ssh/config.
	Target string `yaml:"target" mapstructure:"target"`

	// Shell is the command starting a persistent local shell when this
	// entry is driven without multiplexing. Empty means /bin/sh.
	Shell string `yaml:"shell" mapstructure:"shell"`

	// ControlOptions are extra ssh arguments for the control master only.
	ControlOptions []string `yaml:"control_options" mapstructure:"control_options"`

	// RunOptions are extra ssh arguments for each command child.
	RunOptions []string `yaml:"run_options" mapstructure:"run_options"`

	// SetupTimeout bounds session establishment.
	SetupTimeout time.Duration `yaml:"setup_timeout" mapstructure:"setup_timeout"`

	// CommandTimeout bounds each command sent over the session.
	CommandTimeout time.Duration `yaml:"command_timeout" mapstructure:"command_timeout"`

	// Env contains environment variables exported before each command.
	Env map[string]string `yaml:"env" mapstructure:"env"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentConfigVersion,
		Hosts:   make(map[string]Host),
	}
}
