package config

import (
	"os"
	"regexp"
	"strings"
)

var varPattern = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// Expand replaces ${VAR} references with values from the local environment.
// Unset variables are left as written, so references meant for the remote
// shell (or for ssh percent-expansion) pass through untouched. Bare $VAR is
// never touched.
func Expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return varPattern.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := os.LookupEnv(m[2 : len(m)-1]); ok {
			return v
		}
		return m
	})
}

// expandConfig applies Expand to every value a host entry hands to a shell
// or to ssh.
func expandConfig(cfg *Config) {
	cfg.SocketDir = Expand(cfg.SocketDir)
	for name, host := range cfg.Hosts {
		host.Target = Expand(host.Target)
		host.Shell = Expand(host.Shell)
		for i, opt := range host.ControlOptions {
			host.ControlOptions[i] = Expand(opt)
		}
		for i, opt := range host.RunOptions {
			host.RunOptions[i] = Expand(opt)
		}
		for k, v := range host.Env {
			host.Env[k] = Expand(v)
		}
		cfg.Hosts[name] = host
	}
}
