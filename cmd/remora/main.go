package main

import (
	"github.com/kfarnham/remora/internal/cli"
	"github.com/kfarnham/remora/internal/task"
)

// Version info set via ldflags at build time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.date=2024-01-01"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Worker children never reach the CLI; this exits for them.
	task.RunWorkerIfChild()

	cli.SetVersionInfo(version, commit, date)
	cli.Execute()
}
