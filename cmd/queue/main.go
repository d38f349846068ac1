// Command queue is the entry point for the job broker CLI.
//
// Usage:
//
//	queue serve                # run broker + worker runtime + control plane
//	queue worker --services=x  # run a standalone worker
//	queue submit --service=x   # submit one job
//	queue stats                # print queue statistics
package main

import (
	"fmt"
	"os"

	"github.com/stakeordie/emp-job-queue-sub012/internal/cli"
)

// Build-time version injection via ldflags, e.g.
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
