// Package main is the entry point for the nodereplace CLI.
//
// nodereplace replaces failed control plane nodes, expands the control
// plane, and adds worker nodes on bare-metal OpenShift clusters. It manages
// the etcd member lifecycle, backs up and rewrites the node's
// BareMetalHost, Machine, and network secrets, and monitors provisioning
// through to node readiness.
//
// For detailed usage information, run:
//
//	nodereplace --help
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/baremetal-ops/nodereplace/cmd/nodereplace/commands"
)

// Version information set by goreleaser at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// An interrupt cancels the command context so the provisioning monitor
	// can return its manual-check guidance instead of dying mid-report.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
