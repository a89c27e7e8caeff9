// Package handlers implements the business logic for CLI commands.
//
// This package contains handler functions that are called by command
// definitions in the commands package. Handlers are framework-agnostic and
// can be tested independently of the CLI framework.
package handlers

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"

	"github.com/baremetal-ops/nodereplace/internal/cluster"
	"github.com/baremetal-ops/nodereplace/internal/orchestrator"
	"github.com/baremetal-ops/nodereplace/internal/report"
)

// Options carries the flag values collected by the root command.
type Options struct {
	// Kubeconfig overrides the default kubeconfig resolution when set.
	Kubeconfig string

	// AddWorker and ExpandControlPlane select the operation; when neither
	// is set the node replaces a failed control plane member.
	AddWorker          bool
	ExpandControlPlane bool

	NodeName   string
	NodeIP     string
	BMCIP      string
	MACAddress string
	Role       string
	SushyUID   string

	BackupDir string
	SkipEtcd  bool
	Debug     bool

	// Timeout and CheckInterval tune the provisioning monitor; zero keeps
	// the defaults.
	Timeout       time.Duration
	CheckInterval time.Duration
}

// Kind maps the mode flags to the operation to run.
func (o Options) Kind() orchestrator.Kind {
	switch {
	case o.AddWorker:
		return orchestrator.Addition
	case o.ExpandControlPlane:
		return orchestrator.Expansion
	default:
		return orchestrator.Replacement
	}
}

// Factory function variables - can be replaced in tests for dependency injection.
var (
	newClusterClient = func(kubeconfig string, log logr.Logger) (cluster.Interface, error) {
		return cluster.NewClient(cluster.Options{KubeconfigPath: kubeconfig, Logger: log})
	}

	runOperation = func(ctx context.Context, o *orchestrator.Orchestrator, cfg orchestrator.Config) *orchestrator.Result {
		return o.Run(ctx, cfg)
	}
)

// Run executes the selected node operation end to end.
func Run(ctx context.Context, opts Options) error {
	log := newLogger(opts.Debug)

	c, err := newClusterClient(opts.Kubeconfig, log)
	if err != nil {
		return fmt.Errorf("failed to build cluster client: %w", err)
	}

	reporter := report.New(report.WithDebug(opts.Debug))
	o := orchestrator.New(c, reporter, log)
	o.MonitorTimeout = opts.Timeout
	o.MonitorInterval = opts.CheckInterval

	result := runOperation(ctx, o, orchestrator.Config{
		Kind:       opts.Kind(),
		NodeName:   opts.NodeName,
		NodeIP:     opts.NodeIP,
		BMCIP:      opts.BMCIP,
		MACAddress: opts.MACAddress,
		Role:       orchestrator.NormalizeRole(opts.Role),
		SushyUID:   opts.SushyUID,
		BackupDir:  opts.BackupDir,
		SkipEtcd:   opts.SkipEtcd,
	})
	if result.Err != nil {
		return result.Err
	}
	if !result.Success {
		if result.Monitor != nil {
			return fmt.Errorf("provisioning failed at %s", result.Monitor.PhaseMarker)
		}
		return fmt.Errorf("operation did not complete")
	}
	return nil
}

// newLogger returns a verbose stderr logger when debug is on, otherwise a
// no-op logger. The operator narrative goes through the reporter either way.
func newLogger(debug bool) logr.Logger {
	if !debug {
		return logr.Discard()
	}
	return funcr.New(func(prefix, args string) {
		fmt.Fprintln(os.Stderr, prefix, args)
	}, funcr.Options{Verbosity: 1})
}
