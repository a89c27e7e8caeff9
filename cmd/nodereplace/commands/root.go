// Package commands defines the CLI command structure and flag bindings.
//
// This package contains cobra command definitions that handle argument
// parsing, flag binding, and validation. Command execution is delegated to
// handler functions in the handlers package.
package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/baremetal-ops/nodereplace/cmd/nodereplace/handlers"
)

// Root returns the root command for the nodereplace CLI.
//
// Required flags:
//
//	--node:        name of the node to create
//	--node-ip:     host IP for the new node
//	--bmc-ip:      BMC IP for the new node
//	--mac-address: boot MAC address for the new node
//
// Mode flags (mutually exclusive, default is control plane replacement):
//
//	--add-new-node:         add the node to the worker pool
//	--expand-control-plane: grow the control plane without removing a node
func Root() *cobra.Command {
	var opts handlers.Options
	var timeoutMinutes, checkIntervalSeconds int

	cmd := &cobra.Command{
		Use:   "nodereplace",
		Short: "Replace, expand, or add bare-metal OpenShift nodes",
		Long: `Replace a failed control plane node, expand the control plane, or add a
worker node on a bare-metal OpenShift cluster.

The tool backs up and rewrites the BareMetalHost, Machine, and network
secrets for the new node, manages the etcd member and quorum guard when the
control plane changes, applies the resources, and monitors provisioning
through to node readiness.

Examples:
  # Replace the failed control plane node with a new host
  nodereplace --node master-5 --node-ip 192.168.1.50 \
    --bmc-ip 10.0.0.50 --mac-address aa:bb:cc:dd:ee:05

  # Expand the control plane
  nodereplace --expand-control-plane --node master-4 --node-ip 192.168.1.40 \
    --bmc-ip 10.0.0.40 --mac-address aa:bb:cc:dd:ee:04

  # Add a worker
  nodereplace --add-new-node --node worker-7 --node-ip 192.168.1.70 \
    --bmc-ip 10.0.0.70 --mac-address aa:bb:cc:dd:ee:17`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.AddWorker && opts.ExpandControlPlane {
				return fmt.Errorf("--add-new-node and --expand-control-plane are mutually exclusive")
			}
			if err := requireNodeIdentity(opts); err != nil {
				return err
			}
			opts.Timeout = time.Duration(timeoutMinutes) * time.Minute
			opts.CheckInterval = time.Duration(checkIntervalSeconds) * time.Second
			return handlers.Run(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.AddWorker, "add-new-node", false, "Add the node to the worker pool")
	cmd.Flags().BoolVar(&opts.ExpandControlPlane, "expand-control-plane", false, "Grow the control plane without removing a node")

	cmd.Flags().StringVar(&opts.NodeName, "node", "", "Name of the node to create")
	cmd.Flags().StringVar(&opts.NodeIP, "node-ip", "", "Host IP address for the new node")
	cmd.Flags().StringVar(&opts.BMCIP, "bmc-ip", "", "BMC IP address for the new node")
	cmd.Flags().StringVar(&opts.MACAddress, "mac-address", "", "Boot MAC address for the new node")
	cmd.Flags().StringVar(&opts.Role, "role", "", "Machine role for a replacement node (default master)")
	cmd.Flags().StringVar(&opts.SushyUID, "sushy-uid", "", "Sushy system UID for virtualized BMCs")

	cmd.Flags().StringVar(&opts.BackupDir, "backup-dir", "", "Directory for resource backups (default ~/backup_yamls/<cluster domain>)")
	cmd.Flags().StringVar(&opts.Kubeconfig, "kubeconfig", "", "Path to the kubeconfig file")
	cmd.Flags().BoolVar(&opts.SkipEtcd, "skip-etcd", false, "Skip etcd member removal and secret cleanup (use when those already completed)")
	cmd.Flags().BoolVar(&opts.Debug, "debug", false, "Enable verbose command logging")
	cmd.Flags().IntVar(&timeoutMinutes, "timeout", 45, "Provisioning timeout in minutes")
	cmd.Flags().IntVar(&checkIntervalSeconds, "check-interval", 25, "Provisioning poll interval in seconds")

	cmd.AddCommand(Version())

	return cmd
}

func requireNodeIdentity(opts handlers.Options) error {
	missing := []string{}
	if opts.NodeName == "" {
		missing = append(missing, "--node")
	}
	if opts.NodeIP == "" {
		missing = append(missing, "--node-ip")
	}
	if opts.BMCIP == "" {
		missing = append(missing, "--bmc-ip")
	}
	if opts.MACAddress == "" {
		missing = append(missing, "--mac-address")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required flags not set: %v", missing)
	}
	return nil
}
