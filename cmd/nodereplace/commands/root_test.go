package commands

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoot(t *testing.T) {
	cmd := Root()

	require.NotNil(t, cmd)
	assert.Equal(t, "nodereplace", cmd.Use)

	for _, flag := range []string{
		"add-new-node", "expand-control-plane", "node", "node-ip", "bmc-ip",
		"mac-address", "role", "sushy-uid", "backup-dir", "kubeconfig",
		"skip-etcd", "debug", "timeout", "check-interval",
	} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "missing flag %s", flag)
	}
}

func TestRootRejectsConflictingModes(t *testing.T) {
	cmd := Root()
	cmd.SetArgs([]string{
		"--add-new-node", "--expand-control-plane",
		"--node", "worker-7", "--node-ip", "192.168.1.70",
		"--bmc-ip", "10.0.0.70", "--mac-address", "aa:bb:cc:dd:ee:17",
	})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestRootRequiresNodeIdentity(t *testing.T) {
	cmd := Root()
	cmd.SetArgs([]string{"--node", "master-5"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--node-ip")
	assert.Contains(t, err.Error(), "--bmc-ip")
	assert.Contains(t, err.Error(), "--mac-address")
}

func TestRootHasVersionSubcommand(t *testing.T) {
	for _, sub := range Root().Commands() {
		if sub.Name() == "version" {
			return
		}
	}
	t.Fatal("version subcommand not registered")
}

func TestVersionOutput(t *testing.T) {
	SetVersionInfo("1.2.3", "abc1234", "2026-08-30")

	var out bytes.Buffer
	cmd := Version()
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "nodereplace 1.2.3")
	assert.Contains(t, out.String(), "commit abc1234")
	assert.Contains(t, out.String(), runtime.Version())
}
