package handlers

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baremetal-ops/nodereplace/internal/cluster"
	"github.com/baremetal-ops/nodereplace/internal/cluster/fake"
	"github.com/baremetal-ops/nodereplace/internal/monitor"
	"github.com/baremetal-ops/nodereplace/internal/orchestrator"
)

func stubFactories(t *testing.T, result *orchestrator.Result) *orchestrator.Config {
	t.Helper()
	origClient, origRun := newClusterClient, runOperation
	t.Cleanup(func() {
		newClusterClient, runOperation = origClient, origRun
	})

	var captured orchestrator.Config
	newClusterClient = func(_ string, _ logr.Logger) (cluster.Interface, error) {
		return fake.NewCluster(), nil
	}
	runOperation = func(_ context.Context, _ *orchestrator.Orchestrator, cfg orchestrator.Config) *orchestrator.Result {
		captured = cfg
		return result
	}
	return &captured
}

// The entry point installs an interrupt-cancelled context; the handler must
// hand that same context to the orchestrator so a SIGINT during monitoring
// surfaces as a user-interrupted result instead of killing the process.
func TestRunThreadsContextToOrchestrator(t *testing.T) {
	origClient, origRun := newClusterClient, runOperation
	t.Cleanup(func() {
		newClusterClient, runOperation = origClient, origRun
	})
	newClusterClient = func(_ string, _ logr.Logger) (cluster.Interface, error) {
		return fake.NewCluster(), nil
	}

	var received context.Context
	runOperation = func(ctx context.Context, _ *orchestrator.Orchestrator, _ orchestrator.Config) *orchestrator.Result {
		received = ctx
		return &orchestrator.Result{Success: true}
	}

	ctx, cancel := context.WithCancel(context.Background())
	err := Run(ctx, Options{
		NodeName:   "master-5",
		NodeIP:     "192.168.1.50",
		BMCIP:      "10.0.0.50",
		MACAddress: "aa:bb:cc:dd:ee:05",
	})
	require.NoError(t, err)
	require.NotNil(t, received)

	cancel()
	assert.ErrorIs(t, received.Err(), context.Canceled)
}

func TestRunMapsOptions(t *testing.T) {
	captured := stubFactories(t, &orchestrator.Result{Success: true})

	err := Run(context.Background(), Options{
		ExpandControlPlane: true,
		NodeName:           "master-4",
		NodeIP:             "192.168.1.40",
		BMCIP:              "10.0.0.40",
		MACAddress:         "aa:bb:cc:dd:ee:04",
		Role:               "control-plane",
		BackupDir:          "/tmp/backups",
		SkipEtcd:           true,
	})
	require.NoError(t, err)

	assert.Equal(t, orchestrator.Expansion, captured.Kind)
	assert.Equal(t, "master-4", captured.NodeName)
	assert.Equal(t, "master", captured.Role, "role aliases are normalized")
	assert.Equal(t, "/tmp/backups", captured.BackupDir)
	assert.True(t, captured.SkipEtcd)
}

func TestRunDefaultsToReplacement(t *testing.T) {
	captured := stubFactories(t, &orchestrator.Result{Success: true})

	err := Run(context.Background(), Options{
		NodeName:   "master-5",
		NodeIP:     "192.168.1.50",
		BMCIP:      "10.0.0.50",
		MACAddress: "aa:bb:cc:dd:ee:05",
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Replacement, captured.Kind)
}

func TestRunWorkerAddition(t *testing.T) {
	captured := stubFactories(t, &orchestrator.Result{Success: true})

	err := Run(context.Background(), Options{
		AddWorker:  true,
		NodeName:   "worker-7",
		NodeIP:     "192.168.1.70",
		BMCIP:      "10.0.0.70",
		MACAddress: "aa:bb:cc:dd:ee:17",
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Addition, captured.Kind)
}

func TestRunReportsProvisioningFailure(t *testing.T) {
	stubFactories(t, &orchestrator.Result{
		Monitor: &monitor.Result{PhaseMarker: "Phase 3: Machine Running"},
	})

	err := Run(context.Background(), Options{
		NodeName:   "master-5",
		NodeIP:     "192.168.1.50",
		BMCIP:      "10.0.0.50",
		MACAddress: "aa:bb:cc:dd:ee:05",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Phase 3: Machine Running")
}

func TestRunPropagatesOrchestratorError(t *testing.T) {
	stubFactories(t, &orchestrator.Result{Err: fmt.Errorf("no failed control plane node found")})

	err := Run(context.Background(), Options{
		NodeName:   "master-5",
		NodeIP:     "192.168.1.50",
		BMCIP:      "10.0.0.50",
		MACAddress: "aa:bb:cc:dd:ee:05",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no failed control plane node")
}
