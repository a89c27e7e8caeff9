package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	certv1 "k8s.io/api/certificates/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/baremetal-ops/nodereplace/internal/cluster/fake"
	"github.com/baremetal-ops/nodereplace/internal/report"
)

func newTestMonitor(fc *fake.Cluster, nodeName string, isAddition bool) *Monitor {
	m := New(fc, report.New(report.WithWriter(&strings.Builder{})), logr.Discard(), nodeName, isAddition)
	m.CSRApprovePause = 0
	return m
}

func testBMH(name, state string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "metal3.io/v1alpha1",
		"kind":       "BareMetalHost",
		"metadata":   map[string]any{"name": name, "namespace": "openshift-machine-api"},
		"status":     map[string]any{"provisioning": map[string]any{"state": state}},
	}}
}

func withConsumer(bmh *unstructured.Unstructured, machineName string) *unstructured.Unstructured {
	_ = unstructured.SetNestedMap(bmh.Object, map[string]any{
		"kind": "Machine",
		"name": machineName,
	}, "spec", "consumerRef")
	return bmh
}

func testMachine(name, phase string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "machine.openshift.io/v1beta1",
		"kind":       "Machine",
		"metadata":   map[string]any{"name": name, "namespace": "openshift-machine-api"},
		"status":     map[string]any{"phase": phase},
	}}
}

func testNode(name string, ready bool) *corev1.Node {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{Conditions: []corev1.NodeCondition{
			{Type: corev1.NodeReady, Status: status},
		}},
	}
}

func pendingCSR(name string) *certv1.CertificateSigningRequest {
	return &certv1.CertificateSigningRequest{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

func TestMonitorPhaseProgression(t *testing.T) {
	fc := fake.NewCluster()
	clk := clocktesting.NewFakeClock(time.Now())
	m := newTestMonitor(fc, "master-5", false).WithClock(clk)
	m.startTime = clk.Now()
	ctx := context.Background()

	m.step(ctx)
	assert.Equal(t, AwaitingClaim, m.Phase(), "missing host keeps phase 1")

	fc.BMHs["master-5"] = testBMH("master-5", "provisioning")
	m.step(ctx)
	assert.Equal(t, AwaitingClaim, m.Phase())

	fc.BMHs["master-5"] = testBMH("master-5", "provisioned")
	m.step(ctx)
	assert.Equal(t, AwaitingMachine, m.Phase())

	m.step(ctx)
	assert.Equal(t, AwaitingMachine, m.Phase(), "no consumer reference yet")

	fc.BMHs["master-5"] = withConsumer(testBMH("master-5", "provisioned"), "one-zpspd-master-5")
	fc.Machines["one-zpspd-master-5"] = testMachine("one-zpspd-master-5", "Provisioned")
	m.step(ctx)
	assert.Equal(t, AwaitingRunning, m.Phase())
	assert.Equal(t, "one-zpspd-master-5", m.MachineName())
	assert.Equal(t, ResolvedConsumerRef, m.ResolvedVia())

	m.step(ctx)
	assert.Equal(t, AwaitingRunning, m.Phase())
	assert.False(t, m.csrArmed)

	fc.Machines["one-zpspd-master-5"] = testMachine("one-zpspd-master-5", "Running")
	m.step(ctx)
	assert.Equal(t, AwaitingReady, m.Phase())
	assert.True(t, m.csrArmed, "credential approval arms when the machine runs")

	fc.Nodes["master-5"] = testNode("master-5", false)
	m.step(ctx)
	assert.False(t, m.nodeReady)

	fc.Nodes["master-5"] = testNode("master-5", true)
	m.step(ctx)
	assert.True(t, m.nodeReady)
}

func TestMonitorRunSucceeds(t *testing.T) {
	fc := fake.NewCluster()
	fc.BMHs["master-5"] = withConsumer(testBMH("master-5", "provisioned"), "one-zpspd-master-5")
	fc.Machines["one-zpspd-master-5"] = testMachine("one-zpspd-master-5", "Running")
	fc.Nodes["master-5"] = testNode("master-5", true)
	fc.CSRs["csr-abc"] = pendingCSR("csr-abc")

	m := newTestMonitor(fc, "master-5", false)
	m.Interval = time.Millisecond
	m.Timeout = 5 * time.Second

	result := m.Run(context.Background())
	require.True(t, result.Success)
	assert.Equal(t, "Phase 4: Node Ready", result.PhaseMarker)
	assert.Empty(t, result.Message)
	assert.Contains(t, fc.ApprovedCSRs, "csr-abc")
}

func TestMonitorTimesOutWaitingForRunning(t *testing.T) {
	fc := fake.NewCluster()
	fc.BMHs["master-5"] = withConsumer(testBMH("master-5", "provisioned"), "one-zpspd-master-5")
	fc.Machines["one-zpspd-master-5"] = testMachine("one-zpspd-master-5", "Provisioned")

	m := newTestMonitor(fc, "master-5", false)
	m.Interval = time.Millisecond
	m.Timeout = 50 * time.Millisecond

	result := m.Run(context.Background())
	require.False(t, result.Success)
	assert.Equal(t, AwaitingRunning, result.Phase)
	assert.Equal(t, "Phase 3: Machine Running", result.PhaseMarker)
	assert.Equal(t, "machine did not reach Running state", result.Message)
	assert.NotEmpty(t, result.Remediation)
	assert.False(t, m.nodeReady)
}

func TestMonitorFailsOnFailedMachine(t *testing.T) {
	fc := fake.NewCluster()
	fc.BMHs["master-5"] = withConsumer(testBMH("master-5", "provisioned"), "one-zpspd-master-5")
	fc.Machines["one-zpspd-master-5"] = testMachine("one-zpspd-master-5", "Failed")

	m := newTestMonitor(fc, "master-5", false)
	m.Interval = time.Millisecond
	m.Timeout = 5 * time.Second

	result := m.Run(context.Background())
	require.False(t, result.Success)
	assert.Contains(t, result.Message, "Failed state")
	assert.Equal(t, "Phase 3: Machine Running", result.PhaseMarker)
}

func TestMonitorFailsOnHostError(t *testing.T) {
	fc := fake.NewCluster()
	fc.BMHs["master-5"] = testBMH("master-5", "error")

	m := newTestMonitor(fc, "master-5", false)
	m.Interval = time.Millisecond
	m.Timeout = 5 * time.Second

	result := m.Run(context.Background())
	require.False(t, result.Success)
	assert.Contains(t, result.Message, "error state")
	assert.Equal(t, "Phase 1: BMH Provisioned", result.PhaseMarker)
}

func TestCSRArmsEarlyInProvisioning(t *testing.T) {
	fc := fake.NewCluster()
	fc.BMHs["master-5"] = withConsumer(testBMH("master-5", "provisioned"), "one-zpspd-master-5")
	fc.Machines["one-zpspd-master-5"] = testMachine("one-zpspd-master-5", "Provisioned")
	clk := clocktesting.NewFakeClock(time.Now())
	m := newTestMonitor(fc, "master-5", false).WithClock(clk)
	m.startTime = clk.Now()
	ctx := context.Background()

	m.step(ctx)
	m.step(ctx)
	require.Equal(t, AwaitingRunning, m.Phase())

	clk.Step(4 * time.Minute)
	m.step(ctx)
	assert.False(t, m.csrArmed, "early arming needs the Provisioning sub-phase")

	fc.Machines["one-zpspd-master-5"] = testMachine("one-zpspd-master-5", "Provisioning")
	m.step(ctx)
	assert.True(t, m.csrArmed)
	assert.Equal(t, "3min threshold", m.csrArmedReason)
}

func TestCSRArmsAfterFullDelay(t *testing.T) {
	fc := fake.NewCluster()
	fc.BMHs["master-5"] = withConsumer(testBMH("master-5", "provisioned"), "one-zpspd-master-5")
	fc.Machines["one-zpspd-master-5"] = testMachine("one-zpspd-master-5", "Provisioned")
	fc.CSRs["csr-old"] = pendingCSR("csr-old")
	fc.CSRs["csr-done"] = pendingCSR("csr-done")
	fc.CSRs["csr-done"].Status.Conditions = []certv1.CertificateSigningRequestCondition{
		{Type: certv1.CertificateApproved, Status: corev1.ConditionTrue},
	}
	clk := clocktesting.NewFakeClock(time.Now())
	m := newTestMonitor(fc, "master-5", false).WithClock(clk)
	m.startTime = clk.Now()
	ctx := context.Background()

	m.step(ctx)
	m.step(ctx)
	require.Equal(t, AwaitingRunning, m.Phase())
	assert.Empty(t, fc.ApprovedCSRs, "nothing approved before arming")

	clk.Step(11 * time.Minute)
	m.step(ctx)
	assert.True(t, m.csrArmed)
	assert.Equal(t, "10min timer", m.csrArmedReason)
	assert.Equal(t, []string{"csr-old"}, fc.ApprovedCSRs, "only requests without conditions are pending")

	// Armed approval repeats each iteration even though the phase is unchanged.
	fc.CSRs["csr-new"] = pendingCSR("csr-new")
	m.step(ctx)
	assert.Contains(t, fc.ApprovedCSRs, "csr-new")
}

func TestWorkerAdditionResolvesByConsumerRefOnly(t *testing.T) {
	fc := fake.NewCluster()
	fc.BMHs["worker-3"] = testBMH("worker-3", "provisioned")
	machine := testMachine("one-zpspd-worker-3", "Provisioned")
	machine.SetAnnotations(map[string]string{"metal3.io/BareMetalHost": "openshift-machine-api/worker-3"})
	fc.Machines["one-zpspd-worker-3"] = machine
	ctx := context.Background()

	add := newTestMonitor(fc, "worker-3", true)
	add.startTime = add.clock.Now()
	add.step(ctx)
	add.step(ctx)
	assert.Equal(t, AwaitingMachine, add.Phase(), "pool additions wait for the consumer reference")
	assert.Empty(t, add.MachineName())

	cp := newTestMonitor(fc, "worker-3", false)
	cp.startTime = cp.clock.Now()
	cp.step(ctx)
	cp.step(ctx)
	assert.Equal(t, AwaitingRunning, cp.Phase(), "control plane ops may match by annotation")
	assert.Equal(t, "one-zpspd-worker-3", cp.MachineName())
}

func TestMachineFallbackByNodeNumber(t *testing.T) {
	fc := fake.NewCluster()
	fc.BMHs["master-5"] = testBMH("master-5", "provisioned")
	fc.Machines["one-zpspd-master-5"] = testMachine("one-zpspd-master-5", "Provisioned")
	fc.Machines["one-zpspd-master-1"] = testMachine("one-zpspd-master-1", "Running")
	ctx := context.Background()

	m := newTestMonitor(fc, "master-5", false)
	m.startTime = m.clock.Now()
	m.step(ctx)
	m.step(ctx)
	assert.Equal(t, "one-zpspd-master-5", m.MachineName())
	assert.Equal(t, ResolvedNumericHeuristic, m.ResolvedVia())
}

func TestNodeReadinessCheckWarnsOnAPIError(t *testing.T) {
	fc := fake.NewCluster()
	fc.BMHs["master-5"] = withConsumer(testBMH("master-5", "provisioned"), "one-zpspd-master-5")
	fc.Machines["one-zpspd-master-5"] = testMachine("one-zpspd-master-5", "Running")
	ctx := context.Background()

	var out strings.Builder
	m := New(fc, report.New(report.WithWriter(&out), report.WithColor(false)), logr.Discard(), "master-5", false)
	m.CSRApprovePause = 0
	m.startTime = m.clock.Now()

	m.step(ctx)
	m.step(ctx)
	m.step(ctx)
	require.Equal(t, AwaitingReady, m.Phase())

	fc.NodeErr = apierrors.NewInternalError(errors.New("etcdserver: request timed out"))
	m.step(ctx)
	assert.False(t, m.nodeReady)
	assert.Contains(t, out.String(), "Failed to read node master-5")

	// The next iteration sees the node again.
	fc.Nodes["master-5"] = testNode("master-5", true)
	m.step(ctx)
	assert.True(t, m.nodeReady)
}

func TestMonitorInterrupted(t *testing.T) {
	fc := fake.NewCluster()
	m := newTestMonitor(fc, "master-5", false)
	m.Interval = time.Hour
	m.Timeout = 2 * time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := m.Run(ctx)
	require.False(t, result.Success)
	assert.True(t, result.Interrupted)
	assert.Contains(t, result.Message, "interrupted")
	assert.NotEmpty(t, result.Remediation)
}
