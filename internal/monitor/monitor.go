// Package monitor tracks a new node's provisioning from bare-metal claim to
// cluster-ready, approving pending certificate signing requests along the way.
package monitor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/utils/clock"

	"github.com/baremetal-ops/nodereplace/internal/cluster"
	"github.com/baremetal-ops/nodereplace/internal/report"
)

// Phase identifies how far provisioning has progressed. Phases only ever
// advance.
type Phase int

const (
	AwaitingClaim Phase = iota
	AwaitingMachine
	AwaitingRunning
	AwaitingReady
)

// Marker returns the operator-facing label for the phase.
func (p Phase) Marker() string {
	switch p {
	case AwaitingClaim:
		return "Phase 1: BMH Provisioned"
	case AwaitingMachine:
		return "Phase 2: Machine Created"
	case AwaitingRunning:
		return "Phase 3: Machine Running"
	default:
		return "Phase 4: Node Ready"
	}
}

const bmhAnnotation = "metal3.io/BareMetalHost"

var nodeNumberPattern = regexp.MustCompile(`(\d+)`)

// ResolutionStrategy records how the machine name was discovered, so callers
// can tell the authoritative path from the heuristic one.
type ResolutionStrategy int

const (
	ResolvedNone ResolutionStrategy = iota
	// ResolvedConsumerRef means the claim's consumer reference named the
	// machine. Authoritative.
	ResolvedConsumerRef
	// ResolvedNumericHeuristic means the machine was matched by its host
	// annotation or by the node's embedded number. Best effort, for
	// control plane operations only.
	ResolvedNumericHeuristic
)

func (s ResolutionStrategy) String() string {
	switch s {
	case ResolvedConsumerRef:
		return "consumer reference"
	case ResolvedNumericHeuristic:
		return "numeric match"
	default:
		return "unresolved"
	}
}

// Result is the outcome of a monitoring run.
type Result struct {
	Success bool
	// Phase is the deepest phase reached.
	Phase Phase
	// PhaseMarker labels that phase for the completion report.
	PhaseMarker string
	// Message describes the failure; empty on success.
	Message string
	// Remediation lists concrete operator commands for the failed phase.
	Remediation []string
	// Interrupted is true when the run was cancelled rather than timed out.
	Interrupted bool
}

// Monitor drives the provisioning state machine for one node.
type Monitor struct {
	cluster  cluster.Interface
	reporter *report.Reporter
	log      logr.Logger
	clock    clock.Clock

	// NodeName is the node (and host) being provisioned.
	NodeName string
	// IsAddition selects worker pool addition semantics: the machine is
	// discovered through the claim's consumer reference only.
	IsAddition bool

	Timeout  time.Duration
	Interval time.Duration
	// CSRCheckDelay arms credential approval this long after the machine
	// resolves; EarlyCSRThreshold arms it sooner when the machine sits in
	// its Provisioning sub-phase.
	CSRCheckDelay     time.Duration
	EarlyCSRThreshold time.Duration
	// CSRApprovePause rests briefly after a batch of approvals.
	CSRApprovePause time.Duration

	phase           Phase
	claimResolved   bool
	machineResolved bool
	machineRunning  bool
	nodeReady       bool
	machineName     string
	resolvedVia     ResolutionStrategy

	startTime       time.Time
	machineSeenTime time.Time
	csrArmed        bool
	csrArmedReason  string

	diverged    bool
	divergedMsg string
}

// New returns a Monitor with production timings.
func New(c cluster.Interface, reporter *report.Reporter, log logr.Logger, nodeName string, isAddition bool) *Monitor {
	return &Monitor{
		cluster:           c,
		reporter:          reporter,
		log:               log,
		clock:             clock.RealClock{},
		NodeName:          nodeName,
		IsAddition:        isAddition,
		Timeout:           45 * time.Minute,
		Interval:          25 * time.Second,
		CSRCheckDelay:     10 * time.Minute,
		EarlyCSRThreshold: 3 * time.Minute,
		CSRApprovePause:   3 * time.Second,
	}
}

// WithClock replaces the monitor's clock. Tests use this with a fake clock.
func (m *Monitor) WithClock(c clock.Clock) *Monitor {
	m.clock = c
	return m
}

// Phase returns the current phase.
func (m *Monitor) Phase() Phase { return m.phase }

// MachineName returns the resolved machine name, or "".
func (m *Monitor) MachineName() string { return m.machineName }

// ResolvedVia reports which strategy discovered the machine.
func (m *Monitor) ResolvedVia() ResolutionStrategy { return m.resolvedVia }

// Run polls until the node is ready, provisioning diverges, the timeout
// expires, or the context is cancelled.
func (m *Monitor) Run(ctx context.Context) *Result {
	m.reporter.Info("Starting provisioning monitor for %s", m.NodeName)
	m.startTime = m.clock.Now()

	for {
		if m.clock.Since(m.startTime) >= m.Timeout {
			return m.timeoutResult()
		}

		m.step(ctx)

		if m.nodeReady {
			return m.successResult()
		}
		if m.diverged {
			return m.divergedResult()
		}

		if err := m.sleep(ctx, m.Interval); err != nil {
			return m.interruptedResult()
		}
	}
}

// step runs one monitoring iteration: progress output, the current phase's
// check, and, once armed, credential approval regardless of phase.
func (m *Monitor) step(ctx context.Context) {
	m.printProgress()

	switch {
	case !m.claimResolved:
		m.checkClaim(ctx)
	case !m.machineResolved:
		m.resolveMachine(ctx)
	case !m.machineRunning:
		m.checkMachineRunning(ctx)
	default:
		m.checkNodeReady(ctx)
	}

	if m.csrArmed {
		m.approvePendingCSRs(ctx)
	}
}

func (m *Monitor) checkClaim(ctx context.Context) {
	bmh, err := m.cluster.GetBareMetalHost(ctx, m.NodeName)
	if err != nil {
		if apierrors.IsNotFound(err) {
			m.reporter.Info("Host %s not found yet, waiting for it to appear", m.NodeName)
		} else {
			m.reporter.Warning("Failed to read host %s: %v", m.NodeName, err)
		}
		return
	}

	state, _, _ := unstructured.NestedString(bmh.Object, "status", "provisioning", "state")
	switch state {
	case "provisioned":
		m.claimResolved = true
		m.advance(AwaitingMachine)
		m.reporter.Success("Host %s is provisioned and ready for machine binding", m.NodeName)
	case "error":
		m.fail(fmt.Sprintf("host %s is in error state", m.NodeName))
	default:
		m.reporter.Info("Host %s state: %s, waiting for provisioned", m.NodeName, state)
	}
}

func (m *Monitor) resolveMachine(ctx context.Context) {
	if name := m.machineFromConsumerRef(ctx); name != "" {
		m.machineName = name
		m.resolvedVia = ResolvedConsumerRef
	} else if !m.IsAddition {
		// Control plane operations can fall back to numeric matching
		// very early in binding.
		if name := m.machineByNodeNumber(ctx); name != "" {
			m.machineName = name
			m.resolvedVia = ResolvedNumericHeuristic
		}
	}

	if m.machineName == "" {
		if m.IsAddition {
			m.reporter.Info("Waiting for the machine set to create the machine and bind the host")
		} else {
			m.reporter.Info("Waiting for the applied machine to bind to the host")
		}
		return
	}

	m.machineResolved = true
	m.machineSeenTime = m.clock.Now()
	m.advance(AwaitingRunning)
	m.reporter.Success("Machine discovered via %s: %s", m.resolvedVia, m.machineName)
}

func (m *Monitor) machineFromConsumerRef(ctx context.Context) string {
	bmh, err := m.cluster.GetBareMetalHost(ctx, m.NodeName)
	if err != nil {
		return ""
	}
	kind, _, _ := unstructured.NestedString(bmh.Object, "spec", "consumerRef", "kind")
	name, _, _ := unstructured.NestedString(bmh.Object, "spec", "consumerRef", "name")
	if kind != "Machine" || name == "" {
		return ""
	}
	return name
}

// machineByNodeNumber scans machines for one whose host annotation names the
// node, then for one whose name shares the node's embedded number.
func (m *Monitor) machineByNodeNumber(ctx context.Context) string {
	machines, err := m.cluster.ListMachines(ctx)
	if err != nil || len(machines.Items) == 0 {
		return ""
	}

	for i := range machines.Items {
		annotation := machines.Items[i].GetAnnotations()[bmhAnnotation]
		if annotation != "" && strings.Contains(annotation, m.NodeName) {
			return machines.Items[i].GetName()
		}
	}

	number := nodeNumberPattern.FindString(m.NodeName)
	if number == "" {
		return ""
	}
	for i := range machines.Items {
		if name := machines.Items[i].GetName(); strings.Contains(name, number) {
			return name
		}
	}
	return ""
}

func (m *Monitor) checkMachineRunning(ctx context.Context) {
	machinePhase := m.machinePhase(ctx)
	m.updateCSRArming(machinePhase)

	switch machinePhase {
	case "Running":
		m.machineRunning = true
		m.advance(AwaitingReady)
		// Certificate issuance is what gates node readiness from here on.
		m.arm("machine running")
		m.reporter.Success("Machine %s is running, now monitoring node readiness", m.machineName)
	case "Failed":
		m.fail(fmt.Sprintf("machine %s is in Failed state", m.machineName))
	case "":
		m.reporter.Info("Machine %s not found, continuing to monitor", m.machineName)
	default:
		m.reporter.Info("Machine %s phase: %s, waiting for Running", m.machineName, machinePhase)
	}
}

func (m *Monitor) machinePhase(ctx context.Context) string {
	machine, err := m.cluster.GetMachine(ctx, m.machineName)
	if err != nil {
		return ""
	}
	phase, _, _ := unstructured.NestedString(machine.Object, "status", "phase")
	return phase
}

func (m *Monitor) updateCSRArming(machinePhase string) {
	if m.csrArmed || m.machineSeenTime.IsZero() {
		return
	}
	elapsed := m.clock.Since(m.machineSeenTime)
	if elapsed >= m.CSRCheckDelay {
		m.arm("10min timer")
		m.reporter.Info("Credential approval armed after %s", report.FormatDuration(m.CSRCheckDelay))
	} else if elapsed >= m.EarlyCSRThreshold && machinePhase == "Provisioning" {
		m.arm("3min threshold")
		m.reporter.Info("Machine stuck in Provisioning, arming credential approval early")
	}
}

func (m *Monitor) arm(reason string) {
	if !m.csrArmed {
		m.csrArmed = true
		m.csrArmedReason = reason
	}
}

func (m *Monitor) checkNodeReady(ctx context.Context) {
	node, err := m.cluster.GetNode(ctx, m.NodeName)
	if err != nil {
		if apierrors.IsNotFound(err) {
			m.reporter.Info("Node %s not found yet, waiting for it to appear", m.NodeName)
		} else {
			m.reporter.Warning("Failed to read node %s: %v", m.NodeName, err)
		}
		return
	}

	for _, condition := range node.Status.Conditions {
		if condition.Type != corev1.NodeReady {
			continue
		}
		if condition.Status == corev1.ConditionTrue {
			m.nodeReady = true
			m.reporter.Success("Node %s is Ready", m.NodeName)
		} else {
			m.reporter.Info("Node %s is still NotReady, continuing to monitor", m.NodeName)
		}
		return
	}
}

// approvePendingCSRs approves every request with no status conditions yet.
func (m *Monitor) approvePendingCSRs(ctx context.Context) {
	csrs, err := m.cluster.ListCSRs(ctx)
	if err != nil {
		return
	}

	var pending []string
	for i := range csrs.Items {
		if len(csrs.Items[i].Status.Conditions) == 0 {
			pending = append(pending, csrs.Items[i].Name)
		}
	}
	if len(pending) == 0 {
		return
	}

	m.reporter.Info("Found %d pending certificate request(s), approving", len(pending))
	for _, name := range pending {
		if err := m.cluster.ApproveCSR(ctx, name); err != nil {
			m.reporter.Warning("Failed to approve certificate request %s: %v", name, err)
			continue
		}
		m.reporter.Success("Approved certificate request: %s", name)
	}
	_ = m.sleep(ctx, m.CSRApprovePause)
}

func (m *Monitor) advance(p Phase) {
	if p > m.phase {
		m.phase = p
	}
}

func (m *Monitor) fail(msg string) {
	m.diverged = true
	m.divergedMsg = msg
	m.reporter.Error("%s, manual intervention required", msg)
}

func (m *Monitor) printProgress() {
	elapsed := int(m.clock.Since(m.startTime).Seconds())
	remaining := int((m.Timeout - m.clock.Since(m.startTime)).Seconds())

	csrStatus := ""
	if m.machineResolved && !m.machineSeenTime.IsZero() {
		if m.csrArmed {
			csrStatus = fmt.Sprintf(", CSR checking: ACTIVE (%s)", m.csrArmedReason)
		} else {
			machineElapsed := m.clock.Since(m.machineSeenTime)
			if machineElapsed >= m.EarlyCSRThreshold {
				csrStatus = ", CSR checking: may activate if machine stuck in Provisioning"
			} else {
				csrStatus = fmt.Sprintf(", CSR early check: %ds, full check: %ds",
					int((m.EarlyCSRThreshold-machineElapsed).Seconds()),
					int((m.CSRCheckDelay-machineElapsed).Seconds()))
			}
		}
	}
	m.reporter.Info("Elapsed: %ds, Remaining: %ds%s", elapsed, remaining, csrStatus)
}

func (m *Monitor) successResult() *Result {
	m.reporter.Success("Provisioning sequence completed")
	return &Result{Success: true, Phase: AwaitingReady, PhaseMarker: AwaitingReady.Marker()}
}

func (m *Monitor) timeoutResult() *Result {
	m.reporter.Warning("Provisioning did not complete within %s", report.FormatDuration(m.Timeout))
	result := &Result{Phase: m.phase, PhaseMarker: m.phase.Marker()}
	result.Message, result.Remediation = m.failureDetail()
	m.reportFailure(result)
	return result
}

func (m *Monitor) divergedResult() *Result {
	result := &Result{Phase: m.phase, PhaseMarker: m.phase.Marker(), Message: m.divergedMsg}
	_, result.Remediation = m.failureDetail()
	m.reportFailure(result)
	return result
}

func (m *Monitor) interruptedResult() *Result {
	m.reporter.Warning("Monitoring interrupted by user")
	return &Result{
		Phase:       m.phase,
		PhaseMarker: m.phase.Marker(),
		Message:     "monitoring interrupted by user",
		Interrupted: true,
		Remediation: []string{
			fmt.Sprintf("Check host status manually: oc get bmh %s -n %s", m.NodeName, cluster.MachineAPINamespace),
			fmt.Sprintf("Check node status manually: oc get node %s", m.NodeName),
		},
	}
}

func (m *Monitor) failureDetail() (string, []string) {
	switch {
	case !m.claimResolved:
		return "host did not become provisioned", []string{
			fmt.Sprintf("Check host status: oc get bmh %s -n %s", m.NodeName, cluster.MachineAPINamespace),
			fmt.Sprintf("Check host details: oc describe bmh %s -n %s", m.NodeName, cluster.MachineAPINamespace),
			"Check for hardware or networking issues",
			"Verify BMC credentials and connectivity",
		}
	case !m.machineResolved:
		return "machine creation or binding failed", []string{
			fmt.Sprintf("Check host status: oc get bmh %s -n %s", m.NodeName, cluster.MachineAPINamespace),
			"Manually apply the machine definition: oc apply -f <machine-yaml>",
		}
	case !m.machineRunning:
		return "machine did not reach Running state", []string{
			fmt.Sprintf("Check machine status: oc get machines -n %s", cluster.MachineAPINamespace),
			fmt.Sprintf("Check machine details: oc describe machine %s -n %s", m.machineName, cluster.MachineAPINamespace),
			"Check for provisioning errors in the machine status",
		}
	default:
		return "node did not become Ready", []string{
			fmt.Sprintf("Check node status: oc get node %s", m.NodeName),
			"Check for pending certificate requests: oc get csr --watch",
			"Manually approve requests if needed: oc adm certificate approve <csr-name>",
			fmt.Sprintf("Check machine status: oc get machine -n %s", cluster.MachineAPINamespace),
			fmt.Sprintf("Check host status: oc get bmh %s -n %s", m.NodeName, cluster.MachineAPINamespace),
		}
	}
}

func (m *Monitor) reportFailure(result *Result) {
	m.reporter.Warning("FAILED at %s: %s", result.PhaseMarker, result.Message)
	for i, step := range result.Remediation {
		m.reporter.Info("%d. %s", i+1, step)
	}
}

func (m *Monitor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := m.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}
