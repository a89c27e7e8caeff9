// Package orchestrator sequences the full node operations: control plane
// replacement, control plane expansion, and worker addition.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/utils/clock"

	"github.com/baremetal-ops/nodereplace/internal/backup"
	"github.com/baremetal-ops/nodereplace/internal/cluster"
	"github.com/baremetal-ops/nodereplace/internal/etcd"
	"github.com/baremetal-ops/nodereplace/internal/monitor"
	"github.com/baremetal-ops/nodereplace/internal/nodeconfig"
	"github.com/baremetal-ops/nodereplace/internal/report"
	"github.com/baremetal-ops/nodereplace/internal/resources"
)

// Kind selects which operation to run.
type Kind int

const (
	Replacement Kind = iota
	Expansion
	Addition
)

func (k Kind) String() string {
	switch k {
	case Replacement:
		return "Control plane replacement"
	case Expansion:
		return "Control plane expansion"
	default:
		return "Worker addition"
	}
}

// baseSteps is the step count per operation before any conflict resolution.
func (k Kind) baseSteps() int {
	switch k {
	case Replacement:
		return 12
	case Expansion:
		return 9
	default:
		return 6
	}
}

// NormalizeRole maps the role aliases accepted on the command line to the
// machine role. Control plane spellings all become master.
func NormalizeRole(role string) string {
	switch strings.ToLower(role) {
	case "", "master", "control", "control-plane", "controlplane":
		return "master"
	default:
		return strings.ToLower(role)
	}
}

// Config carries the operation parameters collected from the command line.
type Config struct {
	Kind Kind
	// NodeName is the node being added or the replacement's name.
	NodeName   string
	NodeIP     string
	BMCIP      string
	MACAddress string
	// Role is the normalized machine role. Replacement and expansion use
	// master, addition uses worker.
	Role     string
	SushyUID string
	// BackupDir overrides the default backup location when set.
	BackupDir string
	// SkipEtcd skips member removal and secret cleanup, for reruns where
	// those already completed. The quorum guard is still managed.
	SkipEtcd bool
}

// Result summarizes a completed or failed operation.
type Result struct {
	Success bool
	Runtime time.Duration
	// StepsTotal is the announced step count, including conflict steps.
	StepsTotal int
	// Monitor holds the provisioning outcome when monitoring ran.
	Monitor *monitor.Result
	Err     error
}

type provisionMonitor interface {
	Run(ctx context.Context) *monitor.Result
}

// Orchestrator wires the managers together and runs one operation at a time.
type Orchestrator struct {
	cluster  cluster.Interface
	reporter *report.Reporter
	log      logr.Logger
	clock    clock.Clock

	backup    *backup.Manager
	etcd      *etcd.Manager
	resources *resources.Manager
	config    *nodeconfig.Configurator

	// MonitorTimeout and MonitorInterval override the provisioning
	// monitor's defaults when set.
	MonitorTimeout  time.Duration
	MonitorInterval time.Duration

	newMonitor func(nodeName string, isAddition bool) provisionMonitor
}

// New builds an Orchestrator with production managers.
func New(c cluster.Interface, reporter *report.Reporter, log logr.Logger) *Orchestrator {
	o := &Orchestrator{
		cluster:   c,
		reporter:  reporter,
		log:       log,
		clock:     clock.RealClock{},
		backup:    backup.NewManager(c, reporter, log),
		etcd:      etcd.NewManager(c, reporter, log),
		resources: resources.NewManager(c, reporter, log),
		config:    nodeconfig.New(reporter, log),
	}
	o.newMonitor = func(nodeName string, isAddition bool) provisionMonitor {
		m := monitor.New(c, reporter, log, nodeName, isAddition)
		if o.MonitorTimeout > 0 {
			m.Timeout = o.MonitorTimeout
		}
		if o.MonitorInterval > 0 {
			m.Interval = o.MonitorInterval
		}
		return m
	}
	return o
}

// WithClock replaces the orchestrator's clock.
func (o *Orchestrator) WithClock(c clock.Clock) *Orchestrator {
	o.clock = c
	return o
}

// run tracks the state threaded through one operation.
type run struct {
	cfg   Config
	step  int
	total int
	// guardDisabled is true while the etcd quorum guard override is in
	// place, so failures can warn about reduced fault tolerance.
	guardDisabled bool
	// badNode is the failed node being replaced; refined as etcd cleanup
	// resolves its full name.
	badNode     string
	bmhName     string
	machineName string
	files       *backup.FileSet
}

func (r *run) machineRole() string {
	if r.cfg.Kind == Addition {
		return "worker"
	}
	return NormalizeRole(r.cfg.Role)
}

func (r *run) bmhRole() string {
	if r.machineRole() == "master" {
		return "control-plane"
	}
	return "worker"
}

// Run executes the configured operation end to end.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) *Result {
	start := o.clock.Now()
	o.reporter.Header(fmt.Sprintf("%s: %s", cfg.Kind, cfg.NodeName))

	r := &run{cfg: cfg, total: cfg.Kind.baseSteps()}
	result := &Result{}

	var err error
	switch cfg.Kind {
	case Replacement:
		err = o.runReplacement(ctx, r, result)
	case Expansion:
		err = o.runExpansion(ctx, r, result)
	default:
		err = o.runAddition(ctx, r, result)
	}

	result.Runtime = o.clock.Since(start)
	result.StepsTotal = r.total

	if err != nil {
		result.Err = err
		o.reportFailure(r, err.Error(), result.Runtime)
		return result
	}
	if result.Monitor != nil && !result.Monitor.Success {
		o.reportFailure(r, fmt.Sprintf("provisioning failed at %s", result.Monitor.PhaseMarker), result.Runtime)
		return result
	}

	result.Success = true
	o.reporter.Success("%s completed in %s", cfg.Kind, report.FormatDuration(result.Runtime))
	return result
}

func (o *Orchestrator) stepHeader(r *run, message string) {
	r.step++
	o.reporter.Step(r.step, r.total, message)
}

func (o *Orchestrator) runReplacement(ctx context.Context, r *run, result *Result) error {
	if err := o.setupBackupDir(ctx, r); err != nil {
		return err
	}
	if err := o.checkMACConflict(ctx, r); err != nil {
		return err
	}

	o.stepHeader(r, "Identifying failed control plane node")
	failed, err := o.determineFailedControlNode(ctx)
	if err != nil {
		return err
	}
	r.badNode = failed
	o.reporter.Success("Failed control plane node: %s", failed)

	o.stepHeader(r, "Removing failed etcd member")
	if r.cfg.SkipEtcd {
		o.reporter.Info("Skipped: member removal already completed")
	} else {
		removal, err := o.etcd.RemoveFailedMember(ctx, failed)
		if err != nil {
			return fmt.Errorf("etcd member removal failed: %w", err)
		}
		if removal.Outcome == etcd.AllHealthy {
			o.reporter.Info("All etcd endpoints healthy, no member to remove")
		}
	}

	// The guard disable is idempotent, so it runs even with the etcd
	// operations skipped: a previous partial run may have left it either way.
	o.stepHeader(r, "Disabling etcd quorum guard")
	if err := o.etcd.DisableQuorumGuard(ctx); err != nil {
		return fmt.Errorf("failed to disable quorum guard: %w", err)
	}
	r.guardDisabled = true

	o.stepHeader(r, "Cleaning up etcd member secrets")
	if r.cfg.SkipEtcd {
		o.reporter.Info("Skipped: secret cleanup already completed")
	} else {
		resolved, count, err := o.etcd.CleanupMemberSecrets(ctx, failed)
		if err != nil {
			return fmt.Errorf("etcd secret cleanup failed: %w", err)
		}
		r.badNode = resolved
		o.reporter.Info("Removed %d secret(s) for %s", count, resolved)
	}

	o.stepHeader(r, "Backing up network configuration")
	if err := o.backupNetworkConfig(ctx, r.badNode); err != nil {
		return err
	}

	o.stepHeader(r, "Backing up and removing failed node resources")
	bmhName, machineName, err := o.resources.FindAndBackupFailedNode(ctx, r.badNode, o.backup)
	if err != nil {
		return err
	}
	r.bmhName, r.machineName = bmhName, machineName

	o.stepHeader(r, "Creating replacement configuration files")
	files, err := o.backup.CopyForReplacement(r.badNode, r.bmhName, r.machineName, r.cfg.NodeName)
	if err != nil {
		return err
	}
	r.files = files

	o.stepHeader(r, "Configuring replacement node definitions")
	if err := o.configureNode(r); err != nil {
		return err
	}

	o.stepHeader(r, "Applying replacement resources")
	if err := o.resources.ApplyResources(ctx, r.files, false); err != nil {
		return err
	}

	o.stepHeader(r, "Monitoring provisioning")
	result.Monitor = o.newMonitor(r.cfg.NodeName, false).Run(ctx)
	return nil
}

func (o *Orchestrator) runExpansion(ctx context.Context, r *run, result *Result) error {
	if err := o.setupBackupDir(ctx, r); err != nil {
		return err
	}
	if err := o.checkMACConflict(ctx, r); err != nil {
		return err
	}

	o.stepHeader(r, "Disabling etcd quorum guard")
	if err := o.etcd.DisableQuorumGuard(ctx); err != nil {
		return fmt.Errorf("failed to disable quorum guard: %w", err)
	}
	r.guardDisabled = true

	o.stepHeader(r, "Selecting template host")
	template, err := o.backup.BackupTemplateBMH(ctx, "", true)
	if err != nil {
		return err
	}
	r.bmhName = template.Name

	o.stepHeader(r, "Backing up template configuration")
	if err := o.backupNetworkConfig(ctx, template.Name); err != nil {
		return err
	}
	machineName, err := o.backupTemplateMachine(ctx, template.Name)
	if err != nil {
		return err
	}
	r.machineName = machineName

	o.stepHeader(r, "Creating configuration files")
	files, err := o.backup.CopyForReplacement(template.Name, r.bmhName, r.machineName, r.cfg.NodeName)
	if err != nil {
		return err
	}
	r.files = files

	o.stepHeader(r, "Configuring new node definitions")
	if err := o.configureNode(r); err != nil {
		return err
	}

	o.stepHeader(r, "Applying resources and monitoring provisioning")
	if err := o.resources.ApplyResources(ctx, r.files, false); err != nil {
		return err
	}
	result.Monitor = o.newMonitor(r.cfg.NodeName, false).Run(ctx)
	if !result.Monitor.Success {
		return nil
	}

	o.stepHeader(r, "Re-enabling etcd quorum guard")
	if err := o.etcd.EnableQuorumGuard(ctx); err != nil {
		return fmt.Errorf("failed to re-enable quorum guard: %w", err)
	}
	r.guardDisabled = false
	return nil
}

func (o *Orchestrator) runAddition(ctx context.Context, r *run, result *Result) error {
	o.reporter.Info("Skipping etcd operations: worker addition does not affect quorum")

	if err := o.setupBackupDir(ctx, r); err != nil {
		return err
	}
	if err := o.checkMACConflict(ctx, r); err != nil {
		return err
	}

	o.stepHeader(r, "Selecting template host")
	template, err := o.backup.BackupTemplateBMH(ctx, "", false)
	if err != nil {
		return err
	}
	r.bmhName = template.Name

	o.stepHeader(r, "Backing up template configuration and creating files")
	if err := o.backupNetworkConfig(ctx, template.Name); err != nil {
		return err
	}
	machineName, err := o.backupTemplateMachine(ctx, template.Name)
	if err != nil {
		return err
	}
	r.machineName = machineName
	files, err := o.backup.CopyForReplacement(template.Name, r.bmhName, r.machineName, r.cfg.NodeName)
	if err != nil {
		return err
	}
	r.files = files

	o.stepHeader(r, "Configuring node definitions")
	if err := o.configureNode(r); err != nil {
		return err
	}

	o.stepHeader(r, "Applying resources and monitoring provisioning")
	if err := o.resources.ApplyResources(ctx, r.files, true); err != nil {
		return err
	}
	machineSet, err := o.resources.FindWorkerMachineSet(ctx)
	if err != nil {
		return err
	}
	if _, err := o.resources.ScaleMachineSet(ctx, machineSet, resources.ScaleUp); err != nil {
		return fmt.Errorf("failed to scale up machine set %s: %w", machineSet, err)
	}
	result.Monitor = o.newMonitor(r.cfg.NodeName, true).Run(ctx)
	return nil
}

func (o *Orchestrator) setupBackupDir(ctx context.Context, r *run) error {
	o.stepHeader(r, "Setting up backup directory")
	dir, err := o.backup.SetupDirectory(ctx, r.cfg.BackupDir)
	if err != nil {
		return err
	}
	o.reporter.Info("Backups will be written to %s", dir)
	return nil
}

// checkMACConflict looks for an existing host claiming the new node's MAC
// address and, when found, expands the plan with the resolution steps.
func (o *Orchestrator) checkMACConflict(ctx context.Context, r *run) error {
	o.stepHeader(r, "Checking for MAC address conflicts")
	if r.cfg.MACAddress == "" {
		o.reporter.Info("No MAC address provided, skipping conflict check")
		return nil
	}

	conflict, err := o.resources.FindBMHByMAC(ctx, r.cfg.MACAddress)
	if err != nil {
		return err
	}
	if conflict == nil {
		o.reporter.Success("No conflicting host found for %s", r.cfg.MACAddress)
		return nil
	}

	o.reporter.Warning("Host %s already uses MAC %s", conflict.BMHName, r.cfg.MACAddress)
	r.total += 3

	o.stepHeader(r, "Resolving MAC address conflict")
	if _, err := o.resources.ResolveMACConflict(ctx, r.cfg.MACAddress); err != nil {
		return fmt.Errorf("failed to resolve MAC conflict: %w", err)
	}

	o.stepHeader(r, "Refreshing host inventory")
	if _, err := o.resources.BMHCollection(ctx, true); err != nil {
		return err
	}

	o.stepHeader(r, "Verifying conflict resolution")
	remaining, err := o.resources.FindBMHByMAC(ctx, r.cfg.MACAddress)
	if err != nil {
		return err
	}
	if remaining != nil {
		return fmt.Errorf("host %s still holds MAC %s after conflict resolution", remaining.BMHName, r.cfg.MACAddress)
	}
	o.reporter.Success("MAC conflict resolved")
	return nil
}

// determineFailedControlNode returns the control plane node whose Ready
// condition is not True.
func (o *Orchestrator) determineFailedControlNode(ctx context.Context) (string, error) {
	nodes, err := o.cluster.ListNodes(ctx, cluster.ControlPlaneLabel)
	if err != nil {
		return "", fmt.Errorf("failed to list control plane nodes: %w", err)
	}
	for i := range nodes.Items {
		for _, condition := range nodes.Items[i].Status.Conditions {
			if condition.Type == corev1.NodeReady && condition.Status != corev1.ConditionTrue {
				return nodes.Items[i].Name, nil
			}
		}
	}
	return "", fmt.Errorf("no failed control plane node found")
}

func (o *Orchestrator) backupNetworkConfig(ctx context.Context, node string) error {
	if _, err := o.backup.ExtractNMState(ctx, node); err != nil {
		return err
	}
	if _, err := o.backup.BackupSecret(ctx, node, "bmc-secret", "-bmc-secret.yaml"); err != nil {
		return err
	}
	if _, err := o.backup.BackupSecret(ctx, node, "network-config-secret", "_network-config-secret.yaml"); err != nil {
		return err
	}
	return nil
}

// backupTemplateMachine backs up the machine bound to the template host and
// returns its name.
func (o *Orchestrator) backupTemplateMachine(ctx context.Context, templateName string) (string, error) {
	bmh, err := o.cluster.GetBareMetalHost(ctx, templateName)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve template host %s: %w", templateName, err)
	}
	kind, _, _ := unstructured.NestedString(bmh.Object, "spec", "consumerRef", "kind")
	name, _, _ := unstructured.NestedString(bmh.Object, "spec", "consumerRef", "name")
	if kind != "Machine" || name == "" {
		return "", fmt.Errorf("template host %s has no consumer machine reference", templateName)
	}
	machine, err := o.cluster.GetMachine(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve template machine %s: %w", name, err)
	}
	if _, err := o.backup.BackupMachine(name, machine); err != nil {
		return "", err
	}
	return name, nil
}

func (o *Orchestrator) configureNode(r *run) error {
	files := r.files
	cfg := r.cfg

	if err := o.config.UpdateNMStateIP(files.Path(backup.KindNMState), cfg.NodeIP); err != nil {
		return err
	}
	if err := o.config.UpdateNetworkSecret(files.Path(backup.KindNMState), files.Path(backup.KindNetworkSecret), cfg.NodeName); err != nil {
		return err
	}
	if err := o.config.UpdateBMCSecretName(files.Path(backup.KindBMCSecret), cfg.NodeName); err != nil {
		return err
	}
	if err := o.config.UpdateBMH(files.Path(backup.KindBMH), nodeconfig.BMHParams{
		NodeName:   cfg.NodeName,
		BMCIP:      cfg.BMCIP,
		MACAddress: cfg.MACAddress,
		SushyUID:   cfg.SushyUID,
		Role:       r.bmhRole(),
	}); err != nil {
		return err
	}
	machineName, err := o.config.UpdateMachine(files.Path(backup.KindMachine), cfg.NodeName, r.machineRole())
	if err != nil {
		return err
	}
	o.reporter.Info("New machine will be named %s", machineName)
	return nil
}

// reportFailure prints the failure summary. There is no automatic rollback:
// backups stay on disk and the guidance tells the operator how to restore.
func (o *Orchestrator) reportFailure(r *run, reason string, runtime time.Duration) {
	o.reporter.Error("%s failed after %s: %s", r.cfg.Kind, report.FormatDuration(runtime), reason)
	if dir := o.backup.Dir(); dir != "" {
		o.reporter.Info("Backups are retained in %s, restore with: oc apply -f <backup-file>", dir)
	}
	if r.guardDisabled {
		o.reporter.Warning("The etcd quorum guard is still disabled and the cluster tolerates no further failures")
		o.reporter.Warning("Re-enable it once the cluster is stable: oc patch etcd cluster --type=merge -p '{\"spec\": {\"unsupportedConfigOverrides\": null}}'")
	}
}
