// Package resources finds, backs up, deletes, and verifies deletion of a
// node's cluster identity resources, and manages machine pool replica counts.
package resources

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/utils/clock"

	"github.com/baremetal-ops/nodereplace/internal/backup"
	"github.com/baremetal-ops/nodereplace/internal/cluster"
	"github.com/baremetal-ops/nodereplace/internal/report"
)

// ScaleDirection selects how a machine set's replica count changes.
type ScaleDirection int

const (
	ScaleUp ScaleDirection = iota
	ScaleDown
)

// ScaleResult classifies the outcome of a scaling request.
type ScaleResult int

const (
	// Scaled means the replica count was changed.
	Scaled ScaleResult = iota
	// AlreadyAtFloor means a scale-down hit zero replicas and was skipped.
	AlreadyAtFloor
)

// MACConflict describes an existing host already bound to the incoming MAC.
type MACConflict struct {
	BMHName     string
	MachineName string
	NodeName    string
}

// Manager performs resource lifecycle operations. Host collections are
// cached with a TTL because several steps repoll the same list.
type Manager struct {
	cluster  cluster.Interface
	reporter *report.Reporter
	log      logr.Logger
	clock    clock.Clock

	// CacheTTL bounds how long a fetched host collection is reused.
	CacheTTL time.Duration
	// VerifyInterval and VerifyTimeout bound the deletion poll.
	VerifyInterval time.Duration
	VerifyTimeout  time.Duration
	// PostDeleteDelay gives the API a moment after resource removal.
	PostDeleteDelay time.Duration

	bmhCache     *unstructured.UnstructuredList
	bmhCacheTime time.Time
}

// NewManager returns a Manager with production timings.
func NewManager(c cluster.Interface, reporter *report.Reporter, log logr.Logger) *Manager {
	return &Manager{
		cluster:         c,
		reporter:        reporter,
		log:             log,
		clock:           clock.RealClock{},
		CacheTTL:        5 * time.Minute,
		VerifyInterval:  5 * time.Second,
		VerifyTimeout:   2 * time.Minute,
		PostDeleteDelay: time.Second,
	}
}

// WithClock replaces the manager's clock. Tests use this with a fake clock.
func (m *Manager) WithClock(c clock.Clock) *Manager {
	m.clock = c
	return m
}

// BMHCollection returns the host list, reusing a cached copy within the TTL.
func (m *Manager) BMHCollection(ctx context.Context, forceRefresh bool) (*unstructured.UnstructuredList, error) {
	if !forceRefresh && m.bmhCache != nil && m.clock.Since(m.bmhCacheTime) < m.CacheTTL {
		return m.bmhCache, nil
	}

	m.reporter.Action("Retrieving host data from cluster")
	list, err := m.cluster.ListBareMetalHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	m.bmhCache = list
	m.bmhCacheTime = m.clock.Now()
	m.reporter.Success("Retrieved %d host(s) from cluster", len(list.Items))
	return list, nil
}

// FindBMHByPattern returns the first host whose name contains pattern.
func FindBMHByPattern(pattern string, hosts *unstructured.UnstructuredList) string {
	for i := range hosts.Items {
		if strings.Contains(hosts.Items[i].GetName(), pattern) {
			return hosts.Items[i].GetName()
		}
	}
	return ""
}

func findBMHByName(name string, hosts *unstructured.UnstructuredList) *unstructured.Unstructured {
	for i := range hosts.Items {
		if hosts.Items[i].GetName() == name {
			return &hosts.Items[i]
		}
	}
	return nil
}

// FindAndBackupFailedNode resolves the failed node's host by substring
// pattern, backs up the host and its bound machine, then deletes the machine
// first and the host second. The host collection is fetched once and reused.
func (m *Manager) FindAndBackupFailedNode(ctx context.Context, pattern string, backupMgr *backup.Manager) (string, string, error) {
	hosts, err := m.BMHCollection(ctx, false)
	if err != nil {
		return "", "", err
	}

	bmhName := FindBMHByPattern(pattern, hosts)
	if bmhName == "" {
		return "", "", fmt.Errorf("no host matches pattern %q", pattern)
	}
	m.reporter.Success("Found host: %s", bmhName)

	bmh := findBMHByName(bmhName, hosts)
	machineName, _, _ := unstructured.NestedString(bmh.Object, "spec", "consumerRef", "name")
	if machineName == "" {
		return "", "", fmt.Errorf("host %s has no consumer machine reference", bmhName)
	}
	m.reporter.Info("Identified machine from host consumer reference: %s", machineName)

	if _, err := backupMgr.BackupBMH(bmhName, bmh); err != nil {
		return "", "", err
	}
	machine, err := m.cluster.GetMachine(ctx, machineName)
	if err != nil {
		return "", "", fmt.Errorf("failed to retrieve machine %s: %w", machineName, err)
	}
	if _, err := backupMgr.BackupMachine(machineName, machine); err != nil {
		return "", "", err
	}

	// Machine goes first; deleting the host before the machine can orphan
	// hardware deprovisioning.
	m.reporter.Action("Removing machine %s", machineName)
	if err := m.cluster.DeleteMachine(ctx, machineName); err != nil && !apierrors.IsNotFound(err) {
		return "", "", fmt.Errorf("failed to delete machine %s: %w", machineName, err)
	}
	m.reporter.Action("Removing host %s", bmhName)
	if err := m.cluster.DeleteBareMetalHost(ctx, bmhName); err != nil && !apierrors.IsNotFound(err) {
		return "", "", fmt.Errorf("failed to delete host %s: %w", bmhName, err)
	}
	m.reporter.Success("Resource cleanup completed")
	if err := m.sleep(ctx, m.PostDeleteDelay); err != nil {
		return "", "", err
	}
	return bmhName, machineName, nil
}

// MachineSetForMachine returns the machine set owning the machine via owner
// reference. Label matching is deliberately not used; a manually created
// machine must never be attributed to a pool. Returns "" when unowned.
func (m *Manager) MachineSetForMachine(ctx context.Context, machineName string) (string, error) {
	machine, err := m.cluster.GetMachine(ctx, machineName)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve machine %s: %w", machineName, err)
	}
	for _, owner := range machine.GetOwnerReferences() {
		if owner.Kind == "MachineSet" {
			m.reporter.Info("Machine %s belongs to machine set %s", machineName, owner.Name)
			return owner.Name, nil
		}
	}
	m.reporter.Info("Machine %s is not managed by a machine set", machineName)
	return "", nil
}

// ScaleMachineSet adjusts the named machine set by one replica. Scaling down
// an empty set is an idempotent no-op reported as AlreadyAtFloor.
func (m *Manager) ScaleMachineSet(ctx context.Context, name string, direction ScaleDirection) (ScaleResult, error) {
	ms, err := m.cluster.GetMachineSet(ctx, name)
	if err != nil {
		return Scaled, fmt.Errorf("failed to retrieve machine set %s: %w", name, err)
	}
	current, _, _ := unstructured.NestedInt64(ms.Object, "spec", "replicas")

	var target int64
	switch direction {
	case ScaleUp:
		target = current + 1
	case ScaleDown:
		if current == 0 {
			m.reporter.Warning("Machine set %s is already at 0 replicas", name)
			return AlreadyAtFloor, nil
		}
		target = current - 1
	}

	m.reporter.Action("Scaling machine set %s from %d to %d replicas", name, current, target)
	if err := m.cluster.ScaleMachineSet(ctx, name, target); err != nil {
		return Scaled, fmt.Errorf("failed to scale machine set %s: %w", name, err)
	}
	m.reporter.Success("Scaled machine set %s to %d replicas", name, target)
	return Scaled, nil
}

// ScaleMachineSetForMachine scales the machine's owning pool, if any.
func (m *Manager) ScaleMachineSetForMachine(ctx context.Context, machineName string, direction ScaleDirection) (ScaleResult, error) {
	name, err := m.MachineSetForMachine(ctx, machineName)
	if err != nil {
		return Scaled, err
	}
	if name == "" {
		return Scaled, fmt.Errorf("no machine set owns machine %s", machineName)
	}
	return m.ScaleMachineSet(ctx, name, direction)
}

// FindWorkerMachineSet returns the first machine set labeled for workers.
func (m *Manager) FindWorkerMachineSet(ctx context.Context) (string, error) {
	sets, err := m.cluster.ListMachineSets(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list machine sets: %w", err)
	}
	for i := range sets.Items {
		if sets.Items[i].GetLabels()[cluster.MachineRoleLabel] == "worker" {
			name := sets.Items[i].GetName()
			m.reporter.Info("Found worker machine set: %s", name)
			return name, nil
		}
	}
	return "", fmt.Errorf("no worker machine set found")
}

// ApplyResources applies every populated kind in the set. The network state
// file is skipped (its content travels inside the network secret), and for
// pool additions the machine record is skipped because the pool controller
// creates it. The first failure aborts the remaining applies.
func (m *Manager) ApplyResources(ctx context.Context, files *backup.FileSet, isAddition bool) error {
	for _, kind := range files.Kinds() {
		if kind == backup.KindNMState {
			continue
		}
		if kind == backup.KindMachine && isAddition {
			m.reporter.Info("Skipping machine application, the machine set creates the machine")
			continue
		}

		path := files.Path(kind)
		m.reporter.Action("Applying %s: %s", kind, path)
		if err := m.cluster.ApplyManifestFile(ctx, path); err != nil {
			return fmt.Errorf("failed to apply %s: %w", kind, err)
		}
		m.reporter.Success("Applied %s", kind)
	}
	m.reporter.Success("All resources applied")
	return nil
}

// FindBMHByMAC returns conflict details when an existing host already claims
// the MAC address, or nil when the address is free.
func (m *Manager) FindBMHByMAC(ctx context.Context, mac string) (*MACConflict, error) {
	hosts, err := m.BMHCollection(ctx, false)
	if err != nil {
		return nil, err
	}

	for i := range hosts.Items {
		host := &hosts.Items[i]
		bootMAC, _, _ := unstructured.NestedString(host.Object, "spec", "bootMACAddress")
		if !strings.EqualFold(bootMAC, mac) {
			continue
		}

		conflict := &MACConflict{BMHName: host.GetName()}
		machineName, _, _ := unstructured.NestedString(host.Object, "spec", "consumerRef", "name")
		conflict.MachineName = machineName
		if machineName != "" {
			if machine, err := m.cluster.GetMachine(ctx, machineName); err == nil {
				nodeName, _, _ := unstructured.NestedString(machine.Object, "status", "nodeRef", "name")
				conflict.NodeName = nodeName
			}
		}
		if conflict.NodeName == "" {
			conflict.NodeName = host.GetName()
		}
		return conflict, nil
	}
	return nil, nil
}

// ResolveMACConflict cleans up an existing node bound to the incoming MAC:
// scale down its owning pool, cordon and drain the node, delete both
// identity resources, and verify the deletion. Returns true when a conflict
// was found and handled.
func (m *Manager) ResolveMACConflict(ctx context.Context, mac string) (bool, error) {
	conflict, err := m.FindBMHByMAC(ctx, mac)
	if err != nil {
		return false, err
	}
	if conflict == nil {
		return false, nil
	}

	m.reporter.Warning("Existing node %s already uses MAC address %s", conflict.NodeName, mac)
	m.reporter.Info("The node will be cordoned, drained, and removed before provisioning")

	if conflict.MachineName != "" {
		poolName, err := m.MachineSetForMachine(ctx, conflict.MachineName)
		if err != nil {
			return true, err
		}
		if poolName != "" {
			if err := m.cluster.AnnotateMachineForDeletion(ctx, conflict.MachineName); err != nil {
				m.reporter.Warning("Failed to annotate machine %s for deletion: %v", conflict.MachineName, err)
			}
			if _, err := m.ScaleMachineSet(ctx, poolName, ScaleDown); err != nil {
				m.reporter.Warning("Failed to scale down machine set %s: %v", poolName, err)
			}
		}
	}

	m.reporter.Info("Cordoning node %s", conflict.NodeName)
	if err := m.cluster.CordonNode(ctx, conflict.NodeName); err != nil && !apierrors.IsNotFound(err) {
		return true, fmt.Errorf("failed to cordon node %s: %w", conflict.NodeName, err)
	}
	m.reporter.Info("Draining node %s", conflict.NodeName)
	if err := m.cluster.DrainNode(ctx, conflict.NodeName); err != nil && !apierrors.IsNotFound(err) {
		return true, fmt.Errorf("failed to drain node %s: %w", conflict.NodeName, err)
	}

	if conflict.MachineName != "" {
		m.reporter.Info("Deleting machine %s", conflict.MachineName)
		if err := m.cluster.DeleteMachine(ctx, conflict.MachineName); err != nil && !apierrors.IsNotFound(err) {
			return true, fmt.Errorf("failed to delete machine %s: %w", conflict.MachineName, err)
		}
	}
	m.reporter.Info("Deleting host %s", conflict.BMHName)
	if err := m.cluster.DeleteBareMetalHost(ctx, conflict.BMHName); err != nil && !apierrors.IsNotFound(err) {
		return true, fmt.Errorf("failed to delete host %s: %w", conflict.BMHName, err)
	}

	if !m.VerifyResourcesDeleted(ctx, conflict.MachineName, conflict.BMHName) {
		m.reporter.Warning("Deletion not confirmed within %s, continuing anyway", report.FormatDuration(m.VerifyTimeout))
	} else {
		m.reporter.Success("Cleaned up existing resources for MAC %s", mac)
	}

	// The cached collection still contains the deleted host.
	m.bmhCache = nil
	return true, nil
}

// VerifyResourcesDeleted polls until both resources are gone or the bounded
// wait expires. Returns true when deletion was confirmed.
func (m *Manager) VerifyResourcesDeleted(ctx context.Context, machineName, bmhName string) bool {
	deadline := m.clock.Now().Add(m.VerifyTimeout)
	for {
		gone := true
		if machineName != "" {
			if _, err := m.cluster.GetMachine(ctx, machineName); !apierrors.IsNotFound(err) {
				gone = false
			}
		}
		if gone && bmhName != "" {
			if _, err := m.cluster.GetBareMetalHost(ctx, bmhName); !apierrors.IsNotFound(err) {
				gone = false
			}
		}
		if gone {
			return true
		}
		if m.clock.Now().After(deadline) {
			return false
		}
		if err := m.sleep(ctx, m.VerifyInterval); err != nil {
			return false
		}
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
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
