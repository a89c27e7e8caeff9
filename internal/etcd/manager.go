// Package etcd manages cluster membership and the quorum guard during
// control plane node operations.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/clock"

	"github.com/baremetal-ops/nodereplace/internal/cluster"
	"github.com/baremetal-ops/nodereplace/internal/report"
)

// Outcome classifies the result of a member removal attempt.
type Outcome int

const (
	// Removed means an unhealthy member was found and removed.
	Removed Outcome = iota
	// AllHealthy means every endpoint reported healthy, nothing to remove.
	AllHealthy
	// AlreadyGone means an endpoint was unhealthy but no member matched it,
	// so the member left the cluster before we got to it.
	AlreadyGone
)

// RemovalResult describes what RemoveFailedMember did.
type RemovalResult struct {
	Outcome Outcome
	// MemberID is the removed member's ID in hex, as etcdctl prints it.
	MemberID string
	// MemberName is the removed member's name, usually the node name.
	MemberName string
	// RemainingMembers is the member count after removal.
	RemainingMembers int
}

// Manager drives etcd membership changes by executing etcdctl inside a
// healthy etcd pod and toggling the operator's quorum guard.
type Manager struct {
	cluster  cluster.Interface
	reporter *report.Reporter
	log      logr.Logger
	clock    clock.Clock

	// DisableSettle is how long to wait after disabling the quorum guard
	// for the operator to observe the override.
	DisableSettle time.Duration
	// EnableSettle is how long to wait after re-enabling the guard.
	EnableSettle time.Duration
	// PostRemovalDelay gives the cluster a moment to converge after a
	// member removal before further operations.
	PostRemovalDelay time.Duration
	// SecretDeleteDelay paces secret deletions during cleanup.
	SecretDeleteDelay time.Duration
}

// NewManager returns a Manager with production settle times.
func NewManager(c cluster.Interface, reporter *report.Reporter, log logr.Logger) *Manager {
	return &Manager{
		cluster:           c,
		reporter:          reporter,
		log:               log,
		clock:             clock.RealClock{},
		DisableSettle:     120 * time.Second,
		EnableSettle:      60 * time.Second,
		PostRemovalDelay:  3 * time.Second,
		SecretDeleteDelay: 500 * time.Millisecond,
	}
}

// WithClock replaces the manager's clock. Tests use this with a fake clock.
func (m *Manager) WithClock(c clock.Clock) *Manager {
	m.clock = c
	return m
}

type endpointHealth struct {
	Endpoint string `json:"endpoint"`
	Health   bool   `json:"health"`
}

type memberListOutput struct {
	Members []member `json:"members"`
}

type member struct {
	ID         uint64   `json:"ID"`
	Name       string   `json:"name"`
	ClientURLs []string `json:"clientURLs"`
}

// findHealthyPod returns a running etcd pod not hosted on the failed node.
func (m *Manager) findHealthyPod(ctx context.Context, failedNode string) (*corev1.Pod, error) {
	pods, err := m.cluster.ListPods(ctx, cluster.EtcdNamespace, cluster.EtcdPodLabel)
	if err != nil {
		return nil, fmt.Errorf("failed to list etcd pods: %w", err)
	}
	for i := range pods.Items {
		pod := &pods.Items[i]
		if pod.Status.Phase != corev1.PodRunning {
			continue
		}
		if failedNode != "" && strings.Contains(pod.Name, failedNode) {
			continue
		}
		return pod, nil
	}
	return nil, fmt.Errorf("no healthy etcd pod available")
}

func (m *Manager) etcdctl(ctx context.Context, pod string, args ...string) (string, error) {
	command := append([]string{"etcdctl"}, args...)
	return m.cluster.ExecInPod(ctx, cluster.EtcdNamespace, pod, "etcd", command)
}

// RemoveFailedMember finds the unhealthy etcd member and removes it from the
// cluster. A fully healthy cluster and a member that already left are both
// reported as benign outcomes, not errors.
func (m *Manager) RemoveFailedMember(ctx context.Context, failedNode string) (*RemovalResult, error) {
	pod, err := m.findHealthyPod(ctx, failedNode)
	if err != nil {
		return nil, err
	}
	m.log.V(1).Info("using etcd pod for membership operations", "pod", pod.Name)

	healthOut, err := m.etcdctl(ctx, pod.Name, "endpoint", "health", "--write-out=json")
	if err != nil {
		return nil, fmt.Errorf("failed to check endpoint health: %w", err)
	}
	var endpoints []endpointHealth
	if err := json.Unmarshal([]byte(healthOut), &endpoints); err != nil {
		return nil, fmt.Errorf("failed to parse endpoint health output: %w", err)
	}

	var unhealthy string
	for _, ep := range endpoints {
		if !ep.Health {
			unhealthy = ep.Endpoint
			break
		}
	}
	if unhealthy == "" {
		m.reporter.Info("All etcd endpoints are healthy, no member removal needed")
		return &RemovalResult{Outcome: AllHealthy, RemainingMembers: len(endpoints)}, nil
	}
	m.reporter.Warning("Unhealthy etcd endpoint detected: %s", unhealthy)

	listOut, err := m.etcdctl(ctx, pod.Name, "member", "list", "--write-out=json")
	if err != nil {
		return nil, fmt.Errorf("failed to list etcd members: %w", err)
	}
	var memberList memberListOutput
	if err := json.Unmarshal([]byte(listOut), &memberList); err != nil {
		return nil, fmt.Errorf("failed to parse member list output: %w", err)
	}

	target := matchMember(memberList.Members, unhealthy)
	if target == nil {
		m.reporter.Info("No member matches endpoint %s, member already removed", unhealthy)
		return &RemovalResult{Outcome: AlreadyGone, RemainingMembers: len(memberList.Members)}, nil
	}

	hexID := strconv.FormatUint(target.ID, 16)
	m.reporter.Action("Removing etcd member %s (ID %s)", target.Name, hexID)
	removeOut, err := m.etcdctl(ctx, pod.Name, "member", "remove", hexID, "--write-out=json")
	if err != nil {
		return nil, fmt.Errorf("failed to remove etcd member %s: %w", hexID, err)
	}

	var afterRemoval memberListOutput
	remaining := len(memberList.Members) - 1
	if err := json.Unmarshal([]byte(removeOut), &afterRemoval); err == nil {
		remaining = len(afterRemoval.Members)
		for _, mem := range afterRemoval.Members {
			if mem.ID == target.ID {
				m.log.Info("removed member still listed, cluster may need time to converge", "id", hexID)
			}
		}
	}

	m.reporter.Success("Removed etcd member %s, %d members remain", target.Name, remaining)
	if err := m.sleep(ctx, m.PostRemovalDelay); err != nil {
		return nil, err
	}
	return &RemovalResult{
		Outcome:          Removed,
		MemberID:         hexID,
		MemberName:       target.Name,
		RemainingMembers: remaining,
	}, nil
}

// matchMember finds the member serving the given endpoint, first by exact
// client URL and then by the endpoint's IP appearing in any client URL.
func matchMember(members []member, endpoint string) *member {
	for i := range members {
		for _, url := range members[i].ClientURLs {
			if url == endpoint {
				return &members[i]
			}
		}
	}
	ip := endpointIP(endpoint)
	if ip == "" {
		return nil
	}
	for i := range members {
		for _, url := range members[i].ClientURLs {
			if strings.Contains(url, ip) {
				return &members[i]
			}
		}
	}
	return nil
}

// endpointIP strips scheme and port from an endpoint URL.
func endpointIP(endpoint string) string {
	host := endpoint
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	if idx := strings.Index(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return host
}

const quorumOverrideField = "useUnsupportedUnsafeNonHANonProductionUnstableEtcd"

// DisableQuorumGuard sets the operator override that allows etcd to run
// without full quorum. If the override is already active the settle wait is
// skipped.
func (m *Manager) DisableQuorumGuard(ctx context.Context) error {
	config, err := m.cluster.GetEtcdConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to read etcd operator config: %w", err)
	}
	if overrideActive(config.Object) {
		m.reporter.Info("Quorum guard already disabled")
		return nil
	}

	patch := fmt.Sprintf(`{"spec":{"unsupportedConfigOverrides":{%q:true}}}`, quorumOverrideField)
	if err := m.cluster.PatchEtcdConfig(ctx, []byte(patch)); err != nil {
		return fmt.Errorf("failed to disable quorum guard: %w", err)
	}
	m.reporter.Warning("Quorum guard disabled, waiting %s for the operator to settle", report.FormatDuration(m.DisableSettle))
	return m.sleep(ctx, m.DisableSettle)
}

// EnableQuorumGuard clears the operator override and always waits for the
// operator to settle.
func (m *Manager) EnableQuorumGuard(ctx context.Context) error {
	patch := `{"spec":{"unsupportedConfigOverrides":null}}`
	if err := m.cluster.PatchEtcdConfig(ctx, []byte(patch)); err != nil {
		return fmt.Errorf("failed to re-enable quorum guard: %w", err)
	}
	m.reporter.Success("Quorum guard re-enabled, waiting %s for the operator to settle", report.FormatDuration(m.EnableSettle))
	return m.sleep(ctx, m.EnableSettle)
}

func overrideActive(config map[string]interface{}) bool {
	spec, ok := config["spec"].(map[string]interface{})
	if !ok {
		return false
	}
	overrides, ok := spec["unsupportedConfigOverrides"].(map[string]interface{})
	if !ok {
		return false
	}
	active, _ := overrides[quorumOverrideField].(bool)
	return active
}

// CleanupMemberSecrets deletes the etcd serving secrets belonging to the
// given node. A partial node name is resolved against the control plane
// nodes first; if nothing matches the name is used as given. Returns the
// resolved node name and the number of secrets deleted.
func (m *Manager) CleanupMemberSecrets(ctx context.Context, nodeName string) (string, int, error) {
	resolved := nodeName
	nodes, err := m.cluster.ListNodes(ctx, cluster.ControlPlaneLabel)
	if err != nil {
		return "", 0, fmt.Errorf("failed to list control plane nodes: %w", err)
	}
	for _, node := range nodes.Items {
		if strings.Contains(node.Name, nodeName) {
			resolved = node.Name
			break
		}
	}

	secrets, err := m.cluster.ListSecrets(ctx, cluster.EtcdNamespace)
	if err != nil {
		return "", 0, fmt.Errorf("failed to list etcd secrets: %w", err)
	}

	deleted := 0
	for _, secret := range secrets.Items {
		if !strings.Contains(secret.Name, resolved) {
			continue
		}
		m.log.V(1).Info("deleting etcd secret", "name", secret.Name)
		if err := m.cluster.DeleteSecret(ctx, cluster.EtcdNamespace, secret.Name); err != nil {
			return resolved, deleted, fmt.Errorf("failed to delete secret %s: %w", secret.Name, err)
		}
		deleted++
		if err := m.sleep(ctx, m.SecretDeleteDelay); err != nil {
			return resolved, deleted, err
		}
	}
	m.reporter.Success("Deleted %d etcd secrets for node %s", deleted, resolved)
	return resolved, deleted, nil
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
