// Package backup persists the resource definitions needed to recreate a node
// before anything is deleted from the cluster.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"

	"github.com/baremetal-ops/nodereplace/internal/cluster"
	"github.com/baremetal-ops/nodereplace/internal/report"
)

// Kind names a logical resource inside a FileSet.
type Kind string

const (
	KindNMState       Kind = "nmstate"
	KindBMCSecret     Kind = "bmc_secret"
	KindBMH           Kind = "bmh"
	KindNetworkSecret Kind = "network_secret"
	KindMachine       Kind = "machine"
)

// FileSet maps resource kinds to on-disk definition files. A kind's path is
// set once per operation; later writes for the same kind are ignored, and an
// absent kind tells the apply step to skip that resource.
type FileSet struct {
	paths map[Kind]string
}

// NewFileSet returns an empty set.
func NewFileSet() *FileSet {
	return &FileSet{paths: make(map[Kind]string)}
}

// Set records path under kind unless the kind is already populated.
// Returns true if the path was recorded.
func (s *FileSet) Set(kind Kind, path string) bool {
	if _, exists := s.paths[kind]; exists {
		return false
	}
	s.paths[kind] = path
	return true
}

// Path returns the recorded path for kind, or "".
func (s *FileSet) Path(kind Kind) string { return s.paths[kind] }

// Has reports whether kind is populated.
func (s *FileSet) Has(kind Kind) bool {
	_, ok := s.paths[kind]
	return ok
}

// Kinds returns the populated kinds in apply order.
func (s *FileSet) Kinds() []Kind {
	order := []Kind{KindNMState, KindBMCSecret, KindNetworkSecret, KindBMH, KindMachine}
	var out []Kind
	for _, k := range order {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// Manager writes sanitized resource backups under a per-cluster directory.
type Manager struct {
	cluster  cluster.Interface
	reporter *report.Reporter
	log      logr.Logger
	dir      string
}

// NewManager returns a Manager; call SetupDirectory before writing backups.
func NewManager(c cluster.Interface, reporter *report.Reporter, log logr.Logger) *Manager {
	return &Manager{cluster: c, reporter: reporter, log: log}
}

// SetupDirectory resolves and creates the backup directory. An explicit path
// wins; otherwise the directory is ~/backup_yamls/<cluster base domain>.
func (m *Manager) SetupDirectory(ctx context.Context, explicit string) (string, error) {
	dir := explicit
	if dir == "" {
		domain, err := m.cluster.ClusterBaseDomain(ctx)
		if err != nil {
			m.reporter.Warning("Could not determine cluster base domain: %v", err)
			domain = "unknown-cluster"
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to determine home directory: %w", err)
		}
		dir = filepath.Join(home, "backup_yamls", domain)
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create backup directory %s: %w", dir, err)
		}
		m.reporter.Success("Created backup directory: %s", dir)
	} else {
		m.reporter.Info("Using existing backup directory: %s", dir)
	}

	m.dir = dir
	return dir, nil
}

// Dir returns the resolved backup directory.
func (m *Manager) Dir() string { return m.dir }

// runtime metadata stripped from backed-up objects so they re-apply cleanly.
var volatileMetadata = []string{
	"creationTimestamp",
	"resourceVersion",
	"uid",
	"ownerReferences",
	"annotations",
	"managedFields",
	"finalizers",
}

func sanitizeMetadata(obj map[string]interface{}) map[string]interface{} {
	if metadata, ok := obj["metadata"].(map[string]interface{}); ok {
		for _, key := range volatileMetadata {
			delete(metadata, key)
		}
	}
	return obj
}

// stableBMHFields keeps only the fields needed to recreate a host. Runtime
// fields like consumerRef and status would conflict on re-apply.
func stableBMHFields(bmh map[string]interface{}) map[string]interface{} {
	get := func(path ...string) interface{} {
		v, _, _ := unstructured.NestedFieldCopy(bmh, path...)
		return v
	}
	return map[string]interface{}{
		"apiVersion": get("apiVersion"),
		"kind":       get("kind"),
		"metadata": map[string]interface{}{
			"name":      get("metadata", "name"),
			"namespace": get("metadata", "namespace"),
		},
		"spec": map[string]interface{}{
			"automatedCleaningMode": get("spec", "automatedCleaningMode"),
			"bmc": map[string]interface{}{
				"address":                        get("spec", "bmc", "address"),
				"credentialsName":                get("spec", "bmc", "credentialsName"),
				"disableCertificateVerification": get("spec", "bmc", "disableCertificateVerification"),
			},
			"bootMACAddress":        get("spec", "bootMACAddress"),
			"bootMode":              get("spec", "bootMode"),
			"externallyProvisioned": get("spec", "externallyProvisioned"),
			"online":                get("spec", "online"),
			"rootDeviceHints": map[string]interface{}{
				"deviceName": get("spec", "rootDeviceHints", "deviceName"),
			},
			"preprovisioningNetworkDataName": get("spec", "preprovisioningNetworkDataName"),
			"userData": map[string]interface{}{
				"name":      get("spec", "userData", "name"),
				"namespace": get("spec", "userData", "namespace"),
			},
		},
	}
}

// stableMachineFields keeps the reusable parts of a machine definition. The
// name is a placeholder until the node configurator fills in the real one.
func stableMachineFields(machine map[string]interface{}) map[string]interface{} {
	get := func(path ...string) interface{} {
		v, _, _ := unstructured.NestedFieldCopy(machine, path...)
		return v
	}
	labels := get("metadata", "labels")
	if labels == nil {
		labels = map[string]interface{}{}
	}
	return map[string]interface{}{
		"apiVersion": get("apiVersion"),
		"kind":       get("kind"),
		"metadata": map[string]interface{}{
			"labels":    labels,
			"name":      "PLACEHOLDER_NAME",
			"namespace": get("metadata", "namespace"),
		},
		"spec": map[string]interface{}{
			"lifecycleHooks": get("spec", "lifecycleHooks"),
			"providerSpec": map[string]interface{}{
				"value": map[string]interface{}{
					"apiVersion":   get("spec", "providerSpec", "value", "apiVersion"),
					"customDeploy": get("spec", "providerSpec", "value", "customDeploy"),
					"image":        get("spec", "providerSpec", "value", "image"),
					"kind":         get("spec", "providerSpec", "value", "kind"),
					"userData":     get("spec", "providerSpec", "value", "userData"),
				},
			},
		},
	}
}

func (m *Manager) writeYAML(path string, obj map[string]interface{}) error {
	data, err := yaml.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// BackupBMH writes the host's stable fields to <dir>/<name>_bmh.yaml.
func (m *Manager) BackupBMH(name string, bmh *unstructured.Unstructured) (string, error) {
	path := filepath.Join(m.dir, name+"_bmh.yaml")
	if err := m.writeYAML(path, stableBMHFields(bmh.Object)); err != nil {
		return "", err
	}
	m.log.V(1).Info("backed up baremetalhost", "name", name, "file", path)
	return path, nil
}

// BackupMachine writes the machine's stable fields to <dir>/<name>_machine.yaml.
func (m *Manager) BackupMachine(name string, machine *unstructured.Unstructured) (string, error) {
	path := filepath.Join(m.dir, name+"_machine.yaml")
	if err := m.writeYAML(path, stableMachineFields(machine.Object)); err != nil {
		return "", err
	}
	m.log.V(1).Info("backed up machine", "name", name, "file", path)
	return path, nil
}

// BackupSecret fetches <node>-<suffix> from the machine API namespace,
// strips volatile metadata, and writes it to <dir>/<node><fileSuffix>.
func (m *Manager) BackupSecret(ctx context.Context, nodeName, suffix, fileSuffix string) (string, error) {
	secretName := nodeName + "-" + suffix
	secret, err := m.cluster.GetSecret(ctx, cluster.MachineAPINamespace, secretName)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve secret %s: %w", secretName, err)
	}

	obj := map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Secret",
		"type":       string(secret.Type),
		"metadata": map[string]interface{}{
			"name":      secret.Name,
			"namespace": secret.Namespace,
		},
		"data": encodeSecretData(secret.Data),
	}
	path := filepath.Join(m.dir, nodeName+fileSuffix)
	if err := m.writeYAML(path, sanitizeMetadata(obj)); err != nil {
		return "", err
	}
	return path, nil
}

func encodeSecretData(data map[string][]byte) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v // sigs.k8s.io/yaml base64-encodes []byte like the API server does
	}
	return out
}

// ExtractNMState writes the raw nmstate document from the node's network
// config secret to <dir>/<node>_nmstate.
func (m *Manager) ExtractNMState(ctx context.Context, nodeName string) (string, error) {
	secretName := nodeName + "-network-config-secret"
	secret, err := m.cluster.GetSecret(ctx, cluster.MachineAPINamespace, secretName)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve secret %s: %w", secretName, err)
	}
	nmstate, ok := secret.Data["nmstate"]
	if !ok {
		return "", fmt.Errorf("secret %s has no nmstate key", secretName)
	}

	path := filepath.Join(m.dir, nodeName+"_nmstate")
	if err := os.WriteFile(path, nmstate, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// CopyForReplacement copies the failed node's backed-up definitions under the
// replacement node's name and returns them as a FileSet.
func (m *Manager) CopyForReplacement(badNode, bmhName, badMachine, replacementNode string) (*FileSet, error) {
	copies := []struct {
		kind   Kind
		source string
		suffix string
	}{
		{KindNMState, badNode, "_nmstate"},
		{KindBMCSecret, badNode, "-bmc-secret.yaml"},
		{KindBMH, bmhName, "_bmh.yaml"},
		{KindNetworkSecret, badNode, "_network-config-secret.yaml"},
		{KindMachine, badMachine, "_machine.yaml"},
	}

	files := NewFileSet()
	for _, c := range copies {
		source := filepath.Join(m.dir, c.source+c.suffix)
		dest := filepath.Join(m.dir, replacementNode+c.suffix)
		if err := copyFile(source, dest); err != nil {
			return nil, fmt.Errorf("failed to copy %s backup: %w", c.kind, err)
		}
		files.Set(c.kind, dest)
	}
	return files, nil
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// TemplateResult describes the BMH chosen as the template for a new node.
type TemplateResult struct {
	// BackupPath is the written template file.
	BackupPath string
	// Name is the template host's name.
	Name string
	// IsWorkerTemplate is true when a worker host was used, including the
	// cross-role fallback case.
	IsWorkerTemplate bool
}

// BackupTemplateBMH selects and backs up the BMH to template the new node
// from. For a replacement the failed node's own host is used. For expansion
// and addition a host with the matching role label is preferred, falling
// back to the other role when none exists.
func (m *Manager) BackupTemplateBMH(ctx context.Context, failedControlNode string, expansion bool) (*TemplateResult, error) {
	if failedControlNode != "" {
		m.reporter.Action("Backing up host definition for failed control node %s", failedControlNode)
		bmh, err := m.cluster.GetBareMetalHost(ctx, failedControlNode)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve host %s: %w", failedControlNode, err)
		}
		path, err := m.BackupBMH(failedControlNode, bmh)
		if err != nil {
			return nil, err
		}
		return &TemplateResult{BackupPath: path, Name: failedControlNode}, nil
	}

	hosts, err := m.cluster.ListBareMetalHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	if len(hosts.Items) == 0 {
		return nil, fmt.Errorf("no baremetalhost resources found in cluster")
	}

	var worker, controlPlane *unstructured.Unstructured
	for i := range hosts.Items {
		host := &hosts.Items[i]
		switch host.GetLabels()[cluster.BMHRoleLabel] {
		case "worker":
			if worker == nil {
				worker = host
			}
		case "control-plane":
			if controlPlane == nil {
				controlPlane = host
			}
		}
	}

	selected := worker
	if expansion {
		selected = controlPlane
		if selected == nil {
			selected = worker
		}
	} else if selected == nil {
		selected = controlPlane
	}
	if selected == nil {
		return nil, fmt.Errorf("no suitable host template found")
	}

	name := selected.GetName()
	isWorker := selected.GetLabels()[cluster.BMHRoleLabel] == "worker"
	m.reporter.Info("Using host %s as template", name)

	path, err := m.BackupBMH(name, selected)
	if err != nil {
		return nil, err
	}
	return &TemplateResult{BackupPath: path, Name: name, IsWorkerTemplate: isWorker}, nil
}
