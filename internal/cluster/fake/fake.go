// Package fake provides a stateful in-memory implementation of
// cluster.Interface for tests.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	certv1 "k8s.io/api/certificates/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/json"

	"github.com/baremetal-ops/nodereplace/internal/cluster"
)

var (
	bmhGR        = schema.GroupResource{Group: "metal3.io", Resource: "baremetalhosts"}
	machineGR    = schema.GroupResource{Group: "machine.openshift.io", Resource: "machines"}
	machineSetGR = schema.GroupResource{Group: "machine.openshift.io", Resource: "machinesets"}
	secretGR     = schema.GroupResource{Group: "", Resource: "secrets"}
	nodeGR       = schema.GroupResource{Group: "", Resource: "nodes"}
)

// ExecCall records one in-pod execution.
type ExecCall struct {
	Namespace string
	Pod       string
	Container string
	Command   []string
}

// Cluster simulates cluster.Interface backed by in-memory maps keyed by name.
// Zero value is not usable; call NewCluster.
type Cluster struct {
	mu sync.Mutex

	BMHs        map[string]*unstructured.Unstructured
	Machines    map[string]*unstructured.Unstructured
	MachineSets map[string]*unstructured.Unstructured
	Nodes       map[string]*corev1.Node
	Secrets     map[string]*corev1.Secret // keyed namespace/name
	Pods        []corev1.Pod
	CSRs        map[string]*certv1.CertificateSigningRequest
	EtcdConfig  *unstructured.Unstructured
	BaseDomain  string

	// ExecFunc handles ExecInPod calls. Nil means every exec fails.
	ExecFunc func(call ExecCall) (string, error)

	// Recorded mutations, in call order.
	ExecCalls         []ExecCall
	EtcdPatches       [][]byte
	ScaleCalls        map[string][]int64
	ApprovedCSRs      []string
	DeletedSecrets    []string
	DeletedMachines   []string
	DeletedBMHs       []string
	CordonedNodes     []string
	DrainedNodes      []string
	AnnotatedMachines []string
	AppliedFiles      []string

	// ApplyErr, when set, fails the next ApplyManifestFile call.
	ApplyErr error

	// NodeErr, when set, fails the next GetNode call.
	NodeErr error

	// Call counters for cache verification.
	BMHListCalls int
}

var _ cluster.Interface = (*Cluster)(nil)

// NewCluster returns an empty fake cluster.
func NewCluster() *Cluster {
	return &Cluster{
		BMHs:        make(map[string]*unstructured.Unstructured),
		Machines:    make(map[string]*unstructured.Unstructured),
		MachineSets: make(map[string]*unstructured.Unstructured),
		Nodes:       make(map[string]*corev1.Node),
		Secrets:     make(map[string]*corev1.Secret),
		CSRs:        make(map[string]*certv1.CertificateSigningRequest),
		ScaleCalls:  make(map[string][]int64),
	}
}

func (f *Cluster) GetBareMetalHost(_ context.Context, name string) (*unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obj, ok := f.BMHs[name]; ok {
		return obj.DeepCopy(), nil
	}
	return nil, apierrors.NewNotFound(bmhGR, name)
}

func (f *Cluster) ListBareMetalHosts(_ context.Context) (*unstructured.UnstructuredList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BMHListCalls++
	list := &unstructured.UnstructuredList{}
	for _, obj := range f.BMHs {
		list.Items = append(list.Items, *obj.DeepCopy())
	}
	return list, nil
}

func (f *Cluster) DeleteBareMetalHost(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.BMHs[name]; !ok {
		return apierrors.NewNotFound(bmhGR, name)
	}
	delete(f.BMHs, name)
	f.DeletedBMHs = append(f.DeletedBMHs, name)
	return nil
}

func (f *Cluster) GetMachine(_ context.Context, name string) (*unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obj, ok := f.Machines[name]; ok {
		return obj.DeepCopy(), nil
	}
	return nil, apierrors.NewNotFound(machineGR, name)
}

func (f *Cluster) ListMachines(_ context.Context) (*unstructured.UnstructuredList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := &unstructured.UnstructuredList{}
	for _, obj := range f.Machines {
		list.Items = append(list.Items, *obj.DeepCopy())
	}
	return list, nil
}

func (f *Cluster) DeleteMachine(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Machines[name]; !ok {
		return apierrors.NewNotFound(machineGR, name)
	}
	delete(f.Machines, name)
	f.DeletedMachines = append(f.DeletedMachines, name)
	return nil
}

func (f *Cluster) AnnotateMachineForDeletion(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.Machines[name]
	if !ok {
		return apierrors.NewNotFound(machineGR, name)
	}
	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations[cluster.DeleteMachineAnnotation] = "true"
	obj.SetAnnotations(annotations)
	f.AnnotatedMachines = append(f.AnnotatedMachines, name)
	return nil
}

func (f *Cluster) GetMachineSet(_ context.Context, name string) (*unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obj, ok := f.MachineSets[name]; ok {
		return obj.DeepCopy(), nil
	}
	return nil, apierrors.NewNotFound(machineSetGR, name)
}

func (f *Cluster) ListMachineSets(_ context.Context) (*unstructured.UnstructuredList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := &unstructured.UnstructuredList{}
	for _, obj := range f.MachineSets {
		list.Items = append(list.Items, *obj.DeepCopy())
	}
	return list, nil
}

func (f *Cluster) ScaleMachineSet(_ context.Context, name string, replicas int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.MachineSets[name]
	if !ok {
		return apierrors.NewNotFound(machineSetGR, name)
	}
	if err := unstructured.SetNestedField(obj.Object, replicas, "spec", "replicas"); err != nil {
		return err
	}
	f.ScaleCalls[name] = append(f.ScaleCalls[name], replicas)
	return nil
}

func (f *Cluster) GetNode(_ context.Context, name string) (*corev1.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NodeErr != nil {
		err := f.NodeErr
		f.NodeErr = nil
		return nil, err
	}
	if node, ok := f.Nodes[name]; ok {
		return node.DeepCopy(), nil
	}
	return nil, apierrors.NewNotFound(nodeGR, name)
}

func (f *Cluster) ListNodes(_ context.Context, labelSelector string) (*corev1.NodeList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	selector, err := labels.Parse(labelSelector)
	if err != nil {
		return nil, err
	}
	list := &corev1.NodeList{}
	for _, node := range f.Nodes {
		if selector.Matches(labels.Set(node.Labels)) {
			list.Items = append(list.Items, *node.DeepCopy())
		}
	}
	return list, nil
}

func (f *Cluster) CordonNode(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.Nodes[name]
	if !ok {
		return apierrors.NewNotFound(nodeGR, name)
	}
	node.Spec.Unschedulable = true
	f.CordonedNodes = append(f.CordonedNodes, name)
	return nil
}

func (f *Cluster) DrainNode(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Nodes[name]; !ok {
		return apierrors.NewNotFound(nodeGR, name)
	}
	f.DrainedNodes = append(f.DrainedNodes, name)
	return nil
}

func secretKey(namespace, name string) string { return namespace + "/" + name }

func (f *Cluster) GetSecret(_ context.Context, namespace, name string) (*corev1.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if secret, ok := f.Secrets[secretKey(namespace, name)]; ok {
		return secret.DeepCopy(), nil
	}
	return nil, apierrors.NewNotFound(secretGR, name)
}

func (f *Cluster) ListSecrets(_ context.Context, namespace string) (*corev1.SecretList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := &corev1.SecretList{}
	for key, secret := range f.Secrets {
		if strings.HasPrefix(key, namespace+"/") {
			list.Items = append(list.Items, *secret.DeepCopy())
		}
	}
	return list, nil
}

func (f *Cluster) DeleteSecret(_ context.Context, namespace, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := secretKey(namespace, name)
	if _, ok := f.Secrets[key]; !ok {
		return apierrors.NewNotFound(secretGR, name)
	}
	delete(f.Secrets, key)
	f.DeletedSecrets = append(f.DeletedSecrets, key)
	return nil
}

func (f *Cluster) ListPods(_ context.Context, namespace, labelSelector string) (*corev1.PodList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	selector, err := labels.Parse(labelSelector)
	if err != nil {
		return nil, err
	}
	list := &corev1.PodList{}
	for _, pod := range f.Pods {
		if pod.Namespace == namespace && selector.Matches(labels.Set(pod.Labels)) {
			list.Items = append(list.Items, *pod.DeepCopy())
		}
	}
	return list, nil
}

func (f *Cluster) ExecInPod(_ context.Context, namespace, pod, container string, command []string) (string, error) {
	f.mu.Lock()
	execFunc := f.ExecFunc
	call := ExecCall{Namespace: namespace, Pod: pod, Container: container, Command: command}
	f.ExecCalls = append(f.ExecCalls, call)
	f.mu.Unlock()

	if execFunc == nil {
		return "", fmt.Errorf("no exec handler configured for pod %s/%s", namespace, pod)
	}
	return execFunc(call)
}

func (f *Cluster) ListCSRs(_ context.Context) (*certv1.CertificateSigningRequestList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := &certv1.CertificateSigningRequestList{}
	for _, csr := range f.CSRs {
		list.Items = append(list.Items, *csr.DeepCopy())
	}
	return list, nil
}

func (f *Cluster) ApproveCSR(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	csr, ok := f.CSRs[name]
	if !ok {
		return apierrors.NewNotFound(schema.GroupResource{Group: "certificates.k8s.io", Resource: "certificatesigningrequests"}, name)
	}
	csr.Status.Conditions = append(csr.Status.Conditions, certv1.CertificateSigningRequestCondition{
		Type:   certv1.CertificateApproved,
		Status: corev1.ConditionTrue,
	})
	f.ApprovedCSRs = append(f.ApprovedCSRs, name)
	return nil
}

func (f *Cluster) GetEtcdConfig(_ context.Context) (*unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EtcdConfig == nil {
		return nil, apierrors.NewNotFound(schema.GroupResource{Group: "operator.openshift.io", Resource: "etcds"}, "cluster")
	}
	return f.EtcdConfig.DeepCopy(), nil
}

func (f *Cluster) PatchEtcdConfig(_ context.Context, mergePatch []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EtcdConfig == nil {
		return apierrors.NewNotFound(schema.GroupResource{Group: "operator.openshift.io", Resource: "etcds"}, "cluster")
	}
	var patch map[string]interface{}
	if err := json.Unmarshal(mergePatch, &patch); err != nil {
		return fmt.Errorf("invalid merge patch: %w", err)
	}
	f.EtcdConfig.Object = mergeMaps(f.EtcdConfig.Object, patch)
	f.EtcdPatches = append(f.EtcdPatches, append([]byte(nil), mergePatch...))
	return nil
}

// mergeMaps applies RFC 7386 merge semantics: maps merge recursively, null
// deletes, everything else replaces.
func mergeMaps(dst, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(dst))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		pm, pok := v.(map[string]interface{})
		dm, dok := out[k].(map[string]interface{})
		if pok && dok {
			out[k] = mergeMaps(dm, pm)
			continue
		}
		out[k] = v
	}
	return out
}

func (f *Cluster) ClusterBaseDomain(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BaseDomain == "" {
		return "", fmt.Errorf("cluster DNS config has no baseDomain")
	}
	return f.BaseDomain, nil
}

func (f *Cluster) ApplyManifestFile(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ApplyErr != nil {
		err := f.ApplyErr
		f.ApplyErr = nil
		return err
	}
	f.AppliedFiles = append(f.AppliedFiles, path)
	return nil
}
