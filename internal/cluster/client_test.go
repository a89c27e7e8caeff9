package cluster

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	certv1 "k8s.io/api/certificates/v1"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func newTestClient(t *testing.T, cs *k8sfake.Clientset, objects ...runtime.Object) *Client {
	t.Helper()
	if cs == nil {
		cs = k8sfake.NewSimpleClientset()
	}
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(
		runtime.NewScheme(),
		map[schema.GroupVersionResource]string{
			bmhGVR:        "BareMetalHostList",
			machineGVR:    "MachineList",
			machineSetGVR: "MachineSetList",
			etcdGVR:       "EtcdList",
			dnsGVR:        "DNSList",
		},
		objects...,
	)
	return &Client{clientset: cs, dynamic: dyn, log: logr.Discard()}
}

func TestTransientErrorTaxonomy(t *testing.T) {
	gr := schema.GroupResource{Resource: "nodes"}

	assert.False(t, transient(nil))
	assert.False(t, transient(apierrors.NewNotFound(gr, "x")))
	assert.False(t, transient(apierrors.NewBadRequest("bad")))
	assert.True(t, transient(apierrors.NewTooManyRequests("slow down", 1)))
	assert.True(t, transient(apierrors.NewServiceUnavailable("down")))
	assert.True(t, transient(apierrors.NewServerTimeout(gr, "get", 1)))
	assert.True(t, transient(apierrors.NewInternalError(fmt.Errorf("boom"))))
}

func TestGetNodeNotFoundPassesThrough(t *testing.T) {
	c := newTestClient(t, nil)

	_, err := c.GetNode(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apierrors.IsNotFound(err))
}

func TestCordonNode(t *testing.T) {
	cs := k8sfake.NewSimpleClientset(&corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "worker-1"},
	})
	c := newTestClient(t, cs)

	require.NoError(t, c.CordonNode(context.Background(), "worker-1"))

	node, err := cs.CoreV1().Nodes().Get(context.Background(), "worker-1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.True(t, node.Spec.Unschedulable)
}

func TestDrainNodeSkipsUnevictablePods(t *testing.T) {
	cs := k8sfake.NewSimpleClientset(
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "app-1", Namespace: "default"},
			Spec:       corev1.PodSpec{NodeName: "worker-1"},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:        "kubelet-static",
				Namespace:   "kube-system",
				Annotations: map[string]string{mirrorPodAnnotation: "abc"},
			},
			Spec: corev1.PodSpec{NodeName: "worker-1"},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:            "ds-agent",
				Namespace:       "kube-system",
				OwnerReferences: []metav1.OwnerReference{{Kind: "DaemonSet", Name: "agent"}},
			},
			Spec: corev1.PodSpec{NodeName: "worker-1"},
		},
	)

	var evicted []string
	cs.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		create, ok := action.(k8stesting.CreateAction)
		if !ok || create.GetSubresource() != "eviction" {
			return false, nil, nil
		}
		eviction := create.GetObject().(*policyv1.Eviction)
		evicted = append(evicted, eviction.Name)
		return true, nil, nil
	})

	c := newTestClient(t, cs)
	require.NoError(t, c.DrainNode(context.Background(), "worker-1"))
	assert.Equal(t, []string{"app-1"}, evicted)
}

func TestApproveCSRSetsApprovedCondition(t *testing.T) {
	cs := k8sfake.NewSimpleClientset(&certv1.CertificateSigningRequest{
		ObjectMeta: metav1.ObjectMeta{Name: "csr-1"},
	})
	c := newTestClient(t, cs)

	require.NoError(t, c.ApproveCSR(context.Background(), "csr-1"))

	csr, err := cs.CertificatesV1().CertificateSigningRequests().Get(context.Background(), "csr-1", metav1.GetOptions{})
	require.NoError(t, err)
	require.Len(t, csr.Status.Conditions, 1)
	assert.Equal(t, certv1.CertificateApproved, csr.Status.Conditions[0].Type)
}

func TestScaleMachineSetPatchesReplicas(t *testing.T) {
	machineSet := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "machine.openshift.io/v1beta1",
		"kind":       "MachineSet",
		"metadata": map[string]interface{}{
			"name":      "clu-worker",
			"namespace": MachineAPINamespace,
		},
		"spec": map[string]interface{}{"replicas": int64(2)},
	}}
	c := newTestClient(t, nil, machineSet)

	require.NoError(t, c.ScaleMachineSet(context.Background(), "clu-worker", 3))

	updated, err := c.GetMachineSet(context.Background(), "clu-worker")
	require.NoError(t, err)
	replicas, found, err := unstructured.NestedInt64(updated.Object, "spec", "replicas")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(3), replicas)
}

func TestClusterBaseDomain(t *testing.T) {
	dns := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "config.openshift.io/v1",
		"kind":       "DNS",
		"metadata":   map[string]interface{}{"name": "cluster"},
		"spec":       map[string]interface{}{"baseDomain": "example.lab.local"},
	}}
	c := newTestClient(t, nil, dns)

	domain, err := c.ClusterBaseDomain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "example.lab.local", domain)
}

func TestApplyManifestCreatesThenUpdates(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	manifest := fmt.Sprintf(`apiVersion: metal3.io/v1alpha1
kind: BareMetalHost
metadata:
  name: worker-7
  namespace: %s
spec:
  online: true
`, MachineAPINamespace)
	require.NoError(t, c.applyManifest(ctx, manifest))

	created, err := c.GetBareMetalHost(ctx, "worker-7")
	require.NoError(t, err)
	online, _, _ := unstructured.NestedBool(created.Object, "spec", "online")
	assert.True(t, online)

	// A second apply of the same object takes the update path.
	updated := manifest[:len(manifest)-len("true\n")] + "false\n"
	require.NoError(t, c.applyManifest(ctx, updated))

	after, err := c.GetBareMetalHost(ctx, "worker-7")
	require.NoError(t, err)
	online, _, _ = unstructured.NestedBool(after.Object, "spec", "online")
	assert.False(t, online)
}
