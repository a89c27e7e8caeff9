// Package cluster provides the Kubernetes access layer for node operations.
//
// It wraps a typed clientset and a dynamic client behind a single interface so
// that the quorum, resource, and monitoring components can be tested against a
// fake. All read operations retry transient API failures with exponential
// backoff; not-found errors pass through untouched so pollers can interpret
// them as "still waiting".
package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	certv1 "k8s.io/api/certificates/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	utilnet "k8s.io/apimachinery/pkg/util/net"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/baremetal-ops/nodereplace/internal/util/retry"
)

// Namespaces and resource groups for the cluster objects this tool touches.
const (
	MachineAPINamespace = "openshift-machine-api"
	EtcdNamespace       = "openshift-etcd"

	// ControlPlaneLabel selects control plane nodes.
	ControlPlaneLabel = "node-role.kubernetes.io/control-plane"

	// EtcdPodLabel selects etcd replica pods.
	EtcdPodLabel = "app=etcd"

	// MachineRoleLabel carries the machine pool role (master/worker).
	MachineRoleLabel = "machine.openshift.io/cluster-api-machine-role"

	// BMHRoleLabel carries the installer-assigned host role.
	BMHRoleLabel = "installer.openshift.io/role"

	// DeleteMachineAnnotation marks a machine as the preferred scale-down victim.
	DeleteMachineAnnotation = "machine.openshift.io/delete-machine"
)

var (
	bmhGVR = schema.GroupVersionResource{
		Group: "metal3.io", Version: "v1alpha1", Resource: "baremetalhosts",
	}
	machineGVR = schema.GroupVersionResource{
		Group: "machine.openshift.io", Version: "v1beta1", Resource: "machines",
	}
	machineSetGVR = schema.GroupVersionResource{
		Group: "machine.openshift.io", Version: "v1beta1", Resource: "machinesets",
	}
	etcdGVR = schema.GroupVersionResource{
		Group: "operator.openshift.io", Version: "v1", Resource: "etcds",
	}
	dnsGVR = schema.GroupVersionResource{
		Group: "config.openshift.io", Version: "v1", Resource: "dnses",
	}
)

// Interface is the cluster capability surface the operation components depend
// on. The real implementation is Client; tests use the fake subpackage.
type Interface interface {
	// Bare-metal hosts.
	GetBareMetalHost(ctx context.Context, name string) (*unstructured.Unstructured, error)
	ListBareMetalHosts(ctx context.Context) (*unstructured.UnstructuredList, error)
	DeleteBareMetalHost(ctx context.Context, name string) error

	// Machines.
	GetMachine(ctx context.Context, name string) (*unstructured.Unstructured, error)
	ListMachines(ctx context.Context) (*unstructured.UnstructuredList, error)
	DeleteMachine(ctx context.Context, name string) error
	AnnotateMachineForDeletion(ctx context.Context, name string) error

	// Machine sets.
	GetMachineSet(ctx context.Context, name string) (*unstructured.Unstructured, error)
	ListMachineSets(ctx context.Context) (*unstructured.UnstructuredList, error)
	ScaleMachineSet(ctx context.Context, name string, replicas int64) error

	// Nodes.
	GetNode(ctx context.Context, name string) (*corev1.Node, error)
	ListNodes(ctx context.Context, labelSelector string) (*corev1.NodeList, error)
	CordonNode(ctx context.Context, name string) error
	DrainNode(ctx context.Context, name string) error

	// Secrets.
	GetSecret(ctx context.Context, namespace, name string) (*corev1.Secret, error)
	ListSecrets(ctx context.Context, namespace string) (*corev1.SecretList, error)
	DeleteSecret(ctx context.Context, namespace, name string) error

	// Pods and in-pod execution.
	ListPods(ctx context.Context, namespace, labelSelector string) (*corev1.PodList, error)
	ExecInPod(ctx context.Context, namespace, pod, container string, command []string) (string, error)

	// Certificate signing requests.
	ListCSRs(ctx context.Context) (*certv1.CertificateSigningRequestList, error)
	ApproveCSR(ctx context.Context, name string) error

	// Etcd operator configuration.
	GetEtcdConfig(ctx context.Context) (*unstructured.Unstructured, error)
	PatchEtcdConfig(ctx context.Context, mergePatch []byte) error

	// Cluster identity.
	ClusterBaseDomain(ctx context.Context) (string, error)

	// Manifest application.
	ApplyManifestFile(ctx context.Context, path string) error
}

// Options configures the real client.
type Options struct {
	// KubeconfigPath selects an explicit kubeconfig; empty uses the
	// standard loading rules (KUBECONFIG, then ~/.kube/config).
	KubeconfigPath string

	// Logger receives command-level traces. Debug verbosity is a property
	// of the logger sink, not a process global.
	Logger logr.Logger
}

// Client is the production Interface implementation backed by client-go.
type Client struct {
	clientset  kubernetes.Interface
	dynamic    dynamic.Interface
	restConfig *rest.Config
	log        logr.Logger
}

var _ Interface = (*Client)(nil)

// NewClient builds a client from the kubeconfig named in opts.
func NewClient(opts Options) (*Client, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if opts.KubeconfigPath != "" {
		rules.ExplicitPath = opts.KubeconfigPath
	}
	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, nil).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	dynamicClient, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	return &Client{
		clientset:  clientset,
		dynamic:    dynamicClient,
		restConfig: config,
		log:        opts.Logger,
	}, nil
}

// transient reports whether err belongs to the retryable taxonomy:
// connection blips, timeouts, 5xx responses, and rate limiting.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if utilnet.IsConnectionRefused(err) || utilnet.IsConnectionReset(err) || utilnet.IsTimeout(err) || utilnet.IsProbableEOF(err) {
		return true
	}
	return apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsInternalError(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsUnexpectedServerError(err)
}

// withRetry runs op through the backoff helper, marking non-transient errors
// fatal so they surface immediately.
func (c *Client) withRetry(ctx context.Context, desc string, op func() error) error {
	return retry.WithExponentialBackoff(ctx, func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !transient(err) {
			return retry.Fatal(err)
		}
		c.log.V(1).Info("retrying after transient error", "operation", desc, "error", err.Error())
		return err
	})
}

func (c *Client) GetBareMetalHost(ctx context.Context, name string) (*unstructured.Unstructured, error) {
	var obj *unstructured.Unstructured
	err := c.withRetry(ctx, "get baremetalhost "+name, func() error {
		var err error
		obj, err = c.dynamic.Resource(bmhGVR).Namespace(MachineAPINamespace).Get(ctx, name, metav1.GetOptions{})
		return err
	})
	return obj, unwrapFatal(err)
}

func (c *Client) ListBareMetalHosts(ctx context.Context) (*unstructured.UnstructuredList, error) {
	var list *unstructured.UnstructuredList
	err := c.withRetry(ctx, "list baremetalhosts", func() error {
		var err error
		list, err = c.dynamic.Resource(bmhGVR).Namespace(MachineAPINamespace).List(ctx, metav1.ListOptions{})
		return err
	})
	return list, unwrapFatal(err)
}

func (c *Client) DeleteBareMetalHost(ctx context.Context, name string) error {
	c.log.V(1).Info("deleting baremetalhost", "name", name)
	return c.dynamic.Resource(bmhGVR).Namespace(MachineAPINamespace).Delete(ctx, name, metav1.DeleteOptions{})
}

func (c *Client) GetMachine(ctx context.Context, name string) (*unstructured.Unstructured, error) {
	var obj *unstructured.Unstructured
	err := c.withRetry(ctx, "get machine "+name, func() error {
		var err error
		obj, err = c.dynamic.Resource(machineGVR).Namespace(MachineAPINamespace).Get(ctx, name, metav1.GetOptions{})
		return err
	})
	return obj, unwrapFatal(err)
}

func (c *Client) ListMachines(ctx context.Context) (*unstructured.UnstructuredList, error) {
	var list *unstructured.UnstructuredList
	err := c.withRetry(ctx, "list machines", func() error {
		var err error
		list, err = c.dynamic.Resource(machineGVR).Namespace(MachineAPINamespace).List(ctx, metav1.ListOptions{})
		return err
	})
	return list, unwrapFatal(err)
}

func (c *Client) DeleteMachine(ctx context.Context, name string) error {
	c.log.V(1).Info("deleting machine", "name", name)
	return c.dynamic.Resource(machineGVR).Namespace(MachineAPINamespace).Delete(ctx, name, metav1.DeleteOptions{})
}

func (c *Client) AnnotateMachineForDeletion(ctx context.Context, name string) error {
	patch := []byte(fmt.Sprintf(`{"metadata":{"annotations":{%q:"true"}}}`, DeleteMachineAnnotation))
	_, err := c.dynamic.Resource(machineGVR).Namespace(MachineAPINamespace).
		Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
	return err
}

func (c *Client) GetMachineSet(ctx context.Context, name string) (*unstructured.Unstructured, error) {
	var obj *unstructured.Unstructured
	err := c.withRetry(ctx, "get machineset "+name, func() error {
		var err error
		obj, err = c.dynamic.Resource(machineSetGVR).Namespace(MachineAPINamespace).Get(ctx, name, metav1.GetOptions{})
		return err
	})
	return obj, unwrapFatal(err)
}

func (c *Client) ListMachineSets(ctx context.Context) (*unstructured.UnstructuredList, error) {
	var list *unstructured.UnstructuredList
	err := c.withRetry(ctx, "list machinesets", func() error {
		var err error
		list, err = c.dynamic.Resource(machineSetGVR).Namespace(MachineAPINamespace).List(ctx, metav1.ListOptions{})
		return err
	})
	return list, unwrapFatal(err)
}

func (c *Client) ScaleMachineSet(ctx context.Context, name string, replicas int64) error {
	c.log.V(1).Info("scaling machineset", "name", name, "replicas", replicas)
	patch := []byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas))
	_, err := c.dynamic.Resource(machineSetGVR).Namespace(MachineAPINamespace).
		Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
	return err
}

func (c *Client) GetNode(ctx context.Context, name string) (*corev1.Node, error) {
	var node *corev1.Node
	err := c.withRetry(ctx, "get node "+name, func() error {
		var err error
		node, err = c.clientset.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
		return err
	})
	return node, unwrapFatal(err)
}

func (c *Client) ListNodes(ctx context.Context, labelSelector string) (*corev1.NodeList, error) {
	var list *corev1.NodeList
	err := c.withRetry(ctx, "list nodes", func() error {
		var err error
		list, err = c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
		return err
	})
	return list, unwrapFatal(err)
}

func (c *Client) GetSecret(ctx context.Context, namespace, name string) (*corev1.Secret, error) {
	var secret *corev1.Secret
	err := c.withRetry(ctx, "get secret "+name, func() error {
		var err error
		secret, err = c.clientset.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
		return err
	})
	return secret, unwrapFatal(err)
}

func (c *Client) ListSecrets(ctx context.Context, namespace string) (*corev1.SecretList, error) {
	var list *corev1.SecretList
	err := c.withRetry(ctx, "list secrets", func() error {
		var err error
		list, err = c.clientset.CoreV1().Secrets(namespace).List(ctx, metav1.ListOptions{})
		return err
	})
	return list, unwrapFatal(err)
}

func (c *Client) DeleteSecret(ctx context.Context, namespace, name string) error {
	c.log.V(1).Info("deleting secret", "namespace", namespace, "name", name)
	return c.clientset.CoreV1().Secrets(namespace).Delete(ctx, name, metav1.DeleteOptions{})
}

func (c *Client) ListPods(ctx context.Context, namespace, labelSelector string) (*corev1.PodList, error) {
	var list *corev1.PodList
	err := c.withRetry(ctx, "list pods", func() error {
		var err error
		list, err = c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
		return err
	})
	return list, unwrapFatal(err)
}

func (c *Client) ListCSRs(ctx context.Context) (*certv1.CertificateSigningRequestList, error) {
	var list *certv1.CertificateSigningRequestList
	err := c.withRetry(ctx, "list csrs", func() error {
		var err error
		list, err = c.clientset.CertificatesV1().CertificateSigningRequests().List(ctx, metav1.ListOptions{})
		return err
	})
	return list, unwrapFatal(err)
}

func (c *Client) ApproveCSR(ctx context.Context, name string) error {
	csr, err := c.clientset.CertificatesV1().CertificateSigningRequests().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return err
	}
	csr.Status.Conditions = append(csr.Status.Conditions, certv1.CertificateSigningRequestCondition{
		Type:    certv1.CertificateApproved,
		Status:  corev1.ConditionTrue,
		Reason:  "NodeOperationApproval",
		Message: "approved during node provisioning",
	})
	_, err = c.clientset.CertificatesV1().CertificateSigningRequests().
		UpdateApproval(ctx, name, csr, metav1.UpdateOptions{})
	return err
}

func (c *Client) GetEtcdConfig(ctx context.Context) (*unstructured.Unstructured, error) {
	var obj *unstructured.Unstructured
	err := c.withRetry(ctx, "get etcd cluster config", func() error {
		var err error
		obj, err = c.dynamic.Resource(etcdGVR).Get(ctx, "cluster", metav1.GetOptions{})
		return err
	})
	return obj, unwrapFatal(err)
}

func (c *Client) PatchEtcdConfig(ctx context.Context, mergePatch []byte) error {
	c.log.V(1).Info("patching etcd cluster config", "patch", string(mergePatch))
	_, err := c.dynamic.Resource(etcdGVR).Patch(ctx, "cluster", types.MergePatchType, mergePatch, metav1.PatchOptions{})
	return err
}

func (c *Client) ClusterBaseDomain(ctx context.Context) (string, error) {
	dns, err := c.dynamic.Resource(dnsGVR).Get(ctx, "cluster", metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to get cluster DNS config: %w", err)
	}
	domain, _, err := unstructured.NestedString(dns.Object, "spec", "baseDomain")
	if err != nil || domain == "" {
		return "", fmt.Errorf("cluster DNS config has no baseDomain")
	}
	return domain, nil
}

// unwrapFatal strips the retry package's fatal wrapper so callers see the
// original API error (and apierrors.IsNotFound keeps working).
func unwrapFatal(err error) error {
	var fatal *retry.FatalError
	if errors.As(err, &fatal) {
		return fatal.Err
	}
	return err
}
