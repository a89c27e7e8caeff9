package cluster

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/types"
)

// mirrorPodAnnotation marks static pods; they restart with the kubelet and
// cannot be evicted meaningfully.
const mirrorPodAnnotation = "kubernetes.io/config.mirror"

// CordonNode marks the node unschedulable.
func (c *Client) CordonNode(ctx context.Context, name string) error {
	c.log.V(1).Info("cordoning node", "name", name)
	patch := []byte(`{"spec":{"unschedulable":true}}`)
	_, err := c.clientset.CoreV1().Nodes().Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
	return err
}

// DrainNode evicts all evictable pods from the node. DaemonSet pods and
// mirror pods are skipped. Evictions blocked by a disruption budget are
// retried until the context expires.
func (c *Client) DrainNode(ctx context.Context, name string) error {
	pods, err := c.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", name).String(),
	})
	if err != nil {
		return fmt.Errorf("failed to list pods on node %s: %w", name, err)
	}

	for i := range pods.Items {
		pod := &pods.Items[i]
		if !evictable(pod) {
			c.log.V(1).Info("skipping pod during drain", "namespace", pod.Namespace, "pod", pod.Name)
			continue
		}
		if err := c.evictUntilAllowed(ctx, pod.Namespace, pod.Name); err != nil {
			return fmt.Errorf("failed to evict pod %s/%s: %w", pod.Namespace, pod.Name, err)
		}
	}
	return nil
}

func evictable(pod *corev1.Pod) bool {
	if _, mirror := pod.Annotations[mirrorPodAnnotation]; mirror {
		return false
	}
	for _, ref := range pod.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return false
		}
	}
	return true
}

func (c *Client) evictUntilAllowed(ctx context.Context, namespace, name string) error {
	eviction := &policyv1.Eviction{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
	}
	for {
		err := c.clientset.PolicyV1().Evictions(namespace).Evict(ctx, eviction)
		switch {
		case err == nil, apierrors.IsNotFound(err):
			return nil
		case apierrors.IsTooManyRequests(err):
			// Disruption budget temporarily exhausted.
			c.log.V(1).Info("eviction blocked by disruption budget, waiting", "namespace", namespace, "pod", name)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
		default:
			return err
		}
	}
}
