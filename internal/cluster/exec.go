package cluster

import (
	"bytes"
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
)

// ExecInPod runs command inside the named container and returns its stdout.
// Stderr is collected only for error reporting; callers parsing JSON output
// never see it mixed in.
func (c *Client) ExecInPod(ctx context.Context, namespace, pod, container string, command []string) (string, error) {
	req := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   command,
			Stdout:    true,
			Stderr:    true,
		}, runtime.NewParameterCodec(scheme.Scheme))

	executor, err := remotecommand.NewSPDYExecutor(c.restConfig, "POST", req.URL())
	if err != nil {
		return "", fmt.Errorf("failed to create executor for pod %s/%s: %w", namespace, pod, err)
	}

	var stdout, stderr bytes.Buffer
	c.log.V(1).Info("executing in pod", "namespace", namespace, "pod", pod, "container", container, "command", command)
	if err := executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	}); err != nil {
		return "", fmt.Errorf("exec in pod %s/%s failed: %w (stderr: %s)", namespace, pod, err, stderr.String())
	}
	return stdout.String(), nil
}
