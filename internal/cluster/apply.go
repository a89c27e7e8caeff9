package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/yaml"
)

// ApplyManifestFile reads a YAML manifest from disk and creates each document
// in the cluster. Objects that already exist are updated with the file's
// content, carrying over the live resourceVersion so the update is accepted.
func (c *Client) ApplyManifestFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return c.applyManifest(ctx, string(data))
}

func (c *Client) applyManifest(ctx context.Context, manifest string) error {
	decoder := yaml.NewYAMLOrJSONDecoder(strings.NewReader(manifest), 4096)

	for {
		var obj unstructured.Unstructured
		err := decoder.Decode(&obj)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to decode manifest: %w", err)
		}
		if len(obj.Object) == 0 {
			continue
		}

		if err := c.applyObject(ctx, &obj); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) applyObject(ctx context.Context, obj *unstructured.Unstructured) error {
	gvk := obj.GroupVersionKind()
	gvr := schema.GroupVersionResource{
		Group:    gvk.Group,
		Version:  gvk.Version,
		Resource: resourceForKind(gvk.Kind),
	}

	client := c.dynamic.Resource(gvr).Namespace(obj.GetNamespace())
	c.log.V(1).Info("applying object", "kind", gvk.Kind, "name", obj.GetName(), "namespace", obj.GetNamespace())

	_, err := client.Create(ctx, obj, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create %s/%s: %w", gvk.Kind, obj.GetName(), err)
	}

	existing, err := client.Get(ctx, obj.GetName(), metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to fetch existing %s/%s: %w", gvk.Kind, obj.GetName(), err)
	}
	obj.SetResourceVersion(existing.GetResourceVersion())
	if _, err := client.Update(ctx, obj, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", gvk.Kind, obj.GetName(), err)
	}
	return nil
}

// resourceForKind maps the kinds this tool applies to their resource names.
func resourceForKind(kind string) string {
	switch kind {
	case "BareMetalHost":
		return "baremetalhosts"
	case "Machine":
		return "machines"
	case "MachineSet":
		return "machinesets"
	case "Secret":
		return "secrets"
	case "ConfigMap":
		return "configmaps"
	default:
		return strings.ToLower(kind) + "s"
	}
}
