// Package nodeconfig rewrites backed-up resource definitions on disk so they
// describe the new node instead of the one they were copied from.
package nodeconfig

import (
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/baremetal-ops/nodereplace/internal/report"
)

var (
	ipPattern         = regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`)
	nodeNumberPattern = regexp.MustCompile(`(\d+)`)
)

// Configurator edits YAML definition files in place.
type Configurator struct {
	reporter *report.Reporter
	log      logr.Logger
}

// New returns a Configurator.
func New(reporter *report.Reporter, log logr.Logger) *Configurator {
	return &Configurator{reporter: reporter, log: log}
}

func loadYAML(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return doc, nil
}

func saveYAML(path string, doc map[string]interface{}) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

// UpdateNMStateIP sets the primary address of the first ipv4-enabled
// interface in the nmstate file to newIP.
func (c *Configurator) UpdateNMStateIP(path, newIP string) error {
	doc, err := loadYAML(path)
	if err != nil {
		return err
	}

	interfaces, _ := doc["interfaces"].([]interface{})
	for _, raw := range interfaces {
		iface := asMap(raw)
		ipv4 := asMap(iface["ipv4"])
		enabled, _ := ipv4["enabled"].(bool)
		addresses, _ := ipv4["address"].([]interface{})
		if !enabled || len(addresses) == 0 {
			continue
		}
		if addr := asMap(addresses[0]); addr != nil {
			addr["ip"] = newIP
			c.reporter.Info("Updated interface %v IP to %s", iface["name"], newIP)
			break
		}
	}

	return saveYAML(path, doc)
}

// UpdateNetworkSecret re-encodes the nmstate file into the network config
// secret's data and renames the secret for the new node.
func (c *Configurator) UpdateNetworkSecret(nmstatePath, secretPath, nodeName string) error {
	nmstate, err := os.ReadFile(nmstatePath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", nmstatePath, err)
	}

	doc, err := loadYAML(secretPath)
	if err != nil {
		return err
	}
	data := asMap(doc["data"])
	if data == nil {
		data = map[string]interface{}{}
		doc["data"] = data
	}
	data["nmstate"] = base64.StdEncoding.EncodeToString(nmstate)

	metadata := asMap(doc["metadata"])
	if metadata == nil {
		metadata = map[string]interface{}{}
		doc["metadata"] = metadata
	}
	metadata["name"] = nodeName + "-network-config-secret"

	return saveYAML(secretPath, doc)
}

// UpdateBMCSecretName renames the BMC credential secret for the new node.
func (c *Configurator) UpdateBMCSecretName(secretPath, nodeName string) error {
	doc, err := loadYAML(secretPath)
	if err != nil {
		return err
	}
	metadata := asMap(doc["metadata"])
	if metadata == nil {
		metadata = map[string]interface{}{}
		doc["metadata"] = metadata
	}
	metadata["name"] = nodeName + "-bmc-secret"
	return saveYAML(secretPath, doc)
}

// BMHParams carries the new node's hardware identity.
type BMHParams struct {
	NodeName   string
	BMCIP      string
	MACAddress string
	// SushyUID, when set, replaces the system identifier after "Systems/"
	// in a redfish BMC address.
	SushyUID string
	// Role sets the installer role label. Empty means control-plane.
	Role string
}

// UpdateBMH rewrites the host definition for the new node: the BMC address
// IP, the boot MAC, the secret references, the host name, and the role
// label.
func (c *Configurator) UpdateBMH(path string, params BMHParams) error {
	doc, err := loadYAML(path)
	if err != nil {
		return err
	}

	spec := asMap(doc["spec"])
	if spec == nil {
		return fmt.Errorf("host definition %s has no spec", path)
	}
	bmc := asMap(spec["bmc"])
	if bmc == nil {
		return fmt.Errorf("host definition %s has no bmc section", path)
	}

	currentAddress, _ := bmc["address"].(string)
	newAddress := ipPattern.ReplaceAllString(currentAddress, params.BMCIP)

	if params.SushyUID != "" {
		if idx := strings.Index(newAddress, "Systems/"); idx >= 0 {
			newAddress = newAddress[:idx+len("Systems/")] + params.SushyUID
			c.reporter.Info("Updated sushy UID to %s", params.SushyUID)
		} else {
			c.reporter.Warning("Systems/ not found in BMC address, sushy UID not updated")
		}
	}

	bmc["address"] = newAddress
	bmc["credentialsName"] = params.NodeName + "-bmc-secret"
	spec["bootMACAddress"] = params.MACAddress
	spec["preprovisioningNetworkDataName"] = params.NodeName + "-network-config-secret"

	metadata := asMap(doc["metadata"])
	if metadata == nil {
		metadata = map[string]interface{}{}
		doc["metadata"] = metadata
	}
	metadata["name"] = params.NodeName
	labels := asMap(metadata["labels"])
	if labels == nil {
		labels = map[string]interface{}{}
		metadata["labels"] = labels
	}
	role := params.Role
	if role == "" {
		role = "control-plane"
	}
	labels["installer.openshift.io/role"] = role

	c.log.V(1).Info("updated host BMC address", "from", currentAddress, "to", newAddress)
	return saveYAML(path, doc)
}

// UpdateMachine rewrites the machine definition for the new node and returns
// the machine's new name. The name follows {cluster}-{role}-{number}, where
// the cluster prefix comes from the machine's cluster label and the number
// from the first digit run in the node name.
func (c *Configurator) UpdateMachine(path, nodeName, role string) (string, error) {
	if role == "" {
		role = "master"
	}

	doc, err := loadYAML(path)
	if err != nil {
		return "", err
	}
	metadata := asMap(doc["metadata"])
	if metadata == nil {
		return "", fmt.Errorf("machine definition %s has no metadata", path)
	}
	spec := asMap(doc["spec"])
	if spec == nil {
		return "", fmt.Errorf("machine definition %s has no spec", path)
	}

	labels := asMap(metadata["labels"])
	if labels == nil {
		labels = map[string]interface{}{}
		metadata["labels"] = labels
	}

	clusterPrefix, err := clusterPrefix(labels)
	if err != nil {
		return "", fmt.Errorf("machine definition %s: %w", path, err)
	}

	nodeNumber := "0"
	if match := nodeNumberPattern.FindString(nodeName); match != "" {
		nodeNumber = match
	} else {
		c.reporter.Warning("Could not extract a node number from %s, using 0", nodeName)
	}

	newName := fmt.Sprintf("%s-%s-%s", clusterPrefix, role, nodeNumber)
	metadata["name"] = newName
	labels["machine.openshift.io/cluster-api-machine-role"] = role
	labels["machine.openshift.io/cluster-api-machine-type"] = role

	if role == "master" {
		if _, ok := spec["lifecycleHooks"]; !ok {
			spec["lifecycleHooks"] = map[string]interface{}{
				"preDrain": []interface{}{
					map[string]interface{}{"name": "EtcdQuorumOperator", "owner": "clusteroperator/etcd"},
				},
			}
		}
	} else {
		delete(spec, "lifecycleHooks")
	}

	userDataName := "worker-user-data-managed"
	if role == "master" {
		userDataName = "master-user-data-managed"
	}
	providerValue := asMap(asMap(spec["providerSpec"])["value"])
	if providerValue == nil {
		return "", fmt.Errorf("machine definition %s has no providerSpec value", path)
	}
	userData := asMap(providerValue["userData"])
	if userData == nil {
		userData = map[string]interface{}{}
		providerValue["userData"] = userData
	}
	userData["name"] = userDataName

	if err := saveYAML(path, doc); err != nil {
		return "", err
	}
	c.reporter.Info("Machine renamed to %s (role %s, userData %s)", newName, role, userDataName)
	return newName, nil
}

// clusterPrefix derives the {clustername}-{id} machine name prefix from the
// machine's cluster label.
func clusterPrefix(labels map[string]interface{}) (string, error) {
	if v, ok := labels["machine.openshift.io/cluster-api-cluster"].(string); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("no machine.openshift.io/cluster-api-cluster label")
}
