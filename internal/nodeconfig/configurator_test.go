package nodeconfig

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/baremetal-ops/nodereplace/internal/report"
)

func newTestConfigurator() *Configurator {
	return New(report.New(report.WithWriter(&strings.Builder{})), logr.Discard())
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readYAML(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &doc))
	return doc
}

const nmstateFixture = `interfaces:
- name: eno1
  type: ethernet
  state: up
  ipv4:
    enabled: false
- name: eno2
  type: ethernet
  state: up
  ipv4:
    enabled: true
    address:
    - ip: 192.168.10.22
      prefix-length: 24
    - ip: 192.168.10.23
      prefix-length: 24
`

func TestUpdateNMStateIP(t *testing.T) {
	c := newTestConfigurator()
	path := writeFile(t, t.TempDir(), "nmstate", nmstateFixture)

	require.NoError(t, c.UpdateNMStateIP(path, "192.168.10.55"))

	doc := readYAML(t, path)
	interfaces := doc["interfaces"].([]interface{})

	// eno1 has ipv4 disabled and must be untouched.
	eno1 := interfaces[0].(map[string]interface{})
	assert.Nil(t, eno1["ipv4"].(map[string]interface{})["address"])

	eno2 := interfaces[1].(map[string]interface{})
	addresses := eno2["ipv4"].(map[string]interface{})["address"].([]interface{})
	first := addresses[0].(map[string]interface{})
	assert.Equal(t, "192.168.10.55", first["ip"])
	// Only the first address changes.
	second := addresses[1].(map[string]interface{})
	assert.Equal(t, "192.168.10.23", second["ip"])
}

func TestUpdateNetworkSecret(t *testing.T) {
	c := newTestConfigurator()
	dir := t.TempDir()
	nmstatePath := writeFile(t, dir, "nmstate", "interfaces: []\n")
	secretPath := writeFile(t, dir, "secret.yaml", `apiVersion: v1
kind: Secret
metadata:
  name: master-2-network-config-secret
  namespace: openshift-machine-api
data:
  nmstate: b2xk
`)

	require.NoError(t, c.UpdateNetworkSecret(nmstatePath, secretPath, "master-5"))

	doc := readYAML(t, secretPath)
	metadata := doc["metadata"].(map[string]interface{})
	assert.Equal(t, "master-5-network-config-secret", metadata["name"])

	data := doc["data"].(map[string]interface{})
	decoded, err := base64.StdEncoding.DecodeString(data["nmstate"].(string))
	require.NoError(t, err)
	assert.Equal(t, "interfaces: []\n", string(decoded))
}

func TestUpdateBMCSecretName(t *testing.T) {
	c := newTestConfigurator()
	path := writeFile(t, t.TempDir(), "bmc.yaml", `apiVersion: v1
kind: Secret
metadata:
  name: master-2-bmc-secret
data:
  username: YWRtaW4=
`)

	require.NoError(t, c.UpdateBMCSecretName(path, "master-5"))

	doc := readYAML(t, path)
	metadata := doc["metadata"].(map[string]interface{})
	assert.Equal(t, "master-5-bmc-secret", metadata["name"])
	// Credential payload stays intact.
	assert.Equal(t, "YWRtaW4=", doc["data"].(map[string]interface{})["username"])
}

const bmhFixture = `apiVersion: metal3.io/v1alpha1
kind: BareMetalHost
metadata:
  name: master-2
  namespace: openshift-machine-api
spec:
  bmc:
    address: redfish-virtualmedia+https://192.168.1.22/redfish/v1/Systems/old-uid-1234
    credentialsName: master-2-bmc-secret
  bootMACAddress: aa:aa:aa:aa:aa:aa
  preprovisioningNetworkDataName: master-2-network-config-secret
`

func TestUpdateBMH(t *testing.T) {
	c := newTestConfigurator()
	path := writeFile(t, t.TempDir(), "bmh.yaml", bmhFixture)

	err := c.UpdateBMH(path, BMHParams{
		NodeName:   "master-5",
		BMCIP:      "192.168.1.55",
		MACAddress: "bb:bb:bb:bb:bb:bb",
		SushyUID:   "new-uid-9999",
	})
	require.NoError(t, err)

	doc := readYAML(t, path)
	metadata := doc["metadata"].(map[string]interface{})
	assert.Equal(t, "master-5", metadata["name"])
	labels := metadata["labels"].(map[string]interface{})
	assert.Equal(t, "control-plane", labels["installer.openshift.io/role"])

	spec := doc["spec"].(map[string]interface{})
	bmc := spec["bmc"].(map[string]interface{})
	assert.Equal(t, "redfish-virtualmedia+https://192.168.1.55/redfish/v1/Systems/new-uid-9999", bmc["address"])
	assert.Equal(t, "master-5-bmc-secret", bmc["credentialsName"])
	assert.Equal(t, "bb:bb:bb:bb:bb:bb", spec["bootMACAddress"])
	assert.Equal(t, "master-5-network-config-secret", spec["preprovisioningNetworkDataName"])
}

func TestUpdateBMHWithoutSushyUID(t *testing.T) {
	c := newTestConfigurator()
	path := writeFile(t, t.TempDir(), "bmh.yaml", bmhFixture)

	err := c.UpdateBMH(path, BMHParams{
		NodeName:   "master-5",
		BMCIP:      "10.0.0.5",
		MACAddress: "bb:bb:bb:bb:bb:bb",
	})
	require.NoError(t, err)

	doc := readYAML(t, path)
	bmc := doc["spec"].(map[string]interface{})["bmc"].(map[string]interface{})
	// Only the IP changes; the system identifier is preserved.
	assert.Equal(t, "redfish-virtualmedia+https://10.0.0.5/redfish/v1/Systems/old-uid-1234", bmc["address"])
}

const machineFixture = `apiVersion: machine.openshift.io/v1beta1
kind: Machine
metadata:
  labels:
    machine.openshift.io/cluster-api-cluster: one-zpspd
    machine.openshift.io/cluster-api-machine-role: master
    machine.openshift.io/cluster-api-machine-type: master
  name: PLACEHOLDER_NAME
  namespace: openshift-machine-api
spec:
  lifecycleHooks:
    preDrain:
    - name: EtcdQuorumOperator
      owner: clusteroperator/etcd
  providerSpec:
    value:
      apiVersion: machine.openshift.io/v1beta1
      kind: BareMetalMachineProviderSpec
      userData:
        name: master-user-data-managed
`

func TestUpdateMachineMaster(t *testing.T) {
	c := newTestConfigurator()
	path := writeFile(t, t.TempDir(), "machine.yaml", machineFixture)

	name, err := c.UpdateMachine(path, "ocp-control5.example.com", "master")
	require.NoError(t, err)
	assert.Equal(t, "one-zpspd-master-5", name)

	doc := readYAML(t, path)
	spec := doc["spec"].(map[string]interface{})
	assert.Contains(t, spec, "lifecycleHooks")
	userData := spec["providerSpec"].(map[string]interface{})["value"].(map[string]interface{})["userData"].(map[string]interface{})
	assert.Equal(t, "master-user-data-managed", userData["name"])
}

func TestUpdateMachineWorkerDropsLifecycleHooks(t *testing.T) {
	c := newTestConfigurator()
	path := writeFile(t, t.TempDir(), "machine.yaml", machineFixture)

	name, err := c.UpdateMachine(path, "worker9", "worker")
	require.NoError(t, err)
	assert.Equal(t, "one-zpspd-worker-9", name)

	doc := readYAML(t, path)
	spec := doc["spec"].(map[string]interface{})
	assert.NotContains(t, spec, "lifecycleHooks")
	userData := spec["providerSpec"].(map[string]interface{})["value"].(map[string]interface{})["userData"].(map[string]interface{})
	assert.Equal(t, "worker-user-data-managed", userData["name"])

	labels := doc["metadata"].(map[string]interface{})["labels"].(map[string]interface{})
	assert.Equal(t, "worker", labels["machine.openshift.io/cluster-api-machine-role"])
	assert.Equal(t, "worker", labels["machine.openshift.io/cluster-api-machine-type"])
}

func TestUpdateMachineDefaultsRoleAndNumber(t *testing.T) {
	c := newTestConfigurator()
	path := writeFile(t, t.TempDir(), "machine.yaml", machineFixture)

	name, err := c.UpdateMachine(path, "nodigits", "")
	require.NoError(t, err)
	assert.Equal(t, "one-zpspd-master-0", name)
}

func TestUpdateMachineMissingClusterLabel(t *testing.T) {
	c := newTestConfigurator()
	path := writeFile(t, t.TempDir(), "machine.yaml", `metadata:
  labels: {}
  name: PLACEHOLDER_NAME
spec:
  providerSpec:
    value:
      userData:
        name: master-user-data-managed
`)

	_, err := c.UpdateMachine(path, "master-5", "master")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cluster-api-cluster")
}

func TestUpdateMachineAddsLifecycleHooksForMaster(t *testing.T) {
	c := newTestConfigurator()
	// Worker template being promoted to a control plane machine.
	path := writeFile(t, t.TempDir(), "machine.yaml", `apiVersion: machine.openshift.io/v1beta1
kind: Machine
metadata:
  labels:
    machine.openshift.io/cluster-api-cluster: one-zpspd
    machine.openshift.io/cluster-api-machine-role: worker
  name: PLACEHOLDER_NAME
spec:
  providerSpec:
    value:
      userData:
        name: worker-user-data-managed
`)

	name, err := c.UpdateMachine(path, "control4", "master")
	require.NoError(t, err)
	assert.Equal(t, "one-zpspd-master-4", name)

	doc := readYAML(t, path)
	spec := doc["spec"].(map[string]interface{})
	hooks := spec["lifecycleHooks"].(map[string]interface{})
	preDrain := hooks["preDrain"].([]interface{})
	hook := preDrain[0].(map[string]interface{})
	assert.Equal(t, "EtcdQuorumOperator", hook["name"])
}
