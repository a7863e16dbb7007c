package manifest

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const template = `{
  "apiVersion": "v1",
  "kind": "Pod",
  "metadata": {
    "name": "{hashed_name}",
    "labels": {"config_id": "{config_id}"}
  },
  "spec": {
    "containers": [{
      "name": "proxy",
      "image": "kftray/proxy:latest",
      "env": [
        {"name": "REMOTE_ADDRESS", "value": "{remote_address}"},
        {"name": "REMOTE_PORT", "value": "{remote_port}"},
        {"name": "LOCAL_PORT", "value": "{local_port}"},
        {"name": "PROTOCOL", "value": "{protocol}"},
        {"name": "SERVICE_NAME", "value": "{service_name}"}
      ]
    }]
  }
}`

func TestLoadSubstitutesAllKeys(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/manifests/pod.json", []byte(template), 0o644))

	pod, err := Load(fs, "/manifests/pod.json", Values{
		HashedName:    "kftray-forward-alice-tcp-1700000000-abc123",
		ConfigID:      "7",
		ServiceName:   "api",
		RemoteAddress: "api",
		RemotePort:    "8080",
		LocalPort:     "8080",
		Protocol:      "tcp",
	})
	require.NoError(t, err)

	assert.Equal(t, "kftray-forward-alice-tcp-1700000000-abc123", pod.Name)
	assert.Equal(t, "7", pod.Labels["config_id"])
	assert.Equal(t, "proxy", pod.Spec.Containers[0].Name)
}

func TestLoadMissingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Load(fs, "/missing.json", Values{})
	assert.Error(t, err)
}
