// Package manifest loads the proxy helper pod's JSON template from disk and
// performs literal {key} substitution over a fixed set of values.
// This is intentionally not a general-purpose templating engine: the
// template file is trusted local input and the substitution keys are
// fixed, so a generic engine would be the wrong tool.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"

	"github.com/spf13/afero"

	"github.com/jessegoodier/kftray-go/pkg/errcat"
)

// Values are the seven substitution keys the proxy pod template uses.
type Values struct {
	HashedName    string
	ConfigID      string
	ServiceName   string
	RemoteAddress string
	RemotePort    string
	LocalPort     string
	Protocol      string
}

func (v Values) asMap() map[string]string {
	return map[string]string{
		"hashed_name":    v.HashedName,
		"config_id":      v.ConfigID,
		"service_name":   v.ServiceName,
		"remote_address": v.RemoteAddress,
		"remote_port":    v.RemotePort,
		"local_port":     v.LocalPort,
		"protocol":       v.Protocol,
	}
}

// Load reads the template at path from fs, substitutes values, and parses
// the result as a pod object.
func Load(fs afero.Fs, path string, values Values) (*corev1.Pod, error) {
	contents, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errcat.Cluster.Wrap(fmt.Errorf("reading pod manifest template %s: %w", path, err))
	}

	rendered := render(string(contents), values.asMap())

	var pod corev1.Pod
	if err := json.Unmarshal([]byte(rendered), &pod); err != nil {
		return nil, errcat.Cluster.Wrap(fmt.Errorf("parsing rendered pod manifest: %w", err))
	}
	return &pod, nil
}

// render performs literal {key} substitution over template using values.
func render(template string, values map[string]string) string {
	rendered := template
	for key, value := range values {
		rendered = strings.ReplaceAll(rendered, "{"+key+"}", value)
	}
	return rendered
}
