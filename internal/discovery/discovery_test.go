package discovery

import (
	"context"
	"sort"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jessegoodier/kftray-go/internal/model"
)

func TestRetrieveServiceConfigsParsesAnnotation(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "default"}},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "web",
				Namespace: "default",
				Annotations: map[string]string{
					ConfigsAnnotation: "web-8080-80,admin-9090-adminport",
				},
			},
			Spec: corev1.ServiceSpec{
				Ports: []corev1.ServicePort{
					{Port: 80},
					{Name: "adminport", Port: 9443},
				},
			},
		},
	)

	configs, err := RetrieveServiceConfigs(context.Background(), clientset, "kind-kftray", "")
	require.NoError(t, err)
	require.Len(t, configs, 2)

	sort.Slice(configs, func(i, j int) bool { return *configs[i].Alias < *configs[j].Alias })

	assert.Equal(t, "admin", *configs[0].Alias)
	assert.Equal(t, uint16(9090), *configs[0].LocalPort)
	assert.Equal(t, uint16(9443), configs[0].RemotePort)

	assert.Equal(t, "web", *configs[1].Alias)
	assert.Equal(t, uint16(8080), *configs[1].LocalPort)
	assert.Equal(t, uint16(80), configs[1].RemotePort)
}

func TestRetrieveServiceConfigsDefaultsWithoutAnnotation(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "default"}},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "default"},
			Spec: corev1.ServiceSpec{
				Ports: []corev1.ServicePort{{Port: 8080}},
			},
		},
	)

	configs, err := RetrieveServiceConfigs(context.Background(), clientset, "kind-kftray", "")
	require.NoError(t, err)
	require.Len(t, configs, 1)

	cfg := configs[0]
	assert.Equal(t, "api", *cfg.Alias)
	assert.Equal(t, "api", *cfg.Service)
	assert.Equal(t, uint16(8080), *cfg.LocalPort)
	assert.Equal(t, uint16(8080), cfg.RemotePort)
	assert.Equal(t, model.ProtocolTCP, cfg.Protocol)
}

func TestParseAnnotationEntrySkipsUnresolvableTargetPort(t *testing.T) {
	svc := corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default"},
		Spec:       corev1.ServiceSpec{Ports: []corev1.ServicePort{{Name: "http", Port: 80}}},
	}
	_, ok := parseAnnotationEntry("web-8080-missingport", svc, namedPorts(svc), "", "")
	assert.False(t, ok)
}
