// Package k8sclient builds cached Kubernetes clients for a given
// (kubeconfig, context) pair, the cluster API client factory the rest of
// this core treats as a narrow external collaborator.
package k8sclient

import (
	"fmt"
	"sync"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/jessegoodier/kftray-go/pkg/errcat"
)

// Factory builds and caches kubernetes.Interface clients keyed by
// (kubeconfig path, context name), mirroring the pattern used to dial a
// specific context's traffic-manager in the integration harness.
type Factory struct {
	mu      sync.Mutex
	clients map[factoryKey]kubernetes.Interface
	configs map[factoryKey]*rest.Config
}

type factoryKey struct {
	kubeconfig string
	context    string
}

// NewFactory returns an empty, ready-to-use Factory.
func NewFactory() *Factory {
	return &Factory{
		clients: make(map[factoryKey]kubernetes.Interface),
		configs: make(map[factoryKey]*rest.Config),
	}
}

// ClientFor returns the cached client for (kubeconfig, context), building
// and caching one on first use. kubeconfig == "" selects the default
// loading rules (KUBECONFIG env, ~/.kube/config).
func (f *Factory) ClientFor(kubeconfig, kubeContext string) (kubernetes.Interface, error) {
	key := factoryKey{kubeconfig: kubeconfig, context: kubeContext}

	f.mu.Lock()
	if c, ok := f.clients[key]; ok {
		f.mu.Unlock()
		return c, nil
	}
	f.mu.Unlock()

	cfg, err := buildConfig(kubeconfig, kubeContext)
	if err != nil {
		return nil, errcat.Cluster.Wrap(fmt.Errorf("building client config for context %q: %w", kubeContext, err))
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, errcat.Cluster.Wrap(fmt.Errorf("creating client for context %q: %w", kubeContext, err))
	}

	f.mu.Lock()
	f.clients[key] = clientset
	f.configs[key] = cfg
	f.mu.Unlock()
	return clientset, nil
}

// RestConfigFor returns the cached *rest.Config for (kubeconfig, context),
// building and caching one on first use. Transports that need to dial the
// cluster directly (e.g. SPDY port-forward) use this alongside ClientFor.
func (f *Factory) RestConfigFor(kubeconfig, kubeContext string) (*rest.Config, error) {
	key := factoryKey{kubeconfig: kubeconfig, context: kubeContext}

	f.mu.Lock()
	if c, ok := f.configs[key]; ok {
		f.mu.Unlock()
		return c, nil
	}
	f.mu.Unlock()

	cfg, err := buildConfig(kubeconfig, kubeContext)
	if err != nil {
		return nil, errcat.Cluster.Wrap(fmt.Errorf("building client config for context %q: %w", kubeContext, err))
	}

	f.mu.Lock()
	f.configs[key] = cfg
	f.mu.Unlock()
	return cfg, nil
}

func buildConfig(kubeconfig, kubeContext string) (*rest.Config, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		loadingRules.ExplicitPath = kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{}
	if kubeContext != "" {
		overrides.CurrentContext = kubeContext
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
}
