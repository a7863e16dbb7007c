// Package orchestrator implements the Lifecycle Orchestrator (C6): the
// entry points Start, StopOne, StopAll, DeployAndForward, and StopProxy that
// compose the registry, hosts-file mutator, state reconciler, proxy pod
// deployer, and the external port-forward transport.
package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/jessegoodier/kftray-go/internal/forwarder"
	"github.com/jessegoodier/kftray-go/internal/hostsfile"
	"github.com/jessegoodier/kftray-go/internal/k8sclient"
	"github.com/jessegoodier/kftray-go/internal/logging"
	"github.com/jessegoodier/kftray-go/internal/manifest"
	"github.com/jessegoodier/kftray-go/internal/metrics"
	"github.com/jessegoodier/kftray-go/internal/model"
	"github.com/jessegoodier/kftray-go/internal/proxypod"
	"github.com/jessegoodier/kftray-go/internal/registry"
	"github.com/jessegoodier/kftray-go/internal/statestore"
	"github.com/jessegoodier/kftray-go/pkg/errcat"
)

// ConfigProvider is the persistent configuration store's read side, an
// external collaborator this core treats as a narrow dependency.
type ConfigProvider interface {
	ListConfigs(ctx context.Context) ([]model.Config, error)
}

// PortForwardFactory builds a forwarder.PortForward for one config's
// target, matching the transport constructor contract: target selector,
// requested local port, local address, context,
// kubeconfig, id, workload type.
type PortForwardFactory func(
	ctx context.Context,
	target forwarder.Target,
	localPort *uint16,
	localAddress, kubeContext, kubeconfig string,
	id int64,
	workloadType string,
) (forwarder.PortForward, error)

// DefaultPortForwardFactory resolves a clientset and rest.Config from
// factory and builds the real SPDY-backed forwarder.PortForward.
func DefaultPortForwardFactory(factory *k8sclient.Factory) PortForwardFactory {
	return func(ctx context.Context, target forwarder.Target, localPort *uint16, localAddress, kubeContext, kubeconfig string, id int64, workloadType string) (forwarder.PortForward, error) {
		clientset, err := factory.ClientFor(kubeconfig, kubeContext)
		if err != nil {
			return nil, err
		}
		restConfig, err := factory.RestConfigFor(kubeconfig, kubeContext)
		if err != nil {
			return nil, err
		}
		return forwarder.New(clientset, restConfig, target, localPort, localAddress, id, workloadType)
	}
}

// Orchestrator composes every component the core's entry points need.
type Orchestrator struct {
	Registry       *registry.Registry
	Hosts          *hostsfile.Mutator
	Store          statestore.Store
	ConfigProvider ConfigProvider
	K8sFactory     *k8sclient.Factory
	NewPortForward PortForwardFactory

	ManifestFs   afero.Fs
	ManifestPath string
}

// New wires an Orchestrator from its components. hosts == nil selects the
// real OS hosts file at hostsfile.DefaultPath.
func New(reg *registry.Registry, hosts *hostsfile.Mutator, store statestore.Store, configs ConfigProvider, k8s *k8sclient.Factory, manifestFs afero.Fs, manifestPath string) *Orchestrator {
	if hosts == nil {
		hosts = hostsfile.New()
	}
	return &Orchestrator{
		Registry:       reg,
		Hosts:          hosts,
		Store:          store,
		ConfigProvider: configs,
		K8sFactory:     k8s,
		NewPortForward: DefaultPortForwardFactory(k8s),
		ManifestFs:     manifestFs,
		ManifestPath:   manifestPath,
	}
}

// Start brings up one supervised forward per config, in input order. Any
// hard error rolls the whole batch back: every handle
// started during this call is aborted and removed, and the accumulated
// errors are returned as a single newline-joined error.
func (o *Orchestrator) Start(ctx context.Context, configs []model.Config, protocol model.Protocol, logState *forwarder.HTTPLogState) ([]model.CustomResponse, error) {
	responses := make([]model.CustomResponse, 0, len(configs))
	var startedKeys []string
	var errs *multierror.Error

	for _, cfg := range configs {
		resp, key, err := o.startOne(ctx, cfg, protocol, logState)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		startedKeys = append(startedKeys, key)
		responses = append(responses, resp)
	}

	if errs.ErrorOrNil() != nil {
		for _, key := range startedKeys {
			if h := o.Registry.Remove(key); h != nil {
				h.Abort()
				metrics.ForwardsActive.Dec()
			}
		}
		errs.ErrorFormat = newlineJoinedErrors
		return nil, errs
	}

	return responses, nil
}

func (o *Orchestrator) startOne(ctx context.Context, cfg model.Config, protocol model.Protocol, logState *forwarder.HTTPLogState) (model.CustomResponse, string, error) {
	var selector forwarder.TargetSelector
	if cfg.WorkloadType == model.WorkloadPod {
		selector = forwarder.PodLabel(cfg.TargetOrEmpty())
	} else {
		selector = forwarder.ServiceName(cfg.ServiceOrEmpty())
	}
	target := forwarder.Target{Selector: selector, Port: cfg.RemotePort, Namespace: cfg.Namespace}

	pf, err := o.NewPortForward(ctx, target, cfg.LocalPort, cfg.LocalAddressOrEmpty(), cfg.Context, cfg.KubeconfigOrEmpty(), cfg.IDOrZero(), string(cfg.WorkloadType))
	if err != nil {
		return model.CustomResponse{}, "", errcat.Cluster.Wrap(fmt.Errorf("constructing port forward for %s: %w", cfg.ServiceOrEmpty(), err))
	}

	var localPort uint16
	var handle forwarder.Handle
	switch protocol {
	case model.ProtocolTCP:
		localPort, handle, err = pf.ForwardTCP(ctx, logState)
	case model.ProtocolUDP:
		localPort, handle, err = pf.ForwardUDP(ctx)
	default:
		err = fmt.Errorf("unsupported protocol %q", protocol)
	}
	if err != nil {
		return model.CustomResponse{}, "", errcat.Transport.Wrap(fmt.Errorf("starting forward for %s: %w", cfg.ServiceOrEmpty(), err))
	}

	key := cfg.CompositeKey()
	o.Registry.Insert(key, handle)
	metrics.ForwardsActive.Inc()

	if cfg.DomainEnabled && cfg.ServiceOrEmpty() != "" && cfg.LocalAddressOrEmpty() != "" {
		if err := o.installHostsBlock(ctx, cfg); err != nil {
			if h := o.Registry.Remove(key); h != nil {
				h.Abort()
				metrics.ForwardsActive.Dec()
			}
			return model.CustomResponse{}, "", errcat.HostsFile.Wrap(fmt.Errorf("Failed to write to the hostfile: %w", err))
		}
	}

	statestore.Reconcile(ctx, o.Store, cfg.IDOrZero(), true)

	return model.CustomResponse{
		ID:         cfg.ID,
		Service:    cfg.ServiceOrEmpty(),
		Namespace:  cfg.Namespace,
		LocalPort:  localPort,
		RemotePort: cfg.RemotePort,
		Context:    cfg.Context,
		Protocol:   protocol,
		Stdout:     fmt.Sprintf("forwarding to %s on local port %d", cfg.ServiceOrEmpty(), localPort),
		Status:     0,
	}, key, nil
}

// installHostsBlock parses local_address and, if valid, installs the hosts
// block for cfg. An invalid address is a warning only; write failures are
// returned to the caller for rollback.
func (o *Orchestrator) installHostsBlock(ctx context.Context, cfg model.Config) error {
	marker := model.HostsMarker(cfg.ServiceOrEmpty(), cfg.IDOrZero())
	if err := o.Hosts.Install(marker, cfg.AliasOrEmpty(), cfg.LocalAddressOrEmpty()); err != nil {
		if _, invalidIP := isInvalidIPError(err); invalidIP {
			dlog.Infof(ctx, "hosts-file: %v, skipping install for %s", err, cfg.ServiceOrEmpty())
			return nil
		}
		return err
	}
	return nil
}

func isInvalidIPError(err error) (error, bool) {
	return err, strings.Contains(err.Error(), "invalid IP address format")
}

func newlineJoinedErrors(errs []error) string {
	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = e.Error()
	}
	return strings.Join(lines, "\n")
}

// StopAll fires the broadcast cancel signal, drains every supervised
// forward, tears each down concurrently, sweeps orphaned helper pods for
// running udp/proxy configs, and reconciles every known config to
// is_running=false.
func (o *Orchestrator) StopAll(ctx context.Context) ([]model.CustomResponse, error) {
	o.Registry.CancelAllSignal()

	configs, err := o.ConfigProvider.ListConfigs(ctx)
	if err != nil {
		return nil, errcat.Configuration.Wrap(fmt.Errorf("loading configs for StopAll: %w", err))
	}
	states, err := o.Store.List(ctx)
	if err != nil {
		return nil, errcat.StateStore.Wrap(fmt.Errorf("loading config state for StopAll: %w", err))
	}

	drained := o.Registry.Drain()

	configByID := indexConfigsByID(configs)
	runningByID := indexRunningByID(states)

	supervisedCtx, group := logging.NewSupervisor(ctx)
	var respMu sync.Mutex
	responses := make([]model.CustomResponse, 0, len(drained))

	for key, handle := range drained {
		key, handle := key, handle
		group.Go("stop-"+key, func(goCtx context.Context) error {
			resp := o.stopDrainedHandle(goCtx, key, handle, configByID)
			respMu.Lock()
			responses = append(responses, resp)
			respMu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	var sweepWG sync.WaitGroup
	for _, cfg := range configs {
		cfg := cfg
		id := cfg.IDOrZero()
		if !runningByID[id] {
			continue
		}
		if cfg.Protocol != model.ProtocolUDP && cfg.WorkloadType != model.WorkloadProxy {
			continue
		}
		if cfg.KubeconfigOrEmpty() == "" {
			continue
		}
		sweepWG.Add(1)
		go func() {
			defer sweepWG.Done()
			o.sweepHelperPods(supervisedCtx, cfg)
		}()
	}

	var reconcileWG sync.WaitGroup
	for _, cfg := range configs {
		cfg := cfg
		reconcileWG.Add(1)
		go func() {
			defer reconcileWG.Done()
			statestore.Reconcile(supervisedCtx, o.Store, cfg.IDOrZero(), false)
		}()
	}

	sweepWG.Wait()
	reconcileWG.Wait()

	return responses, nil
}

func (o *Orchestrator) stopDrainedHandle(ctx context.Context, key string, handle registry.Handle, configByID map[int64]model.Config) model.CustomResponse {
	id, service, ok := splitCompositeKey(key)
	if !ok {
		return model.CustomResponse{Service: key, Stderr: "Invalid composite key format", Status: 1}
	}

	idCopy := id
	if cfg, found := configByID[id]; found && cfg.DomainEnabled {
		marker := model.HostsMarker(service, id)
		if err := o.Hosts.Uninstall(marker); err != nil {
			handle.Abort()
			metrics.ForwardsActive.Dec()
			return model.CustomResponse{ID: &idCopy, Service: service, Stderr: err.Error(), Status: 1}
		}
	}

	handle.Abort()
	metrics.ForwardsActive.Dec()
	return model.CustomResponse{ID: &idCopy, Service: service, Status: 0, Stdout: fmt.Sprintf("stopped %s", service)}
}

func (o *Orchestrator) sweepHelperPods(ctx context.Context, cfg model.Config) {
	clientset, err := o.K8sFactory.ClientFor(cfg.KubeconfigOrEmpty(), cfg.Context)
	if err != nil {
		dlog.Errorf(ctx, "stopAll: building client for config %d: %v", cfg.IDOrZero(), err)
		return
	}
	namespaces, err := clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		dlog.Errorf(ctx, "stopAll: listing namespaces for config %d: %v", cfg.IDOrZero(), err)
		return
	}

	prefix := proxypod.CleanupPrefix(proxypod.CurrentUser())
	for _, ns := range namespaces.Items {
		pods, err := clientset.CoreV1().Pods(ns.Name).List(ctx, metav1.ListOptions{
			LabelSelector: proxypod.ConfigIDLabel(cfg.IDOrZero()),
		})
		if err != nil {
			dlog.Errorf(ctx, "stopAll: listing pods in %s for config %d: %v", ns.Name, cfg.IDOrZero(), err)
			continue
		}
		deployer := proxypod.NewDeployer(clientset, ns.Name)
		for _, pod := range pods.Items {
			if !strings.HasPrefix(pod.Name, prefix) {
				continue
			}
			if err := deployer.DeleteIn(ctx, ns.Name, pod.Name); err != nil {
				dlog.Errorf(ctx, "stopAll: deleting helper pod %s: %v", pod.Name, err)
			}
		}
	}
}

// StopOne tears down the single forward for configIDString.
// The "not found" path still reconciles (id, false) before returning the
// error, matching the original's observable behavior.
func (o *Orchestrator) StopOne(ctx context.Context, configIDString string) (model.CustomResponse, error) {
	o.Registry.CancelAllSignal()

	id, err := strconv.ParseInt(configIDString, 10, 64)
	if err != nil {
		id = 0
	}

	key, found := o.Registry.KeyPrefixed(configIDString + "_")
	if !found {
		statestore.Reconcile(ctx, o.Store, id, false)
		return model.CustomResponse{}, errcat.Configuration.Newf("forward for config %s not found", configIDString)
	}

	if handle := o.Registry.Remove(key); handle != nil {
		handle.Abort()
		metrics.ForwardsActive.Dec()
	}

	_, service, _ := splitCompositeKey(key)

	if cfg, found := o.lookupConfig(ctx, id); found && cfg.DomainEnabled {
		marker := model.HostsMarker(service, id)
		if err := o.Hosts.Uninstall(marker); err != nil {
			statestore.Reconcile(ctx, o.Store, id, false)
			return model.CustomResponse{}, errcat.HostsFile.Wrap(err)
		}
	}

	statestore.Reconcile(ctx, o.Store, id, false)

	return model.CustomResponse{ID: &id, Service: service, Status: 0, Stdout: fmt.Sprintf("stopped %s", service)}, nil
}

func (o *Orchestrator) lookupConfig(ctx context.Context, id int64) (model.Config, bool) {
	configs, err := o.ConfigProvider.ListConfigs(ctx)
	if err != nil {
		dlog.Errorf(ctx, "looking up config %d: %v", id, err)
		return model.Config{}, false
	}
	for _, c := range configs {
		if c.IDOrZero() == id {
			return c, true
		}
	}
	return model.Config{}, false
}

// DeployAndForward templates, creates, and waits for a helper pod per
// config, then attaches Start to it, short-circuiting the whole batch and
// deleting the helper pod on the first failure.
func (o *Orchestrator) DeployAndForward(ctx context.Context, configs []model.Config, logState *forwarder.HTTPLogState) ([]model.CustomResponse, error) {
	responses := make([]model.CustomResponse, 0, len(configs))
	for _, cfg := range configs {
		resp, err := o.deployAndForwardOne(ctx, cfg, logState)
		if err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

func (o *Orchestrator) deployAndForwardOne(ctx context.Context, cfg model.Config, logState *forwarder.HTTPLogState) (model.CustomResponse, error) {
	if !cfg.Protocol.IsValid() {
		return model.CustomResponse{}, errcat.Configuration.Newf("unsupported proxy type %q", cfg.Protocol)
	}

	clientset, err := o.K8sFactory.ClientFor(cfg.KubeconfigOrEmpty(), cfg.Context)
	if err != nil {
		return model.CustomResponse{}, errcat.Cluster.Wrap(err)
	}

	remoteAddress := cfg.RemoteAddressOrEmpty()
	if remoteAddress == "" {
		remoteAddress = cfg.ServiceOrEmpty()
	}

	hashedName := proxypod.HashedName(proxypod.CurrentUser(), string(cfg.Protocol), time.Now().Unix())

	localPort := cfg.RemotePort
	if cfg.LocalPort != nil && *cfg.LocalPort != 0 {
		localPort = *cfg.LocalPort
	}

	values := proxypod.BuildValues(hashedName, cfg.ID, cfg.ServiceOrEmpty(), remoteAddress, cfg.RemotePort, localPort, string(cfg.Protocol))

	pod, err := manifest.Load(o.ManifestFs, o.ManifestPath, values)
	if err != nil {
		return model.CustomResponse{}, err
	}

	deployer := proxypod.NewDeployer(clientset, cfg.Namespace)
	if err := deployer.Create(ctx, pod); err != nil {
		return model.CustomResponse{}, err
	}

	if err := deployer.WaitReady(ctx, pod.Name); err != nil {
		if delErr := deployer.Delete(ctx, pod.Name); delErr != nil {
			dlog.Errorf(ctx, "rollback: failed to delete helper pod %s: %v", pod.Name, delErr)
		}
		return model.CustomResponse{}, err
	}

	proxyCfg := cfg
	service := hashedName
	proxyCfg.Service = &service

	responses, err := o.Start(ctx, []model.Config{proxyCfg}, cfg.Protocol, logState)
	if err != nil {
		if delErr := deployer.Delete(ctx, pod.Name); delErr != nil {
			dlog.Errorf(ctx, "rollback: failed to delete helper pod %s: %v", pod.Name, delErr)
		}
		return model.CustomResponse{}, err
	}

	return responses[0], nil
}

// StopProxy tears down one proxy helper pod by config id before delegating
// to StopOne.
func (o *Orchestrator) StopProxy(ctx context.Context, id int64, namespace, service string) (model.CustomResponse, error) {
	cfg, found := o.lookupConfig(ctx, id)
	if !found {
		return model.CustomResponse{}, errcat.Configuration.Newf("config %d not found", id)
	}

	clientset, err := o.K8sFactory.ClientFor(cfg.KubeconfigOrEmpty(), cfg.Context)
	if err != nil {
		return model.CustomResponse{}, errcat.Cluster.Wrap(err)
	}

	deployer := proxypod.NewDeployer(clientset, namespace)
	pods, err := deployer.ListByConfigID(ctx, namespace, id)
	if err != nil {
		return model.CustomResponse{}, err
	}

	prefix := proxypod.CleanupPrefix(proxypod.CurrentUser())
	for _, pod := range pods {
		if strings.HasPrefix(pod.Name, prefix) {
			if err := deployer.DeleteIn(ctx, namespace, pod.Name); err != nil {
				return model.CustomResponse{}, err
			}
			break
		}
	}

	return o.StopOne(ctx, strconv.FormatInt(id, 10))
}

func indexConfigsByID(configs []model.Config) map[int64]model.Config {
	m := make(map[int64]model.Config, len(configs))
	for _, c := range configs {
		m[c.IDOrZero()] = c
	}
	return m
}

func indexRunningByID(states []model.ConfigState) map[int64]bool {
	m := make(map[int64]bool, len(states))
	for _, s := range states {
		m[s.ConfigID] = s.IsRunning
	}
	return m
}

// splitCompositeKey parses the "<id>_<service>" registry key format. A key
// with no underscore at all is malformed; an id segment that
// fails to parse as int64 defaults to 0 rather than failing the split.
func splitCompositeKey(key string) (id int64, service string, ok bool) {
	idx := strings.Index(key, "_")
	if idx < 0 {
		return 0, "", false
	}
	idStr, service := key[:idx], key[idx+1:]
	parsed, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		parsed = 0
	}
	return parsed, service, true
}
