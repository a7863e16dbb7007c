// Package discovery implements Service Discovery (C5): enumerating
// namespaces and annotated Services to produce candidate Configs, without
// ever failing the whole call because one namespace misbehaved.
package discovery

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/datawire/dlib/dlog"

	"github.com/jessegoodier/kftray-go/internal/model"
)

// ConfigsAnnotation is the Service annotation key carrying kftray's
// comma-separated alias-localPort-targetPort entries.
const ConfigsAnnotation = "kftray.app/configs"

// namespaceConcurrency bounds the per-namespace fan-out.
const namespaceConcurrency = 10

var annotationEntryPattern = regexp.MustCompile(`^(.+)-([0-9]+)-([A-Za-z0-9]+)$`)

// RetrieveServiceConfigs enumerates every namespace reachable via clientset
// and returns one Config candidate per annotation entry, or one default
// config per exposed port for Services without the annotation. A single
// namespace's failure is logged and its partial results are dropped; it
// never fails the call.
func RetrieveServiceConfigs(ctx context.Context, clientset kubernetes.Interface, kubeContext, kubeconfig string) ([]model.Config, error) {
	namespaces, err := clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}

	sem := make(chan struct{}, namespaceConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var configs []model.Config

	for _, ns := range namespaces.Items {
		name := ns.Name
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			found, err := configsInNamespace(ctx, clientset, name, kubeContext, kubeconfig)
			if err != nil {
				dlog.Errorf(ctx, "discovery: listing services in namespace %s: %v", name, err)
				return
			}
			mu.Lock()
			configs = append(configs, found...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	return configs, nil
}

func configsInNamespace(ctx context.Context, clientset kubernetes.Interface, namespace, kubeContext, kubeconfig string) ([]model.Config, error) {
	svcs, err := clientset.CoreV1().Services(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}

	var configs []model.Config
	for _, svc := range svcs.Items {
		configs = append(configs, configsForService(svc, kubeContext, kubeconfig)...)
	}
	return configs, nil
}

func configsForService(svc corev1.Service, kubeContext, kubeconfig string) []model.Config {
	annotation, ok := svc.Annotations[ConfigsAnnotation]
	if !ok || strings.TrimSpace(annotation) == "" {
		return defaultConfigs(svc, kubeContext, kubeconfig)
	}

	portMap := namedPorts(svc)

	var configs []model.Config
	for _, entry := range strings.Split(annotation, ",") {
		cfg, ok := parseAnnotationEntry(strings.TrimSpace(entry), svc, portMap, kubeContext, kubeconfig)
		if ok {
			configs = append(configs, cfg)
		}
	}
	return configs
}

func namedPorts(svc corev1.Service) map[string]int32 {
	m := make(map[string]int32, len(svc.Spec.Ports))
	for _, p := range svc.Spec.Ports {
		if p.Name != "" {
			m[p.Name] = p.Port
		}
	}
	return m
}

// parseAnnotationEntry parses one "alias-localPort-targetPort" entry.
// targetPort is either a decimal literal or a named port resolved via
// portMap; anything else is silently skipped.
func parseAnnotationEntry(entry string, svc corev1.Service, portMap map[string]int32, kubeContext, kubeconfig string) (model.Config, bool) {
	match := annotationEntryPattern.FindStringSubmatch(entry)
	if match == nil {
		return model.Config{}, false
	}
	alias, localStr, targetStr := match[1], match[2], match[3]

	localPort, err := strconv.ParseUint(localStr, 10, 16)
	if err != nil {
		return model.Config{}, false
	}

	var targetPort int32
	if n, err := strconv.ParseUint(targetStr, 10, 16); err == nil {
		targetPort = int32(n)
	} else if p, ok := portMap[targetStr]; ok {
		targetPort = p
	} else {
		return model.Config{}, false
	}

	service := svc.Name
	local := uint16(localPort)
	aliasCopy := alias
	return newServiceConfig(svc.Namespace, kubeContext, kubeconfig, &service, &aliasCopy, &local, uint16(targetPort)), true
}

// defaultConfigs builds one config per exposed port for a Service carrying
// no kftray.app/configs annotation.
func defaultConfigs(svc corev1.Service, kubeContext, kubeconfig string) []model.Config {
	var configs []model.Config
	for _, p := range svc.Spec.Ports {
		port := uint16(p.Port)
		service := svc.Name
		alias := svc.Name
		configs = append(configs, newServiceConfig(svc.Namespace, kubeContext, kubeconfig, &service, &alias, &port, port))
	}
	return configs
}

func newServiceConfig(namespace, kubeContext, kubeconfig string, service, alias *string, localPort *uint16, remotePort uint16) model.Config {
	return model.Config{
		Context:      kubeContext,
		Kubeconfig:   optionalString(kubeconfig),
		Namespace:    namespace,
		WorkloadType: model.WorkloadService,
		Service:      service,
		LocalPort:    localPort,
		RemotePort:   remotePort,
		Protocol:     model.ProtocolTCP,
		Alias:        alias,
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
