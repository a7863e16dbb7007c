// Package model holds the data shapes shared by every component of the
// port-forward orchestration core.
package model

import "fmt"

// WorkloadType selects how a Config resolves its target pod.
type WorkloadType string

const (
	WorkloadService WorkloadType = "service"
	WorkloadPod     WorkloadType = "pod"
	WorkloadProxy   WorkloadType = "proxy"
)

// IsValid reports whether w is one of the known workload types.
func (w WorkloadType) IsValid() bool {
	switch w {
	case WorkloadService, WorkloadPod, WorkloadProxy:
		return true
	default:
		return false
	}
}

// Protocol is the transport protocol a forward is carried over.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// IsValid reports whether p is a supported protocol.
func (p Protocol) IsValid() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

// Config is one user-defined forwarding configuration. Optional fields are
// pointers so that "absent" stays distinguishable from the zero value, the
// same discipline the source Rust Option<T> fields relied on.
type Config struct {
	ID            *int64
	Context       string
	Kubeconfig    *string
	Namespace     string
	WorkloadType  WorkloadType
	Service       *string
	Target        *string
	RemoteAddress *string
	LocalPort     *uint16
	RemotePort    uint16
	Protocol      Protocol
	LocalAddress  *string
	Alias         *string
	DomainEnabled bool
}

// IDOrZero returns the config id, defaulting to 0 for ephemeral configs.
func (c *Config) IDOrZero() int64 {
	if c.ID == nil {
		return 0
	}
	return *c.ID
}

// ServiceOrEmpty returns the service name, or "" when unset.
func (c *Config) ServiceOrEmpty() string {
	if c.Service == nil {
		return ""
	}
	return *c.Service
}

// TargetOrEmpty returns the pod label selector, or "" when unset.
func (c *Config) TargetOrEmpty() string {
	if c.Target == nil {
		return ""
	}
	return *c.Target
}

// KubeconfigOrEmpty returns the kubeconfig path, or "" when unset.
func (c *Config) KubeconfigOrEmpty() string {
	if c.Kubeconfig == nil {
		return ""
	}
	return *c.Kubeconfig
}

// LocalAddressOrEmpty returns the local bind address, or "" when unset.
func (c *Config) LocalAddressOrEmpty() string {
	if c.LocalAddress == nil {
		return ""
	}
	return *c.LocalAddress
}

// AliasOrEmpty returns the hosts-file alias, or "" when unset.
func (c *Config) AliasOrEmpty() string {
	if c.Alias == nil {
		return ""
	}
	return *c.Alias
}

// RemoteAddressOrEmpty returns the proxy remote address, or "" when unset.
func (c *Config) RemoteAddressOrEmpty() string {
	if c.RemoteAddress == nil {
		return ""
	}
	return *c.RemoteAddress
}

// CompositeKey formats the registry key "<id>_<service>" for this config.
func (c *Config) CompositeKey() string {
	return CompositeKey(c.IDOrZero(), c.ServiceOrEmpty())
}

// CompositeKey formats the "<id>_<service>" registry key.
func CompositeKey(id int64, service string) string {
	return fmt.Sprintf("%d_%s", id, service)
}

// HostsMarker formats the comment marker that identifies this config's
// hosts-file block.
func HostsMarker(service string, id int64) string {
	return fmt.Sprintf("kftray custom host for %s - %d", service, id)
}

// ConfigState is the persisted "is this config running" flag.
type ConfigState struct {
	ConfigID  int64
	IsRunning bool
}

// CustomResponse is the per-configuration summary returned to callers.
type CustomResponse struct {
	ID         *int64
	Service    string
	Namespace  string
	LocalPort  uint16
	RemotePort uint16
	Context    string
	Protocol   Protocol
	Stdout     string
	Stderr     string
	Status     int
}
