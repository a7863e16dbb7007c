// Package metrics exposes process-wide Prometheus gauges and counters for
// the port-forward orchestration core. Nothing here is read by any
// component's control flow; it is purely observational.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ForwardsActive is the number of forwards currently held in the registry.
	ForwardsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kftray",
		Name:      "forwards_active",
		Help:      "Number of port forwards currently registered and running.",
	})

	// HelperPodsDeployed counts proxy helper pods successfully created.
	HelperPodsDeployed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kftray",
		Name:      "helper_pods_deployed_total",
		Help:      "Total number of proxy helper pods created by DeployAndForward.",
	})

	// HelperPodsDeleted counts proxy helper pods deleted, whether by
	// rollback, StopAll's sweep, or StopProxy.
	HelperPodsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kftray",
		Name:      "helper_pods_deleted_total",
		Help:      "Total number of proxy helper pods deleted.",
	})

	// HostsFileWrites counts install/uninstall writes to the hosts file.
	HostsFileWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kftray",
		Name:      "hosts_file_writes_total",
		Help:      "Total number of hosts-file writes, labeled by outcome.",
	}, []string{"outcome"})
)

// MustRegister registers every metric in this package with reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(ForwardsActive, HelperPodsDeployed, HelperPodsDeleted, HostsFileWrites)
}
