// Command kftrayd is a thin composition root that wires the port-forward
// orchestration core together for local smoke-testing. It is not the
// CLI/GUI front end (that surface is treated as an external collaborator);
// it exists so Start/StopAll can be exercised end-to-end against a real
// cluster without pulling in a front end dependency.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/jessegoodier/kftray-go/internal/hostsfile"
	"github.com/jessegoodier/kftray-go/internal/k8sclient"
	"github.com/jessegoodier/kftray-go/internal/logging"
	"github.com/jessegoodier/kftray-go/internal/metrics"
	"github.com/jessegoodier/kftray-go/internal/model"
	"github.com/jessegoodier/kftray-go/internal/orchestrator"
	"github.com/jessegoodier/kftray-go/internal/registry"
	"github.com/jessegoodier/kftray-go/internal/statestore"
)

func main() {
	configsPath := flag.String("configs", "", "path to a JSON file holding the list of forward configurations to start")
	manifestPath := flag.String("manifest", "", "path to the proxy helper pod JSON manifest template")
	protocol := flag.String("protocol", string(model.ProtocolTCP), "protocol to start configs with: tcp or udp")
	logLevel := flag.String("log-level", "info", "log level: trace, debug, info, warn, error")
	stopAll := flag.Bool("stop-all", false, "stop every supervised forward instead of starting --configs")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	ctx := logging.InitContext(context.Background(), "kftrayd", level)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	provider := fileConfigProvider{path: *configsPath}
	o := orchestrator.New(
		registry.Default,
		hostsfile.New(),
		statestore.NewMemStore(),
		provider,
		k8sclient.NewFactory(),
		afero.NewOsFs(),
		*manifestPath,
	)

	if *stopAll {
		responses, err := o.StopAll(ctx)
		emit(responses, err)
		return
	}

	configs, err := provider.ListConfigs(ctx)
	if err != nil {
		fail(err)
	}

	responses, err := o.Start(ctx, configs, model.Protocol(*protocol), nil)
	emit(responses, err)
}

func emit(responses []model.CustomResponse, err error) {
	if err != nil {
		fail(err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(responses); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// fileConfigProvider loads the configuration list from a JSON file on disk,
// standing in for the persistent configuration store this core treats as
// a narrow external collaborator.
type fileConfigProvider struct {
	path string
}

func (f fileConfigProvider) ListConfigs(context.Context) ([]model.Config, error) {
	if f.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading configs file %s: %w", f.path, err)
	}
	var configs []model.Config
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("parsing configs file %s: %w", f.path, err)
	}
	return configs, nil
}
