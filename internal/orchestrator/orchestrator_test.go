package orchestrator

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jessegoodier/kftray-go/internal/forwarder"
	"github.com/jessegoodier/kftray-go/internal/hostsfile"
	"github.com/jessegoodier/kftray-go/internal/model"
	"github.com/jessegoodier/kftray-go/internal/registry"
	"github.com/jessegoodier/kftray-go/internal/statestore"
)

type fakeHandle struct{ aborted bool }

func (h *fakeHandle) Abort() { h.aborted = true }

type fakePortForward struct {
	tcpPort uint16
	handle  forwarder.Handle
	err     error
}

func (f *fakePortForward) ForwardTCP(context.Context, *forwarder.HTTPLogState) (uint16, forwarder.Handle, error) {
	if f.err != nil {
		return 0, nil, f.err
	}
	return f.tcpPort, f.handle, nil
}

func (f *fakePortForward) ForwardUDP(context.Context) (uint16, forwarder.Handle, error) {
	return f.ForwardTCP(context.Background(), nil)
}

type fakeConfigProvider struct {
	configs []model.Config
}

func (f fakeConfigProvider) ListConfigs(context.Context) ([]model.Config, error) {
	return f.configs, nil
}

func newTestOrchestrator(pf forwarder.PortForward, configs []model.Config, hostsFs afero.Fs) (*Orchestrator, *statestore.MemStore, *registry.Registry) {
	reg := registry.New()
	store := statestore.NewMemStore()
	o := &Orchestrator{
		Registry:       reg,
		Hosts:          hostsfile.NewAt(hostsFs, "/etc/hosts"),
		Store:          store,
		ConfigProvider: fakeConfigProvider{configs: configs},
		NewPortForward: func(context.Context, forwarder.Target, *uint16, string, string, string, int64, string) (forwarder.PortForward, error) {
			return pf, nil
		},
	}
	return o, store, reg
}

func TestStartOneTCPService(t *testing.T) {
	id := int64(7)
	service := "api"
	var localPort uint16
	cfg := model.Config{
		ID: &id, Context: "kind", Namespace: "default",
		WorkloadType: model.WorkloadService, Service: &service,
		LocalPort: &localPort, RemotePort: 8080, Protocol: model.ProtocolTCP,
	}
	pf := &fakePortForward{tcpPort: 34567, handle: &fakeHandle{}}
	o, store, reg := newTestOrchestrator(pf, []model.Config{cfg}, afero.NewMemMapFs())

	responses, err := o.Start(context.Background(), []model.Config{cfg}, model.ProtocolTCP, nil)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.True(t, responses[0].LocalPort > 0)
	assert.Equal(t, 0, responses[0].Status)
	assert.Equal(t, 1, reg.Len())
	_, found := reg.KeyPrefixed("7_")
	assert.True(t, found)
	assert.True(t, store.IsRunning(7))
}

func TestStartHostsFileErrorRollsBackAndReportsError(t *testing.T) {
	id := int64(7)
	service := "api"
	localAddress := "10.0.0.1"
	alias := "api.local"
	cfg := model.Config{
		ID: &id, Namespace: "default", WorkloadType: model.WorkloadService,
		Service: &service, RemotePort: 8080, Protocol: model.ProtocolTCP,
		LocalAddress: &localAddress, Alias: &alias, DomainEnabled: true,
	}
	handle := &fakeHandle{}
	pf := &fakePortForward{tcpPort: 1234, handle: handle}

	base := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(base, "/etc/hosts", []byte("127.0.0.1 localhost\n"), 0o644))
	readOnly := afero.NewReadOnlyFs(base)

	o, _, reg := newTestOrchestrator(pf, []model.Config{cfg}, readOnly)

	_, err := o.Start(context.Background(), []model.Config{cfg}, model.ProtocolTCP, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to write to the hostfile")
	assert.Equal(t, 0, reg.Len())
	assert.True(t, handle.aborted)
}

func TestStartEmptyConfigListReturnsEmptyNotError(t *testing.T) {
	o, _, _ := newTestOrchestrator(&fakePortForward{}, nil, afero.NewMemMapFs())
	responses, err := o.Start(context.Background(), nil, model.ProtocolTCP, nil)
	require.NoError(t, err)
	assert.Empty(t, responses)
}

func TestStopAllTwoRunningForwards(t *testing.T) {
	h1, h2 := &fakeHandle{}, &fakeHandle{}
	reg := registry.New()
	reg.Insert("1_a", h1)
	reg.Insert("2_b", h2)

	id1, id2 := int64(1), int64(2)
	svc1, svc2 := "a", "b"
	configs := []model.Config{
		{ID: &id1, Service: &svc1, Protocol: model.ProtocolTCP, WorkloadType: model.WorkloadService},
		{ID: &id2, Service: &svc2, Protocol: model.ProtocolTCP, WorkloadType: model.WorkloadService},
	}
	store := statestore.NewMemStore()
	require.NoError(t, store.Update(context.Background(), 1, true))
	require.NoError(t, store.Update(context.Background(), 2, true))

	o := &Orchestrator{
		Registry:       reg,
		Hosts:          hostsfile.NewAt(afero.NewMemMapFs(), "/etc/hosts"),
		Store:          store,
		ConfigProvider: fakeConfigProvider{configs: configs},
	}

	responses, err := o.StopAll(context.Background())
	require.NoError(t, err)
	require.Len(t, responses, 2)
	for _, r := range responses {
		assert.Equal(t, 0, r.Status)
	}
	assert.Equal(t, 0, reg.Len())
	assert.False(t, store.IsRunning(1))
	assert.False(t, store.IsRunning(2))
	assert.True(t, h1.aborted)
	assert.True(t, h2.aborted)
}

func TestStopAllMalformedKeyYieldsStatusOne(t *testing.T) {
	reg := registry.New()
	reg.Insert("bogus", &fakeHandle{})

	o := &Orchestrator{
		Registry:       reg,
		Hosts:          hostsfile.NewAt(afero.NewMemMapFs(), "/etc/hosts"),
		Store:          statestore.NewMemStore(),
		ConfigProvider: fakeConfigProvider{},
	}

	responses, err := o.StopAll(context.Background())
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, 1, responses[0].Status)
	assert.Equal(t, "Invalid composite key format", responses[0].Stderr)
}

func TestStopOneNotFoundStillReconciles(t *testing.T) {
	store := statestore.NewMemStore()
	o := &Orchestrator{
		Registry:       registry.New(),
		Hosts:          hostsfile.NewAt(afero.NewMemMapFs(), "/etc/hosts"),
		Store:          store,
		ConfigProvider: fakeConfigProvider{},
	}

	_, err := o.StopOne(context.Background(), "9")
	require.Error(t, err)

	states, listErr := store.List(context.Background())
	require.NoError(t, listErr)
	require.Len(t, states, 1)
	assert.Equal(t, int64(9), states[0].ConfigID)
	assert.False(t, states[0].IsRunning)
}

func TestStopOneRemovesKeyAndUninstallsHostsBlock(t *testing.T) {
	handle := &fakeHandle{}
	reg := registry.New()
	reg.Insert("7_api", handle)

	fs := afero.NewMemMapFs()
	marker := model.HostsMarker("api", 7)
	require.NoError(t, afero.WriteFile(fs, "/etc/hosts", []byte("127.0.0.1 localhost\n# "+marker+"\n10.0.0.1 api.local\n"), 0o644))

	id := int64(7)
	service := "api"
	store := statestore.NewMemStore()
	o := &Orchestrator{
		Registry: reg,
		Hosts:    hostsfile.NewAt(fs, "/etc/hosts"),
		Store:    store,
		ConfigProvider: fakeConfigProvider{configs: []model.Config{
			{ID: &id, Service: &service, DomainEnabled: true},
		}},
	}

	resp, err := o.StopOne(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, "api", resp.Service)
	assert.True(t, handle.aborted)
	assert.False(t, store.IsRunning(7))

	contents, readErr := afero.ReadFile(fs, "/etc/hosts")
	require.NoError(t, readErr)
	assert.NotContains(t, string(contents), "api.local")
}
