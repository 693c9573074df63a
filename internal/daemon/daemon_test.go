package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yairfalse/vahti/internal/config"
	"github.com/yairfalse/vahti/internal/discovery"
	"github.com/yairfalse/vahti/internal/facetlock"
	"github.com/yairfalse/vahti/internal/inventory"
	"github.com/yairfalse/vahti/internal/plugin"
	"github.com/yairfalse/vahti/internal/plugin/aws"
	"github.com/yairfalse/vahti/internal/plugin/platform"
	"github.com/yairfalse/vahti/internal/plugin/plugintest"
	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Agent:        config.AgentConfig{Name: "test-agent", DataDir: t.TempDir()},
		AgentService: config.AgentServiceConfig{Listen: "127.0.0.1:0"},
		Metrics:      config.AdminConfig{Addr: "127.0.0.1:0"},
		Scheduler: config.SchedulerConfig{
			Workers:     2,
			LockTimeout: 200 * time.Millisecond,
			CallTimeout: time.Second,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// opComponent adds operations to the scriptable test component.
type opComponent struct {
	*plugintest.Component
}

func (c *opComponent) InvokeOperation(_ context.Context, name string, params map[string]string) (plugin.OperationResult, error) {
	if name != "ping" {
		return plugin.OperationResult{}, fmt.Errorf("unknown operation %q", name)
	}
	return plugin.OperationResult{Output: map[string]string{"reply": "pong " + params["who"]}}, nil
}

// facetComponent adds configuration, content and support to the test component.
type facetComponent struct {
	*plugintest.Component
	mu  sync.Mutex
	cfg plugin.Configuration
}

func (c *facetComponent) LoadConfiguration(context.Context) (plugin.Configuration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.cfg), nil
}

func (c *facetComponent) UpdateConfiguration(_ context.Context, cfg plugin.Configuration) error {
	if cfg["port"] == "" {
		return errors.New("port is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = maps.Clone(cfg)
	return nil
}

func (c *facetComponent) DiscoverPackages(_ context.Context, packageType string) ([]plugin.Package, error) {
	if packageType != "war" {
		return nil, nil
	}
	return []plugin.Package{{Name: "shop.war", Version: "1.2.0", Type: "war"}}, nil
}

func (c *facetComponent) Snapshot(_ context.Context, w io.Writer) error {
	_, err := io.WriteString(w, `{"threads":12}`)
	return err
}

type harness struct {
	t      *testing.T
	d      *Daemon
	plugin *plugintest.Plugin
	hosts  *plugintest.Discovery
	cancel context.CancelFunc
	errCh  chan error
}

func newHarness(t *testing.T, setup func(*plugintest.Plugin)) *harness {
	t.Helper()
	p := plugintest.New(plugintest.Descriptor)
	hosts := &plugintest.Discovery{Resources: []resource.Resource{{Key: "h1"}}}
	p.SetDiscovery("test-host", hosts)
	p.SetDiscovery("test-server", &plugintest.Discovery{Resources: []resource.Resource{{Key: "web"}}})
	if setup != nil {
		setup(p)
	}

	d, err := NewDaemon(context.Background(), testConfig(t), WithPlugins(p))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	return &harness{t: t, d: d, plugin: p, hosts: hosts}
}

func (h *harness) start() {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.errCh = make(chan error, 1)
	go func() {
		h.errCh <- h.d.Start(ctx)
	}()
	h.t.Cleanup(h.stop)
	require.Eventually(h.t, func() bool { return h.d.AdminAddr() != "" }, 5*time.Second, 10*time.Millisecond)
}

func (h *harness) startReady() {
	h.t.Helper()
	h.start()
	require.Eventually(h.t, h.d.Ready, 5*time.Second, 10*time.Millisecond)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.errCh:
		assert.NoError(h.t, err)
	case <-time.After(10 * time.Second):
		h.t.Fatal("daemon did not shut down")
	}
}

func (h *harness) url(path string) string {
	return "http://" + h.d.AdminAddr() + path
}

func (h *harness) do(method, path, body string) *http.Response {
	h.t.Helper()
	req, err := http.NewRequest(method, h.url(path), strings.NewReader(body))
	require.NoError(h.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (h *harness) resource(parentID, typ, key string) *inventory.Container {
	h.t.Helper()
	c, ok := h.d.tree.FindChild(parentID, resource.Identity{Type: typ, Key: key})
	require.True(h.t, ok, "%s/%s not in inventory", typ, key)
	return c
}

func TestNewDaemon_Standalone(t *testing.T) {
	h := newHarness(t, nil)

	assert.Nil(t, h.d.client)
	assert.Nil(t, h.d.server)
	assert.Nil(t, h.d.spool)
	assert.Empty(t, h.d.AgentAddr())
	assert.False(t, h.d.Ready())
	assert.DirExists(t, h.d.cfg.InventoryDir())

	health := h.d.Health()
	assert.Equal(t, "healthy", health.Status)
	assert.GreaterOrEqual(t, health.Uptime, int64(0))
	assert.Nil(t, health.Reports)
	assert.Nil(t, health.Discovery)
}

func TestNewDaemon_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Backpressure = "block"

	_, err := NewDaemon(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backpressure")
}

func TestNewDaemon_SeedsFailoverList(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Servers = []string{"127.0.0.1:1/2", "127.0.0.1:3/4"}

	d, err := NewDaemon(context.Background(), cfg, WithPlugins(plugintest.New(plugintest.Descriptor)))
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	require.NotNil(t, d.client)
	require.NotNil(t, d.server)
	assert.Equal(t, 2, d.client.List().Len())
	assert.DirExists(t, cfg.SpoolDir())

	data, err := os.ReadFile(cfg.Server.FailoverFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "127.0.0.1:1/2")
}

func TestNewDaemon_PrunesExpiredSpool(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Servers = []string{"127.0.0.1:1/2"}
	cfg.Spool.RetentionDays = 7
	require.NoError(t, os.MkdirAll(cfg.SpoolDir(), 0o750))
	old := filepath.Join(cfg.SpoolDir(), "vahti-spool-20240101-120000-0000000000000001.wal")
	require.NoError(t, os.WriteFile(old, []byte(`{"sequence":1,"type":"measurement","data":{}}`+"\n"), 0o600))
	past := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(old, past, past))

	d, err := NewDaemon(context.Background(), cfg, WithPlugins(plugintest.New(plugintest.Descriptor)))
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	assert.NoFileExists(t, old)
}

func TestNewDaemon_PersistedListWins(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Servers = []string{"127.0.0.1:1/2"}
	require.NoError(t, os.WriteFile(cfg.Server.FailoverFile, []byte("127.0.0.1:5/6\n"), 0o600))

	d, err := NewDaemon(context.Background(), cfg, WithPlugins(plugintest.New(plugintest.Descriptor)))
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	primary, ok := d.client.List().Primary()
	require.True(t, ok)
	assert.Equal(t, 5, primary.Port)
}

func TestNewDaemon_DuplicatePluginFails(t *testing.T) {
	p := plugintest.New(plugintest.Descriptor)

	_, err := NewDaemon(context.Background(), testConfig(t), WithPlugins(p, p))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "register plugin")
}

func TestDaemon_StartDiscoversAndShutsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.startReady()

	host := h.resource("", "test-host", "h1")
	web := h.resource(host.ID(), "test-server", "web")
	assert.Equal(t, inventory.StateStarted, host.State())
	assert.Equal(t, inventory.StateStarted, web.State())
	assert.Equal(t, resource.StatusCommitted, web.Resource().Status)

	health := h.d.Health()
	assert.True(t, health.Ready)
	assert.Equal(t, 2, health.Resources["STARTED"])
	require.NotNil(t, health.Discovery)
	assert.Equal(t, 2, health.Discovery.Passes)

	h.stop()
	assert.False(t, h.d.Ready())
	assert.Equal(t, inventory.StateStopped, web.State())
	assert.Equal(t, inventory.StateStopped, host.State())
	comp := h.plugin.Created("test-server")[0]
	assert.Equal(t, int32(1), comp.Stops.Load())
}

func TestDaemon_RestartLoadsPersistedInventory(t *testing.T) {
	cfg := testConfig(t)
	newPlugin := func() *plugintest.Plugin {
		p := plugintest.New(plugintest.Descriptor)
		p.SetDiscovery("test-host", &plugintest.Discovery{Resources: []resource.Resource{{Key: "h1"}}})
		return p
	}

	run := func(p *plugintest.Plugin) string {
		d, err := NewDaemon(context.Background(), cfg, WithPlugins(p))
		require.NoError(t, err)
		defer func() { _ = d.Close() }()

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- d.Start(ctx) }()
		require.Eventually(t, d.Ready, 5*time.Second, 10*time.Millisecond)
		c, ok := d.tree.FindChild("", resource.Identity{Type: "test-host", Key: "h1"})
		require.True(t, ok)
		cancel()
		require.NoError(t, <-errCh)
		return c.ID()
	}

	first := run(newPlugin())
	second := run(newPlugin())
	assert.Equal(t, first, second)
}

func TestDaemon_ReadyAfterInitialDiscovery(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(p *plugintest.Plugin) {
		p.SetDiscovery("test-host", &plugintest.Discovery{
			Func: func(ctx context.Context, _ plugin.DiscoveryContext) ([]resource.Resource, error) {
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return []resource.Resource{{Key: "h1"}}, nil
			},
		})
	})
	h.start()

	resp := h.do(http.MethodGet, "/-/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp = h.do(http.MethodGet, "/-/healthy", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	close(release)
	require.Eventually(t, h.d.Ready, 5*time.Second, 10*time.Millisecond)
	resp = h.do(http.MethodGet, "/-/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDaemon_AdminEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	h.startReady()
	host := h.resource("", "test-host", "h1")

	t.Run("health", func(t *testing.T) {
		resp := h.do(http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var health HealthStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
		assert.Equal(t, "healthy", health.Status)
		assert.True(t, health.Ready)
	})

	t.Run("metrics", func(t *testing.T) {
		resp := h.do(http.MethodGet, "/metrics", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("inventory", func(t *testing.T) {
		resp := h.do(http.MethodGet, "/inventory", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var snapshot []resource.Resource
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
		assert.Len(t, snapshot, 2)
	})

	t.Run("availability", func(t *testing.T) {
		resp := h.do(http.MethodPost, "/availability?resource="+host.ID()+"&resource=missing", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out AvailabilityResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, "UP", out.Availability[host.ID()])
		assert.NotContains(t, out.Availability, "missing")
		assert.Contains(t, out.Error, "missing")
	})

	t.Run("availability needs a resource", func(t *testing.T) {
		resp := h.do(http.MethodPost, "/availability", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("discovery", func(t *testing.T) {
		resp := h.do(http.MethodPost, "/discovery", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var stats discovery.Stats
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
		assert.Equal(t, 0, stats.New)
		assert.Equal(t, 2, stats.Discovered)
	})

	t.Run("wrong method", func(t *testing.T) {
		resp := h.do(http.MethodGet, "/discovery", "")
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestDaemon_ManualAddAndUninventory(t *testing.T) {
	h := newHarness(t, func(p *plugintest.Plugin) {
		p.SetDiscovery("test-service", &plugintest.Discovery{Resources: []resource.Resource{{Key: "api"}}})
	})
	h.startReady()
	host := h.resource("", "test-host", "h1")
	web := h.resource(host.ID(), "test-server", "web")

	body := fmt.Sprintf(`{"parent_id":%q,"type":"test-service"}`, web.ID())
	resp := h.do(http.MethodPost, "/resources", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var added resource.Resource
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&added))
	assert.Equal(t, "api", added.Key)

	api := h.resource(web.ID(), "test-service", "api")
	assert.Equal(t, inventory.StateStarted, api.State())

	resp = h.do(http.MethodPost, "/resources", `{"type":"no-such-type"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(http.MethodPost, "/resources/"+web.ID()+"/restart", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.do(http.MethodDelete, "/resources/"+web.ID(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var removed map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&removed))
	assert.Equal(t, []string{web.ID(), api.ID()}, removed["removed"])

	_, err := h.d.tree.GetContainer(web.ID())
	assert.ErrorIs(t, err, inventory.ErrNotFound)

	resp = h.do(http.MethodDelete, "/resources/"+web.ID(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDaemon_InvokeOperation(t *testing.T) {
	h := newHarness(t, func(p *plugintest.Plugin) {
		p.SetFactory("test-server", func() plugin.ResourceComponent {
			return &opComponent{Component: &plugintest.Component{}}
		})
	})
	h.startReady()
	host := h.resource("", "test-host", "h1")
	web := h.resource(host.ID(), "test-server", "web")

	res, err := h.d.InvokeOperation(context.Background(), web.ID(), "ping", map[string]string{"who": "ops"})
	require.NoError(t, err)
	assert.Equal(t, "pong ops", res.Output["reply"])

	_, err = h.d.InvokeOperation(context.Background(), web.ID(), "explode", nil)
	var inv *plugin.InvocationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, plugin.FacetOperation, inv.Facet)

	_, err = h.d.InvokeOperation(context.Background(), host.ID(), "ping", nil)
	assert.ErrorIs(t, err, inventory.ErrFacetUnsupported)

	resp := h.do(http.MethodPost, "/operation?resource="+web.ID()+"&name=ping", `{"who":"http"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out plugin.OperationResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "pong http", out.Output["reply"])

	resp = h.do(http.MethodPost, "/operation?resource="+host.ID()+"&name=ping", "")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp = h.do(http.MethodPost, "/operation?resource="+web.ID(), "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDaemon_OperationWaitsForWriteLock(t *testing.T) {
	h := newHarness(t, func(p *plugintest.Plugin) {
		p.SetFactory("test-server", func() plugin.ResourceComponent {
			return &opComponent{Component: &plugintest.Component{}}
		})
	})
	h.startReady()
	web := h.resource(h.resource("", "test-host", "h1").ID(), "test-server", "web")

	handle, err := h.d.locks.Acquire(context.Background(), web.ID(), facetlock.Read, time.Second)
	require.NoError(t, err)
	defer handle.Release()

	_, err = h.d.InvokeOperation(context.Background(), web.ID(), "ping", nil)
	assert.ErrorIs(t, err, facetlock.ErrTimeout)
}

func TestDaemon_ConfigurationContentAndSupport(t *testing.T) {
	h := newHarness(t, func(p *plugintest.Plugin) {
		p.SetFactory("test-server", func() plugin.ResourceComponent {
			return &facetComponent{Component: &plugintest.Component{}, cfg: plugin.Configuration{"port": "8080"}}
		})
	})
	h.startReady()
	host := h.resource("", "test-host", "h1")
	web := h.resource(host.ID(), "test-server", "web")
	base := "/resources/" + web.ID()

	resp := h.do(http.MethodGet, base+"/configuration", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg plugin.Configuration
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.Equal(t, "8080", cfg["port"])

	resp = h.do(http.MethodPut, base+"/configuration", `{"port":"9090"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	got, err := h.d.LoadConfiguration(context.Background(), web.ID())
	require.NoError(t, err)
	assert.Equal(t, plugin.Configuration{"port": "9090"}, got)

	resp = h.do(http.MethodPut, base+"/configuration", `{}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	resp = h.do(http.MethodPut, base+"/configuration", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(http.MethodGet, base+"/content?type=war", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pkgs []plugin.Package
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pkgs))
	require.Len(t, pkgs, 1)
	assert.Equal(t, "shop.war", pkgs[0].Name)

	resp = h.do(http.MethodGet, base+"/content?type=ear", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(body))

	resp = h.do(http.MethodGet, base+"/support", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"threads":12}`, string(body))

	resp = h.do(http.MethodGet, "/resources/"+host.ID()+"/configuration", "")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	resp = h.do(http.MethodGet, "/resources/missing/support", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDaemon_ConfigurationLockModes(t *testing.T) {
	h := newHarness(t, func(p *plugintest.Plugin) {
		p.SetFactory("test-server", func() plugin.ResourceComponent {
			return &facetComponent{Component: &plugintest.Component{}, cfg: plugin.Configuration{"port": "8080"}}
		})
	})
	h.startReady()
	web := h.resource(h.resource("", "test-host", "h1").ID(), "test-server", "web")

	reader, err := h.d.locks.Acquire(context.Background(), web.ID(), facetlock.Read, time.Second)
	require.NoError(t, err)

	_, err = h.d.LoadConfiguration(context.Background(), web.ID())
	require.NoError(t, err, "reads share the lock")
	_, err = h.d.Snapshot(context.Background(), web.ID())
	require.NoError(t, err)
	err = h.d.UpdateConfiguration(context.Background(), web.ID(), plugin.Configuration{"port": "1"})
	require.ErrorIs(t, err, facetlock.ErrTimeout)

	reader.Release()
	require.NoError(t, h.d.UpdateConfiguration(context.Background(), web.ID(), plugin.Configuration{"port": "1"}))
}

func TestBundleService(t *testing.T) {
	h := newHarness(t, func(p *plugintest.Plugin) {
		p.SetFactory("test-server", func() plugin.ResourceComponent {
			return &plugintest.Component{
				DeployFunc: func(_ context.Context, req types.BundleScheduleRequest) (types.BundleResponse, error) {
					if req.BundleName == "broken" {
						return types.BundleResponse{}, errors.New("disk full")
					}
					return types.BundleResponse{Success: true, Message: "deployed " + req.BundleName}, nil
				},
			}
		})
	})
	h.startReady()
	web := h.resource(h.resource("", "test-host", "h1").ID(), "test-server", "web")
	svc := &agentService{d: h.d}
	ctx := context.Background()

	req := &types.BundleScheduleRequest{ResourceID: web.ID(), DeploymentID: "d1", BundleName: "app", Destination: "/opt/app"}
	resp, err := svc.ScheduleBundle(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, web.ID(), resp.ResourceID)
	assert.Equal(t, "d1", resp.DeploymentID)
	assert.Equal(t, "deployed app", resp.Message)

	broken := *req
	broken.BundleName = "broken"
	resp, err = svc.ScheduleBundle(ctx, &broken)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "disk full", resp.Message)

	_, err = svc.ScheduleBundle(ctx, &types.BundleScheduleRequest{ResourceID: web.ID()})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	missing := *req
	missing.ResourceID = "missing"
	_, err = svc.ScheduleBundle(ctx, &missing)
	assert.Equal(t, codes.NotFound, status.Code(err))

	purged, err := svc.PurgeBundle(ctx, &types.BundlePurgeRequest{ResourceID: web.ID(), DeploymentID: "d1"})
	require.NoError(t, err)
	assert.True(t, purged.Success)
}

func TestAgentService_UpdateSchedules(t *testing.T) {
	h := newHarness(t, nil)
	h.startReady()
	host := h.resource("", "test-host", "h1")
	svc := &agentService{d: h.d}
	ctx := context.Background()

	require.Len(t, host.Schedules(), 1)
	sched := host.Schedules()[0]
	sched.Interval = 10 * time.Minute

	resp, err := svc.UpdateSchedules(ctx, &types.ScheduleUpdateRequest{Resources: []types.ResourceSchedules{
		{ResourceID: host.ID(), Schedules: []types.MeasurementSchedule{sched}},
		{ResourceID: "missing"},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{host.ID()}, resp.Updated)
	assert.Contains(t, resp.Errors, "missing")

	installed := h.d.sched.Schedules(host.ID())
	require.Len(t, installed, 1)
	assert.Equal(t, 10*time.Minute, installed[0].Interval)
	stored, err := h.d.store.LoadSchedules()
	require.NoError(t, err)
	require.Len(t, stored[host.ID()], 1)
	assert.Equal(t, 10*time.Minute, stored[host.ID()][0].Interval)

	_, err = svc.UpdateSchedules(ctx, &types.ScheduleUpdateRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRPCError(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("x: %w", inventory.ErrNotFound), codes.NotFound},
		{inventory.ErrFacetUnsupported, codes.Unimplemented},
		{inventory.ErrNotStarted, codes.FailedPrecondition},
		{&facetlock.TimeoutError{ResourceID: "r"}, codes.DeadlineExceeded},
		{context.Canceled, codes.Canceled},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.code, status.Code(rpcError(tt.err)))
		})
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", inventory.ErrNotFound, http.StatusNotFound},
		{"unknown type", plugin.ErrUnknownType, http.StatusNotFound},
		{"in use", &inventory.ResourceInUseError{ResourceID: "r", HeldBy: "r"}, http.StatusConflict},
		{"not started", inventory.ErrNotStarted, http.StatusConflict},
		{"unsupported", inventory.ErrFacetUnsupported, http.StatusNotImplemented},
		{"call timeout", facetlock.ErrCallTimeout, http.StatusGatewayTimeout},
		{"plugin failure", &plugin.InvocationError{ResourceID: "r", Err: errors.New("x")}, http.StatusBadGateway},
		{"other", errors.New("x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorStatus(tt.err))
		})
	}
}

func TestPluginConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Discovery.ProcessPatterns = []string{"nginx*", "redis-server"}
	cfg.AWS.Regions = []string{"eu-west-1", "us-east-1"}
	cfg.Discovery.PluginConfig = map[string]map[string]string{
		aws.TypeRegion: {aws.ConfigRegions: "eu-north-1"},
		"custom":       {"k": "v"},
	}

	got := pluginConfig(cfg)

	assert.Equal(t, "nginx*,redis-server", got[platform.TypeProcess][platform.ConfigPatterns])
	assert.Equal(t, "eu-north-1", got[aws.TypeRegion][aws.ConfigRegions])
	assert.Equal(t, "v", got["custom"]["k"])

	got["custom"]["k"] = "changed"
	assert.Equal(t, "v", cfg.Discovery.PluginConfig["custom"]["k"])
}

func TestBuiltinPlugins(t *testing.T) {
	cfg := testConfig(t)
	assert.Len(t, builtinPlugins(cfg), 1)

	cfg.AWS.Regions = []string{"eu-west-1"}
	plugins := builtinPlugins(cfg)
	require.Len(t, plugins, 2)
	assert.Equal(t, aws.PluginName, plugins[1].Name())
}
