package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/toolink/extgov/fleet"
	"github.com/toolink/extgov/health"
	"github.com/toolink/extgov/validator"
)

type harness struct {
	root   string
	config string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	t.Setenv("EXTGOV_ROOT", filepath.Join(root, "data"))
	t.Setenv("EXTGOV_LOG_CONSOLE", "false")
	t.Setenv("EXTGOV_LOG_LEVEL", "warn")
	t.Setenv("EXTGOV_HOST_API", "2.0.0")
	return &harness{root: root, config: filepath.Join(root, "extgov.yaml")}
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", h.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *harness) pkg(t *testing.T, id, version, body string) string {
	t.Helper()
	dir, err := os.MkdirTemp(h.root, "pkg-")
	require.NoError(t, err)
	manifest := fmt.Sprintf("id: %s\nname: %s\nversion: %s\n", id, id, version)
	require.NoError(t, os.WriteFile(filepath.Join(dir, validator.ManifestName), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.js"), []byte(body), 0o644))
	return dir
}

func (h *harness) installed(t *testing.T, id string) string {
	t.Helper()
	body, err := os.ReadFile(filepath.Join(h.root, "data", "extensions", id, "main.js"))
	require.NoError(t, err)
	return string(body)
}

func TestLifecycleCommands(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No extensions installed.")

	out, err = h.run(t, "install", h.pkg(t, "reader", "1.0.0", "v1"))
	require.NoError(t, err)
	assert.Equal(t, "install reader: 1.0.0\n", out)

	out, err = h.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "reader")
	assert.Contains(t, out, "active")

	out, err = h.run(t, "update", "reader", h.pkg(t, "reader", "1.1.0", "v2"))
	require.NoError(t, err)
	assert.Equal(t, "update reader: 1.0.0 -> 1.1.0\n", out)
	assert.Equal(t, "v2", h.installed(t, "reader"))

	out, err = h.run(t, "rollback", "reader")
	require.NoError(t, err)
	assert.Equal(t, "rollback reader: 1.1.0 -> 1.0.0\n", out)
	assert.Equal(t, "v1", h.installed(t, "reader"))

	out, err = h.run(t, "list", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version": "1.0.0"`)

	out, err = h.run(t, "uninstall", "reader")
	require.NoError(t, err)
	assert.Equal(t, "uninstall reader: done\n", out)
	assert.NoDirExists(t, filepath.Join(h.root, "data", "extensions", "reader"))
}

func TestLifecycleCommandErrors(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "rollback", "reader")
	assert.ErrorContains(t, err, "not installed")

	_, err = h.run(t, "install", filepath.Join(h.root, "missing"))
	assert.Error(t, err)

	_, err = h.run(t, "update", "reader")
	assert.Error(t, err, "update takes an id and a package")
}

func TestEnableCommand(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "install", h.pkg(t, "reader", "1.0.0", "v1"))
	require.NoError(t, err)

	out, err := h.run(t, "enable", "reader")
	require.NoError(t, err)
	assert.Equal(t, "enabled reader\n", out)

	_, err = h.run(t, "enable", "viewer")
	assert.ErrorContains(t, err, "not installed")
}

func TestConfigCommands(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, h.config)
	assert.FileExists(t, h.config)

	_, err = h.run(t, "config", "init")
	assert.Error(t, err)

	out, err = h.run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "host_api: 2.0.0")
	assert.Contains(t, out, "latency_threshold: 5s")
}

func TestInvalidConfigIsReported(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.config, []byte("catalog:\n  backend: nosuch\n"), 0o644))

	_, err := h.run(t, "list")
	assert.ErrorContains(t, err, "catalog.backend")
}

func TestHostsAndStatus(t *testing.T) {
	h := newHarness(t)
	mr := miniredis.RunT(t)
	t.Setenv("EXTGOV_REDIS_ADDR", mr.Addr())

	out, err := h.run(t, "hosts")
	require.NoError(t, err)
	assert.Contains(t, out, "No hosts announced.")

	hs := grpchealth.NewServer()
	hs.SetServingStatus(health.ServiceName("reader"), healthpb.HealthCheckResponse_SERVING)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	registry, err := fleet.NewRegistry(context.Background(), client)
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })
	_, err = registry.Announce(context.Background(), fleet.Host{ID: "host-a", Address: lis.Addr().String(), HostAPI: "2.0.0"})
	require.NoError(t, err)

	out, err = h.run(t, "hosts")
	require.NoError(t, err)
	assert.Contains(t, out, "host-a")
	assert.Contains(t, out, lis.Addr().String())

	out, err = h.run(t, "status", "reader", "viewer")
	require.NoError(t, err)
	assert.Contains(t, out, "SERVING")
	assert.Contains(t, out, "NotFound", "the health server does not know viewer")
}
