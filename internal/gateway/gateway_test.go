// ABOUTME: Tests for the Gateway orchestrator lifecycle
// ABOUTME: Runs real listeners and checks health, gRPC health, restart recovery and draining

package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/a2a-relay/internal/agent"
	"github.com/2389/a2a-relay/internal/broadcast"
	"github.com/2389/a2a-relay/internal/config"
	"github.com/2389/a2a-relay/internal/envelope"
	"github.com/2389/a2a-relay/internal/session"
)

// freeAddr finds an available local TCP address.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig builds a parsed config for tests. extra is appended to the YAML.
func testConfig(t *testing.T, dbPath, extra string) *config.Config {
	t.Helper()
	t.Setenv("A2A_DB_PATH", "")
	t.Setenv("OPENAI_API_KEY", "")

	yaml := fmt.Sprintf(`
server:
  http_addr: %q
database:
  path: %q
relay:
  min_audio_size: "16B"
  write_timeout: "1s"
metrics:
  enabled: true
responder:
  provider: "disabled"
`, freeAddr(t), dbPath) + extra

	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("config.Parse() failed: %v", err)
	}
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runGateway starts gw and returns a function that stops it and waits for Run to return.
func runGateway(t *testing.T, gw *Gateway) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	addr := gw.config.Server.HTTPAddr
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 10*time.Millisecond)

	var stopped bool
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Run() did not return after cancel")
		}
	}
	t.Cleanup(stop)
	return stop
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t, ":memory:", "")

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.registry == nil || gw.sessions == nil || gw.router == nil || gw.endpoint == nil {
		t.Error("relay components should be wired")
	}
	if gw.grpcServer != nil {
		t.Error("grpcServer should be nil without grpc_addr")
	}
	if gw.mirror != nil {
		t.Error("mirror should be nil without redis.url")
	}
}

func TestGatewayNew_BadDatabasePath(t *testing.T) {
	cfg := testConfig(t, ":memory:", "")
	blocker := filepath.Join(t.TempDir(), "file-not-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	cfg.Database.Path = filepath.Join(blocker, "relay.db")

	_, err := New(cfg, testLogger())
	if err == nil {
		t.Fatal("New() should fail when the database directory cannot be created")
	}
}

func TestGatewayRun_HealthEndpoints(t *testing.T) {
	cfg := testConfig(t, ":memory:", "")
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	runGateway(t, gw)

	base := "http://" + cfg.Server.HTTPAddr
	for path, want := range map[string]string{"/health": "OK", "/health/ready": "ready"} {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, want, string(body), path)
	}
}

func TestGatewayRun_GRPCHealth(t *testing.T) {
	grpcAddr := freeAddr(t)
	cfg := testConfig(t, ":memory:", "")
	cfg.Server.GRPCAddr = grpcAddr

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	stop := runGateway(t, gw)

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	for _, service := range []string{"", HealthService} {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		cancel()
		require.NoError(t, err, "service %q", service)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus(), "service %q", service)
	}

	stop()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, gw, HealthService))
}

func servingStatus(t *testing.T, gw *Gateway, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestGatewayRun_ShutdownClosesAgentConnections(t *testing.T) {
	cfg := testConfig(t, ":memory:", "")
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	stop := runGateway(t, gw)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+cfg.Server.HTTPAddr+"/ws/alice", nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return gw.registry.IsOnline("alice") }, 2*time.Second, 5*time.Millisecond)

	stop()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, websocket.CloseGoingAway, ce.Code)
			break
		}
	}
	assert.False(t, gw.registry.IsOnline("alice"))
}

func TestGateway_ShutdownIsIdempotent(t *testing.T) {
	gw, err := New(testConfig(t, ":memory:", ""), testLogger())
	require.NoError(t, err)

	require.NoError(t, gw.Shutdown(context.Background()))
	require.NoError(t, gw.Shutdown(context.Background()))
}

func TestGateway_RestartRestoresAgentsOffline(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relay.db")

	cfg := testConfig(t, dbPath, "")
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	stop := runGateway(t, gw)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+cfg.Server.HTTPAddr+"/ws/alice?name=Alice", nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return gw.registry.IsOnline("alice") }, 2*time.Second, 5*time.Millisecond)
	stop()

	gw2, err := New(testConfig(t, dbPath, ""), testLogger())
	require.NoError(t, err)
	defer gw2.Shutdown(context.Background())

	a, err := gw2.registry.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", a.Name)
	assert.Equal(t, envelope.StatusOffline, a.Status)
	assert.Empty(t, gw2.registry.ListOnline())
}

func TestDropReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrapped: %w", agent.ErrQueueOverflow), "queue_overflow"},
		{agent.ErrConnectionClosed, "closed"},
		{broadcast.ErrNoRecipient, "no_recipient"},
		{io.EOF, "other"},
	}
	for _, tt := range tests {
		if got := dropReason(tt.err); got != tt.want {
			t.Errorf("dropReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{agent.ErrUnknownAgent, http.StatusNotFound},
		{fmt.Errorf("%w: sess-1", session.ErrUnknownSession), http.StatusNotFound},
		{agent.ErrDuplicateAgent, http.StatusConflict},
		{session.ErrAgentBusy, http.StatusConflict},
		{agent.ErrInvalidAgentID, http.StatusBadRequest},
		{session.ErrTargetUnreachable, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := httpStatus(tt.err); got != tt.want {
			t.Errorf("httpStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
