// ABOUTME: Tests for the Gateway lifecycle, gRPC health service and agent WebSocket endpoint
// ABOUTME: Drives real loopback WebSockets and a bufconn gRPC client through the full stack

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/miner-gateway/internal/agent"
	"github.com/2389/miner-gateway/internal/command"
	"github.com/2389/miner-gateway/internal/store"
)

// freeAddr reserves and releases a loopback port.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := baseTestConfig()
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Server.GRPCAddr = freeAddr(t)
	cfg.Database.Path = filepath.Join(t.TempDir(), "gateway.db")

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}
}

func TestNew_RejectsShortJWTSecret(t *testing.T) {
	cfg := baseTestConfig()
	cfg.Auth.JWTSecret = "short"
	_, err := newGateway(cfg, store.NewMockStore(), sharedCipher(t), testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating JWT verifier")
}

func newBufHealthClient(t *testing.T, gw *Gateway) healthpb.HealthClient {
	t.Helper()

	listener := bufconn.Listen(1024 * 1024)
	go func() {
		_ = gw.grpcServer.Serve(listener)
	}()
	t.Cleanup(gw.grpcServer.Stop)

	dialer := func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func TestHealthService_TracksStore(t *testing.T) {
	gw, ms := newTestGateway(t)
	client := newBufHealthClient(t, gw)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(HealthService))

	ms.PingErr = errors.New("locked")
	gw.refreshHealth(ctx)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(HealthService))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""), "overall status only drops at shutdown")

	ms.PingErr = nil
	gw.refreshHealth(ctx)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(HealthService))
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	assert.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/ts")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/ts", dir)

	t.Setenv("HOME", "/home/miner")
	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Equal(t, "/home/miner/.local/share/miner-gateway/tailscale", dir)
}

// wsHarness runs the gateway handler on a loopback server.
type wsHarness struct {
	gw     *Gateway
	ms     *store.MockStore
	server *httptest.Server
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	gw, ms := newTestGateway(t)
	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)
	return &wsHarness{gw: gw, ms: ms, server: server}
}

func (h *wsHarness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/agents/ws?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (h *wsHarness) post(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(h.server.URL+path, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func readCloseCode(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			require.ErrorAs(t, err, &ce)
			return ce.Code
		}
	}
}

func TestAgentWS_InvalidToken(t *testing.T) {
	h := newWSHarness(t)
	ws := h.dial(t, "not-a-token")
	assert.Equal(t, agent.CloseAuthFailed, readCloseCode(t, ws))
}

func TestAgentWS_PingTouchesLastSeen(t *testing.T) {
	h := newWSHarness(t)
	_, rec, _ := seedAgent(t, h.ms, "tok-ws-ping")
	ws := h.dial(t, "tok-ws-ping")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", readJSON(t, ws)["type"])

	got, err := h.ms.GetAgent(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastSeen)
	assert.True(t, h.gw.agentManager.IsOnline(rec.ID))
}

func TestAgentWS_RestartRoundTrip(t *testing.T) {
	h := newWSHarness(t)
	_, rec, miner := seedAgent(t, h.ms, "tok-ws-restart")

	sealed, err := sharedCipher(t).Encrypt("devpass")
	require.NoError(t, err)
	miner.PasswordEncrypted = sealed
	require.NoError(t, h.ms.UpdateMiner(context.Background(), miner))

	ws := h.dial(t, "tok-ws-restart")
	require.Eventually(t, func() bool { return h.gw.agentManager.IsOnline(rec.ID) }, 5*time.Second, 10*time.Millisecond)

	resp, body := h.post(t, fmt.Sprintf("/api/miners/%d/restart", miner.ID))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var result command.Result
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, command.MessageSent, result.Message)

	frame := readJSON(t, ws)
	assert.Equal(t, "restart", frame["type"])
	assert.Equal(t, miner.MAC, frame["miner_mac"])
	assert.Equal(t, "devpass", frame["password"])
	assert.EqualValues(t, result.CommandID, frame["command_id"])

	reply := fmt.Sprintf(`{"type":"command_result","command_id":%d,"status":"completed","result":{"ok":true}}`, result.CommandID)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(reply)))

	require.Eventually(t, func() bool {
		cmd, err := h.ms.GetCommand(context.Background(), result.CommandID)
		return err == nil && cmd.Status == store.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cmd, err := h.ms.GetCommand(context.Background(), result.CommandID)
	require.NoError(t, err)
	assert.NotContains(t, cmd.Params, "password")
}

func TestAgentWS_ScanWaitsForResult(t *testing.T) {
	h := newWSHarness(t)
	_, rec, _ := seedAgent(t, h.ms, "tok-ws-scan")
	ws := h.dial(t, "tok-ws-scan")
	require.Eventually(t, func() bool { return h.gw.agentManager.IsOnline(rec.ID) }, 5*time.Second, 10*time.Millisecond)

	type httpResult struct {
		status int
		body   []byte
	}
	done := make(chan httpResult, 1)
	go func() {
		resp, err := http.Post(h.server.URL+fmt.Sprintf("/api/agents/%d/scan", rec.ID), "application/json", nil)
		if err != nil {
			done <- httpResult{}
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		done <- httpResult{resp.StatusCode, body}
	}()

	frame := readJSON(t, ws)
	require.Equal(t, "rescan", frame["type"])
	cmdID := int64(frame["command_id"].(float64))

	reply := fmt.Sprintf(`{"type":"scan_result","command_id":%d,"discovered":[{"mac":"AA:BB:CC:00:00:09","ip":"10.0.0.9","model":"M30S++"}]}`, cmdID)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(reply)))

	var got httpResult
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scan request did not return")
	}
	require.Equal(t, http.StatusOK, got.status, string(got.body))

	var result command.Result
	require.NoError(t, json.Unmarshal(got.body, &result))
	assert.Equal(t, command.StatusCompleted, result.Status)
	require.Len(t, result.Discovered, 1)
	assert.Equal(t, "AA:BB:CC:00:00:09", result.Discovered[0].MAC)

	cmd, err := h.ms.GetCommand(context.Background(), cmdID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, cmd.Status)
}

func TestShutdown_ClosesAgentsGoingAway(t *testing.T) {
	h := newWSHarness(t)
	_, rec, _ := seedAgent(t, h.ms, "tok-ws-shutdown")
	ws := h.dial(t, "tok-ws-shutdown")
	require.Eventually(t, func() bool { return h.gw.agentManager.IsOnline(rec.ID) }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.gw.Shutdown(ctx))

	assert.Equal(t, websocket.CloseGoingAway, readCloseCode(t, ws))
	assert.Equal(t, 0, h.gw.agentManager.Count())
}
