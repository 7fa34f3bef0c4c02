// ABOUTME: Tests for the operator HTTP API handlers.
// ABOUTME: Runs the real mux against a MockStore, with and without JWT auth.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/miner-gateway/internal/auth"
	"github.com/2389/miner-gateway/internal/command"
	"github.com/2389/miner-gateway/internal/config"
	"github.com/2389/miner-gateway/internal/secrets"
	"github.com/2389/miner-gateway/internal/store"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

var (
	cipherOnce sync.Once
	testCipher *secrets.Cipher
	cipherErr  error
)

// sharedCipher derives the test cipher once; key stretching is slow by design of the KDF.
func sharedCipher(t *testing.T) *secrets.Cipher {
	t.Helper()
	cipherOnce.Do(func() {
		testCipher, cipherErr = secrets.NewCipher("gateway-test-key")
	})
	require.NoError(t, cipherErr)
	return testCipher
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseTestConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Secrets: config.SecretsConfig{Key: "gateway-test-key"},
		Auth:    config.AuthConfig{TokenTTL: time.Hour},
		Agents: config.AgentsConfig{
			IdleTimeout:        35 * time.Second,
			PingGrace:          10 * time.Second,
			WriteTimeout:       2 * time.Second,
			MaxMessageBytes:    1 << 20,
			SendBuffer:         16,
			MalformedPerMinute: 30,
		},
		Commands: config.CommandsConfig{
			ScanTimeout:  2 * time.Second,
			ReplayWindow: 10 * time.Minute,
			DedupeTTL:    5 * time.Minute,
		},
	}
}

// newTestGateway builds a gateway over a MockStore. Options adjust the config first.
func newTestGateway(t *testing.T, opts ...func(*config.Config)) (*Gateway, *store.MockStore) {
	t.Helper()

	cfg := baseTestConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	ms := store.NewMockStore()
	gw, err := newGateway(cfg, ms, sharedCipher(t), testLogger())
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.agentManager.Shutdown(ctx)
		gw.commands.Close()
	})
	return gw, ms
}

func withAuth(cfg *config.Config) {
	cfg.Auth.JWTSecret = testJWTSecret
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rec)["error"]
}

// seedAgent creates a farm, its agent and one miner.
func seedAgent(t *testing.T, ms *store.MockStore, token string) (*store.Farm, *store.Agent, *store.Miner) {
	t.Helper()
	ctx := context.Background()

	farm := &store.Farm{Name: "north-" + token}
	require.NoError(t, ms.CreateFarm(ctx, farm))
	rec := &store.Agent{FarmID: farm.ID, Token: token, Name: "shed"}
	require.NoError(t, ms.CreateAgent(ctx, rec))
	miner, err := ms.UpsertMiner(ctx, rec.ID, "AA:BB:CC:00:00:01", "10.0.0.7", "M30S")
	require.NoError(t, err)
	return farm, rec, miner
}

func TestHealthEndpoint(t *testing.T) {
	gw, _ := newTestGateway(t)

	rec := doJSON(t, gw.Handler(), http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReadyEndpoint(t *testing.T) {
	gw, ms := newTestGateway(t)

	rec := doJSON(t, gw.Handler(), http.MethodGet, "/health/ready", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "0 agents online")

	ms.PingErr = errors.New("disk gone")
	rec = doJSON(t, gw.Handler(), http.MethodGet, "/health/ready", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFarmCRUD(t *testing.T) {
	gw, _ := newTestGateway(t)
	h := gw.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/farms", map[string]string{"name": "North"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	farm := decode[FarmResponse](t, rec)
	assert.Equal(t, "North", farm.Name)

	rec = doJSON(t, h, http.MethodPatch, fmt.Sprintf("/api/farms/%d", farm.ID), map[string]string{"name": "North Hill"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "North Hill", decode[FarmResponse](t, rec).Name)

	rec = doJSON(t, h, http.MethodGet, "/api/farms", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]FarmResponse](t, rec), 1)

	rec = doJSON(t, h, http.MethodDelete, fmt.Sprintf("/api/farms/%d", farm.ID), nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, fmt.Sprintf("/api/farms/%d", farm.ID), nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateFarm_Validation(t *testing.T) {
	gw, _ := newTestGateway(t)
	h := gw.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/farms", map[string]string{"name": "  "}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "name is required", errorMessage(t, rec))

	req := httptest.NewRequest(http.MethodPost, "/api/farms", strings.NewReader("{not json"))
	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/farms/abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAgent_OnePerFarm(t *testing.T) {
	gw, ms := newTestGateway(t)
	h := gw.Handler()

	farm := &store.Farm{Name: "South"}
	require.NoError(t, ms.CreateFarm(context.Background(), farm))
	path := fmt.Sprintf("/api/farms/%d/agents", farm.ID)

	rec := doJSON(t, h, http.MethodPost, path, map[string]string{"name": "rack-a"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[CreatedAgentResponse](t, rec)
	assert.NotEmpty(t, created.Token)
	assert.Equal(t, farm.ID, created.FarmID)
	assert.False(t, created.Online)

	stored, err := ms.GetAgentByToken(context.Background(), created.Token)
	require.NoError(t, err)
	assert.Equal(t, created.ID, stored.ID)

	rec = doJSON(t, h, http.MethodPost, path, nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t,
		fmt.Sprintf("Farm already has an agent (id=%d). One agent per farm.", created.ID),
		errorMessage(t, rec))

	rec = doJSON(t, h, http.MethodPost, "/api/farms/999/agents", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAgent_IncludesMiners(t *testing.T) {
	gw, ms := newTestGateway(t)
	_, rec, miner := seedAgent(t, ms, "tok-detail")

	resp := doJSON(t, gw.Handler(), http.MethodGet, fmt.Sprintf("/api/agents/%d", rec.ID), nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	got := decode[AgentResponse](t, resp)
	require.Len(t, got.Miners, 1)
	assert.Equal(t, miner.MAC, got.Miners[0].MAC)
	assert.False(t, got.Online)

	resp = doJSON(t, gw.Handler(), http.MethodGet, "/api/agents?farm_id=x", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestGetMiner(t *testing.T) {
	gw, ms := newTestGateway(t)
	_, _, miner := seedAgent(t, ms, "tok-miner")

	rec := doJSON(t, gw.Handler(), http.MethodGet, fmt.Sprintf("/api/miners/%d", miner.ID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[MinerResponse](t, rec)
	assert.Equal(t, "http://10.0.0.7", got.WebUIURL)
	assert.False(t, got.HasPassword)

	rec = doJSON(t, gw.Handler(), http.MethodGet, "/api/miners/424242", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateMiner_SealsPassword(t *testing.T) {
	gw, ms := newTestGateway(t)
	_, _, miner := seedAgent(t, ms, "tok-seal")
	path := fmt.Sprintf("/api/miners/%d", miner.ID)

	rec := doJSON(t, gw.Handler(), http.MethodPatch, path, map[string]string{
		"worker1":  "pool.acct.w1",
		"password": "hunter2",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[MinerResponse](t, rec)
	assert.True(t, got.HasPassword)
	assert.Equal(t, "pool.acct.w1", got.Worker1)
	assert.NotContains(t, rec.Body.String(), "hunter2")

	stored, err := ms.GetMiner(context.Background(), miner.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", stored.PasswordEncrypted)
	plain, err := sharedCipher(t).Decrypt(stored.PasswordEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	rec = doJSON(t, gw.Handler(), http.MethodPatch, path, map[string]string{"password": ""}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[MinerResponse](t, rec).HasPassword)
}

func TestMinerAction_AgentOffline(t *testing.T) {
	gw, ms := newTestGateway(t)
	_, rec, miner := seedAgent(t, ms, "tok-offline")

	resp := doJSON(t, gw.Handler(), http.MethodPost, fmt.Sprintf("/api/miners/%d/restart", miner.ID), nil, "")
	require.Equal(t, http.StatusAccepted, resp.Code)
	result := decode[command.Result](t, resp)
	assert.Equal(t, command.StatusQueued, result.Status)
	assert.Equal(t, command.MessageAgentOffline, result.Message)

	cmds, err := ms.ListCommands(context.Background(), store.CommandFilter{AgentID: rec.ID})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, store.StatusPending, cmds[0].Status)
	assert.Equal(t, store.CommandRestart, cmds[0].Type)

	resp = doJSON(t, gw.Handler(), http.MethodPost, fmt.Sprintf("/api/miners/%d/explode", miner.ID), nil, "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestMinerAction_OptionalBody(t *testing.T) {
	gw, ms := newTestGateway(t)
	_, _, miner := seedAgent(t, ms, "tok-body")
	path := fmt.Sprintf("/api/miners/%d/restart", miner.ID)

	tests := []struct {
		name string
		body io.Reader
		want int
	}{
		{"chunked empty body", io.NopCloser(strings.NewReader("")), http.StatusAccepted},
		{"chunked json body", io.NopCloser(strings.NewReader(`{"reason":"stuck"}`)), http.StatusAccepted},
		{"malformed body", strings.NewReader("{nope"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, path, tt.body)
			rec := httptest.NewRecorder()
			gw.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code, "body: %s", rec.Body.String())
		})
	}
}

func TestAgentCommand_Validation(t *testing.T) {
	gw, ms := newTestGateway(t)
	_, rec, _ := seedAgent(t, ms, "tok-validate")
	path := fmt.Sprintf("/api/agents/%d/commands", rec.ID)

	tests := []struct {
		name string
		path string
		body map[string]any
		want int
	}{
		{"unknown type", path, map[string]any{"type": "explode"}, http.StatusBadRequest},
		{"device command without miner", path, map[string]any{"type": "restart"}, http.StatusBadRequest},
		{"unknown miner", path, map[string]any{"type": "restart", "miner_id": 999}, http.StatusNotFound},
		{"unknown agent", "/api/agents/999/commands", map[string]any{"type": "rescan"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, gw.Handler(), http.MethodPost, tt.path, tt.body, "")
			assert.Equal(t, tt.want, resp.Code, resp.Body.String())
		})
	}
}

func TestAgentScan_Offline(t *testing.T) {
	gw, ms := newTestGateway(t)
	_, rec, _ := seedAgent(t, ms, "tok-scan-off")

	resp := doJSON(t, gw.Handler(), http.MethodPost, fmt.Sprintf("/api/agents/%d/scan", rec.ID), nil, "")
	require.Equal(t, http.StatusAccepted, resp.Code)
	result := decode[command.Result](t, resp)
	assert.Equal(t, command.StatusQueued, result.Status)
	assert.Equal(t, command.MessageScanOffline, result.Message)
}

func TestMinerRealtime_PointsAtCommand(t *testing.T) {
	gw, ms := newTestGateway(t)
	_, _, miner := seedAgent(t, ms, "tok-rt")

	resp := doJSON(t, gw.Handler(), http.MethodGet, fmt.Sprintf("/api/miners/%d/realtime", miner.ID), nil, "")
	require.Equal(t, http.StatusAccepted, resp.Code)
	result := decode[command.Result](t, resp)
	assert.Equal(t, fmt.Sprintf("Poll /api/commands/%d for result", result.CommandID), result.Message)

	resp = doJSON(t, gw.Handler(), http.MethodGet, fmt.Sprintf("/api/commands/%d", result.CommandID), nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	cmd := decode[CommandResponse](t, resp)
	assert.Equal(t, store.CommandGetRealtime, cmd.Type)
	assert.Equal(t, store.StatusPending, cmd.Status)
}

func TestRegisterMiners(t *testing.T) {
	gw, ms := newTestGateway(t)
	_, rec, _ := seedAgent(t, ms, "tok-register")

	body := []map[string]string{
		{"mac": "AA:BB:CC:00:00:02", "ip": "10.0.0.8", "model": "M50"},
		{"mac": "", "ip": "10.0.0.9"},
	}
	resp := doJSON(t, gw.Handler(), http.MethodPost, fmt.Sprintf("/api/agents/%d/miners/register", rec.ID), body, "")
	require.Equal(t, http.StatusOK, resp.Code)
	got := decode[[]MinerResponse](t, resp)
	require.Len(t, got, 1)
	assert.Equal(t, "M50", got[0].Model)
	assert.NotNil(t, got[0].AddedByScanAt)

	all, err := ms.ListMiners(context.Background(), store.MinerFilter{AgentID: rec.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestListAgentCommands_StatusFilter(t *testing.T) {
	gw, ms := newTestGateway(t)
	_, rec, miner := seedAgent(t, ms, "tok-list")
	ctx := context.Background()

	mid := miner.ID
	for _, typ := range []store.CommandType{store.CommandRestart, store.CommandPowerOff} {
		require.NoError(t, ms.CreateCommand(ctx, &store.Command{AgentID: rec.ID, MinerID: &mid, Type: typ}))
	}
	cmds, err := ms.ListCommands(ctx, store.CommandFilter{AgentID: rec.ID})
	require.NoError(t, err)
	require.NoError(t, ms.TransitionCommand(ctx, cmds[0].ID, store.StatusCompleted, json.RawMessage(`{}`)))

	path := fmt.Sprintf("/api/agents/%d/commands", rec.ID)
	resp := doJSON(t, gw.Handler(), http.MethodGet, path+"?status=pending", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	pending := decode[[]CommandResponse](t, resp)
	require.Len(t, pending, 1)
	assert.Equal(t, store.CommandPowerOff, pending[0].Type)

	resp = doJSON(t, gw.Handler(), http.MethodGet, path+"?status=exploded", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doJSON(t, gw.Handler(), http.MethodGet, "/api/commands/999", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestAgentMe(t *testing.T) {
	gw, ms := newTestGateway(t)
	farm, rec, _ := seedAgent(t, ms, "tok-me")

	resp := doJSON(t, gw.Handler(), http.MethodGet, "/agents/me?token=tok-me", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	got := decode[AgentIdentityResponse](t, resp)
	assert.Equal(t, AgentIdentityResponse{AgentID: rec.ID, FarmID: farm.ID, FarmName: farm.Name}, got)

	resp = doJSON(t, gw.Handler(), http.MethodGet, "/agents/me?token=nope", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "Invalid token", errorMessage(t, resp))
}

func createUser(t *testing.T, ms *store.MockStore, email, password string, role store.Role) *store.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	u := &store.User{Email: email, PasswordHash: hash, Role: role}
	require.NoError(t, ms.CreateUser(context.Background(), u))
	return u
}

func login(t *testing.T, h http.Handler, email, password string) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/auth/login", LoginRequest{Email: email, Password: password}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[LoginResponse](t, rec)
	assert.Equal(t, "bearer", resp.TokenType)
	return resp.AccessToken
}

func TestAuth_ProtectsAPI(t *testing.T) {
	gw, ms := newTestGateway(t, withAuth)
	h := gw.Handler()
	createUser(t, ms, "ops@example.com", "s3cret", store.RoleOperator)

	rec := doJSON(t, h, http.MethodGet, "/api/farms", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/auth/login", LoginRequest{Email: "ops@example.com", Password: "wrong"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := login(t, h, "OPS@example.com", "s3cret")

	rec = doJSON(t, h, http.MethodGet, "/api/farms", nil, token)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/auth/me", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[map[string]any](t, rec)
	assert.Equal(t, "ops@example.com", me["email"])

	rec = doJSON(t, h, http.MethodGet, "/api/users", nil, token)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Agent endpoints authenticate by agent token, not JWT
	rec = doJSON(t, h, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_AdminManagesUsers(t *testing.T) {
	gw, ms := newTestGateway(t, withAuth)
	h := gw.Handler()
	createUser(t, ms, "root@example.com", "rootpw", store.RoleAdmin)
	token := login(t, h, "root@example.com", "rootpw")

	rec := doJSON(t, h, http.MethodPost, "/api/users", map[string]string{
		"email":    "New@Example.com",
		"password": "pw",
	}, token)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[UserResponse](t, rec)
	assert.Equal(t, "new@example.com", created.Email)
	assert.Equal(t, store.RoleOperator, created.Role)

	rec = doJSON(t, h, http.MethodPost, "/api/users", map[string]string{
		"email":    "new@example.com",
		"password": "pw",
	}, token)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/users", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]UserResponse](t, rec), 2)
}

func TestLogin_DisabledWithoutSecret(t *testing.T) {
	gw, _ := newTestGateway(t)

	rec := doJSON(t, gw.Handler(), http.MethodPost, "/api/auth/login", LoginRequest{Email: "a@b.c", Password: "x"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestID_Echoed(t *testing.T) {
	gw, _ := newTestGateway(t)

	rec := doJSON(t, gw.Handler(), http.MethodGet, "/api/farms", nil, "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/api/farms", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	out := httptest.NewRecorder()
	gw.Handler().ServeHTTP(out, req)
	assert.Equal(t, "abc-123", out.Header().Get("X-Request-ID"))
}
