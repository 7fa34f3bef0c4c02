// ABOUTME: Operator HTTP API for farms, agents, miners, commands and users
// ABOUTME: JSON in and out, guarded by JWT bearer auth when a secret is configured

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/miner-gateway/internal/auth"
	"github.com/2389/miner-gateway/internal/command"
	"github.com/2389/miner-gateway/internal/protocol"
	"github.com/2389/miner-gateway/internal/store"
)

// maxRequestBody bounds operator request bodies
const maxRequestBody = 1 << 20

// FarmResponse is the JSON form of a farm.
type FarmResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentResponse is the JSON form of an agent. Miners is only filled on detail lookups.
type AgentResponse struct {
	ID        int64           `json:"id"`
	FarmID    int64           `json:"farm_id"`
	Name      string          `json:"name"`
	Online    bool            `json:"online"`
	LastSeen  *time.Time      `json:"last_seen,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Miners    []MinerResponse `json:"miners,omitempty"`
}

// CreatedAgentResponse carries the connection token, which is only shown once.
type CreatedAgentResponse struct {
	AgentResponse
	Token string `json:"token"`
}

// MinerResponse is the JSON form of a miner. The password itself never leaves the gateway.
type MinerResponse struct {
	ID            int64      `json:"id"`
	AgentID       int64      `json:"agent_id"`
	MAC           string     `json:"mac"`
	IP            string     `json:"ip"`
	Model         string     `json:"model"`
	Worker1       string     `json:"worker1"`
	Worker2       string     `json:"worker2"`
	Worker3       string     `json:"worker3"`
	HasPassword   bool       `json:"has_password"`
	WebUIURL      string     `json:"web_ui_url,omitempty"`
	AddedByScanAt *time.Time `json:"added_by_scan_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// CommandResponse is the JSON form of a command record.
type CommandResponse struct {
	ID        int64               `json:"id"`
	AgentID   int64               `json:"agent_id"`
	MinerID   *int64              `json:"miner_id,omitempty"`
	Type      store.CommandType   `json:"type"`
	Params    map[string]any      `json:"params"`
	Status    store.CommandStatus `json:"status"`
	Result    json.RawMessage     `json:"result,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// UserResponse is the JSON form of an operator account.
type UserResponse struct {
	ID        int64      `json:"id"`
	Email     string     `json:"email"`
	Role      store.Role `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
}

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse carries a bearer token for the operator API.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// CommandRequest is the body of POST /api/agents/{id}/commands.
type CommandRequest struct {
	Type    store.CommandType `json:"type"`
	MinerID *int64            `json:"miner_id"`
	Params  map[string]any    `json:"params"`
}

// MinerUpdateRequest is the body of PATCH /api/miners/{id}. Nil fields are left alone.
type MinerUpdateRequest struct {
	Worker1  *string `json:"worker1"`
	Worker2  *string `json:"worker2"`
	Worker3  *string `json:"worker3"`
	Password *string `json:"password"`
}

// registerAPIRoutes mounts the operator API on mux.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/auth/login", g.withRequestID(http.HandlerFunc(g.handleLogin)))
	mux.Handle("GET /api/auth/me", g.protect(g.handleMe))

	mux.Handle("GET /api/users", g.adminOnly(g.handleListUsers))
	mux.Handle("POST /api/users", g.adminOnly(g.handleCreateUser))

	mux.Handle("GET /api/farms", g.protect(g.handleListFarms))
	mux.Handle("POST /api/farms", g.protect(g.handleCreateFarm))
	mux.Handle("GET /api/farms/{id}", g.protect(g.handleGetFarm))
	mux.Handle("PATCH /api/farms/{id}", g.protect(g.handleUpdateFarm))
	mux.Handle("DELETE /api/farms/{id}", g.protect(g.handleDeleteFarm))
	mux.Handle("POST /api/farms/{id}/agents", g.protect(g.handleCreateAgent))

	mux.Handle("GET /api/agents", g.protect(g.handleListAgents))
	mux.Handle("GET /api/agents/{id}", g.protect(g.handleGetAgent))
	mux.Handle("POST /api/agents/{id}/commands", g.protect(g.handleAgentCommand))
	mux.Handle("POST /api/agents/{id}/scan", g.protect(g.handleAgentScan))
	mux.Handle("GET /api/agents/{id}/commands", g.protect(g.handleListAgentCommands))
	mux.Handle("POST /api/agents/{id}/miners/register", g.protect(g.handleRegisterMiners))

	mux.Handle("GET /api/miners", g.protect(g.handleListMiners))
	mux.Handle("GET /api/miners/{id}", g.protect(g.handleGetMiner))
	mux.Handle("PATCH /api/miners/{id}", g.protect(g.handleUpdateMiner))
	mux.Handle("POST /api/miners/{id}/{action}", g.protect(g.handleMinerAction))
	mux.Handle("GET /api/miners/{id}/realtime", g.protect(g.handleMinerRealtime))

	mux.Handle("GET /api/commands/{id}", g.protect(g.handleGetCommand))
}

// withRequestID tags each request with an id echoed in X-Request-ID.
func (g *Gateway) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		g.logger.Debug("api request", "method", r.Method, "path", r.URL.Path, "request_id", id)
		next.ServeHTTP(w, r)
	})
}

// protect applies JWT auth when it is enabled.
func (g *Gateway) protect(h http.HandlerFunc) http.Handler {
	var next http.Handler = h
	if g.jwtVerifier != nil {
		next = auth.HTTPAuthMiddleware(g.store, g.jwtVerifier)(next)
	}
	return g.withRequestID(next)
}

// adminOnly additionally requires the admin role when auth is enabled.
func (g *Gateway) adminOnly(h http.HandlerFunc) http.Handler {
	if g.jwtVerifier == nil {
		return g.protect(h)
	}
	return g.protect(auth.RequireAdminHTTP()(h).ServeHTTP)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendError maps domain errors onto HTTP statuses.
func (g *Gateway) sendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, command.ErrScanInProgress):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, command.ErrInvalidCommandType),
		errors.Is(err, command.ErrMinerRequired),
		errors.Is(err, command.ErrMinerNotOnAgent):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("api request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody reads a JSON body into dst, replying 400 on failure.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// decodeOptionalBody is decodeBody for endpoints whose body may be absent.
// An empty body of any transfer encoding leaves dst untouched.
func (g *Gateway) decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// pathID parses the {id} path value, replying 400 on failure.
func (g *Gateway) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		g.sendJSONError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// queryID parses an optional positive integer query parameter. Absent means 0.
func queryID(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

// ---- auth ----

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	if g.jwtVerifier == nil {
		g.sendJSONError(w, http.StatusNotFound, "operator auth is disabled")
		return
	}
	var req LoginRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	user, err := auth.Login(r.Context(), g.store, req.Email, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		g.sendJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		g.sendError(w, err)
		return
	}

	token, err := g.jwtVerifier.Generate(auth.UserSubject(user.ID), g.config.Auth.TokenTTL)
	if err != nil {
		g.sendError(w, fmt.Errorf("signing token: %w", err))
		return
	}
	g.logger.Info("operator logged in", "user_id", user.ID)
	g.sendJSON(w, http.StatusOK, LoginResponse{AccessToken: token, TokenType: "bearer"})
}

func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		g.sendJSONError(w, http.StatusNotFound, "operator auth is disabled")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{
		"id":    authCtx.UserID,
		"email": authCtx.Email,
		"role":  authCtx.Role,
	})
}

// ---- users ----

func toUserResponse(u *store.User) UserResponse {
	return UserResponse{ID: u.ID, Email: u.Email, Role: u.Role, CreatedAt: u.CreatedAt}
}

func (g *Gateway) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := g.store.ListUsers(r.Context())
	if err != nil {
		g.sendError(w, err)
		return
	}
	out := make([]UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	g.sendJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string     `json:"email"`
		Password string     `json:"password"`
		Role     store.Role `json:"role"`
	}
	if !g.decodeBody(w, r, &req) {
		return
	}
	if req.Role == "" {
		req.Role = store.RoleOperator
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" || !req.Role.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, "email, password and a valid role are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		g.sendError(w, err)
		return
	}
	user := &store.User{Email: req.Email, PasswordHash: hash, Role: req.Role}
	if err := g.store.CreateUser(r.Context(), user); err != nil {
		g.sendError(w, err)
		return
	}
	g.logger.Info("user created", "user_id", user.ID, "role", user.Role)
	g.sendJSON(w, http.StatusCreated, toUserResponse(user))
}

// ---- farms ----

func toFarmResponse(f *store.Farm) FarmResponse {
	return FarmResponse{ID: f.ID, Name: f.Name, CreatedAt: f.CreatedAt}
}

func (g *Gateway) handleListFarms(w http.ResponseWriter, r *http.Request) {
	farms, err := g.store.ListFarms(r.Context())
	if err != nil {
		g.sendError(w, err)
		return
	}
	out := make([]FarmResponse, 0, len(farms))
	for _, f := range farms {
		out = append(out, toFarmResponse(f))
	}
	g.sendJSON(w, http.StatusOK, out)
}

type farmRequest struct {
	Name string `json:"name"`
}

func (g *Gateway) handleCreateFarm(w http.ResponseWriter, r *http.Request) {
	var req farmRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	farm := &store.Farm{Name: req.Name}
	if err := g.store.CreateFarm(r.Context(), farm); err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, toFarmResponse(farm))
}

func (g *Gateway) handleGetFarm(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathID(w, r)
	if !ok {
		return
	}
	farm, err := g.store.GetFarm(r.Context(), id)
	if err != nil {
		g.sendError(w, fmt.Errorf("farm %d: %w", id, err))
		return
	}
	g.sendJSON(w, http.StatusOK, toFarmResponse(farm))
}

func (g *Gateway) handleUpdateFarm(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathID(w, r)
	if !ok {
		return
	}
	var req farmRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	farm := &store.Farm{ID: id, Name: req.Name}
	if err := g.store.UpdateFarm(r.Context(), farm); err != nil {
		g.sendError(w, fmt.Errorf("farm %d: %w", id, err))
		return
	}
	updated, err := g.store.GetFarm(r.Context(), id)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toFarmResponse(updated))
}

func (g *Gateway) handleDeleteFarm(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathID(w, r)
	if !ok {
		return
	}
	if err := g.store.DeleteFarm(r.Context(), id); err != nil {
		g.sendError(w, fmt.Errorf("farm %d: %w", id, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	farmID, ok := g.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !g.decodeOptionalBody(w, r, &req) {
		return
	}

	if _, err := g.store.GetFarm(r.Context(), farmID); err != nil {
		g.sendError(w, fmt.Errorf("farm %d: %w", farmID, err))
		return
	}
	existing, err := g.store.ListAgents(r.Context(), farmID)
	if err != nil {
		g.sendError(w, err)
		return
	}
	if len(existing) > 0 {
		g.sendJSONError(w, http.StatusConflict,
			fmt.Sprintf("Farm already has an agent (id=%d). One agent per farm.", existing[0].ID))
		return
	}

	token, err := auth.GenerateAgentToken()
	if err != nil {
		g.sendError(w, err)
		return
	}
	rec := &store.Agent{FarmID: farmID, Name: strings.TrimSpace(req.Name), Token: token}
	if err := g.store.CreateAgent(r.Context(), rec); err != nil {
		g.sendError(w, err)
		return
	}

	g.logger.Info("agent registered", "agent_id", rec.ID, "farm_id", farmID)
	g.sendJSON(w, http.StatusCreated, CreatedAgentResponse{
		AgentResponse: g.toAgentResponse(rec),
		Token:         token,
	})
}

// ---- agents ----

func (g *Gateway) toAgentResponse(a *store.Agent) AgentResponse {
	return AgentResponse{
		ID:        a.ID,
		FarmID:    a.FarmID,
		Name:      a.Name,
		Online:    g.agentManager.IsOnline(a.ID),
		LastSeen:  a.LastSeen,
		CreatedAt: a.CreatedAt,
	}
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	farmID, err := queryID(r, "farm_id")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	agents, err := g.store.ListAgents(r.Context(), farmID)
	if err != nil {
		g.sendError(w, err)
		return
	}
	out := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, g.toAgentResponse(a))
	}
	g.sendJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathID(w, r)
	if !ok {
		return
	}
	rec, err := g.store.GetAgent(r.Context(), id)
	if err != nil {
		g.sendError(w, fmt.Errorf("agent %d: %w", id, err))
		return
	}
	miners, err := g.store.ListMiners(r.Context(), store.MinerFilter{AgentID: id})
	if err != nil {
		g.sendError(w, err)
		return
	}

	resp := g.toAgentResponse(rec)
	resp.Miners = make([]MinerResponse, 0, len(miners))
	for _, m := range miners {
		resp.Miners = append(resp.Miners, toMinerResponse(m))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// sendDispatch runs a command and writes its outcome. Queued outcomes are 202.
func (g *Gateway) sendDispatch(w http.ResponseWriter, r *http.Request, req command.Request) {
	result, err := g.commands.Dispatch(r.Context(), req)
	if err != nil {
		g.sendError(w, err)
		return
	}
	status := http.StatusAccepted
	if result.Status == command.StatusCompleted {
		status = http.StatusOK
	}
	g.sendJSON(w, status, result)
}

func (g *Gateway) handleAgentCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathID(w, r)
	if !ok {
		return
	}
	var req CommandRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	g.sendDispatch(w, r, command.Request{
		AgentID: id,
		MinerID: req.MinerID,
		Type:    req.Type,
		Params:  req.Params,
	})
}

func (g *Gateway) handleAgentScan(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathID(w, r)
	if !ok {
		return
	}
	g.sendDispatch(w, r, command.Request{AgentID: id, Type: store.CommandRescan})
}

func (g *Gateway) handleListAgentCommands(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathID(w, r)
	if !ok {
		return
	}
	filter := store.CommandFilter{AgentID: id, Status: store.CommandStatus(r.URL.Query().Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, "invalid status")
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	if _, err := g.store.GetAgent(r.Context(), id); err != nil {
		g.sendError(w, fmt.Errorf("agent %d: %w", id, err))
		return
	}
	cmds, err := g.store.ListCommands(r.Context(), filter)
	if err != nil {
		g.sendError(w, err)
		return
	}
	out := make([]CommandResponse, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, toCommandResponse(c))
	}
	g.sendJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleRegisterMiners(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathID(w, r)
	if !ok {
		return
	}
	var items []protocol.MinerInfo
	if !g.decodeBody(w, r, &items) {
		return
	}
	if _, err := g.store.GetAgent(r.Context(), id); err != nil {
		g.sendError(w, fmt.Errorf("agent %d: %w", id, err))
		return
	}

	out := make([]MinerResponse, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.MAC) == "" {
			continue
		}
		m, err := g.store.UpsertMiner(r.Context(), id, item.MAC, item.IP, item.Model)
		if err != nil {
			g.sendError(w, err)
			return
		}
		out = append(out, toMinerResponse(m))
	}
	g.sendJSON(w, http.StatusOK, out)
}

// ---- miners ----

func toMinerResponse(m *store.Miner) MinerResponse {
	resp := MinerResponse{
		ID:            m.ID,
		AgentID:       m.AgentID,
		MAC:           m.MAC,
		IP:            m.IP,
		Model:         m.Model,
		Worker1:       m.Worker1,
		Worker2:       m.Worker2,
		Worker3:       m.Worker3,
		HasPassword:   m.PasswordEncrypted != "",
		AddedByScanAt: m.AddedByScanAt,
		CreatedAt:     m.CreatedAt,
	}
	if m.IP != "" {
		resp.WebUIURL = "http://" + m.IP
	}
	return resp
}

func (g *Gateway) handleListMiners(w http.ResponseWriter, r *http.Request) {
	var filter store.MinerFilter
	var err error
	if filter.FarmID, err = queryID(r, "farm_id"); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.AgentID, err = queryID(r, "agent_id"); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	miners, err := g.store.ListMiners(r.Context(), filter)
	if err != nil {
		g.sendError(w, err)
		return
	}
	out := make([]MinerResponse, 0, len(miners))
	for _, m := range miners {
		out = append(out, toMinerResponse(m))
	}
	g.sendJSON(w, http.StatusOK, out)
}

// loadMiner fetches the {id} miner, replying with an error on failure.
func (g *Gateway) loadMiner(w http.ResponseWriter, r *http.Request) (*store.Miner, bool) {
	id, ok := g.pathID(w, r)
	if !ok {
		return nil, false
	}
	m, err := g.store.GetMiner(r.Context(), id)
	if err != nil {
		g.sendError(w, fmt.Errorf("miner %d: %w", id, err))
		return nil, false
	}
	return m, true
}

func (g *Gateway) handleGetMiner(w http.ResponseWriter, r *http.Request) {
	m, ok := g.loadMiner(w, r)
	if !ok {
		return
	}
	g.sendJSON(w, http.StatusOK, toMinerResponse(m))
}

func (g *Gateway) handleUpdateMiner(w http.ResponseWriter, r *http.Request) {
	m, ok := g.loadMiner(w, r)
	if !ok {
		return
	}
	var req MinerUpdateRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	if req.Worker1 != nil {
		m.Worker1 = strings.TrimSpace(*req.Worker1)
	}
	if req.Worker2 != nil {
		m.Worker2 = strings.TrimSpace(*req.Worker2)
	}
	if req.Worker3 != nil {
		m.Worker3 = strings.TrimSpace(*req.Worker3)
	}
	if req.Password != nil {
		m.PasswordEncrypted = ""
		if *req.Password != "" {
			sealed, err := g.cipher.Encrypt(*req.Password)
			if err != nil {
				g.sendError(w, fmt.Errorf("sealing miner password: %w", err))
				return
			}
			m.PasswordEncrypted = sealed
		}
	}

	if err := g.store.UpdateMiner(r.Context(), m); err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, toMinerResponse(m))
}

// minerActions are the device commands reachable as POST /api/miners/{id}/{action}.
var minerActions = map[string]store.CommandType{
	"restart":       store.CommandRestart,
	"power_off":     store.CommandPowerOff,
	"power_on":      store.CommandPowerOn,
	"update_worker": store.CommandUpdateWorker,
}

func (g *Gateway) handleMinerAction(w http.ResponseWriter, r *http.Request) {
	cmdType, known := minerActions[r.PathValue("action")]
	if !known {
		g.sendJSONError(w, http.StatusNotFound, "unknown miner action")
		return
	}
	m, ok := g.loadMiner(w, r)
	if !ok {
		return
	}

	var params map[string]any
	if !g.decodeOptionalBody(w, r, &params) {
		return
	}
	id := m.ID
	g.sendDispatch(w, r, command.Request{
		AgentID: m.AgentID,
		MinerID: &id,
		Type:    cmdType,
		Params:  params,
	})
}

func (g *Gateway) handleMinerRealtime(w http.ResponseWriter, r *http.Request) {
	m, ok := g.loadMiner(w, r)
	if !ok {
		return
	}
	id := m.ID
	result, err := g.commands.Dispatch(r.Context(), command.Request{
		AgentID: m.AgentID,
		MinerID: &id,
		Type:    store.CommandGetRealtime,
	})
	if err != nil {
		g.sendError(w, err)
		return
	}
	result.Message = fmt.Sprintf("Poll /api/commands/%d for result", result.CommandID)
	g.sendJSON(w, http.StatusAccepted, result)
}

// ---- commands ----

func toCommandResponse(c *store.Command) CommandResponse {
	return CommandResponse{
		ID:        c.ID,
		AgentID:   c.AgentID,
		MinerID:   c.MinerID,
		Type:      c.Type,
		Params:    c.Params,
		Status:    c.Status,
		Result:    c.Result,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func (g *Gateway) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathID(w, r)
	if !ok {
		return
	}
	c, err := g.store.GetCommand(r.Context(), id)
	if err != nil {
		g.sendError(w, fmt.Errorf("command %d: %w", id, err))
		return
	}
	g.sendJSON(w, http.StatusOK, toCommandResponse(c))
}
