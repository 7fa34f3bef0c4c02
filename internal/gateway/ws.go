// ABOUTME: Agent-facing HTTP endpoints: the WebSocket upgrade and identity lookup
// ABOUTME: Both authenticate with the agent token passed as a query parameter

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/miner-gateway/internal/agent"
	"github.com/2389/miner-gateway/internal/auth"
)

// AgentIdentityResponse is the body of GET /agents/me.
type AgentIdentityResponse struct {
	AgentID  int64  `json:"agent_id"`
	FarmID   int64  `json:"farm_id"`
	FarmName string `json:"farm_name"`
}

func (g *Gateway) sessionConfig() agent.SessionConfig {
	a := g.config.Agents
	return agent.SessionConfig{
		IdleTimeout:        a.IdleTimeout,
		PingGrace:          a.PingGrace,
		WriteTimeout:       a.WriteTimeout,
		MaxMessageBytes:    a.MaxMessageBytes,
		SendBuffer:         a.SendBuffer,
		MalformedPerMinute: a.MalformedPerMinute,
	}
}

// handleAgentWS upgrades GET /agents/ws?token= and serves the session until it ends.
// Authentication happens after the upgrade so failures carry a close code.
func (g *Gateway) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		g.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	sess := agent.NewSession(agent.SessionParams{
		Socket:  ws,
		Token:   r.URL.Query().Get("token"),
		Manager: g.agentManager,
		Auth:    g.agentAuth,
		Handler: g.commands,
		Config:  g.sessionConfig(),
		Logger:  g.logger.With("component", "session"),
	})
	if err := sess.Run(r.Context()); err != nil {
		g.logger.Debug("agent session refused", "session_id", sess.ID(), "error", err)
	}
}

// handleAgentMe returns the farm identity of the agent holding ?token=.
func (g *Gateway) handleAgentMe(w http.ResponseWriter, r *http.Request) {
	rec, err := g.agentAuth.AuthenticateAgent(r.Context(), r.URL.Query().Get("token"))
	if errors.Is(err, auth.ErrInvalidToken) {
		g.sendJSONError(w, http.StatusNotFound, "Invalid token")
		return
	}
	if err != nil {
		g.logger.Error("agent identity lookup failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := AgentIdentityResponse{AgentID: rec.ID, FarmID: rec.FarmID}
	if farm, err := g.store.GetFarm(r.Context(), rec.FarmID); err == nil {
		resp.FarmName = farm.Name
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
