// ABOUTME: Registry of live agent connections plus the pending-reply table.
// ABOUTME: Single source of truth for whether an agent is online and through which socket.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/miner-gateway/internal/protocol"
)

// ErrAgentNotFound indicates the agent has no live connection.
var ErrAgentNotFound = errors.New("agent not found")

// ErrShuttingDown indicates the manager no longer accepts connections.
var ErrShuttingDown = errors.New("agent manager shutting down")

// Manager tracks connected agents and outstanding waits.
// No I/O happens while either lock is held.
type Manager struct {
	mu     sync.RWMutex
	agents map[int64]*Connection

	waitMu sync.Mutex
	waits  map[int64]*Wait

	sessions atomic.Int64
	closed   atomic.Bool
	logger   *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		agents: make(map[int64]*Connection),
		waits:  make(map[int64]*Wait),
		logger: logger,
	}
}

// Register makes conn the live connection for its agent, replacing any prior one.
// The replaced connection is returned so its session can be told to close.
func (m *Manager) Register(conn *Connection) (*Connection, error) {
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	replaced := m.agents[conn.AgentID]
	m.agents[conn.AgentID] = conn
	total := len(m.agents)
	m.mu.Unlock()

	m.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", conn.AgentID,
		"farm_id", conn.FarmID,
		"session_id", conn.SessionID,
		"remote_addr", conn.RemoteAddr,
		"replaced", replaced != nil,
		"total_agents", total,
	)
	return replaced, nil
}

// Unregister removes conn only if it is still the registered connection for its agent,
// then cancels any wait that was bound to conn. Returns whether conn was removed.
func (m *Manager) Unregister(conn *Connection) bool {
	m.mu.Lock()
	current, ok := m.agents[conn.AgentID]
	removed := ok && current == conn
	if removed {
		delete(m.agents, conn.AgentID)
	}
	total := len(m.agents)
	m.mu.Unlock()

	cancelled := m.cancelWaitsFor(conn)

	if removed {
		m.logger.Info("=== AGENT DISCONNECTED ===",
			"agent_id", conn.AgentID,
			"session_id", conn.SessionID,
			"wait_cancelled", cancelled,
			"total_agents", total,
		)
	} else {
		m.logger.Debug("stale session unregistered",
			"agent_id", conn.AgentID,
			"session_id", conn.SessionID,
			"wait_cancelled", cancelled,
		)
	}
	return removed
}

// Lookup returns the live connection for an agent.
func (m *Manager) Lookup(agentID int64) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.agents[agentID]
	return conn, ok
}

// IsOnline reports whether the agent has a live connection.
func (m *Manager) IsOnline(agentID int64) bool {
	_, ok := m.Lookup(agentID)
	return ok
}

// ListOnline returns the live connections ordered by agent id.
func (m *Manager) ListOnline() []*Connection {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.agents))
	for _, c := range m.agents {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].AgentID < conns[j].AgentID })
	return conns
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// Send queues a frame on the agent's live connection.
func (m *Manager) Send(agentID int64, f protocol.Frame) error {
	conn, ok := m.Lookup(agentID)
	if !ok {
		return ErrAgentNotFound
	}
	return conn.Send(f)
}

// Shutdown cancels every outstanding wait, then closes every connection and
// waits for sessions to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	// Set under mu so no Register can slip in after the snapshot below
	m.mu.Lock()
	m.closed.Store(true)
	m.mu.Unlock()

	cancelled := m.cancelAllWaits()
	conns := m.ListOnline()
	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
	m.logger.Info("agent manager shutting down",
		"connections", len(conns),
		"waits_cancelled", cancelled,
	)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for m.sessions.Load() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
