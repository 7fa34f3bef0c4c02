// ABOUTME: Single-resolution waits used to turn a pushed command into a synchronous reply.
// ABOUTME: At most one wait per agent; each wait is bound to the connection it was pushed on.

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/2389/miner-gateway/internal/protocol"
)

var (
	// ErrWaitInProgress indicates the agent already has an outstanding wait.
	ErrWaitInProgress = errors.New("wait already in progress for agent")

	// ErrWaitTimeout indicates no reply arrived within the wait bound.
	ErrWaitTimeout = errors.New("timed out waiting for agent reply")

	// ErrWaitCancelled indicates the wait was abandoned, usually because the connection dropped.
	ErrWaitCancelled = errors.New("wait cancelled")
)

type waitOutcome struct {
	reply *protocol.ScanResult
	err   error
}

// Wait is an outstanding request for one correlated scan_result.
type Wait struct {
	AgentID   int64
	CommandID int64

	conn    *Connection
	manager *Manager
	result  chan waitOutcome
	once    sync.Once
}

func newWait(m *Manager, conn *Connection, commandID int64) *Wait {
	return &Wait{
		AgentID:   conn.AgentID,
		CommandID: commandID,
		conn:      conn,
		manager:   m,
		result:    make(chan waitOutcome, 1),
	}
}

// resolve delivers the outcome exactly once. Later calls are no-ops.
func (w *Wait) resolve(reply *protocol.ScanResult, err error) bool {
	resolved := false
	w.once.Do(func() {
		w.result <- waitOutcome{reply: reply, err: err}
		resolved = true
	})
	return resolved
}

// Await blocks until the wait is resolved, the timeout elapses or ctx is done.
// The entry is always removed from the pending table on return.
func (w *Wait) Await(ctx context.Context, timeout time.Duration) (*protocol.ScanResult, error) {
	defer w.Cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-w.result:
		return out.reply, out.err
	case <-timer.C:
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrWaitCancelled, ctx.Err())
	}
}

// Cancel removes the wait from the pending table and resolves it with ErrWaitCancelled
// unless it was already resolved.
func (w *Wait) Cancel() {
	w.manager.removeWait(w)
	w.resolve(nil, ErrWaitCancelled)
}

// BeginWait registers a wait for commandID's reply on conn.
// A second wait for the same agent is rejected until the first is resolved.
func (m *Manager) BeginWait(conn *Connection, commandID int64) (*Wait, error) {
	m.waitMu.Lock()
	defer m.waitMu.Unlock()

	if m.closed.Load() {
		return nil, ErrConnectionClosed
	}
	if existing, ok := m.waits[conn.AgentID]; ok {
		return nil, fmt.Errorf("%w: agent %d awaiting command %d", ErrWaitInProgress, conn.AgentID, existing.CommandID)
	}

	w := newWait(m, conn, commandID)
	m.waits[conn.AgentID] = w
	return w, nil
}

// ResolveWait completes the agent's wait if it is for commandID.
// Returns false when there is no matching wait.
func (m *Manager) ResolveWait(agentID, commandID int64, reply *protocol.ScanResult) bool {
	m.waitMu.Lock()
	w, ok := m.waits[agentID]
	if !ok || w.CommandID != commandID {
		m.waitMu.Unlock()
		return false
	}
	delete(m.waits, agentID)
	m.waitMu.Unlock()

	return w.resolve(reply, nil)
}

// HasWait reports whether the agent has an outstanding wait.
func (m *Manager) HasWait(agentID int64) bool {
	m.waitMu.Lock()
	defer m.waitMu.Unlock()
	_, ok := m.waits[agentID]
	return ok
}

func (m *Manager) removeWait(w *Wait) {
	m.waitMu.Lock()
	defer m.waitMu.Unlock()
	if m.waits[w.AgentID] == w {
		delete(m.waits, w.AgentID)
	}
}

// cancelWaitsFor cancels the wait bound to conn. A wait pushed on a newer
// connection for the same agent is left alone.
func (m *Manager) cancelWaitsFor(conn *Connection) bool {
	m.waitMu.Lock()
	w, ok := m.waits[conn.AgentID]
	if !ok || w.conn != conn {
		m.waitMu.Unlock()
		return false
	}
	delete(m.waits, conn.AgentID)
	m.waitMu.Unlock()

	return w.resolve(nil, ErrWaitCancelled)
}

func (m *Manager) cancelAllWaits() int {
	m.waitMu.Lock()
	waits := make([]*Wait, 0, len(m.waits))
	for id, w := range m.waits {
		waits = append(waits, w)
		delete(m.waits, id)
	}
	m.waitMu.Unlock()

	for _, w := range waits {
		w.resolve(nil, ErrWaitCancelled)
	}
	return len(waits)
}
