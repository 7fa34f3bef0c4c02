// Package agent manages live WebSocket connections from field agents.
//
// # Manager
//
// The Manager is the process-wide registry of connected agents and the table
// of outstanding waits:
//
//	mgr := agent.NewManager(logger)
//
//   - Register(conn): make conn the agent's live connection (last writer wins)
//   - Unregister(conn): remove conn only if it is still the registered one
//   - Lookup(id), IsOnline(id), ListOnline(), Send(id, frame)
//   - BeginWait(conn, commandID), ResolveWait(agentID, commandID, reply)
//   - Shutdown(ctx): cancel all waits, then close all connections
//
// # Waits
//
// A Wait turns a pushed rescan into a synchronous reply. Each agent has at
// most one outstanding Wait; a second BeginWait fails with ErrWaitInProgress.
// A Wait is bound to the Connection the command was pushed on, and tearing
// down that connection resolves it with ErrWaitCancelled. A stale session
// cannot cancel a wait that belongs to a newer connection.
//
// # Session
//
// A Session owns one upgraded socket and moves through
// connecting, authenticating, active, closing and closed. Failed
// authentication closes with code 4001 and never touches the registry.
// While active, one goroutine reads and dispatches frames, one writes, and
// one watches for silence: after IdleTimeout without a frame the session
// sends {"type":"ping"}, and if nothing arrives within PingGrace it closes
// with code 4002. Malformed frames are dropped; a peer exceeding
// MalformedPerMinute is closed with 1008.
package agent
