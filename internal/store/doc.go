// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Farm: a site; owns at most one Agent
//   - Agent: a field agent and its connection token
//   - Miner: a device reachable through an agent, unique by MAC
//   - Command: the durable record of every issued command
//   - User: an operator account (admin or operator)
//
// # Command Status
//
// Commands start pending and only move forward:
//
//	pending -> running -> completed | failed | cancelled
//	pending -> completed | failed | cancelled
//
// Terminal statuses are final. TransitionCommand enforces this with a
// conditional UPDATE so a late or duplicated result can never overwrite
// a stored one.
//
// # SQLite Configuration
//
// The store uses SQLite (modernc.org/sqlite, no cgo) with WAL mode and
// foreign keys enabled. Deleting a farm cascades to its agent, miners and
// commands.
//
// # Testing
//
// Use NewMockStore() for unit tests in other packages; it applies the same
// uniqueness and transition rules in memory.
package store
