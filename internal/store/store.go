// ABOUTME: Store interface and data types for miner-gateway persistence
// ABOUTME: Defines Farm, Agent, Miner, Command and User records and the command status rules

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint would be violated
var ErrDuplicate = errors.New("already exists")

// ErrInvalidTransition is returned when a command status change is not allowed
var ErrInvalidTransition = errors.New("invalid status transition")

// Farm is a site that owns exactly one agent
type Farm struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// Agent is a registered field agent. Token is its connection credential.
type Agent struct {
	ID        int64
	FarmID    int64
	Token     string
	Name      string
	CreatedAt time.Time
	LastSeen  *time.Time
}

// Miner is a device reachable through an agent, keyed globally by MAC
type Miner struct {
	ID                int64
	AgentID           int64
	MAC               string
	IP                string
	Model             string
	Worker1           string
	Worker2           string
	Worker3           string
	PasswordEncrypted string
	AddedByScanAt     *time.Time
	CreatedAt         time.Time
}

// MinerFilter narrows ListMiners. Zero fields match everything.
type MinerFilter struct {
	FarmID  int64
	AgentID int64
}

// CommandType names an operator-issued action
type CommandType string

// Command types
const (
	CommandRescan       CommandType = "rescan"
	CommandRestart      CommandType = "restart"
	CommandPowerOff     CommandType = "power_off"
	CommandPowerOn      CommandType = "power_on"
	CommandUpdateWorker CommandType = "update_worker"
	CommandGetRealtime  CommandType = "get_realtime"
)

// Valid reports whether t is a known command type
func (t CommandType) Valid() bool {
	switch t {
	case CommandRescan, CommandRestart, CommandPowerOff, CommandPowerOn, CommandUpdateWorker, CommandGetRealtime:
		return true
	}
	return false
}

// CommandStatus is the lifecycle state of a command record
type CommandStatus string

// Command statuses
const (
	StatusPending   CommandStatus = "pending"
	StatusRunning   CommandStatus = "running"
	StatusCompleted CommandStatus = "completed"
	StatusFailed    CommandStatus = "failed"
	StatusCancelled CommandStatus = "cancelled"
)

// Valid reports whether s is a known status
func (s CommandStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from s
func (s CommandStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var transitions = map[CommandStatus][]CommandStatus{
	StatusPending: {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a command may move from one status to another.
// Statuses only move forward; terminal statuses are final.
func CanTransition(from, to CommandStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesFor returns every status that may transition to to.
func sourcesFor(to CommandStatus) []CommandStatus {
	var out []CommandStatus
	for _, from := range []CommandStatus{StatusPending, StatusRunning} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Command is the durable record of an issued command.
// Params never contains a device password.
type Command struct {
	ID        int64
	AgentID   int64
	MinerID   *int64
	Type      CommandType
	Params    map[string]any
	Status    CommandStatus
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CommandFilter narrows ListCommands. Zero fields match everything.
type CommandFilter struct {
	AgentID int64
	Status  CommandStatus
	Limit   int
}

// Role is an operator permission level
type Role string

// Roles
const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleOperator
}

// User is an operator account. Email is stored lowercased.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// Store defines the persistence operations used by the gateway
type Store interface {
	// Farms
	CreateFarm(ctx context.Context, farm *Farm) error
	GetFarm(ctx context.Context, id int64) (*Farm, error)
	ListFarms(ctx context.Context) ([]*Farm, error)
	UpdateFarm(ctx context.Context, farm *Farm) error
	DeleteFarm(ctx context.Context, id int64) error

	// Agents (one per farm)
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id int64) (*Agent, error)
	GetAgentByToken(ctx context.Context, token string) (*Agent, error)
	ListAgents(ctx context.Context, farmID int64) ([]*Agent, error)
	TouchAgent(ctx context.Context, id int64, at time.Time) error

	// Miners
	UpsertMiner(ctx context.Context, agentID int64, mac, ip, model string) (*Miner, error)
	GetMiner(ctx context.Context, id int64) (*Miner, error)
	GetMinerByMAC(ctx context.Context, mac string) (*Miner, error)
	ListMiners(ctx context.Context, filter MinerFilter) ([]*Miner, error)
	UpdateMiner(ctx context.Context, miner *Miner) error

	// Commands
	CreateCommand(ctx context.Context, cmd *Command) error
	GetCommand(ctx context.Context, id int64) (*Command, error)
	ListCommands(ctx context.Context, filter CommandFilter) ([]*Command, error)
	TransitionCommand(ctx context.Context, id int64, to CommandStatus, result json.RawMessage) error

	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	CountUsers(ctx context.Context) (int, error)

	// Ping verifies the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
