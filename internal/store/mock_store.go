// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// It enforces the same uniqueness and transition rules as SQLiteStore.
type MockStore struct {
	mu       sync.RWMutex
	nextID   int64
	farms    map[int64]*Farm
	agents   map[int64]*Agent
	miners   map[int64]*Miner
	commands map[int64]*Command
	users    map[int64]*User

	// PingErr, when set, is returned by Ping
	PingErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		farms:    make(map[int64]*Farm),
		agents:   make(map[int64]*Agent),
		miners:   make(map[int64]*Miner),
		commands: make(map[int64]*Command),
		users:    make(map[int64]*User),
	}
}

func (m *MockStore) id() int64 {
	m.nextID++
	return m.nextID
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// CreateFarm stores a new farm.
func (m *MockStore) CreateFarm(ctx context.Context, farm *Farm) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	farm.ID = m.id()
	if farm.CreatedAt.IsZero() {
		farm.CreatedAt = now()
	}
	f := *farm
	m.farms[f.ID] = &f
	return nil
}

// GetFarm retrieves a farm by ID.
func (m *MockStore) GetFarm(ctx context.Context, id int64) (*Farm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.farms[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *f
	return &result, nil
}

// ListFarms returns all farms ordered by ID.
func (m *MockStore) ListFarms(ctx context.Context) ([]*Farm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Farm
	for id := int64(1); id <= m.nextID; id++ {
		if f, ok := m.farms[id]; ok {
			c := *f
			out = append(out, &c)
		}
	}
	return out, nil
}

// UpdateFarm renames a farm.
func (m *MockStore) UpdateFarm(ctx context.Context, farm *Farm) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.farms[farm.ID]
	if !ok {
		return ErrNotFound
	}
	f.Name = farm.Name
	return nil
}

// DeleteFarm removes a farm and everything beneath it.
func (m *MockStore) DeleteFarm(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.farms[id]; !ok {
		return ErrNotFound
	}
	delete(m.farms, id)
	for aid, a := range m.agents {
		if a.FarmID != id {
			continue
		}
		delete(m.agents, aid)
		for mid, mn := range m.miners {
			if mn.AgentID == aid {
				delete(m.miners, mid)
			}
		}
		for cid, c := range m.commands {
			if c.AgentID == aid {
				delete(m.commands, cid)
			}
		}
	}
	return nil
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.farms[agent.FarmID]; !ok {
		return ErrNotFound
	}
	for _, a := range m.agents {
		if a.FarmID == agent.FarmID || a.Token == agent.Token {
			return ErrDuplicate
		}
	}

	agent.ID = m.id()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now()
	}
	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// GetAgentByToken retrieves an agent by token.
func (m *MockStore) GetAgentByToken(ctx context.Context, token string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if token == "" {
		return nil, ErrNotFound
	}
	for _, a := range m.agents {
		if a.Token == token {
			result := *a
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// ListAgents returns agents ordered by ID, optionally for one farm.
func (m *MockStore) ListAgents(ctx context.Context, farmID int64) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Agent
	for id := int64(1); id <= m.nextID; id++ {
		a, ok := m.agents[id]
		if !ok || (farmID != 0 && a.FarmID != farmID) {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

// TouchAgent records the agent's last contact time.
func (m *MockStore) TouchAgent(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC().Truncate(time.Second)
	a.LastSeen = &t
	return nil
}

// UpsertMiner records a sighting by MAC.
func (m *MockStore) UpsertMiner(ctx context.Context, agentID int64, mac, ip, model string) (*Miner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mac = strings.TrimSpace(mac)
	if mac == "" {
		return nil, fmt.Errorf("upserting miner: empty mac")
	}
	if _, ok := m.agents[agentID]; !ok {
		return nil, ErrNotFound
	}

	for _, mn := range m.miners {
		if mn.MAC != mac {
			continue
		}
		mn.AgentID = agentID
		if ip != "" {
			mn.IP = ip
		}
		if model != "" {
			mn.Model = model
		}
		result := *mn
		return &result, nil
	}

	t := now()
	mn := &Miner{ID: m.id(), AgentID: agentID, MAC: mac, IP: ip, Model: model, AddedByScanAt: &t, CreatedAt: t}
	m.miners[mn.ID] = mn
	result := *mn
	return &result, nil
}

// GetMiner retrieves a miner by ID.
func (m *MockStore) GetMiner(ctx context.Context, id int64) (*Miner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mn, ok := m.miners[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *mn
	return &result, nil
}

// GetMinerByMAC retrieves a miner by hardware address.
func (m *MockStore) GetMinerByMAC(ctx context.Context, mac string) (*Miner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mac = strings.TrimSpace(mac)
	for _, mn := range m.miners {
		if mn.MAC == mac {
			result := *mn
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// ListMiners returns miners ordered by ID.
func (m *MockStore) ListMiners(ctx context.Context, filter MinerFilter) ([]*Miner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Miner
	for id := int64(1); id <= m.nextID; id++ {
		mn, ok := m.miners[id]
		if !ok {
			continue
		}
		if filter.AgentID != 0 && mn.AgentID != filter.AgentID {
			continue
		}
		if filter.FarmID != 0 {
			a, ok := m.agents[mn.AgentID]
			if !ok || a.FarmID != filter.FarmID {
				continue
			}
		}
		c := *mn
		out = append(out, &c)
	}
	return out, nil
}

// UpdateMiner saves the editable fields of a miner.
func (m *MockStore) UpdateMiner(ctx context.Context, miner *Miner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mn, ok := m.miners[miner.ID]
	if !ok {
		return ErrNotFound
	}
	mn.IP = miner.IP
	mn.Model = miner.Model
	mn.Worker1 = miner.Worker1
	mn.Worker2 = miner.Worker2
	mn.Worker3 = miner.Worker3
	mn.PasswordEncrypted = miner.PasswordEncrypted
	return nil
}

func copyCommand(c *Command) *Command {
	out := *c
	if c.MinerID != nil {
		id := *c.MinerID
		out.MinerID = &id
	}
	if c.Params != nil {
		out.Params = make(map[string]any, len(c.Params))
		for k, v := range c.Params {
			out.Params[k] = v
		}
	}
	if c.Result != nil {
		out.Result = append(json.RawMessage(nil), c.Result...)
	}
	return &out
}

// CreateCommand stores a new command record.
func (m *MockStore) CreateCommand(ctx context.Context, cmd *Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[cmd.AgentID]; !ok {
		return fmt.Errorf("inserting command: %w", ErrNotFound)
	}
	if cmd.Status == "" {
		cmd.Status = StatusPending
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now()
	}
	if cmd.Params == nil {
		cmd.Params = map[string]any{}
	}
	cmd.UpdatedAt = cmd.CreatedAt
	cmd.ID = m.id()
	m.commands[cmd.ID] = copyCommand(cmd)
	return nil
}

// GetCommand retrieves a command by ID.
func (m *MockStore) GetCommand(ctx context.Context, id int64) (*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCommand(c), nil
}

// ListCommands returns commands in creation order.
func (m *MockStore) ListCommands(ctx context.Context, filter CommandFilter) ([]*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Command
	for id := int64(1); id <= m.nextID; id++ {
		c, ok := m.commands[id]
		if !ok {
			continue
		}
		if filter.AgentID != 0 && c.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, copyCommand(c))
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// TransitionCommand applies a status change under the same rules as SQLiteStore.
func (m *MockStore) TransitionCommand(ctx context.Context, id int64, to CommandStatus, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.commands[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, c.Status, to)
	}
	c.Status = to
	if result != nil {
		c.Result = append(json.RawMessage(nil), result...)
	}
	c.UpdatedAt = now()
	return nil
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user.Email = normalizeEmail(user.Email)
	for _, u := range m.users {
		if u.Email == user.Email {
			return ErrDuplicate
		}
	}
	if user.Role == "" {
		user.Role = RoleOperator
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now()
	}
	user.ID = m.id()
	u := *user
	m.users[u.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// GetUserByEmail retrieves a user by email.
func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	email = normalizeEmail(email)
	for _, u := range m.users {
		if u.Email == email {
			result := *u
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// ListUsers returns all users ordered by ID.
func (m *MockStore) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*User
	for id := int64(1); id <= m.nextID; id++ {
		if u, ok := m.users[id]; ok {
			c := *u
			out = append(out, &c)
		}
	}
	return out, nil
}

// CountUsers returns the number of users.
func (m *MockStore) CountUsers(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PingErr
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time check that MockStore implements Store
var _ Store = (*MockStore)(nil)
