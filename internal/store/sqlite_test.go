// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers farms, agents, miner upserts, command transitions and users

package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

// seedAgent creates a farm with one agent and returns the agent
func seedAgent(t *testing.T, s Store, token string) *Agent {
	t.Helper()
	ctx := context.Background()

	farm := &Farm{Name: "farm-" + token}
	if err := s.CreateFarm(ctx, farm); err != nil {
		t.Fatalf("CreateFarm failed: %v", err)
	}
	agent := &Agent{FarmID: farm.ID, Token: token, Name: "agent-" + token}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	return agent
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestFarmCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	farm := &Farm{Name: "North"}
	if err := s.CreateFarm(ctx, farm); err != nil {
		t.Fatalf("CreateFarm failed: %v", err)
	}
	if farm.ID == 0 {
		t.Fatal("expected farm ID to be set")
	}

	farm.Name = "North Ridge"
	if err := s.UpdateFarm(ctx, farm); err != nil {
		t.Fatalf("UpdateFarm failed: %v", err)
	}

	got, err := s.GetFarm(ctx, farm.ID)
	if err != nil {
		t.Fatalf("GetFarm failed: %v", err)
	}
	if got.Name != "North Ridge" {
		t.Errorf("Name = %q, want %q", got.Name, "North Ridge")
	}

	farms, err := s.ListFarms(ctx)
	if err != nil {
		t.Fatalf("ListFarms failed: %v", err)
	}
	if len(farms) != 1 {
		t.Fatalf("len(farms) = %d, want 1", len(farms))
	}

	if err := s.DeleteFarm(ctx, farm.ID); err != nil {
		t.Fatalf("DeleteFarm failed: %v", err)
	}
	if _, err := s.GetFarm(ctx, farm.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFarm after delete: err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteFarm(ctx, farm.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteFarm: err = %v, want ErrNotFound", err)
	}
}

func TestCreateAgent_OnePerFarm(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := seedAgent(t, s, "tok-1")

	second := &Agent{FarmID: agent.FarmID, Token: "tok-2"}
	if err := s.CreateAgent(ctx, second); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second agent on farm: err = %v, want ErrDuplicate", err)
	}

	orphan := &Agent{FarmID: 9999, Token: "tok-3"}
	if err := s.CreateAgent(ctx, orphan); !errors.Is(err, ErrNotFound) {
		t.Errorf("agent on missing farm: err = %v, want ErrNotFound", err)
	}
}

func TestGetAgentByToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := seedAgent(t, s, "secret-token")

	got, err := s.GetAgentByToken(ctx, "secret-token")
	if err != nil {
		t.Fatalf("GetAgentByToken failed: %v", err)
	}
	if got.ID != agent.ID {
		t.Errorf("ID = %d, want %d", got.ID, agent.ID)
	}
	if got.LastSeen != nil {
		t.Errorf("LastSeen = %v, want nil", got.LastSeen)
	}

	if _, err := s.GetAgentByToken(ctx, "wrong"); !errors.Is(err, ErrNotFound) {
		t.Errorf("wrong token: err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetAgentByToken(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty token: err = %v, want ErrNotFound", err)
	}
}

func TestTouchAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := seedAgent(t, s, "tok")
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.TouchAgent(ctx, agent.ID, at); err != nil {
		t.Fatalf("TouchAgent failed: %v", err)
	}

	got, err := s.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(at) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, at)
	}

	if err := s.TouchAgent(ctx, 9999, at); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing agent: err = %v, want ErrNotFound", err)
	}
}

func TestUpsertMiner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a1 := seedAgent(t, s, "a1")
	a2 := seedAgent(t, s, "a2")

	m, err := s.UpsertMiner(ctx, a1.ID, "AA:BB:CC:DD:EE:01", "10.0.0.5", "M30S+")
	if err != nil {
		t.Fatalf("UpsertMiner failed: %v", err)
	}
	if m.AddedByScanAt == nil {
		t.Error("new miner should have AddedByScanAt")
	}

	t.Run("empty ip keeps old ip", func(t *testing.T) {
		got, err := s.UpsertMiner(ctx, a1.ID, "AA:BB:CC:DD:EE:01", "", "")
		if err != nil {
			t.Fatalf("UpsertMiner failed: %v", err)
		}
		if got.ID != m.ID {
			t.Errorf("ID = %d, want %d", got.ID, m.ID)
		}
		if got.IP != "10.0.0.5" {
			t.Errorf("IP = %q, want %q", got.IP, "10.0.0.5")
		}
		if got.Model != "M30S+" {
			t.Errorf("Model = %q, want %q", got.Model, "M30S+")
		}
	})

	t.Run("reassigns agent and updates ip", func(t *testing.T) {
		got, err := s.UpsertMiner(ctx, a2.ID, "AA:BB:CC:DD:EE:01", "10.0.1.7", "M50")
		if err != nil {
			t.Fatalf("UpsertMiner failed: %v", err)
		}
		if got.AgentID != a2.ID {
			t.Errorf("AgentID = %d, want %d", got.AgentID, a2.ID)
		}
		if got.IP != "10.0.1.7" || got.Model != "M50" {
			t.Errorf("got ip=%q model=%q", got.IP, got.Model)
		}
	})

	t.Run("empty mac rejected", func(t *testing.T) {
		if _, err := s.UpsertMiner(ctx, a1.ID, "  ", "10.0.0.9", ""); err == nil {
			t.Error("expected error for empty mac")
		}
	})

	miners, err := s.ListMiners(ctx, MinerFilter{FarmID: a2.FarmID})
	if err != nil {
		t.Fatalf("ListMiners failed: %v", err)
	}
	if len(miners) != 1 {
		t.Errorf("len(miners) for farm 2 = %d, want 1", len(miners))
	}
	miners, err = s.ListMiners(ctx, MinerFilter{AgentID: a1.ID})
	if err != nil {
		t.Fatalf("ListMiners failed: %v", err)
	}
	if len(miners) != 0 {
		t.Errorf("len(miners) for agent 1 = %d, want 0", len(miners))
	}
}

func TestUpdateMiner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := seedAgent(t, s, "tok")
	m, err := s.UpsertMiner(ctx, agent.ID, "AA", "10.0.0.5", "")
	if err != nil {
		t.Fatalf("UpsertMiner failed: %v", err)
	}

	m.Worker1 = "pool.example:3333"
	m.PasswordEncrypted = "ciphertext"
	if err := s.UpdateMiner(ctx, m); err != nil {
		t.Fatalf("UpdateMiner failed: %v", err)
	}

	got, err := s.GetMinerByMAC(ctx, "AA")
	if err != nil {
		t.Fatalf("GetMinerByMAC failed: %v", err)
	}
	if got.Worker1 != "pool.example:3333" || got.PasswordEncrypted != "ciphertext" {
		t.Errorf("got worker1=%q password=%q", got.Worker1, got.PasswordEncrypted)
	}

	if err := s.UpdateMiner(ctx, &Miner{ID: 9999}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing miner: err = %v, want ErrNotFound", err)
	}
}

func TestCommandLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := seedAgent(t, s, "tok")
	m, err := s.UpsertMiner(ctx, agent.ID, "AA", "10.0.0.5", "")
	if err != nil {
		t.Fatalf("UpsertMiner failed: %v", err)
	}

	cmd := &Command{
		AgentID: agent.ID,
		MinerID: &m.ID,
		Type:    CommandRestart,
		Params:  map[string]any{"reason": "stuck"},
	}
	if err := s.CreateCommand(ctx, cmd); err != nil {
		t.Fatalf("CreateCommand failed: %v", err)
	}
	if cmd.Status != StatusPending {
		t.Errorf("Status = %q, want pending", cmd.Status)
	}

	if err := s.TransitionCommand(ctx, cmd.ID, StatusRunning, nil); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := s.TransitionCommand(ctx, cmd.ID, StatusCompleted, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("to completed: %v", err)
	}

	got, err := s.GetCommand(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("GetCommand failed: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if string(got.Result) != `{"ok":true}` {
		t.Errorf("Result = %s, want {\"ok\":true}", got.Result)
	}
	if got.MinerID == nil || *got.MinerID != m.ID {
		t.Errorf("MinerID = %v, want %d", got.MinerID, m.ID)
	}
	if got.Params["reason"] != "stuck" {
		t.Errorf("Params = %v", got.Params)
	}

	// A late result for a completed command must not alter it
	err = s.TransitionCommand(ctx, cmd.ID, StatusFailed, json.RawMessage(`{"error":"late"}`))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("late transition: err = %v, want ErrInvalidTransition", err)
	}
	got, _ = s.GetCommand(ctx, cmd.ID)
	if string(got.Result) != `{"ok":true}` {
		t.Errorf("Result changed to %s", got.Result)
	}

	if err := s.TransitionCommand(ctx, 9999, StatusCompleted, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing command: err = %v, want ErrNotFound", err)
	}
}

func TestTransitionCommand_Rules(t *testing.T) {
	tests := []struct {
		from, to CommandStatus
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusCancelled, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCancelled, StatusRunning, false},
		{StatusFailed, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.ok {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
			}

			s := newTestStore(t)
			ctx := context.Background()
			agent := seedAgent(t, s, "tok")
			cmd := &Command{AgentID: agent.ID, Type: CommandRescan, Status: tt.from}
			if err := s.CreateCommand(ctx, cmd); err != nil {
				t.Fatalf("CreateCommand failed: %v", err)
			}

			err := s.TransitionCommand(ctx, cmd.ID, tt.to, nil)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("err = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestListCommands(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a1 := seedAgent(t, s, "a1")
	a2 := seedAgent(t, s, "a2")

	for i := 0; i < 3; i++ {
		if err := s.CreateCommand(ctx, &Command{AgentID: a1.ID, Type: CommandRescan}); err != nil {
			t.Fatalf("CreateCommand failed: %v", err)
		}
	}
	other := &Command{AgentID: a2.ID, Type: CommandRescan}
	if err := s.CreateCommand(ctx, other); err != nil {
		t.Fatalf("CreateCommand failed: %v", err)
	}

	cmds, err := s.ListCommands(ctx, CommandFilter{AgentID: a1.ID, Status: StatusPending})
	if err != nil {
		t.Fatalf("ListCommands failed: %v", err)
	}
	if len(cmds) != 3 {
		t.Fatalf("len(cmds) = %d, want 3", len(cmds))
	}
	for i := 1; i < len(cmds); i++ {
		if cmds[i].ID <= cmds[i-1].ID {
			t.Errorf("commands not in creation order: %d after %d", cmds[i].ID, cmds[i-1].ID)
		}
	}

	limited, err := s.ListCommands(ctx, CommandFilter{AgentID: a1.ID, Limit: 2})
	if err != nil {
		t.Fatalf("ListCommands failed: %v", err)
	}
	if len(limited) != 2 || limited[1].ID != cmds[2].ID {
		t.Errorf("limit should keep the newest commands, got %d entries", len(limited))
	}
}

func TestDeleteFarm_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := seedAgent(t, s, "tok")
	if _, err := s.UpsertMiner(ctx, agent.ID, "AA", "", ""); err != nil {
		t.Fatalf("UpsertMiner failed: %v", err)
	}

	if err := s.DeleteFarm(ctx, agent.FarmID); err != nil {
		t.Fatalf("DeleteFarm failed: %v", err)
	}
	if _, err := s.GetAgent(ctx, agent.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("agent survived farm delete: err = %v", err)
	}
	if _, err := s.GetMinerByMAC(ctx, "AA"); !errors.Is(err, ErrNotFound) {
		t.Errorf("miner survived farm delete: err = %v", err)
	}
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{Email: " Admin@Example.COM ", PasswordHash: "hash", Role: RoleAdmin}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if u.Email != "admin@example.com" {
		t.Errorf("Email = %q, want lowercased", u.Email)
	}

	dup := &User{Email: "admin@example.com", PasswordHash: "x"}
	if err := s.CreateUser(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate email: err = %v, want ErrDuplicate", err)
	}

	got, err := s.GetUserByEmail(ctx, "ADMIN@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail failed: %v", err)
	}
	if got.Role != RoleAdmin {
		t.Errorf("Role = %q, want admin", got.Role)
	}

	n, err := s.CountUsers(ctx)
	if err != nil {
		t.Fatalf("CountUsers failed: %v", err)
	}
	if n != 1 {
		t.Errorf("CountUsers = %d, want 1", n)
	}
}
