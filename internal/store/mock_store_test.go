// ABOUTME: Tests that MockStore follows the same rules as SQLiteStore
// ABOUTME: Higher layers rely on these rules when testing against the mock

package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestMockStore_MatchesSQLiteRules(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store { return newTestStore(t) },
		"mock":   func(t *testing.T) Store { return NewMockStore() },
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			agent := seedAgent(t, s, "tok")

			m, err := s.UpsertMiner(ctx, agent.ID, "AA", "10.0.0.5", "M30")
			if err != nil {
				t.Fatalf("UpsertMiner failed: %v", err)
			}
			m2, err := s.UpsertMiner(ctx, agent.ID, "AA", "", "")
			if err != nil {
				t.Fatalf("UpsertMiner failed: %v", err)
			}
			if m2.ID != m.ID || m2.IP != "10.0.0.5" || m2.Model != "M30" {
				t.Errorf("re-upsert changed miner: %+v", m2)
			}

			cmd := &Command{AgentID: agent.ID, Type: CommandRescan}
			if err := s.CreateCommand(ctx, cmd); err != nil {
				t.Fatalf("CreateCommand failed: %v", err)
			}
			if err := s.TransitionCommand(ctx, cmd.ID, StatusCompleted, json.RawMessage(`{"discovered":[]}`)); err != nil {
				t.Fatalf("TransitionCommand failed: %v", err)
			}
			err = s.TransitionCommand(ctx, cmd.ID, StatusCompleted, json.RawMessage(`{"discovered":[1]}`))
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("err = %v, want ErrInvalidTransition", err)
			}

			got, err := s.GetCommand(ctx, cmd.ID)
			if err != nil {
				t.Fatalf("GetCommand failed: %v", err)
			}
			if string(got.Result) != `{"discovered":[]}` {
				t.Errorf("Result = %s", got.Result)
			}

			if err := s.CreateAgent(ctx, &Agent{FarmID: agent.FarmID, Token: "other"}); !errors.Is(err, ErrDuplicate) {
				t.Errorf("second agent: err = %v, want ErrDuplicate", err)
			}
		})
	}
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	agent := seedAgent(t, s, "tok")

	cmd := &Command{AgentID: agent.ID, Type: CommandRestart, Params: map[string]any{"a": "b"}}
	if err := s.CreateCommand(ctx, cmd); err != nil {
		t.Fatalf("CreateCommand failed: %v", err)
	}

	got, _ := s.GetCommand(ctx, cmd.ID)
	got.Params["a"] = "mutated"
	got.Status = StatusFailed

	again, _ := s.GetCommand(ctx, cmd.ID)
	if again.Params["a"] != "b" || again.Status != StatusPending {
		t.Errorf("mock store leaked internal state: %+v", again)
	}
}
