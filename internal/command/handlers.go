// ABOUTME: Applies inbound agent frames to the durable command and miner records.
// ABOUTME: Duplicate, unknown, foreign and late results are dropped as correlation misses.

package command

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/2389/miner-gateway/internal/agent"
	"github.com/2389/miner-gateway/internal/dedupe"
	"github.com/2389/miner-gateway/internal/protocol"
	"github.com/2389/miner-gateway/internal/store"
)

// AgentConnected records the agent as seen and replays its pending queue.
func (s *Service) AgentConnected(ctx context.Context, conn *agent.Connection) {
	s.touch(ctx, conn)
	s.replayPending(ctx, conn)
}

// AgentSeen updates the agent's last_seen timestamp.
func (s *Service) AgentSeen(ctx context.Context, conn *agent.Connection) {
	s.touch(ctx, conn)
}

func (s *Service) touch(ctx context.Context, conn *agent.Connection) {
	if err := s.store.TouchAgent(ctx, conn.AgentID, s.now()); err != nil {
		s.logger.Warn("failed to update last_seen", "agent_id", conn.AgentID, "error", err)
	}
}

// replayPending delivers pending commands created within the replay window, oldest
// first, and cancels older ones so they never execute late.
func (s *Service) replayPending(ctx context.Context, conn *agent.Connection) {
	pending, err := s.store.ListCommands(ctx, store.CommandFilter{
		AgentID: conn.AgentID,
		Status:  store.StatusPending,
	})
	if err != nil {
		s.logger.Error("failed to list pending commands", "agent_id", conn.AgentID, "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	cutoff := s.now().Add(-s.cfg.ReplayWindow)
	replayed, expired := 0, 0
	for i, cmd := range pending {
		if cmd.CreatedAt.Before(cutoff) {
			s.cancelCommand(ctx, cmd.ID, "expired before agent connected")
			expired++
			continue
		}

		var miner *store.Miner
		if cmd.Type != store.CommandRescan {
			if cmd.MinerID == nil {
				s.cancelCommand(ctx, cmd.ID, "miner no longer exists")
				expired++
				continue
			}
			m, err := s.store.GetMiner(ctx, *cmd.MinerID)
			if err != nil {
				s.logger.Warn("skipping replay, miner lookup failed", "command_id", cmd.ID, "error", err)
				continue
			}
			miner = m
		}

		err := s.deliver(ctx, conn, cmd, s.buildFrame(cmd, miner))
		if errors.Is(err, agent.ErrSendBufferFull) || errors.Is(err, agent.ErrConnectionClosed) {
			// The rest stay pending for the next connection
			s.logger.Warn("replay stopped early",
				"agent_id", conn.AgentID,
				"replayed", replayed,
				"remaining", len(pending)-i,
				"error", err,
			)
			break
		}
		if err == nil {
			replayed++
		}
	}

	s.logger.Info("replayed pending commands",
		"agent_id", conn.AgentID,
		"replayed", replayed,
		"expired", expired,
	)
}

// ScanResult completes a rescan record and wakes its waiter, if any.
func (s *Service) ScanResult(ctx context.Context, conn *agent.Connection, msg *protocol.ScanResult) {
	cmd, key, ok := s.acceptResult(ctx, conn, protocol.TypeScanResult, msg.CommandID)
	if !ok {
		return
	}
	if cmd.Type != store.CommandRescan {
		s.logger.Warn("scan_result for non-rescan command", "command_id", cmd.ID, "type", cmd.Type)
		return
	}

	discovered := msg.Discovered
	if discovered == nil {
		discovered = []protocol.MinerInfo{}
	}
	result, err := json.Marshal(map[string]any{"discovered": discovered})
	if err != nil {
		s.logger.Error("failed to encode scan result", "command_id", cmd.ID, "error", err)
		return
	}
	if !s.transition(ctx, key, cmd.ID, store.StatusCompleted, result) {
		return
	}

	woke := s.agents.ResolveWait(conn.AgentID, msg.CommandID, msg)
	s.logger.Info("scan completed",
		"command_id", cmd.ID,
		"agent_id", conn.AgentID,
		"discovered", len(discovered),
		"waiter", woke,
	)
}

// CommandResult stores an action command's outcome verbatim.
func (s *Service) CommandResult(ctx context.Context, conn *agent.Connection, msg *protocol.CommandResult) {
	cmd, key, ok := s.acceptResult(ctx, conn, protocol.TypeCommandResult, msg.CommandID)
	if !ok {
		return
	}
	if cmd.Type == store.CommandRescan {
		s.logger.Warn("command_result for rescan command", "command_id", cmd.ID, "agent_id", conn.AgentID)
		return
	}

	to := store.StatusCompleted
	if msg.Status == protocol.ResultFailed {
		to = store.StatusFailed
	}
	result := msg.Result
	if result == nil {
		result = json.RawMessage(`{}`)
	}
	if !s.transition(ctx, key, cmd.ID, to, result) {
		return
	}
	s.logger.Info("command finished",
		"command_id", cmd.ID,
		"agent_id", conn.AgentID,
		"type", cmd.Type,
		"status", to,
	)
}

// MinerUpsert applies an unsolicited roster push.
func (s *Service) MinerUpsert(ctx context.Context, conn *agent.Connection, msg *protocol.MinerUpsert) {
	applied := 0
	for _, m := range msg.Miners {
		if _, err := s.store.UpsertMiner(ctx, conn.AgentID, m.MAC, m.IP, m.Model); err != nil {
			s.logger.Warn("failed to upsert miner", "agent_id", conn.AgentID, "mac", m.MAC, "error", err)
			continue
		}
		applied++
	}
	s.logger.Debug("miner roster applied", "agent_id", conn.AgentID, "miners", applied)
}

// acceptResult decides whether a correlated result may touch the store.
// The returned key is marked seen; transition forgets it if the write fails.
func (s *Service) acceptResult(ctx context.Context, conn *agent.Connection, kind protocol.Type, commandID int64) (*store.Command, string, bool) {
	key := dedupe.FrameKey(conn.AgentID, string(kind), commandID)
	if s.seen.CheckAndMark(key) {
		s.logger.Debug("duplicate result dropped", "command_id", commandID, "agent_id", conn.AgentID, "type", kind)
		return nil, "", false
	}

	cmd, err := s.store.GetCommand(ctx, commandID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("result for unknown command dropped", "command_id", commandID, "agent_id", conn.AgentID)
		return nil, "", false
	}
	if err != nil {
		// Let a redelivery try again
		s.seen.Forget(key)
		s.logger.Error("failed to load command", "command_id", commandID, "error", err)
		return nil, "", false
	}
	if cmd.AgentID != conn.AgentID {
		s.logger.Warn("result from wrong agent dropped",
			"command_id", commandID,
			"agent_id", conn.AgentID,
			"owner_agent_id", cmd.AgentID,
		)
		return nil, "", false
	}
	if cmd.Status.Terminal() {
		s.logger.Warn("late result dropped", "command_id", commandID, "status", cmd.Status)
		return nil, "", false
	}
	return cmd, key, true
}

func (s *Service) transition(ctx context.Context, key string, id int64, to store.CommandStatus, result json.RawMessage) bool {
	err := s.store.TransitionCommand(ctx, id, to, result)
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrInvalidTransition):
		s.logger.Warn("late result dropped", "command_id", id, "error", err)
	default:
		// Let a redelivery try again
		s.seen.Forget(key)
		s.logger.Error("failed to update command", "command_id", id, "error", err)
	}
	return false
}

func errorResult(msg string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return data
}
