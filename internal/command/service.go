// ABOUTME: Command dispatcher: persists operator commands and pushes them to live agents.
// ABOUTME: Action commands are fire-and-forget; rescan waits for a correlated scan_result.

package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/miner-gateway/internal/agent"
	"github.com/2389/miner-gateway/internal/dedupe"
	"github.com/2389/miner-gateway/internal/protocol"
	"github.com/2389/miner-gateway/internal/store"
)

var (
	// ErrInvalidCommandType indicates an unknown command type.
	ErrInvalidCommandType = errors.New("invalid command type")

	// ErrMinerRequired indicates a device command without a target miner.
	ErrMinerRequired = errors.New("miner_id required for this command")

	// ErrMinerNotOnAgent indicates the target miner is managed by another agent.
	ErrMinerNotOnAgent = errors.New("miner does not belong to agent")

	// ErrScanInProgress indicates the agent is already running a waited rescan.
	ErrScanInProgress = errors.New("scan already in progress for agent")
)

// Statuses reported to callers of Dispatch.
const (
	StatusQueued    = "queued"
	StatusCompleted = "completed"
)

// Messages returned alongside a queued result.
const (
	MessageSent          = "Command sent to agent"
	MessageAgentOffline  = "Agent offline - command will run when agent connects"
	MessageScanOffline   = "Agent offline - scan will run when agent connects"
	MessageScanPending   = "Scan still running - results will be recorded when the agent replies"
	MessageScanCancelled = "Agent disconnected - scan will run when agent reconnects"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultScanTimeout  = 120 * time.Second
	DefaultReplayWindow = 10 * time.Minute
	DefaultDedupeTTL    = 5 * time.Minute
)

// Decrypter opens at-rest device passwords.
type Decrypter interface {
	Decrypt(encoded string) (string, error)
}

// Config holds dispatcher timing.
type Config struct {
	ScanTimeout  time.Duration
	ReplayWindow time.Duration
	DedupeTTL    time.Duration
}

// Request is an operator command aimed at an agent and optionally one of its miners.
type Request struct {
	AgentID int64
	MinerID *int64
	Type    store.CommandType
	Params  map[string]any
}

// Result is returned synchronously to the operator.
type Result struct {
	Status     string               `json:"status"`
	CommandID  int64                `json:"command_id"`
	Message    string               `json:"message,omitempty"`
	Discovered []protocol.MinerInfo `json:"discovered,omitempty"`
}

// ServiceParams holds the parameters for creating a new Service.
type ServiceParams struct {
	Store   store.Store
	Agents  *agent.Manager
	Secrets Decrypter
	Config  Config
	Logger  *slog.Logger
}

// Service dispatches commands and applies agent replies to the durable record.
// It implements agent.Handler.
type Service struct {
	store   store.Store
	agents  *agent.Manager
	secrets Decrypter
	seen    *dedupe.Cache
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

var _ agent.Handler = (*Service)(nil)

// NewService creates a Service. Call Close to stop its dedupe cache.
func NewService(p ServiceParams) *Service {
	cfg := p.Config
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = DefaultReplayWindow
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = DefaultDedupeTTL
	}
	return &Service{
		store:   p.Store,
		agents:  p.Agents,
		secrets: p.Secrets,
		seen:    dedupe.New(cfg.DedupeTTL, dedupe.DefaultMaxSize),
		cfg:     cfg,
		logger:  p.Logger,
		now:     time.Now,
	}
}

// Close releases background resources.
func (s *Service) Close() {
	s.seen.Close()
}

// Dispatch records a command and delivers it to the agent if it is online.
func (s *Service) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommandType, req.Type)
	}
	if _, err := s.store.GetAgent(ctx, req.AgentID); err != nil {
		return nil, fmt.Errorf("getting agent %d: %w", req.AgentID, err)
	}

	var miner *store.Miner
	if req.Type != store.CommandRescan {
		if req.MinerID == nil {
			return nil, ErrMinerRequired
		}
		m, err := s.store.GetMiner(ctx, *req.MinerID)
		if err != nil {
			return nil, fmt.Errorf("getting miner %d: %w", *req.MinerID, err)
		}
		if m.AgentID != req.AgentID {
			return nil, fmt.Errorf("%w: miner %d is on agent %d", ErrMinerNotOnAgent, m.ID, m.AgentID)
		}
		miner = m
	}

	cmd := &store.Command{
		AgentID: req.AgentID,
		Type:    req.Type,
		Params:  sanitizeParams(req.Params),
	}
	if miner != nil {
		id := miner.ID
		cmd.MinerID = &id
	}
	if err := s.store.CreateCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("creating command: %w", err)
	}

	s.logger.Info("command created",
		"command_id", cmd.ID,
		"agent_id", cmd.AgentID,
		"type", cmd.Type,
	)

	if cmd.Type == store.CommandRescan {
		return s.dispatchRescan(ctx, cmd)
	}
	return s.dispatchAction(ctx, cmd, miner), nil
}

// dispatchAction pushes a fire-and-forget command. Its result arrives later as command_result.
func (s *Service) dispatchAction(ctx context.Context, cmd *store.Command, miner *store.Miner) *Result {
	res := &Result{Status: StatusQueued, CommandID: cmd.ID, Message: MessageAgentOffline}

	conn, ok := s.agents.Lookup(cmd.AgentID)
	if !ok {
		return res
	}
	if s.deliver(ctx, conn, cmd, s.buildFrame(cmd, miner)) == nil {
		res.Message = MessageSent
	}
	return res
}

// dispatchRescan pushes a rescan and waits for the correlated scan_result.
// Timeouts and disconnects leave the record pending and report queued.
func (s *Service) dispatchRescan(ctx context.Context, cmd *store.Command) (*Result, error) {
	res := &Result{Status: StatusQueued, CommandID: cmd.ID, Message: MessageScanOffline}

	conn, ok := s.agents.Lookup(cmd.AgentID)
	if !ok {
		return res, nil
	}

	wait, err := s.agents.BeginWait(conn, cmd.ID)
	if err != nil {
		if errors.Is(err, agent.ErrWaitInProgress) {
			s.cancelCommand(ctx, cmd.ID, "scan already in progress")
			return nil, fmt.Errorf("%w: %v", ErrScanInProgress, err)
		}
		// Manager is shutting down; replay picks it up on the next connection
		return res, nil
	}

	if s.deliver(ctx, conn, cmd, s.buildFrame(cmd, nil)) != nil {
		wait.Cancel()
		return res, nil
	}

	reply, err := wait.Await(ctx, s.cfg.ScanTimeout)
	switch {
	case err == nil:
		discovered := reply.Discovered
		if discovered == nil {
			discovered = []protocol.MinerInfo{}
		}
		return &Result{Status: StatusCompleted, CommandID: cmd.ID, Discovered: discovered}, nil
	case errors.Is(err, agent.ErrWaitTimeout):
		s.logger.Warn("rescan timed out", "command_id", cmd.ID, "agent_id", cmd.AgentID, "timeout", s.cfg.ScanTimeout)
		res.Message = MessageScanPending
	default:
		s.logger.Info("rescan wait cancelled", "command_id", cmd.ID, "agent_id", cmd.AgentID, "error", err)
		res.Message = MessageScanCancelled
	}
	return res, nil
}

// deliver queues the frame on conn. Action commands move to running once queued.
func (s *Service) deliver(ctx context.Context, conn *agent.Connection, cmd *store.Command, frame *protocol.Command) error {
	if err := conn.Send(frame); err != nil {
		s.logger.Warn("failed to push command",
			"command_id", cmd.ID,
			"agent_id", cmd.AgentID,
			"error", err,
		)
		return err
	}

	if cmd.Type != store.CommandRescan {
		err := s.store.TransitionCommand(ctx, cmd.ID, store.StatusRunning, nil)
		if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			s.logger.Error("failed to mark command running", "command_id", cmd.ID, "error", err)
		}
	}
	s.logger.Debug("command pushed", "command_id", cmd.ID, "agent_id", cmd.AgentID, "type", cmd.Type)
	return nil
}

// buildFrame assembles the wire command. The device password is decrypted here
// and only here; it never reaches the stored record.
func (s *Service) buildFrame(cmd *store.Command, miner *store.Miner) *protocol.Command {
	frame := &protocol.Command{
		Type:      protocol.Type(cmd.Type),
		CommandID: cmd.ID,
	}
	if miner == nil {
		return frame
	}

	frame.MinerMAC = miner.MAC
	switch cmd.Type {
	case store.CommandRestart, store.CommandPowerOff, store.CommandPowerOn:
		frame.Password = s.devicePassword(miner)
	case store.CommandUpdateWorker:
		frame.Password = s.devicePassword(miner)
		frame.Worker1 = paramString(cmd.Params, "worker1", miner.Worker1)
		frame.Worker2 = paramString(cmd.Params, "worker2", miner.Worker2)
		frame.Worker3 = paramString(cmd.Params, "worker3", miner.Worker3)
	}
	return frame
}

// devicePassword returns the plaintext password, or "" so the agent uses its default.
func (s *Service) devicePassword(miner *store.Miner) string {
	if miner.PasswordEncrypted == "" || s.secrets == nil {
		return ""
	}
	plain, err := s.secrets.Decrypt(miner.PasswordEncrypted)
	if err != nil {
		s.logger.Warn("failed to decrypt miner password", "miner_id", miner.ID, "error", err)
		return ""
	}
	return plain
}

func (s *Service) cancelCommand(ctx context.Context, id int64, reason string) {
	result := errorResult(reason)
	if err := s.store.TransitionCommand(ctx, id, store.StatusCancelled, result); err != nil {
		s.logger.Warn("failed to cancel command", "command_id", id, "error", err)
	}
}

// sanitizeParams copies params without the password key.
func sanitizeParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if k == "password" {
			continue
		}
		out[k] = v
	}
	return out
}

func paramString(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
