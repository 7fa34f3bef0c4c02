// ABOUTME: Endpoint-side device cache and command executor for coordinator commands
// ABOUTME: Every command yields exactly one correlated scan_result or command_result frame

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/miner-gateway/internal/protocol"
	"github.com/2389/miner-gateway/internal/whatsminer"
)

// Defaults
const (
	DefaultPassword    = "admin"
	DefaultInterval    = 120 * time.Second
	DefaultConcurrency = 16
)

// Failure messages reported in command_result frames.
const (
	ErrMsgNoMAC       = "no mac"
	ErrMsgNotInCache  = "miner not in cache"
	ErrMsgNoIP        = "no ip"
	ErrMsgExecFailed  = "exec failed"
	ErrMsgUnreachable = "summary unavailable"
)

// Device is the device protocol client.
type Device interface {
	Summary(ctx context.Context, ip string) (*whatsminer.Summary, error)
	Exec(ctx context.Context, ip, password, cmd string, params map[string]string) (json.RawMessage, error)
}

// Prober finds hosts with the device port open.
type Prober interface {
	Scan(ctx context.Context, spec string) ([]netip.Addr, error)
}

// Config holds executor settings. Zero fields take defaults.
type Config struct {
	ScanRange       string
	DefaultPassword string
	Concurrency     int // concurrent summary queries during a refresh
}

// Executor caches the devices of the local network and runs commands on them.
type Executor struct {
	cfg    Config
	device Device
	prober Prober
	logger *slog.Logger

	// refreshMu serializes scans; periodic and on-demand refreshes never overlap
	refreshMu sync.Mutex

	mu     sync.RWMutex
	miners map[string]whatsminer.Summary // by MAC
}

// New creates an Executor.
func New(cfg Config, device Device, prober Prober, logger *slog.Logger) *Executor {
	if cfg.DefaultPassword == "" {
		cfg.DefaultPassword = DefaultPassword
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Executor{
		cfg:    cfg,
		device: device,
		prober: prober,
		logger: logger,
		miners: make(map[string]whatsminer.Summary),
	}
}

// Refresh scans the configured range, queries each responding host for its
// summary and merges identified devices into the cache. It returns the devices
// seen in this scan, sorted by MAC. Entries from earlier scans are kept.
func (e *Executor) Refresh(ctx context.Context) ([]protocol.MinerInfo, error) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	hosts, err := e.prober.Scan(ctx, e.cfg.ScanRange)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", e.cfg.ScanRange, err)
	}

	found := make([]*whatsminer.Summary, len(hosts))
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, host := range hosts {
		g.Go(func() error {
			s, err := e.device.Summary(ctx, host.String())
			if err != nil {
				e.logger.Debug("host did not identify", "ip", host, "error", err)
				return nil
			}
			found[i] = s
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]protocol.MinerInfo, 0, len(found))
	e.mu.Lock()
	for i, s := range found {
		if s == nil {
			continue
		}
		// The address that answered is authoritative over the reported one.
		s.IP = hosts[i].String()
		e.miners[s.MAC] = *s
		out = append(out, protocol.MinerInfo{MAC: s.MAC, IP: s.IP, Model: s.Model})
	}
	total := len(e.miners)
	e.mu.Unlock()

	sortMiners(out)
	e.logger.Info("refresh finished", "hosts", len(hosts), "identified", len(out), "cached", total)
	return out, nil
}

// Roster returns every cached device, sorted by MAC.
func (e *Executor) Roster() []protocol.MinerInfo {
	e.mu.RLock()
	out := make([]protocol.MinerInfo, 0, len(e.miners))
	for _, s := range e.miners {
		out = append(out, protocol.MinerInfo{MAC: s.MAC, IP: s.IP, Model: s.Model})
	}
	e.mu.RUnlock()
	sortMiners(out)
	return out
}

func sortMiners(ms []protocol.MinerInfo) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].MAC < ms[j].MAC })
}

func (e *Executor) lookup(mac string) (whatsminer.Summary, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.miners[mac]
	return s, ok
}

// Run refreshes the cache every interval until ctx ends, starting immediately.
// publish, when non-nil, receives the devices seen by each successful refresh.
func (e *Executor) Run(ctx context.Context, interval time.Duration, publish func([]protocol.MinerInfo)) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		miners, err := e.Refresh(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			e.logger.Warn("periodic refresh failed", "error", err)
		case publish != nil:
			publish(miners)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Execute runs cmd and returns its single reply frame carrying cmd's id.
func (e *Executor) Execute(ctx context.Context, cmd *protocol.Command) protocol.Frame {
	logger := e.logger.With("command_id", cmd.CommandID, "type", cmd.Type)
	start := time.Now()

	var reply protocol.Frame
	switch cmd.Type {
	case protocol.TypeRescan:
		miners, err := e.Refresh(ctx)
		if err != nil {
			logger.Warn("rescan failed", "error", err)
		}
		reply = &protocol.ScanResult{CommandID: cmd.CommandID, Discovered: miners}
	case protocol.TypeRestart:
		reply = e.deviceCommand(ctx, cmd, whatsminer.CmdRestart, nil)
	case protocol.TypePowerOff:
		reply = e.deviceCommand(ctx, cmd, whatsminer.CmdPowerOff, nil)
	case protocol.TypePowerOn:
		reply = e.deviceCommand(ctx, cmd, whatsminer.CmdPowerOn, nil)
	case protocol.TypeUpdateWorker:
		reply = e.updateWorker(ctx, cmd)
	case protocol.TypeGetRealtime:
		reply = e.realtime(ctx, cmd)
	default:
		reply = failed(cmd.CommandID, fmt.Sprintf("unsupported command %q", cmd.Type))
	}

	if r, ok := reply.(*protocol.CommandResult); ok {
		logger.Info("command executed", "status", r.Status, "duration", time.Since(start))
	}
	return reply
}

func (e *Executor) target(cmd *protocol.Command) (string, *protocol.CommandResult) {
	if cmd.MinerMAC == "" {
		return "", failed(cmd.CommandID, ErrMsgNoMAC)
	}
	m, ok := e.lookup(cmd.MinerMAC)
	if !ok {
		return "", failed(cmd.CommandID, ErrMsgNotInCache)
	}
	if m.IP == "" {
		return "", failed(cmd.CommandID, ErrMsgNoIP)
	}
	return m.IP, nil
}

func (e *Executor) password(cmd *protocol.Command) string {
	if cmd.Password != "" {
		return cmd.Password
	}
	return e.cfg.DefaultPassword
}

func (e *Executor) deviceCommand(ctx context.Context, cmd *protocol.Command, apiCmd string, params map[string]string) *protocol.CommandResult {
	ip, fail := e.target(cmd)
	if fail != nil {
		return fail
	}
	result, err := e.device.Exec(ctx, ip, e.password(cmd), apiCmd, params)
	if err != nil {
		e.logger.Warn("device command failed", "command_id", cmd.CommandID, "mac", cmd.MinerMAC, "error", err)
		return failed(cmd.CommandID, fmt.Sprintf("%s: %v", ErrMsgExecFailed, err))
	}
	return completed(cmd.CommandID, result)
}

func (e *Executor) updateWorker(ctx context.Context, cmd *protocol.Command) *protocol.CommandResult {
	params := map[string]string{}
	for i, w := range []string{cmd.Worker1, cmd.Worker2, cmd.Worker3} {
		if w != "" {
			params[fmt.Sprintf("worker%d", i+1)] = w
		}
	}
	if len(params) == 0 {
		if _, fail := e.target(cmd); fail != nil {
			return fail
		}
		return completed(cmd.CommandID, json.RawMessage(`{"status":"ok"}`))
	}
	return e.deviceCommand(ctx, cmd, whatsminer.CmdUpdatePools, params)
}

func (e *Executor) realtime(ctx context.Context, cmd *protocol.Command) *protocol.CommandResult {
	ip, fail := e.target(cmd)
	if fail != nil {
		return fail
	}
	s, err := e.device.Summary(ctx, ip)
	if err != nil {
		return failed(cmd.CommandID, fmt.Sprintf("%s: %v", ErrMsgUnreachable, err))
	}
	data, err := json.Marshal(s)
	if err != nil {
		return failed(cmd.CommandID, err.Error())
	}
	return completed(cmd.CommandID, data)
}

func completed(id int64, result json.RawMessage) *protocol.CommandResult {
	if !json.Valid(result) {
		result = nil
	}
	return &protocol.CommandResult{CommandID: id, Status: protocol.ResultCompleted, Result: result}
}

func failed(id int64, msg string) *protocol.CommandResult {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return &protocol.CommandResult{CommandID: id, Status: protocol.ResultFailed, Result: data}
}
