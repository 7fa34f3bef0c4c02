// ABOUTME: Field agent WebSocket client: dial, reconnect loop, heartbeats, command pumps
// ABOUTME: Results produced while disconnected are held and flushed on the next session

package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/2389/miner-gateway/internal/dedupe"
	"github.com/2389/miner-gateway/internal/protocol"
)

// Defaults
const (
	DefaultPingInterval  = 20 * time.Second
	DefaultIdleTimeout   = 35 * time.Second
	DefaultRetryInterval = 5 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultMaxConcurrent = 8
	DefaultDedupeTTL     = 5 * time.Minute
	DefaultMaxBacklog    = 256

	sendBuffer      = 64
	maxMessageBytes = 1 << 20
)

// ErrUnauthorized is returned when the coordinator rejects the agent token.
var ErrUnauthorized = errors.New("agent token rejected")

// Executor runs commands and reports the cached device roster.
type Executor interface {
	Execute(ctx context.Context, cmd *protocol.Command) protocol.Frame
	Roster() []protocol.MinerInfo
}

// Config holds connection settings. Zero durations take defaults.
type Config struct {
	ServerURL     string
	Token         string
	PingInterval  time.Duration // protocol-level ping cadence
	IdleTimeout   time.Duration // inbound silence before a JSON ping
	RetryInterval time.Duration // fixed delay between reconnect attempts
	WriteTimeout  time.Duration
	MaxConcurrent int // commands executing at once
	DedupeTTL     time.Duration
	MaxBacklog    int
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = DefaultDedupeTTL
	}
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = DefaultMaxBacklog
	}
	return c
}

// outbound is one queued data frame. Results are kept across reconnects;
// heartbeats and roster pushes are not.
type outbound struct {
	data []byte
	keep bool
}

// Client maintains the agent's connection to the coordinator.
type Client struct {
	cfg    Config
	wsURL  string
	exec   Executor
	logger *slog.Logger
	dialer *websocket.Dialer

	seen     *dedupe.Cache
	sem      *semaphore.Weighted
	inflight sync.WaitGroup
	sessions atomic.Int64

	mu      sync.Mutex
	out     chan outbound // nil while disconnected
	backlog [][]byte
}

// New creates a Client. The server URL may use http(s) or ws(s).
func New(cfg Config, exec Executor, logger *slog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	wsURL, err := WebSocketURL(cfg.ServerURL, cfg.Token)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		wsURL:  wsURL,
		exec:   exec,
		logger: logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.WriteTimeout,
		},
		seen: dedupe.New(cfg.DedupeTTL, 0),
		sem:  semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}, nil
}

// WebSocketURL derives the agent socket URL from the coordinator base URL.
func WebSocketURL(serverURL, token string) (string, error) {
	u, err := baseURL(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/agents/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

func baseURL(serverURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("server url must use http, https, ws or wss: %q", serverURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url has no host: %q", serverURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// Connected reports whether a session is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out != nil
}

// Sessions returns how many sessions have been established so far.
func (c *Client) Sessions() int64 { return c.sessions.Load() }

// Backlog returns the number of results waiting for a connection.
func (c *Client) Backlog() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.backlog)
}

// Run connects and reconnects until ctx ends, then waits for in-flight commands.
func (c *Client) Run(ctx context.Context) error {
	defer c.seen.Close()
	defer c.inflight.Wait()

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			c.logger.Error("coordinator rejected agent token", "retry_in", c.cfg.RetryInterval)
		} else {
			c.logger.Warn("disconnected from coordinator", "error", err, "retry_in", c.cfg.RetryInterval)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.RetryInterval):
		}
	}
}

// PushRoster sends an unsolicited miner_upsert when connected.
// It reports whether the frame was queued.
func (c *Client) PushRoster(miners []protocol.MinerInfo) bool {
	data, err := protocol.Encode(&protocol.MinerUpsert{Miners: miners})
	if err != nil {
		c.logger.Warn("encoding roster failed", "error", err)
		return false
	}
	return c.enqueue(outbound{data: data})
}

func (c *Client) enqueue(o outbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return false
	}
	select {
	case c.out <- o:
		return true
	default:
		return false
	}
}

// deliver sends a command reply, holding it for the next session when it
// cannot be queued now.
func (c *Client) deliver(f protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		c.logger.Warn("encoding reply failed", "type", f.FrameType(), "error", err)
		return
	}
	if c.enqueue(outbound{data: data, keep: true}) {
		return
	}
	c.mu.Lock()
	c.holdLocked(data)
	c.mu.Unlock()
}

func (c *Client) holdLocked(data []byte) {
	if len(c.backlog) >= c.cfg.MaxBacklog {
		c.logger.Warn("result backlog full, dropping oldest")
		c.backlog = c.backlog[1:]
	}
	c.backlog = append(c.backlog, data)
}

// attach installs a session's outbound queue and hands over the backlog.
func (c *Client) attach(out chan outbound) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = out
	held := c.backlog
	c.backlog = nil
	return held
}

// detach removes the queue and keeps results that were never written.
func (c *Client) detach(out chan outbound, unsent [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = nil
	for _, data := range unsent {
		c.holdLocked(data)
	}
	for {
		select {
		case o := <-out:
			if o.keep {
				c.holdLocked(o.data)
			}
		default:
			return
		}
	}
}

// session runs one connection until it fails or ctx ends.
func (c *Client) session(ctx context.Context) error {
	ws, resp, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("dialing coordinator: %w", err)
	}
	defer ws.Close()

	n := c.sessions.Add(1)
	logger := c.logger.With("session", n)
	logger.Info("=== CONNECTED TO COORDINATOR ===")

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan outbound, sendBuffer)
	held := c.attach(out)

	var first [][]byte
	if roster := c.exec.Roster(); len(roster) > 0 {
		if data, err := protocol.Encode(&protocol.MinerUpsert{Miners: roster}); err == nil {
			first = append(first, data)
		}
	}

	activity := make(chan struct{}, 1)
	writerDone := make(chan [][]byte, 1)
	go func() {
		writerDone <- c.writePump(sctx, ws, out, first, held, activity, logger)
	}()

	err = c.readPump(ctx, ws, activity, logger)
	cancel()
	unsent := <-writerDone
	c.detach(out, unsent)

	if ctx.Err() == nil {
		logger.Info("=== DISCONNECTED FROM COORDINATOR ===")
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == 4001 {
		return ErrUnauthorized
	}
	return err
}

func (c *Client) readBackstop() time.Duration {
	return c.cfg.IdleTimeout + c.cfg.PingInterval + c.cfg.WriteTimeout
}

// readPump decodes coordinator frames. runCtx outlives the session so that
// commands finish and their results survive a reconnect.
func (c *Client) readPump(runCtx context.Context, ws *websocket.Conn, activity chan<- struct{}, logger *slog.Logger) error {
	ws.SetReadLimit(maxMessageBytes)
	touch := func() {
		_ = ws.SetReadDeadline(time.Now().Add(c.readBackstop()))
		select {
		case activity <- struct{}{}:
		default:
		}
	}
	touch()
	ws.SetPongHandler(func(string) error {
		touch()
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		touch()

		frame, err := protocol.DecodeCoordinatorFrame(data)
		if err != nil {
			logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch f := frame.(type) {
		case protocol.Ping:
			logger.Debug("ping from coordinator")
			if pong, err := protocol.Encode(protocol.Pong{}); err == nil {
				c.enqueue(outbound{data: pong})
			}
		case protocol.Pong:
			logger.Debug("pong from coordinator")
		case *protocol.Command:
			c.startCommand(runCtx, f, logger)
		default:
			logger.Warn("unexpected frame from coordinator", "type", frame.FrameType())
		}
	}
}

func (c *Client) startCommand(ctx context.Context, cmd *protocol.Command, logger *slog.Logger) {
	if c.seen.CheckAndMark(dedupe.FrameKey(0, "command", cmd.CommandID)) {
		logger.Debug("ignoring duplicate command", "command_id", cmd.CommandID, "type", cmd.Type)
		return
	}
	logger.Info("command received", "command_id", cmd.CommandID, "type", cmd.Type)

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer c.sem.Release(1)
		c.deliver(c.exec.Execute(ctx, cmd))
	}()
}

// writePump is the only goroutine writing to ws. It returns kept frames it
// could not write.
func (c *Client) writePump(ctx context.Context, ws *websocket.Conn, out <-chan outbound, first, held [][]byte, activity <-chan struct{}, logger *slog.Logger) [][]byte {
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()
	idle := time.NewTimer(c.cfg.IdleTimeout)
	defer idle.Stop()

	write := func(data []byte) error {
		_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		return ws.WriteMessage(websocket.TextMessage, data)
	}
	fail := func(err error) {
		logger.Debug("write failed", "error", err)
		_ = ws.Close()
	}

	for _, data := range first {
		if err := write(data); err != nil {
			fail(err)
			return held
		}
	}
	for i, data := range held {
		if err := write(data); err != nil {
			fail(err)
			return held[i:]
		}
	}
	if len(held) > 0 {
		logger.Info("flushed held results", "count", len(held))
	}

	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			_ = ws.Close()
			return nil
		case o := <-out:
			if err := write(o.data); err != nil {
				fail(err)
				if o.keep {
					return [][]byte{o.data}
				}
				return nil
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				fail(err)
				return nil
			}
		case <-activity:
			idle.Reset(c.cfg.IdleTimeout)
		case <-idle.C:
			logger.Debug("coordinator idle, sending ping", "idle", c.cfg.IdleTimeout)
			if data, err := protocol.Encode(protocol.Ping{}); err == nil {
				if err := write(data); err != nil {
					fail(err)
					return nil
				}
			}
			idle.Reset(c.cfg.IdleTimeout)
		}
	}
}

// Identity is the farm assignment reported by GET /agents/me.
type Identity struct {
	AgentID  int64  `json:"agent_id"`
	FarmID   int64  `json:"farm_id"`
	FarmName string `json:"farm_name"`
}

// FetchIdentity asks the coordinator which agent and farm the token belongs to.
func FetchIdentity(ctx context.Context, serverURL, token string) (*Identity, error) {
	u, err := baseURL(serverURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path += "/agents/me"
	u.RawQuery = url.Values{"token": {token}}.Encode()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching identity: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetching identity: unexpected status %d", resp.StatusCode)
	}
	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return nil, fmt.Errorf("decoding identity: %w", err)
	}
	return &id, nil
}
