// ABOUTME: One Session per physical agent socket: authenticate, read, dispatch, heartbeat, write.
// ABOUTME: On teardown the session unregisters its own connection and cancels its pending wait.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/miner-gateway/internal/protocol"
	"github.com/2389/miner-gateway/internal/store"
)

// Application close codes sent to agents.
const (
	CloseReplaced         = 4000
	CloseAuthFailed       = 4001
	CloseHeartbeatTimeout = 4002
)

// ErrMissingToken indicates the agent connected without a credential.
var ErrMissingToken = errors.New("missing token")

// State is the lifecycle position of a Session.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Authenticator resolves an agent token to its record.
type Authenticator interface {
	AuthenticateAgent(ctx context.Context, token string) (*store.Agent, error)
}

// Handler receives decoded inbound frames for an active connection.
// Calls for one connection are made sequentially from its read loop.
type Handler interface {
	AgentConnected(ctx context.Context, conn *Connection)
	AgentSeen(ctx context.Context, conn *Connection)
	ScanResult(ctx context.Context, conn *Connection, msg *protocol.ScanResult)
	MinerUpsert(ctx context.Context, conn *Connection, msg *protocol.MinerUpsert)
	CommandResult(ctx context.Context, conn *Connection, msg *protocol.CommandResult)
}

// SessionConfig holds per-connection timing and limits.
type SessionConfig struct {
	IdleTimeout        time.Duration // silence before the gateway pings
	PingGrace          time.Duration // time allowed to answer that ping
	WriteTimeout       time.Duration
	MaxMessageBytes    int64
	SendBuffer         int
	MalformedPerMinute int // 0 disables the malformed-frame limit
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 35 * time.Second
	}
	if c.PingGrace <= 0 {
		c.PingGrace = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// SessionParams holds the parameters for creating a new Session.
type SessionParams struct {
	Socket  *websocket.Conn
	Token   string
	Manager *Manager
	Auth    Authenticator
	Handler Handler
	Config  SessionConfig
	Logger  *slog.Logger
}

// Session owns one upgraded agent socket for its whole life.
// A reconnect always produces a new Session.
type Session struct {
	id      string
	ws      *websocket.Conn
	token   string
	manager *Manager
	auth    Authenticator
	handler Handler
	cfg     SessionConfig
	logger  *slog.Logger

	state     atomic.Int32
	conn      *Connection
	activity  chan struct{}
	malformed *rate.Limiter
}

// NewSession creates a Session in the Connecting state.
func NewSession(p SessionParams) *Session {
	cfg := p.Config.withDefaults()
	id := uuid.New().String()

	s := &Session{
		id:       id,
		ws:       p.Socket,
		token:    p.Token,
		manager:  p.Manager,
		auth:     p.Auth,
		handler:  p.Handler,
		cfg:      cfg,
		logger:   p.Logger.With("session_id", id),
		activity: make(chan struct{}, 1),
	}
	if cfg.MalformedPerMinute > 0 {
		s.malformed = rate.NewLimiter(rate.Limit(float64(cfg.MalformedPerMinute)/60), cfg.MalformedPerMinute)
	}
	return s
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Run authenticates the peer and serves the connection until it closes.
// It returns an error only when authentication or registration fails.
func (s *Session) Run(ctx context.Context) error {
	s.manager.sessions.Add(1)
	defer s.manager.sessions.Add(-1)

	s.setState(StateAuthenticating)
	rec, err := s.authenticate(ctx)
	if err != nil {
		reason := "Invalid token"
		if errors.Is(err, ErrMissingToken) {
			reason = "Missing token"
		}
		s.logger.Warn("agent authentication failed",
			"remote_addr", s.ws.RemoteAddr().String(),
			"reason", reason,
		)
		s.closeSocket(CloseAuthFailed, reason)
		s.setState(StateClosed)
		return fmt.Errorf("authenticating agent: %w", err)
	}

	conn := NewConnection(ConnectionParams{
		AgentID:    rec.ID,
		SessionID:  s.id,
		FarmID:     rec.FarmID,
		Name:       rec.Name,
		RemoteAddr: s.ws.RemoteAddr().String(),
		SendBuffer: s.cfg.SendBuffer,
	})
	replaced, err := s.manager.Register(conn)
	if err != nil {
		s.closeSocket(websocket.CloseGoingAway, "server shutting down")
		s.setState(StateClosed)
		return err
	}
	if replaced != nil {
		replaced.Close(CloseReplaced, "replaced by new connection")
	}

	s.conn = conn
	s.logger = s.logger.With("agent_id", conn.AgentID)
	s.setState(StateActive)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()
	go s.heartbeat(ctx)

	s.handler.AgentConnected(ctx, conn)
	s.readPump(ctx)

	s.setState(StateClosing)
	conn.Close(websocket.CloseNormalClosure, "")
	s.manager.Unregister(conn)
	<-writerDone
	s.setState(StateClosed)

	code, reason := conn.CloseStatus()
	s.logger.Debug("session closed", "code", code, "reason", reason)
	return nil
}

func (s *Session) authenticate(ctx context.Context) (*store.Agent, error) {
	if strings.TrimSpace(s.token) == "" {
		return nil, ErrMissingToken
	}
	return s.auth.AuthenticateAgent(ctx, s.token)
}

// closeSocket is used before the writer exists.
func (s *Session) closeSocket(code int, reason string) {
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(s.cfg.WriteTimeout))
	_ = s.ws.Close()
}

// touch records inbound activity. Must be called from the read goroutine.
func (s *Session) touch() {
	_ = s.ws.SetReadDeadline(time.Now().Add(s.readBackstop()))
	select {
	case s.activity <- struct{}{}:
	default:
	}
}

// readBackstop bounds a blocked read in case the heartbeat goroutine is gone.
func (s *Session) readBackstop() time.Duration {
	return s.cfg.IdleTimeout + s.cfg.PingGrace + s.cfg.WriteTimeout
}

func (s *Session) readPump(ctx context.Context) {
	s.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = s.ws.SetReadDeadline(time.Now().Add(s.readBackstop()))
	s.ws.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})
	s.ws.SetPingHandler(func(appData string) error {
		s.touch()
		_ = s.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.cfg.WriteTimeout))
		return nil
	})

	for {
		msgType, data, err := s.ws.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}
		s.touch()

		if msgType != websocket.TextMessage {
			if !s.malformedFrame(errors.New("non-text frame")) {
				return
			}
			continue
		}
		if !s.dispatch(ctx, data) {
			return
		}
	}
}

func (s *Session) logReadError(err error) {
	select {
	case <-s.conn.Done():
		// We initiated the close
		return
	default:
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Warn("agent connection error", "error", err)
		return
	}
	s.logger.Debug("agent closed connection", "error", err)
}

// dispatch routes one decoded frame. Returns false when the session must stop.
func (s *Session) dispatch(ctx context.Context, data []byte) bool {
	frame, err := protocol.DecodeAgentFrame(data)
	if err != nil {
		return s.malformedFrame(err)
	}

	switch f := frame.(type) {
	case protocol.Ping:
		s.logger.Debug("ping from agent")
		s.handler.AgentSeen(ctx, s.conn)
		if err := s.conn.Send(protocol.Pong{}); err != nil {
			s.logger.Warn("failed to queue pong", "error", err)
		}
	case protocol.Pong:
		s.logger.Debug("pong from agent")
	case *protocol.ScanResult:
		s.handler.ScanResult(ctx, s.conn, f)
	case *protocol.MinerUpsert:
		s.handler.MinerUpsert(ctx, s.conn, f)
	case *protocol.CommandResult:
		s.handler.CommandResult(ctx, s.conn, f)
	default:
		s.logger.Warn("unexpected frame from agent", "type", frame.FrameType())
	}
	return true
}

// malformedFrame logs and drops a bad frame. Returns false once the peer
// exceeds its malformed-frame budget and the connection is being closed.
func (s *Session) malformedFrame(err error) bool {
	s.logger.Warn("dropping malformed frame", "error", err)
	if s.malformed == nil || s.malformed.Allow() {
		return true
	}
	s.logger.Warn("malformed frame limit exceeded, closing connection")
	s.conn.Close(websocket.ClosePolicyViolation, "too many malformed frames")
	return false
}

// heartbeat pings an idle peer and closes the connection if the ping goes unanswered.
func (s *Session) heartbeat(ctx context.Context) {
	timer := time.NewTimer(s.cfg.IdleTimeout)
	defer timer.Stop()
	pinged := false

	for {
		select {
		case <-s.conn.Done():
			return
		case <-ctx.Done():
			s.conn.Close(websocket.CloseGoingAway, "server shutting down")
			return
		case <-s.activity:
			timer.Reset(s.cfg.IdleTimeout)
			pinged = false
		case <-timer.C:
			if pinged {
				s.logger.Warn("agent heartbeat timeout", "grace", s.cfg.PingGrace)
				s.conn.Close(CloseHeartbeatTimeout, "heartbeat timeout")
				return
			}
			pinged = true
			s.logger.Debug("agent idle, sending ping", "idle", s.cfg.IdleTimeout)
			if err := s.conn.Send(protocol.Ping{}); err != nil {
				s.logger.Debug("failed to queue ping", "error", err)
			}
			timer.Reset(s.cfg.PingGrace)
		}
	}
}

// writePump is the only goroutine that writes data frames to the socket.
func (s *Session) writePump() {
	defer s.ws.Close()

	for {
		select {
		case <-s.conn.Done():
			s.writeClose()
			return
		default:
		}

		select {
		case data := <-s.conn.Outbound():
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("write failed", "error", err)
				s.conn.Close(websocket.CloseInternalServerErr, "write failed")
			}
		case <-s.conn.Done():
			s.writeClose()
			return
		}
	}
}

func (s *Session) writeClose() {
	code, reason := s.conn.CloseStatus()
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(s.cfg.WriteTimeout))
}
