// ABOUTME: Represents a single authenticated agent socket and its outbound frame queue.
// ABOUTME: Sends never block; closing is idempotent and carries a WebSocket close code.

package agent

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/2389/miner-gateway/internal/protocol"
)

var (
	// ErrConnectionClosed indicates the connection is closing or closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendBufferFull indicates the peer is not draining frames fast enough.
	ErrSendBufferFull = errors.New("send buffer full")
)

// ConnectionParams holds the parameters for creating a new Connection.
type ConnectionParams struct {
	AgentID    int64
	SessionID  string
	FarmID     int64
	Name       string
	RemoteAddr string
	SendBuffer int
}

// Connection is the handle the registry hands out for one live agent socket.
// The owning Session drains Outbound and writes to the socket.
type Connection struct {
	AgentID     int64
	SessionID   string
	FarmID      int64
	Name        string
	RemoteAddr  string
	ConnectedAt time.Time

	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

// NewConnection creates a Connection with an outbound queue of p.SendBuffer frames.
func NewConnection(p ConnectionParams) *Connection {
	buf := p.SendBuffer
	if buf <= 0 {
		buf = 1
	}
	return &Connection{
		AgentID:     p.AgentID,
		SessionID:   p.SessionID,
		FarmID:      p.FarmID,
		Name:        p.Name,
		RemoteAddr:  p.RemoteAddr,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, buf),
		done:        make(chan struct{}),
	}
}

// Send encodes a frame and queues it for the writer.
func (c *Connection) Send(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.FrameType(), err)
	}
	return c.SendRaw(data)
}

// SendRaw queues an already-encoded frame. It never blocks.
func (c *Connection) SendRaw(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close asks the session to close the socket with the given code and reason.
// Only the first call's code and reason are kept.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// Done is closed once Close has been called.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// CloseStatus returns the code and reason given to Close.
// It must only be called after Done is closed.
func (c *Connection) CloseStatus() (int, string) {
	return c.closeCode, c.closeReason
}

// Outbound exposes the queue drained by the session writer.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}
