package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/maestro-agent/maestro/pkg/protocol"
)

// sendBuffer bounds the outbound queue per connection. A slow client
// that falls this far behind is treated as broken.
const sendBuffer = 256

// Conn wraps one WebSocket connection. A single writer goroutine owns
// the socket — callers enqueue frames and never write concurrently. The
// read loop decodes JSON frames into envelopes and hands them to the
// dispatch callback; malformed frames produce a single system.error and
// are discarded.
type Conn struct {
	ID string

	ws     *websocket.Conn
	sendCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	writeTimeout time.Duration
	lastInbound  atomic.Int64 // unix nanos of last inbound frame
	broken       atomic.Bool
	closeOnce    sync.Once
	done         chan struct{}
}

// NewConn starts the writer goroutine for ws and returns the wrapper.
func NewConn(parent context.Context, ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		ID:           uuid.New().String(),
		ws:           ws,
		sendCh:       make(chan []byte, sendBuffer),
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	c.lastInbound.Store(time.Now().UnixNano())
	go c.writeLoop()
	return c
}

// Send enqueues a frame for the writer goroutine. Returns an error when
// the connection is broken or the queue is full (slow client).
func (c *Conn) Send(frame []byte) error {
	if c.broken.Load() {
		return errors.New("connection is broken")
	}
	select {
	case c.sendCh <- frame:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.markBroken("send queue full")
		return errors.New("send queue full")
	}
}

// SendEnvelope marshals and enqueues an envelope.
func (c *Conn) SendEnvelope(env *protocol.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// writeLoop is the single goroutine allowed to write to the socket.
func (c *Conn) writeLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.sendCh:
			writeCtx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				// The frame stays in the session's outbound log; the
				// client recovers it via replay after reconnecting.
				c.markBroken(err.Error())
				return
			}
		}
	}
}

// ReadLoop reads frames until the connection closes and dispatches
// decoded envelopes. Blocks; run it on the connection's handler
// goroutine. The envelope is tagged with this connection's ID before
// dispatch.
func (c *Conn) ReadLoop(dispatch func(*protocol.Envelope)) {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.markBroken(err.Error())
			return
		}
		c.lastInbound.Store(time.Now().UnixNano())

		env, err := protocol.Decode(data)
		if err == nil {
			err = protocol.ValidateInbound(env)
		}
		if err != nil {
			slog.Warn("Discarding bad frame", "connection_id", c.ID, "error", err)
			c.sendBadFrame(err)
			continue
		}

		env.ConnectionID = c.ID
		dispatch(env)
	}
}

// sendBadFrame emits the single system.error reply for a rejected frame.
// Connection-level errors carry no seq — they precede session binding.
func (c *Conn) sendBadFrame(cause error) {
	env := protocol.NewError(protocol.EventSystemError, protocol.ErrCodeBadFrame, cause.Error())
	env.ConnectionID = c.ID
	if err := c.SendEnvelope(env); err != nil {
		slog.Warn("Failed to send bad-frame error", "connection_id", c.ID, "error", err)
	}
}

// RunHeartbeat emits system.heartbeat on the interval and closes the
// connection when no inbound traffic arrives within idleTimeout. Blocks
// until the connection context ends; run on its own goroutine.
func (c *Conn) RunHeartbeat(interval, idleTimeout time.Duration, startedAt time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastInbound.Load()))
			if idle > idleTimeout {
				slog.Info("Closing idle connection",
					"connection_id", c.ID, "idle", idle.Round(time.Second))
				c.Close(websocket.StatusGoingAway, "idle timeout")
				return
			}

			hb := protocol.New(protocol.EventSystemHeartbeat).
				Meta("server_time", time.Now().UTC().Format(time.RFC3339Nano)).
				Meta("uptime_s", int64(time.Since(startedAt).Seconds()))
			hb.ConnectionID = c.ID
			if err := c.SendEnvelope(hb); err != nil {
				return
			}
		}
	}
}

// Broken reports whether the connection has failed.
func (c *Conn) Broken() bool { return c.broken.Load() }

// Done is closed when the writer goroutine exits.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close tears the connection down. Safe to call multiple times.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close(code, reason)
	})
}

func (c *Conn) markBroken(reason string) {
	if c.broken.CompareAndSwap(false, true) {
		slog.Debug("Connection broken", "connection_id", c.ID, "reason", reason)
		c.cancel()
	}
}
