package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"classpulse/pkg/types"
)

// Config tunes the transport for every accepted connection.
type Config struct {
	// HandshakeTimeout bounds the upgrade itself.
	HandshakeTimeout time.Duration

	// ReadTimeout is the pong wait: a connection silent for this long is
	// considered lost.
	ReadTimeout time.Duration

	// PingInterval must be comfortably below ReadTimeout.
	PingInterval time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// QueueSize is the per-connection outbound buffer. When it fills, the
	// oldest queued envelope is dropped to keep the stream fresh.
	QueueSize int

	// MaxMessageBytes caps one inbound frame.
	MaxMessageBytes int64
}

// DefaultConfig returns the standard transport tuning.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
		WriteTimeout:     5 * time.Second,
		QueueSize:        100,
		MaxMessageBytes:  64 * 1024,
	}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.HandshakeTimeout <= 0 || c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive: handshake=%v read=%v write=%v",
			c.HandshakeTimeout, c.ReadTimeout, c.WriteTimeout)
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.ReadTimeout {
		return fmt.Errorf("ping interval %v must be positive and below the read timeout %v",
			c.PingInterval, c.ReadTimeout)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1, got %d", c.QueueSize)
	}
	if c.MaxMessageBytes < 1 {
		return fmt.Errorf("max message bytes must be at least 1, got %d", c.MaxMessageBytes)
	}
	return nil
}

// Connection wraps one accepted socket behind a single writer goroutine.
// Send never blocks: the outbound queue is bounded and a full queue evicts
// its oldest envelope (slow consumers see a fresh-but-gappy stream rather
// than stalling the room). Close drains whatever is already queued before
// tearing the socket down, so a final room_closed notice still lands.
type Connection struct {
	conn   *websocket.Conn
	cfg    Config
	logger *zap.Logger

	writeCh   chan types.Envelope
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// NewConnection wraps an upgraded socket and starts its writer and ping
// goroutines. cfg must have passed Validate.
func NewConnection(conn *websocket.Conn, cfg Config, logger *zap.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		cfg:     cfg,
		logger:  logger,
		writeCh: make(chan types.Envelope, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	go c.writeLoop()
	go c.pingLoop()
	return c
}

// Send queues one envelope, fire and forget. It returns ErrConnectionClosed
// once the connection is down; a full queue is handled by eviction, never by
// blocking or erroring.
func (c *Connection) Send(env types.Envelope) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- env:
		return nil
	default:
	}

	// Queue full: evict the oldest queued envelope and retry once.
	select {
	case <-c.writeCh:
		c.dropped.Add(1)
	default:
	}
	select {
	case c.writeCh <- env:
	default:
		c.dropped.Add(1)
	}
	return nil
}

// ReadEnvelope blocks for the next inbound envelope. A frame that is not a
// valid envelope yields ErrMalformedEnvelope and the connection stays
// readable; any other error means the connection is gone.
func (c *Connection) ReadEnvelope() (types.Envelope, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return types.Envelope{}, err
	}
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		return types.Envelope{}, ErrMalformedEnvelope
	}
	return env, nil
}

// Close shuts the connection down. Idempotent and safe from any goroutine;
// queued envelopes get a bounded chance to flush first.
func (c *Connection) Close() error {
	c.closeOnce.Do(c.cancel)
	return nil
}

// Dropped reports how many envelopes were evicted by the slow-consumer
// policy.
func (c *Connection) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Connection) writeLoop() {
	defer c.conn.Close()

	for {
		select {
		case env := <-c.writeCh:
			if !c.writeEnvelope(env, c.cfg.WriteTimeout) {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			c.drainAndClose()
			return
		}
	}
}

// drainAndClose flushes already-queued envelopes under one shared deadline,
// then sends a close frame.
func (c *Connection) drainAndClose() {
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	for {
		select {
		case env := <-c.writeCh:
			if !c.writeEnvelope(env, time.Until(deadline)) {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}

func (c *Connection) writeEnvelope(env types.Envelope, timeout time.Duration) bool {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Warn("unencodable envelope dropped",
			zap.String("type", env.Type),
			zap.Error(err))
		return true
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("write failed", zap.Error(err))
		return false
	}
	return true
}

func (c *Connection) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
