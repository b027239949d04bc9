// Package client maintains one logical connection to a coordinator
// endpoint. The connection self-heals: any dial failure or unexpected
// close schedules a redial after a fixed delay, forever, until Close.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"classpulse/pkg/types"
)

// ErrClosed is returned by Send once the client has been torn down.
var ErrClosed = errors.New("client: closed")

// Config tunes one client.
type Config struct {
	// URL is the complete dial target including query parameters; use
	// TeacherURL or StudentURL to build it.
	URL string

	// RetryDelay is the fixed wait between redial attempts. Deliberately
	// not exponential: a classroom outage should heal as soon as the
	// network does.
	RetryDelay time.Duration

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// QueueSize bounds the outbound buffer. A full queue evicts its oldest
	// envelope; Send never blocks.
	QueueSize int

	// HeartbeatInterval, when positive, sends protocol heartbeats on a
	// ticker while connected.
	HeartbeatInterval time.Duration

	// OnMessage receives every inbound envelope, one at a time, from a
	// single goroutine. Optional.
	OnMessage func(types.Envelope)

	// OnConnect fires after each successful dial, including redials.
	// Optional.
	OnConnect func()
}

// DefaultConfig returns the standard client tuning for the given target.
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		RetryDelay:   3 * time.Second,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		QueueSize:    100,
	}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if c.RetryDelay <= 0 || c.DialTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("delays must be positive: retry=%v dial=%v write=%v",
			c.RetryDelay, c.DialTimeout, c.WriteTimeout)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1, got %d", c.QueueSize)
	}
	return nil
}

// Client is one self-healing coordinator connection.
type Client struct {
	cfg    Config
	logger *zap.Logger

	sendCh chan types.Envelope
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
}

// New builds a client. Nothing happens on the wire until Dial.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		logger: logger,
		sendCh: make(chan types.Envelope, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Dial starts the connection loop. It returns immediately; use
// WaitConnected or OnConnect to sequence against the first connection.
func (c *Client) Dial() {
	go c.run()
}

// Send queues one envelope for delivery, fire and forget. Envelopes queued
// while disconnected flush after the next successful redial; a full queue
// evicts its oldest entry.
func (c *Client) Send(env types.Envelope) error {
	select {
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}

	select {
	case c.sendCh <- env:
		return nil
	default:
	}
	select {
	case <-c.sendCh:
	default:
	}
	select {
	case c.sendCh <- env:
	default:
	}
	return nil
}

// IsConnected reports whether a live connection is currently up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// WaitConnected blocks until the client is connected or the timeout lapses.
func (c *Client) WaitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.IsConnected() {
			return nil
		}
		select {
		case <-c.ctx.Done():
			return ErrClosed
		case <-time.After(10 * time.Millisecond):
		}
	}
	return fmt.Errorf("client: not connected after %v", timeout)
}

// Close tears the client down: the live connection is closed and any
// pending retry timer is canceled. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
	return nil
}

func (c *Client) run() {
	for {
		conn, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Debug("dial failed, will retry",
				zap.String("url", c.cfg.URL),
				zap.Duration("retry_in", c.cfg.RetryDelay),
				zap.Error(err))
			if !c.sleepRetry() {
				return
			}
			continue
		}

		c.setConn(conn)
		c.logger.Debug("connected", zap.String("url", c.cfg.URL))
		if c.cfg.OnConnect != nil {
			c.cfg.OnConnect()
		}

		c.pump(conn)
		c.clearConn()

		if c.ctx.Err() != nil {
			return
		}
		c.logger.Debug("connection lost, will retry",
			zap.Duration("retry_in", c.cfg.RetryDelay))
		if !c.sleepRetry() {
			return
		}
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	return conn, err
}

// sleepRetry waits out the retry delay. It reports false when the client
// was closed during the wait, which cancels the pending retry.
func (c *Client) sleepRetry() bool {
	timer := time.NewTimer(c.cfg.RetryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// pump services one live connection until it drops, then returns so the
// run loop can redial. The reader goroutine is joined before returning so
// OnMessage never runs concurrently with itself.
func (c *Client) pump(conn *websocket.Conn) {
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			var env types.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == "" {
				continue
			}
			if c.cfg.OnMessage != nil {
				c.cfg.OnMessage(env)
			}
		}
	}()

	var heartbeat <-chan time.Time
	if c.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case env := <-c.sendCh:
			if !c.write(conn, env) {
				<-readerDone
				return
			}
		case <-heartbeat:
			if !c.write(conn, types.Envelope{Type: types.MessageTypeHeartbeat}) {
				<-readerDone
				return
			}
		case <-readerDone:
			_ = conn.Close()
			return
		case <-c.ctx.Done():
			_ = conn.Close()
			<-readerDone
			return
		}
	}
}

func (c *Client) write(conn *websocket.Conn, env types.Envelope) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(env); err != nil {
		c.logger.Debug("write failed", zap.Error(err))
		_ = conn.Close()
		return false
	}
	return true
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
}

func (c *Client) clearConn() {
	c.mu.Lock()
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
}

// TeacherURL builds the dial target for the teacher endpoint. base is the
// coordinator's HTTP address; roomCode may be empty to let the server
// generate one.
func TeacherURL(base, roomCode, teacherID, name string) (string, error) {
	return endpointURL(base, "/ws/teacher", map[string]string{
		"room_id":    roomCode,
		"teacher_id": teacherID,
		"name":       name,
	})
}

// StudentURL builds the dial target for the student endpoint.
func StudentURL(base, roomCode, studentID, name string) (string, error) {
	return endpointURL(base, "/ws/student", map[string]string{
		"room_id":    roomCode,
		"student_id": studentID,
		"name":       name,
	})
}

func endpointURL(base, path string, params map[string]string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = path
	query := u.Query()
	for key, value := range params {
		if value != "" {
			query.Set(key, value)
		}
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}
