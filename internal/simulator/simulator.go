// Package simulator drives a synthetic classroom against a live coordinator:
// one scripted teacher and a configurable number of students, all over real
// websocket connections. It exists to demo the system and to soak-test a
// deployment without a room full of webcams.
package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"classpulse/pkg/client"
	"classpulse/pkg/types"
)

// Config shapes one simulation run.
type Config struct {
	// ServerURL is the coordinator's base URL, e.g. http://localhost:8080.
	ServerURL string

	// RoomCode is claimed by the simulated teacher so students know the
	// code without scraping it from the teacher's room_created reply.
	RoomCode string

	Students int

	// Duration bounds the whole run.
	Duration time.Duration

	// ReportRate is the cadence of each student's attention samples.
	ReportRate time.Duration

	// PhaseOffset staggers the students along the attention script.
	PhaseOffset time.Duration

	// ChatInterval and UpdateInterval pace the teacher's chat broadcasts
	// and state update requests.
	ChatInterval   time.Duration
	UpdateInterval time.Duration
}

// DefaultConfig returns a lively half-sized classroom.
func DefaultConfig(serverURL string) Config {
	return Config{
		ServerURL:      serverURL,
		RoomCode:       "DEMO01",
		Students:       8,
		Duration:       2 * time.Minute,
		ReportRate:     400 * time.Millisecond,
		PhaseOffset:    5 * time.Second,
		ChatInterval:   15 * time.Second,
		UpdateInterval: 10 * time.Second,
	}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server url is required")
	}
	code := types.NormalizeRoomCode(c.RoomCode)
	if !types.IsValidRoomCode(code) {
		return fmt.Errorf("room code %q is not a valid six-character code", c.RoomCode)
	}
	if c.Students < 1 {
		return fmt.Errorf("students must be at least 1, got %d", c.Students)
	}
	if c.Duration <= 0 || c.ReportRate <= 0 {
		return fmt.Errorf("duration and report rate must be positive")
	}
	if c.PhaseOffset < 0 {
		return fmt.Errorf("phase offset cannot be negative")
	}
	if c.ChatInterval <= 0 || c.UpdateInterval <= 0 {
		return fmt.Errorf("chat and update intervals must be positive")
	}
	return nil
}

// Summary is what the run observed, for printing when it ends.
type Summary struct {
	ReportsSent      uint64
	AttentionUpdates uint64
	Alerts           uint64
	StateUpdates     uint64
	ChatDelivered    uint64
}

type counters struct {
	reports   atomic.Uint64
	attention atomic.Uint64
	alerts    atomic.Uint64
	states    atomic.Uint64
	chats     atomic.Uint64
}

func (c *counters) snapshot() Summary {
	return Summary{
		ReportsSent:      c.reports.Load(),
		AttentionUpdates: c.attention.Load(),
		Alerts:           c.alerts.Load(),
		StateUpdates:     c.states.Load(),
		ChatDelivered:    c.chats.Load(),
	}
}

// Simulator owns one run.
type Simulator struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a simulator.
func New(cfg Config, logger *zap.Logger) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.RoomCode = types.NormalizeRoomCode(cfg.RoomCode)
	return &Simulator{cfg: cfg, logger: logger}, nil
}

// Run executes the simulation until the duration lapses or ctx is canceled.
// The returned summary covers whatever completed, even on error.
func (s *Simulator) Run(ctx context.Context) (Summary, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Duration)
	defer cancel()

	var sum counters

	teacher, ready, err := s.startTeacher(&sum)
	if err != nil {
		return sum.snapshot(), err
	}
	defer teacher.Close()

	// Students hold off until the room exists; joining a code that is not
	// live yet would just burn their retry budget.
	select {
	case <-ready:
	case <-runCtx.Done():
		return sum.snapshot(), fmt.Errorf("room %s was not created before the deadline", s.cfg.RoomCode)
	}
	s.logger.Info("room open",
		zap.String("room_code", s.cfg.RoomCode),
		zap.Int("students", s.cfg.Students))

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.teacherLoop(gctx, teacher) })
	for i := 0; i < s.cfg.Students; i++ {
		g.Go(func() error { return s.studentLoop(gctx, i, &sum) })
	}

	err = g.Wait()
	return sum.snapshot(), err
}

func (s *Simulator) startTeacher(sum *counters) (*client.Client, <-chan struct{}, error) {
	url, err := client.TeacherURL(s.cfg.ServerURL, s.cfg.RoomCode, "sim-teacher", "Sim Teacher")
	if err != nil {
		return nil, nil, fmt.Errorf("teacher url: %w", err)
	}

	ready := make(chan struct{})
	var once sync.Once
	logger := s.logger.Named("teacher")

	cfg := client.DefaultConfig(url)
	cfg.HeartbeatInterval = 20 * time.Second
	cfg.OnMessage = func(env types.Envelope) {
		switch env.Type {
		case types.MessageTypeRoomCreated:
			once.Do(func() { close(ready) })
		case types.MessageTypeAttentionUpdate:
			sum.attention.Add(1)
		case types.MessageTypeAlert:
			sum.alerts.Add(1)
			var alert types.AlertPayload
			if err := env.DecodeData(&alert); err == nil {
				logger.Info("alert",
					zap.String("student", alert.StudentName),
					zap.String("type", alert.AlertType),
					zap.String("severity", string(alert.Severity)))
			}
		case types.MessageTypeStateUpdate:
			sum.states.Add(1)
		case types.MessageTypeError:
			var refusal types.ErrorPayload
			_ = env.DecodeData(&refusal)
			logger.Warn("refused", zap.String("message", refusal.Message))
		}
	}

	teacher, err := client.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	teacher.Dial()
	return teacher, ready, nil
}

func (s *Simulator) teacherLoop(ctx context.Context, teacher *client.Client) error {
	chat := time.NewTicker(s.cfg.ChatInterval)
	defer chat.Stop()
	update := time.NewTicker(s.cfg.UpdateInterval)
	defer update.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-chat.C:
			env, err := types.NewEnvelope(types.MessageTypeChatMessage, types.ChatMessagePayload{
				Message: "Eyes up front, please.",
			})
			if err != nil {
				return err
			}
			if err := teacher.Send(env); err != nil {
				return nil
			}
		case <-update.C:
			if err := teacher.Send(types.Envelope{Type: types.MessageTypeRequestUpdate}); err != nil {
				return nil
			}
		}
	}
}

func (s *Simulator) studentLoop(ctx context.Context, idx int, sum *counters) error {
	id := fmt.Sprintf("sim-student-%02d", idx+1)
	name := studentNames[idx%len(studentNames)]
	if idx >= len(studentNames) {
		name = fmt.Sprintf("%s %d", name, idx/len(studentNames)+1)
	}

	url, err := client.StudentURL(s.cfg.ServerURL, s.cfg.RoomCode, id, name)
	if err != nil {
		return fmt.Errorf("student url: %w", err)
	}

	logger := s.logger.Named("student").With(zap.String("student_id", id))
	cfg := client.DefaultConfig(url)
	cfg.OnMessage = func(env types.Envelope) {
		if env.Type == types.MessageTypeChatMessage {
			sum.chats.Add(1)
		}
	}

	c, err := client.New(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()
	c.Dial()
	if err := c.WaitConnected(10 * time.Second); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}

	rng := rand.New(rand.NewSource(int64(idx) + 1))
	offset := time.Duration(idx) * s.cfg.PhaseOffset
	start := time.Now()

	ticker := time.NewTicker(s.cfg.ReportRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			state := stateAt(offset + time.Since(start))
			env, err := types.NewEnvelope(types.MessageTypeAttentionUpdate, sampleFor(state, rng))
			if err != nil {
				return err
			}
			if err := c.Send(env); err != nil {
				return nil
			}
			sum.reports.Add(1)
		}
	}
}
