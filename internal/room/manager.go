package room

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"classpulse/internal/alert"
	"classpulse/internal/attention"
	"classpulse/internal/relay"
	"classpulse/pkg/types"
)

// codeAttempts bounds the uniqueness retry loop; the code space is 36^6 so
// hitting this means the RNG is broken, not the space full.
const codeAttempts = 100

// Config tunes every room the manager creates.
type Config struct {
	Engine        attention.Config
	Alerts        alert.Config
	ChatPerMinute int
	EventBuffer   int

	// clock overrides event timestamping in tests.
	clock func() time.Time
}

// DefaultConfig returns the standard room tuning.
func DefaultConfig() Config {
	return Config{
		Engine:        attention.DefaultConfig(),
		Alerts:        alert.DefaultConfig(),
		ChatPerMinute: 60,
		EventBuffer:   256,
	}
}

// Validate checks the configuration, including the cross-component invariant
// that the alert dwell outlasts the classifier's emit cadence: an episode must
// be observed at least once more before it can fire an alert.
func (c Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := c.Alerts.Validate(); err != nil {
		return fmt.Errorf("alerts: %w", err)
	}
	if c.Alerts.Dwell <= c.Engine.EmitInterval {
		return fmt.Errorf("alert dwell %v must exceed the emit interval %v",
			c.Alerts.Dwell, c.Engine.EmitInterval)
	}
	if c.ChatPerMinute < 1 {
		return fmt.Errorf("chat per minute must be at least 1, got %d", c.ChatPerMinute)
	}
	if c.EventBuffer < 1 {
		return fmt.Errorf("event buffer must be at least 1, got %d", c.EventBuffer)
	}
	return nil
}

// Stats is a point-in-time census across all live rooms.
type Stats struct {
	Rooms    int `json:"total_rooms"`
	Students int `json:"total_students"`
	Teachers int `json:"total_teachers"`
}

// Manager owns the registry of live rooms. Codes are unique among live rooms
// only; a closed room's code is immediately reusable.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	relay  *relay.Relay
	sink   Sink

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewManager creates a manager. cfg must have passed Validate; sink may be
// nil.
func NewManager(cfg Config, sink Sink, logger *zap.Logger) *Manager {
	if cfg.clock == nil {
		cfg.clock = time.Now
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		relay:  relay.New(logger.Named("relay")),
		sink:   sink,
		rooms:  make(map[string]*Room),
	}
}

// CreateRoom opens a room owned by the given teacher connection and starts
// its goroutine. With claimedCode empty a fresh unique code is generated;
// otherwise the claimed code is used if it is well-formed and not currently
// live (a live code is another teacher's room and is refused).
func (m *Manager) CreateRoom(conn Conn, teacherID, teacherName, claimedCode string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var code string
	if claimedCode != "" {
		code = types.NormalizeRoomCode(claimedCode)
		if !types.IsValidRoomCode(code) {
			return nil, types.ErrInvalidRoomCode
		}
		if _, live := m.rooms[code]; live {
			return nil, ErrDuplicateTeacher
		}
	} else {
		generated, err := m.generateCodeLocked()
		if err != nil {
			return nil, err
		}
		code = generated
	}

	r := newRoom(roomParams{
		code:        code,
		teacherID:   teacherID,
		teacherName: teacherName,
		teacherConn: conn,
		engineCfg:   m.cfg.Engine,
		alertCfg:    m.cfg.Alerts,
		chatPerMin:  m.cfg.ChatPerMinute,
		eventBuffer: m.cfg.EventBuffer,
		relay:       m.relay,
		sink:        m.sink,
		logger:      m.logger,
		onClose:     m.detach,
		now:         m.cfg.clock,
	})
	m.rooms[code] = r
	go r.run()
	return r, nil
}

// JoinStudent adds a student connection to the room addressed by code. An
// unknown, malformed, or just-closed code yields ErrRoomNotFound and touches
// no roster.
func (m *Manager) JoinStudent(code string, conn Conn, studentID, studentName string) (*Room, error) {
	normalized := types.NormalizeRoomCode(code)
	if !types.IsValidRoomCode(normalized) {
		return nil, ErrRoomNotFound
	}

	m.mu.RLock()
	r := m.rooms[normalized]
	m.mu.RUnlock()
	if r == nil {
		return nil, ErrRoomNotFound
	}

	if err := r.join(conn, studentID, studentName); err != nil {
		return nil, ErrRoomNotFound
	}
	return r, nil
}

// Lookup reports whether a code addresses a live room.
func (m *Manager) Lookup(code string) (*Room, bool) {
	normalized := types.NormalizeRoomCode(code)
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[normalized]
	return r, ok
}

// Stats counts live rooms and participants.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{Rooms: len(m.rooms), Teachers: len(m.rooms)}
	for _, r := range m.rooms {
		s.Students += r.StudentCount()
	}
	return s
}

// CloseAll shuts every live room down in parallel, bounded by ctx.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range rooms {
		g.Go(func() error { return r.Shutdown(ctx) })
	}
	return g.Wait()
}

// detach runs on a room's goroutine during teardown; the code becomes
// reusable the moment it returns.
func (m *Manager) detach(r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[r.code] == r {
		delete(m.rooms, r.code)
	}
}

func (m *Manager) generateCodeLocked() (string, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", fmt.Errorf("generating room code: %w", err)
		}
		if _, taken := m.rooms[code]; !taken {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

func randomCode() (string, error) {
	buf := make([]byte, types.RoomCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := make([]byte, types.RoomCodeLength)
	for i, b := range buf {
		code[i] = types.RoomCodeAlphabet[int(b)%len(types.RoomCodeAlphabet)]
	}
	return string(code), nil
}
