// Package archive journals room activity to SQLite for after-class review.
// Writes are fire and forget through a single-writer goroutine so the room
// goroutines never wait on the database.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"classpulse/pkg/types"
)

// retryDelay is the pause before the single retry of a failed write.
const retryDelay = 5 * time.Second

// Config locates the archive database.
type Config struct {
	// Path is the SQLite file. Empty disables archiving entirely; callers
	// skip Open in that case.
	Path string

	// QueueSize bounds the pending-write buffer. When it fills, new records
	// are dropped rather than blocking the caller.
	QueueSize int
}

// DefaultConfig returns the standard archive tuning for the given path.
func DefaultConfig(path string) Config {
	return Config{Path: path, QueueSize: 256}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1, got %d", c.QueueSize)
	}
	return nil
}

// Session is one archived room lifetime. Codes are reusable, so a code can
// appear in several sessions distinguished by opening time.
type Session struct {
	Code        string     `json:"code"`
	TeacherID   string     `json:"teacher_id"`
	TeacherName string     `json:"teacher_name"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// StateChange is one archived classification emission.
type StateChange struct {
	StudentID  string               `json:"student_id"`
	Status     types.AttentionState `json:"status"`
	Confidence float64              `json:"confidence"`
	At         time.Time            `json:"at"`
}

// Archive records room lifecycle, roster changes, classification emissions
// and alerts. It satisfies the room sink contract: recording methods never
// block and never fail loudly.
type Archive struct {
	db     *sql.DB
	cfg    Config
	logger *zap.Logger
	ops    chan func(*sql.DB) error
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the archive database and starts its writer.
func Open(cfg Config, logger *zap.Logger) (*Archive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &Archive{
		db:     db,
		cfg:    cfg,
		logger: logger,
		ops:    make(chan func(*sql.DB) error, cfg.QueueSize),
	}
	a.wg.Add(1)
	go a.writeLoop()
	return a, nil
}

// Close drains pending writes and closes the database. Idempotent.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.ops)
	a.wg.Wait()
	return a.db.Close()
}

// HealthCheck validates connectivity and that the schema is readable.
func (a *Archive) HealthCheck(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("archive ping failed: %w", err)
	}
	var count int
	if err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&count); err != nil {
		return fmt.Errorf("archive read test failed: %w", err)
	}
	return nil
}

// RoomOpened records the start of a session.
func (a *Archive) RoomOpened(code, teacherID, teacherName string, at time.Time) {
	a.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO rooms (code, teacher_id, teacher_name, opened_at) VALUES (?, ?, ?, ?)`,
			code, teacherID, teacherName, at.UTC())
		return err
	})
}

// RoomClosed stamps the open session for the code.
func (a *Archive) RoomClosed(code string, at time.Time) {
	a.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(
			`UPDATE rooms SET closed_at = ? WHERE code = ? AND closed_at IS NULL`,
			at.UTC(), code)
		return err
	})
}

// StudentJoined records a roster addition.
func (a *Archive) StudentJoined(code, studentID, studentName string, at time.Time) {
	a.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO roster_events (room_code, student_id, student_name, event, at) VALUES (?, ?, ?, 'join', ?)`,
			code, studentID, studentName, at.UTC())
		return err
	})
}

// StudentLeft records a roster removal.
func (a *Archive) StudentLeft(code, studentID string, at time.Time) {
	a.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO roster_events (room_code, student_id, event, at) VALUES (?, ?, 'leave', ?)`,
			code, studentID, at.UTC())
		return err
	})
}

// StateChanged records one classification emission.
func (a *Archive) StateChanged(code, studentID string, state types.AttentionState, confidence float64, at time.Time) {
	a.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO attention_events (room_code, student_id, status, confidence, at) VALUES (?, ?, ?, ?, ?)`,
			code, studentID, string(state), confidence, at.UTC())
		return err
	})
}

// AlertRaised records one alert.
func (a *Archive) AlertRaised(code string, alert types.AlertPayload) {
	a.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO alerts (id, room_code, student_id, student_name, alert_type, severity, message, at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			alert.ID, code, alert.StudentID, alert.StudentName, alert.AlertType,
			string(alert.Severity), alert.Message, alert.Timestamp.UTC())
		return err
	})
}

// Sessions lists archived sessions for a code, most recent first.
func (a *Archive) Sessions(ctx context.Context, code string) ([]Session, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT code, teacher_id, teacher_name, opened_at, closed_at
		 FROM rooms WHERE code = ? ORDER BY opened_at DESC`, code)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		var s Session
		var closedAt sql.NullTime
		if err := rows.Scan(&s.Code, &s.TeacherID, &s.TeacherName, &s.OpenedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if closedAt.Valid {
			s.ClosedAt = &closedAt.Time
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Alerts lists archived alerts for a code in chronological order.
func (a *Archive) Alerts(ctx context.Context, code string) ([]types.AlertPayload, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, student_id, student_name, alert_type, severity, message, at
		 FROM alerts WHERE room_code = ? ORDER BY at ASC`, code)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var alerts []types.AlertPayload
	for rows.Next() {
		var alert types.AlertPayload
		var severity string
		if err := rows.Scan(&alert.ID, &alert.StudentID, &alert.StudentName,
			&alert.AlertType, &severity, &alert.Message, &alert.Timestamp); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alert.Severity = types.Severity(severity)
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// Timeline lists one student's archived classification emissions in
// chronological order.
func (a *Archive) Timeline(ctx context.Context, code, studentID string) ([]StateChange, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT student_id, status, confidence, at
		 FROM attention_events WHERE room_code = ? AND student_id = ? ORDER BY at ASC`,
		code, studentID)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var changes []StateChange
	for rows.Next() {
		var c StateChange
		var status string
		if err := rows.Scan(&c.StudentID, &status, &c.Confidence, &c.At); err != nil {
			return nil, fmt.Errorf("scan state change: %w", err)
		}
		c.Status = types.AttentionState(status)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// enqueue hands one write to the writer without blocking. Records offered
// after Close or while the queue is full are dropped.
func (a *Archive) enqueue(op func(*sql.DB) error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ops <- op:
	default:
		a.logger.Warn("archive queue full, record dropped")
	}
}

// writeLoop is the only goroutine that writes; SQLite performs best with a
// single writer. A failed write is retried once.
func (a *Archive) writeLoop() {
	defer a.wg.Done()
	for op := range a.ops {
		if err := op(a.db); err != nil {
			a.logger.Warn("archive write failed, retrying", zap.Error(err))
			time.Sleep(retryDelay)
			if err := op(a.db); err != nil {
				a.logger.Error("archive write failed after retry", zap.Error(err))
			}
		}
	}
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %s: %w", pragma, err)
		}
	}
	return nil
}

func createSchema(db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			code         TEXT NOT NULL,
			teacher_id   TEXT NOT NULL,
			teacher_name TEXT NOT NULL,
			opened_at    DATETIME NOT NULL,
			closed_at    DATETIME,
			PRIMARY KEY (code, opened_at)
		)`,
		`CREATE TABLE IF NOT EXISTS roster_events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			room_code    TEXT NOT NULL,
			student_id   TEXT NOT NULL,
			student_name TEXT,
			event        TEXT NOT NULL CHECK (event IN ('join', 'leave')),
			at           DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attention_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			room_code  TEXT NOT NULL,
			student_id TEXT NOT NULL,
			status     TEXT NOT NULL,
			confidence REAL NOT NULL,
			at         DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id           TEXT PRIMARY KEY,
			room_code    TEXT NOT NULL,
			student_id   TEXT NOT NULL,
			student_name TEXT,
			alert_type   TEXT NOT NULL,
			severity     TEXT NOT NULL,
			message      TEXT NOT NULL,
			at           DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_code ON rooms(code)`,
		`CREATE INDEX IF NOT EXISTS idx_roster_room_time ON roster_events(room_code, at)`,
		`CREATE INDEX IF NOT EXISTS idx_attention_room_student ON attention_events(room_code, student_id, at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_room_time ON alerts(room_code, at)`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}
