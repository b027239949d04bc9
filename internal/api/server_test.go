package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"classpulse/internal/archive"
	"classpulse/internal/room"
	"classpulse/pkg/types"
)

// stubConn satisfies room.Conn for tests that only need rooms to exist.
type stubConn struct {
	envs chan types.Envelope
}

func newStubConn() *stubConn {
	return &stubConn{envs: make(chan types.Envelope, 64)}
}

func (c *stubConn) Send(env types.Envelope) error {
	select {
	case c.envs <- env:
	default:
	}
	return nil
}

func (c *stubConn) Close() error { return nil }

func newTestServer(t *testing.T, archiver Archiver) (*Server, *room.Manager) {
	t.Helper()
	manager := room.NewManager(room.DefaultConfig(), nil, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		manager.CloseAll(ctx)
	})
	return NewServer(manager, archiver, zap.NewNop()), manager
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
}

func TestHealth_WithoutArchive(t *testing.T) {
	server, _ := newTestServer(t, nil)

	w := get(t, server, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}

	var health HealthResponse
	decode(t, w, &health)
	if health.Status != "healthy" {
		t.Errorf("expected healthy status, got %q", health.Status)
	}
	if health.Archive != "disabled" {
		t.Errorf("expected archive disabled, got %q", health.Archive)
	}
	if health.TotalRooms != 0 {
		t.Errorf("expected 0 rooms, got %d", health.TotalRooms)
	}
}

func TestHealth_ArchiveFailureFlips503(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classpulse.db")
	arch, err := archive.Open(archive.DefaultConfig(path), zap.NewNop())
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}

	server, _ := newTestServer(t, arch)

	w := get(t, server, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d with live archive, got %d", http.StatusOK, w.Code)
	}
	var health HealthResponse
	decode(t, w, &health)
	if health.Archive != "healthy" {
		t.Errorf("expected healthy archive, got %q", health.Archive)
	}

	// A closed archive fails its health check and drags the whole report down.
	if err := arch.Close(); err != nil {
		t.Fatalf("closing archive: %v", err)
	}
	w = get(t, server, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d after archive close, got %d", http.StatusServiceUnavailable, w.Code)
	}
	decode(t, w, &health)
	if health.Status != "unhealthy" {
		t.Errorf("expected unhealthy status, got %q", health.Status)
	}
}

func TestStats_CountsLiveRooms(t *testing.T) {
	server, manager := newTestServer(t, nil)

	if _, err := manager.CreateRoom(newStubConn(), "t_1", "Rivera", "MATH01"); err != nil {
		t.Fatalf("creating room: %v", err)
	}
	if _, err := manager.CreateRoom(newStubConn(), "t_2", "Chen", "BIO202"); err != nil {
		t.Fatalf("creating room: %v", err)
	}
	if _, err := manager.JoinStudent("MATH01", newStubConn(), "s_1", "Ana"); err != nil {
		t.Fatalf("joining student: %v", err)
	}

	w := get(t, server, "/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var stats room.Stats
	decode(t, w, &stats)
	if stats.Rooms != 2 || stats.Teachers != 2 || stats.Students != 1 {
		t.Errorf("expected 2 rooms, 2 teachers, 1 student; got %+v", stats)
	}
}

func TestRoomExists(t *testing.T) {
	server, manager := newTestServer(t, nil)
	if _, err := manager.CreateRoom(newStubConn(), "t_1", "Rivera", "MATH01"); err != nil {
		t.Fatalf("creating room: %v", err)
	}

	tests := []struct {
		name   string
		path   string
		exists bool
		roomID string
	}{
		{"live room", "/room/MATH01/exists", true, "MATH01"},
		{"lowercase is normalized", "/room/math01/exists", true, "MATH01"},
		{"unknown code", "/room/ZZZ999/exists", false, ""},
		{"malformed code", "/room/nope/exists", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, server, tt.path)
			if w.Code != http.StatusOK {
				t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
			}
			var resp ExistsResponse
			decode(t, w, &resp)
			if resp.Exists != tt.exists {
				t.Errorf("expected exists=%v, got %v", tt.exists, resp.Exists)
			}
			if resp.RoomID != tt.roomID {
				t.Errorf("expected room_id %q, got %q", tt.roomID, resp.RoomID)
			}
		})
	}
}

func TestRoomHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classpulse.db")
	arch, err := archive.Open(archive.DefaultConfig(path), zap.NewNop())
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}

	opened := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	arch.RoomOpened("MATH01", "t_1", "Rivera", opened)
	arch.AlertRaised("MATH01", types.AlertPayload{
		ID:          "alert-1",
		StudentID:   "s_1",
		StudentName: "Ana",
		AlertType:   "drowsy",
		Severity:    types.SeverityHigh,
		Message:     "Ana appears drowsy or sleepy",
		Timestamp:   opened.Add(5 * time.Minute),
	})
	arch.RoomClosed("MATH01", opened.Add(30*time.Minute))
	if err := arch.Close(); err != nil {
		t.Fatalf("closing archive: %v", err)
	}

	// Reopen so the queries run against fully flushed writes.
	arch, err = archive.Open(archive.DefaultConfig(path), zap.NewNop())
	if err != nil {
		t.Fatalf("reopening archive: %v", err)
	}
	defer arch.Close()

	server, _ := newTestServer(t, arch)

	w := get(t, server, "/room/math01/history")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var history HistoryResponse
	decode(t, w, &history)
	if len(history.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(history.Sessions))
	}
	if history.Sessions[0].TeacherName != "Rivera" || history.Sessions[0].ClosedAt == nil {
		t.Errorf("unexpected session record: %+v", history.Sessions[0])
	}
	if len(history.Alerts) != 1 || history.Alerts[0].ID != "alert-1" {
		t.Fatalf("expected the seeded alert, got %+v", history.Alerts)
	}

	// Unknown codes answer with empty history, not an error.
	w = get(t, server, "/room/ZZZ999/history")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d for unknown code, got %d", http.StatusOK, w.Code)
	}
	decode(t, w, &history)
	if len(history.Sessions) != 0 || len(history.Alerts) != 0 {
		t.Errorf("expected empty history, got %+v", history)
	}

	// Malformed codes are refused outright.
	w = get(t, server, "/room/nope/history")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d for malformed code, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestRoomHistory_DisabledWithoutArchive(t *testing.T) {
	server, _ := newTestServer(t, nil)

	w := get(t, server, "/room/MATH01/history")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
	var resp ErrorResponse
	decode(t, w, &resp)
	if resp.Code != http.StatusNotFound || resp.Message == "" {
		t.Errorf("unexpected error body: %+v", resp)
	}
}

func TestRoomRouting_Refusals(t *testing.T) {
	server, _ := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		code   int
	}{
		{"unknown room endpoint", http.MethodGet, "/room/MATH01/bogus", http.StatusNotFound},
		{"room root", http.MethodGet, "/room/", http.StatusNotFound},
		{"bare room path", http.MethodGet, "/room/MATH01", http.StatusNotFound},
		{"post to stats", http.MethodPost, "/stats", http.StatusMethodNotAllowed},
		{"delete on health", http.MethodDelete, "/health", http.StatusMethodNotAllowed},
		{"put on room", http.MethodPut, "/room/MATH01/exists", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			server.ServeHTTP(w, req)
			if w.Code != tt.code {
				t.Fatalf("expected status %d, got %d", tt.code, w.Code)
			}
			var resp ErrorResponse
			decode(t, w, &resp)
			if resp.Code != tt.code {
				t.Errorf("error body code %d does not match status %d", resp.Code, tt.code)
			}
			if resp.Error != http.StatusText(tt.code) {
				t.Errorf("expected error %q, got %q", http.StatusText(tt.code), resp.Error)
			}
		})
	}
}

func TestCORS_PreflightAndHeaders(t *testing.T) {
	server, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "http://dashboard.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected preflight status %d, got %d", http.StatusOK, w.Code)
	}
	if origin := w.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected wildcard origin, got %q", origin)
	}
	if methods := w.Header().Get("Access-Control-Allow-Methods"); methods == "" {
		t.Error("expected allowed methods header on preflight")
	}

	// Plain requests carry the CORS headers too.
	w = get(t, server, "/stats")
	if origin := w.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected wildcard origin on GET, got %q", origin)
	}
}
