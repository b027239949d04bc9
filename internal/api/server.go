// Package api exposes the coordinator's small REST surface: liveness,
// census, room existence for join pages, and archived session review. No
// business logic lives here, only HTTP handling and JSON serialization.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"classpulse/internal/archive"
	"classpulse/internal/room"
	"classpulse/pkg/types"
)

// Archiver is the readable slice of the session journal the API exposes.
// A nil Archiver disables the history endpoint.
type Archiver interface {
	HealthCheck(ctx context.Context) error
	Sessions(ctx context.Context, code string) ([]archive.Session, error)
	Alerts(ctx context.Context, code string) ([]types.AlertPayload, error)
}

// Server handles the REST endpoints alongside the websocket endpoints.
type Server struct {
	manager  *room.Manager
	archiver Archiver
	logger   *zap.Logger
	router   *http.ServeMux
}

// NewServer builds the REST surface around the room manager. archiver may
// be nil when archiving is disabled.
func NewServer(manager *room.Manager, archiver Archiver, logger *zap.Logger) *Server {
	s := &Server{
		manager:  manager,
		archiver: archiver,
		logger:   logger,
		router:   http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("/stats", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.stats))))
	s.router.Handle("/room/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleRoom))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HealthResponse reports process liveness plus the archive's condition.
type HealthResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	TotalRooms int       `json:"total_rooms"`
	Archive    string    `json:"archive"`
}

// ExistsResponse answers a join page's pre-flight room check.
type ExistsResponse struct {
	Exists bool   `json:"exists"`
	RoomID string `json:"room_id,omitempty"`
}

// HistoryResponse is the archived record of every session held under a code.
type HistoryResponse struct {
	Sessions []archive.Session    `json:"sessions"`
	Alerts   []types.AlertPayload `json:"alerts"`
}

// ErrorResponse is the consistent error body for every refusal.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	archiveStatus := "disabled"
	if s.archiver != nil {
		archiveStatus = "healthy"
		if err := s.archiver.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			archiveStatus = fmt.Sprintf("error: %v", err)
		}
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	s.encode(w, HealthResponse{
		Status:     status,
		Timestamp:  time.Now(),
		TotalRooms: s.manager.Stats().Rooms,
		Archive:    archiveStatus,
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.encode(w, s.manager.Stats())
}

// handleRoom dispatches /room/{code}/exists and /room/{code}/history.
func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/room/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		s.sendError(w, "Expected /room/{code}/exists or /room/{code}/history", http.StatusNotFound)
		return
	}
	code := types.NormalizeRoomCode(parts[0])

	switch parts[1] {
	case "exists":
		s.roomExists(w, code)
	case "history":
		s.roomHistory(w, r, code)
	default:
		s.sendError(w, "Unknown room endpoint", http.StatusNotFound)
	}
}

func (s *Server) roomExists(w http.ResponseWriter, code string) {
	if !types.IsValidRoomCode(code) {
		s.encode(w, ExistsResponse{Exists: false})
		return
	}
	rm, ok := s.manager.Lookup(code)
	if !ok {
		s.encode(w, ExistsResponse{Exists: false})
		return
	}
	s.encode(w, ExistsResponse{Exists: true, RoomID: rm.Code()})
}

func (s *Server) roomHistory(w http.ResponseWriter, r *http.Request, code string) {
	if s.archiver == nil {
		s.sendError(w, "Archiving is not enabled", http.StatusNotFound)
		return
	}
	if !types.IsValidRoomCode(code) {
		s.sendError(w, "Invalid room code", http.StatusBadRequest)
		return
	}

	sessions, err := s.archiver.Sessions(r.Context(), code)
	if err != nil {
		s.logger.Error("history query failed", zap.String("room_code", code), zap.Error(err))
		s.sendError(w, "Failed to load history", http.StatusInternalServerError)
		return
	}
	alerts, err := s.archiver.Alerts(r.Context(), code)
	if err != nil {
		s.logger.Error("alert query failed", zap.String("room_code", code), zap.Error(err))
		s.sendError(w, "Failed to load history", http.StatusInternalServerError)
		return
	}
	s.encode(w, HistoryResponse{Sessions: sessions, Alerts: alerts})
}

func (s *Server) encode(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encoding failed", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	s.encode(w, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// corsMiddleware lets join pages and dashboards on other origins call the
// API; preflights are answered here.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
