package websocket

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"classpulse/internal/room"
	"classpulse/pkg/types"
)

// Handler terminates the two socket endpoints and feeds traffic into the
// room manager. Parameter problems are rejected before the upgrade with
// plain HTTP status codes; anything discovered after the upgrade travels
// back as an error envelope.
type Handler struct {
	manager  *room.Manager
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds a Handler around the given room manager. cfg must have
// passed Validate.
func NewHandler(manager *room.Manager, cfg Config, logger *zap.Logger) *Handler {
	return &Handler{
		manager: manager,
		cfg:     cfg,
		logger:  logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin: func(*http.Request) bool {
				// Capture pages and dashboards are served from other origins.
				return true
			},
		},
	}
}

// RegisterRoutes mounts the websocket endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/teacher", h.handleTeacher)
	mux.HandleFunc("/ws/student", h.handleStudent)
}

// handleTeacher opens a room for the connecting teacher. An optional
// room_id query parameter claims a specific code, otherwise one is
// generated. teacher_id and name are optional and defaulted.
func (h *Handler) handleTeacher(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	teacherID := q.Get("teacher_id")
	if teacherID == "" {
		teacherID = uuid.NewString()
	}
	name := q.Get("name")
	if name == "" {
		name = "Teacher"
	}
	claimed := q.Get("room_id")

	if !types.IsValidParticipantID(teacherID) {
		http.Error(w, "invalid teacher_id", http.StatusBadRequest)
		return
	}
	if !types.IsValidDisplayName(name) {
		http.Error(w, "invalid name", http.StatusBadRequest)
		return
	}
	if claimed != "" && !types.IsValidRoomCode(types.NormalizeRoomCode(claimed)) {
		http.Error(w, "invalid room_id", http.StatusBadRequest)
		return
	}

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("teacher upgrade failed", zap.Error(err))
		return
	}
	conn := NewConnection(raw, h.cfg, h.logger.Named("conn"))

	rm, err := h.manager.CreateRoom(conn, teacherID, name, claimed)
	if err != nil {
		h.logger.Info("room creation refused",
			zap.String("teacher_id", teacherID),
			zap.Error(err))
		_ = conn.Send(types.MustEnvelope(types.MessageTypeError, types.ErrorPayload{
			Message: createRefusalMessage(err),
		}))
		_ = conn.Close()
		return
	}

	h.logger.Info("teacher connected",
		zap.String("room_code", rm.Code()),
		zap.String("teacher_id", teacherID))

	defer func() {
		rm.TeacherLost(conn)
		_ = conn.Close()
	}()
	h.pump(rm, conn, teacherID)
}

// handleStudent joins the connecting student to an existing room. room_id
// is required; student_id and name are optional and defaulted. A join that
// fails because the room does not exist answers with an error envelope and
// leaves the connection open so the client can redial with a fresh code.
func (h *Handler) handleStudent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	code := q.Get("room_id")
	if code == "" {
		http.Error(w, "room_id is required", http.StatusBadRequest)
		return
	}
	studentID := q.Get("student_id")
	if studentID == "" {
		studentID = uuid.NewString()
	}
	name := q.Get("name")
	if name == "" {
		name = "Student"
	}

	if !types.IsValidParticipantID(studentID) {
		http.Error(w, "invalid student_id", http.StatusBadRequest)
		return
	}
	if !types.IsValidDisplayName(name) {
		http.Error(w, "invalid name", http.StatusBadRequest)
		return
	}

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("student upgrade failed", zap.Error(err))
		return
	}
	conn := NewConnection(raw, h.cfg, h.logger.Named("conn"))

	rm, err := h.manager.JoinStudent(code, conn, studentID, name)
	if err != nil {
		h.logger.Info("student join refused",
			zap.String("room_code", code),
			zap.String("student_id", studentID),
			zap.Error(err))
		_ = conn.Send(types.MustEnvelope(types.MessageTypeError, types.ErrorPayload{
			Message: "room not found",
		}))
		h.parkUnjoined(conn)
		return
	}

	h.logger.Info("student connected",
		zap.String("room_code", rm.Code()),
		zap.String("student_id", studentID))

	defer func() {
		rm.StudentLeft(studentID, conn)
		_ = conn.Close()
	}()
	h.pump(rm, conn, studentID)
}

// pump reads envelopes until the connection drops, answering heartbeats
// locally and handing everything else to the room.
func (h *Handler) pump(rm *room.Room, conn *Connection, senderID string) {
	for {
		env, err := conn.ReadEnvelope()
		if errors.Is(err, ErrMalformedEnvelope) {
			continue
		}
		if err != nil {
			return
		}
		if env.Type == types.MessageTypeHeartbeat {
			_ = conn.Send(types.Envelope{Type: types.MessageTypeHeartbeatAck})
			continue
		}
		if err := rm.HandleInbound(senderID, conn, env); err != nil {
			// Room shut down under us; nothing left to route to.
			return
		}
	}
}

// parkUnjoined keeps a connection that never joined a room alive for the
// client's retry window. Heartbeats are answered, everything else is
// ignored, and the read side still detects a client that walks away.
func (h *Handler) parkUnjoined(conn *Connection) {
	defer func() { _ = conn.Close() }()
	for {
		env, err := conn.ReadEnvelope()
		if errors.Is(err, ErrMalformedEnvelope) {
			continue
		}
		if err != nil {
			return
		}
		if env.Type == types.MessageTypeHeartbeat {
			_ = conn.Send(types.Envelope{Type: types.MessageTypeHeartbeatAck})
		}
	}
}

func createRefusalMessage(err error) string {
	switch {
	case errors.Is(err, room.ErrDuplicateTeacher):
		return "room code is already in use"
	case errors.Is(err, types.ErrInvalidRoomCode):
		return "invalid room code"
	default:
		return "unable to create room"
	}
}
