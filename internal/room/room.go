package room

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"classpulse/internal/alert"
	"classpulse/internal/attention"
	"classpulse/internal/relay"
	"classpulse/pkg/types"
)

// Conn is the transport surface the coordinator needs from one registered
// connection. Send must be non-blocking (bounded internal queue) and Close
// must be safe to call more than once and from any goroutine.
type Conn interface {
	Send(env types.Envelope) error
	Close() error
}

// Sink receives lifecycle and classification records for after-class review.
// Implementations must not block; a nil sink disables recording.
type Sink interface {
	RoomOpened(code, teacherID, teacherName string, at time.Time)
	RoomClosed(code string, at time.Time)
	StudentJoined(code, studentID, studentName string, at time.Time)
	StudentLeft(code, studentID string, at time.Time)
	StateChanged(code, studentID string, state types.AttentionState, confidence float64, at time.Time)
	AlertRaised(code string, a types.AlertPayload)
}

// student is the actor-owned record for one joined student.
type student struct {
	id         string
	name       string
	conn       Conn
	engine     *attention.Engine
	state      types.AttentionState
	lastSeen   time.Time
	alertCount int
}

// Room coordinates one live session: the owning teacher connection plus the
// student roster. All roster and classification state is owned by a single
// goroutine; every external entry point posts an event onto one FIFO channel,
// which yields per-sender ordering for free and keeps different rooms fully
// independent.
type Room struct {
	code      string
	createdAt time.Time
	logger    *zap.Logger

	teacherID   string
	teacherName string
	teacherConn Conn

	engineCfg attention.Config
	relay     *relay.Relay
	alerts    *alert.Policy
	chat      *chatLimiter
	sink      Sink

	events chan event
	done   chan struct{}

	// onClose detaches the room from its manager; runs once on the room
	// goroutine as part of teardown.
	onClose func(*Room)

	// students is touched only by the run goroutine.
	students map[string]*student

	// studentCount mirrors len(students) for lock-free stats reads.
	studentCount atomic.Int32

	now func() time.Time
}

// Event kinds posted into the room's single ordered channel. Each carries the
// timestamp captured when the originating call was made.
type event interface{ at() time.Time }

type stamped struct{ t time.Time }

func (s stamped) at() time.Time { return s.t }

type evtJoin struct {
	stamped
	id   string
	name string
	conn Conn
}

type evtLeave struct {
	stamped
	id   string
	conn Conn
}

type evtTeacherLost struct {
	stamped
	conn Conn
}

type evtInbound struct {
	stamped
	senderID string
	conn     Conn
	env      types.Envelope
}

type evtShutdown struct {
	stamped
	message string
}

type roomParams struct {
	code        string
	teacherID   string
	teacherName string
	teacherConn Conn
	engineCfg   attention.Config
	alertCfg    alert.Config
	chatPerMin  int
	eventBuffer int
	relay       *relay.Relay
	sink        Sink
	logger      *zap.Logger
	onClose     func(*Room)
	now         func() time.Time
}

func newRoom(p roomParams) *Room {
	return &Room{
		code:        p.code,
		createdAt:   p.now(),
		logger:      p.logger.With(zap.String("room_code", p.code)),
		teacherID:   p.teacherID,
		teacherName: p.teacherName,
		teacherConn: p.teacherConn,
		engineCfg:   p.engineCfg,
		relay:       p.relay,
		alerts:      alert.NewPolicy(p.alertCfg),
		chat:        newChatLimiter(p.chatPerMin),
		sink:        p.sink,
		events:      make(chan event, p.eventBuffer),
		done:        make(chan struct{}),
		onClose:     p.onClose,
		students:    make(map[string]*student),
		now:         p.now,
	}
}

// Code returns the room's shareable six-character code.
func (r *Room) Code() string { return r.code }

// CreatedAt returns the room creation time.
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// TeacherID returns the owning teacher's participant id.
func (r *Room) TeacherID() string { return r.teacherID }

// StudentCount returns the live roster size, readable from any goroutine.
func (r *Room) StudentCount() int { return int(r.studentCount.Load()) }

// Done is closed once the room has fully torn down.
func (r *Room) Done() <-chan struct{} { return r.done }

// post enqueues an event, failing once the room has closed. A full queue
// applies backpressure to the posting connection's read loop, which preserves
// that sender's FIFO order.
func (r *Room) post(e event) error {
	select {
	case r.events <- e:
		return nil
	case <-r.done:
		return ErrRoomClosed
	}
}

// join is called by the manager with a validated student identity.
func (r *Room) join(conn Conn, id, name string) error {
	return r.post(evtJoin{stamped: stamped{r.now()}, id: id, name: name, conn: conn})
}

// StudentLeft removes a student. conn scopes the removal to one connection
// instance so a replaced connection's late close cannot evict its successor;
// a nil conn removes unconditionally. Safe to call repeatedly.
func (r *Room) StudentLeft(id string, conn Conn) {
	_ = r.post(evtLeave{stamped: stamped{r.now()}, id: id, conn: conn})
}

// TeacherLost ends the room if conn is still the owning teacher connection.
func (r *Room) TeacherLost(conn Conn) {
	_ = r.post(evtTeacherLost{stamped: stamped{r.now()}, conn: conn})
}

// HandleInbound routes one decoded envelope from a participant's read loop.
func (r *Room) HandleInbound(senderID string, conn Conn, env types.Envelope) error {
	return r.post(evtInbound{stamped: stamped{r.now()}, senderID: senderID, conn: conn, env: env})
}

// Shutdown closes the room, notifying students, and waits for teardown.
func (r *Room) Shutdown(ctx context.Context) error {
	select {
	case r.events <- evtShutdown{stamped: stamped{r.now()}, message: "session ended by server"}:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the room's owning goroutine.
func (r *Room) run() {
	created := types.MustEnvelope(types.MessageTypeRoomCreated, types.RoomCreatedPayload{
		RoomID:    r.code,
		CreatedAt: r.createdAt,
	})
	if err := r.teacherConn.Send(created); err != nil {
		r.logger.Warn("room_created undeliverable", zap.Error(err))
	}
	if r.sink != nil {
		r.sink.RoomOpened(r.code, r.teacherID, r.teacherName, r.createdAt)
	}
	r.logger.Info("room opened", zap.String("teacher_id", r.teacherID))

	for {
		evt := <-r.events
		switch e := evt.(type) {
		case evtJoin:
			r.handleJoin(e)
		case evtLeave:
			r.handleLeave(e)
		case evtInbound:
			r.handleInbound(e)
		case evtTeacherLost:
			if e.conn == r.teacherConn {
				r.close("The session has ended", e.at())
				return
			}
		case evtShutdown:
			r.close(e.message, e.at())
			return
		}
	}
}

func (r *Room) handleJoin(e evtJoin) {
	if e.id == r.teacherID {
		r.sendError(e.conn, "participant id is already in use")
		return
	}
	if existing, ok := r.students[e.id]; ok {
		// Reconnect: swap the transport, keep the roster entry, restart
		// classification from a fresh calibration. No join broadcast.
		old := existing.conn
		existing.conn = e.conn
		existing.name = e.name
		existing.engine = attention.NewEngine(r.engineCfg)
		existing.lastSeen = e.at()
		if old != e.conn {
			go old.Close()
		}
		r.sendRoster(e.conn)
		r.logger.Info("student reconnected", zap.String("student_id", e.id))
		return
	}

	s := &student{
		id:       e.id,
		name:     e.name,
		conn:     e.conn,
		engine:   attention.NewEngine(r.engineCfg),
		state:    types.StateAttentive,
		lastSeen: e.at(),
	}
	r.students[e.id] = s
	r.studentCount.Store(int32(len(r.students)))

	r.sendRoster(e.conn)
	join := types.MustEnvelope(types.MessageTypeStudentJoin, types.StudentJoinPayload{
		StudentID:   e.id,
		StudentName: e.name,
		Timestamp:   e.at(),
	})
	r.broadcast(join, e.id)

	if r.sink != nil {
		r.sink.StudentJoined(r.code, e.id, e.name, e.at())
	}
	r.logger.Info("student joined",
		zap.String("student_id", e.id),
		zap.Int("roster_size", len(r.students)))
}

func (r *Room) handleLeave(e evtLeave) {
	s, ok := r.students[e.id]
	if !ok {
		return
	}
	if e.conn != nil && s.conn != e.conn {
		// A replaced connection reporting its own close; the successor stays.
		return
	}
	delete(r.students, e.id)
	r.studentCount.Store(int32(len(r.students)))
	r.alerts.RemoveParticipant(e.id)
	r.chat.forget(e.id)
	go s.conn.Close()

	leave := types.MustEnvelope(types.MessageTypeStudentLeave, types.StudentLeavePayload{
		StudentID:   e.id,
		StudentName: s.name,
		Timestamp:   e.at(),
	})
	r.broadcast(leave, e.id)

	if r.sink != nil {
		r.sink.StudentLeft(r.code, e.id, e.at())
	}
	r.logger.Info("student left",
		zap.String("student_id", e.id),
		zap.Int("roster_size", len(r.students)))
}

func (r *Room) handleInbound(e evtInbound) {
	fromTeacher := e.senderID == r.teacherID && e.conn == r.teacherConn
	var sender *student
	if !fromTeacher {
		s, ok := r.students[e.senderID]
		if !ok || s.conn != e.conn {
			// Unknown or stale connection; nothing to route.
			return
		}
		sender = s
	}

	switch {
	case e.env.Type == types.MessageTypeAttentionUpdate:
		if sender != nil {
			r.handleAttention(sender, e)
		}
	case e.env.Type == types.MessageTypeChatMessage:
		r.handleChat(e, fromTeacher, sender)
	case relay.IsSignaling(e.env.Type):
		peer := relay.Peer{ID: e.senderID, Role: types.RoleStudent, Conn: e.conn}
		if fromTeacher {
			peer.Role = types.RoleTeacher
		}
		r.relay.Forward(roomDirectory{r}, peer, e.env, e.at())
	case e.env.Type == types.MessageTypeRequestUpdate:
		if fromTeacher {
			r.sendStateUpdate(e.at())
		}
	default:
		// Unknown types are ignored for forward compatibility.
		r.logger.Debug("ignored message",
			zap.String("type", e.env.Type),
			zap.String("sender_id", e.senderID))
	}
}

func (r *Room) handleAttention(s *student, e evtInbound) {
	var report types.AttentionReport
	if err := e.env.DecodeData(&report); err != nil {
		r.logger.Debug("malformed attention report",
			zap.String("student_id", s.id),
			zap.Error(err))
		return
	}

	features := attention.FromReport(report)
	result, emit := s.engine.Process(features, e.at())
	s.state = result.State
	s.lastSeen = e.at()

	if a := r.alerts.Observe(s.id, s.name, result.State, e.at()); a != nil {
		s.alertCount++
		alertEnv := types.MustEnvelope(types.MessageTypeAlert, *a)
		if err := r.teacherConn.Send(alertEnv); err != nil {
			r.logger.Warn("alert undeliverable", zap.Error(err))
		}
		if r.sink != nil {
			r.sink.AlertRaised(r.code, *a)
		}
		r.logger.Info("alert raised",
			zap.String("student_id", s.id),
			zap.String("alert_type", a.AlertType),
			zap.String("severity", string(a.Severity)))
	}

	if !emit {
		return
	}
	update := types.MustEnvelope(types.MessageTypeAttentionUpdate, types.AttentionUpdatePayload{
		StudentID:   s.id,
		StudentName: s.name,
		Status:      result.State,
		Confidence:  result.Confidence,
		EAR:         features.EAR,
		NoseX:       features.NoseX,
		NoseY:       features.NoseY,
		HeadPose:    features.HeadPose,
		Timestamp:   e.at(),
	})
	if err := r.teacherConn.Send(update); err != nil {
		r.logger.Debug("attention update undeliverable", zap.Error(err))
	}
	if r.sink != nil {
		r.sink.StateChanged(r.code, s.id, result.State, result.Confidence, e.at())
	}
}

func (r *Room) handleChat(e evtInbound, fromTeacher bool, sender *student) {
	var inbound struct {
		Message string `json:"message"`
	}
	if err := e.env.DecodeData(&inbound); err != nil {
		r.sendError(e.conn, "malformed chat message")
		return
	}
	if err := types.ValidateChatMessage(inbound.Message); err != nil {
		r.sendError(e.conn, err.Error())
		return
	}
	if !r.chat.allow(e.senderID, e.at()) {
		r.sendError(e.conn, "chat rate limit exceeded")
		return
	}

	name, role := r.teacherName, types.RoleTeacher
	if !fromTeacher {
		name, role = sender.name, types.RoleStudent
	}
	chat := types.MustEnvelope(types.MessageTypeChatMessage, types.ChatMessagePayload{
		UserID:    e.senderID,
		UserName:  name,
		UserType:  role,
		Message:   inbound.Message,
		Timestamp: e.at(),
	})
	r.broadcast(chat, e.senderID)
}

func (r *Room) sendStateUpdate(at time.Time) {
	students := make([]types.StudentSnapshot, 0, len(r.students))
	for _, s := range r.students {
		students = append(students, types.StudentSnapshot{
			ID:          s.id,
			Name:        s.name,
			Status:      s.state,
			Confidence:  s.state.Confidence(),
			LastUpdate:  s.lastSeen,
			AlertsCount: s.alertCount,
		})
	}
	sort.Slice(students, func(i, j int) bool { return students[i].ID < students[j].ID })

	update := types.MustEnvelope(types.MessageTypeStateUpdate, types.StateUpdatePayload{
		Students:  students,
		Alerts:    r.alerts.History(),
		Timestamp: at,
	})
	if err := r.teacherConn.Send(update); err != nil {
		r.logger.Debug("state update undeliverable", zap.Error(err))
	}
}

// sendRoster sends the full roster snapshot, teacher first then students in
// id order, to one connection.
func (r *Room) sendRoster(conn Conn) {
	participants := make([]types.ParticipantInfo, 0, len(r.students)+1)
	participants = append(participants, types.ParticipantInfo{
		ID:   r.teacherID,
		Name: r.teacherName,
		Role: types.RoleTeacher,
	})
	ids := make([]string, 0, len(r.students))
	for id := range r.students {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := r.students[id]
		participants = append(participants, types.ParticipantInfo{
			ID:   s.id,
			Name: s.name,
			Role: types.RoleStudent,
		})
	}

	roster := types.MustEnvelope(types.MessageTypeParticipantList, types.ParticipantListPayload{
		Participants: participants,
	})
	if err := conn.Send(roster); err != nil {
		r.logger.Debug("roster snapshot undeliverable", zap.Error(err))
	}
}

// broadcast fans an envelope out to the teacher and every student except the
// one named by exceptID.
func (r *Room) broadcast(env types.Envelope, exceptID string) {
	if r.teacherID != exceptID {
		if err := r.teacherConn.Send(env); err != nil {
			r.logger.Debug("broadcast to teacher failed", zap.Error(err))
		}
	}
	for id, s := range r.students {
		if id == exceptID {
			continue
		}
		if err := s.conn.Send(env); err != nil {
			r.logger.Debug("broadcast to student failed",
				zap.String("student_id", id),
				zap.Error(err))
		}
	}
}

func (r *Room) sendError(conn Conn, message string) {
	env := types.MustEnvelope(types.MessageTypeError, types.ErrorPayload{Message: message})
	if err := conn.Send(env); err != nil {
		r.logger.Debug("error reply undeliverable", zap.Error(err))
	}
}

// close notifies every student, closes all connections, detaches from the
// manager and releases the code, then signals done. Runs on the room
// goroutine exactly once.
func (r *Room) close(message string, at time.Time) {
	closed := types.MustEnvelope(types.MessageTypeRoomClosed, types.RoomClosedPayload{Message: message})
	for _, s := range r.students {
		if err := s.conn.Send(closed); err != nil {
			r.logger.Debug("room_closed undeliverable",
				zap.String("student_id", s.id),
				zap.Error(err))
		}
		go s.conn.Close()
	}
	go r.teacherConn.Close()

	r.students = make(map[string]*student)
	r.studentCount.Store(0)

	if r.onClose != nil {
		r.onClose(r)
	}
	if r.sink != nil {
		r.sink.RoomClosed(r.code, at)
	}
	r.logger.Info("room closed", zap.String("reason", message))
	close(r.done)
}

// roomDirectory exposes the actor-owned roster to the relay; only the room
// goroutine constructs it.
type roomDirectory struct{ r *Room }

func (d roomDirectory) Peer(id string) (relay.Peer, bool) {
	if id == d.r.teacherID {
		return relay.Peer{ID: id, Role: types.RoleTeacher, Conn: d.r.teacherConn}, true
	}
	if s, ok := d.r.students[id]; ok {
		return relay.Peer{ID: id, Role: types.RoleStudent, Conn: s.conn}, true
	}
	return relay.Peer{}, false
}
