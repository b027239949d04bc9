package types

import (
	"encoding/json"
	"time"
)

// Wire message types. Every frame on a connection is an Envelope whose Type
// is one of these; receivers ignore unknown types so older peers keep working
// against newer servers.
const (
	MessageTypeError           = "error"
	MessageTypeHeartbeat       = "heartbeat"
	MessageTypeHeartbeatAck    = "heartbeat_ack"
	MessageTypeRoomCreated     = "room_created"
	MessageTypeRoomClosed      = "room_closed"
	MessageTypeParticipantList = "participant_list"
	MessageTypeStudentJoin     = "student_join"
	MessageTypeStudentLeave    = "student_leave"
	MessageTypeAttentionUpdate = "attention_update"
	MessageTypeChatMessage     = "chat_message"
	MessageTypeAlert           = "alert"
	MessageTypeRequestUpdate   = "request_update"
	MessageTypeStateUpdate     = "state_update"
	MessageTypeWebRTCOffer     = "webrtc_offer"
	MessageTypeWebRTCAnswer    = "webrtc_answer"
	MessageTypeWebRTCCandidate = "webrtc_ice_candidate"
	MessageTypePeerUnavailable = "peer_unavailable"
)

// Role identifies which side of the classroom a participant is on.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// AttentionState is the discrete classification of one participant's
// engagement, produced by the attention engine.
type AttentionState string

const (
	StateAttentive   AttentionState = "attentive"
	StateLookingAway AttentionState = "looking_away"
	StateDrowsy      AttentionState = "drowsy"
	StateNoFace      AttentionState = "no_face"
)

// Confidence returns the fixed confidence constant attached to every emission
// of this state. Confidence is a property of the state, not of the sample.
func (s AttentionState) Confidence() float64 {
	switch s {
	case StateAttentive:
		return 0.90
	case StateLookingAway:
		return 0.75
	case StateDrowsy:
		return 0.80
	case StateNoFace:
		return 0.95
	default:
		return 0
	}
}

// Attentive reports whether the state requires no teacher intervention.
func (s AttentionState) Attentive() bool {
	return s == StateAttentive
}

// Severity grades an alert for display.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Envelope is the frame exchanged on every connection: a discriminant type
// plus an opaque payload. Data stays raw so routing code never has to
// understand payloads it only forwards.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into a ready-to-send envelope.
func NewEnvelope(msgType string, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: msgType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Data: data}, nil
}

// MustEnvelope is NewEnvelope for payloads built entirely from internal
// values, where a marshal failure is a programming error.
func MustEnvelope(msgType string, payload interface{}) Envelope {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// DecodeData unmarshals the payload into v. An envelope with no data decodes
// into the zero value.
func (e Envelope) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// ErrorPayload is sent to exactly one connection when a request is refused.
type ErrorPayload struct {
	Message string `json:"message"`
}

// RoomCreatedPayload confirms room ownership to the teacher.
type RoomCreatedPayload struct {
	RoomID    string    `json:"room_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RoomClosedPayload tells students the session has ended.
type RoomClosedPayload struct {
	Message string `json:"message"`
}

// ParticipantInfo is one roster entry in the snapshot sent to a joiner.
type ParticipantInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// ParticipantListPayload is the full roster snapshot a new participant
// receives immediately after joining.
type ParticipantListPayload struct {
	Participants []ParticipantInfo `json:"participants"`
}

// StudentJoinPayload is broadcast to everyone already in the room.
type StudentJoinPayload struct {
	StudentID   string    `json:"student_id"`
	StudentName string    `json:"student_name"`
	Timestamp   time.Time `json:"timestamp"`
}

// StudentLeavePayload is broadcast to the remaining participants.
type StudentLeavePayload struct {
	StudentID   string    `json:"student_id"`
	StudentName string    `json:"student_name,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Point is a 2D landmark coordinate in the client's capture space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// HeadPose carries head rotation in degrees.
type HeadPose struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
}

// FaceLandmarks is the raw landmark-point form of a sample. Clients that do
// their own geometry send the derived fields on AttentionReport instead; the
// two forms are interchangeable and landmarks win when both are present.
type FaceLandmarks struct {
	LeftEye   []Point `json:"left_eye,omitempty"`
	RightEye  []Point `json:"right_eye,omitempty"`
	NoseTip   *Point  `json:"nose_tip,omitempty"`
	FaceLeft  *Point  `json:"face_left,omitempty"`
	FaceRight *Point  `json:"face_right,omitempty"`
}

// AttentionReport is the student side of an attention update: one sample of
// the landmark stream. Every field is optional; FaceDetected false (or an
// entirely empty report) means the detector lost the face this frame.
type AttentionReport struct {
	FaceDetected   bool           `json:"face_detected"`
	EyeAspectRatio *float64       `json:"ear,omitempty"`
	NoseOffsetX    *float64       `json:"nose_x,omitempty"`
	NoseOffsetY    *float64       `json:"nose_y,omitempty"`
	HeadPose       *HeadPose      `json:"head_pose,omitempty"`
	Landmarks      *FaceLandmarks `json:"landmarks,omitempty"`
}

// AttentionUpdatePayload is the teacher side: the classified state plus an
// echo of the features that produced it.
type AttentionUpdatePayload struct {
	StudentID   string         `json:"student_id"`
	StudentName string         `json:"student_name"`
	Status      AttentionState `json:"status"`
	Confidence  float64        `json:"confidence"`
	EAR         *float64       `json:"ear,omitempty"`
	NoseX       *float64       `json:"nose_x,omitempty"`
	NoseY       *float64       `json:"nose_y,omitempty"`
	HeadPose    *HeadPose      `json:"head_pose,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ChatMessagePayload is broadcast to every other participant in the room.
// The server stamps sender identity and time; clients cannot forge either.
type ChatMessagePayload struct {
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	UserType  Role      `json:"user_type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertPayload notifies the teacher of a sustained adverse state.
type AlertPayload struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"student_id"`
	StudentName string    `json:"student_name"`
	AlertType   string    `json:"alert_type"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// SignalEnvelope is the routing view of a WebRTC signaling payload: only the
// target is read, the rest of the payload passes through untouched.
type SignalEnvelope struct {
	TargetID string `json:"target_id"`
}

// PeerUnavailablePayload tells a signaling sender its target cannot be
// reached right now.
type PeerUnavailablePayload struct {
	TargetID  string    `json:"target_id"`
	Timestamp time.Time `json:"timestamp"`
}

// StudentSnapshot is one row of a teacher-requested state update.
type StudentSnapshot struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      AttentionState `json:"status"`
	Confidence  float64        `json:"confidence"`
	LastUpdate  time.Time      `json:"last_update"`
	AlertsCount int            `json:"alerts_count"`
}

// StateUpdatePayload answers a teacher's request_update with the live roster
// and the retained alert history.
type StateUpdatePayload struct {
	Students  []StudentSnapshot `json:"students"`
	Alerts    []AlertPayload    `json:"alerts"`
	Timestamp time.Time         `json:"timestamp"`
}
