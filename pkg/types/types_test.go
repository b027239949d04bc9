package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestAttentionState_Confidence(t *testing.T) {
	tests := []struct {
		state AttentionState
		want  float64
	}{
		{StateAttentive, 0.90},
		{StateLookingAway, 0.75},
		{StateDrowsy, 0.80},
		{StateNoFace, 0.95},
		{AttentionState("bogus"), 0},
	}

	for _, tt := range tests {
		if got := tt.state.Confidence(); got != tt.want {
			t.Errorf("Confidence(%q) = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestAttentionState_Attentive(t *testing.T) {
	if !StateAttentive.Attentive() {
		t.Error("StateAttentive.Attentive() = false, want true")
	}
	for _, s := range []AttentionState{StateLookingAway, StateDrowsy, StateNoFace} {
		if s.Attentive() {
			t.Errorf("%q.Attentive() = true, want false", s)
		}
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	payload := ChatMessagePayload{
		UserID:    "student_1",
		UserName:  "Alice",
		UserType:  RoleStudent,
		Message:   "hello",
		Timestamp: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	env, err := NewEnvelope(MessageTypeChatMessage, payload)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if env.Type != MessageTypeChatMessage {
		t.Errorf("Type = %q, want %q", env.Type, MessageTypeChatMessage)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var back Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	var got ChatMessagePayload
	if err := back.DecodeData(&got); err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if got != payload {
		t.Errorf("payload = %+v, want %+v", got, payload)
	}
}

func TestEnvelope_NilPayload(t *testing.T) {
	env, err := NewEnvelope(MessageTypeHeartbeat, nil)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if len(env.Data) != 0 {
		t.Errorf("Data = %q, want empty", env.Data)
	}

	var dst struct{}
	if err := env.DecodeData(&dst); err != nil {
		t.Errorf("DecodeData() on empty data error = %v, want nil", err)
	}
}

func TestEnvelope_SignalPassthrough(t *testing.T) {
	// Signaling payloads carry fields the server never models; they must
	// survive a decode of just the routing view.
	raw := json.RawMessage(`{"target_id":"student_7","sdp":"v=0...","custom":42}`)
	env := Envelope{Type: MessageTypeWebRTCOffer, Data: raw}

	var sig SignalEnvelope
	if err := env.DecodeData(&sig); err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if sig.TargetID != "student_7" {
		t.Errorf("TargetID = %q, want %q", sig.TargetID, "student_7")
	}
	if string(env.Data) != string(raw) {
		t.Error("envelope data mutated during routing decode")
	}
}

func TestNormalizeRoomCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abc123", "ABC123"},
		{"ABC123", "ABC123"},
		{"  xy9z2q ", "XY9Z2Q"},
	}

	for _, tt := range tests {
		if got := NormalizeRoomCode(tt.in); got != tt.want {
			t.Errorf("NormalizeRoomCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsValidRoomCode(t *testing.T) {
	tests := []struct {
		name string
		code string
		want bool
	}{
		{"valid all letters", "ABCDEF", true},
		{"valid mixed", "A1B2C3", true},
		{"valid all digits", "123456", true},
		{"too short", "ABC12", false},
		{"too long", "ABC1234", false},
		{"lowercase rejected", "abc123", false},
		{"punctuation rejected", "AB-123", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidRoomCode(tt.code); got != tt.want {
				t.Errorf("IsValidRoomCode(%q) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestIsValidParticipantID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"simple", "student_1", true},
		{"hyphenated", "web-client-42", true},
		{"uuid style", "a81bc81b-dead-4e5d-abff-90865d1e13b1", true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 51), false},
		{"spaces", "student 1", false},
		{"special chars", "user!@#", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidParticipantID(tt.id); got != tt.want {
				t.Errorf("IsValidParticipantID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestIsValidDisplayName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"plain", "Alice", true},
		{"with spaces", "Alice B. Carter", true},
		{"unicode", "Zoë Müller", true},
		{"empty", "", false},
		{"too long", strings.Repeat("x", 101), false},
		{"control char", "Alice\x00", false},
		{"newline", "Alice\nBob", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidDisplayName(tt.in); got != tt.want {
				t.Errorf("IsValidDisplayName(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidateChatMessage(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr error
	}{
		{"normal", "hey everyone", nil},
		{"at limit", strings.Repeat("a", MaxChatMessageLen), nil},
		{"empty", "", ErrEmptyChatMessage},
		{"over limit", strings.Repeat("a", MaxChatMessageLen+1), ErrChatMessageTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateChatMessage(tt.text); err != tt.wantErr {
				t.Errorf("ValidateChatMessage() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAttentionReport_EmptyMeansNoFace(t *testing.T) {
	var report AttentionReport
	if err := json.Unmarshal([]byte(`{}`), &report); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if report.FaceDetected {
		t.Error("empty report decoded with FaceDetected = true")
	}
	if report.EyeAspectRatio != nil || report.Landmarks != nil {
		t.Error("empty report decoded with non-nil feature fields")
	}
}
