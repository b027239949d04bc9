package simulator

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"classpulse/internal/room"
	ws "classpulse/internal/websocket"
	"classpulse/pkg/types"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing url", func(c *Config) { c.ServerURL = "" }},
		{"bad room code", func(c *Config) { c.RoomCode = "nope" }},
		{"zero students", func(c *Config) { c.Students = 0 }},
		{"zero duration", func(c *Config) { c.Duration = 0 }},
		{"zero report rate", func(c *Config) { c.ReportRate = 0 }},
		{"negative offset", func(c *Config) { c.PhaseOffset = -time.Second }},
		{"zero chat interval", func(c *Config) { c.ChatInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("http://localhost:8080")
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}

	if err := DefaultConfig("http://localhost:8080").Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestStateAt_WalksTheScript(t *testing.T) {
	tests := []struct {
		at   time.Duration
		want types.AttentionState
	}{
		{0, types.StateAttentive},
		{19 * time.Second, types.StateAttentive},
		{21 * time.Second, types.StateDrowsy},
		{30 * time.Second, types.StateAttentive},
		{40 * time.Second, types.StateLookingAway},
		{47 * time.Second, types.StateAttentive},
		{56 * time.Second, types.StateNoFace},
		{scriptLength() + time.Second, types.StateAttentive},
	}
	for _, tt := range tests {
		if got := stateAt(tt.at); got != tt.want {
			t.Errorf("stateAt(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestSampleFor_MatchesClassifierThresholds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		drowsy := sampleFor(types.StateDrowsy, rng)
		if !drowsy.FaceDetected || drowsy.EyeAspectRatio == nil || *drowsy.EyeAspectRatio >= 0.18 {
			t.Fatalf("drowsy sample would not read as closed eyes: %+v", drowsy)
		}

		away := sampleFor(types.StateLookingAway, rng)
		if away.NoseOffsetX == nil || absF(*away.NoseOffsetX) <= 0.25 {
			t.Fatalf("look-away sample inside the nose band: %+v", away)
		}

		gone := sampleFor(types.StateNoFace, rng)
		if gone.FaceDetected || gone.EyeAspectRatio != nil {
			t.Fatalf("no-face sample carries features: %+v", gone)
		}

		fine := sampleFor(types.StateAttentive, rng)
		if !fine.FaceDetected || *fine.EyeAspectRatio <= 0.18 || absF(*fine.NoseOffsetX) > 0.25 {
			t.Fatalf("attentive sample would trip the classifier: %+v", fine)
		}
	}
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestSimulator_RunAgainstLiveServer(t *testing.T) {
	manager := room.NewManager(room.DefaultConfig(), nil, zap.NewNop())
	handler := ws.NewHandler(manager, ws.DefaultConfig(), zap.NewNop())
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		manager.CloseAll(ctx)
	})

	cfg := DefaultConfig(srv.URL)
	cfg.RoomCode = "SIM001"
	cfg.Students = 2
	cfg.Duration = 2 * time.Second
	cfg.ReportRate = 50 * time.Millisecond
	cfg.PhaseOffset = 0
	cfg.ChatInterval = 300 * time.Millisecond
	cfg.UpdateInterval = 300 * time.Millisecond

	sim, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sum, err := sim.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.ReportsSent == 0 {
		t.Error("expected attention reports to be sent")
	}
	if sum.AttentionUpdates == 0 {
		t.Error("expected the teacher to receive classified updates")
	}
	if sum.StateUpdates == 0 {
		t.Error("expected state updates in reply to requests")
	}
	if sum.ChatDelivered == 0 {
		t.Error("expected students to receive the teacher's chat")
	}
}
