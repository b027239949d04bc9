package websocket

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"classpulse/pkg/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connPair upgrades one socket pair and wraps the server side in a
// Connection. The returned *websocket.Conn is the raw client end.
func connPair(t *testing.T, cfg Config) (*Connection, *websocket.Conn) {
	t.Helper()

	serverCh := make(chan *Connection, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverCh <- NewConnection(raw, cfg, zap.NewNop())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-serverCh:
		t.Cleanup(func() { _ = conn.Close() })
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("server never produced a connection")
		return nil, nil
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero read timeout", func(c *Config) { c.ReadTimeout = 0 }},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }},
		{"zero handshake timeout", func(c *Config) { c.HandshakeTimeout = 0 }},
		{"ping above read timeout", func(c *Config) { c.PingInterval = 2 * time.Minute }},
		{"zero ping interval", func(c *Config) { c.PingInterval = 0 }},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }},
		{"zero message cap", func(c *Config) { c.MaxMessageBytes = 0 }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestConnection_SendReachesClient(t *testing.T) {
	conn, client := connPair(t, DefaultConfig())

	want := types.MustEnvelope(types.MessageTypeChatMessage, types.ChatMessagePayload{
		UserID:  "s1",
		Message: "hello",
	})
	if err := conn.Send(want); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got types.Envelope
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if got.Type != types.MessageTypeChatMessage {
		t.Fatalf("got type %q, want %q", got.Type, types.MessageTypeChatMessage)
	}
	var payload types.ChatMessagePayload
	if err := got.DecodeData(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Message != "hello" {
		t.Errorf("got message %q, want %q", payload.Message, "hello")
	}
}

func TestConnection_ReadEnvelope(t *testing.T) {
	conn, client := connPair(t, DefaultConfig())

	if err := client.WriteJSON(types.Envelope{Type: types.MessageTypeHeartbeat}); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	env, err := conn.ReadEnvelope()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if env.Type != types.MessageTypeHeartbeat {
		t.Fatalf("got type %q, want heartbeat", env.Type)
	}
}

func TestConnection_MalformedFrameKeepsReading(t *testing.T) {
	conn, client := connPair(t, DefaultConfig())

	frames := [][]byte{
		[]byte("{not json"),
		[]byte(`{"data":{}}`),
	}
	for _, frame := range frames {
		if err := client.WriteMessage(websocket.TextMessage, frame); err != nil {
			t.Fatalf("client write failed: %v", err)
		}
		if _, err := conn.ReadEnvelope(); !errors.Is(err, ErrMalformedEnvelope) {
			t.Fatalf("got %v, want ErrMalformedEnvelope", err)
		}
	}

	// The connection must survive garbage frames.
	if err := client.WriteJSON(types.Envelope{Type: types.MessageTypeHeartbeat}); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	env, err := conn.ReadEnvelope()
	if err != nil {
		t.Fatalf("read after garbage failed: %v", err)
	}
	if env.Type != types.MessageTypeHeartbeat {
		t.Fatalf("got type %q, want heartbeat", env.Type)
	}
}

func TestConnection_OversizeFrameFailsRead(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageBytes = 64
	conn, client := connPair(t, cfg)

	big := `{"type":"chat_message","data":{"message":"` + strings.Repeat("x", 200) + `"}}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(big)); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	if _, err := conn.ReadEnvelope(); err == nil || errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("got %v, want terminal read error", err)
	}
}

func TestConnection_CloseIsIdempotentAndStopsSend(t *testing.T) {
	conn, _ := connPair(t, DefaultConfig())

	if err := conn.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	err := conn.Send(types.Envelope{Type: types.MessageTypeHeartbeatAck})
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("got %v, want ErrConnectionClosed", err)
	}
}

func TestConnection_CloseDrainsQueuedEnvelopes(t *testing.T) {
	conn, client := connPair(t, DefaultConfig())

	for i := 0; i < 3; i++ {
		if err := conn.Send(types.MustEnvelope(types.MessageTypeRoomClosed, types.RoomClosedPayload{
			Message: "session ended",
		})); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	_ = conn.Close()

	received := 0
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env types.Envelope
		if err := client.ReadJSON(&env); err != nil {
			break
		}
		if env.Type == types.MessageTypeRoomClosed {
			received++
		}
	}
	if received != 3 {
		t.Fatalf("client received %d envelopes, want 3", received)
	}
}

func TestConnection_SendNeverBlocksUnderBurst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 2
	conn, client := connPair(t, cfg)

	go func() {
		_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			if err := conn.Send(types.Envelope{Type: types.MessageTypeHeartbeatAck}); err != nil {
				t.Errorf("send %d failed: %v", i, err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("burst of sends blocked")
	}
}

func TestConnection_PingsFlow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PingInterval = 30 * time.Millisecond
	cfg.ReadTimeout = time.Second
	_, client := connPair(t, cfg)

	pinged := make(chan struct{}, 1)
	client.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})

	// Control frames are only processed while a read is pending.
	go func() {
		_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping observed")
	}
}
