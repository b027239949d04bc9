package relay

import (
	"time"

	"go.uber.org/zap"

	"classpulse/pkg/types"
)

// Sender is the outbound half of a connection, satisfied by the websocket
// connection wrapper.
type Sender interface {
	Send(env types.Envelope) error
}

// Peer is one addressable participant of a room.
type Peer struct {
	ID   string
	Role types.Role
	Conn Sender
}

// Directory resolves participant ids to live peers. The room implements it;
// lookups happen on the room goroutine so no locking is required here.
type Directory interface {
	Peer(id string) (Peer, bool)
}

// IsSignaling reports whether a message type belongs to the relay.
func IsSignaling(msgType string) bool {
	switch msgType {
	case types.MessageTypeWebRTCOffer, types.MessageTypeWebRTCAnswer, types.MessageTypeWebRTCCandidate:
		return true
	default:
		return false
	}
}

// Relay forwards audio-negotiation envelopes point to point between one
// teacher and one student. It reads only the target_id routing field; the
// payload passes through byte for byte. It keeps no per-session state.
type Relay struct {
	logger *zap.Logger
}

// New creates a relay.
func New(logger *zap.Logger) *Relay {
	return &Relay{logger: logger}
}

// Forward routes one signaling envelope from sender to its target. An
// unreachable target (unknown id, left the room, same-role pairing, or a dead
// connection) is reported back to the sender as peer_unavailable rather than
// dropped silently. A payload with no usable target_id is ignored.
func (r *Relay) Forward(dir Directory, sender Peer, env types.Envelope, at time.Time) {
	var sig types.SignalEnvelope
	if err := env.DecodeData(&sig); err != nil || sig.TargetID == "" {
		r.logger.Debug("signaling payload missing target, ignored",
			zap.String("sender_id", sender.ID),
			zap.String("type", env.Type))
		return
	}

	target, ok := dir.Peer(sig.TargetID)
	if !ok || sender.Role == target.Role {
		r.notifyUnavailable(sender, sig.TargetID, at)
		return
	}

	if err := target.Conn.Send(env); err != nil {
		r.logger.Debug("signal forward failed",
			zap.String("sender_id", sender.ID),
			zap.String("target_id", sig.TargetID),
			zap.Error(err))
		r.notifyUnavailable(sender, sig.TargetID, at)
	}
}

func (r *Relay) notifyUnavailable(sender Peer, targetID string, at time.Time) {
	env := types.MustEnvelope(types.MessageTypePeerUnavailable, types.PeerUnavailablePayload{
		TargetID:  targetID,
		Timestamp: at,
	})
	if err := sender.Conn.Send(env); err != nil {
		r.logger.Debug("peer_unavailable notice undeliverable",
			zap.String("sender_id", sender.ID),
			zap.Error(err))
	}
}
