package alert

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"classpulse/pkg/types"
)

// Config holds the alerting thresholds.
type Config struct {
	// Dwell is how long a participant must remain in one adverse condition
	// before an alert fires. Must be strictly longer than the classifier's
	// own hysteresis window so an episode that barely promoted cannot also
	// instantly alert.
	Dwell time.Duration

	// HistoryLimit caps the room's retained alert history; the oldest entry
	// is evicted first.
	HistoryLimit int
}

// DefaultConfig returns the standard alerting thresholds.
func DefaultConfig() Config {
	return Config{
		Dwell:        2500 * time.Millisecond,
		HistoryLimit: 50,
	}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.Dwell <= 0 {
		return fmt.Errorf("alert dwell must be positive, got %v", c.Dwell)
	}
	if c.HistoryLimit < 1 {
		return fmt.Errorf("alert history limit must be at least 1, got %d", c.HistoryLimit)
	}
	return nil
}

// episodeKey scopes deduplication to one participant in one condition.
type episodeKey struct {
	participantID string
	state         types.AttentionState
}

type episode struct {
	start   time.Time
	alerted bool
}

// Policy derives teacher-facing alerts from sustained adverse classification
// states for one room. An episode opens when a participant enters an adverse
// condition, fires at most one alert once the dwell elapses, and closes only
// when the participant returns to attentive. Poll-rate independent: callers
// feed every classification result, published or not.
//
// Not safe for concurrent use; owned by the room's goroutine.
type Policy struct {
	cfg      Config
	episodes map[episodeKey]*episode
	history  []types.AlertPayload
}

// NewPolicy creates an empty policy. cfg must have passed Validate.
func NewPolicy(cfg Config) *Policy {
	return &Policy{
		cfg:      cfg,
		episodes: make(map[episodeKey]*episode),
	}
}

// Observe feeds one classification result. It returns a new alert when this
// observation crosses the dwell for an un-alerted episode, nil otherwise.
func (p *Policy) Observe(participantID, participantName string, state types.AttentionState, at time.Time) *types.AlertPayload {
	if state.Attentive() {
		for key := range p.episodes {
			if key.participantID == participantID {
				delete(p.episodes, key)
			}
		}
		return nil
	}

	key := episodeKey{participantID: participantID, state: state}
	ep, ok := p.episodes[key]
	if !ok {
		ep = &episode{start: at}
		p.episodes[key] = ep
	}
	if ep.alerted || at.Sub(ep.start) < p.cfg.Dwell {
		return nil
	}
	ep.alerted = true

	a := types.AlertPayload{
		ID:          uuid.NewString(),
		StudentID:   participantID,
		StudentName: participantName,
		AlertType:   string(state),
		Severity:    severityFor(state),
		Message:     messageFor(participantName, state),
		Timestamp:   at,
	}
	p.record(a)
	return &a
}

// RemoveParticipant drops all open episodes for a departed participant.
// Already-raised alerts stay in the history.
func (p *Policy) RemoveParticipant(participantID string) {
	for key := range p.episodes {
		if key.participantID == participantID {
			delete(p.episodes, key)
		}
	}
}

// History returns the retained alerts, oldest first.
func (p *Policy) History() []types.AlertPayload {
	out := make([]types.AlertPayload, len(p.history))
	copy(out, p.history)
	return out
}

func (p *Policy) record(a types.AlertPayload) {
	if len(p.history) >= p.cfg.HistoryLimit {
		n := copy(p.history, p.history[1:])
		p.history = p.history[:n]
	}
	p.history = append(p.history, a)
}

func severityFor(state types.AttentionState) types.Severity {
	switch state {
	case types.StateDrowsy:
		return types.SeverityHigh
	case types.StateLookingAway:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

func messageFor(name string, state types.AttentionState) string {
	switch state {
	case types.StateDrowsy:
		return fmt.Sprintf("%s appears drowsy or sleepy", name)
	case types.StateLookingAway:
		return fmt.Sprintf("%s is looking away from the screen", name)
	case types.StateNoFace:
		return fmt.Sprintf("%s is not visible on camera", name)
	default:
		return fmt.Sprintf("%s needs attention", name)
	}
}
