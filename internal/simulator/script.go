package simulator

import (
	"math/rand"
	"time"

	"classpulse/pkg/types"
)

// phase is one leg of the scripted attention cycle.
type phase struct {
	state types.AttentionState
	dur   time.Duration
}

// script is the cycle every simulated student walks through. Students start
// at staggered offsets so the classroom never moves in lockstep.
var script = []phase{
	{types.StateAttentive, 20 * time.Second},
	{types.StateDrowsy, 9 * time.Second},
	{types.StateAttentive, 10 * time.Second},
	{types.StateLookingAway, 7 * time.Second},
	{types.StateAttentive, 9 * time.Second},
	{types.StateNoFace, 5 * time.Second},
}

func scriptLength() time.Duration {
	var total time.Duration
	for _, p := range script {
		total += p.dur
	}
	return total
}

// stateAt maps a point in simulated time onto the scripted cycle.
func stateAt(elapsed time.Duration) types.AttentionState {
	t := elapsed % scriptLength()
	for _, p := range script {
		if t < p.dur {
			return p.state
		}
		t -= p.dur
	}
	return types.StateAttentive
}

// sampleFor synthesizes one landmark-derived sample that the classifier will
// read as the given state once its hysteresis is satisfied.
func sampleFor(state types.AttentionState, rng *rand.Rand) types.AttentionReport {
	jitter := func(center, amp float64) *float64 {
		v := center + (rng.Float64()*2-1)*amp
		return &v
	}

	switch state {
	case types.StateDrowsy:
		return types.AttentionReport{
			FaceDetected:   true,
			EyeAspectRatio: jitter(0.08, 0.02),
			NoseOffsetX:    jitter(0, 0.04),
			HeadPose:       &types.HeadPose{Yaw: (rng.Float64()*2 - 1) * 5},
		}
	case types.StateLookingAway:
		side := 1.0
		if rng.Intn(2) == 0 {
			side = -1.0
		}
		return types.AttentionReport{
			FaceDetected:   true,
			EyeAspectRatio: jitter(0.30, 0.03),
			NoseOffsetX:    jitter(side*0.38, 0.05),
			HeadPose:       &types.HeadPose{Yaw: side * (35 + rng.Float64()*10)},
		}
	case types.StateNoFace:
		return types.AttentionReport{FaceDetected: false}
	default:
		return types.AttentionReport{
			FaceDetected:   true,
			EyeAspectRatio: jitter(0.30, 0.02),
			NoseOffsetX:    jitter(0, 0.05),
			HeadPose:       &types.HeadPose{Yaw: (rng.Float64()*2 - 1) * 8},
		}
	}
}

// studentNames seeds display names; indexes past the list wrap with a suffix.
var studentNames = []string{
	"Ana", "Ben", "Chloe", "Dmitri", "Esha", "Felix", "Grace", "Hugo",
	"Iris", "Jonas", "Kaia", "Liam", "Mei", "Noor", "Otis", "Priya",
}
