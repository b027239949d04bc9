package attention

import (
	"fmt"
	"math"
	"time"

	"classpulse/pkg/types"
)

// Stage is the engine's calibration phase.
type Stage int

const (
	StageCalibrating Stage = iota
	StageActive
)

func (s Stage) String() string {
	switch s {
	case StageCalibrating:
		return "calibrating"
	case StageActive:
		return "active"
	default:
		return "unknown"
	}
}

// Config holds the classification thresholds. All values have working
// defaults from DefaultConfig; zero values are rejected by Validate.
type Config struct {
	// CalibrationSamples is how many EAR-bearing samples feed the baseline
	// before the engine switches to the calibrated threshold.
	CalibrationSamples int

	// BaselineScale maps the calibrated mean EAR to the closed-eye cutoff.
	BaselineScale float64

	// FallbackEAR is the closed-eye cutoff used while still calibrating.
	FallbackEAR float64

	// LookAwayBand is the symmetric normalized horizontal nose-offset band;
	// offsets outside it count toward looking_away.
	LookAwayBand float64

	// MaxYawDegrees is the head-rotation limit; yaw beyond it also counts
	// toward looking_away.
	MaxYawDegrees float64

	// DrowsyFrames and LookAwayFrames are the run lengths required before a
	// condition is promoted to a state.
	DrowsyFrames   int
	LookAwayFrames int

	// EmitInterval forces a re-emission of the current state even without a
	// change, serving as a liveness heartbeat.
	EmitInterval time.Duration
}

// DefaultConfig returns the tuning used in live classrooms.
func DefaultConfig() Config {
	return Config{
		CalibrationSamples: 25,
		BaselineScale:      0.55,
		FallbackEAR:        0.18,
		LookAwayBand:       0.25,
		MaxYawDegrees:      30,
		DrowsyFrames:       10,
		LookAwayFrames:     8,
		EmitInterval:       2 * time.Second,
	}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.CalibrationSamples < 1 {
		return fmt.Errorf("calibration samples must be at least 1, got %d", c.CalibrationSamples)
	}
	if c.BaselineScale <= 0 || c.BaselineScale >= 1 {
		return fmt.Errorf("baseline scale must be in (0, 1), got %v", c.BaselineScale)
	}
	if c.FallbackEAR <= 0 {
		return fmt.Errorf("fallback EAR must be positive, got %v", c.FallbackEAR)
	}
	if c.LookAwayBand <= 0 {
		return fmt.Errorf("look-away band must be positive, got %v", c.LookAwayBand)
	}
	if c.MaxYawDegrees <= 0 {
		return fmt.Errorf("max yaw must be positive, got %v", c.MaxYawDegrees)
	}
	if c.DrowsyFrames < 1 || c.LookAwayFrames < 1 {
		return fmt.Errorf("frame thresholds must be at least 1, got drowsy=%d lookaway=%d", c.DrowsyFrames, c.LookAwayFrames)
	}
	if c.EmitInterval <= 0 {
		return fmt.Errorf("emit interval must be positive, got %v", c.EmitInterval)
	}
	return nil
}

// Result is one classification observation.
type Result struct {
	State      types.AttentionState
	Confidence float64
}

// Engine turns one participant's noisy sample stream into stable attention
// states. It is two-stage: CALIBRATING accumulates a running-mean EAR
// baseline over the first CalibrationSamples EAR-bearing samples, then ACTIVE
// judges eyes against baseline x BaselineScale. Two saturating run counters
// provide hysteresis: a condition must hold for its configured frame count
// before the state is promoted, and a clean frame walks the counter back down
// instead of resetting it.
//
// The engine holds no cross-participant state and is not safe for concurrent
// use; each participant gets its own instance, driven from one goroutine.
type Engine struct {
	cfg Config

	stage    Stage
	calSum   float64
	calCount int
	// threshold is the live closed-eye cutoff: FallbackEAR while
	// calibrating, baseline x BaselineScale afterwards.
	threshold float64

	drowsyRun   int
	lookawayRun int

	state    types.AttentionState
	emitted  bool
	lastEmit time.Time
}

// NewEngine creates an engine in the CALIBRATING stage. cfg must have passed
// Validate.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:       cfg,
		stage:     StageCalibrating,
		threshold: cfg.FallbackEAR,
	}
}

// Process consumes one sample and returns the resulting observation. The
// bool reports whether the observation should be published: true on every
// state change and whenever EmitInterval has elapsed since the last
// publication. The Result itself is always valid and feeds alerting on every
// sample regardless of publication.
//
// An absent face classifies as no_face immediately and resets both run
// counters. Look-away outranks drowsy when both runs are over threshold.
func (e *Engine) Process(f Features, at time.Time) (Result, bool) {
	if !f.FaceDetected {
		e.drowsyRun = 0
		e.lookawayRun = 0
		return e.observe(types.StateNoFace, at)
	}

	e.calibrate(f)

	if e.lookingAway(f) {
		e.lookawayRun++
	} else if e.lookawayRun > 0 {
		e.lookawayRun--
	}
	if e.eyesClosed(f) {
		e.drowsyRun++
	} else if e.drowsyRun > 0 {
		e.drowsyRun--
	}

	switch {
	case e.lookawayRun >= e.cfg.LookAwayFrames:
		return e.observe(types.StateLookingAway, at)
	case e.drowsyRun >= e.cfg.DrowsyFrames:
		return e.observe(types.StateDrowsy, at)
	default:
		return e.observe(types.StateAttentive, at)
	}
}

// calibrate folds an EAR-bearing sample into the baseline. The sample that
// completes calibration is judged by the calibrated threshold.
func (e *Engine) calibrate(f Features) {
	if e.stage != StageCalibrating || f.EAR == nil {
		return
	}
	e.calSum += *f.EAR
	e.calCount++
	if e.calCount >= e.cfg.CalibrationSamples {
		baseline := e.calSum / float64(e.calCount)
		e.threshold = baseline * e.cfg.BaselineScale
		e.stage = StageActive
	}
}

func (e *Engine) lookingAway(f Features) bool {
	if f.NoseX != nil && math.Abs(*f.NoseX) > e.cfg.LookAwayBand {
		return true
	}
	if f.HeadPose != nil && math.Abs(f.HeadPose.Yaw) > e.cfg.MaxYawDegrees {
		return true
	}
	return false
}

func (e *Engine) eyesClosed(f Features) bool {
	return f.EAR != nil && *f.EAR < e.threshold
}

func (e *Engine) observe(state types.AttentionState, at time.Time) (Result, bool) {
	res := Result{State: state, Confidence: state.Confidence()}
	changed := !e.emitted || state != e.state
	e.state = state
	if changed || at.Sub(e.lastEmit) >= e.cfg.EmitInterval {
		e.emitted = true
		e.lastEmit = at
		return res, true
	}
	return res, false
}

// State returns the most recent classification, StateAttentive before the
// first sample.
func (e *Engine) State() types.AttentionState {
	if e.state == "" {
		return types.StateAttentive
	}
	return e.state
}

// Stage reports whether the engine is still calibrating.
func (e *Engine) Stage() Stage {
	return e.stage
}

// Threshold returns the live closed-eye cutoff.
func (e *Engine) Threshold() float64 {
	return e.threshold
}
