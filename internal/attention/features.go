package attention

import (
	"math"

	"classpulse/pkg/types"
)

// Features is one extracted sample of geometric evidence. Nil fields were not
// measurable this frame; the engine treats them as evidence against the
// conditions they feed.
type Features struct {
	FaceDetected bool
	EAR          *float64
	NoseX        *float64
	NoseY        *float64
	HeadPose     *types.HeadPose
}

// FromReport converts a wire report into engine features. When raw landmarks
// are present they are authoritative and the client's precomputed fields are
// ignored; head pose always comes from the explicit field.
func FromReport(r types.AttentionReport) Features {
	f := Features{FaceDetected: r.FaceDetected}
	if !r.FaceDetected {
		return f
	}
	if r.Landmarks != nil {
		if ear, ok := earFromEyes(r.Landmarks.LeftEye, r.Landmarks.RightEye); ok {
			f.EAR = &ear
		}
		if x, y, ok := noseOffset(r.Landmarks); ok {
			f.NoseX = &x
			f.NoseY = &y
		}
	} else {
		f.EAR = r.EyeAspectRatio
		f.NoseX = r.NoseOffsetX
		f.NoseY = r.NoseOffsetY
	}
	f.HeadPose = r.HeadPose
	return f
}

// eyeAspectRatio computes (|p2-p6| + |p3-p5|) / (2 |p1-p4|) over the standard
// six-point eye contour. A missing point contributes a zero-length edge and
// the horizontal span floors to 1, so a degenerate contour reads as closed
// rather than dividing by zero.
func eyeAspectRatio(eye []types.Point) (float64, bool) {
	if len(eye) == 0 {
		return 0, false
	}
	v1 := edge(eye, 1, 5)
	v2 := edge(eye, 2, 4)
	h := edge(eye, 0, 3)
	return (v1 + v2) / (2 * math.Max(1, h)), true
}

// earFromEyes averages the per-eye ratios over whichever eyes the detector
// delivered this frame.
func earFromEyes(left, right []types.Point) (float64, bool) {
	var sum float64
	var n int
	if v, ok := eyeAspectRatio(left); ok {
		sum += v
		n++
	}
	if v, ok := eyeAspectRatio(right); ok {
		sum += v
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// noseOffset returns the nose tip's displacement from the face midpoint,
// normalized by face width. The width denominator floors to 1.
func noseOffset(lm *types.FaceLandmarks) (x, y float64, ok bool) {
	if lm.NoseTip == nil || lm.FaceLeft == nil || lm.FaceRight == nil {
		return 0, 0, false
	}
	width := math.Abs(lm.FaceRight.X - lm.FaceLeft.X)
	midX := (lm.FaceLeft.X + lm.FaceRight.X) / 2
	midY := (lm.FaceLeft.Y + lm.FaceRight.Y) / 2
	den := math.Max(1, width)
	return (lm.NoseTip.X - midX) / den, (lm.NoseTip.Y - midY) / den, true
}

func edge(pts []types.Point, i, j int) float64 {
	if i >= len(pts) || j >= len(pts) {
		return 0
	}
	dx := pts[i].X - pts[j].X
	dy := pts[i].Y - pts[j].Y
	return math.Sqrt(dx*dx + dy*dy)
}
