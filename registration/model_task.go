package registration

import (
	"fmt"
	"log"
	"sync"
)

// DefaultMinimumPoints is the number of digitized points required before a
// model registration is attempted when the config does not say otherwise.
const DefaultMinimumPoints = 3

// ModelRegistrationTask is the "register model" workflow: the user touches
// the model's landmarks one at a time with a stylus, then the digitized
// points are aligned to the model's landmark positions.
type ModelRegistrationTask struct {
	Name          string
	Aligner       LandmarkAligner
	MinimumPoints int
	Metrics       *Metrics

	mu        sync.Mutex
	landmarks []Vec3 // model frame, meters
	recorded  []Vec3 // reference frame, meters
	last      *Alignment
}

// NewModelRegistrationTask creates a task from the model config.
// Landmarks in the config are millimeters and are converted to meters.
func NewModelRegistrationTask(cfg ModelConfig) *ModelRegistrationTask {
	landmarks := make([]Vec3, len(cfg.Landmarks))
	for i, p := range cfg.Landmarks {
		landmarks[i] = MillimetersToMeters(p)
	}

	minPoints := cfg.MinimumPoints
	if minPoints <= 0 {
		minPoints = DefaultMinimumPoints
	}
	if minPoints > len(landmarks) && len(landmarks) > 0 {
		minPoints = len(landmarks)
	}

	mode := AlignRigid
	if cfg.AllowScaling {
		mode = AlignSimilarity
	}

	return &ModelRegistrationTask{
		Name:          cfg.Name,
		Aligner:       LandmarkAligner{Mode: mode},
		MinimumPoints: minPoints,
		landmarks:     landmarks,
	}
}

// Landmarks returns the model landmarks in meters
func (t *ModelRegistrationTask) Landmarks() []Vec3 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Vec3, len(t.landmarks))
	copy(out, t.landmarks)
	return out
}

// Recorded returns the digitized points in recording order
func (t *ModelRegistrationTask) Recorded() []Vec3 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Vec3, len(t.recorded))
	copy(out, t.recorded)
	return out
}

// RecordPoint appends a digitized point for the next landmark.
// It fails once every landmark has a point.
func (t *ModelRegistrationTask) RecordPoint(p Vec3) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.recorded) >= len(t.landmarks) {
		return len(t.recorded), fmt.Errorf("all %d landmarks already recorded", len(t.landmarks))
	}
	t.recorded = append(t.recorded, p)
	log.Printf("Model %q: recorded point %d/%d (%.4f, %.4f, %.4f)", t.Name, len(t.recorded), len(t.landmarks), p.X, p.Y, p.Z)
	return len(t.recorded), nil
}

// Ready reports whether enough points were recorded to compute a registration
func (t *ModelRegistrationTask) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.recorded) >= t.MinimumPoints && len(t.recorded) > 0
}

// Compute aligns the model landmarks (source) onto the recorded points
// (target). Only the landmarks that already have a recorded point are used.
func (t *ModelRegistrationTask) Compute() (Alignment, error) {
	t.mu.Lock()
	n := len(t.recorded)
	if n == 0 || n < t.MinimumPoints {
		t.mu.Unlock()
		return Alignment{Transform: Identity(), Scale: 1, Quality: QualityUnknown},
			fmt.Errorf("model %q needs %d points, have %d", t.Name, t.MinimumPoints, n)
	}
	source := append([]Vec3(nil), t.landmarks[:n]...)
	target := append([]Vec3(nil), t.recorded...)
	t.mu.Unlock()

	result, err := t.Aligner.Align(source, target)
	if err != nil {
		return result, fmt.Errorf("aligning model %q: %w", t.Name, err)
	}
	t.Metrics.ObserveAlignment(result)
	log.Printf("Model %q registered with %d points: FRE %.2fmm (%s)", t.Name, n, result.FRE*1000, result.Quality)

	t.mu.Lock()
	t.last = &result
	t.mu.Unlock()
	return result, nil
}

// LastResult returns the last computed alignment, if any
func (t *ModelRegistrationTask) LastResult() (Alignment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return Alignment{}, false
	}
	return *t.last, true
}

// Reset discards recorded points and the last result
func (t *ModelRegistrationTask) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recorded = nil
	t.last = nil
}
