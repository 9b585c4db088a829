package registration

import "math"

// StabilizationCandidate is one subsystem's bid to be the hologram
// stabilization target for the current frame.
type StabilizationCandidate struct {
	Name     string  `json:"name"`
	Priority float64 `json:"priority"` // negative means "do not stabilize on me"
	Position Vec3    `json:"position"`
	Velocity Vec3    `json:"velocity"`
}

// SelectStabilizationTarget returns the candidate with the highest priority.
// Negative, NaN and infinite priorities never win; ties go to the earlier
// candidate. ok is false when no candidate qualifies.
func SelectStabilizationTarget(candidates []StabilizationCandidate) (best StabilizationCandidate, ok bool) {
	for _, c := range candidates {
		if c.Priority < 0 || math.IsNaN(c.Priority) || math.IsInf(c.Priority, 0) {
			continue
		}
		if !ok || c.Priority > best.Priority {
			best = c
			ok = true
		}
	}
	return best, ok
}
