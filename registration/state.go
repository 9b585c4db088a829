package registration

import (
	"sort"
	"sync"
	"time"
)

// ToolPose is the latest observation of a tracked tool
type ToolPose struct {
	ToolID     string    `json:"toolId"`
	Matrix     Matrix4   `json:"matrix"`
	Position   Vec3      `json:"position"`
	Velocity   Vec3      `json:"velocity"` // m/s, from the two latest valid samples
	Valid      bool      `json:"valid"`
	Timestamp  float64   `json:"timestamp"`
	ReceivedAt time.Time `json:"receivedAt"`
	Color      string    `json:"color"`
}

// AlignmentSnapshot is the last landmark alignment with the point sets it was computed from
type AlignmentSnapshot struct {
	Model     string    `json:"model"`
	Alignment Alignment `json:"alignment"`
	Source    []Vec3    `json:"source"`
	Target    []Vec3    `json:"target"`
	At        time.Time `json:"at"`
}

// IntersectionSnapshot is the last pivot calibration of a tool
type IntersectionSnapshot struct {
	ToolID    string             `json:"toolId"`
	Result    IntersectionResult `json:"result"`
	TipOffset Vec3               `json:"tipOffset"`
	Error     string             `json:"error,omitempty"`
	At        time.Time          `json:"at"`
}

// SessionTracker keeps the live state shown by the HTTP endpoints
type SessionTracker struct {
	mu           sync.RWMutex
	poses        map[string]*ToolPose
	colors       map[string]string
	priorities   map[string]float64
	alignment    *AlignmentSnapshot
	intersection *IntersectionSnapshot
	now          func() time.Time
}

// NewSessionTracker creates an empty tracker
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		poses:      make(map[string]*ToolPose),
		colors:     make(map[string]string),
		priorities: make(map[string]float64),
		now:        time.Now,
	}
}

// NewSessionTrackerFromConfig creates a tracker with tool colors taken from the config
func NewSessionTrackerFromConfig(config *Config) *SessionTracker {
	st := NewSessionTracker()
	if config == nil {
		return st
	}
	for _, tc := range config.Tools {
		if tc.Color != "" {
			st.colors[tc.ID] = tc.Color
		}
		st.priorities[tc.ID] = tc.Priority
	}
	return st
}

// SetColor sets the display color for a tool
func (st *SessionTracker) SetColor(toolID, hexColor string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.colors[toolID] = hexColor
}

// SetPriority sets the stabilization priority of a tool
func (st *SessionTracker) SetPriority(toolID string, priority float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.priorities[toolID] = priority
}

// UpdatePose stores a tool sample and reports whether it was accepted.
// A sample older than the stored one is dropped. Velocity is derived from the
// previous valid sample when both are valid and the timestamp advanced.
func (st *SessionTracker) UpdatePose(toolID string, sample PoseSample) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	prev, hasPrev := st.poses[toolID]
	if hasPrev && sample.Timestamp < prev.Timestamp {
		return false
	}

	color := st.colors[toolID]
	if color == "" {
		color = "#FF0000" // default red
	}

	pos := sample.Matrix.Position()
	next := &ToolPose{
		ToolID:     toolID,
		Matrix:     sample.Matrix,
		Position:   pos,
		Valid:      sample.Valid,
		Timestamp:  sample.Timestamp,
		ReceivedAt: st.now(),
		Color:      color,
	}

	if hasPrev && prev.Valid && sample.Valid {
		if dt := sample.Timestamp - prev.Timestamp; dt > 0 {
			next.Velocity = pos.Sub(prev.Position).Scale(1 / dt)
		} else {
			next.Velocity = prev.Velocity
		}
	}
	st.poses[toolID] = next
	return true
}

// GetPose returns a copy of the latest pose of a tool
func (st *SessionTracker) GetPose(toolID string) (ToolPose, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	p, ok := st.poses[toolID]
	if !ok {
		return ToolPose{}, false
	}
	return *p, true
}

// GetPoses returns all current poses
func (st *SessionTracker) GetPoses() map[string]*ToolPose {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make(map[string]*ToolPose, len(st.poses))
	for k, v := range st.poses {
		copy := *v
		result[k] = &copy
	}
	return result
}

// SetAlignment records the latest landmark alignment
func (st *SessionTracker) SetAlignment(model string, a Alignment, source, target []Vec3) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.alignment = &AlignmentSnapshot{
		Model:     model,
		Alignment: a,
		Source:    append([]Vec3(nil), source...),
		Target:    append([]Vec3(nil), target...),
		At:        st.now(),
	}
}

// GetAlignment returns the latest landmark alignment
func (st *SessionTracker) GetAlignment() (AlignmentSnapshot, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.alignment == nil {
		return AlignmentSnapshot{}, false
	}
	return *st.alignment, true
}

// ClearAlignment forgets the latest landmark alignment
func (st *SessionTracker) ClearAlignment() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.alignment = nil
}

// SetIntersection records the latest pivot calibration. err may be non-nil
// for an ill-conditioned solve, in which case the result is kept for display.
func (st *SessionTracker) SetIntersection(toolID string, res IntersectionResult, tipOffset Vec3, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := &IntersectionSnapshot{
		ToolID:    toolID,
		Result:    res,
		TipOffset: tipOffset,
		At:        st.now(),
	}
	if err != nil {
		snap.Error = err.Error()
	}
	st.intersection = snap
}

// GetIntersection returns the latest pivot calibration
func (st *SessionTracker) GetIntersection() (IntersectionSnapshot, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.intersection == nil {
		return IntersectionSnapshot{}, false
	}
	return *st.intersection, true
}

// StabilizationCandidates returns one candidate per tool with a valid pose
// received within maxAge, ordered by tool ID. maxAge <= 0 disables the age check.
func (st *SessionTracker) StabilizationCandidates(maxAge time.Duration) []StabilizationCandidate {
	st.mu.RLock()
	defer st.mu.RUnlock()

	now := st.now()
	ids := make([]string, 0, len(st.poses))
	for id := range st.poses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []StabilizationCandidate
	for _, id := range ids {
		p := st.poses[id]
		if !p.Valid {
			continue
		}
		if maxAge > 0 && now.Sub(p.ReceivedAt) > maxAge {
			continue
		}
		out = append(out, StabilizationCandidate{
			Name:     id,
			Priority: st.priorities[id],
			Position: p.Position,
			Velocity: p.Velocity,
		})
	}
	return out
}
