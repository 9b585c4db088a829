package registration

import (
	"errors"
	"fmt"
	"sync"
)

// TipPoint converts a stylus pose to the position of its tip in the
// reference frame. tipOffset is the tip in the tool's local frame (m).
func TipPoint(pose Matrix4, tipOffset Vec3) Vec3 {
	return TransformPoint(pose, tipOffset)
}

// PointDigitizer collects observations of a single physical point from a
// tool held in different orientations (pivot calibration) and resolves the
// point with a least-squares line intersection.
type PointDigitizer struct {
	// Axis is the tool's pointing axis in its local frame
	Axis   Vec3
	Solver LineSolver

	mu    sync.Mutex
	lines []Line
	poses []Matrix4
}

// NewPointDigitizer creates a digitizer for a tool pointing along axis
func NewPointDigitizer(axis Vec3) *PointDigitizer {
	if axis.Norm() == 0 {
		axis = Vec3{Z: 1}
	}
	return &PointDigitizer{Axis: axis.Normalize()}
}

// Record adds the line traced by the tool at the given pose.
// Non-rigid poses are rejected.
func (d *PointDigitizer) Record(pose Matrix4) (Line, error) {
	if !IsRigidTransform(pose) {
		return Line{}, fmt.Errorf("recording line: pose is not a rigid transform")
	}
	l := Line{
		Origin:    pose.Position(),
		Direction: TransformDirection(pose, d.Axis),
	}
	d.mu.Lock()
	d.lines = append(d.lines, l)
	d.poses = append(d.poses, pose)
	d.mu.Unlock()
	return l, nil
}

// AddLine records an already-computed line
func (d *PointDigitizer) AddLine(l Line) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines = append(d.lines, l)
}

// Lines returns a copy of the recorded lines
func (d *PointDigitizer) Lines() []Line {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Line, len(d.lines))
	copy(out, d.lines)
	return out
}

// Count returns the number of recorded lines
func (d *PointDigitizer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lines)
}

// Clear discards all recorded lines
func (d *PointDigitizer) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines = nil
	d.poses = nil
}

// Solve intersects the recorded lines
func (d *PointDigitizer) Solve() (IntersectionResult, error) {
	return d.Solver.Solve(d.Lines())
}

// TipOffset expresses a solved pivot point in the tool frame, averaged over
// every pose recorded with Record.
func (d *PointDigitizer) TipOffset(point Vec3) (Vec3, error) {
	d.mu.Lock()
	poses := append([]Matrix4(nil), d.poses...)
	d.mu.Unlock()

	if len(poses) == 0 {
		return Vec3{}, errors.New("no tool poses recorded")
	}
	var sum Vec3
	for i, pose := range poses {
		inv, err := Invert(pose)
		if err != nil {
			return Vec3{}, fmt.Errorf("pose %d: %w", i, err)
		}
		sum = sum.Add(TransformPoint(inv, point))
	}
	return sum.Scale(1 / float64(len(poses))), nil
}
