package registration

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrTooFewLines is returned when fewer than two lines are supplied
	ErrTooFewLines = errors.New("at least two lines are required")
	// ErrDegenerateLine is returned for a line with a zero-length direction
	ErrDegenerateLine = errors.New("line direction has zero length")
	// ErrIllConditioned is returned when the lines are too close to parallel
	// for their common point to be trusted
	ErrIllConditioned = errors.New("line intersection is ill-conditioned")
)

// DefaultMaxConditionNumber is the largest accepted ratio between the largest
// and smallest eigenvalue of the normal-equations matrix. Two lines reach it
// when they are roughly 0.08 degrees apart.
const DefaultMaxConditionNumber = 1e6

// lineExtent is the distance to the second point used by PointToLineDistance
const lineExtent = 10.0

// IntersectionResult holds the least-squares common point of a set of lines
type IntersectionResult struct {
	Point           Vec3    `json:"point"`
	Error           float64 `json:"error"`           // mean point-to-line distance (m)
	ConditionNumber float64 `json:"conditionNumber"` // λmax/λmin of the normal equations
	Lines           int     `json:"lines"`
}

// MarshalJSON writes an infinite condition number as null
func (r IntersectionResult) MarshalJSON() ([]byte, error) {
	type plain IntersectionResult
	out := struct {
		plain
		ConditionNumber *float64 `json:"conditionNumber"`
	}{plain: plain(r)}
	if !math.IsInf(r.ConditionNumber, 0) && !math.IsNaN(r.ConditionNumber) {
		out.ConditionNumber = &r.ConditionNumber
	}
	return json.Marshal(out)
}

// LineSolver computes the point closest to a set of lines in the least-squares sense.
// The zero value uses DefaultMaxConditionNumber.
type LineSolver struct {
	MaxConditionNumber float64
}

// IntersectLines solves with the default conditioning limit
func IntersectLines(lines []Line) (IntersectionResult, error) {
	return LineSolver{}.Solve(lines)
}

// Solve accumulates R = Σ(I - d dᵀ) and q = Σ(I - d dᵀ)·origin and returns R⁻¹q.
//
// When R is too badly conditioned the best available point is still filled in
// (if R could be factorized at all) but ErrIllConditioned is returned so the
// caller can reject the calibration.
func (s LineSolver) Solve(lines []Line) (IntersectionResult, error) {
	result := IntersectionResult{Lines: len(lines)}
	if len(lines) < 2 {
		return result, ErrTooFewLines
	}

	maxCond := s.MaxConditionNumber
	if maxCond <= 0 {
		maxCond = DefaultMaxConditionNumber
	}

	r := mat.NewSymDense(3, nil)
	q := mat.NewVecDense(3, nil)

	for i, l := range lines {
		if l.Direction.Norm() == 0 {
			return result, fmt.Errorf("line %d: %w", i, ErrDegenerateLine)
		}
		d := l.Direction.Normalize()
		dv := [3]float64{d.X, d.Y, d.Z}
		ov := [3]float64{l.Origin.X, l.Origin.Y, l.Origin.Z}

		for row := 0; row < 3; row++ {
			var proj float64
			for col := 0; col < 3; col++ {
				p := -dv[row] * dv[col]
				if row == col {
					p += 1
				}
				if col >= row {
					r.SetSym(row, col, r.At(row, col)+p)
				}
				proj += p * ov[col]
			}
			q.SetVec(row, q.AtVec(row)+proj)
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(r, false) {
		result.ConditionNumber = math.Inf(1)
		return result, ErrIllConditioned
	}
	vals := eig.Values(nil) // ascending
	lmin, lmax := vals[0], vals[len(vals)-1]
	if lmin <= 0 {
		result.ConditionNumber = math.Inf(1)
	} else {
		result.ConditionNumber = lmax / lmin
	}

	var chol mat.Cholesky
	if !chol.Factorize(r) {
		return result, ErrIllConditioned
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, q); err != nil && result.ConditionNumber <= maxCond {
		return result, fmt.Errorf("solving normal equations: %w", err)
	}

	result.Point = Vec3{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}

	var sum float64
	for _, l := range lines {
		sum += PointToLineDistance(result.Point, l)
	}
	result.Error = sum / float64(len(lines))

	if result.ConditionNumber > maxCond {
		return result, ErrIllConditioned
	}
	return result, nil
}

// PointToLineDistance returns the distance from p to the infinite line through
// l.Origin along l.Direction, computed as |(p-o) x (p-o-k·d)| / |k·d| for a
// fixed k that only extends the segment.
func PointToLineDistance(p Vec3, l Line) float64 {
	ext := l.Direction.Scale(lineExtent)
	den := ext.Norm()
	a := p.Sub(l.Origin)
	if den == 0 {
		return a.Norm()
	}
	return a.Cross(a.Sub(ext)).Norm() / den
}
