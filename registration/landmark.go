package registration

import (
	"errors"
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrEmptyLandmarks is returned when no point pairs are supplied
	ErrEmptyLandmarks = errors.New("landmark sets are empty")
	// ErrLandmarkCountMismatch is returned when source and target differ in length
	ErrLandmarkCountMismatch = errors.New("source and target landmark counts differ")
)

// collinearTolerance is the relative gap below which the two largest
// eigenvalues of N are treated as equal (rotation about the point axis is free).
const collinearTolerance = 1e-9

// AlignMode selects the family of transforms the aligner may return
type AlignMode int

const (
	// AlignRigid returns rotation + translation
	AlignRigid AlignMode = iota
	// AlignSimilarity additionally recovers a uniform scale
	AlignSimilarity
)

// String returns the mode name used in config and logs
func (m AlignMode) String() string {
	switch m {
	case AlignRigid:
		return "rigid"
	case AlignSimilarity:
		return "similarity"
	default:
		return fmt.Sprintf("AlignMode(%d)", int(m))
	}
}

// Alignment is the best-fit transform mapping source landmarks onto target landmarks
type Alignment struct {
	Transform   Matrix4    `json:"transform"`
	Rotation    Quaternion `json:"rotation"`
	Translation Vec3       `json:"translation"`
	Scale       float64    `json:"scale"`
	FRE         float64    `json:"fre"` // mean residual distance (m)
	Quality     Quality    `json:"quality"`
	Collinear   bool       `json:"collinear"` // rotation came from the two-direction fallback
	Points      int        `json:"points"`
}

// LandmarkAligner solves the absolute orientation problem between paired
// point sets using Horn's quaternion method. The zero value is a rigid aligner.
// It holds no mutable state and may be shared between goroutines.
type LandmarkAligner struct {
	Mode AlignMode
}

// AlignLandmarks is a convenience wrapper for a rigid alignment
func AlignLandmarks(source, target []Vec3) (Alignment, error) {
	return LandmarkAligner{}.Align(source, target)
}

// Align computes the transform T minimizing Σ|T(source_i) - target_i|².
// Empty or mismatched inputs return an identity transform and an error.
func (a LandmarkAligner) Align(source, target []Vec3) (Alignment, error) {
	result := Alignment{
		Transform: Identity(),
		Rotation:  IdentityQuaternion(),
		Scale:     1,
		Quality:   QualityUnknown,
		Points:    len(source),
	}

	if len(source) == 0 || len(target) == 0 {
		log.Printf("Landmark alignment skipped: %v (source=%d, target=%d)", ErrEmptyLandmarks, len(source), len(target))
		return result, ErrEmptyLandmarks
	}
	if len(source) != len(target) {
		log.Printf("Landmark alignment skipped: %v (source=%d, target=%d)", ErrLandmarkCountMismatch, len(source), len(target))
		return result, fmt.Errorf("%w: %d source, %d target", ErrLandmarkCountMismatch, len(source), len(target))
	}

	// Single point: translation only
	if len(source) == 1 {
		result.Translation = target[0].Sub(source[0])
		result.Transform = Translation(result.Translation)
		result.FRE = 0
		result.Quality = GradeFRE(0)
		return result, nil
	}

	srcCentroid := Centroid(source)
	tgtCentroid := Centroid(target)

	// Cross-covariance M[i][j] = Σ s_i * t_j of the centered sets
	var m [3][3]float64
	var srcSpread, tgtSpread float64
	for i := range source {
		s := source[i].Sub(srcCentroid)
		t := target[i].Sub(tgtCentroid)
		sv := [3]float64{s.X, s.Y, s.Z}
		tv := [3]float64{t.X, t.Y, t.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				m[r][c] += sv[r] * tv[c]
			}
		}
		srcSpread += s.Dot(s)
		tgtSpread += t.Dot(t)
	}

	q, collinear := rotationFromCovariance(m)
	if collinear || len(source) == 2 {
		q = rotationFromDirections(source, target)
		collinear = true
	}

	rot := q.RotationMatrix()

	scale := 1.0
	if a.Mode == AlignSimilarity && srcSpread > 0 {
		scale = math.Sqrt(tgtSpread / srcSpread)
		for i := range rot {
			rot[i] *= scale
		}
	}

	rotOnly := FromRotationTranslation(rot, Vec3{})
	translation := tgtCentroid.Sub(TransformPoint(rotOnly, srcCentroid))
	transform := FromRotationTranslation(rot, translation)

	result.Transform = transform
	result.Rotation = q
	result.Translation = translation
	result.Scale = scale
	result.Collinear = collinear
	result.FRE = MeanResidual(transform, source, target)
	result.Quality = GradeFRE(result.FRE)
	return result, nil
}

// MeanResidual returns the mean distance between T(source_i) and target_i
func MeanResidual(t Matrix4, source, target []Vec3) float64 {
	n := len(source)
	if len(target) < n {
		n = len(target)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += Distance(TransformPoint(t, source[i]), target[i])
	}
	return sum / float64(n)
}

// rotationFromCovariance builds Horn's symmetric 4x4 matrix from the
// cross-covariance and returns the eigenvector of its largest eigenvalue as
// a quaternion. collinear is true when the two largest eigenvalues coincide.
func rotationFromCovariance(m [3][3]float64) (Quaternion, bool) {
	sxx, sxy, sxz := m[0][0], m[0][1], m[0][2]
	syx, syy, syz := m[1][0], m[1][1], m[1][2]
	szx, szy, szz := m[2][0], m[2][1], m[2][2]

	n := mat.NewSymDense(4, []float64{
		sxx + syy + szz, syz - szy, szx - sxz, sxy - syx,
		syz - szy, sxx - syy - szz, sxy + syx, szx + sxz,
		szx - sxz, sxy + syx, -sxx + syy - szz, syz + szy,
		sxy - syx, szx + sxz, syz + szy, -sxx - syy + szz,
	})

	var eig mat.EigenSym
	if !eig.Factorize(n, true) {
		return IdentityQuaternion(), true
	}

	vals := eig.Values(nil) // ascending
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	largest, second := vals[3], vals[2]
	if math.Abs(largest-second) <= collinearTolerance*math.Max(math.Abs(largest), math.SmallestNonzeroFloat64) {
		return IdentityQuaternion(), true
	}

	q := Quaternion{W: vecs.At(0, 3), X: vecs.At(1, 3), Y: vecs.At(2, 3), Z: vecs.At(3, 3)}
	if q.W < 0 {
		q = Quaternion{W: -q.W, X: -q.X, Y: -q.Y, Z: -q.Z}
	}
	return q.Normalize(), false
}

// rotationFromDirections handles two points or a collinear set: the rotation
// is the one carrying the source point axis onto the target point axis.
// Rotation about that axis is unconstrained and left at zero.
func rotationFromDirections(source, target []Vec3) Quaternion {
	// Use the pair furthest from the first point for a well-defined direction
	far := 1
	best := -1.0
	for i := 1; i < len(source); i++ {
		if d := Distance(source[i], source[0]); d > best {
			best = d
			far = i
		}
	}

	ds := source[far].Sub(source[0])
	dt := target[far].Sub(target[0])
	if ds.Norm() == 0 || dt.Norm() == 0 {
		return IdentityQuaternion()
	}
	ds = ds.Normalize()
	dt = dt.Normalize()

	axis := ds.Cross(dt)
	sinTheta := axis.Norm()
	cosTheta := ds.Dot(dt)
	theta := math.Atan2(sinTheta, cosTheta)

	if sinTheta < 1e-12 {
		if cosTheta > 0 {
			return IdentityQuaternion()
		}
		// Opposite directions: cross product vanishes, rotate π about any perpendicular
		axis, _ = perpendiculars(ds)
		theta = math.Pi
	}
	axis = axis.Normalize()

	s := math.Sin(theta / 2)
	return Quaternion{W: math.Cos(theta / 2), X: axis.X * s, Y: axis.Y * s, Z: axis.Z * s}.Normalize()
}

// perpendiculars returns two unit vectors orthogonal to v and to each other
func perpendiculars(v Vec3) (Vec3, Vec3) {
	v = v.Normalize()
	// Cross with the world axis least aligned with v
	ref := Vec3{X: 1}
	if math.Abs(v.Y) < math.Abs(v.X) && math.Abs(v.Y) <= math.Abs(v.Z) {
		ref = Vec3{Y: 1}
	} else if math.Abs(v.Z) < math.Abs(v.X) {
		ref = Vec3{Z: 1}
	}
	p1 := v.Cross(ref).Normalize()
	p2 := v.Cross(p1).Normalize()
	return p1, p2
}
