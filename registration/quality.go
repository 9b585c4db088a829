package registration

import "math"

// Quality represents the assessed quality of a registration fit.
type Quality string

const (
	// QualityExcellent indicates FRE < 1mm
	QualityExcellent Quality = "excellent"
	// QualityGood indicates FRE 1-2mm
	QualityGood Quality = "good"
	// QualityFair indicates FRE 2-5mm - usable for coarse guidance only
	QualityFair Quality = "fair"
	// QualityPoor indicates FRE > 5mm - repeat the registration
	QualityPoor Quality = "poor"
	// QualityUnknown indicates no residual was computed
	QualityUnknown Quality = "unknown"
)

// FRE thresholds (meters)
const (
	FREThresholdExcellent = 0.001
	FREThresholdGood      = 0.002
	FREThresholdFair      = 0.005

	// RigidTolerance is the tolerance for checking rotation block validity
	RigidTolerance = 0.01
)

// GradeFRE maps a fiducial registration error onto a quality level.
// Negative or NaN values are reported as unknown.
func GradeFRE(fre float64) Quality {
	switch {
	case math.IsNaN(fre) || fre < 0:
		return QualityUnknown
	case fre < FREThresholdExcellent:
		return QualityExcellent
	case fre < FREThresholdGood:
		return QualityGood
	case fre < FREThresholdFair:
		return QualityFair
	default:
		return QualityPoor
	}
}

// IsRigidTransform checks if a 4x4 matrix is a rigid transform:
// orthonormal rotation block with det ≈ 1 and last row 0 0 0 1.
func IsRigidTransform(m Matrix4) bool {
	r := m.Rotation3()
	if math.Abs(det3(r)-1.0) > RigidTolerance {
		return false
	}

	// R^T R ≈ I
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var dot float64
			for k := 0; k < 3; k++ {
				dot += r[k*3+i] * r[k*3+j]
			}
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(dot-want) > RigidTolerance {
				return false
			}
		}
	}

	if m[12] != 0 || m[13] != 0 || m[14] != 0 || math.Abs(m[15]-1.0) > 0.001 {
		return false
	}
	return true
}
