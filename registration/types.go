package registration

import (
	"math"
	"time"
)

// Vec3 is a 3D position or direction. Positions are in meters.
type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Add returns v + o
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

// Sub returns v - o
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

// Scale returns v * s
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// Dot returns the scalar product
func (v Vec3) Dot(o Vec3) float64 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }

// Cross returns v x o
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

// Norm returns the Euclidean length
func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

// Normalize returns the unit vector along v, or the zero vector when v has no length.
func (v Vec3) Normalize() Vec3 {
	n := v.Norm()
	if n == 0 {
		return Vec3{}
	}
	return v.Scale(1 / n)
}

// Distance calculates Euclidean distance between two points
func Distance(a, b Vec3) float64 {
	return a.Sub(b).Norm()
}

// Centroid calculates the center of mass of a set of points
func Centroid(points []Vec3) Vec3 {
	if len(points) == 0 {
		return Vec3{}
	}
	var sum Vec3
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Scale(1 / float64(len(points)))
}

// Matrix4 is a 4x4 homogeneous transform stored row-major.
// Points are column vectors (p' = M p), so the translation lives in
// elements 3, 7 and 11 and the last row is 0 0 0 1 for rigid transforms.
type Matrix4 [16]float64

// Identity returns an identity matrix (no transformation)
func Identity() Matrix4 {
	return Matrix4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// At returns the element at row r, column c
func (m Matrix4) At(r, c int) float64 { return m[r*4+c] }

// Quaternion is a rotation stored as (w, x, y, z).
type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// IdentityQuaternion is the zero rotation
func IdentityQuaternion() Quaternion {
	return Quaternion{W: 1}
}

// PoseSample is one tracker observation of an object-to-reference transform.
// Samples with Valid == false are held by the tracker but must be ignored.
type PoseSample struct {
	Matrix    Matrix4 `json:"matrix"`
	Valid     bool    `json:"valid"`
	Timestamp float64 `json:"timestamp"` // seconds, monotonically increasing per tool
}

// Rigid reports whether the sample carries a usable rigid transform
func (s PoseSample) Rigid() bool {
	return s.Valid && IsRigidTransform(s.Matrix)
}

// Line is an observed ray. Direction need not be normalized.
type Line struct {
	Origin    Vec3 `json:"origin"`
	Direction Vec3 `json:"direction"`
}

// ToolConfig defines a tracked tool from the config file
type ToolConfig struct {
	ID    string `yaml:"id" json:"id"`
	Topic string `yaml:"topic" json:"topic"`
	Color string `yaml:"color,omitempty" json:"color,omitempty"`
	// TipOffset is the stylus tip in the tool's local frame, in millimeters.
	TipOffset *Vec3 `yaml:"tipOffset,omitempty" json:"tipOffset,omitempty"`
	// Axis is the tool's pointing axis in its local frame (default +Z).
	Axis *Vec3 `yaml:"axis,omitempty" json:"axis,omitempty"`
	// Priority is the tool's bid for hologram stabilization; negative opts out.
	Priority float64 `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// GetTipOffset returns the tip offset converted to meters, or the origin if not set
func (tc *ToolConfig) GetTipOffset() Vec3 {
	if tc.TipOffset != nil {
		return MillimetersToMeters(*tc.TipOffset)
	}
	return Vec3{}
}

// GetAxis returns the tool axis or +Z if not set
func (tc *ToolConfig) GetAxis() Vec3 {
	if tc.Axis != nil && tc.Axis.Norm() > 0 {
		return tc.Axis.Normalize()
	}
	return Vec3{Z: 1}
}

// RegistrationConfig selects how the pose registration behaves
type RegistrationConfig struct {
	Method         string `yaml:"method" json:"method"` // "manual" or "tool"
	Tool           string `yaml:"tool,omitempty" json:"tool,omitempty"`
	IgnoreRotation bool   `yaml:"ignoreRotation,omitempty" json:"ignoreRotation,omitempty"`
	// MaxAge flags a committed registration older than this as stale. Zero disables it.
	MaxAge time.Duration `yaml:"maxAge,omitempty" json:"maxAge,omitempty"`
}

// ModelConfig describes the physical model to register against
type ModelConfig struct {
	Name string `yaml:"name" json:"name"`
	// Landmarks are model-space positions in millimeters.
	Landmarks     []Vec3 `yaml:"landmarks" json:"landmarks"`
	Stylus        string `yaml:"stylus,omitempty" json:"stylus,omitempty"`
	AllowScaling  bool   `yaml:"allowScaling,omitempty" json:"allowScaling,omitempty"`
	MinimumPoints int    `yaml:"minimumPoints,omitempty" json:"minimumPoints,omitempty"`
}

// Config represents the full configuration file
type Config struct {
	MQTT               MQTTConfig         `yaml:"mqtt" json:"mqtt"`
	Tools              []ToolConfig       `yaml:"tools" json:"tools"`
	Registration       RegistrationConfig `yaml:"registration" json:"registration"`
	Model              ModelConfig        `yaml:"model,omitempty" json:"model,omitempty"`
	MaxConditionNumber float64            `yaml:"maxConditionNumber,omitempty" json:"maxConditionNumber,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	QoS           byte   `yaml:"qos,omitempty" json:"qos,omitempty"`
	Retain        *bool  `yaml:"retain,omitempty" json:"retain,omitempty"` // defaults to true
}

// GetToolByID returns the tool config for the given ID
func (c *Config) GetToolByID(id string) *ToolConfig {
	for i := range c.Tools {
		if c.Tools[i].ID == id {
			return &c.Tools[i]
		}
	}
	return nil
}

// ModelLandmarksMeters returns the configured model landmarks in meters
func (c *Config) ModelLandmarksMeters() []Vec3 {
	out := make([]Vec3, len(c.Model.Landmarks))
	for i, p := range c.Model.Landmarks {
		out[i] = MillimetersToMeters(p)
	}
	return out
}

// MillimetersToMeters converts a millimeter position to meters
func MillimetersToMeters(p Vec3) Vec3 {
	return p.Scale(0.001)
}
