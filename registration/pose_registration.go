package registration

import (
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
)

// ErrSingularPose is recorded when a baseline or accumulated pose cannot be inverted.
var ErrSingularPose = errors.New("pose could not be inverted")

// RegistrationState is the phase of a pose registration session
type RegistrationState int

const (
	// StateIdle means no session is running
	StateIdle RegistrationState = iota
	// StateAwaitingBaseline means a session started and the next valid pose becomes the baseline
	StateAwaitingBaseline
	// StateAccumulating means poses are reported relative to the captured baseline
	StateAccumulating
)

// String returns the state name
func (s RegistrationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingBaseline:
		return "awaiting-baseline"
	case StateAccumulating:
		return "accumulating"
	default:
		return fmt.Sprintf("RegistrationState(%d)", int(s))
	}
}

// MarshalText lets the state appear by name in JSON
func (s RegistrationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText
func (s *RegistrationState) UnmarshalText(text []byte) error {
	for _, st := range []RegistrationState{StateIdle, StateAwaitingBaseline, StateAccumulating} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown registration state %q", text)
}

// MethodKind tags the registration variants
type MethodKind string

const (
	// MethodManual follows a user-manipulated anchor pose
	MethodManual MethodKind = "manual"
	// MethodToolBased follows a tracked rigid tool
	MethodToolBased MethodKind = "tool"
)

// RegistrationUpdate is reported after every accumulated sample
type RegistrationUpdate struct {
	SessionID   string     `json:"sessionId"`
	Method      MethodKind `json:"method"`
	Accumulator Matrix4    `json:"accumulator"`
	Transform   Matrix4    `json:"transform"`
	Inverse     Matrix4    `json:"inverse"`
	Timestamp   float64    `json:"timestamp"`
}

// UpdateHandler is called with each new accumulated transform
type UpdateHandler func(RegistrationUpdate)

// RegistrationMethod is the capability shared by the registration variants
type RegistrationMethod interface {
	Kind() MethodKind
	Source() string
	Start() bool
	Stop() bool
	Update(sample PoseSample)
	Reset()
	Transform() Matrix4
	InverseTransform() Matrix4
	State() RegistrationState
	Accumulator() Matrix4
	Registration() Matrix4
	Restore(m Matrix4) error
	SessionID() string
	LastError() error
	SetUpdateHandler(h UpdateHandler)
	SetMetrics(m *Metrics)
}

// PoseRegistration turns a stream of poses into an incrementally refined
// registration: the first valid pose after Start is frozen as a baseline and
// every later pose is reported relative to it, composed on top of the
// registration committed by earlier sessions.
//
// The reported transform is always accumulator * registration. A
// PoseRegistration is not safe for concurrent use; callers serialize Update.
type PoseRegistration struct {
	// OnUpdate receives every new accumulated transform. May be nil.
	OnUpdate UpdateHandler
	// IgnoreRotation strips the rotation of every incoming pose before use.
	IgnoreRotation bool
	// Metrics is optional.
	Metrics *Metrics

	kind   MethodKind
	source string
	state  RegistrationState

	baselineInverse     Matrix4
	accumulator         Matrix4
	accumulatorInverse  Matrix4
	registration        Matrix4
	registrationInverse Matrix4

	lastTimestamp float64
	hasTimestamp  bool

	sessionID   string
	rebaselines int
	lastErr     error
}

// NewPoseRegistration creates an idle registration with identity transforms
func NewPoseRegistration(kind MethodKind, source string) *PoseRegistration {
	p := &PoseRegistration{kind: kind, source: source}
	p.Reset()
	return p
}

// Kind returns the registration variant
func (p *PoseRegistration) Kind() MethodKind { return p.kind }

// Source returns the tool or anchor ID whose poses drive this registration
func (p *PoseRegistration) Source() string { return p.source }

// State returns the current phase
func (p *PoseRegistration) State() RegistrationState { return p.state }

// SessionID returns the ID of the running or last session
func (p *PoseRegistration) SessionID() string { return p.sessionID }

// Rebaselines returns how many times a singular pose forced a new baseline
func (p *PoseRegistration) Rebaselines() int { return p.rebaselines }

// LastError returns the most recent inversion failure, or nil
func (p *PoseRegistration) LastError() error { return p.lastErr }

// SetUpdateHandler replaces OnUpdate
func (p *PoseRegistration) SetUpdateHandler(h UpdateHandler) { p.OnUpdate = h }

// SetMetrics attaches metrics; nil disables them
func (p *PoseRegistration) SetMetrics(m *Metrics) { p.Metrics = m }

// Start begins a session. The next valid pose becomes the baseline.
// Calling Start on a running session keeps it as is.
func (p *PoseRegistration) Start() bool {
	if p.state != StateIdle {
		return true
	}
	p.state = StateAwaitingBaseline
	p.sessionID = uuid.NewString()
	log.Printf("%s registration started (session %s)", p.kind, p.sessionID)
	return true
}

// Stop ends the session, folding the accumulator into the committed registration.
// Stopping before a baseline was captured leaves the registration unchanged.
func (p *PoseRegistration) Stop() bool {
	p.registration = Multiply(p.accumulator, p.registration)
	p.registrationInverse = Multiply(p.registrationInverse, p.accumulatorInverse)
	p.accumulator = Identity()
	p.accumulatorInverse = Identity()
	if p.state != StateIdle {
		log.Printf("%s registration stopped (session %s)", p.kind, p.sessionID)
	}
	p.state = StateIdle
	return true
}

// Reset clears the accumulator and the committed registration and returns to idle.
// Afterwards the instance behaves as if freshly constructed.
func (p *PoseRegistration) Reset() {
	p.state = StateIdle
	p.baselineInverse = Identity()
	p.accumulator = Identity()
	p.accumulatorInverse = Identity()
	p.registration = Identity()
	p.registrationInverse = Identity()
	p.lastTimestamp = 0
	p.hasTimestamp = false
	p.sessionID = ""
	p.rebaselines = 0
	p.lastErr = nil
}

// Restore seeds the committed registration, e.g. from a cache file
func (p *PoseRegistration) Restore(m Matrix4) error {
	inv, err := Invert(m)
	if err != nil {
		return fmt.Errorf("restoring registration: %w", err)
	}
	p.registration = m
	p.registrationInverse = inv
	return nil
}

// Update consumes one pose sample. Samples are ignored while idle, when
// invalid, or when their timestamp is not newer than the last consumed one.
func (p *PoseRegistration) Update(sample PoseSample) {
	if p.state == StateIdle || !sample.Valid {
		return
	}
	if p.hasTimestamp && sample.Timestamp <= p.lastTimestamp {
		return
	}
	p.lastTimestamp = sample.Timestamp
	p.hasTimestamp = true
	p.Metrics.ObserveSample(p.kind)

	pose := sample.Matrix
	if p.IgnoreRotation {
		pose = pose.WithoutRotation()
	}

	switch p.state {
	case StateAwaitingBaseline:
		inv, err := Invert(pose)
		if err != nil {
			p.fail("baseline", err)
			return
		}
		// The baseline sample only anchors the session; nothing is reported.
		p.baselineInverse = inv
		p.state = StateAccumulating

	case StateAccumulating:
		candidate := Multiply(pose, p.baselineInverse)
		candidateInverse, err := Invert(candidate)
		if err != nil {
			p.state = StateAwaitingBaseline
			p.fail("accumulated", err)
			return
		}
		p.accumulator = candidate
		p.accumulatorInverse = candidateInverse

		if p.OnUpdate != nil {
			p.OnUpdate(RegistrationUpdate{
				SessionID:   p.sessionID,
				Method:      p.kind,
				Accumulator: p.accumulator,
				Transform:   p.Transform(),
				Inverse:     p.InverseTransform(),
				Timestamp:   sample.Timestamp,
			})
		}
	}
}

// fail records an inversion failure; the session waits for a fresh baseline
func (p *PoseRegistration) fail(stage string, err error) {
	p.rebaselines++
	p.lastErr = fmt.Errorf("%w: %s pose: %v", ErrSingularPose, stage, err)
	p.Metrics.ObserveRebaseline(p.kind)
	log.Printf("Warning: %s registration: %v, waiting for a new baseline", p.kind, p.lastErr)
}

// Accumulator returns the transform accumulated since the current baseline
func (p *PoseRegistration) Accumulator() Matrix4 { return p.accumulator }

// Registration returns the committed transform of earlier sessions
func (p *PoseRegistration) Registration() Matrix4 { return p.registration }

// Transform returns accumulator * registration
func (p *PoseRegistration) Transform() Matrix4 {
	return Multiply(p.accumulator, p.registration)
}

// InverseTransform returns the inverse of Transform, maintained from the
// inverted candidates rather than by inverting the product.
func (p *PoseRegistration) InverseTransform() Matrix4 {
	return Multiply(p.registrationInverse, p.accumulatorInverse)
}

// ManualRegistration follows a pose the user drags around (an anchor or hand
// pose); rotation can be locked so only translation is registered.
type ManualRegistration struct {
	*PoseRegistration
}

// NewManualRegistration creates a manual registration driven by source
func NewManualRegistration(source string, ignoreRotation bool) *ManualRegistration {
	p := NewPoseRegistration(MethodManual, source)
	p.IgnoreRotation = ignoreRotation
	return &ManualRegistration{PoseRegistration: p}
}

// ToolBasedRegistration follows a tracked rigid tool. Samples whose matrix is
// not a rigid transform are treated as invalid.
type ToolBasedRegistration struct {
	*PoseRegistration
}

// NewToolBasedRegistration creates a registration driven by the tool with the given ID
func NewToolBasedRegistration(toolID string) *ToolBasedRegistration {
	return &ToolBasedRegistration{PoseRegistration: NewPoseRegistration(MethodToolBased, toolID)}
}

// Update drops non-rigid samples before handing them to the state machine
func (t *ToolBasedRegistration) Update(sample PoseSample) {
	if sample.Valid && !IsRigidTransform(sample.Matrix) {
		return
	}
	t.PoseRegistration.Update(sample)
}

// NewRegistrationMethod builds the variant selected in the config
func NewRegistrationMethod(cfg RegistrationConfig) (RegistrationMethod, error) {
	switch MethodKind(cfg.Method) {
	case MethodManual, "":
		return NewManualRegistration(cfg.Tool, cfg.IgnoreRotation), nil
	case MethodToolBased:
		if cfg.Tool == "" {
			return nil, fmt.Errorf("registration.tool is required for method %q", cfg.Method)
		}
		return NewToolBasedRegistration(cfg.Tool), nil
	default:
		return nil, fmt.Errorf("unknown registration method %q", cfg.Method)
	}
}
