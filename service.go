package main

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kwv/navreg/registration"
)

// stabilizationMaxAge is how old a tool pose may be and still bid for stabilization
const stabilizationMaxAge = 500 * time.Millisecond

// RegistrationStatus is the JSON view of the running registration
type RegistrationStatus struct {
	Method       registration.MethodKind        `json:"method"`
	Source       string                         `json:"source"`
	State        registration.RegistrationState `json:"state"`
	SessionID    string                         `json:"sessionId,omitempty"`
	Transform    registration.Matrix4           `json:"transform"`
	Inverse      registration.Matrix4           `json:"inverse"`
	Accumulator  registration.Matrix4           `json:"accumulator"`
	Registration registration.Matrix4           `json:"registration"`
	Stale        bool                           `json:"stale"`
	LastError    string                         `json:"lastError,omitempty"`
	PersistError string                         `json:"persistError,omitempty"`
}

// PivotResult is the outcome of a pivot calibration solve
type PivotResult struct {
	Tool      string                          `json:"tool"`
	Result    registration.IntersectionResult `json:"result"`
	TipOffset registration.Vec3               `json:"tipOffset"`
}

// Service owns the live registration session. Pose updates, workflow
// commands and HTTP calls all go through the service lock.
type Service struct {
	Config    *registration.Config
	Cache     *registration.RegistrationCache
	CachePath string
	Tracker   *registration.SessionTracker
	Publisher *registration.Publisher
	Metrics   *registration.Metrics

	mu        sync.Mutex
	method    registration.RegistrationMethod
	source    string
	stylus    string
	digitizer *registration.PointDigitizer
	model     *registration.ModelRegistrationTask
}

// NewService builds the registration method, pivot digitizer and model task
// from the config. A committed registration found in cache is restored.
func NewService(config *registration.Config, cache *registration.RegistrationCache, metrics *registration.Metrics) (*Service, error) {
	method, err := registration.NewRegistrationMethod(config.Registration)
	if err != nil {
		return nil, err
	}
	method.SetMetrics(metrics)

	if cache == nil {
		cache = registration.NewRegistrationCache()
	}
	if err := method.Restore(cache.GetTransform(method.Kind())); err != nil {
		log.Printf("Warning: ignoring cached %s registration: %v", method.Kind(), err)
	}

	s := &Service{
		Config:  config,
		Cache:   cache,
		Tracker: registration.NewSessionTrackerFromConfig(config),
		Metrics: metrics,
		method:  method,
		source:  method.Source(),
		stylus:  config.Model.Stylus,
	}
	if s.source == "" && len(config.Tools) > 0 {
		s.source = config.Tools[0].ID
	}
	if s.stylus == "" {
		s.stylus = s.source
	}

	axis := registration.Vec3{Z: 1}
	if tc := config.GetToolByID(s.stylus); tc != nil {
		axis = tc.GetAxis()
	}
	s.digitizer = registration.NewPointDigitizer(axis)
	s.digitizer.Solver.MaxConditionNumber = config.MaxConditionNumber

	if len(config.Model.Landmarks) > 0 {
		s.model = registration.NewModelRegistrationTask(config.Model)
		s.model.Metrics = metrics
	}

	method.SetUpdateHandler(s.publishUpdate)
	return s, nil
}

// SetPublisher attaches the MQTT publisher
func (s *Service) SetPublisher(p *registration.Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Publisher = p
	if p != nil {
		p.Metrics = s.Metrics
	}
}

// publishUpdate runs inside method.Update, with the lock held
func (s *Service) publishUpdate(u registration.RegistrationUpdate) {
	if s.Publisher == nil {
		return
	}
	if err := s.Publisher.PublishRegistration(u); err != nil {
		log.Printf("Error publishing registration update: %v", err)
	}
}

// HandlePose is the MQTT pose callback
func (s *Service) HandlePose(toolID string, sample registration.PoseSample, err error) {
	if err != nil {
		s.Metrics.ObserveDecodeFailure()
		return
	}
	if !s.Tracker.UpdatePose(toolID, sample) || toolID != s.source {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.method.Update(sample)
}

// HandleCommand runs a workflow command received over MQTT
func (s *Service) HandleCommand(cmd string) {
	var err error
	switch cmd {
	case "start":
		s.Start()
	case "stop":
		_, err = s.Stop()
	case "reset":
		_, err = s.Reset()
	case "record":
		_, _, err = s.RecordPivot()
	case "solve":
		_, err = s.SolvePivot()
	case "clear":
		s.ClearPivot()
	case "landmark":
		_, _, err = s.RecordLandmark()
	case "align":
		_, err = s.ComputeModel()
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		log.Printf("Command %s failed: %v", cmd, err)
	}
}

// Status returns the current registration state
func (s *Service) Status() RegistrationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Service) statusLocked() RegistrationStatus {
	st := RegistrationStatus{
		Method:       s.method.Kind(),
		Source:       s.source,
		State:        s.method.State(),
		SessionID:    s.method.SessionID(),
		Transform:    s.method.Transform(),
		Inverse:      s.method.InverseTransform(),
		Accumulator:  s.method.Accumulator(),
		Registration: s.method.Registration(),
	}
	if err := s.method.LastError(); err != nil {
		st.LastError = err.Error()
	}
	if maxAge := s.Config.Registration.MaxAge; maxAge > 0 {
		st.Stale = s.Cache.NeedsRefresh(st.Method, maxAge)
	}
	return st
}

// CacheStatus summarizes the persisted registrations and tip offsets
func (s *Service) CacheStatus() registration.CacheStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Cache.GetStatus()
}

// Start begins a registration session
func (s *Service) Start() RegistrationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.method.Start()
	return s.statusLocked()
}

// Stop commits the session and persists the committed registration
func (s *Service) Stop() (RegistrationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID := s.method.SessionID()
	s.method.Stop()
	s.Cache.SetTransform(s.method.Kind(), s.method.Registration(), 0, sessionID)
	return s.persistLocked()
}

// Reset discards the session and the committed registration
func (s *Service) Reset() (RegistrationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.method.Reset()
	s.Cache.SetTransform(s.method.Kind(), registration.Identity(), 0, "")
	return s.persistLocked()
}

// persistLocked saves the cache and reports a failed save in the status
func (s *Service) persistLocked() (RegistrationStatus, error) {
	err := s.saveCacheLocked()
	st := s.statusLocked()
	if err != nil {
		st.PersistError = err.Error()
	}
	return st, err
}

func (s *Service) saveCacheLocked() error {
	if s.CachePath == "" {
		return nil
	}
	if err := registration.SaveRegistrationCache(s.CachePath, s.Cache); err != nil {
		return fmt.Errorf("saving registration cache: %w", err)
	}
	return nil
}

// stylusPose returns the latest valid pose of the digitizing tool
func (s *Service) stylusPose() (registration.ToolPose, error) {
	pose, ok := s.Tracker.GetPose(s.stylus)
	if !ok {
		return pose, fmt.Errorf("no pose received for %s", s.stylus)
	}
	if !pose.Valid {
		return pose, fmt.Errorf("%s is not tracked", s.stylus)
	}
	return pose, nil
}

// RecordPivot adds the stylus' current line to the pivot calibration
func (s *Service) RecordPivot() (registration.Line, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pose, err := s.stylusPose()
	if err != nil {
		return registration.Line{}, s.digitizer.Count(), err
	}
	line, err := s.digitizer.Record(pose.Matrix)
	return line, s.digitizer.Count(), err
}

// PivotProgress returns the digitizing tool and how many lines are recorded
func (s *Service) PivotProgress() (tool string, lines int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stylus, s.digitizer.Count()
}

// ClearPivot discards the recorded pivot lines
func (s *Service) ClearPivot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digitizer.Clear()
}

// SolvePivot intersects the recorded lines. An ill-conditioned solve is
// reported with the point it found but its tip offset is not stored.
func (s *Service) SolvePivot() (PivotResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.digitizer.Solve()
	s.Metrics.ObserveIntersection(res, err)
	out := PivotResult{Tool: s.stylus, Result: res}
	if err != nil && !errors.Is(err, registration.ErrIllConditioned) {
		return out, err
	}

	tip, tipErr := s.digitizer.TipOffset(res.Point)
	if tipErr == nil {
		out.TipOffset = tip
	}
	s.Tracker.SetIntersection(s.stylus, res, out.TipOffset, err)
	if err != nil {
		return out, err
	}
	if tipErr != nil {
		// Lines were added directly, there is no tool frame to express the tip in
		return out, nil
	}

	s.Cache.SetTipOffset(s.stylus, tip)
	if s.Publisher != nil {
		if pubErr := s.Publisher.PublishTipOffset(s.stylus, res, tip); pubErr != nil {
			log.Printf("Error publishing tip offset for %s: %v", s.stylus, pubErr)
		}
	}
	log.Printf("Pivot calibration for %s: tip (%.1f, %.1f, %.1f)mm, error %.2fmm, %d lines",
		s.stylus, tip.X*1000, tip.Y*1000, tip.Z*1000, res.Error*1000, res.Lines)
	return out, s.saveCacheLocked()
}

// RecordLandmark digitizes the stylus tip as the next model landmark
func (s *Service) RecordLandmark() (registration.Vec3, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return registration.Vec3{}, 0, errors.New("no model configured")
	}
	pose, err := s.stylusPose()
	if err != nil {
		return registration.Vec3{}, len(s.model.Recorded()), err
	}
	tip := registration.TipPoint(pose.Matrix, registration.EffectiveTipOffset(s.Config, s.Cache, s.stylus))
	n, err := s.model.RecordPoint(tip)
	return tip, n, err
}

// ComputeModel aligns the model to the digitized landmarks
func (s *Service) ComputeModel() (registration.Alignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return registration.Alignment{}, errors.New("no model configured")
	}
	a, err := s.model.Compute()
	if err != nil {
		return a, err
	}

	recorded := s.model.Recorded()
	s.Tracker.SetAlignment(s.model.Name, a, s.model.Landmarks()[:len(recorded)], recorded)
	if s.Publisher != nil {
		if pubErr := s.Publisher.PublishAlignment(s.model.Name, a); pubErr != nil {
			log.Printf("Error publishing alignment: %v", pubErr)
		}
	}
	return a, nil
}

// ResetModel discards digitized landmarks
func (s *Service) ResetModel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model != nil {
		s.model.Reset()
	}
	s.Tracker.ClearAlignment()
}

// ModelProgress returns how many landmarks are recorded out of the model total
func (s *Service) ModelProgress() (recorded, total int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return 0, 0, false
	}
	return len(s.model.Recorded()), len(s.model.Landmarks()), true
}

// Stabilization returns the tool holograms should be stabilized on
func (s *Service) Stabilization() (registration.StabilizationCandidate, bool) {
	return registration.SelectStabilizationTarget(s.Tracker.StabilizationCandidates(stabilizationMaxAge))
}
