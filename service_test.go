package main

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kwv/navreg/registration"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func testConfig() *registration.Config {
	return &registration.Config{
		MQTT: registration.MQTTConfig{PublishPrefix: "navreg-test"},
		Tools: []registration.ToolConfig{
			{ID: "stylus", Topic: "tracker/stylus/pose", Color: "#FF0000", Priority: 1},
			{ID: "anchor", Topic: "tracker/anchor/pose", Color: "#00FF00", Priority: 2},
		},
		Registration: registration.RegistrationConfig{Method: "tool", Tool: "stylus"},
		Model: registration.ModelConfig{
			Name:   "phantom",
			Stylus: "stylus",
			Landmarks: []registration.Vec3{
				{X: 0, Y: 0, Z: 0},
				{X: 100, Y: 0, Z: 0},
				{X: 0, Y: 100, Z: 0},
				{X: 0, Y: 0, Z: 100},
			},
		},
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(testConfig(), nil, registration.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	svc.CachePath = filepath.Join(t.TempDir(), "cache.json")
	return svc
}

func pose(m registration.Matrix4, ts float64) registration.PoseSample {
	return registration.PoseSample{Matrix: m, Valid: true, Timestamp: ts}
}

// pivotPose is a tool pose whose tip (tip, tool frame) sits on pivot
func pivotPose(pivot, tip, axis registration.Vec3, angle float64) registration.Matrix4 {
	m := registration.RotationAxisAngle(axis, angle)
	t := pivot.Sub(registration.TransformDirection(m, tip))
	m[3], m[7], m[11] = t.X, t.Y, t.Z
	return m
}

func vecNear(a, b registration.Vec3, tol float64) bool {
	return registration.Distance(a, b) <= tol
}

// ---------------------------------------------------------------------------
// registration session
// ---------------------------------------------------------------------------

func TestNewService_RestoresCachedRegistration(t *testing.T) {
	cache := registration.NewRegistrationCache()
	committed := registration.Translation(registration.Vec3{X: 0.2})
	cache.SetTransform(registration.MethodToolBased, committed, 0, "old")

	svc, err := NewService(testConfig(), cache, nil)
	require.NoError(t, err)

	st := svc.Status()
	assert.Equal(t, committed, st.Registration)
	assert.Equal(t, committed, st.Transform)
	assert.Equal(t, registration.StateIdle, st.State)
	assert.Equal(t, "stylus", st.Source)
}

func TestNewService_InvalidMethod(t *testing.T) {
	cfg := testConfig()
	cfg.Registration.Method = "optical"
	_, err := NewService(cfg, nil, nil)
	assert.Error(t, err)
}

func TestNewService_ManualDefaultsToFirstTool(t *testing.T) {
	cfg := testConfig()
	cfg.Registration = registration.RegistrationConfig{Method: "manual"}
	svc, err := NewService(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "stylus", svc.Status().Source)
}

func TestService_SessionPublishesAndPersists(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	svc := newTestService(t)
	mock := registration.NewMockClient()
	mock.SetConnected(true)
	svc.SetPublisher(registration.NewPublisher(mock, svc.Config))

	// Idle: poses are tracked but do not register
	svc.HandlePose("stylus", pose(registration.Identity(), 1), nil)
	assert.Equal(t, registration.Identity(), svc.Status().Transform)

	st := svc.Start()
	assert.Equal(t, registration.StateAwaitingBaseline, st.State)
	assert.NotEmpty(t, st.SessionID)

	move := registration.Translation(registration.Vec3{X: 0.1, Z: -0.05})
	svc.HandlePose("stylus", pose(registration.Identity(), 2), nil)
	svc.HandlePose("anchor", pose(registration.Translation(registration.Vec3{Y: 9}), 3), nil)
	svc.HandlePose("stylus", pose(move, 3), nil)

	st = svc.Status()
	assert.Equal(t, registration.StateAccumulating, st.State)
	assert.True(t, registration.Approx(st.Transform, move, 1e-12))

	msgs := mock.GetPublishedMessages()
	require.Len(t, msgs, 1, "the baseline sample is not published")
	assert.Equal(t, "navreg-test/registration/tool", msgs[0].Topic)
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.Metrics.PublishedUpdates))

	st, err := svc.Stop()
	require.NoError(t, err)
	assert.Equal(t, registration.StateIdle, st.State)
	assert.True(t, registration.Approx(st.Registration, move, 1e-12))

	saved, err := registration.LoadRegistrationCache(svc.CachePath)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.True(t, registration.Approx(saved.GetTransform(registration.MethodToolBased), move, 1e-12))

	st, err = svc.Reset()
	require.NoError(t, err)
	assert.Equal(t, registration.Identity(), st.Transform)
	saved, err = registration.LoadRegistrationCache(svc.CachePath)
	require.NoError(t, err)
	assert.Equal(t, registration.Identity(), saved.GetTransform(registration.MethodToolBased))
}

func TestService_StaleRegistration(t *testing.T) {
	cfg := testConfig()
	cfg.Registration.MaxAge = time.Hour

	svc, err := NewService(cfg, nil, nil)
	require.NoError(t, err)
	assert.True(t, svc.Status().Stale, "nothing committed yet")

	_, err = svc.Stop()
	require.NoError(t, err)
	assert.False(t, svc.Status().Stale)

	old := registration.NewRegistrationCache()
	old.Methods[registration.MethodToolBased] = registration.CommittedRegistration{
		Transform:   registration.Identity(),
		LastUpdated: time.Now().Add(-2 * time.Hour).Unix(),
	}
	svc, err = NewService(cfg, old, nil)
	require.NoError(t, err)
	assert.True(t, svc.Status().Stale)

	cfg.Registration.MaxAge = 0
	svc, err = NewService(cfg, old, nil)
	require.NoError(t, err)
	assert.False(t, svc.Status().Stale, "maxAge 0 disables the check")
}

func TestService_StopReportsPersistError(t *testing.T) {
	svc := newTestService(t)
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	svc.CachePath = filepath.Join(blocker, "cache.json")

	svc.Start()
	st, err := svc.Stop()
	require.Error(t, err)
	assert.Equal(t, err.Error(), st.PersistError)
	assert.Equal(t, registration.StateIdle, st.State)
	assert.Empty(t, svc.Status().PersistError, "only the failed call reports it")
}

func TestService_DecodeFailure(t *testing.T) {
	svc := newTestService(t)
	svc.HandlePose("stylus", registration.PoseSample{}, errors.New("bad payload"))

	assert.Equal(t, 1.0, testutil.ToFloat64(svc.Metrics.DecodeFailures))
	_, ok := svc.Tracker.GetPose("stylus")
	assert.False(t, ok, "undecodable samples are not tracked")
}

func TestService_HandleCommand(t *testing.T) {
	svc := newTestService(t)

	svc.HandleCommand("start")
	assert.Equal(t, registration.StateAwaitingBaseline, svc.Status().State)

	svc.HandleCommand("bogus")
	svc.HandleCommand("record") // no stylus pose yet, logged

	svc.HandleCommand("stop")
	assert.Equal(t, registration.StateIdle, svc.Status().State)
}

// ---------------------------------------------------------------------------
// pivot calibration
// ---------------------------------------------------------------------------

func TestService_PivotCalibration(t *testing.T) {
	svc := newTestService(t)
	pivot := registration.Vec3{X: 0.3, Y: -0.1, Z: 0.5}
	tip := registration.Vec3{Z: 0.15}

	_, _, err := svc.RecordPivot()
	assert.Error(t, err, "no stylus pose yet")

	axes := []registration.Vec3{{X: 1}, {Y: 1}, {X: 1, Y: 1}, {X: -1, Y: 1}, {X: 1, Y: -1, Z: 0.2}}
	for i, axis := range axes {
		svc.HandlePose("stylus", pose(pivotPose(pivot, tip, axis, 0.5), float64(i+1)), nil)
		_, n, err := svc.RecordPivot()
		require.NoError(t, err)
		assert.Equal(t, i+1, n)
	}

	res, err := svc.SolvePivot()
	require.NoError(t, err)
	assert.True(t, vecNear(res.Result.Point, pivot, 1e-9), "pivot = %+v", res.Result.Point)
	assert.True(t, vecNear(res.TipOffset, tip, 1e-9), "tip = %+v", res.TipOffset)
	assert.Equal(t, "stylus", res.Tool)

	cached, ok := svc.Cache.TipOffset("stylus")
	require.True(t, ok)
	assert.True(t, vecNear(cached, tip, 1e-9))

	snap, ok := svc.Tracker.GetIntersection()
	require.True(t, ok)
	assert.Empty(t, snap.Error)

	svc.ClearPivot()
	_, err = svc.SolvePivot()
	assert.ErrorIs(t, err, registration.ErrTooFewLines)
}

func TestService_PivotIllConditioned(t *testing.T) {
	svc := newTestService(t)
	m := pivotPose(registration.Vec3{}, registration.Vec3{Z: 0.1}, registration.Vec3{X: 1}, 0.2)

	svc.HandlePose("stylus", pose(m, 1), nil)
	for i := 0; i < 2; i++ {
		_, _, err := svc.RecordPivot()
		require.NoError(t, err)
	}

	_, err := svc.SolvePivot()
	assert.ErrorIs(t, err, registration.ErrIllConditioned)

	snap, ok := svc.Tracker.GetIntersection()
	require.True(t, ok)
	assert.NotEmpty(t, snap.Error)

	_, ok = svc.Cache.TipOffset("stylus")
	assert.False(t, ok, "ill-conditioned tip offsets are not stored")
}

func TestService_RecordPivotLostTool(t *testing.T) {
	svc := newTestService(t)
	svc.HandlePose("stylus", registration.PoseSample{Matrix: registration.Identity(), Valid: false, Timestamp: 1}, nil)

	_, n, err := svc.RecordPivot()
	assert.Error(t, err)
	assert.Zero(t, n)
}

func TestService_LateFrameIgnored(t *testing.T) {
	svc := newTestService(t)
	current := registration.Translation(registration.Vec3{X: 0.4})
	svc.HandlePose("stylus", pose(current, 5), nil)
	svc.HandlePose("stylus", pose(registration.Identity(), 4), nil)

	got, ok := svc.Tracker.GetPose("stylus")
	require.True(t, ok)
	assert.Equal(t, 5.0, got.Timestamp)

	line, _, err := svc.RecordPivot()
	require.NoError(t, err)
	assert.True(t, vecNear(line.Origin, registration.Vec3{X: 0.4}, 1e-12), "line recorded from the late frame: %+v", line)
}

// ---------------------------------------------------------------------------
// model registration
// ---------------------------------------------------------------------------

func TestService_ModelRegistration(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	svc := newTestService(t)
	mock := registration.NewMockClient()
	mock.SetConnected(true)
	svc.SetPublisher(registration.NewPublisher(mock, svc.Config))

	want := registration.RotationAxisAngle(registration.Vec3{Z: 1}, math.Pi/6)
	want[3], want[7], want[11] = 0.4, 0.2, -0.1

	landmarks := svc.Config.ModelLandmarksMeters()
	for i := 0; i < 3; i++ {
		target := registration.TransformPoint(want, landmarks[i])
		svc.HandlePose("stylus", pose(registration.Translation(target), float64(i+1)), nil)
		p, n, err := svc.RecordLandmark()
		require.NoError(t, err)
		assert.Equal(t, i+1, n)
		assert.True(t, vecNear(p, target, 1e-12))
	}

	recorded, total, ok := svc.ModelProgress()
	require.True(t, ok)
	assert.Equal(t, 3, recorded)
	assert.Equal(t, 4, total)

	a, err := svc.ComputeModel()
	require.NoError(t, err)
	assert.True(t, registration.Approx(a.Transform, want, 1e-9), "transform = %v", a.Transform)
	assert.Equal(t, registration.QualityExcellent, a.Quality)

	snap, ok := svc.Tracker.GetAlignment()
	require.True(t, ok)
	assert.Len(t, snap.Source, 3)
	assert.Len(t, snap.Target, 3)

	msgs := mock.GetPublishedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "navreg-test/alignment", msgs[0].Topic)

	svc.ResetModel()
	recorded, _, _ = svc.ModelProgress()
	assert.Zero(t, recorded)
	_, ok = svc.Tracker.GetAlignment()
	assert.False(t, ok)
}

func TestService_ModelUsesTipOffset(t *testing.T) {
	svc := newTestService(t)
	svc.Cache.SetTipOffset("stylus", registration.Vec3{Z: 0.1})

	svc.HandlePose("stylus", pose(registration.Translation(registration.Vec3{X: 1}), 1), nil)
	p, _, err := svc.RecordLandmark()
	require.NoError(t, err)
	assert.True(t, vecNear(p, registration.Vec3{X: 1, Z: 0.1}, 1e-12))
}

func TestService_NoModel(t *testing.T) {
	cfg := testConfig()
	cfg.Model = registration.ModelConfig{}
	svc, err := NewService(cfg, nil, nil)
	require.NoError(t, err)

	_, _, err = svc.RecordLandmark()
	assert.Error(t, err)
	_, err = svc.ComputeModel()
	assert.Error(t, err)
	_, _, ok := svc.ModelProgress()
	assert.False(t, ok)
	assert.NotPanics(t, svc.ResetModel)
}

// ---------------------------------------------------------------------------
// stabilization
// ---------------------------------------------------------------------------

func TestService_Stabilization(t *testing.T) {
	svc := newTestService(t)

	_, ok := svc.Stabilization()
	assert.False(t, ok)

	svc.HandlePose("stylus", pose(registration.Identity(), 1), nil)
	best, ok := svc.Stabilization()
	require.True(t, ok)
	assert.Equal(t, "stylus", best.Name)

	svc.HandlePose("anchor", pose(registration.Identity(), 1), nil)
	best, _ = svc.Stabilization()
	assert.Equal(t, "anchor", best.Name, "higher priority wins")

	svc.HandlePose("anchor", registration.PoseSample{Matrix: registration.Identity(), Valid: false, Timestamp: 2}, nil)
	best, _ = svc.Stabilization()
	assert.Equal(t, "stylus", best.Name, "lost tools do not bid")
}
