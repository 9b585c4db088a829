package registration

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTracker_UpdatePose(t *testing.T) {
	st := NewSessionTracker()

	st.UpdatePose("stylus", PoseSample{Matrix: Translation(Vec3{X: 1}), Valid: true, Timestamp: 1})
	pose, ok := st.GetPose("stylus")
	require.True(t, ok)
	assert.Equal(t, "#FF0000", pose.Color, "default color")
	assert.Equal(t, Vec3{X: 1}, pose.Position)
	assert.Equal(t, Vec3{}, pose.Velocity, "first sample has no velocity")

	st.UpdatePose("stylus", PoseSample{Matrix: Translation(Vec3{X: 1.5}), Valid: true, Timestamp: 1.5})
	pose, _ = st.GetPose("stylus")
	assert.True(t, vecApprox(pose.Velocity, Vec3{X: 1}, 1e-12), "velocity = %+v", pose.Velocity)

	// Same timestamp: velocity carried over
	st.UpdatePose("stylus", PoseSample{Matrix: Translation(Vec3{X: 2}), Valid: true, Timestamp: 1.5})
	pose, _ = st.GetPose("stylus")
	assert.True(t, vecApprox(pose.Velocity, Vec3{X: 1}, 1e-12))

	// Invalid sample resets velocity
	st.UpdatePose("stylus", PoseSample{Matrix: Identity(), Valid: false, Timestamp: 2})
	pose, _ = st.GetPose("stylus")
	assert.False(t, pose.Valid)
	assert.Equal(t, Vec3{}, pose.Velocity)

	_, ok = st.GetPose("anchor")
	assert.False(t, ok)
}

func TestSessionTracker_UpdatePoseOutOfOrder(t *testing.T) {
	st := NewSessionTracker()

	require.True(t, st.UpdatePose("stylus", PoseSample{Matrix: Translation(Vec3{X: 1}), Valid: true, Timestamp: 1}))
	require.True(t, st.UpdatePose("stylus", PoseSample{Matrix: Translation(Vec3{X: 2}), Valid: true, Timestamp: 2}))

	// A late frame must not replace the newer pose or flip the velocity sign
	assert.False(t, st.UpdatePose("stylus", PoseSample{Matrix: Translation(Vec3{X: 1.5}), Valid: true, Timestamp: 1.5}))
	pose, ok := st.GetPose("stylus")
	require.True(t, ok)
	assert.Equal(t, Vec3{X: 2}, pose.Position)
	assert.Equal(t, 2.0, pose.Timestamp)
	assert.True(t, vecApprox(pose.Velocity, Vec3{X: 1}, 1e-12), "velocity = %+v", pose.Velocity)

	// Late invalid frames are dropped too
	assert.False(t, st.UpdatePose("stylus", PoseSample{Matrix: Identity(), Valid: false, Timestamp: 0.5}))
	pose, _ = st.GetPose("stylus")
	assert.True(t, pose.Valid)

	// Other tools keep their own ordering
	assert.True(t, st.UpdatePose("anchor", PoseSample{Matrix: Identity(), Valid: true, Timestamp: 0.5}))
}

func TestSessionTrackerFromConfig(t *testing.T) {
	cfg := &Config{Tools: []ToolConfig{
		{ID: "stylus", Topic: "a", Color: "#00FF00", Priority: 3},
		{ID: "anchor", Topic: "b"},
	}}
	st := NewSessionTrackerFromConfig(cfg)

	st.UpdatePose("stylus", PoseSample{Matrix: Identity(), Valid: true})
	st.UpdatePose("anchor", PoseSample{Matrix: Identity(), Valid: true})

	stylus, _ := st.GetPose("stylus")
	anchor, _ := st.GetPose("anchor")
	assert.Equal(t, "#00FF00", stylus.Color)
	assert.Equal(t, "#FF0000", anchor.Color)

	st.SetColor("anchor", "#0000FF")
	st.UpdatePose("anchor", PoseSample{Matrix: Identity(), Valid: true})
	anchor, _ = st.GetPose("anchor")
	assert.Equal(t, "#0000FF", anchor.Color)

	assert.NotNil(t, NewSessionTrackerFromConfig(nil))
}

func TestSessionTracker_GetPosesReturnsCopies(t *testing.T) {
	st := NewSessionTracker()
	st.UpdatePose("stylus", PoseSample{Matrix: Identity(), Valid: true})

	poses := st.GetPoses()
	require.Len(t, poses, 1)
	poses["stylus"].Valid = false

	again, _ := st.GetPose("stylus")
	assert.True(t, again.Valid)
}

func TestSessionTracker_StabilizationCandidates(t *testing.T) {
	st := NewSessionTracker()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	st.SetPriority("stylus", 1)
	st.SetPriority("anchor", 5)
	st.SetPriority("pointer", 9)

	st.UpdatePose("stylus", PoseSample{Matrix: Translation(Vec3{X: 1}), Valid: true, Timestamp: 1})
	st.UpdatePose("anchor", PoseSample{Matrix: Translation(Vec3{Y: 1}), Valid: true, Timestamp: 1})
	st.UpdatePose("pointer", PoseSample{Matrix: Identity(), Valid: false, Timestamp: 1})

	got := st.StabilizationCandidates(0)
	require.Len(t, got, 2, "invalid poses are not candidates")
	assert.Equal(t, "anchor", got[0].Name)
	assert.Equal(t, 5.0, got[0].Priority)
	assert.Equal(t, Vec3{Y: 1}, got[0].Position)
	assert.Equal(t, "stylus", got[1].Name)

	best, ok := SelectStabilizationTarget(got)
	require.True(t, ok)
	assert.Equal(t, "anchor", best.Name)

	// Anchor goes stale
	now = now.Add(2 * time.Second)
	st.UpdatePose("stylus", PoseSample{Matrix: Translation(Vec3{X: 1}), Valid: true, Timestamp: 3})

	got = st.StabilizationCandidates(time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "stylus", got[0].Name)
}

func TestSessionTracker_Alignment(t *testing.T) {
	st := NewSessionTracker()
	_, ok := st.GetAlignment()
	assert.False(t, ok)

	source := []Vec3{{X: 1}, {Y: 1}}
	st.SetAlignment("phantom", Alignment{FRE: 0.001, Quality: QualityGood}, source, source)
	source[0] = Vec3{Z: 9}

	snap, ok := st.GetAlignment()
	require.True(t, ok)
	assert.Equal(t, "phantom", snap.Model)
	assert.Equal(t, Vec3{X: 1}, snap.Source[0], "snapshot owns its points")
	assert.False(t, snap.At.IsZero())

	st.ClearAlignment()
	_, ok = st.GetAlignment()
	assert.False(t, ok)
}

func TestSessionTracker_Intersection(t *testing.T) {
	st := NewSessionTracker()
	_, ok := st.GetIntersection()
	assert.False(t, ok)

	res := IntersectionResult{Point: Vec3{Z: 1}, ConditionNumber: 1e8}
	st.SetIntersection("stylus", res, Vec3{Z: 0.1}, ErrIllConditioned)
	snap, ok := st.GetIntersection()
	require.True(t, ok)
	assert.Equal(t, res, snap.Result)
	assert.Equal(t, ErrIllConditioned.Error(), snap.Error)

	st.SetIntersection("stylus", res, Vec3{Z: 0.1}, nil)
	snap, _ = st.GetIntersection()
	assert.Empty(t, snap.Error)
}

func TestSessionTracker_ConcurrentAccess(t *testing.T) {
	st := NewSessionTracker()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			st.UpdatePose("stylus", PoseSample{Matrix: Translation(Vec3{X: float64(i)}), Valid: true, Timestamp: float64(i)})
		}(i)
		go func() {
			defer wg.Done()
			_ = st.GetPoses()
			_ = st.StabilizationCandidates(time.Second)
		}()
	}
	wg.Wait()
}
