package display

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/posebench/internal/automation"
	"github.com/banshee-data/posebench/internal/broadcaster"
	"github.com/banshee-data/posebench/internal/pose"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"length", FormatLength(0.12345), " 12.345cm"},
		{"negative length", FormatLength(-0.01), "-1.000cm"},
		{"short length", FormatLength(0.001), " 0.100cm"},
		{"angle", FormatAngle(math.Pi / 2), " 90.000°"},
		{"age", FormatAge(0.25), " 0.250s"},
		{"camera age", FormatAge(broadcaster.RateDisabled), ""},
		{"rate", FormatRate(30), " 30.000Hz"},
		{"disabled rate", FormatRate(broadcaster.RateDisabled), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestAgeLevel(t *testing.T) {
	assert.Equal(t, LevelFresh, AgeLevel(0))
	assert.Equal(t, LevelFresh, AgeLevel(0.5))
	assert.Equal(t, LevelLate, AgeLevel(0.75))
	assert.Equal(t, LevelStale, AgeLevel(1.5))
	assert.Equal(t, LevelNone, AgeLevel(broadcaster.RateDisabled))
}

func TestNewPoseView(t *testing.T) {
	half := math.Pi / 4
	u := broadcaster.Update{
		Pose: pose.Pose{
			ID:          "M1",
			Position:    r3.Vector{X: 0.03, Y: 0, Z: 0.04},
			Orientation: quat.Number{Real: math.Cos(half), Kmag: math.Sin(half)},
			Timestamp:   12.5,
		},
		Age:          1.25,
		ReferenceAge: broadcaster.RateDisabled,
	}
	v := NewPoseView(u)
	assert.Equal(t, "M1", v.ID)
	assert.Equal(t, " 3.000cm", v.X)
	assert.Equal(t, " 4.000cm", v.Z)
	assert.Equal(t, " 5.000cm", v.Distance)
	assert.Equal(t, " 90.000°", v.Yaw)
	assert.Equal(t, " 1.250s", v.Age)
	assert.Equal(t, LevelStale, v.AgeLevel)
	assert.Equal(t, "", v.ReferenceAge)
	assert.Equal(t, LevelNone, v.ReferenceAgeLevel)
	assert.Equal(t, 12.5, v.Timestamp)
}

func TestFrameSlot_LatestWins(t *testing.T) {
	s := NewFrameSlot[int]()
	_, ok := s.TryTake()
	assert.False(t, ok)

	for i := 1; i <= 5; i++ {
		s.Put(i)
	}
	v, ok := s.TryTake()
	require.True(t, ok)
	assert.Equal(t, 5, v)
	_, ok = s.TryTake()
	assert.False(t, ok, "a taken value is not delivered twice")
}

func TestFrameSlot_ConcurrentProducers(t *testing.T) {
	s := NewFrameSlot[int]()
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s.Put(i)
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Put blocked")
	}
	select {
	case v := <-s.C():
		assert.Equal(t, 999, v)
	default:
		t.Fatal("slot empty after producers finished")
	}
}

func TestHub_FanOut(t *testing.T) {
	h := NewHub()
	a := h.Subscribe()
	b := h.Subscribe()
	assert.NotEqual(t, a.ID, b.ID)

	h.ObjectDiscovered("M1")
	h.RateUpdated(broadcaster.RoleReference, broadcaster.RateDisabled)
	h.RecordingStarted(broadcaster.Progress{Count: 0, Cap: 3})
	h.RecordingProgress(broadcaster.Progress{Count: 1, Cap: 3})
	h.RecordingStopped(broadcaster.Result{Seq: 2, Count: 3, Cap: 3})
	h.StepCompleted(1, 4)
	h.SweepFinished(automation.State{Status: automation.StatusComplete})

	want := []Event{
		{Kind: KindObject, Data: ObjectView{ID: "M1"}},
		{Kind: KindRate, Data: RateView{Role: broadcaster.RoleReference}},
		{Kind: KindRecordingStarted, Data: ProgressView{Count: 0, Cap: 3}},
		{Kind: KindRecordingProgress, Data: ProgressView{Count: 1, Cap: 3}},
		{Kind: KindRecordingStopped, Data: StoppedView{Seq: 2, Count: 3, Cap: 3, Full: true}},
		{Kind: KindSweepProgress, Data: ProgressView{Count: 1, Cap: 4}},
		{Kind: KindSweepFinished, Data: automation.State{Status: automation.StatusComplete}},
	}
	for _, sub := range []*Subscription{a, b} {
		for _, w := range want {
			select {
			case got := <-sub.Events:
				assert.Equal(t, w, got)
			default:
				t.Fatalf("subscriber %s missing %s", sub.ID, w.Kind)
			}
		}
	}

	rv, ok := h.Rate(broadcaster.RoleReference)
	require.True(t, ok)
	assert.False(t, rv.Enabled)
}

func TestHub_PosesLatestWins(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe()
	_, ok := h.Latest()
	assert.False(t, ok)

	for i := 1; i <= 3; i++ {
		h.PoseUpdated(broadcaster.Update{Pose: pose.Pose{ID: "M1", Position: r3.Vector{X: float64(i) / 100}, Orientation: pose.Identity}})
	}
	v, ok := sub.Poses.TryTake()
	require.True(t, ok)
	assert.Equal(t, " 3.000cm", v.X)

	// Late subscribers start from the latest pose.
	late := h.Subscribe()
	v, ok = late.Poses.TryTake()
	require.True(t, ok)
	assert.Equal(t, " 3.000cm", v.X)

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, v, latest)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < EventBuffer*4; i++ {
			h.RecordingProgress(broadcaster.Progress{Count: i, Cap: EventBuffer * 4})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, sub.Events, EventBuffer)
}

func TestHub_UnsubscribeAndClose(t *testing.T) {
	h := NewHub()
	a := h.Subscribe()
	b := h.Subscribe()

	h.Unsubscribe(a.ID)
	_, ok := <-a.Events
	assert.False(t, ok)
	h.Unsubscribe("unknown")

	h.Close()
	_, ok = <-b.Events
	assert.False(t, ok)

	late := h.Subscribe()
	_, ok = <-late.Events
	assert.False(t, ok, "subscribing after Close yields a closed channel")

	// Notifications after Close are harmless.
	h.ObjectDiscovered("M2")
	h.PoseUpdated(broadcaster.Update{Pose: pose.Pose{ID: "M2", Orientation: pose.Identity}})
}

func TestHub_AsBroadcasterListener(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe()
	b := broadcaster.New(broadcaster.Config{})
	b.AddListener(h)
	b.SetDesired("M1")

	require.NoError(t, b.Ingest(pose.DetectionEvent{Pose: pose.Pose{
		ID: "M1", Position: r3.Vector{Z: 0.5}, Orientation: pose.Identity,
	}}))

	ev := <-sub.Events
	assert.Equal(t, Event{Kind: KindObject, Data: ObjectView{ID: "M1"}}, ev)
	v, ok := sub.Poses.TryTake()
	require.True(t, ok)
	assert.Equal(t, " 50.000cm", v.Distance)
}
