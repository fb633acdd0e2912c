package broadcaster

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/posebench/internal/pose"
	"github.com/banshee-data/posebench/internal/timeutil"
)

var epoch = time.Unix(1700000000, 0)

type rateEvent struct {
	Role Role
	Rate float64
}

// captureListener records every notification it receives.
type captureListener struct {
	mu         sync.Mutex
	updates    []Update
	rates      []rateEvent
	discovered []string
	started    []Progress
	progress   []Progress
	stopped    []Result
}

func (c *captureListener) PoseUpdated(u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
}

func (c *captureListener) RateUpdated(r Role, rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates = append(c.rates, rateEvent{r, rate})
}

func (c *captureListener) ObjectDiscovered(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discovered = append(c.discovered, id)
}

func (c *captureListener) RecordingStarted(p Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, p)
}

func (c *captureListener) RecordingProgress(p Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = append(c.progress, p)
}

func (c *captureListener) RecordingStopped(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, r)
}

func (c *captureListener) stoppedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stopped)
}

func newTestBroadcaster(t *testing.T, p Persister) (*Broadcaster, *timeutil.MockClock, *captureListener) {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	b := New(Config{Clock: clock, Persister: p})
	l := &captureListener{}
	b.AddListener(l)
	return b, clock, l
}

func marker(id string, x float64) pose.DetectionEvent {
	return pose.DetectionEvent{Pose: pose.Pose{
		ID:          id,
		Position:    r3.Vector{X: x},
		Orientation: pose.Identity,
	}}
}

func TestRateEstimator_Convergence(t *testing.T) {
	e := NewRateEstimator(2 * time.Second)
	e.Reset(epoch)

	var (
		rate    float64
		emitted int
	)
	// 10 Hz: the 21st event is the first after the 2 s window.
	for k := 1; k <= 21; k++ {
		if r, ok := e.Record(epoch.Add(time.Duration(k) * 100 * time.Millisecond)); ok {
			rate = r
			emitted++
		}
	}
	require.Equal(t, 1, emitted)
	assert.InDelta(t, 10.0, rate, 1e-9)

	// The next epoch starts at the boundary event.
	_, ok := e.Record(epoch.Add(2200 * time.Millisecond))
	assert.False(t, ok)
}

func TestRateEstimator_Defaults(t *testing.T) {
	assert.Equal(t, DefaultRateWindow, NewRateEstimator(0).Window())

	e := NewRateEstimator(time.Second)
	// First event without Reset opens the epoch and is not counted.
	_, ok := e.Record(epoch)
	assert.False(t, ok)
	r, ok := e.Record(epoch.Add(1500 * time.Millisecond))
	require.True(t, ok)
	assert.InDelta(t, 1/1.5, r, 1e-12)
}

func TestRateEstimator_ConvergenceWithoutReset(t *testing.T) {
	e := NewRateEstimator(2 * time.Second)

	var (
		rate    float64
		emitted int
	)
	// 10 Hz starting at epoch: the event at 2.1 s closes the first epoch.
	for k := 0; k <= 21; k++ {
		if r, ok := e.Record(epoch.Add(time.Duration(k) * 100 * time.Millisecond)); ok {
			rate = r
			emitted++
		}
	}
	require.Equal(t, 1, emitted)
	assert.InDelta(t, 10.0, rate, 1e-9)
}

func TestIngest_DiscoveryOncePerID(t *testing.T) {
	b, _, l := newTestBroadcaster(t, nil)

	for _, id := range []string{"M1", "M2", "M1", "B3", "M2", "M1"} {
		require.NoError(t, b.Ingest(marker(id, 0)))
	}
	assert.Equal(t, []string{"M1", "M2", "B3"}, l.discovered)
	assert.Equal(t, []string{"B3", "M1", "M2"}, b.Snapshot().Objects)
}

func TestIngest_MalformedDropped(t *testing.T) {
	b, _, l := newTestBroadcaster(t, nil)

	bad := marker("M1", math.NaN())
	err := b.Ingest(bad)
	require.ErrorIs(t, err, ErrMalformedEvent)
	require.ErrorIs(t, err, pose.ErrNonFinite)

	require.ErrorIs(t, b.Ingest(pose.DetectionEvent{}), ErrMalformedEvent)

	_, err = b.Get("M1")
	assert.ErrorIs(t, err, pose.ErrNotFound)
	assert.Empty(t, l.discovered)
	assert.True(t, b.LastDetection().IsZero())
}

func TestIngest_DesiredEmitsUpdate(t *testing.T) {
	b, clock, l := newTestBroadcaster(t, nil)
	b.SetDesired("M1")

	ev := marker("M1", 0.25)
	ev.Pose.Timestamp = timeutil.Seconds(epoch)
	clock.Advance(500 * time.Millisecond)
	require.NoError(t, b.Ingest(ev))
	require.NoError(t, b.Ingest(marker("M2", 1)))

	require.Len(t, l.updates, 1)
	u := l.updates[0]
	assert.Equal(t, "M1", u.Pose.ID)
	assert.Equal(t, r3.Vector{X: 0.25}, u.Pose.Position)
	assert.InDelta(t, 0.5, u.Age, 1e-6)
	assert.Equal(t, RateDisabled, u.ReferenceAge)
	assert.Equal(t, clock.Now(), b.LastDetection())

	snap := b.Snapshot()
	require.NotNil(t, snap.Latest)
	assert.Equal(t, u, *snap.Latest)
	assert.Equal(t, RateDisabled, snap.ReferenceRate)
}

func TestIngest_RelativeToReference(t *testing.T) {
	b, _, l := newTestBroadcaster(t, nil)
	b.SetDesired("M1")
	b.SetReference("R")

	// Reference not seen yet: nothing to express the target in.
	require.NoError(t, b.Ingest(marker("M1", 2)))
	assert.Empty(t, l.updates)

	ref := pose.DetectionEvent{Pose: pose.Pose{
		ID:          "R",
		Position:    r3.Vector{X: 1},
		Orientation: quat.Number{Real: math.Cos(math.Pi / 4), Kmag: math.Sin(math.Pi / 4)},
	}}
	require.NoError(t, b.Ingest(ref))
	assert.Empty(t, l.updates, "reference detections alone do not emit")

	target := pose.DetectionEvent{Pose: pose.Pose{ID: "M1", Position: r3.Vector{X: 1, Y: 1}, Orientation: pose.Identity}}
	require.NoError(t, b.Ingest(target))
	require.Len(t, l.updates, 1)

	got := l.updates[0].Pose
	want := pose.Relative(ref.Pose, target.Pose)
	assert.Equal(t, want, got)
	assert.InDelta(t, 1.0, got.Position.X, 1e-12)
	assert.InDelta(t, 0.0, got.Position.Y, 1e-12)
	assert.NotEqual(t, RateDisabled, l.updates[0].ReferenceAge)
}

func TestSetDesired_EmitsSnapshotWhenKnown(t *testing.T) {
	b, _, l := newTestBroadcaster(t, nil)

	b.SetDesired("M9")
	assert.Empty(t, l.updates, "unknown id emits nothing")

	require.NoError(t, b.Ingest(marker("M1", 3)))
	assert.Empty(t, l.updates)

	b.SetDesired("M1")
	require.Len(t, l.updates, 1)
	assert.Equal(t, r3.Vector{X: 3}, l.updates[0].Pose.Position)

	b.SetDesired("")
	assert.Equal(t, "", b.Snapshot().Desired)
	assert.Nil(t, b.Snapshot().Latest)
}

func TestSetReference_CameraSentinel(t *testing.T) {
	b, _, l := newTestBroadcaster(t, nil)

	b.SetReference("R")
	b.SetReference("")

	want := []rateEvent{{RoleReference, 0}, {RoleReference, RateDisabled}}
	if diff := cmp.Diff(want, l.rates); diff != "" {
		t.Errorf("rate events mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, pose.CameraID, b.Snapshot().Reference)
}

func TestIngest_RatesPerRole(t *testing.T) {
	b, clock, l := newTestBroadcaster(t, nil)
	b.SetDesired("M1")
	b.SetReference("R")

	for i := 0; i < 25; i++ {
		clock.Advance(100 * time.Millisecond)
		require.NoError(t, b.Ingest(marker("M1", 0)))
		require.NoError(t, b.Ingest(marker("R", 0)))
	}

	var desired, reference []float64
	for _, r := range l.rates {
		switch r.Role {
		case RoleDesired:
			desired = append(desired, r.Rate)
		case RoleReference:
			if r.Rate != 0 {
				reference = append(reference, r.Rate)
			}
		}
	}
	require.Len(t, desired, 1)
	require.Len(t, reference, 1)
	assert.InDelta(t, 10.0, desired[0], 1e-9)
	assert.InDelta(t, 10.0, reference[0], 1e-9)
	assert.InDelta(t, 10.0, b.Snapshot().DesiredRate, 1e-9)
}

func TestListener_MayCallBack(t *testing.T) {
	b, _, _ := newTestBroadcaster(t, nil)
	reentrant := &reentrantListener{b: b}
	b.AddListener(reentrant)
	b.SetDesired("M1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Ingest(marker("M1", 1))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener callback deadlocked")
	}
	assert.Equal(t, 1, reentrant.snapshots)
}

type reentrantListener struct {
	NopListener
	b         *Broadcaster
	snapshots int
}

func (r *reentrantListener) PoseUpdated(Update) {
	r.b.Snapshot()
	r.snapshots++
}
