// Package broadcaster fans detector output out to the recording session and
// display listeners. It owns the pose registry, the per-role rate
// estimators and the recording session, all guarded by a single lock.
package broadcaster

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/posebench/internal/monitoring"
	"github.com/banshee-data/posebench/internal/pose"
	"github.com/banshee-data/posebench/internal/timeutil"
)

var logf = monitoring.Component("broadcaster")

var (
	// ErrNoTarget is returned when a recording is requested before a
	// desired object has been bound.
	ErrNoTarget = errors.New("no desired object bound")
	// ErrIO wraps persistence failures. The recorded buffer is kept.
	ErrIO = errors.New("persist recording")
	// ErrMalformedEvent wraps validation failures of dropped detections.
	ErrMalformedEvent = errors.New("malformed detection event")
	// ErrRecordingActive is returned by Persist while a session runs.
	ErrRecordingActive = errors.New("recording in progress")
	// ErrSuperseded is returned by WaitRecording when the awaited session's
	// result was replaced by a newer session before the waiter observed it.
	ErrSuperseded = errors.New("recording superseded by a newer session")
	// ErrNoPersister is returned by Persist when no Persister was configured.
	ErrNoPersister = errors.New("no persister configured")
)

// Persister stores a recorded buffer at path.
type Persister interface {
	Persist(path string, samples []pose.Pose) error
}

// Config holds construction options for a Broadcaster.
type Config struct {
	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
	// RateWindow defaults to DefaultRateWindow.
	RateWindow time.Duration
	// Persister is required for Persist.
	Persister Persister
}

// Broadcaster is the single entry point for detections. Create one with New.
type Broadcaster struct {
	clock     timeutil.Clock
	persister Persister

	mu            sync.Mutex
	cond          *sync.Cond
	registry      *pose.Registry
	desiredID     string
	referenceID   string
	desiredRate   *RateEstimator
	referenceRate *RateEstimator
	rates         map[Role]float64
	latest        *Update
	lastDetection time.Time
	listeners     []Listener
	rec           session
}

// New returns a broadcaster with no desired object and the camera bound as
// reference.
func New(cfg Config) *Broadcaster {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	b := &Broadcaster{
		clock:         clock,
		persister:     cfg.Persister,
		registry:      pose.NewRegistry(),
		referenceID:   pose.CameraID,
		desiredRate:   NewRateEstimator(cfg.RateWindow),
		referenceRate: NewRateEstimator(cfg.RateWindow),
		rates:         map[Role]float64{RoleDesired: 0, RoleReference: RateDisabled},
		rec:           session{state: RecordingIdle},
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// AddListener registers l for all future notifications.
func (b *Broadcaster) AddListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Copy on write so dispatch can use a captured slice without the lock.
	ls := make([]Listener, len(b.listeners), len(b.listeners)+1)
	copy(ls, b.listeners)
	b.listeners = append(ls, l)
}

// outbox collects effects produced under the lock to be flushed after it is
// released.
type outbox struct {
	listeners []Listener
	notices   []notice
	stopped   []Result
}

func (o *outbox) add(n notice) {
	o.notices = append(o.notices, n)
}

func (o *outbox) flush() {
	for _, r := range o.stopped {
		logf("%d/%d samples recorded", r.Count, r.Cap)
	}
	dispatch(o.listeners, o.notices)
}

// unlockAndFlush releases the lock and delivers o.
func (b *Broadcaster) unlockAndFlush(o *outbox) {
	o.listeners = b.listeners
	b.mu.Unlock()
	o.flush()
}

// Ingest processes one detection. Malformed detections are logged and
// dropped; the returned error wraps ErrMalformedEvent for the producer's
// bookkeeping and never affects broadcaster state.
func (b *Broadcaster) Ingest(ev pose.DetectionEvent) error {
	p := ev.Pose
	if err := p.Validate(); err != nil {
		logf("dropping detection: %v", err)
		return fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	now := b.clock.Now()
	var o outbox

	b.mu.Lock()
	b.lastDetection = now
	if b.registry.Update(p) {
		id := p.ID
		o.add(func(l Listener) { l.ObjectDiscovered(id) })
	}

	if p.ID == b.referenceID && b.referenceID != pose.CameraID {
		if rate, ok := b.referenceRate.Record(now); ok {
			b.rates[RoleReference] = rate
			o.add(func(l Listener) { l.RateUpdated(RoleReference, rate) })
		}
	}

	if p.ID == b.desiredID {
		if rate, ok := b.desiredRate.Record(now); ok {
			b.rates[RoleDesired] = rate
			o.add(func(l Listener) { l.RateUpdated(RoleDesired, rate) })
		}
		if u, ok := b.transformLocked(now); ok {
			b.latest = &u
			o.add(func(l Listener) { l.PoseUpdated(u) })
			b.appendLocked(u.Pose, &o)
		}
	}
	b.unlockAndFlush(&o)
	return nil
}

// transformLocked computes the desired object's pose relative to the
// reference from the latest registry entries. It fails when either has not
// been detected yet.
func (b *Broadcaster) transformLocked(now time.Time) (Update, bool) {
	if b.desiredID == "" {
		return Update{}, false
	}
	target, err := b.registry.Get(b.desiredID)
	if err != nil {
		return Update{}, false
	}

	ref := pose.IdentityReference()
	refAge := RateDisabled
	if b.referenceID != pose.CameraID {
		ref, err = b.registry.Get(b.referenceID)
		if err != nil {
			return Update{}, false
		}
		refAge = ageOf(now, ref.Timestamp)
	}

	return Update{
		Pose:         pose.Relative(ref, target),
		Age:          ageOf(now, target.Timestamp),
		ReferenceAge: refAge,
	}, true
}

func ageOf(now time.Time, ts float64) float64 {
	return timeutil.Seconds(now) - ts
}

// SetDesired binds the object to track and record. An empty id unbinds it.
// If the object has already been seen, a pose update is emitted straight
// away from the last known detections.
func (b *Broadcaster) SetDesired(id string) {
	now := b.clock.Now()
	var o outbox

	b.mu.Lock()
	b.desiredID = id
	b.desiredRate.Reset(now)
	b.rates[RoleDesired] = 0
	b.latest = nil
	if u, ok := b.transformLocked(now); ok {
		b.latest = &u
		o.add(func(l Listener) { l.PoseUpdated(u) })
	}
	b.unlockAndFlush(&o)
	logf("desired object set to %q", id)
}

// SetReference binds the object poses are expressed relative to. An empty
// id or pose.CameraID selects the camera frame.
func (b *Broadcaster) SetReference(id string) {
	if id == "" {
		id = pose.CameraID
	}
	now := b.clock.Now()
	var o outbox

	b.mu.Lock()
	b.referenceID = id
	b.referenceRate.Reset(now)
	rate := 0.0
	if id == pose.CameraID {
		rate = RateDisabled
	}
	b.rates[RoleReference] = rate
	o.add(func(l Listener) { l.RateUpdated(RoleReference, rate) })
	b.unlockAndFlush(&o)
	logf("reference object set to %q", id)
}

// Desired returns the bound desired id, or "" when none is bound.
func (b *Broadcaster) Desired() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.desiredID
}

// Get returns the latest raw detection for id.
func (b *Broadcaster) Get(id string) (pose.Pose, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry.Get(id)
}

// LastDetection returns when the most recent valid detection was ingested,
// or the zero time if none has been.
func (b *Broadcaster) LastDetection() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastDetection
}

// Snapshot is a point-in-time copy of the broadcaster's observable state.
type Snapshot struct {
	Desired       string          `json:"desired"`
	Reference     string          `json:"reference"`
	Objects       []string        `json:"objects"`
	DesiredRate   float64         `json:"desired_rate"`
	ReferenceRate float64         `json:"reference_rate"`
	Latest        *Update         `json:"latest,omitempty"`
	Recording     RecordingStatus `json:"recording"`
}

// Snapshot returns a copy of the current bindings, known objects and
// recording state.
func (b *Broadcaster) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Desired:       b.desiredID,
		Reference:     b.referenceID,
		Objects:       b.registry.IDs(),
		DesiredRate:   b.rates[RoleDesired],
		ReferenceRate: b.rates[RoleReference],
		Recording:     b.rec.status(),
	}
	if b.latest != nil {
		u := *b.latest
		s.Latest = &u
	}
	return s
}
