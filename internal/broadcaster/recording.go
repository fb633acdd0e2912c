package broadcaster

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/banshee-data/posebench/internal/pose"
	"github.com/banshee-data/posebench/internal/timeutil"
)

// RecordingState is the state of the recording session.
type RecordingState string

const (
	RecordingIdle   RecordingState = "idle"
	RecordingActive RecordingState = "active"
)

// RecordingStatus is a copy of the session fields exposed to callers.
type RecordingStatus struct {
	State     RecordingState `json:"state"`
	Seq       uint64         `json:"seq"`
	Target    string         `json:"target,omitempty"`
	Count     int            `json:"count"`
	Cap       int            `json:"cap"`
	TimeoutMS int64          `json:"timeout_ms"`
}

// session is the recording state machine. All fields are guarded by the
// broadcaster lock.
type session struct {
	state    RecordingState
	seq      uint64
	cap      int
	timeout  time.Duration
	targetID string
	buffer   []pose.Pose
	timer    timeutil.Timer
	last     Result
}

func (s *session) status() RecordingStatus {
	return RecordingStatus{
		State:     s.state,
		Seq:       s.seq,
		Target:    s.targetID,
		Count:     len(s.buffer),
		Cap:       s.cap,
		TimeoutMS: s.timeout.Milliseconds(),
	}
}

// StartRecording clears the buffer and begins capturing up to limit
// samples of the currently desired object. A zero timeout means the
// session only ends by reaching limit or by StopRecording. Starting while a
// session is active stops that session first.
//
// The returned sequence number identifies the session for WaitRecording.
func (b *Broadcaster) StartRecording(limit int, timeout time.Duration) (uint64, error) {
	if limit <= 0 {
		return 0, fmt.Errorf("recording cap must be positive, got %d", limit)
	}
	if timeout < 0 {
		return 0, fmt.Errorf("recording timeout must not be negative, got %s", timeout)
	}

	var o outbox
	b.mu.Lock()
	if b.desiredID == "" {
		b.mu.Unlock()
		return 0, ErrNoTarget
	}
	if b.rec.state == RecordingActive {
		b.stopLocked(&o)
	}

	b.rec.seq++
	seq := b.rec.seq
	b.rec.state = RecordingActive
	b.rec.cap = limit
	b.rec.timeout = timeout
	b.rec.targetID = b.desiredID
	b.rec.buffer = make([]pose.Pose, 0, min(limit, 4096))
	if timeout > 0 {
		b.rec.timer = b.clock.AfterFunc(timeout, func() { b.expire(seq) })
	}
	target := b.rec.targetID
	progress := Progress{Count: 0, Cap: limit}
	o.add(func(l Listener) { l.RecordingStarted(progress) })
	b.unlockAndFlush(&o)

	logf("recording %d started: target=%s cap=%d timeout=%s", seq, target, limit, timeout)
	return seq, nil
}

// appendLocked adds p to the active session if it belongs to the target
// bound at start time. Reaching the cap stops the session.
func (b *Broadcaster) appendLocked(p pose.Pose, o *outbox) {
	if b.rec.state != RecordingActive || p.ID != b.rec.targetID {
		return
	}
	b.rec.buffer = append(b.rec.buffer, p)
	progress := Progress{Count: len(b.rec.buffer), Cap: b.rec.cap}
	o.add(func(l Listener) { l.RecordingProgress(progress) })
	if progress.Count >= b.rec.cap {
		b.stopLocked(o)
	}
}

// stopLocked ends the active session and wakes every waiter.
func (b *Broadcaster) stopLocked(o *outbox) {
	if b.rec.timer != nil {
		b.rec.timer.Stop()
		b.rec.timer = nil
	}
	b.rec.state = RecordingIdle
	res := Result{Seq: b.rec.seq, Count: len(b.rec.buffer), Cap: b.rec.cap}
	b.rec.last = res
	b.cond.Broadcast()

	o.stopped = append(o.stopped, res)
	o.add(func(l Listener) { l.RecordingStopped(res) })
}

// expire is the timeout callback for session seq. Callbacks belonging to a
// session that has already ended are ignored.
func (b *Broadcaster) expire(seq uint64) {
	var o outbox
	b.mu.Lock()
	if b.rec.state != RecordingActive || b.rec.seq != seq {
		b.mu.Unlock()
		return
	}
	b.rec.timer = nil
	b.stopLocked(&o)
	b.unlockAndFlush(&o)
}

// StopRecording ends the active session as if its timeout had fired. It is
// a no-op while idle and reports whether a session was stopped.
func (b *Broadcaster) StopRecording() (Result, bool) {
	var o outbox
	b.mu.Lock()
	if b.rec.state != RecordingActive {
		b.mu.Unlock()
		return Result{}, false
	}
	b.stopLocked(&o)
	res := b.rec.last
	b.unlockAndFlush(&o)
	return res, true
}

// WaitRecording blocks until session seq is no longer active and returns
// its result. There is no timeout of its own: the session ends by cap,
// timeout or StopRecording. Cancelling ctx returns ctx.Err() and leaves
// the session running.
func (b *Broadcaster) WaitRecording(ctx context.Context, seq uint64) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if seq == 0 || seq > b.rec.seq {
		return Result{}, fmt.Errorf("unknown recording session %d", seq)
	}

	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	for b.rec.seq == seq && b.rec.state == RecordingActive {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		b.cond.Wait()
	}
	if b.rec.last.Seq != seq {
		return Result{}, fmt.Errorf("session %d: %w", seq, ErrSuperseded)
	}
	return b.rec.last, nil
}

// Recording returns the current session status.
func (b *Broadcaster) Recording() RecordingStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rec.status()
}

// Samples returns a copy of the recorded buffer.
func (b *Broadcaster) Samples() []pose.Pose {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.rec.buffer)
}

// Persist writes the recorded buffer to path through the configured
// Persister. The write happens outside the lock, so ingestion continues
// meanwhile. On success the buffer is cleared and progress is reset to
// (0, cap), unless a newer session has started in the meantime. On failure
// the buffer is kept for a retry and the error wraps ErrIO.
func (b *Broadcaster) Persist(path string) error {
	if b.persister == nil {
		return ErrNoPersister
	}

	b.mu.Lock()
	if b.rec.state == RecordingActive {
		b.mu.Unlock()
		return ErrRecordingActive
	}
	samples := slices.Clone(b.rec.buffer)
	seq, limit := b.rec.seq, b.rec.cap
	b.mu.Unlock()

	if err := b.persister.Persist(path, samples); err != nil {
		logf("failed to save %d samples to %s: %v", len(samples), path, err)
		return fmt.Errorf("%w: %s: %w", ErrIO, path, err)
	}

	var o outbox
	b.mu.Lock()
	if b.rec.seq == seq && b.rec.state == RecordingIdle {
		b.rec.buffer = nil
		progress := Progress{Count: 0, Cap: limit}
		o.add(func(l Listener) { l.RecordingProgress(progress) })
	}
	b.unlockAndFlush(&o)

	logf("saved %d samples to %s", len(samples), path)
	return nil
}
