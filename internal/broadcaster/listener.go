package broadcaster

import "github.com/banshee-data/posebench/internal/pose"

// Role names one of the two bindings the broadcaster tracks.
type Role string

const (
	RoleDesired   Role = "desired"
	RoleReference Role = "reference"
)

// Update is emitted whenever the desired object's relative pose changes.
type Update struct {
	Pose pose.Pose `json:"pose"`
	// Age of the desired detection in seconds.
	Age float64 `json:"age"`
	// ReferenceAge is RateDisabled while the reference is the camera.
	ReferenceAge float64 `json:"reference_age"`
}

// Progress reports how many samples the active recording holds.
type Progress struct {
	Count int `json:"count"`
	Cap   int `json:"cap"`
}

// Result is delivered once per recording session when it stops. The
// cap-reached, timeout and explicit stop paths all produce the same
// Result; compare Count with Cap to tell a full buffer from an early stop.
type Result struct {
	Seq   uint64 `json:"seq"`
	Count int    `json:"count"`
	Cap   int    `json:"cap"`
}

// Full reports whether the session stopped because it reached its cap.
func (r Result) Full() bool {
	return r.Count >= r.Cap
}

// Listener receives broadcaster notifications. Methods are called after
// the broadcaster lock has been released, from whichever goroutine caused
// the event, so a listener may call back into the broadcaster. They must
// not block for long: the detection producer is one of those goroutines.
type Listener interface {
	PoseUpdated(Update)
	RateUpdated(role Role, rate float64)
	ObjectDiscovered(id string)
	RecordingStarted(Progress)
	RecordingProgress(Progress)
	RecordingStopped(Result)
}

// NopListener implements Listener with no-ops. Embed it to handle only
// some notifications.
type NopListener struct{}

func (NopListener) PoseUpdated(Update)         {}
func (NopListener) RateUpdated(Role, float64)  {}
func (NopListener) ObjectDiscovered(string)    {}
func (NopListener) RecordingStarted(Progress)  {}
func (NopListener) RecordingProgress(Progress) {}
func (NopListener) RecordingStopped(Result)    {}

// notice is a deferred listener call collected under the lock.
type notice func(Listener)

func dispatch(listeners []Listener, notices []notice) {
	for _, n := range notices {
		for _, l := range listeners {
			n(l)
		}
	}
}
