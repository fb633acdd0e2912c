package detector

import (
	"context"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/posebench/internal/pose"
	"github.com/banshee-data/posebench/internal/timeutil"
)

func r3Vector(v [3]float64) r3.Vector { return r3.Vector{X: v[0], Y: v[1], Z: v[2]} }

func quatNumber(q [4]float64) quat.Number {
	return quat.Number{Real: q[0], Imag: q[1], Jmag: q[2], Kmag: q[3]}
}

// Synthetic emits markers circling the camera axis, for running without a
// camera.
type Synthetic struct {
	// IDs are the marker ids, spread evenly around the circle.
	IDs []string
	// Interval between frames. Every marker is detected once per frame.
	Interval time.Duration
	// Radius of the orbit in metres and its distance from the camera.
	Radius   float64
	Distance float64
	// AngularSpeed in radians per second.
	AngularSpeed float64

	Clock timeutil.Clock
}

// NewSynthetic returns a generator for ids at 30 frames per second.
func NewSynthetic(ids ...string) *Synthetic {
	return &Synthetic{
		IDs:          ids,
		Interval:     time.Second / 30,
		Radius:       0.2,
		Distance:     1,
		AngularSpeed: math.Pi / 10,
		Clock:        timeutil.RealClock{},
	}
}

// Frame returns the detections at elapsed time t.
func (g *Synthetic) Frame(t time.Duration, now time.Time) []pose.DetectionEvent {
	out := make([]pose.DetectionEvent, len(g.IDs))
	ts := timeutil.Seconds(now)
	for i, id := range g.IDs {
		theta := g.AngularSpeed*t.Seconds() + 2*math.Pi*float64(i)/float64(len(g.IDs))
		half := theta / 2
		out[i] = pose.DetectionEvent{Pose: pose.Pose{
			ID: id,
			Position: r3.Vector{
				X: g.Radius * math.Cos(theta),
				Y: g.Radius * math.Sin(theta),
				Z: g.Distance,
			},
			Orientation: quat.Number{Real: math.Cos(half), Kmag: math.Sin(half)},
			Timestamp:   ts,
			Kind:        pose.Marker,
		}}
	}
	return out
}

// Run emits a frame every Interval until ctx is done.
func (g *Synthetic) Run(ctx context.Context, sink Sink) error {
	clock := g.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	start := clock.Now()
	ticker := clock.NewTicker(g.Interval)
	defer ticker.Stop()
	logf("generating %d synthetic markers every %v", len(g.IDs), g.Interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			for _, ev := range g.Frame(now.Sub(start), now) {
				sink.Ingest(ev)
			}
		}
	}
}
