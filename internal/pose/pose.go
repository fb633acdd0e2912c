// Package pose defines tracked object poses as delivered by the marker
// detector, the relative pose transform, and the per-object registry.
package pose

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Kind identifies what sort of fiducial produced a detection.
type Kind int

const (
	Marker Kind = iota
	Board
)

func (k Kind) String() string {
	switch k {
	case Marker:
		return "marker"
	case Board:
		return "board"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText encodes the kind as its lower-case name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts "marker" or "board".
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "marker", "":
		*k = Marker
	case "board":
		*k = Board
	default:
		return fmt.Errorf("unknown pose kind %q", b)
	}
	return nil
}

// Frame is an opaque handle to the camera image a pose was detected in.
// The pose pipeline never inspects it.
type Frame any

// Identity is the unit quaternion representing no rotation.
var Identity = quat.Number{Real: 1}

// CameraID names the camera itself. Binding it as the reference object
// means poses are reported in camera coordinates, untransformed.
const CameraID = "Camera"

// Pose is one detection of a tracked object. Poses are values: a newer
// detection replaces the older one rather than mutating it.
type Pose struct {
	ID          string
	Position    r3.Vector   // metres, camera frame
	Orientation quat.Number // unit quaternion (w, x, y, z)
	Timestamp   float64     // seconds since the Unix epoch
	Frame       Frame
	Kind        Kind
}

// IdentityReference returns the pose used when the reference object is the
// camera: zero position, identity orientation.
func IdentityReference() Pose {
	return Pose{ID: CameraID, Orientation: Identity}
}

// IsIdentityReference reports whether p stands for the camera frame.
func (p Pose) IsIdentityReference() bool {
	return p.ID == CameraID
}

// Distance returns the Euclidean distance from the origin of the frame the
// pose is expressed in.
func (p Pose) Distance() float64 {
	return p.Position.Norm()
}

// Euler returns roll, pitch and yaw in radians (intrinsic Z-Y-X order).
func (p Pose) Euler() (roll, pitch, yaw float64) {
	q := Normalize(p.Orientation)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	roll = math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))
	sinp := 2 * (w*y - z*x)
	switch {
	case sinp >= 1:
		pitch = math.Pi / 2
	case sinp <= -1:
		pitch = -math.Pi / 2
	default:
		pitch = math.Asin(sinp)
	}
	yaw = math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
	return roll, pitch, yaw
}

var (
	ErrEmptyID            = errors.New("pose id is empty")
	ErrNonFinite          = errors.New("pose contains non-finite value")
	ErrDegenerateRotation = errors.New("pose orientation has zero norm")
)

// Validate rejects detections that cannot be used downstream.
func (p Pose) Validate() error {
	if p.ID == "" {
		return ErrEmptyID
	}
	for _, v := range []float64{p.Position.X, p.Position.Y, p.Position.Z, p.Timestamp} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s: %w", p.ID, ErrNonFinite)
		}
	}
	if quat.IsNaN(p.Orientation) || quat.IsInf(p.Orientation) {
		return fmt.Errorf("%s: %w", p.ID, ErrNonFinite)
	}
	if quat.Abs(p.Orientation) == 0 {
		return fmt.Errorf("%s: %w", p.ID, ErrDegenerateRotation)
	}
	return nil
}

// DetectionEvent is a single pose delivered by the detector. Events for one
// id arrive in timestamp order; there is no ordering across ids.
type DetectionEvent struct {
	Pose Pose
}
