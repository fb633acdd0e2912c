package display

import (
	"fmt"
	"math"

	"github.com/banshee-data/posebench/internal/broadcaster"
)

// Level grades how stale a detection is.
type Level string

const (
	LevelFresh Level = "fresh"
	LevelLate  Level = "late"
	LevelStale Level = "stale"
	// LevelNone marks a value that does not apply, such as the age of the
	// camera reference.
	LevelNone Level = ""
)

// Age thresholds in seconds.
const (
	LateAge  = 0.5
	StaleAge = 1.0
)

// FormatLength formats metres as centimetres.
func FormatLength(m float64) string {
	return fmt.Sprintf("% 5.3fcm", m*100)
}

// FormatAngle formats radians as degrees.
func FormatAngle(rad float64) string {
	return fmt.Sprintf("% 5.3f°", rad*180/math.Pi)
}

// FormatAge formats an age in seconds. The disabled sentinel formats as "".
func FormatAge(s float64) string {
	if s == broadcaster.RateDisabled {
		return ""
	}
	return fmt.Sprintf("% 5.3fs", s)
}

// FormatRate formats a rate in Hz. The disabled sentinel formats as "".
func FormatRate(hz float64) string {
	if hz == broadcaster.RateDisabled {
		return ""
	}
	return fmt.Sprintf("% 5.3fHz", hz)
}

// AgeLevel grades an age in seconds.
func AgeLevel(s float64) Level {
	switch {
	case s == broadcaster.RateDisabled:
		return LevelNone
	case s > StaleAge:
		return LevelStale
	case s > LateAge:
		return LevelLate
	default:
		return LevelFresh
	}
}

// PoseView is a transformed pose formatted for display.
type PoseView struct {
	ID                string  `json:"id"`
	X                 string  `json:"x"`
	Y                 string  `json:"y"`
	Z                 string  `json:"z"`
	Distance          string  `json:"distance"`
	Roll              string  `json:"roll"`
	Pitch             string  `json:"pitch"`
	Yaw               string  `json:"yaw"`
	Age               string  `json:"age"`
	AgeLevel          Level   `json:"age_level"`
	ReferenceAge      string  `json:"reference_age"`
	ReferenceAgeLevel Level   `json:"reference_age_level"`
	Timestamp         float64 `json:"timestamp"`
}

// NewPoseView formats u.
func NewPoseView(u broadcaster.Update) PoseView {
	p := u.Pose
	roll, pitch, yaw := p.Euler()
	return PoseView{
		ID:                p.ID,
		X:                 FormatLength(p.Position.X),
		Y:                 FormatLength(p.Position.Y),
		Z:                 FormatLength(p.Position.Z),
		Distance:          FormatLength(p.Distance()),
		Roll:              FormatAngle(roll),
		Pitch:             FormatAngle(pitch),
		Yaw:               FormatAngle(yaw),
		Age:               FormatAge(u.Age),
		AgeLevel:          AgeLevel(u.Age),
		ReferenceAge:      FormatAge(u.ReferenceAge),
		ReferenceAgeLevel: AgeLevel(u.ReferenceAge),
		Timestamp:         p.Timestamp,
	}
}

// RateView is a per-role rate formatted for display.
type RateView struct {
	Role    broadcaster.Role `json:"role"`
	Rate    string           `json:"rate"`
	Enabled bool             `json:"enabled"`
}
