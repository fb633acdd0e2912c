package db

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/posebench/internal/pose"
)

// Summary holds per-axis statistics of the positions in a recording.
type Summary struct {
	Samples int       `json:"samples"`
	Mean    r3.Vector `json:"mean"`
	StdDev  r3.Vector `json:"stddev"`
}

// Summarize computes the mean and sample standard deviation of each
// position axis. Fewer than two samples give a zero deviation.
func Summarize(samples []pose.Pose) Summary {
	s := Summary{Samples: len(samples)}
	if len(samples) == 0 {
		return s
	}
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	zs := make([]float64, len(samples))
	for i, p := range samples {
		xs[i], ys[i], zs[i] = p.Position.X, p.Position.Y, p.Position.Z
	}
	if len(samples) == 1 {
		s.Mean = samples[0].Position
		return s
	}
	s.Mean.X, s.StdDev.X = stat.MeanStdDev(xs, nil)
	s.Mean.Y, s.StdDev.Y = stat.MeanStdDev(ys, nil)
	s.Mean.Z, s.StdDev.Z = stat.MeanStdDev(zs, nil)
	return s
}
