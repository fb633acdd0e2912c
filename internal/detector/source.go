// Package detector feeds detections into the broadcaster, either decoded
// from a line-oriented stream or generated synthetically.
package detector

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/banshee-data/posebench/internal/monitoring"
	"github.com/banshee-data/posebench/internal/pose"
	"github.com/banshee-data/posebench/internal/timeutil"
)

var logf = monitoring.Component("detector")

// Sink consumes detections. broadcaster.Broadcaster implements it.
type Sink interface {
	Ingest(ev pose.DetectionEvent) error
}

// Event is the JSON form of a detection:
//
//	{"id":"M1","kind":"marker","position":[x,y,z],"orientation":[w,x,y,z],"timestamp":1700000000.25}
//
// Positions are in metres. A missing or zero timestamp is replaced by the
// time the line was read.
type Event struct {
	ID          string     `json:"id"`
	Kind        pose.Kind  `json:"kind"`
	Position    [3]float64 `json:"position"`
	Orientation [4]float64 `json:"orientation"`
	Timestamp   float64    `json:"timestamp,omitempty"`
}

// Pose converts e to a pose.
func (e Event) Pose() pose.Pose {
	return pose.Pose{
		ID:          e.ID,
		Kind:        e.Kind,
		Position:    r3Vector(e.Position),
		Orientation: quatNumber(e.Orientation),
		Timestamp:   e.Timestamp,
	}
}

// ParseLine decodes one line. Lines starting with "{" are JSON events;
// anything else is read as a CSV record in the recording field order, so
// saved recordings can be replayed.
func ParseLine(line string) (pose.DetectionEvent, error) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "{") {
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return pose.DetectionEvent{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
		}
		return pose.DetectionEvent{Pose: e.Pose()}, nil
	}

	fields, err := csv.NewReader(strings.NewReader(line)).Read()
	if err != nil {
		return pose.DetectionEvent{}, fmt.Errorf("failed to read record: %w", err)
	}
	p, err := pose.ParseRecord(fields)
	if err != nil {
		return pose.DetectionEvent{}, err
	}
	return pose.DetectionEvent{Pose: p}, nil
}

// Stats counts what a LineSource has processed.
type Stats struct {
	Lines    int64 `json:"lines"`
	Ingested int64 `json:"ingested"`
	Dropped  int64 `json:"dropped"`
}

// LineSource reads detections, one per line, and hands them to a Sink.
// Lines that fail to parse or that the sink rejects are logged and dropped.
type LineSource struct {
	clock timeutil.Clock

	lines    atomic.Int64
	ingested atomic.Int64
	dropped  atomic.Int64
}

// NewLineSource returns a LineSource. A nil clock selects the real clock.
func NewLineSource(clock timeutil.Clock) *LineSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &LineSource{clock: clock}
}

// Stats returns the running counters.
func (s *LineSource) Stats() Stats {
	return Stats{
		Lines:    s.lines.Load(),
		Ingested: s.ingested.Load(),
		Dropped:  s.dropped.Load(),
	}
}

func (s *LineSource) handle(line string, sink Sink) {
	if strings.TrimSpace(line) == "" {
		return
	}
	s.lines.Add(1)
	ev, err := ParseLine(line)
	if err != nil {
		s.dropped.Add(1)
		logf("dropping line %q: %v", line, err)
		return
	}
	if ev.Pose.Timestamp == 0 {
		ev.Pose.Timestamp = timeutil.Seconds(s.clock.Now())
	}
	if err := sink.Ingest(ev); err != nil {
		s.dropped.Add(1)
		return
	}
	s.ingested.Add(1)
}

// Run reads r until EOF, a read error, or ctx is done. EOF returns nil.
func (s *LineSource) Run(ctx context.Context, r io.Reader, sink Sink) error {
	scan := bufio.NewScanner(r)
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan will not interfere with our outer loop awaiting
	// lines & context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
				}
				return nil
			}
			s.handle(line, sink)
		}
	}
}
