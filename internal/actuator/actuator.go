// Package actuator drives the motion stage that carries the tracked object
// through a sweep.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/posebench/internal/monitoring"
	"github.com/banshee-data/posebench/internal/serialmux"
)

var logf = monitoring.Component("actuator")

var (
	ErrUnsupportedProperty = errors.New("unsupported actuator property")
	ErrCommandNotAllowed   = errors.New("command not allowed")
	ErrInvalidValue        = errors.New("invalid actuator value")
)

// PropertySpeed sets the slew speed in degrees per second.
const PropertySpeed = "speed"

// Actuator is the capability surface the sweep controller drives. Calls are
// fire-and-forget: an error only reports a transport failure.
type Actuator interface {
	SetAngle(deg float64) error
	SetProperty(name string, value float64) error
	Stop() error
	Enable() error
	Disable() error
}

// ACS drives a single-axis ACS motion controller over a serial mux.
type ACS struct {
	mux serialmux.SerialMuxInterface

	// moveMu keeps a position target and its begin command adjacent on the
	// wire.
	moveMu sync.Mutex
	faults atomic.Int64
}

var _ Actuator = (*ACS)(nil)

// NewACS returns an actuator that writes commands to mux.
func NewACS(mux serialmux.SerialMuxInterface) *ACS {
	return &ACS{mux: mux}
}

func counts(v float64) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidValue, v)
	}
	return int64(math.Round(v * CountsPerUnit)), nil
}

func (a *ACS) send(command string) error {
	if !IsAllowedCommand(command) {
		return fmt.Errorf("%w: %q", ErrCommandNotAllowed, command)
	}
	if err := a.mux.SendCommand(command); err != nil {
		return fmt.Errorf("send %s: %w", command, err)
	}
	return nil
}

// SetAngle commands an absolute move to deg and starts it.
func (a *ACS) SetAngle(deg float64) error {
	n, err := counts(deg)
	if err != nil {
		return err
	}
	a.moveMu.Lock()
	defer a.moveMu.Unlock()
	if err := a.send(fmt.Sprintf("PA%d", n)); err != nil {
		return err
	}
	if err := a.send("BG"); err != nil {
		return err
	}
	logf("moving to %.4f°", deg)
	return nil
}

// SetProperty sets a controller property. Only PropertySpeed is supported.
func (a *ACS) SetProperty(name string, value float64) error {
	if name != PropertySpeed {
		return fmt.Errorf("%w: %q", ErrUnsupportedProperty, name)
	}
	n, err := counts(value)
	if err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("%w: speed must be positive, got %v", ErrInvalidValue, value)
	}
	return a.send(fmt.Sprintf("SP%d", n))
}

// Stop halts any motion in progress.
func (a *ACS) Stop() error { return a.send("ST") }

// Enable powers the motor.
func (a *ACS) Enable() error { return a.send("SH") }

// Disable removes motor power.
func (a *ACS) Disable() error { return a.send("MO") }

// Faults returns the number of error replies seen by Watch.
func (a *ACS) Faults() int64 { return a.faults.Load() }

// Watch logs error replies from the controller until ctx is done or the mux
// closes. Commands are fire-and-forget, so this is the only place a rejected
// command surfaces.
func (a *ACS) Watch(ctx context.Context) {
	id, lines := a.mux.Subscribe()
	defer a.mux.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if r := serialmux.ParseReply(line); r.Kind == serialmux.ReplyError {
				a.faults.Add(1)
				logf("controller rejected command: error %d", r.Code)
			}
		}
	}
}
