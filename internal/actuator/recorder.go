package actuator

import "sync"

// Call is one method invocation seen by a Recorder.
type Call struct {
	Method string
	Name   string
	Value  float64
}

// Recorder is an Actuator that records every call. It is used in tests and
// when running without motion hardware.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	fail  map[string]error
}

var _ Actuator = (*Recorder)(nil)

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{fail: make(map[string]error)}
}

// FailWith makes every later call to method return err. A nil err clears it.
func (r *Recorder) FailWith(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, method)
		return
	}
	r.fail[method] = err
}

func (r *Recorder) record(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return r.fail[c.Method]
}

func (r *Recorder) SetAngle(deg float64) error {
	return r.record(Call{Method: "SetAngle", Value: deg})
}

func (r *Recorder) SetProperty(name string, value float64) error {
	return r.record(Call{Method: "SetProperty", Name: name, Value: value})
}

func (r *Recorder) Stop() error    { return r.record(Call{Method: "Stop"}) }
func (r *Recorder) Enable() error  { return r.record(Call{Method: "Enable"}) }
func (r *Recorder) Disable() error { return r.record(Call{Method: "Disable"}) }

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Angles returns the setpoints passed to SetAngle, in order.
func (r *Recorder) Angles() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []float64
	for _, c := range r.calls {
		if c.Method == "SetAngle" {
			out = append(out, c.Value)
		}
	}
	return out
}
