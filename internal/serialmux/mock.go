package serialmux

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SimulatedController is a serial port that answers commands the way the
// motion controller does: a ":" prompt for every accepted command and a
// "?code" line for rejected ones. It backs the mux in dev mode.
type SimulatedController struct {
	*TestableSerialPort

	stateMu sync.Mutex
	motorOn bool
	target  float64
	angle   float64
	speed   float64
}

// Controller error codes reported by SimulatedController.
const (
	SimErrUnknownCommand = 1002
	SimErrMotorDisabled  = 3057
	SimErrBadArgument    = 1004
)

// NewSimulatedController returns a simulated controller with the motor off.
func NewSimulatedController() *SimulatedController {
	port := NewTestableSerialPort()
	port.BlockReads = true
	return &SimulatedController{TestableSerialPort: port}
}

// Write records the command and queues the controller's reply.
func (s *SimulatedController) Write(p []byte) (int, error) {
	n, err := s.TestableSerialPort.Write(p)
	if err != nil {
		return n, err
	}
	for _, command := range strings.Split(string(p), LineTerminator) {
		command = strings.TrimSpace(command)
		if command == "" {
			continue
		}
		s.TestableSerialPort.AddReadData([]byte(s.apply(command) + LineTerminator))
	}
	return n, nil
}

func (s *SimulatedController) apply(command string) string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	arg := func() (float64, bool) {
		v, err := strconv.Atoi(command[2:])
		if err != nil {
			return 0, false
		}
		return float64(v) / 10000, true
	}

	switch {
	case command == "SH":
		s.motorOn = true
	case command == "MO":
		s.motorOn = false
	case command == "ST":
	case command == "BG":
		if !s.motorOn {
			return fmt.Sprintf("?%d", SimErrMotorDisabled)
		}
		s.angle = s.target
	case strings.HasPrefix(command, "PA"):
		v, ok := arg()
		if !ok {
			return fmt.Sprintf("?%d", SimErrBadArgument)
		}
		s.target = v
	case strings.HasPrefix(command, "SP"):
		v, ok := arg()
		if !ok || v <= 0 {
			return fmt.Sprintf("?%d", SimErrBadArgument)
		}
		s.speed = v
	default:
		return fmt.Sprintf("?%d", SimErrUnknownCommand)
	}
	return ":"
}

// Angle returns the simulated axis position in degrees.
func (s *SimulatedController) Angle() float64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.angle
}

// MotorOn reports whether the simulated motor is powered.
func (s *SimulatedController) MotorOn() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.motorOn
}

// Speed returns the last accepted speed in degrees per second.
func (s *SimulatedController) Speed() float64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.speed
}

// NewMockSerialMux creates a SerialMux backed by a SimulatedController.
func NewMockSerialMux() (*SerialMux[*SimulatedController], *SimulatedController) {
	port := NewSimulatedController()
	return NewSerialMux(port), port
}

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// It provides fine-grained control over reads, writes, errors, and latency.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadLatency adds a delay to each Read call
	ReadLatency time.Duration

	// WriteLatency adds a delay to each Write call
	WriteLatency time.Duration

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// WriteCalls records the number of Write calls
	WriteCalls int

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	// readCond is used to signal blocked readers
	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read reads from the read buffer, optionally simulating latency and errors.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if t.ReadLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.ReadLatency)
		t.mu.Lock()
	}

	// If blocking reads are enabled and buffer is empty, wait for data
	if t.BlockReads && t.ReadBuffer.Len() == 0 {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, errors.New("serial port closed")
		}
	}

	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer, optionally simulating latency and errors.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	if t.WriteLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.WriteLatency)
		t.mu.Lock()
	}

	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast() // Wake up any blocked readers

	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal() // Wake up a blocked reader
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return bytes.Clone(t.WriteBuffer.Bytes())
}

// Reset clears all buffers and resets state.
func (t *TestableSerialPort) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Reset()
	t.WriteBuffer.Reset()
	t.ReadCalls = 0
	t.WriteCalls = 0
	t.Closed = false
	t.ReadError = nil
	t.WriteError = nil
	t.CloseError = nil
	t.ReadLatency = 0
	t.WriteLatency = 0
}

// MockSerialPortFactory implements SerialPortFactory for testing.
type MockSerialPortFactory struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Error is returned by Open if set
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Mode *SerialPortMode
}

// NewMockSerialPortFactory creates a new MockSerialPortFactory.
func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockSerialPortFactory) Open(path string, mode *SerialPortMode) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{
		Path: path,
		Mode: mode,
	})

	if f.Error != nil {
		return nil, f.Error
	}

	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}

// Reset clears all recorded calls.
func (f *MockSerialPortFactory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = nil
	f.Error = nil
}
