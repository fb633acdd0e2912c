package display

// FrameSlot holds at most one pending value. Put never blocks: a value
// that has not been taken yet is replaced by the newer one.
type FrameSlot[T any] struct {
	ch chan T
}

// NewFrameSlot returns an empty slot.
func NewFrameSlot[T any]() *FrameSlot[T] {
	return &FrameSlot[T]{ch: make(chan T, 1)}
}

// Put stores v, discarding any value not yet taken.
func (s *FrameSlot[T]) Put(v T) {
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// C returns the channel the pending value is received from.
func (s *FrameSlot[T]) C() <-chan T {
	return s.ch
}

// TryTake returns the pending value, if any.
func (s *FrameSlot[T]) TryTake() (T, bool) {
	select {
	case v := <-s.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}
