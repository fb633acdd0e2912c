// Package display turns broadcaster and sweep notifications into formatted
// events for connected viewers.
package display

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/banshee-data/posebench/internal/automation"
	"github.com/banshee-data/posebench/internal/broadcaster"
)

// EventKind names the category of an Event.
type EventKind string

const (
	KindRate              EventKind = "rate"
	KindObject            EventKind = "object"
	KindRecordingStarted  EventKind = "recording_started"
	KindRecordingProgress EventKind = "recording_progress"
	KindRecordingStopped  EventKind = "recording_stopped"
	KindSweepProgress     EventKind = "sweep_progress"
	KindSweepFinished     EventKind = "sweep_finished"
)

// Event is one non-pose notification.
type Event struct {
	Kind EventKind `json:"kind"`
	Data any       `json:"data"`
}

// ObjectView announces a newly discovered object.
type ObjectView struct {
	ID string `json:"id"`
}

// ProgressView is a (count, cap) pair, used for recordings and sweeps.
type ProgressView struct {
	Count int `json:"count"`
	Cap   int `json:"cap"`
}

// StoppedView reports a finished recording.
type StoppedView struct {
	Seq   uint64 `json:"seq"`
	Count int    `json:"count"`
	Cap   int    `json:"cap"`
	Full  bool   `json:"full"`
}

// EventBuffer is the per-subscriber event queue length. Events beyond it
// are dropped for that subscriber.
const EventBuffer = 64

// Subscription receives pose updates through a latest-wins slot and all
// other events through a buffered channel.
type Subscription struct {
	ID     string
	Poses  *FrameSlot[PoseView]
	Events chan Event
}

// Hub fans display notifications out to subscribers. It implements
// broadcaster.Listener and automation.Observer.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]*Subscription
	latest      *PoseView
	rates       map[broadcaster.Role]RateView
	closed      bool
}

var (
	_ broadcaster.Listener = (*Hub)(nil)
	_ automation.Observer  = (*Hub)(nil)
)

// NewHub returns a hub with no subscribers.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]*Subscription),
		rates:       make(map[broadcaster.Role]RateView),
	}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new subscriber. The latest pose, if any, is already
// waiting in its slot. After Close the returned Events channel is closed.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		ID:     randomID(),
		Poses:  NewFrameSlot[PoseView](),
		Events: make(chan Event, EventBuffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.Events)
		return s
	}
	if h.latest != nil {
		s.Poses.Put(*h.latest)
	}
	h.subscribers[s.ID] = s
	return s
}

// Unsubscribe removes a subscriber and closes its Events channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subscribers[id]; ok {
		close(s.Events)
		delete(h.subscribers, id)
	}
}

// Close removes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.subscribers {
		close(s.Events)
		delete(h.subscribers, id)
	}
}

// Latest returns the most recent pose view.
func (h *Hub) Latest() (PoseView, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return PoseView{}, false
	}
	return *h.latest, true
}

// Rate returns the most recent rate view for role.
func (h *Hub) Rate(role broadcaster.Role) (RateView, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.rates[role]
	return v, ok
}

func (h *Hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subscribers {
		select {
		case s.Events <- ev:
		default:
			// if the channel is full skip so as not to block the broadcaster
		}
	}
}

func (h *Hub) PoseUpdated(u broadcaster.Update) {
	v := NewPoseView(u)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = &v
	for _, s := range h.subscribers {
		s.Poses.Put(v)
	}
}

func (h *Hub) RateUpdated(role broadcaster.Role, rate float64) {
	v := RateView{Role: role, Rate: FormatRate(rate), Enabled: rate != broadcaster.RateDisabled}
	h.mu.Lock()
	h.rates[role] = v
	h.mu.Unlock()
	h.publish(Event{Kind: KindRate, Data: v})
}

func (h *Hub) ObjectDiscovered(id string) {
	h.publish(Event{Kind: KindObject, Data: ObjectView{ID: id}})
}

func (h *Hub) RecordingStarted(p broadcaster.Progress) {
	h.publish(Event{Kind: KindRecordingStarted, Data: ProgressView{Count: p.Count, Cap: p.Cap}})
}

func (h *Hub) RecordingProgress(p broadcaster.Progress) {
	h.publish(Event{Kind: KindRecordingProgress, Data: ProgressView{Count: p.Count, Cap: p.Cap}})
}

func (h *Hub) RecordingStopped(r broadcaster.Result) {
	h.publish(Event{Kind: KindRecordingStopped, Data: StoppedView{Seq: r.Seq, Count: r.Count, Cap: r.Cap, Full: r.Full()}})
}

func (h *Hub) StepCompleted(done, total int) {
	h.publish(Event{Kind: KindSweepProgress, Data: ProgressView{Count: done, Cap: total}})
}

func (h *Hub) SweepFinished(s automation.State) {
	h.publish(Event{Kind: KindSweepFinished, Data: s})
}
