package httpclient

import "sync"

// EventRelay forwards events observed on a source Emitter to a target
// Emitter. While paused, observed events are buffered in order; Resume
// replays them and switches to live forwarding.
//
// The relay only observes. Listeners registered directly on the source keep
// firing whether or not the relay is paused.
type EventRelay struct {
	mu      sync.Mutex
	target  *Emitter
	paused  bool
	buffer  []Event
	detach  func()
	replays sync.Mutex // serializes replay against live forwarding
}

// NewEventRelay creates a paused relay that forwards to target.
func NewEventRelay(target *Emitter) *EventRelay {
	return &EventRelay{
		target: target,
		paused: true,
	}
}

// SetSource detaches the relay from its current source, if any, and starts
// observing src. Buffered events from the previous source are kept; call
// Clear to discard them.
func (r *EventRelay) SetSource(src *Emitter) {
	r.mu.Lock()
	detach := r.detach
	r.detach = nil
	r.mu.Unlock()

	if detach != nil {
		detach()
	}
	if src == nil {
		return
	}

	d := src.observe(r.handle)

	r.mu.Lock()
	r.detach = d
	r.mu.Unlock()
}

// Pause starts buffering observed events.
func (r *EventRelay) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume replays buffered events to the target in their original order and
// then forwards subsequent events as they occur.
func (r *EventRelay) Resume() {
	r.replays.Lock()
	defer r.replays.Unlock()

	r.mu.Lock()
	pending := r.buffer
	r.buffer = nil
	r.paused = false
	r.mu.Unlock()

	for _, ev := range pending {
		r.target.Emit(ev)
	}
}

// Clear discards buffered events.
func (r *EventRelay) Clear() {
	r.mu.Lock()
	r.buffer = nil
	r.mu.Unlock()
}

// Buffered reports how many events are waiting for Resume.
func (r *EventRelay) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

func (r *EventRelay) handle(ev Event) {
	r.mu.Lock()
	if r.paused {
		if ev.Type == EventData {
			ev.Data = append([]byte(nil), ev.Data...)
		}
		r.buffer = append(r.buffer, ev)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.replays.Lock()
	r.target.Emit(ev)
	r.replays.Unlock()
}
