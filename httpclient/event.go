package httpclient

import (
	"net/http"
	"sync"
)

// EventType identifies a stream event. The set mirrors the lifecycle of a
// single logical request as seen by the caller.
type EventType int

const (
	// EventRequest fires when the final attempt's request is handed to the
	// transport. Event.Request is set.
	EventRequest EventType = iota
	// EventResponse fires once response headers are available.
	// Event.Response is set.
	EventResponse
	// EventData fires for every chunk of response body. Event.Data is set
	// and must not be retained after the listener returns.
	EventData
	// EventEnd fires after the last EventData.
	EventEnd
	// EventError fires when the request ends in error. Event.Err is set.
	EventError
	// EventAbort fires when the caller aborts an in-flight request.
	EventAbort
	// EventPipe fires when a pipe destination is attached to the stream.
	EventPipe

	eventSentinel
	numEvents = int(eventSentinel)
)

var eventNames = [numEvents]string{
	"request",
	"response",
	"data",
	"end",
	"error",
	"abort",
	"pipe",
}

// String returns the lower-case event name, e.g. "response".
func (t EventType) String() string {
	if t < 0 || int(t) >= numEvents {
		return "unknown"
	}
	return eventNames[t]
}

// Event is a single occurrence delivered to stream listeners.
type Event struct {
	Type     EventType
	Request  *http.Request
	Response *http.Response
	Data     []byte
	Err      error
}

// Listener receives stream events. Listeners run on the request's
// goroutine and must not block for long.
type Listener func(Event)

// Emitter is a minimal typed event dispatcher. Besides per-type listeners it
// supports observers, which see every event regardless of type; the event
// relay uses an observer to watch a source without replacing its listeners.
type Emitter struct {
	mu        sync.RWMutex
	listeners [numEvents][]Listener
	observers []Listener
}

// NewEmitter returns an empty Emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// On registers l for events of type t.
func (e *Emitter) On(t EventType, l Listener) {
	if l == nil || t < 0 || int(t) >= numEvents {
		return
	}
	e.mu.Lock()
	e.listeners[t] = append(e.listeners[t], l)
	e.mu.Unlock()
}

// observe registers l for every event type. The returned function removes it.
func (e *Emitter) observe(l Listener) func() {
	e.mu.Lock()
	e.observers = append(e.observers, l)
	idx := len(e.observers) - 1
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if idx < len(e.observers) {
			e.observers[idx] = nil
		}
	}
}

// ListenerCount reports how many listeners are registered for t.
func (e *Emitter) ListenerCount(t EventType) int {
	if t < 0 || int(t) >= numEvents {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[t])
}

// Emit delivers ev to its native listeners first, then to observers.
func (e *Emitter) Emit(ev Event) {
	if ev.Type < 0 || int(ev.Type) >= numEvents {
		return
	}

	e.mu.RLock()
	listeners := append([]Listener(nil), e.listeners[ev.Type]...)
	observers := append([]Listener(nil), e.observers...)
	e.mu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
	for _, o := range observers {
		if o != nil {
			o(ev)
		}
	}
}
