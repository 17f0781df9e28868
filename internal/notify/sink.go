package notify

import (
	"log"
	"sync/atomic"
)

// Sink is a one-way, lossy-under-pressure channel to the external
// subscriber (spec §5: "any cross-thread handoff for notifications is
// one-way and lossy under pressure is acceptable"). Modeled on the
// teacher's ws.Broadcaster non-blocking send, simplified from "fan out to
// N WebSocket clients" to "hand off to one Go channel" — fan-out to actual
// transports is layered on top in notify/wsrelay.
type Sink struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewSink creates a Sink with the given channel capacity.
func NewSink(bufferSize int) *Sink {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Sink{ch: make(chan Event, bufferSize)}
}

// Events returns the receive side of the sink, for the subscriber to range
// over.
func (s *Sink) Events() <-chan Event {
	return s.ch
}

// Send delivers ev without blocking. If the buffer is full, the
// notification is dropped and counted; the caller never stalls on a slow
// or absent subscriber.
func (s *Sink) Send(ev Event) {
	select {
	case s.ch <- ev:
	default:
		n := s.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			log.Printf("notify: dropped %d notifications (subscriber not keeping up)", n)
		}
	}
}

// Dropped returns the number of notifications dropped so far.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close closes the underlying channel. Callers must stop calling Send
// before Close; sending on a closed channel panics.
func (s *Sink) Close() {
	close(s.ch)
}
