// Package progress carries run progress from the pipelines to any number of
// observers.
package progress

import (
	"sync"

	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
)

// Event reports how far a run has come. Cluster is set when the event
// announces a newly enriched cluster.
type Event struct {
	Percent float64          `json:"percent"`
	Cluster *keyword.Cluster `json:"cluster,omitempty"`
	Done    bool             `json:"done,omitempty"`
}

// Sink receives progress events.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Percent returns done/total as a percentage; 100 when total is zero.
func Percent(done, total int) float64 {
	if total <= 0 {
		return 100
	}
	return float64(done) * 100 / float64(total)
}

// Stream fans events out to subscribers. Percent values never decrease
// within a stream and are clamped to [0,100].
type Stream struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	last   Event
	seen   bool
	closed bool
}

// NewStream creates an open stream without subscribers.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer. Events that
// do not fit in the buffer are dropped for that subscriber. The returned
// function unsubscribes and closes the channel.
func (s *Stream) Subscribe(buffer int) (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, buffer)
	if s.closed {
		if s.seen && buffer > 0 {
			ch <- s.last
		}
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers e to every subscriber without blocking.
func (s *Stream) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if e.Percent < 0 {
		e.Percent = 0
	}
	if e.Percent > 100 {
		e.Percent = 100
	}
	if s.seen && e.Percent < s.last.Percent {
		e.Percent = s.last.Percent
	}
	s.last = e
	s.seen = true

	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Last returns the most recent event and whether any event was published.
func (s *Stream) Last() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.seen
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close ends the stream and closes all subscriber channels.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// Recorder keeps every published event in order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Percents returns the recorded percentages in order.
func (r *Recorder) Percents() []float64 {
	events := r.Events()
	out := make([]float64, len(events))
	for i, e := range events {
		out[i] = e.Percent
	}
	return out
}

// Multi publishes each event to all sinks in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Publish(e)
			}
		}
	})
}

// Span maps the 0-100 progress of one step onto [from, to] of sink, so
// consecutive steps can share a stream.
func Span(sink Sink, from, to float64) Sink {
	return SinkFunc(func(e Event) {
		e.Percent = from + e.Percent*(to-from)/100
		e.Done = e.Done && to >= 100
		sink.Publish(e)
	})
}
