package metric

import (
	"encoding/json"
	"sync"
	"time"
)

// Delimiter is the measurement name marking the end of a round, e.g. the
// boundary between warmup and the measured run.
const Delimiter = "$$Delimiter$$"

type Measurement struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Value     any       `json:"value"`
}

func NewDelimiter(t time.Time) Measurement {
	return Measurement{Name: Delimiter, Timestamp: t}
}

func (m Measurement) IsDelimiter() bool {
	return m.Name == Delimiter
}

func (m Measurement) MarshalJSON() ([]byte, error) {
	type plain Measurement
	return json.Marshal(struct {
		plain
		IsDelimiter bool `json:"isDelimiter"`
	}{plain(m), m.IsDelimiter()})
}

// Stream is an unbounded FIFO of measurements. The execution loop enqueues
// while HTTP handlers drain, reset or flush concurrently.
type Stream struct {
	mu    sync.Mutex
	items []Measurement
}

func NewStream() *Stream {
	return &Stream{}
}

func (s *Stream) Enqueue(ms ...Measurement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, ms...)
}

func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Snapshot copies the queued measurements without consuming them.
func (s *Stream) Snapshot() []Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Measurement, len(s.items))
	copy(out, s.items)
	return out
}

// Drain removes and returns everything queued so far, in order.
func (s *Stream) Drain() []Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.items
	s.items = nil
	if out == nil {
		out = []Measurement{}
	}
	return out
}

// Reset discards every queued measurement.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
}

// Flush discards everything up to and including the first delimiter and
// returns what was removed. Without a delimiter the stream is left as is and
// ok is false.
func (s *Stream) Flush() (removed []Measurement, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for idx, m := range s.items {
		if !m.IsDelimiter() {
			continue
		}

		removed = make([]Measurement, idx+1)
		copy(removed, s.items[:idx+1])

		rest := make([]Measurement, len(s.items)-idx-1)
		copy(rest, s.items[idx+1:])
		s.items = rest

		return removed, true
	}

	return nil, false
}
