package session

import (
	"slices"

	"github.com/audiolibrelab/sigcapture/internal/storage"
)

// DefaultBufferCapacity bounds each in-memory stream of a slot buffer.
const DefaultBufferCapacity = 100000

// stream is a FIFO of rows that drops from the head. Rows are expected in
// roughly ascending ts order.
type stream struct {
	rows  []storage.Row
	start int
}

func (s *stream) len() int {
	return len(s.rows) - s.start
}

// push copies rows in, values included, so callers may reuse their batches.
func (s *stream) push(rows []storage.Row, capacity int) {
	for _, r := range rows {
		s.rows = append(s.rows, storage.Row{TS: r.TS, Values: slices.Clone(r.Values)})
	}
	if over := s.len() - capacity; capacity > 0 && over > 0 {
		s.start += over
	}
	s.compact()
}

// dropBefore removes head rows older than cutoff and returns how many went.
func (s *stream) dropBefore(cutoff int64) int {
	n := 0
	for s.start < len(s.rows) && s.rows[s.start].TS < cutoff {
		s.rows[s.start] = storage.Row{}
		s.start++
		n++
	}
	s.compact()
	return n
}

func (s *stream) compact() {
	if s.start == 0 || s.start < len(s.rows)/2 {
		return
	}
	n := copy(s.rows, s.rows[s.start:])
	clear(s.rows[n:])
	s.rows = s.rows[:n]
	s.start = 0
}

func (s *stream) snapshot() []storage.Row {
	out := make([]storage.Row, s.len())
	copy(out, s.rows[s.start:])
	return out
}

// SlotBuffer keeps the recent signal, mask and metric rows of one slot for live
// display. It is independent of the durable store and never writes to it.
type SlotBuffer struct {
	capacity int
	streams  map[storage.Kind]*stream
}

// NewSlotBuffer returns a buffer holding at most capacity rows per stream.
func NewSlotBuffer(capacity int) *SlotBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	b := &SlotBuffer{capacity: capacity, streams: make(map[storage.Kind]*stream, len(storage.Kinds))}
	for _, kind := range storage.Kinds {
		b.streams[kind] = &stream{}
	}
	return b
}

// Append adds rows to the stream of the given kind.
func (b *SlotBuffer) Append(kind storage.Kind, rows []storage.Row) {
	if len(rows) == 0 {
		return
	}
	b.streams[kind].push(rows, b.capacity)
}

// Prune drops rows older than cutoff from every stream.
func (b *SlotBuffer) Prune(cutoff int64) int {
	dropped := 0
	for _, s := range b.streams {
		dropped += s.dropBefore(cutoff)
	}
	return dropped
}

// Rows returns a copy of the buffered rows of the given kind.
func (b *SlotBuffer) Rows(kind storage.Kind) []storage.Row {
	return b.streams[kind].snapshot()
}

func (b *SlotBuffer) Len(kind storage.Kind) int {
	return b.streams[kind].len()
}

// Reset empties every stream.
func (b *SlotBuffer) Reset() {
	for kind := range b.streams {
		b.streams[kind] = &stream{}
	}
}
