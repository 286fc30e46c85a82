// Package events holds the in-memory event marker log of a recording session.
package events

import (
	"fmt"
	"iter"
	"sort"
)

// Marker is a labelled timestamp on a session timeline.
type Marker struct {
	TS   int64  `json:"ts" yaml:"ts"`
	Name string `json:"name" yaml:"name"`
}

// Log is an ordered set of markers, ascending by TS, with at most one marker per TS.
// The zero value is an empty log ready to use.
type Log struct {
	markers []Marker
}

// New returns an empty log.
func New() *Log {
	return &Log{}
}

// FromMarkers builds a log by adding each marker in turn.
// Later markers sharing a TS with an earlier one are dropped.
func FromMarkers(markers []Marker) *Log {
	l := &Log{markers: make([]Marker, 0, len(markers))}
	for _, m := range markers {
		l.Add(m)
	}
	return l
}

// DefaultName returns the label given to an unnamed event when count events already exist.
func DefaultName(count int) string {
	return fmt.Sprintf("Event %d", count)
}

// Find returns the index of the marker with the given TS. When there is none,
// found is false and index is where such a marker would be inserted.
func (l *Log) Find(ts int64) (index int, found bool) {
	index = sort.Search(len(l.markers), func(i int) bool {
		return l.markers[i].TS >= ts
	})
	return index, index < len(l.markers) && l.markers[index].TS == ts
}

// Add inserts m in order. It reports false and leaves the log unchanged when a
// marker with the same TS is already present.
func (l *Log) Add(m Marker) bool {
	i, found := l.Find(m.TS)
	if found {
		return false
	}
	l.markers = append(l.markers, Marker{})
	copy(l.markers[i+1:], l.markers[i:])
	l.markers[i] = m
	return true
}

// Remove deletes the marker at ts. Removing an absent TS is a no-op.
func (l *Log) Remove(ts int64) bool {
	i, found := l.Find(ts)
	if !found {
		return false
	}
	l.markers = append(l.markers[:i], l.markers[i+1:]...)
	return true
}

// Rename changes the name of the marker at ts.
func (l *Log) Rename(ts int64, name string) bool {
	if !l.Remove(ts) {
		return false
	}
	return l.Add(Marker{TS: ts, Name: name})
}

// Move re-times the marker at oldTS to newTS. It refuses to overwrite a
// different marker already sitting at newTS.
func (l *Log) Move(oldTS, newTS int64) bool {
	i, found := l.Find(oldTS)
	if !found {
		return false
	}
	if oldTS == newTS {
		return true
	}
	if _, taken := l.Find(newTS); taken {
		return false
	}
	m := l.markers[i]
	l.Remove(oldTS)
	m.TS = newTS
	return l.Add(m)
}

// Get returns the marker at ts.
func (l *Log) Get(ts int64) (Marker, bool) {
	i, found := l.Find(ts)
	if !found {
		return Marker{}, false
	}
	return l.markers[i], true
}

func (l *Log) Len() int {
	return len(l.markers)
}

// At returns the i-th marker in ascending order.
func (l *Log) At(i int) Marker {
	return l.markers[i]
}

// Markers returns a copy of the markers in ascending order.
func (l *Log) Markers() []Marker {
	out := make([]Marker, len(l.markers))
	copy(out, l.markers)
	return out
}

// All iterates the markers in ascending order.
func (l *Log) All() iter.Seq2[int, Marker] {
	return func(yield func(int, Marker) bool) {
		for i, m := range l.markers {
			if !yield(i, m) {
				return
			}
		}
	}
}

// Clone returns a deep copy that shares no storage with l. Edits on the clone
// are committed by replacing the canonical log, or discarded by dropping it.
func (l *Log) Clone() *Log {
	return &Log{markers: l.Markers()}
}
