// Package storage is the durable per-session store: one SQLite database holding a
// session's signal, mask and metric tables, its event log and its device row.
package storage

import (
	"context"
	"fmt"

	"github.com/audiolibrelab/sigcapture/internal/events"
)

// MaxRangeRows caps the number of rows a single ranged read returns.
// Callers needing more page forward by moving start past the last ts.
const MaxRangeRows = 500000

// Kind selects one of a slot's three table families.
type Kind string

const (
	KindSignals Kind = "signals"
	KindMask    Kind = "mask"
	KindMetrics Kind = "metrics"
)

// Kinds lists the table families in export order.
var Kinds = []Kind{KindSignals, KindMask, KindMetrics}

// SlotConfig is the channel and metric layout of one slot. It is fixed once the
// slot's tables exist.
type SlotConfig struct {
	Chs     []string `json:"chs" yaml:"chs" mapstructure:"chs"`
	Metrics []string `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
}

// Width returns the number of value columns a table of the given kind has.
func (c SlotConfig) Width(kind Kind) int {
	switch kind {
	case KindSignals:
		return len(c.Chs)
	case KindMetrics:
		return len(c.Metrics)
	default:
		return 1
	}
}

// Columns returns the SQL value column names for the given kind.
func (c SlotConfig) Columns(kind Kind) []string {
	switch kind {
	case KindSignals:
		return numberedColumns("ch", len(c.Chs))
	case KindMetrics:
		return numberedColumns("met", len(c.Metrics))
	default:
		return []string{"mask"}
	}
}

// Labels returns the human names of the value columns for the given kind.
func (c SlotConfig) Labels(kind Kind) []string {
	switch kind {
	case KindSignals:
		return append([]string(nil), c.Chs...)
	case KindMetrics:
		return append([]string(nil), c.Metrics...)
	default:
		return []string{"mask"}
	}
}

func numberedColumns(prefix string, n int) []string {
	cols := make([]string, n)
	for i := range cols {
		cols[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return cols
}

// TableName returns the table holding kind rows for a slot, e.g. "signals0".
func TableName(kind Kind, slot int) string {
	return fmt.Sprintf("%s%d", kind, slot)
}

// Row is one timestamped sample, mask or metric row.
type Row struct {
	TS     int64     `json:"ts"`
	Values []float64 `json:"values"`
}

// DeviceInfo is the single device row persisted with a session.
type DeviceInfo struct {
	Name     string `json:"name" yaml:"name"`
	Location string `json:"location" yaml:"location"`
}

// InsertResult summarises a best-effort batch insert.
type InsertResult struct {
	Inserted int          `json:"inserted"`
	Failed   []RowFailure `json:"-"`
}

// Backend is the persistence contract of one recording session. Every read and
// write opens the store on first use; it stays open until Close.
type Backend interface {
	Open(ctx context.Context) error
	Close() error
	Delete() error
	IsOpen() bool
	Path() string

	SetDeviceInfo(ctx context.Context, info DeviceInfo) error
	DeviceInfo(ctx context.Context) (DeviceInfo, error)

	Append(ctx context.Context, kind Kind, slot int, rows []Row) (InsertResult, error)
	Range(ctx context.Context, kind Kind, slot int, start, stop int64) ([]Row, error)
	Page(ctx context.Context, kind Kind, slot int, offset, length int) ([]Row, error)
	Count(ctx context.Context, kind Kind, slot int) (int, error)

	AddEvents(ctx context.Context, markers ...events.Marker) (InsertResult, error)
	SetEvents(ctx context.Context, markers []events.Marker) error
	SetEvent(ctx context.Context, ts int64, name string) error
	MoveEvent(ctx context.Context, oldTS, newTS int64) error
	RemoveEvent(ctx context.Context, ts int64) error
	Events(ctx context.Context, start, stop int64) ([]events.Marker, error)
	EventPage(ctx context.Context, offset, length int) ([]events.Marker, error)
	EventCount(ctx context.Context) (int, error)

	Snapshot(ctx context.Context, dest string) error
	Size() int64
}
