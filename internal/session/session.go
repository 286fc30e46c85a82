// Package session drives the lifecycle of a recording: it routes incoming sample
// batches to the live slot buffers and to the session store, keeps the event log,
// and fans new samples out to subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/audiolibrelab/sigcapture/internal/events"
	"github.com/audiolibrelab/sigcapture/internal/storage"
	"github.com/google/uuid"
)

// State represents the lifecycle state of a session
type State string

const (
	StateClosed    State = "CLOSED"
	StateOpen      State = "OPEN"
	StateRecording State = "RECORDING"
	StateDeleted   State = "DELETED"
)

// MaxDeviceNameLength is the longest device display name accepted, in characters.
const MaxDeviceNameLength = 20

var (
	ErrNotOpen      = errors.New("session is not open")
	ErrDeleted      = errors.New("session was deleted")
	ErrRecording    = errors.New("session is recording")
	ErrUnknownSlot  = storage.ErrUnknownSlot
	ErrInvalidState = errors.New("invalid state transition")
)

// Device is the snapshot of the sensing device a session was recorded with.
type Device struct {
	ID       string               `json:"id" yaml:"id"`
	Name     string               `json:"name" yaml:"name"`
	Location string               `json:"location" yaml:"location"`
	Slots    []storage.SlotConfig `json:"slots" yaml:"slots"`
}

// Validate checks the device name length and slot layout.
func (d Device) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("device name is required")
	}
	if n := utf8.RuneCountInString(d.Name); n > MaxDeviceNameLength {
		return fmt.Errorf("device name %q is %d characters, max %d", d.Name, n, MaxDeviceNameLength)
	}
	if len(d.Slots) == 0 {
		return fmt.Errorf("device %q has no slots", d.Name)
	}
	for i, slot := range d.Slots {
		if len(slot.Chs) == 0 {
			return fmt.Errorf("device %q slot[%d] has no channels", d.Name, i)
		}
	}
	return nil
}

// Settings are display preferences stored with a session.
type Settings struct {
	WindowSeconds int      `json:"window_seconds" yaml:"window_seconds"`
	SlackSeconds  int      `json:"slack_seconds" yaml:"slack_seconds"`
	Tiles         []string `json:"tiles,omitempty" yaml:"tiles,omitempty"`
}

// Metadata is the persisted description of a session.
type Metadata struct {
	ID        string               `json:"id" yaml:"id"`
	StartDate time.Time            `json:"start_date" yaml:"start_date"`
	Duration  int64                `json:"duration" yaml:"duration"`
	Device    Device               `json:"device" yaml:"device"`
	Settings  Settings             `json:"settings" yaml:"settings"`
	Slots     []storage.SlotConfig `json:"slots" yaml:"slots"`
}

// NewMetadata describes a fresh session for device, starting now.
func NewMetadata(device Device, settings Settings, now time.Time) Metadata {
	return Metadata{
		ID:        uuid.NewString(),
		StartDate: now,
		Device:    device,
		Settings:  settings,
		Slots:     append([]storage.SlotConfig(nil), device.Slots...),
	}
}

// SubscriberFunc receives every signal batch added to a session.
type SubscriberFunc func(slot int, signals []storage.Row) error

type subscriber struct {
	id string
	fn SubscriberFunc
}

// Options tune a session.
type Options struct {
	Notifier       Notifier
	Now            func() time.Time
	BufferCapacity int
}

// Session is one recording and its durable store.
type Session struct {
	mu       sync.Mutex
	meta     Metadata
	state    State
	backend  storage.Backend
	buffers  []*SlotBuffer
	events   *events.Log
	subs     []subscriber
	notifier Notifier
	now      func() time.Time
}

// New returns a closed session over backend. The backend must be laid out for meta.Slots.
func New(meta Metadata, backend storage.Backend, opts Options) *Session {
	if opts.Notifier == nil {
		opts.Notifier = logNotifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	buffers := make([]*SlotBuffer, len(meta.Slots))
	for i := range buffers {
		buffers[i] = NewSlotBuffer(opts.BufferCapacity)
	}

	return &Session{
		meta:     meta,
		state:    StateClosed,
		backend:  backend,
		buffers:  buffers,
		events:   events.New(),
		notifier: opts.Notifier,
		now:      opts.Now,
	}
}

func (s *Session) ID() string {
	return s.meta.ID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Metadata returns a copy of the session description.
func (s *Session) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := s.meta
	meta.Slots = append([]storage.SlotConfig(nil), s.meta.Slots...)
	return meta
}

func (s *Session) StartDate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.StartDate
}

// Duration returns the recorded length in whole seconds.
func (s *Session) Duration() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.Duration
}

func (s *Session) Slots() []storage.SlotConfig {
	return append([]storage.SlotConfig(nil), s.meta.Slots...)
}

// Open attaches the session store, creating its tables if needed, and writes
// the device row. Opening an open session is a no-op.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx)
}

func (s *Session) openLocked(ctx context.Context) error {
	switch s.state {
	case StateOpen, StateRecording:
		return nil
	case StateDeleted:
		return ErrDeleted
	}

	if err := s.backend.Open(ctx); err != nil {
		return fmt.Errorf("failed to open session %s: %w", s.meta.ID, err)
	}
	device := storage.DeviceInfo{Name: s.meta.Device.Name, Location: s.meta.Device.Location}
	if err := s.backend.SetDeviceInfo(ctx, device); err != nil {
		s.backend.Close()
		return fmt.Errorf("failed to write device info for session %s: %w", s.meta.ID, err)
	}

	stored, err := s.backend.Events(ctx, math.MinInt64, math.MaxInt64)
	if err != nil {
		s.backend.Close()
		return fmt.Errorf("failed to load events for session %s: %w", s.meta.ID, err)
	}
	s.events = events.FromMarkers(stored)

	s.state = StateOpen
	slog.Info("Session opened", "session_id", s.meta.ID, "events", s.events.Len())
	return nil
}

// StartRecording moves an open session to RECORDING. The start date is reset
// and the live buffers are cleared; the durable store is left as is.
func (s *Session) StartRecording(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return fmt.Errorf("%w: can only start recording from open state, current: %s", ErrInvalidState, s.state)
	}

	s.meta.StartDate = s.now()
	s.meta.Duration = 0
	for _, b := range s.buffers {
		b.Reset()
	}
	s.state = StateRecording

	slog.Info("Recording started", "session_id", s.meta.ID, "slots", len(s.meta.Slots))
	return nil
}

// StopRecording moves a recording session back to OPEN, or closes it when closeAfter is set.
func (s *Session) StopRecording(ctx context.Context, closeAfter bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRecording {
		return fmt.Errorf("%w: can only stop recording from recording state, current: %s", ErrInvalidState, s.state)
	}
	s.touchLocked(s.now())
	s.state = StateOpen
	slog.Info("Recording stopped", "session_id", s.meta.ID, "duration", s.meta.Duration)

	if closeAfter {
		return s.closeLocked()
	}
	return nil
}

// Close releases the session store. Closing a closed session is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	switch s.state {
	case StateClosed, StateDeleted:
		return nil
	case StateRecording:
		s.touchLocked(s.now())
	}

	err := s.backend.Close()
	s.state = StateClosed
	if err != nil {
		s.notify(SeverityError, fmt.Sprintf("Failed to close session store: %v", err))
		return fmt.Errorf("failed to close session %s: %w", s.meta.ID, err)
	}
	slog.Debug("Session closed", "session_id", s.meta.ID)
	return nil
}

// Delete removes the session store. The session ends up DELETED even when the
// removal fails; the failure is still returned.
func (s *Session) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateDeleted:
		return nil
	case StateRecording:
		return fmt.Errorf("%w: stop recording before deleting", ErrRecording)
	}

	err := s.backend.Delete()
	s.state = StateDeleted
	s.subs = nil
	s.events = events.New()
	for _, b := range s.buffers {
		b.Reset()
	}

	if err != nil {
		s.notify(SeverityError, fmt.Sprintf("Failed to delete session store: %v", err))
		return fmt.Errorf("failed to delete session %s: %w", s.meta.ID, err)
	}
	slog.Info("Session deleted", "session_id", s.meta.ID)
	return nil
}

// AddSamples appends a batch of signal and mask rows to a slot. The live buffer
// is always updated; a store failure is logged and notified but does not stop
// ingestion. Subscribers then run in subscription order on the caller's
// goroutine; the first subscriber error ends the fan-out and is returned.
func (s *Session) AddSamples(ctx context.Context, slot int, signals, mask []storage.Row) error {
	s.mu.Lock()
	if err := s.ingestLocked(slot); err != nil {
		s.mu.Unlock()
		return err
	}
	buf := s.buffers[slot]
	buf.Append(storage.KindSignals, signals)
	buf.Append(storage.KindMask, mask)
	s.persistLocked(ctx, storage.KindSignals, slot, signals)
	s.persistLocked(ctx, storage.KindMask, slot, mask)

	now := s.now()
	s.pruneLocked(now)
	s.touchLocked(now)
	subs := append([]subscriber(nil), s.subs...)
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.fn(slot, signals); err != nil {
			return fmt.Errorf("subscriber %s: %w", sub.id, err)
		}
	}
	return nil
}

// AddMetrics appends a batch of metric rows to a slot. Subscribers are not notified.
func (s *Session) AddMetrics(ctx context.Context, slot int, metrics []storage.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ingestLocked(slot); err != nil {
		return err
	}
	s.buffers[slot].Append(storage.KindMetrics, metrics)
	s.persistLocked(ctx, storage.KindMetrics, slot, metrics)

	now := s.now()
	s.pruneLocked(now)
	s.touchLocked(now)
	return nil
}

func (s *Session) ingestLocked(slot int) error {
	if s.state != StateOpen && s.state != StateRecording {
		return fmt.Errorf("%w: state %s", ErrNotOpen, s.state)
	}
	if slot < 0 || slot >= len(s.buffers) {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	return nil
}

func (s *Session) persistLocked(ctx context.Context, kind storage.Kind, slot int, rows []storage.Row) {
	if len(rows) == 0 {
		return
	}
	res, err := s.backend.Append(ctx, kind, slot, rows)
	if err != nil {
		slog.Warn("Failed to persist rows", "session_id", s.meta.ID, "table", storage.TableName(kind, slot),
			"inserted", res.Inserted, "failed", len(res.Failed), "error", err)
		s.notify(SeverityWarning, fmt.Sprintf("Could not save %d %s row(s) for slot %d: %v", len(rows)-res.Inserted, kind, slot, err))
	}
}

// AddEvent stores a marker at the current time, or at the next free
// millisecond when that one already holds a marker. An empty name becomes
// "Event {n}" where n is the number of stored events. Store failures are
// notified rather than returned; the error only reports an invalid state.
func (s *Session) AddEvent(ctx context.Context, name string) (events.Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen && s.state != StateRecording {
		return events.Marker{}, fmt.Errorf("%w: state %s", ErrNotOpen, s.state)
	}

	now := s.now()
	if name == "" {
		count, err := s.backend.EventCount(ctx)
		if err != nil {
			slog.Warn("Failed to count events, using in-memory count", "session_id", s.meta.ID, "error", err)
			count = s.events.Len()
		}
		name = events.DefaultName(count)
	}

	m := events.Marker{TS: now.UnixMilli(), Name: name}
	for {
		if _, taken := s.events.Find(m.TS); !taken {
			break
		}
		m.TS++
	}
	if _, err := s.backend.AddEvents(ctx, m); err != nil {
		slog.Error("Failed to save event", "session_id", s.meta.ID, "ts", m.TS, "error", err)
		s.notify(SeverityError, fmt.Sprintf("Could not save event %q: %v", m.Name, err))
	}
	s.events.Add(m)
	s.touchLocked(now)
	return m, nil
}

// Events returns the session's markers in ascending order.
func (s *Session) Events() []events.Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.Markers()
}

// EditEvents returns a draft copy of the event log. Commit it with
// CommitEvents or drop it to cancel.
func (s *Session) EditEvents() *events.Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.Clone()
}

// CommitEvents replaces the stored and in-memory event log with draft.
func (s *Session) CommitEvents(ctx context.Context, draft *events.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(ctx); err != nil {
		return err
	}
	if err := s.backend.SetEvents(ctx, draft.Markers()); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}
	s.events = draft.Clone()
	return nil
}

// RenameEvent changes the name of the marker at ts. A missing marker is a no-op.
func (s *Session) RenameEvent(ctx context.Context, ts int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(ctx); err != nil {
		return err
	}
	if err := s.backend.SetEvent(ctx, ts, name); err != nil {
		return fmt.Errorf("failed to rename event: %w", err)
	}
	s.events.Rename(ts, name)
	return nil
}

// MoveEvent re-times the marker at oldTS. It fails when newTS is taken.
func (s *Session) MoveEvent(ctx context.Context, oldTS, newTS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(ctx); err != nil {
		return err
	}
	_, ok := s.events.Get(oldTS)
	if !ok || oldTS == newTS {
		return nil
	}
	if _, taken := s.events.Get(newTS); taken {
		return fmt.Errorf("failed to move event: %w: ts=%d", storage.ErrDuplicateKey, newTS)
	}
	if err := s.backend.MoveEvent(ctx, oldTS, newTS); err != nil {
		return fmt.Errorf("failed to move event: %w", err)
	}
	s.events.Move(oldTS, newTS)
	return nil
}

// RemoveEvent deletes the marker at ts. A missing marker is a no-op.
func (s *Session) RemoveEvent(ctx context.Context, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(ctx); err != nil {
		return err
	}
	if err := s.backend.RemoveEvent(ctx, ts); err != nil {
		return fmt.Errorf("failed to remove event: %w", err)
	}
	s.events.Remove(ts)
	return nil
}

// Subscribe registers fn for signal batches and returns its id.
func (s *Session) Subscribe(fn SubscriberFunc) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	return id
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (s *Session) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// Prune drops buffered rows that have left the display window as of now.
// The durable store is never pruned.
func (s *Session) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(now)
}

func (s *Session) pruneLocked(now time.Time) int {
	keep := time.Duration(s.meta.Settings.WindowSeconds+s.meta.Settings.SlackSeconds) * time.Second
	cutoff := now.Add(-keep).UnixMilli()
	dropped := 0
	for _, b := range s.buffers {
		dropped += b.Prune(cutoff)
	}
	return dropped
}

// Buffered returns the live rows of a slot stream.
func (s *Session) Buffered(slot int, kind storage.Kind) ([]storage.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < 0 || slot >= len(s.buffers) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	return s.buffers[slot].Rows(kind), nil
}

// touchLocked recomputes the derived duration.
func (s *Session) touchLocked(now time.Time) {
	if d := now.Sub(s.meta.StartDate).Milliseconds() / 1000; d > 0 {
		s.meta.Duration = d
	} else {
		s.meta.Duration = 0
	}
}

// Store returns the session backend, opening the session first if it is closed.
func (s *Session) Store(ctx context.Context) (storage.Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(ctx); err != nil {
		return nil, err
	}
	return s.backend, nil
}

// Range returns stored rows of a slot table with start <= ts <= stop.
func (s *Session) Range(ctx context.Context, kind storage.Kind, slot int, start, stop int64) ([]storage.Row, error) {
	b, err := s.Store(ctx)
	if err != nil {
		return nil, err
	}
	return b.Range(ctx, kind, slot, start, stop)
}

// Count returns the number of stored rows in a slot table.
func (s *Session) Count(ctx context.Context, kind storage.Kind, slot int) (int, error) {
	b, err := s.Store(ctx)
	if err != nil {
		return 0, err
	}
	return b.Count(ctx, kind, slot)
}

// EventCount returns the number of stored events.
func (s *Session) EventCount(ctx context.Context) (int, error) {
	b, err := s.Store(ctx)
	if err != nil {
		return 0, err
	}
	return b.EventCount(ctx)
}

// DeviceInfo returns the stored device row.
func (s *Session) DeviceInfo(ctx context.Context) (storage.DeviceInfo, error) {
	b, err := s.Store(ctx)
	if err != nil {
		return storage.DeviceInfo{}, err
	}
	return b.DeviceInfo(ctx)
}

// notify must not be given a notifier that calls back into the session; it
// runs with s.mu held.
func (s *Session) notify(severity Severity, msg string) {
	s.notifier.Notify(Notification{SessionID: s.meta.ID, Message: msg, Severity: severity, Time: s.now()})
}
