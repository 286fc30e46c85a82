package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/audiolibrelab/sigcapture/internal/events"

	_ "modernc.org/sqlite"
)

// SQLiteBackend implements Backend on a single SQLite file. One instance serves
// one session; its connection is never shared between concurrent writers.
type SQLiteBackend struct {
	path  string
	slots []SlotConfig

	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteBackend returns a backend for the store at path with the given slot
// layout. Nothing is touched on disk until the first operation.
func NewSQLiteBackend(path string, slots []SlotConfig) *SQLiteBackend {
	layout := make([]SlotConfig, len(slots))
	copy(layout, slots)
	return &SQLiteBackend{path: path, slots: layout}
}

// StorePath returns the store file of a session inside dir.
func StorePath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".sqlite")
}

func (b *SQLiteBackend) Path() string {
	return b.path
}

func (b *SQLiteBackend) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db != nil
}

// Open creates the store and its tables if they do not exist yet.
func (b *SQLiteBackend) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openLocked(ctx)
}

func (b *SQLiteBackend) openLocked(ctx context.Context) error {
	if b.db != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("%w: create store directory: %v", ErrBackendUnavailable, err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", b.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("%w: open database: %v", ErrBackendUnavailable, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("%w: ping database: %v", ErrBackendUnavailable, err)
	}

	if err := initSchema(ctx, db, b.slots); err != nil {
		db.Close()
		return fmt.Errorf("%w: init schema: %v", ErrBackendUnavailable, err)
	}

	b.db = db
	slog.Debug("Session store opened", "path", b.path, "slots", len(b.slots))
	return nil
}

// Close flushes the write-ahead log into the main file and releases the
// connection. Closing a closed backend is a no-op.
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}

func (b *SQLiteBackend) closeLocked() error {
	if b.db == nil {
		return nil
	}
	db := b.db
	b.db = nil

	if _, err := db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		slog.Warn("WAL checkpoint failed before close", "path", b.path, "error", err)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("%w: close database: %v", ErrBackendUnavailable, err)
	}
	slog.Debug("Session store closed", "path", b.path)
	return nil
}

// Delete closes the store and removes its files. A store that was never
// created deletes successfully.
func (b *SQLiteBackend) Delete() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	if err := b.closeLocked(); err != nil {
		errs = append(errs, err)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(b.path + suffix); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("%w: remove %s: %v", ErrBackendUnavailable, b.path+suffix, err))
		}
	}
	return errors.Join(errs...)
}

// Size returns the bytes the store currently occupies on disk.
func (b *SQLiteBackend) Size() int64 {
	var total int64
	for _, suffix := range []string{"", "-wal"} {
		if info, err := os.Stat(b.path + suffix); err == nil {
			total += info.Size()
		}
	}
	return total
}

// conn returns the open handle, opening the store on first use.
// The caller must hold b.mu.
func (b *SQLiteBackend) conn(ctx context.Context) (*sql.DB, error) {
	if err := b.openLocked(ctx); err != nil {
		return nil, err
	}
	return b.db, nil
}

func (b *SQLiteBackend) slot(slot int) (SlotConfig, error) {
	if slot < 0 || slot >= len(b.slots) {
		return SlotConfig{}, fmt.Errorf("%w: %d (%d configured)", ErrUnknownSlot, slot, len(b.slots))
	}
	return b.slots[slot], nil
}

// SetDeviceInfo replaces the device row.
func (b *SQLiteBackend) SetDeviceInfo(ctx context.Context, info DeviceInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	db, err := b.conn(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin device update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM device`); err != nil {
		return fmt.Errorf("clear device: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO device (name, location) VALUES (?, ?)`, info.Name, info.Location); err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return tx.Commit()
}

// DeviceInfo returns the device row, or ErrNotFound when it was never written.
func (b *SQLiteBackend) DeviceInfo(ctx context.Context) (DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	db, err := b.conn(ctx)
	if err != nil {
		return DeviceInfo{}, err
	}

	var info DeviceInfo
	var location sql.NullString
	err = db.QueryRowContext(ctx, `SELECT name, location FROM device LIMIT 1`).Scan(&info.Name, &location)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceInfo{}, fmt.Errorf("device info: %w", ErrNotFound)
	}
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("query device: %w", err)
	}
	info.Location = location.String
	return info, nil
}

// Append inserts rows into a slot table as one transaction. Rows that collide
// with a stored ts, have the wrong number of values or hold a non-finite value
// are skipped and reported
// through InsertResult.Failed and a *BatchError; the other rows are committed.
func (b *SQLiteBackend) Append(ctx context.Context, kind Kind, slot int, rows []Row) (InsertResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cfg, err := b.slot(slot)
	if err != nil {
		return InsertResult{}, err
	}
	if len(rows) == 0 {
		return InsertResult{}, nil
	}

	db, err := b.conn(ctx)
	if err != nil {
		return InsertResult{}, err
	}

	table := TableName(kind, slot)
	cols := cfg.Columns(kind)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (?%s)",
		table, strings.Join(append([]string{"ts"}, cols...), ", "), strings.Repeat(", ?", len(cols)))

	return insertBatch(ctx, db, table, query, len(rows), func(i int) (int64, []any, error) {
		row := rows[i]
		if len(row.Values) != len(cols) {
			return row.TS, nil, fmt.Errorf("%w: %s expects %d value(s), got %d", ErrInvalidRow, table, len(cols), len(row.Values))
		}
		args := make([]any, 0, len(cols)+1)
		args = append(args, row.TS)
		for i, v := range row.Values {
			// SQLite turns NaN into NULL, which no longer reads back as a float.
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return row.TS, nil, fmt.Errorf("%w: %s %s is not finite", ErrInvalidRow, table, cols[i])
			}
			args = append(args, v)
		}
		return row.TS, args, nil
	})
}

// insertBatch runs one prepared insert per row inside a single transaction.
// A failed statement only undoes itself, so the batch keeps going.
func insertBatch(ctx context.Context, db *sql.DB, table, query string, n int, argsFor func(i int) (int64, []any, error)) (InsertResult, error) {
	var result InsertResult

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin %s insert: %w", table, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return result, fmt.Errorf("prepare %s insert: %w", table, err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		ts, args, err := argsFor(i)
		if err == nil {
			_, err = stmt.ExecContext(ctx, args...)
			if isConstraintViolation(err) {
				err = fmt.Errorf("%w: %s ts=%d", ErrDuplicateKey, table, ts)
			}
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return InsertResult{}, ctxErr
			}
			slog.Debug("Skipping row in batch insert", "table", table, "ts", ts, "error", err)
			result.Failed = append(result.Failed, RowFailure{TS: ts, Err: err})
			continue
		}
		result.Inserted++
	}

	if err := tx.Commit(); err != nil {
		return InsertResult{}, fmt.Errorf("commit %s insert: %w", table, err)
	}

	if len(result.Failed) > 0 {
		return result, &BatchError{Table: table, Failures: result.Failed}
	}
	return result, nil
}

// Range returns rows with start <= ts <= stop in ascending order, at most MaxRangeRows.
func (b *SQLiteBackend) Range(ctx context.Context, kind Kind, slot int, start, stop int64) ([]Row, error) {
	return b.selectRows(ctx, kind, slot, "WHERE ts >= ? AND ts <= ? ORDER BY ts LIMIT ?", start, stop, MaxRangeRows)
}

// Page returns length rows starting at offset, for export streaming.
func (b *SQLiteBackend) Page(ctx context.Context, kind Kind, slot int, offset, length int) ([]Row, error) {
	return b.selectRows(ctx, kind, slot, "ORDER BY ts LIMIT ? OFFSET ?", length, offset)
}

func (b *SQLiteBackend) selectRows(ctx context.Context, kind Kind, slot int, clause string, args ...any) ([]Row, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cfg, err := b.slot(slot)
	if err != nil {
		return nil, err
	}
	db, err := b.conn(ctx)
	if err != nil {
		return nil, err
	}

	table := TableName(kind, slot)
	cols := append([]string{"ts"}, cfg.Columns(kind)...)
	query := fmt.Sprintf("SELECT %s FROM %s %s", strings.Join(cols, ", "), table, clause)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row := Row{Values: make([]float64, len(cols)-1)}
		dest := make([]any, 0, len(cols))
		dest = append(dest, &row.TS)
		for i := range row.Values {
			dest = append(dest, &row.Values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Count returns the exact number of rows in a slot table.
func (b *SQLiteBackend) Count(ctx context.Context, kind Kind, slot int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.slot(slot); err != nil {
		return 0, err
	}
	return b.countLocked(ctx, TableName(kind, slot))
}

func (b *SQLiteBackend) countLocked(ctx context.Context, table string) (int, error) {
	db, err := b.conn(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// AddEvents inserts markers with the same best-effort policy as Append.
func (b *SQLiteBackend) AddEvents(ctx context.Context, markers ...events.Marker) (InsertResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(markers) == 0 {
		return InsertResult{}, nil
	}
	db, err := b.conn(ctx)
	if err != nil {
		return InsertResult{}, err
	}
	return insertBatch(ctx, db, "events", `INSERT INTO events (ts, name) VALUES (?, ?)`, len(markers), func(i int) (int64, []any, error) {
		return markers[i].TS, []any{markers[i].TS, markers[i].Name}, nil
	})
}

// SetEvents replaces the whole events table with markers.
func (b *SQLiteBackend) SetEvents(ctx context.Context, markers []events.Marker) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	db, err := b.conn(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin events replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO events (ts, name) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare events insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range markers {
		if _, err := stmt.ExecContext(ctx, m.TS, m.Name); err != nil {
			return fmt.Errorf("insert event ts=%d: %w", m.TS, err)
		}
	}
	return tx.Commit()
}

// SetEvent renames the event at ts. No matching row is a no-op.
func (b *SQLiteBackend) SetEvent(ctx context.Context, ts int64, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	db, err := b.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `UPDATE events SET name = ? WHERE ts = ?`, name, ts); err != nil {
		return fmt.Errorf("update event ts=%d: %w", ts, err)
	}
	return nil
}

// MoveEvent re-times the event at oldTS in one statement. No matching row is a
// no-op; a taken newTS fails with ErrDuplicateKey and leaves both rows alone.
func (b *SQLiteBackend) MoveEvent(ctx context.Context, oldTS, newTS int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	db, err := b.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `UPDATE events SET ts = ? WHERE ts = ?`, newTS, oldTS)
	if isConstraintViolation(err) {
		return fmt.Errorf("%w: events ts=%d", ErrDuplicateKey, newTS)
	}
	if err != nil {
		return fmt.Errorf("move event ts=%d: %w", oldTS, err)
	}
	return nil
}

// RemoveEvent deletes the event at ts. No matching row is a no-op.
func (b *SQLiteBackend) RemoveEvent(ctx context.Context, ts int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	db, err := b.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM events WHERE ts = ?`, ts); err != nil {
		return fmt.Errorf("delete event ts=%d: %w", ts, err)
	}
	return nil
}

// Events returns markers with start <= ts <= stop in ascending order, at most MaxRangeRows.
func (b *SQLiteBackend) Events(ctx context.Context, start, stop int64) ([]events.Marker, error) {
	return b.selectEvents(ctx, `WHERE ts >= ? AND ts <= ? ORDER BY ts LIMIT ?`, start, stop, MaxRangeRows)
}

// EventPage returns length markers starting at offset.
func (b *SQLiteBackend) EventPage(ctx context.Context, offset, length int) ([]events.Marker, error) {
	return b.selectEvents(ctx, `ORDER BY ts LIMIT ? OFFSET ?`, length, offset)
}

func (b *SQLiteBackend) selectEvents(ctx context.Context, clause string, args ...any) ([]events.Marker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	db, err := b.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, "SELECT ts, name FROM events "+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Marker
	for rows.Next() {
		var m events.Marker
		var name sql.NullString
		if err := rows.Scan(&m.TS, &name); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		m.Name = name.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// EventCount returns the number of stored events.
func (b *SQLiteBackend) EventCount(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countLocked(ctx, "events")
}

// Snapshot writes a consistent copy of the whole store to dest, which must not exist.
func (b *SQLiteBackend) Snapshot(ctx context.Context, dest string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	db, err := b.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("snapshot to %s: %w", dest, err)
	}
	return nil
}
