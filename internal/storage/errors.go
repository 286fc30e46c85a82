package storage

import (
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when a targeted row does not exist, e.g. the device row.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when a row's timestamp is already stored in its table.
	ErrDuplicateKey = errors.New("duplicate timestamp")

	// ErrBackendUnavailable is returned when the store cannot be opened, closed or removed.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrInvalidRow is returned for rows whose value count does not match the table
	// layout or that carry a NaN or infinite value.
	ErrInvalidRow = errors.New("invalid row")

	// ErrUnknownSlot is returned for a slot index outside the configured layout.
	ErrUnknownSlot = errors.New("unknown slot")
)

// RowFailure records one row skipped by a best-effort batch insert.
type RowFailure struct {
	TS  int64
	Err error
}

// BatchError reports the rows a batch insert skipped. The rows that did not
// fail were committed.
type BatchError struct {
	Table    string
	Failures []RowFailure
}

func (e *BatchError) Error() string {
	ts := make([]string, 0, len(e.Failures))
	for i, f := range e.Failures {
		if i == 5 {
			ts = append(ts, "...")
			break
		}
		ts = append(ts, fmt.Sprintf("%d", f.TS))
	}
	return fmt.Sprintf("%s: %d row(s) skipped (ts %s): %v", e.Table, len(e.Failures), strings.Join(ts, ","), e.Failures[0].Err)
}

// Unwrap exposes every row error so errors.Is matches ErrDuplicateKey or ErrInvalidRow.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// isConstraintViolation reports whether err is an SQLite constraint failure
// (primary key collision on ts).
func isConstraintViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}
