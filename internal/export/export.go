// Package export turns a stored session into a shareable artifact: either a
// delimited text bundle streamed table by table, or a copy of the whole store.
package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/audiolibrelab/sigcapture/internal/events"
	"github.com/audiolibrelab/sigcapture/internal/storage"
	"github.com/google/uuid"
)

// Format selects the export artifact type
type Format string

const (
	FormatText     Format = "text"
	FormatSnapshot Format = "snapshot"
)

// DefaultBlockSize is the number of rows read per page while streaming a table.
const DefaultBlockSize = 1024

var ErrExportFailure = errors.New("export failed")

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatText, FormatSnapshot:
		return Format(s), nil
	case "":
		return FormatText, nil
	}
	return "", fmt.Errorf("unknown export format %q (want %s or %s)", s, FormatText, FormatSnapshot)
}

// Extension returns the artifact file extension for the format.
func (f Format) Extension() string {
	if f == FormatSnapshot {
		return ".sqlite"
	}
	return ".csv"
}

// Source is a session that can be exported.
type Source interface {
	ID() string
	StartDate() time.Time
	Duration() int64
	Slots() []storage.SlotConfig
	Store(ctx context.Context) (storage.Backend, error)
}

// TableReport records how one table was written.
type TableReport struct {
	Name   string `json:"name"`
	Rows   int    `json:"rows"`
	Blocks []int  `json:"blocks,omitempty"`
}

// Report lists every table of an export in output order.
type Report struct {
	Tables []TableReport `json:"tables"`
}

// Table returns the report of the named table.
func (r Report) Table(name string) (TableReport, bool) {
	for _, t := range r.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableReport{}, false
}

// Rows returns the total number of data rows written.
func (r Report) Rows() int {
	total := 0
	for _, t := range r.Tables {
		total += t.Rows
	}
	return total
}

// Pipeline writes exports into Dir.
type Pipeline struct {
	Dir       string
	BlockSize int
}

// NewPipeline returns a pipeline writing into dir. A non-positive blockSize
// selects DefaultBlockSize.
func NewPipeline(dir string, blockSize int) *Pipeline {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Pipeline{Dir: dir, BlockSize: blockSize}
}

// Export writes the artifact for src and returns its path. The artifact only
// appears under its final name once it is complete.
func (p *Pipeline) Export(ctx context.Context, src Source, format Format) (string, Report, error) {
	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return "", Report{}, fmt.Errorf("%w: create export directory: %w", ErrExportFailure, err)
	}

	final := filepath.Join(p.Dir, src.ID()+format.Extension())
	tmp := filepath.Join(p.Dir, fmt.Sprintf(".%s-%s.tmp", src.ID(), uuid.NewString()))

	slog.Info("Exporting session", "session_id", src.ID(), "format", format, "path", final)

	var report Report
	var err error
	switch format {
	case FormatText:
		report, err = p.writeTextFile(ctx, src, tmp)
	case FormatSnapshot:
		report, err = p.writeSnapshot(ctx, src, tmp)
	default:
		err = fmt.Errorf("unknown export format %q", format)
	}
	if err != nil {
		os.Remove(tmp)
		slog.Error("Export failed", "session_id", src.ID(), "format", format, "error", err)
		return "", Report{}, fmt.Errorf("%w: %w", ErrExportFailure, err)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", Report{}, fmt.Errorf("%w: finalize artifact: %w", ErrExportFailure, err)
	}

	slog.Info("Export complete", "session_id", src.ID(), "path", final, "tables", len(report.Tables), "rows", report.Rows())
	return final, report, nil
}

func (p *Pipeline) writeTextFile(ctx context.Context, src Source, path string) (Report, error) {
	f, err := os.Create(path)
	if err != nil {
		return Report{}, fmt.Errorf("create file: %w", err)
	}

	w := bufio.NewWriter(f)
	report, err := p.WriteText(ctx, src, w)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close file: %w", cerr)
	}
	return report, err
}

func (p *Pipeline) writeSnapshot(ctx context.Context, src Source, path string) (Report, error) {
	store, err := src.Store(ctx)
	if err != nil {
		return Report{}, err
	}
	if err := store.Snapshot(ctx, path); err != nil {
		return Report{}, err
	}

	var report Report
	for slot := range src.Slots() {
		for _, kind := range storage.Kinds {
			n, err := store.Count(ctx, kind, slot)
			if err != nil {
				return Report{}, err
			}
			report.Tables = append(report.Tables, TableReport{Name: storage.TableName(kind, slot), Rows: n})
		}
	}
	return report, nil
}

// WriteText streams the text bundle of src to w. Each table is read in
// BlockSize pages so memory stays bounded whatever the table size.
func (p *Pipeline) WriteText(ctx context.Context, src Source, w io.Writer) (Report, error) {
	store, err := src.Store(ctx)
	if err != nil {
		return Report{}, err
	}
	device, err := store.DeviceInfo(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read device info: %w", err)
	}

	tw := &textWriter{out: w, csv: csv.NewWriter(w), blockSize: p.blockSize()}

	start := src.StartDate()
	tw.table("session", []string{"id", "start_date", "start_time", "duration"}, [][]string{{
		src.ID(),
		start.Format("2006-01-02"),
		start.Format("15:04:05"),
		strconv.FormatInt(src.Duration(), 10),
	}})
	tw.table("device", []string{"name", "location"}, [][]string{{device.Name, device.Location}})

	tw.paged("events", []string{"ts", "name"}, func(offset, length int) ([][]string, error) {
		markers, err := store.EventPage(ctx, offset, length)
		return eventRecords(markers), err
	})

	for slot, cfg := range src.Slots() {
		for _, kind := range storage.Kinds {
			header := append([]string{"ts"}, cfg.Labels(kind)...)
			tw.paged(storage.TableName(kind, slot), header, func(offset, length int) ([][]string, error) {
				rows, err := store.Page(ctx, kind, slot, offset, length)
				return rowRecords(rows), err
			})
		}
	}

	tw.blank()
	if tw.err != nil {
		return Report{}, tw.err
	}
	return tw.report, nil
}

func (p *Pipeline) blockSize() int {
	if p.BlockSize <= 0 {
		return DefaultBlockSize
	}
	return p.BlockSize
}

// textWriter keeps the first error and turns every later call into a no-op.
type textWriter struct {
	out       io.Writer
	csv       *csv.Writer
	blockSize int
	report    Report
	err       error
}

func (t *textWriter) table(name string, header []string, records [][]string) {
	t.paged(name, header, func(offset, length int) ([][]string, error) {
		if offset >= len(records) {
			return nil, nil
		}
		return records[offset:min(offset+length, len(records))], nil
	})
}

func (t *textWriter) paged(name string, header []string, page func(offset, length int) ([][]string, error)) {
	if t.err != nil {
		return
	}

	tr := TableReport{Name: name}
	if t.write(header) != nil {
		return
	}
	for offset := 0; ; offset += t.blockSize {
		records, err := page(offset, t.blockSize)
		if err != nil {
			t.err = fmt.Errorf("read %s at offset %d: %w", name, offset, err)
			return
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			if t.write(rec) != nil {
				return
			}
		}
		tr.Rows += len(records)
		tr.Blocks = append(tr.Blocks, len(records))
		if len(records) < t.blockSize {
			break
		}
	}

	t.blank()
	t.report.Tables = append(t.report.Tables, tr)
	slog.Debug("Exported table", "table", name, "rows", tr.Rows, "blocks", len(tr.Blocks))
}

func (t *textWriter) write(record []string) error {
	if err := t.csv.Write(record); err != nil {
		t.err = fmt.Errorf("write record: %w", err)
	}
	return t.err
}

func (t *textWriter) blank() {
	if t.err != nil {
		return
	}
	t.csv.Flush()
	if err := t.csv.Error(); err != nil {
		t.err = fmt.Errorf("write record: %w", err)
		return
	}
	if _, err := io.WriteString(t.out, "\n"); err != nil {
		t.err = fmt.Errorf("write separator: %w", err)
	}
}

func eventRecords(markers []events.Marker) [][]string {
	out := make([][]string, len(markers))
	for i, m := range markers {
		out[i] = []string{strconv.FormatInt(m.TS, 10), m.Name}
	}
	return out
}

func rowRecords(rows []storage.Row) [][]string {
	out := make([][]string, len(rows))
	for i, r := range rows {
		rec := make([]string, 0, len(r.Values)+1)
		rec = append(rec, strconv.FormatInt(r.TS, 10))
		for _, v := range r.Values {
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		}
		out[i] = rec
	}
	return out
}
