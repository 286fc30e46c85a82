package export

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/audiolibrelab/sigcapture/internal/events"
	"github.com/audiolibrelab/sigcapture/internal/storage"
)

type testSource struct {
	id       string
	start    time.Time
	duration int64
	slots    []storage.SlotConfig
	backend  storage.Backend
}

func (s *testSource) ID() string { return s.id }
func (s *testSource) StartDate() time.Time { return s.start }
func (s *testSource) Duration() int64 { return s.duration }
func (s *testSource) Slots() []storage.SlotConfig { return s.slots }
func (s *testSource) Store(ctx context.Context) (storage.Backend, error) {
	return s.backend, nil
}

func newTestSource(t *testing.T, signalRows int) *testSource {
	t.Helper()
	ctx := context.Background()
	slots := []storage.SlotConfig{
		{Chs: []string{"a", "b"}, Metrics: []string{"hr"}},
		{Chs: []string{"x"}},
	}
	backend := storage.NewSQLiteBackend(filepath.Join(t.TempDir(), "rec.sqlite"), slots)
	t.Cleanup(func() { backend.Close() })

	if err := backend.SetDeviceInfo(ctx, storage.DeviceInfo{Name: "band", Location: "wrist"}); err != nil {
		t.Fatalf("SetDeviceInfo failed: %v", err)
	}
	if _, err := backend.AddEvents(ctx, events.Marker{TS: 5, Name: "start"}, events.Marker{TS: 900, Name: "stop, finally"}); err != nil {
		t.Fatalf("AddEvents failed: %v", err)
	}

	rows := make([]storage.Row, signalRows)
	for i := range rows {
		rows[i] = storage.Row{TS: int64(i), Values: []float64{float64(i), 0.5}}
	}
	if _, err := backend.Append(ctx, storage.KindSignals, 0, rows); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := backend.Append(ctx, storage.KindMask, 0, []storage.Row{{TS: 1, Values: []float64{1}}}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := backend.Append(ctx, storage.KindMetrics, 0, []storage.Row{{TS: 1, Values: []float64{61}}, {TS: 2, Values: []float64{62}}}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	return &testSource{
		id:       "rec-1",
		start:    time.Date(2026, 3, 1, 9, 30, 15, 0, time.UTC),
		duration: 42,
		slots:    slots,
		backend:  backend,
	}
}

// sections splits a text bundle into its tables: a header line followed by records.
func sections(t *testing.T, out string) [][]string {
	t.Helper()
	if !strings.HasSuffix(out, "\n\n\n") || strings.HasSuffix(out, "\n\n\n\n") {
		t.Fatalf("Expected exactly two blank lines after the final table, got tail %q", out[max(0, len(out)-8):])
	}
	var result [][]string
	for _, block := range strings.Split(strings.TrimSuffix(out, "\n\n\n"), "\n\n") {
		result = append(result, strings.Split(block, "\n"))
	}
	return result
}

func TestWriteText_BlocksAndSingleHeader(t *testing.T) {
	ctx := context.Background()
	src := newTestSource(t, 2500)
	p := NewPipeline(t.TempDir(), 1024)

	var buf bytes.Buffer
	report, err := p.WriteText(ctx, src, &buf)
	if err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}

	signals, ok := report.Table("signals0")
	if !ok {
		t.Fatal("Expected a signals0 table in the report")
	}
	want := []int{1024, 1024, 452}
	if len(signals.Blocks) != len(want) {
		t.Fatalf("Expected blocks %v, got %v", want, signals.Blocks)
	}
	for i := range want {
		if signals.Blocks[i] != want[i] {
			t.Errorf("block[%d]: expected %d, got %d", i, want[i], signals.Blocks[i])
		}
	}

	if n := strings.Count(buf.String(), "ts,a,b\n"); n != 1 {
		t.Errorf("Expected a single signals header, got %d", n)
	}
}

func TestWriteText_Layout(t *testing.T) {
	ctx := context.Background()
	src := newTestSource(t, 3)
	p := NewPipeline(t.TempDir(), 2)

	var buf bytes.Buffer
	if _, err := p.WriteText(ctx, src, &buf); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}

	got := sections(t, buf.String())
	wantHeaders := []string{
		"id,start_date,start_time,duration",
		"name,location",
		"ts,name",
		"ts,a,b",
		"ts,mask",
		"ts,hr",
		"ts,x",
		"ts,mask",
		"ts",
	}
	if len(got) != len(wantHeaders) {
		t.Fatalf("Expected %d tables, got %d:\n%s", len(wantHeaders), len(got), buf.String())
	}
	for i, h := range wantHeaders {
		if got[i][0] != h {
			t.Errorf("table %d: expected header %q, got %q", i, h, got[i][0])
		}
	}

	if got[0][1] != "rec-1,2026-03-01,09:30:15,42" {
		t.Errorf("Unexpected summary row: %q", got[0][1])
	}
	if got[1][1] != "band,wrist" {
		t.Errorf("Unexpected device row: %q", got[1][1])
	}
	if got[2][2] != `900,"stop, finally"` {
		t.Errorf("Expected quoted event name, got %q", got[2][2])
	}
	if got[3][2] != "1,1,0.5" {
		t.Errorf("Unexpected signal row: %q", got[3][2])
	}
	if len(got[6]) != 1 {
		t.Errorf("Expected empty table to emit its header only, got %v", got[6])
	}
}

func TestWriteText_RoundTripMatchesCounts(t *testing.T) {
	ctx := context.Background()
	src := newTestSource(t, 130)
	p := NewPipeline(t.TempDir(), 16)

	var buf bytes.Buffer
	report, err := p.WriteText(ctx, src, &buf)
	if err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	tables := sections(t, buf.String())

	eventCount, _ := src.backend.EventCount(ctx)
	if rows := len(tables[2]) - 1; rows != eventCount {
		t.Errorf("events: exported %d rows, store has %d", rows, eventCount)
	}

	i := 3
	for slot := range src.slots {
		for _, kind := range storage.Kinds {
			want, err := src.backend.Count(ctx, kind, slot)
			if err != nil {
				t.Fatalf("Count failed: %v", err)
			}
			name := storage.TableName(kind, slot)
			if rows := len(tables[i]) - 1; rows != want {
				t.Errorf("%s: exported %d rows, store has %d", name, rows, want)
			}
			if tr, _ := report.Table(name); tr.Rows != want {
				t.Errorf("%s: report says %d rows, store has %d", name, tr.Rows, want)
			}
			i++
		}
	}
}

func TestExport_TextArtifact(t *testing.T) {
	ctx := context.Background()
	src := newTestSource(t, 10)
	dir := t.TempDir()
	p := NewPipeline(dir, 0)

	path, report, err := p.Export(ctx, src, FormatText)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if path != filepath.Join(dir, "rec-1.csv") {
		t.Errorf("Unexpected artifact path: %s", path)
	}
	if report.Rows() == 0 {
		t.Error("Expected a non-empty report")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the artifact in the export directory, got %d entries", len(entries))
	}
}

func TestExport_Snapshot(t *testing.T) {
	ctx := context.Background()
	src := newTestSource(t, 10)
	dir := t.TempDir()

	path, report, err := NewPipeline(dir, 0).Export(ctx, src, FormatSnapshot)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if filepath.Ext(path) != ".sqlite" {
		t.Errorf("Expected .sqlite artifact, got %s", path)
	}
	if tr, _ := report.Table("signals0"); tr.Rows != 10 {
		t.Errorf("Expected 10 signal rows in report, got %d", tr.Rows)
	}

	copyBackend := storage.NewSQLiteBackend(path, src.slots)
	defer copyBackend.Close()
	if n, err := copyBackend.Count(ctx, storage.KindSignals, 0); err != nil || n != 10 {
		t.Errorf("Expected snapshot to hold 10 rows, got %d (err %v)", n, err)
	}
	if info, err := copyBackend.DeviceInfo(ctx); err != nil || info.Name != "band" {
		t.Errorf("Expected snapshot device row, got %+v (err %v)", info, err)
	}
}

func TestExport_FailureLeavesNoArtifact(t *testing.T) {
	ctx := context.Background()
	slots := []storage.SlotConfig{{Chs: []string{"a"}}}
	src := &testSource{
		id:      "no-device",
		slots:   slots,
		backend: storage.NewSQLiteBackend(filepath.Join(t.TempDir(), "s.sqlite"), slots),
	}
	defer src.backend.Close()
	dir := t.TempDir()

	_, _, err := NewPipeline(dir, 0).Export(ctx, src, FormatText)
	if !errors.Is(err, ErrExportFailure) {
		t.Fatalf("Expected ErrExportFailure, got %v", err)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected the missing device row to be reported, got %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected no files after a failed export, got %d", len(entries))
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"text", FormatText, false},
		{"snapshot", FormatSnapshot, false},
		{"", FormatText, false},
		{"pdf", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}
