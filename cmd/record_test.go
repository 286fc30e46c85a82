package cmd

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/audiolibrelab/sigcapture/internal/config"
	"github.com/audiolibrelab/sigcapture/internal/service"
	"github.com/audiolibrelab/sigcapture/internal/storage"
)

func TestIngestLines(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	svc := service.New(&config.Config{
		Device: config.DeviceDefinition{
			ID:    "band",
			Name:  "Wrist band",
			Slots: []storage.SlotConfig{{Chs: []string{"a", "b"}, Metrics: []string{"hr"}}},
		},
		Storage: config.StorageConfig{
			SessionsDirectory: filepath.Join(dir, "sessions"),
			ExportsDirectory:  filepath.Join(dir, "exports"),
		},
		Display: config.DisplayConfig{WindowSeconds: 10, SlackSeconds: 2, BufferCapacity: 100},
	}, "")
	defer svc.Shutdown(ctx)

	info, err := svc.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := svc.StartRecording(ctx, info.ID); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}

	input := strings.Join([]string{
		`{"slot":0,"signals":[{"ts":1,"values":[1,2]},{"ts":2,"values":[3,4]}],"mask":[{"ts":1,"values":[1]}]}`,
		``,
		`not json`,
		`{"slot":0,"metrics":[{"ts":1,"values":[61]}]}`,
		`{"slot":3,"signals":[{"ts":5,"values":[1,1]}]}`,
		`{"event":"eyes closed"}`,
	}, "\n")

	applied, err := ingestLines(ctx, svc, info.ID, strings.NewReader(input))
	if err != nil {
		t.Fatalf("ingestLines failed: %v", err)
	}
	if applied != 3 {
		t.Errorf("Expected 3 applied lines, got %d", applied)
	}

	counts := map[storage.Kind]int{storage.KindSignals: 2, storage.KindMask: 1, storage.KindMetrics: 1}
	for kind, want := range counts {
		got, err := svc.CountRows(ctx, info.ID, kind, 0)
		if err != nil {
			t.Fatalf("CountRows(%s) failed: %v", kind, err)
		}
		if got != want {
			t.Errorf("Expected %d %s rows, got %d", want, kind, got)
		}
	}

	markers, err := svc.ListEvents(ctx, info.ID)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(markers) != 1 || markers[0].Name != "eyes closed" {
		t.Errorf("Unexpected events: %+v", markers)
	}
}

func TestIngestLines_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A reader that never returns stands in for an idle stdin.
	applied, err := ingestLines(ctx, nil, "unused", blockingReader{})
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if applied != 0 {
		t.Errorf("Expected no applied lines, got %d", applied)
	}
}

type blockingReader struct{}

func (blockingReader) Read(p []byte) (int, error) {
	select {}
}
