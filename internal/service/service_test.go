package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/audiolibrelab/sigcapture/internal/config"
	"github.com/audiolibrelab/sigcapture/internal/events"
	"github.com/audiolibrelab/sigcapture/internal/export"
	"github.com/audiolibrelab/sigcapture/internal/session"
	"github.com/audiolibrelab/sigcapture/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Profile: "default",
		Device: config.DeviceDefinition{
			ID:       "band",
			Name:     "Wrist band",
			Location: "left wrist",
			Slots: []storage.SlotConfig{
				{Chs: []string{"ppg"}, Metrics: []string{"hr"}},
			},
		},
		Storage: config.StorageConfig{
			SessionsDirectory: filepath.Join(dir, "sessions"),
			ExportsDirectory:  filepath.Join(dir, "exports"),
		},
		Display: config.DisplayConfig{WindowSeconds: 3600, SlackSeconds: 2, BufferCapacity: 1000},
		Export:  config.ExportConfig{BlockSize: 4, Format: "text"},
	}
}

func newTestService(t *testing.T) (*SigCaptureService, *config.Config) {
	t.Helper()
	cfg := testConfig(t)
	svc := New(cfg, "").(*SigCaptureService)
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return svc, cfg
}

func TestService_RecordingLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	info, err := svc.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if info.State != session.StateClosed || info.DeviceName != "Wrist band" {
		t.Errorf("Unexpected new session: %+v", info)
	}

	if err := svc.StartRecording(ctx, info.ID); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}

	var rows []storage.Row
	for i := 0; i < 10; i++ {
		rows = append(rows, storage.Row{TS: int64(1000 + i), Values: []float64{float64(i)}})
	}
	if err := svc.AddSamples(ctx, info.ID, 0, rows, nil); err != nil {
		t.Fatalf("AddSamples failed: %v", err)
	}
	if err := svc.AddMetrics(ctx, info.ID, 0, []storage.Row{{TS: 1000, Values: []float64{72}}}); err != nil {
		t.Fatalf("AddMetrics failed: %v", err)
	}
	marker, err := svc.AddEvent(ctx, info.ID, "")
	if err != nil {
		t.Fatalf("AddEvent failed: %v", err)
	}
	if marker.Name != "Event 0" {
		t.Errorf("Expected default event name 'Event 0', got %q", marker.Name)
	}

	if err := svc.StopRecording(ctx, info.ID, false); err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}

	got, err := svc.ReadRange(ctx, info.ID, storage.KindSignals, 0, 1002, 1004)
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Expected 3 rows in range, got %d", len(got))
	}

	list, err := svc.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(list) != 1 || list[0].State != session.StateOpen {
		t.Errorf("Expected one open session, got %+v", list)
	}
	if list[0].Size == 0 || list[0].SizeHuman == "" {
		t.Errorf("Expected store size to be reported, got %+v", list[0])
	}

	if err := svc.CloseSession(ctx, info.ID); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	if err := svc.CloseSession(ctx, info.ID); err != nil {
		t.Fatalf("Second CloseSession failed: %v", err)
	}
}

func TestService_ExportAfterReload(t *testing.T) {
	ctx := context.Background()
	svc, cfg := newTestService(t)

	info, err := svc.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := svc.OpenSession(ctx, info.ID); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	var rows []storage.Row
	for i := 0; i < 9; i++ {
		rows = append(rows, storage.Row{TS: int64(i), Values: []float64{1}})
	}
	if err := svc.AddSamples(ctx, info.ID, 0, rows, nil); err != nil {
		t.Fatalf("AddSamples failed: %v", err)
	}
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// A fresh service only knows the session from disk.
	reloaded := New(cfg, "")
	defer reloaded.Shutdown(ctx)

	exp, err := reloaded.Export(ctx, info.ID, export.FormatText)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if exp.Path != filepath.Join(cfg.Storage.ExportsDirectory, info.ID+".csv") {
		t.Errorf("Unexpected export path: %s", exp.Path)
	}
	signals, ok := exp.Report.Table("signals0")
	if !ok || signals.Rows != 9 || len(signals.Blocks) != 3 {
		t.Errorf("Expected 9 signal rows in 3 blocks, got %+v", signals)
	}
	if _, err := os.Stat(exp.Path); err != nil {
		t.Errorf("Expected export artifact on disk: %v", err)
	}
}

func TestService_EventEditing(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	info, err := svc.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := svc.CommitEvents(ctx, info.ID, []events.Marker{{TS: 30, Name: "c"}, {TS: 10, Name: "a"}, {TS: 10, Name: "dup"}}); err != nil {
		t.Fatalf("CommitEvents failed: %v", err)
	}
	if err := svc.RenameEvent(ctx, info.ID, 30, "see"); err != nil {
		t.Fatalf("RenameEvent failed: %v", err)
	}
	if err := svc.MoveEvent(ctx, info.ID, 10, 20); err != nil {
		t.Fatalf("MoveEvent failed: %v", err)
	}

	got, err := svc.ListEvents(ctx, info.ID)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(got) != 2 || got[0].TS != 20 || got[0].Name != "a" || got[1].Name != "see" {
		t.Errorf("Unexpected events: %+v", got)
	}

	if err := svc.RemoveEvent(ctx, info.ID, 20); err != nil {
		t.Fatalf("RemoveEvent failed: %v", err)
	}
	if got, _ := svc.ListEvents(ctx, info.ID); len(got) != 1 {
		t.Errorf("Expected 1 event after removal, got %d", len(got))
	}
}

func TestService_DeleteSession(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	info, err := svc.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := svc.StartRecording(ctx, info.ID); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	if err := svc.DeleteSession(ctx, info.ID); !errors.Is(err, session.ErrRecording) {
		t.Errorf("Expected ErrRecording deleting while recording, got %v", err)
	}

	if err := svc.StopRecording(ctx, info.ID, true); err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}
	if err := svc.DeleteSession(ctx, info.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	if _, err := svc.GetSession(info.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if list, _ := svc.ListSessions(); len(list) != 0 {
		t.Errorf("Expected no sessions after delete, got %d", len(list))
	}
}

func TestService_UnknownSession(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.StartRecording(context.Background(), "does-not-exist"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestService_NotificationsAreBounded(t *testing.T) {
	svc, _ := newTestService(t)

	for i := 0; i < MaxNotifications+5; i++ {
		svc.Notify(session.Notification{SessionID: "s", Message: fmt.Sprintf("warning %d", i), Severity: session.SeverityWarning})
	}
	got := svc.Notifications()
	if len(got) != MaxNotifications {
		t.Fatalf("Expected %d notifications, got %d", MaxNotifications, len(got))
	}
	if got[0].Message != "warning 5" {
		t.Errorf("Expected oldest notifications to be dropped, first is %q", got[0].Message)
	}
	if svc.GetLastError() != "" {
		t.Errorf("Expected warnings not to set the last error, got %q", svc.GetLastError())
	}

	svc.Notify(session.Notification{SessionID: "s", Message: "store gone", Severity: session.SeverityError})
	if svc.GetLastError() != "store gone" {
		t.Errorf("Expected last error 'store gone', got %q", svc.GetLastError())
	}
}

func TestService_LoadProfileRefusedWhileRecording(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	info, err := svc.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := svc.StartRecording(ctx, info.ID); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}

	configFile := filepath.Join(t.TempDir(), "sigcapture.yaml")
	content := `
definitions:
    devices:
        - id: chest
          name: Chest strap
          slots:
              - chs: [ecg]
configs:
    default:
        device:
            ref: chest
`
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	svc.configFile = configFile

	if err := svc.LoadProfile("default"); !errors.Is(err, ErrProfileBusy) {
		t.Errorf("Expected ErrProfileBusy, got %v", err)
	}

	if err := svc.StopRecording(ctx, info.ID, false); err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}
	if err := svc.LoadProfile("default"); err != nil {
		t.Fatalf("LoadProfile failed: %v", err)
	}
	if svc.GetConfig().Device.ID != "chest" {
		t.Errorf("Expected chest device after profile switch, got %s", svc.GetConfig().Device.ID)
	}
}
