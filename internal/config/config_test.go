package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/audiolibrelab/sigcapture/internal/storage"
)

func TestMergeConfigs_SelectionAndFallback(t *testing.T) {
	base := &Config{
		Device: DeviceDefinition{
			ID:    "band",
			Name:  "Wrist band",
			Slots: []storage.SlotConfig{{Chs: []string{"ppg"}, Metrics: []string{"hr"}}},
		},
		Storage: StorageConfig{
			SessionsDirectory: "~/SigCapture/sessions",
			ExportsDirectory:  "~/SigCapture/exports",
		},
		Display: DisplayConfig{WindowSeconds: 10, SlackSeconds: 2, BufferCapacity: 5000},
		Export:  ExportConfig{BlockSize: 1024, Format: "text"},
	}

	profile := &Config{
		Display: DisplayConfig{WindowSeconds: 30, Tiles: []string{"0:ppg"}},
		Export:  ExportConfig{Format: "snapshot"},
		Storage: StorageConfig{SessionsDirectory: "/data/sessions"},
	}

	result := mergeConfigs(base, profile)

	if result.Device.ID != "band" {
		t.Errorf("Expected device to be inherited, got %+v", result.Device)
	}
	if result.Display.WindowSeconds != 30 {
		t.Errorf("Expected window 30, got %d", result.Display.WindowSeconds)
	}
	if result.Display.SlackSeconds != 2 {
		t.Errorf("Expected slack 2 from base, got %d", result.Display.SlackSeconds)
	}
	if result.Display.BufferCapacity != 5000 {
		t.Errorf("Expected buffer capacity 5000 from base, got %d", result.Display.BufferCapacity)
	}
	if len(result.Display.Tiles) != 1 || result.Display.Tiles[0] != "0:ppg" {
		t.Errorf("Expected profile tiles, got %v", result.Display.Tiles)
	}
	if result.Export.Format != "snapshot" || result.Export.BlockSize != 1024 {
		t.Errorf("Unexpected export config: %+v", result.Export)
	}
	if result.Storage.SessionsDirectory != "/data/sessions" || result.Storage.ExportsDirectory != "~/SigCapture/exports" {
		t.Errorf("Unexpected storage config: %+v", result.Storage)
	}

	if result.Inheritance == nil {
		t.Fatal("Inheritance tracking not initialized")
	}
	if result.Inheritance.Device != "inherited" {
		t.Errorf("Expected device to be inherited, got %s", result.Inheritance.Device)
	}
	if result.Inheritance.Display.WindowSeconds != "profile-specific" {
		t.Errorf("Expected window to be profile-specific, got %s", result.Inheritance.Display.WindowSeconds)
	}
	if result.Inheritance.Display.SlackSeconds != "inherited" {
		t.Errorf("Expected slack to be inherited, got %s", result.Inheritance.Display.SlackSeconds)
	}
	if result.Inheritance.Export.Format != "profile-specific" {
		t.Errorf("Expected format to be profile-specific, got %s", result.Inheritance.Export.Format)
	}
	if result.Inheritance.Storage.ExportsDirectory != "inherited" {
		t.Errorf("Expected exports directory to be inherited, got %s", result.Inheritance.Storage.ExportsDirectory)
	}
}

func TestMergeConfigs_ProfileDeviceWins(t *testing.T) {
	base := &Config{Device: DeviceDefinition{ID: "band", Name: "Wrist band"}}
	profile := &Config{Device: DeviceDefinition{ID: "chest", Name: "Chest strap"}}

	result := mergeConfigs(base, profile)

	if result.Device.ID != "chest" {
		t.Errorf("Expected profile device, got %+v", result.Device)
	}
	if result.Inheritance.Device != "profile-specific" {
		t.Errorf("Expected device to be profile-specific, got %s", result.Inheritance.Device)
	}
}

func TestMergeConfigs_ProfileOnly(t *testing.T) {
	profile := &Config{
		Device:  DeviceDefinition{ID: "band", Name: "Wrist band"},
		Display: DisplayConfig{WindowSeconds: 5},
		Export:  ExportConfig{Format: "text", BlockSize: 10},
	}

	result := mergeConfigs(nil, profile)

	if result.Device.ID != "band" || result.Display.WindowSeconds != 5 || result.Export.BlockSize != 10 {
		t.Errorf("Profile values not preserved: %+v", result)
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/SigCapture/sessions", filepath.Join(homeDir, "SigCapture", "sessions")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~", "~"}, // Should not expand bare tilde
	}

	for _, test := range tests {
		result := expandPath(test.input)
		if result != test.expected {
			t.Errorf("expandPath(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

const baseDefinitions = `
definitions:
    devices:
        - id: band
          name: Wrist band
          location: left wrist
          slots:
              - chs: [ppg_red, ppg_ir]
                metrics: [hr, spo2]
              - chs: [acc_x, acc_y, acc_z]
        - id: chest
          name: Chest strap
          location: chest
          slots:
              - chs: [ecg]
                metrics: [hr]
`

func TestLoadWithProfile_Defaults(t *testing.T) {
	configFile := createTempConfig(t, `
active_config: default
`+baseDefinitions+`
configs:
    default:
        device:
            ref: band
`)

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Profile != "default" {
		t.Errorf("Expected profile 'default', got %q", cfg.Profile)
	}
	if cfg.Device.Name != "Wrist band" || len(cfg.Device.Slots) != 2 {
		t.Errorf("Unexpected device: %+v", cfg.Device)
	}
	if got := cfg.Device.Slots[0].Metrics; len(got) != 2 || got[1] != "spo2" {
		t.Errorf("Unexpected slot metrics: %v", got)
	}
	if cfg.Display.WindowSeconds != DefaultWindowSeconds || cfg.Display.SlackSeconds != DefaultSlackSeconds {
		t.Errorf("Expected default display window, got %+v", cfg.Display)
	}
	if cfg.Display.BufferCapacity != DefaultBufferCapacity {
		t.Errorf("Expected default buffer capacity, got %d", cfg.Display.BufferCapacity)
	}
	if cfg.Export.BlockSize != DefaultBlockSize || cfg.Export.Format != "text" {
		t.Errorf("Expected default export settings, got %+v", cfg.Export)
	}
	if !filepath.IsAbs(cfg.Storage.SessionsDirectory) || !strings.HasSuffix(cfg.Storage.SessionsDirectory, filepath.Join("SigCapture", "sessions")) {
		t.Errorf("Unexpected default sessions directory: %s", cfg.Storage.SessionsDirectory)
	}

	device := cfg.SessionDevice()
	if err := device.Validate(); err != nil {
		t.Errorf("Expected resolved device to be valid: %v", err)
	}
	if settings := cfg.SessionSettings(); settings.WindowSeconds != DefaultWindowSeconds {
		t.Errorf("Unexpected session settings: %+v", settings)
	}
}

func TestLoadWithProfile_InheritsDefaultProfile(t *testing.T) {
	configFile := createTempConfig(t, baseDefinitions+`
configs:
    default:
        device:
            ref: band
        display:
            window_seconds: 20
        export:
            block_size: 512
    night:
        device:
            ref: chest
            location: under shirt
        export:
            format: snapshot
`)

	cfg, err := LoadWithProfile(configFile, "night")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Device.ID != "chest" || cfg.Device.Location != "under shirt" || cfg.Device.Name != "Chest strap" {
		t.Errorf("Expected chest device with location override, got %+v", cfg.Device)
	}
	if cfg.Display.WindowSeconds != 20 {
		t.Errorf("Expected window 20 from default profile, got %d", cfg.Display.WindowSeconds)
	}
	if cfg.Export.BlockSize != 512 || cfg.Export.Format != "snapshot" {
		t.Errorf("Unexpected export settings: %+v", cfg.Export)
	}
	if cfg.Inheritance == nil || cfg.Inheritance.Display.WindowSeconds != "inherited" {
		t.Errorf("Expected inheritance tracking for window, got %+v", cfg.Inheritance)
	}
}

func TestLoadWithProfile_UnknownProfile(t *testing.T) {
	configFile := createTempConfig(t, baseDefinitions+`
configs:
    default:
        device:
            ref: band
`)

	if _, err := LoadWithProfile(configFile, "missing"); err == nil || !strings.Contains(err.Error(), "'missing' not found") {
		t.Errorf("Expected profile not found error, got %v", err)
	}
}

func TestLoadWithProfile_NoDevice(t *testing.T) {
	configFile := createTempConfig(t, baseDefinitions+`
configs:
    default:
        display:
            window_seconds: 5
`)

	if _, err := LoadWithProfile(configFile, ""); err == nil || !strings.Contains(err.Error(), "no device selected") {
		t.Errorf("Expected no device error, got %v", err)
	}
}

func TestGlobalsStorageDirectories(t *testing.T) {
	configFile := createTempConfig(t, `
active_config: test
globals:
    storage:
        sessions_directory: /global/sessions
`+baseDefinitions+`
configs:
    test:
        device:
            ref: band
        storage:
            sessions_directory: /profile/sessions
            exports_directory: /profile/exports
`)

	cfg, err := LoadWithProfile(configFile, "test")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Storage.SessionsDirectory != "/global/sessions" {
		t.Errorf("Expected sessions directory from globals, got '%s'", cfg.Storage.SessionsDirectory)
	}
	if cfg.Storage.ExportsDirectory != "/profile/exports" {
		t.Errorf("Expected exports directory from profile, got '%s'", cfg.Storage.ExportsDirectory)
	}
}

func TestUpdateActiveConfig(t *testing.T) {
	configFile := createTempConfig(t, `
active_config: default
`+baseDefinitions+`
configs:
    default:
        device:
            ref: band
    night:
        device:
            ref: chest
`)

	if err := UpdateActiveConfig(configFile, "night"); err != nil {
		t.Fatalf("UpdateActiveConfig failed: %v", err)
	}

	names, active, err := ProfileNames(configFile)
	if err != nil {
		t.Fatalf("ProfileNames failed: %v", err)
	}
	if active != "night" {
		t.Errorf("Expected active config 'night', got %q", active)
	}
	if len(names) != 2 || names[0] != "default" || names[1] != "night" {
		t.Errorf("Unexpected profile names: %v", names)
	}

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Device.ID != "chest" {
		t.Errorf("Expected the newly active profile to be loaded, got device %s", cfg.Device.ID)
	}
}
