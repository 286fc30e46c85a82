package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/audiolibrelab/sigcapture/internal/session"
	"github.com/audiolibrelab/sigcapture/internal/storage"
	"github.com/spf13/viper"
)

const (
	DefaultWindowSeconds  = 10
	DefaultSlackSeconds   = 2
	DefaultBufferCapacity = session.DefaultBufferCapacity
	DefaultBlockSize      = 1024
	DefaultExportFormat   = "text"
)

type DefinitionsConfig struct {
	Devices []DeviceDefinition `mapstructure:"devices" yaml:"devices"`
}

type DeviceDefinition struct {
	ID       string               `mapstructure:"id" yaml:"id"`
	Name     string               `mapstructure:"name" yaml:"name"`
	Location string               `mapstructure:"location" yaml:"location"`
	Slots    []storage.SlotConfig `mapstructure:"slots" yaml:"slots"`
}

type DeviceReference struct {
	Ref      string  `mapstructure:"ref" yaml:"ref"`
	Name     *string `mapstructure:"name,omitempty" yaml:"name,omitempty"`         // Override allowed
	Location *string `mapstructure:"location,omitempty" yaml:"location,omitempty"` // Override allowed
}

type GlobalsConfig struct {
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Profile string           `mapstructure:"-" yaml:"profile"`
	Device  DeviceDefinition `mapstructure:"device" yaml:"device"`
	Storage StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Display DisplayConfig    `mapstructure:"display" yaml:"display"`
	Export  ExportConfig     `mapstructure:"export" yaml:"export"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type ConfigProfile struct {
	Device  DeviceReference `mapstructure:"device" yaml:"device"`
	Storage StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Display DisplayConfig   `mapstructure:"display" yaml:"display"`
	Export  ExportConfig    `mapstructure:"export" yaml:"export"`
}

type InheritanceInfo struct {
	Device  string // "inherited" or "profile-specific"
	Storage struct {
		SessionsDirectory string
		ExportsDirectory  string
	}
	Display struct {
		WindowSeconds  string
		SlackSeconds   string
		BufferCapacity string
		Tiles          string
	}
	Export struct {
		BlockSize string
		Format    string
	}
}

type StorageConfig struct {
	SessionsDirectory string `mapstructure:"sessions_directory" yaml:"sessions_directory"`
	ExportsDirectory  string `mapstructure:"exports_directory" yaml:"exports_directory"`
}

type DisplayConfig struct {
	WindowSeconds  int      `mapstructure:"window_seconds" yaml:"window_seconds"`
	SlackSeconds   int      `mapstructure:"slack_seconds" yaml:"slack_seconds"`
	BufferCapacity int      `mapstructure:"buffer_capacity" yaml:"buffer_capacity"`
	Tiles          []string `mapstructure:"tiles" yaml:"tiles,omitempty"` // opaque to the core
}

type ExportConfig struct {
	BlockSize int    `mapstructure:"block_size" yaml:"block_size"`
	Format    string `mapstructure:"format" yaml:"format"` // "text" or "snapshot"
}

// DefaultConfigPath is used when no --config flag is given.
func DefaultConfigPath() string {
	return os.ExpandEnv("$HOME/.config/sigcapture.yaml")
}

func defaultStorage() StorageConfig {
	home, _ := os.UserHomeDir()
	return StorageConfig{
		SessionsDirectory: filepath.Join(home, "SigCapture", "sessions"),
		ExportsDirectory:  filepath.Join(home, "SigCapture", "exports"),
	}
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	// Validate configuration format first
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Determine which config to use
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	// Merge with default config if it exists and we're not already using default
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			base, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			selectedConfig = mergeConfigs(base, selectedConfig)
		}
	}

	// Global directories take precedence over profile-specific ones
	if rootConfig.Globals != nil {
		if dir := rootConfig.Globals.Storage.SessionsDirectory; dir != "" {
			selectedConfig.Storage.SessionsDirectory = dir
		}
		if dir := rootConfig.Globals.Storage.ExportsDirectory; dir != "" {
			selectedConfig.Storage.ExportsDirectory = dir
		}
	}

	applyDefaults(selectedConfig)
	selectedConfig.Profile = configName

	selectedConfig.Storage.SessionsDirectory = expandPath(selectedConfig.Storage.SessionsDirectory)
	selectedConfig.Storage.ExportsDirectory = expandPath(selectedConfig.Storage.ExportsDirectory)

	if err := validateConfig(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// applyDefaults fills every unset value with its built-in default.
func applyDefaults(c *Config) {
	defaults := defaultStorage()
	if c.Storage.SessionsDirectory == "" {
		c.Storage.SessionsDirectory = defaults.SessionsDirectory
	}
	if c.Storage.ExportsDirectory == "" {
		c.Storage.ExportsDirectory = defaults.ExportsDirectory
	}
	if c.Display.WindowSeconds == 0 {
		c.Display.WindowSeconds = DefaultWindowSeconds
	}
	if c.Display.SlackSeconds == 0 {
		c.Display.SlackSeconds = DefaultSlackSeconds
	}
	if c.Display.BufferCapacity == 0 {
		c.Display.BufferCapacity = DefaultBufferCapacity
	}
	if c.Export.BlockSize == 0 {
		c.Export.BlockSize = DefaultBlockSize
	}
	if c.Export.Format == "" {
		c.Export.Format = DefaultExportFormat
	}
}

// SessionDevice returns the device snapshot a new session is recorded with.
func (c *Config) SessionDevice() session.Device {
	return session.Device{
		ID:       c.Device.ID,
		Name:     c.Device.Name,
		Location: c.Device.Location,
		Slots:    append([]storage.SlotConfig(nil), c.Device.Slots...),
	}
}

// SessionSettings returns the display settings stored with a new session.
func (c *Config) SessionSettings() session.Settings {
	return session.Settings{
		WindowSeconds: c.Display.WindowSeconds,
		SlackSeconds:  c.Display.SlackSeconds,
		Tiles:         append([]string(nil), c.Display.Tiles...),
	}
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving the device reference
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Storage: profile.Storage,
		Display: profile.Display,
		Export:  profile.Export,
	}

	// A profile without a device inherits the default profile's device
	if profile.Device.Ref == "" {
		return config, nil
	}

	definition, ok := findDevice(definitions, profile.Device.Ref)
	if !ok {
		return nil, fmt.Errorf("device: reference '%s' not found in definitions", profile.Device.Ref)
	}

	config.Device = definition
	config.Device.Slots = append([]storage.SlotConfig(nil), definition.Slots...)
	if profile.Device.Name != nil {
		config.Device.Name = *profile.Device.Name
	}
	if profile.Device.Location != nil {
		config.Device.Location = *profile.Device.Location
	}

	return config, nil
}

func findDevice(definitions *DefinitionsConfig, id string) (DeviceDefinition, bool) {
	if definitions == nil {
		return DeviceDefinition{}, false
	}
	for _, def := range definitions.Devices {
		if def.ID == id {
			return def, true
		}
	}
	return DeviceDefinition{}, false
}

// mergeConfigs applies the profile on top of the default profile: every value
// the profile leaves unset falls back to the base.
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{Inheritance: &InheritanceInfo{}}
	inh := result.Inheritance

	if base != nil {
		result.Device = base.Device
		result.Storage = base.Storage
		result.Display = base.Display
		result.Export = base.Export

		inh.Device = "inherited"
		inh.Storage.SessionsDirectory = "inherited"
		inh.Storage.ExportsDirectory = "inherited"
		inh.Display.WindowSeconds = "inherited"
		inh.Display.SlackSeconds = "inherited"
		inh.Display.BufferCapacity = "inherited"
		inh.Display.Tiles = "inherited"
		inh.Export.BlockSize = "inherited"
		inh.Export.Format = "inherited"
	}

	if profile == nil {
		return result
	}

	if profile.Device.ID != "" {
		result.Device = profile.Device
		inh.Device = "profile-specific"
	}

	if profile.Storage.SessionsDirectory != "" {
		result.Storage.SessionsDirectory = profile.Storage.SessionsDirectory
		inh.Storage.SessionsDirectory = "profile-specific"
	}
	if profile.Storage.ExportsDirectory != "" {
		result.Storage.ExportsDirectory = profile.Storage.ExportsDirectory
		inh.Storage.ExportsDirectory = "profile-specific"
	}

	if profile.Display.WindowSeconds != 0 {
		result.Display.WindowSeconds = profile.Display.WindowSeconds
		inh.Display.WindowSeconds = "profile-specific"
	}
	if profile.Display.SlackSeconds != 0 {
		result.Display.SlackSeconds = profile.Display.SlackSeconds
		inh.Display.SlackSeconds = "profile-specific"
	}
	if profile.Display.BufferCapacity != 0 {
		result.Display.BufferCapacity = profile.Display.BufferCapacity
		inh.Display.BufferCapacity = "profile-specific"
	}
	if len(profile.Display.Tiles) > 0 {
		result.Display.Tiles = profile.Display.Tiles
		inh.Display.Tiles = "profile-specific"
	}

	if profile.Export.BlockSize != 0 {
		result.Export.BlockSize = profile.Export.BlockSize
		inh.Export.BlockSize = "profile-specific"
	}
	if profile.Export.Format != "" {
		result.Export.Format = profile.Export.Format
		inh.Export.Format = "profile-specific"
	}

	return result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// validateConfig checks a fully resolved profile
func validateConfig(c *Config) error {
	if c.Device.ID == "" {
		return fmt.Errorf("no device selected: set device.ref in the profile or in the default profile")
	}
	if err := validateDeviceDefinition(c.Device, "device"); err != nil {
		return err
	}
	if err := validateDisplay(c.Display, "display"); err != nil {
		return err
	}
	return validateExport(c.Export, "export")
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	// Set environment variable prefix
	v.SetEnvPrefix("SIGCAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	for configName, configProfile := range rootConfig.Configs {
		if err := validateProfile(configProfile, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return fmt.Errorf("definitions section is required")
	}

	if len(definitions.Devices) == 0 {
		return fmt.Errorf("definitions.devices cannot be empty")
	}

	seenIDs := make(map[string]bool)

	for i, def := range definitions.Devices {
		if def.ID == "" {
			return fmt.Errorf("definitions.devices[%d]: 'id' is required", i)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("definitions.devices[%d]: duplicate ID '%s'", i, def.ID)
		}
		seenIDs[def.ID] = true

		if err := validateDeviceDefinition(def, fmt.Sprintf("definitions.devices[%d]", i)); err != nil {
			return err
		}
	}

	return nil
}

// validateDeviceDefinition validates a single device definition
func validateDeviceDefinition(def DeviceDefinition, prefix string) error {
	if err := validateDeviceName(def.Name, prefix); err != nil {
		return err
	}

	if len(def.Slots) == 0 {
		return fmt.Errorf("%s: 'slots' is required and cannot be empty", prefix)
	}

	for i, slot := range def.Slots {
		if len(slot.Chs) == 0 {
			return fmt.Errorf("%s: slots[%d]: 'chs' cannot be empty", prefix, i)
		}
		if err := validateLabels(slot.Chs, fmt.Sprintf("%s: slots[%d].chs", prefix, i)); err != nil {
			return err
		}
		if err := validateLabels(slot.Metrics, fmt.Sprintf("%s: slots[%d].metrics", prefix, i)); err != nil {
			return err
		}
	}

	return nil
}

func validateDeviceName(name, prefix string) error {
	if name == "" {
		return fmt.Errorf("%s: 'name' is required", prefix)
	}
	if n := utf8.RuneCountInString(name); n > session.MaxDeviceNameLength {
		return fmt.Errorf("%s: 'name' must be at most %d characters, got %d", prefix, session.MaxDeviceNameLength, n)
	}
	return nil
}

func validateLabels(labels []string, prefix string) error {
	seen := make(map[string]bool, len(labels))
	for j, label := range labels {
		if strings.TrimSpace(label) == "" {
			return fmt.Errorf("%s[%d]: label cannot be empty", prefix, j)
		}
		if seen[label] {
			return fmt.Errorf("%s[%d]: duplicate label '%s'", prefix, j, label)
		}
		seen[label] = true
	}
	return nil
}

// validateProfile validates the device reference and settings of a config profile
func validateProfile(profile *ConfigProfile, definitions *DefinitionsConfig) error {
	if profile == nil {
		return nil
	}

	if ref := profile.Device.Ref; ref != "" {
		if _, ok := findDevice(definitions, ref); !ok {
			return fmt.Errorf("device: references undefined device definition '%s'", ref)
		}
	} else if profile.Device.Name != nil || profile.Device.Location != nil {
		return fmt.Errorf("device: overrides require 'ref'")
	}

	if profile.Device.Name != nil {
		if err := validateDeviceName(*profile.Device.Name, "device"); err != nil {
			return err
		}
	}

	if err := validateDisplay(profile.Display, "display"); err != nil {
		return err
	}
	return validateExport(profile.Export, "export")
}

func validateDisplay(d DisplayConfig, prefix string) error {
	if d.WindowSeconds < 0 {
		return fmt.Errorf("%s: 'window_seconds' must be > 0, got: %d", prefix, d.WindowSeconds)
	}
	if d.SlackSeconds < 0 {
		return fmt.Errorf("%s: 'slack_seconds' must be >= 0, got: %d", prefix, d.SlackSeconds)
	}
	if d.BufferCapacity < 0 {
		return fmt.Errorf("%s: 'buffer_capacity' must be > 0, got: %d", prefix, d.BufferCapacity)
	}
	return nil
}

func validateExport(e ExportConfig, prefix string) error {
	if e.BlockSize < 0 {
		return fmt.Errorf("%s: 'block_size' must be > 0, got: %d", prefix, e.BlockSize)
	}
	if e.Format != "" && e.Format != "text" && e.Format != "snapshot" {
		return fmt.Errorf("%s: 'format' must be 'text' or 'snapshot', got: %s", prefix, e.Format)
	}
	return nil
}

// ProfileNames returns the profiles defined in configFile and the active one.
func ProfileNames(configFile string) ([]string, string, error) {
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, "", err
	}
	names := make([]string, 0, len(rootConfig.Configs))
	for name := range rootConfig.Configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, rootConfig.ActiveConfig, nil
}
