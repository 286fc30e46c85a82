package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/audiolibrelab/sigcapture/internal/storage"
	"gopkg.in/yaml.v3"
)

// Catalog keeps the sessions of one directory. Each session is a store file
// "<id>.sqlite" plus a metadata sidecar "<id>.yaml".
type Catalog struct {
	dir  string
	opts Options
}

// NewCatalog returns a catalog rooted at dir. Sessions it creates or loads use opts.
func NewCatalog(dir string, opts Options) *Catalog {
	return &Catalog{dir: dir, opts: opts}
}

func (c *Catalog) Dir() string {
	return c.dir
}

func (c *Catalog) metadataPath(id string) string {
	return filepath.Join(c.dir, id+".yaml")
}

func (c *Catalog) newSession(meta Metadata) *Session {
	backend := storage.NewSQLiteBackend(storage.StorePath(c.dir, meta.ID), meta.Slots)
	return New(meta, backend, c.opts)
}

// Create registers a fresh session for device with a new id and the current time.
func (c *Catalog) Create(device Device, settings Settings) (*Session, error) {
	if err := device.Validate(); err != nil {
		return nil, fmt.Errorf("invalid device: %w", err)
	}

	now := c.opts.Now
	if now == nil {
		now = time.Now
	}
	meta := NewMetadata(device, settings, now())
	if err := c.writeMetadata(meta); err != nil {
		return nil, err
	}

	slog.Info("Session created", "session_id", meta.ID, "device", device.Name, "slots", len(meta.Slots))
	return c.newSession(meta), nil
}

// Load rehydrates a session from its persisted metadata. The session starts closed.
func (c *Catalog) Load(id string) (*Session, error) {
	meta, err := c.readMetadata(id)
	if err != nil {
		return nil, err
	}
	return c.newSession(meta), nil
}

// Save writes the current metadata of s, e.g. its updated duration.
func (c *Catalog) Save(s *Session) error {
	return c.writeMetadata(s.Metadata())
}

// List returns every session's metadata, newest first.
func (c *Catalog) List() ([]Metadata, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var out []Metadata
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		meta, err := c.readMetadata(strings.TrimSuffix(entry.Name(), ".yaml"))
		if err != nil {
			slog.Warn("Skipping unreadable session metadata", "file", entry.Name(), "error", err)
			continue
		}
		out = append(out, meta)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartDate.After(out[j].StartDate)
	})
	return out, nil
}

// StoreSize returns the on-disk size of a session's store.
func (c *Catalog) StoreSize(id string) int64 {
	return storage.NewSQLiteBackend(storage.StorePath(c.dir, id), nil).Size()
}

// Delete deletes the session store and its metadata. The metadata is removed
// even when the store removal fails, so the session cannot get stuck.
func (c *Catalog) Delete(ctx context.Context, s *Session) error {
	storeErr := s.Delete(ctx)
	if errors.Is(storeErr, ErrRecording) {
		return storeErr
	}

	var metaErr error
	if err := os.Remove(c.metadataPath(s.ID())); err != nil && !os.IsNotExist(err) {
		metaErr = fmt.Errorf("failed to remove session metadata: %w", err)
	}
	return errors.Join(storeErr, metaErr)
}

func (c *Catalog) readMetadata(id string) (Metadata, error) {
	data, err := os.ReadFile(c.metadataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
		}
		return Metadata{}, fmt.Errorf("failed to read session metadata: %w", err)
	}

	var meta Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse session metadata %s: %w", id, err)
	}
	if meta.ID != id {
		return Metadata{}, fmt.Errorf("session metadata %s holds id %q", id, meta.ID)
	}
	return meta, nil
}

func (c *Catalog) writeMetadata(meta Metadata) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("failed to create sessions directory: %w", err)
	}

	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	path := c.metadataPath(meta.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write session metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write session metadata: %w", err)
	}
	return nil
}
