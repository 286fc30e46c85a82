package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/audiolibrelab/sigcapture/internal/config"
	"github.com/audiolibrelab/sigcapture/internal/events"
	"github.com/audiolibrelab/sigcapture/internal/export"
	"github.com/audiolibrelab/sigcapture/internal/session"
	"github.com/audiolibrelab/sigcapture/internal/storage"
	"github.com/dustin/go-humanize"
)

// MaxNotifications bounds the notification history kept for status polling.
const MaxNotifications = 100

var ErrProfileBusy = errors.New("cannot switch profile while a session is recording")

// Service represents the core SigCapture service interface
type Service interface {
	// Session lifecycle
	ListSessions() ([]SessionInfo, error)
	CreateSession() (*SessionInfo, error)
	GetSession(id string) (*SessionInfo, error)
	OpenSession(ctx context.Context, id string) (*SessionInfo, error)
	StartRecording(ctx context.Context, id string) error
	StopRecording(ctx context.Context, id string, closeAfter bool) error
	CloseSession(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error

	// Ingestion
	AddSamples(ctx context.Context, id string, slot int, signals, mask []storage.Row) error
	AddMetrics(ctx context.Context, id string, slot int, metrics []storage.Row) error
	Subscribe(id string, fn session.SubscriberFunc) (string, error)
	Unsubscribe(id, subscriptionID string)

	// Events
	AddEvent(ctx context.Context, id, name string) (events.Marker, error)
	ListEvents(ctx context.Context, id string) ([]events.Marker, error)
	CommitEvents(ctx context.Context, id string, markers []events.Marker) error
	RenameEvent(ctx context.Context, id string, ts int64, name string) error
	MoveEvent(ctx context.Context, id string, oldTS, newTS int64) error
	RemoveEvent(ctx context.Context, id string, ts int64) error

	// Reads
	ReadRange(ctx context.Context, id string, kind storage.Kind, slot int, start, stop int64) ([]storage.Row, error)
	ReadBuffered(id string, slot int, kind storage.Kind) ([]storage.Row, error)
	CountRows(ctx context.Context, id string, kind storage.Kind, slot int) (int, error)

	// Export
	Export(ctx context.Context, id string, format export.Format) (*ExportInfo, error)

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config

	// Status
	Notifications() []session.Notification
	GetLastError() string
	Shutdown(ctx context.Context) error
}

// SessionInfo describes a session for listings and status
type SessionInfo struct {
	ID           string               `json:"id"`
	State        session.State        `json:"state"`
	StartDate    time.Time            `json:"start_date"`
	StartedHuman string               `json:"started_human"`
	Duration     int64                `json:"duration"`
	DeviceName   string               `json:"device_name"`
	Location     string               `json:"location"`
	Slots        []storage.SlotConfig `json:"slots"`
	Settings     session.Settings     `json:"settings"`
	Size         int64                `json:"size"`
	SizeHuman    string               `json:"size_human"`
}

// ExportInfo describes a finished export artifact
type ExportInfo struct {
	SessionID string        `json:"session_id"`
	Format    export.Format `json:"format"`
	Path      string        `json:"path"`
	Size      int64         `json:"size"`
	SizeHuman string        `json:"size_human"`
	Report    export.Report `json:"report"`
}

// SigCaptureService is the main service implementation
type SigCaptureService struct {
	cfg        *config.Config
	configFile string

	mu       sync.Mutex
	catalog  *session.Catalog
	live     map[string]*session.Session
	pipeline *export.Pipeline

	notificationsMutex sync.RWMutex
	notifications      []session.Notification

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

var _ Service = (*SigCaptureService)(nil)

// New creates a new SigCapture service instance
func New(cfg *config.Config, configFile string) Service {
	s := &SigCaptureService{
		cfg:        cfg,
		configFile: configFile,
		live:       make(map[string]*session.Session),
	}
	s.applyConfig(cfg)
	return s
}

func (s *SigCaptureService) applyConfig(cfg *config.Config) {
	s.cfg = cfg
	s.catalog = session.NewCatalog(cfg.Storage.SessionsDirectory, session.Options{
		Notifier:       s,
		BufferCapacity: cfg.Display.BufferCapacity,
	})
	s.pipeline = export.NewPipeline(cfg.Storage.ExportsDirectory, cfg.Export.BlockSize)
}

// Notify records a session notification. It runs with the session locked and
// must not call back into it.
func (s *SigCaptureService) Notify(n session.Notification) {
	s.notificationsMutex.Lock()
	s.notifications = append(s.notifications, n)
	if over := len(s.notifications) - MaxNotifications; over > 0 {
		s.notifications = append([]session.Notification(nil), s.notifications[over:]...)
	}
	s.notificationsMutex.Unlock()

	if n.Severity == session.SeverityError {
		s.setLastError(n.Message)
	} else {
		slog.Warn("Session notification", "session_id", n.SessionID, "severity", n.Severity, "message", n.Message)
	}
}

// Notifications returns the recent notification history, oldest first
func (s *SigCaptureService) Notifications() []session.Notification {
	s.notificationsMutex.RLock()
	defer s.notificationsMutex.RUnlock()
	return append([]session.Notification(nil), s.notifications...)
}

// session returns the live session for id, loading it from the catalog once.
func (s *SigCaptureService) session(id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.live[id]; ok {
		return sess, nil
	}
	sess, err := s.catalog.Load(id)
	if err != nil {
		return nil, err
	}
	s.live[id] = sess
	return sess, nil
}

func (s *SigCaptureService) info(sess *session.Session) *SessionInfo {
	info := sessionInfo(sess.Metadata(), sess.State(), s.catalog.StoreSize(sess.ID()))
	return &info
}

func sessionInfo(meta session.Metadata, state session.State, size int64) SessionInfo {
	return SessionInfo{
		ID:           meta.ID,
		State:        state,
		StartDate:    meta.StartDate,
		StartedHuman: humanize.Time(meta.StartDate),
		Duration:     meta.Duration,
		DeviceName:   meta.Device.Name,
		Location:     meta.Device.Location,
		Slots:        meta.Slots,
		Settings:     meta.Settings,
		Size:         size,
		SizeHuman:    humanize.Bytes(uint64(size)),
	}
}

// ListSessions returns every session in the sessions directory, newest first
func (s *SigCaptureService) ListSessions() ([]SessionInfo, error) {
	s.mu.Lock()
	catalog := s.catalog
	s.mu.Unlock()

	metas, err := catalog.List()
	if err != nil {
		return nil, err
	}

	infos := make([]SessionInfo, 0, len(metas))
	for _, meta := range metas {
		state := session.StateClosed
		s.mu.Lock()
		if sess, ok := s.live[meta.ID]; ok {
			state = sess.State()
			meta = sess.Metadata()
		}
		s.mu.Unlock()

		infos = append(infos, sessionInfo(meta, state, catalog.StoreSize(meta.ID)))
	}
	return infos, nil
}

// CreateSession registers a new session for the profile's device
func (s *SigCaptureService) CreateSession() (*SessionInfo, error) {
	s.mu.Lock()
	sess, err := s.catalog.Create(s.cfg.SessionDevice(), s.cfg.SessionSettings())
	if err == nil {
		s.live[sess.ID()] = sess
	}
	s.mu.Unlock()

	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to create session: %v", err))
		return nil, err
	}
	return s.info(sess), nil
}

// GetSession returns the status of one session
func (s *SigCaptureService) GetSession(id string) (*SessionInfo, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	return s.info(sess), nil
}

// OpenSession attaches the session store
func (s *SigCaptureService) OpenSession(ctx context.Context, id string) (*SessionInfo, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	if err := sess.Open(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to open session: %v", err))
		return nil, err
	}
	return s.info(sess), nil
}

// StartRecording opens the session if needed and starts recording (OPEN -> RECORDING)
func (s *SigCaptureService) StartRecording(ctx context.Context, id string) error {
	slog.Debug("Service.StartRecording called", "session_id", id)
	s.clearLastError()

	sess, err := s.session(id)
	if err != nil {
		return err
	}
	if err := sess.Open(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to open session: %v", err))
		return err
	}
	if err := sess.StartRecording(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return err
	}
	return s.save(sess)
}

// StopRecording stops recording and persists the final duration
func (s *SigCaptureService) StopRecording(ctx context.Context, id string, closeAfter bool) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	stopErr := sess.StopRecording(ctx, closeAfter)
	if errors.Is(stopErr, session.ErrInvalidState) {
		return stopErr
	}
	if err := errors.Join(stopErr, s.save(sess)); err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return err
	}
	return nil
}

// CloseSession releases the session store
func (s *SigCaptureService) CloseSession(ctx context.Context, id string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	if err := errors.Join(sess.Close(ctx), s.save(sess)); err != nil {
		s.setLastError(fmt.Sprintf("Failed to close session: %v", err))
		return err
	}
	return nil
}

// DeleteSession removes the session store and its metadata
func (s *SigCaptureService) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	catalog := s.catalog
	s.mu.Unlock()

	err = catalog.Delete(ctx, sess)
	if errors.Is(err, session.ErrRecording) {
		return err
	}

	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()

	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to delete session: %v", err))
		return err
	}
	return nil
}

func (s *SigCaptureService) save(sess *session.Session) error {
	s.mu.Lock()
	catalog := s.catalog
	s.mu.Unlock()

	if sess.State() == session.StateDeleted {
		return nil
	}
	if err := catalog.Save(sess); err != nil {
		return fmt.Errorf("failed to save session metadata: %w", err)
	}
	return nil
}

// AddSamples routes a signal/mask batch into a session
func (s *SigCaptureService) AddSamples(ctx context.Context, id string, slot int, signals, mask []storage.Row) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	return sess.AddSamples(ctx, slot, signals, mask)
}

// AddMetrics routes a metric batch into a session
func (s *SigCaptureService) AddMetrics(ctx context.Context, id string, slot int, metrics []storage.Row) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	return sess.AddMetrics(ctx, slot, metrics)
}

func (s *SigCaptureService) Subscribe(id string, fn session.SubscriberFunc) (string, error) {
	sess, err := s.session(id)
	if err != nil {
		return "", err
	}
	return sess.Subscribe(fn), nil
}

func (s *SigCaptureService) Unsubscribe(id, subscriptionID string) {
	if sess, err := s.session(id); err == nil {
		sess.Unsubscribe(subscriptionID)
	}
}

// AddEvent stores a marker at the current time
func (s *SigCaptureService) AddEvent(ctx context.Context, id, name string) (events.Marker, error) {
	sess, err := s.session(id)
	if err != nil {
		return events.Marker{}, err
	}
	return sess.AddEvent(ctx, name)
}

// ListEvents returns the session's event log, opening the session if needed
func (s *SigCaptureService) ListEvents(ctx context.Context, id string) ([]events.Marker, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	if err := sess.Open(ctx); err != nil {
		return nil, err
	}
	return sess.Events(), nil
}

// CommitEvents replaces the event log with markers
func (s *SigCaptureService) CommitEvents(ctx context.Context, id string, markers []events.Marker) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	return sess.CommitEvents(ctx, events.FromMarkers(markers))
}

func (s *SigCaptureService) RenameEvent(ctx context.Context, id string, ts int64, name string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	return sess.RenameEvent(ctx, ts, name)
}

func (s *SigCaptureService) MoveEvent(ctx context.Context, id string, oldTS, newTS int64) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	return sess.MoveEvent(ctx, oldTS, newTS)
}

func (s *SigCaptureService) RemoveEvent(ctx context.Context, id string, ts int64) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	return sess.RemoveEvent(ctx, ts)
}

// ReadRange returns stored rows with start <= ts <= stop
func (s *SigCaptureService) ReadRange(ctx context.Context, id string, kind storage.Kind, slot int, start, stop int64) ([]storage.Row, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	return sess.Range(ctx, kind, slot, start, stop)
}

// ReadBuffered returns the live display rows of a slot
func (s *SigCaptureService) ReadBuffered(id string, slot int, kind storage.Kind) ([]storage.Row, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	return sess.Buffered(slot, kind)
}

// CountRows returns the number of stored rows in one slot table
func (s *SigCaptureService) CountRows(ctx context.Context, id string, kind storage.Kind, slot int) (int, error) {
	sess, err := s.session(id)
	if err != nil {
		return 0, err
	}
	return sess.Count(ctx, kind, slot)
}

// Export writes the session artifact into the exports directory
func (s *SigCaptureService) Export(ctx context.Context, id string, format export.Format) (*ExportInfo, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()

	path, report, err := pipeline.Export(ctx, sess, format)
	if err != nil {
		s.setLastError(fmt.Sprintf("Export of %s failed: %v", id, err))
		return nil, err
	}

	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}
	return &ExportInfo{
		SessionID: id,
		Format:    format,
		Path:      path,
		Size:      size,
		SizeHuman: humanize.Bytes(uint64(size)),
		Report:    report,
	}, nil
}

// LoadProfile loads a new configuration profile. Idle sessions are closed
// first; a recording session blocks the switch.
func (s *SigCaptureService) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.live {
		if sess.State() == session.StateRecording {
			return ErrProfileBusy
		}
	}
	for id, sess := range s.live {
		if err := sess.Close(context.Background()); err != nil {
			slog.Warn("Failed to close session on profile switch", "session_id", id, "error", err)
		}
		if err := s.catalog.Save(sess); err != nil {
			slog.Warn("Failed to save session on profile switch", "session_id", id, "error", err)
		}
	}
	s.live = make(map[string]*session.Session)
	s.applyConfig(newCfg)

	slog.Info("Profile loaded", "profile", newCfg.Profile, "device", newCfg.Device.Name)
	return nil
}

// GetConfig returns the current configuration
func (s *SigCaptureService) GetConfig() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Shutdown stops any recording and closes every live session
func (s *SigCaptureService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	live := make([]*session.Session, 0, len(s.live))
	for _, sess := range s.live {
		live = append(live, sess)
	}
	s.mu.Unlock()

	var errs []error
	for _, sess := range live {
		if sess.State() == session.StateRecording {
			if err := sess.StopRecording(ctx, true); err != nil {
				errs = append(errs, err)
			}
		} else if err := sess.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := s.save(sess); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetLastError returns the last error message (thread-safe)
func (s *SigCaptureService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *SigCaptureService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *SigCaptureService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
