package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/audiolibrelab/sigcapture/internal/config"
	"github.com/audiolibrelab/sigcapture/internal/service"
	"github.com/audiolibrelab/sigcapture/internal/session"
	"github.com/audiolibrelab/sigcapture/internal/storage"
)

// Server represents the HTTP control surface for SigCapture
type Server struct {
	service    service.Service
	configFile string
	port       string

	profileMu     sync.RWMutex
	activeProfile string
}

// StatusResponse represents the JSON response for the status endpoint
type StatusResponse struct {
	Status        string                `json:"status"`
	Message       string                `json:"message,omitempty"`
	ActiveProfile string                `json:"active_profile"`
	Device        string                `json:"device"`
	Recording     []string              `json:"recording"`
	Sessions      []service.SessionInfo `json:"sessions"`
}

// GenericResponse is the body of simple action endpoints
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// New creates a new web server instance
func New(configFile string, port string) (*Server, error) {
	// Load configuration with active profile from config file
	cfg, err := config.LoadWithProfile(configFile, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return NewWithService(service.New(cfg, configFile), configFile, port), nil
}

// NewWithService creates a server over an existing service
func NewWithService(svc service.Service, configFile string, port string) *Server {
	return &Server{
		service:       svc,
		configFile:    configFile,
		port:          port,
		activeProfile: svc.GetConfig().Profile,
	}
}

// Service returns the service behind the server
func (s *Server) Service() service.Service {
	return s.service
}

// Router builds the chi router with every route and middleware
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger)
	r.Use(Recovery)

	r.Get("/status", s.handleStatus)
	r.Get("/notifications", s.handleNotifications)

	r.Route("/config", func(r chi.Router) {
		r.Get("/profiles", s.handleProfiles)
		r.Get("/active", s.handleActiveProfile)
		r.Post("/select", s.handleSelectProfile)
	})

	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleCreateSession)

		r.Route("/{id}", func(r chi.Router) {
			r.Use(sessionID)

			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Post("/open", s.handleOpenSession)
			r.Post("/start", s.handleStartRecording)
			r.Post("/stop", s.handleStopRecording)
			r.Post("/close", s.handleCloseSession)

			r.Post("/samples", s.handleAddSamples)
			r.Post("/metrics", s.handleAddMetrics)

			r.Get("/events", s.handleListEvents)
			r.Post("/events", s.handleAddEvent)
			r.Put("/events", s.handleCommitEvents)
			r.Patch("/events/{ts}", s.handleUpdateEvent)
			r.Delete("/events/{ts}", s.handleRemoveEvent)

			r.Get("/rows/{kind}/{slot}", s.handleReadRange)
			r.Get("/buffer/{kind}/{slot}", s.handleReadBuffered)

			r.Post("/export", s.handleExport)
			r.Get("/export/download", s.handleExportDownload)
		})
	})

	return r
}

// Start starts the web server
func (s *Server) Start() error {
	localIP := getLocalIP()

	slog.Info("Starting SigCapture Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	return http.ListenAndServe(":"+s.port, s.Router())
}

// handleStatus returns the active profile and the state of every session
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.service.ListSessions()
	if err != nil {
		s.sendError(w, err, "operation", "status")
		return
	}

	recording := []string{}
	for _, info := range sessions {
		if info.State == session.StateRecording {
			recording = append(recording, info.ID)
		}
	}

	status := "READY"
	if len(recording) > 0 {
		status = "RECORDING"
	}

	s.profileMu.RLock()
	profile := s.activeProfile
	s.profileMu.RUnlock()

	writeJSON(w, http.StatusOK, StatusResponse{
		Status:        status,
		Message:       s.service.GetLastError(),
		ActiveProfile: profile,
		Device:        s.service.GetConfig().Device.Name,
		Recording:     recording,
		Sessions:      sessions,
	})
}

// handleNotifications returns the recent notification history
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	notifications := s.service.Notifications()
	if notifications == nil {
		notifications = []session.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
		"last_error":    s.service.GetLastError(),
	})
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, active, err := config.ProfileNames(s.configFile)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to read profiles: %v", err), "operation", "profiles")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles":      profiles,
		"active_config": active,
	})
}

// handleActiveProfile returns the currently active profile
func (s *Server) handleActiveProfile(w http.ResponseWriter, r *http.Request) {
	s.profileMu.RLock()
	defer s.profileMu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_profile": s.activeProfile,
		"success":        true,
	})
}

// handleSelectProfile switches the service to another profile and persists the choice
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	profile := r.FormValue("profile")
	slog.Debug("Profile selection request", "profile", profile)
	if profile == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Profile is required")
		return
	}

	if err := s.service.LoadProfile(profile); err != nil {
		s.sendError(w, err, "profile", profile, "operation", "profile_selection")
		return
	}

	if err := config.UpdateActiveConfig(s.configFile, profile); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to save profile selection to config file: %v", err),
			"profile", profile)
		return
	}

	s.profileMu.Lock()
	s.activeProfile = profile
	s.profileMu.Unlock()

	slog.Info("Profile changed", "profile", profile)
	writeJSON(w, http.StatusOK, GenericResponse{
		Success: true,
		Message: fmt.Sprintf("Profile changed to %s", profile),
	})
}

// statusForError maps service and store errors onto HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrUnknownSlot),
		errors.Is(err, storage.ErrInvalidRow):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidState),
		errors.Is(err, session.ErrNotOpen),
		errors.Is(err, session.ErrRecording),
		errors.Is(err, session.ErrDeleted),
		errors.Is(err, storage.ErrDuplicateKey),
		errors.Is(err, service.ErrProfileBusy):
		return http.StatusConflict
	case errors.Is(err, storage.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendError sends err with the status code matching its kind
func (s *Server) sendError(w http.ResponseWriter, err error, logContext ...interface{}) {
	s.sendErrorResponse(w, statusForError(err), err.Error(), logContext...)
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	if statusCode >= http.StatusInternalServerError {
		slog.Error("Sending error response to client", logFields...)
	} else {
		slog.Debug("Sending error response to client", logFields...)
	}

	writeJSON(w, statusCode, GenericResponse{Success: false, Error: errorMsg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// validSessionID rejects ids that could escape the sessions directory
func validSessionID(id string) bool {
	return id != "" && !strings.Contains(id, "..") && !strings.ContainsAny(id, `/\`)
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
