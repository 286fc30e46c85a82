package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/audiolibrelab/sigcapture/internal/events"
	"github.com/audiolibrelab/sigcapture/internal/export"
	"github.com/audiolibrelab/sigcapture/internal/storage"
)

// SamplesRequest is the body of POST /api/sessions/{id}/samples
type SamplesRequest struct {
	Slot    int           `json:"slot"`
	Signals []storage.Row `json:"signals"`
	Mask    []storage.Row `json:"mask,omitempty"`
}

// MetricsRequest is the body of POST /api/sessions/{id}/metrics
type MetricsRequest struct {
	Slot    int           `json:"slot"`
	Metrics []storage.Row `json:"metrics"`
}

// EventRequest adds a marker (POST) or edits one (PATCH)
type EventRequest struct {
	Name *string `json:"name,omitempty"`
	TS   *int64  `json:"ts,omitempty"`
}

// CommitEventsRequest replaces the whole event log
type CommitEventsRequest struct {
	Events []events.Marker `json:"events"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.service.ListSessions()
	if err != nil {
		s.sendError(w, err, "operation", "list_sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.service.CreateSession()
	if err != nil {
		s.sendError(w, err, "operation", "create_session")
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.service.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		s.sendError(w, err, "operation", "get_session")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.service.OpenSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendError(w, err, "operation", "open_session")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.service.StartRecording(r.Context(), id); err != nil {
		s.sendError(w, err, "session_id", id, "operation", "start_recording")
		return
	}
	slog.Info("Recording started", "session_id", id)
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording started"})
}

// handleStopRecording stops recording; ?close=true also releases the store
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	closeAfter, _ := strconv.ParseBool(r.URL.Query().Get("close"))
	if err := s.service.StopRecording(r.Context(), id, closeAfter); err != nil {
		s.sendError(w, err, "session_id", id, "operation", "stop_recording")
		return
	}
	slog.Info("Recording stopped", "session_id", id, "closed", closeAfter)
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording stopped"})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.service.CloseSession(r.Context(), id); err != nil {
		s.sendError(w, err, "session_id", id, "operation", "close_session")
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Session closed"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.service.DeleteSession(r.Context(), id); err != nil {
		s.sendError(w, err, "session_id", id, "operation", "delete_session")
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Session deleted"})
}

func (s *Server) handleAddSamples(w http.ResponseWriter, r *http.Request) {
	var req SamplesRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.service.AddSamples(r.Context(), id, req.Slot, req.Signals, req.Mask); err != nil {
		s.sendError(w, err, "session_id", id, "slot", req.Slot)
		return
	}
	writeJSON(w, http.StatusAccepted, GenericResponse{Success: true})
}

func (s *Server) handleAddMetrics(w http.ResponseWriter, r *http.Request) {
	var req MetricsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.service.AddMetrics(r.Context(), id, req.Slot, req.Metrics); err != nil {
		s.sendError(w, err, "session_id", id, "slot", req.Slot)
		return
	}
	writeJSON(w, http.StatusAccepted, GenericResponse{Success: true})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	markers, err := s.service.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendError(w, err, "operation", "list_events")
		return
	}
	if markers == nil {
		markers = []events.Marker{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": markers})
}

// handleAddEvent stores a marker at the current time. The body is optional.
func (s *Server) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	name := ""
	if req.Name != nil {
		name = *req.Name
	}

	marker, err := s.service.AddEvent(r.Context(), chi.URLParam(r, "id"), name)
	if err != nil {
		s.sendError(w, err, "operation", "add_event")
		return
	}
	writeJSON(w, http.StatusCreated, marker)
}

func (s *Server) handleCommitEvents(w http.ResponseWriter, r *http.Request) {
	var req CommitEventsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := s.service.CommitEvents(r.Context(), chi.URLParam(r, "id"), req.Events); err != nil {
		s.sendError(w, err, "operation", "commit_events")
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Events saved"})
}

// handleUpdateEvent moves the marker when ts is given, then renames it when name is given
func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	ts, err := strconv.ParseInt(chi.URLParam(r, "ts"), 10, 64)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid event timestamp")
		return
	}
	var req EventRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	if req.TS != nil && *req.TS != ts {
		if err := s.service.MoveEvent(r.Context(), id, ts, *req.TS); err != nil {
			s.sendError(w, err, "operation", "move_event", "ts", ts)
			return
		}
		ts = *req.TS
	}
	if req.Name != nil {
		if err := s.service.RenameEvent(r.Context(), id, ts, *req.Name); err != nil {
			s.sendError(w, err, "operation", "rename_event", "ts", ts)
			return
		}
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Event updated"})
}

func (s *Server) handleRemoveEvent(w http.ResponseWriter, r *http.Request) {
	ts, err := strconv.ParseInt(chi.URLParam(r, "ts"), 10, 64)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid event timestamp")
		return
	}
	if err := s.service.RemoveEvent(r.Context(), chi.URLParam(r, "id"), ts); err != nil {
		s.sendError(w, err, "operation", "remove_event", "ts", ts)
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Event removed"})
}

// slotParams reads the {kind} and {slot} URL parameters
func slotParams(r *http.Request) (storage.Kind, int, error) {
	kind := storage.Kind(chi.URLParam(r, "kind"))
	if !slices.Contains(storage.Kinds, kind) {
		return "", 0, fmt.Errorf("unknown table kind '%s'", kind)
	}
	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil {
		return "", 0, fmt.Errorf("invalid slot '%s'", chi.URLParam(r, "slot"))
	}
	return kind, slot, nil
}

func queryInt64(r *http.Request, key string, fallback int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s'", key, v)
	}
	return n, nil
}

// handleReadRange returns stored rows with start <= ts <= stop
func (s *Server) handleReadRange(w http.ResponseWriter, r *http.Request) {
	kind, slot, err := slotParams(r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	start, err := queryInt64(r, "start", math.MinInt64)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	stop, err := queryInt64(r, "stop", math.MaxInt64)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := s.service.ReadRange(r.Context(), chi.URLParam(r, "id"), kind, slot, start, stop)
	if err != nil {
		s.sendError(w, err, "operation", "read_range")
		return
	}
	if rows == nil {
		rows = []storage.Row{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rows": rows})
}

// handleReadBuffered returns the rows currently in the live display window
func (s *Server) handleReadBuffered(w http.ResponseWriter, r *http.Request) {
	kind, slot, err := slotParams(r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.service.ReadBuffered(chi.URLParam(r, "id"), slot, kind)
	if err != nil {
		s.sendError(w, err, "operation", "read_buffered")
		return
	}
	if rows == nil {
		rows = []storage.Row{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rows": rows})
}

func (s *Server) exportFormat(r *http.Request) (export.Format, error) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = s.service.GetConfig().Export.Format
	}
	return export.ParseFormat(format)
}

// handleExport writes the export artifact and reports where it went
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := s.exportFormat(r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := s.service.Export(r.Context(), chi.URLParam(r, "id"), format)
	if err != nil {
		s.sendError(w, err, "operation", "export")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleExportDownload writes the export artifact and streams it back
func (s *Server) handleExportDownload(w http.ResponseWriter, r *http.Request) {
	format, err := s.exportFormat(r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := s.service.Export(r.Context(), chi.URLParam(r, "id"), format)
	if err != nil {
		s.sendError(w, err, "operation", "export_download")
		return
	}

	file, err := os.Open(info.Path)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, "Error opening export file", "path", info.Path)
		return
	}
	defer file.Close()

	contentType := "text/csv"
	if format == export.FormatSnapshot {
		contentType = "application/vnd.sqlite3"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filepath.Base(info.Path)))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))

	if _, err := io.Copy(w, file); err != nil {
		slog.Error("Error serving export download", "path", info.Path, "error", err)
	}
}
