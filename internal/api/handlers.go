package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.eventsHandler: processing event request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.eventsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var ev models.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		slog.Warn("Server.eventsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if ev.Identity == "" {
		slog.Warn("Server.eventsHandler: missing identity")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: identity"))
		return
	}
	if ev.Kind == "" {
		ev.Kind = models.EventKindText
	}

	// Canonicalize the sender identity so webhook events line up with the
	// transport's own event stream.
	if s.validator != nil {
		canonical, err := s.validator.ValidateAndCanonicalizeRecipient(ev.Identity)
		if err != nil {
			slog.Warn("Server.eventsHandler: identity validation failed", "error", err, "identity", ev.Identity)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		ev.Identity = canonical
	}

	s.submitter.Submit(r.Context(), ev)
	slog.Info("Server.eventsHandler: event accepted", "identity", ev.Identity, "kind", ev.Kind)
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Event accepted", nil))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"sessions": s.sessions.Len()}))
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.sessionsHandler: processing sessions request", "method", r.Method)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.sessionsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.sessions.Snapshot()))
}
