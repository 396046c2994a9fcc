package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/pomodoro-bridge/internal/fault"
	"github.com/mattjoyce/pomodoro-bridge/internal/journal"
	"github.com/mattjoyce/pomodoro-bridge/internal/shell"
)

const maxJournalLimit = 500

// handleHealthz handles GET /healthz (no auth). It answers 503 unless the
// backend is ready.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthzFrom(s.bridge.Status())
	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

func healthzFrom(st shell.Status) HealthzResponse {
	status := "ok"
	if st.State != "ready" {
		status = "unavailable"
	}
	return HealthzResponse{
		Status:        status,
		State:         st.State,
		SessionID:     st.SessionID,
		Pending:       st.Pending,
		Restarts:      st.Restarts,
		UptimeSeconds: st.UptimeS,
	}
}

// handleStatus handles GET /v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.bridge.Status()
	failed := make(map[string]uint64, len(st.Stats.Failed))
	for kind, n := range st.Stats.Failed {
		failed[string(kind)] = n
	}
	respondJSON(w, http.StatusOK, StatusResponse{
		HealthzResponse: healthzFrom(st),
		PID:             st.PID,
		Submitted:       st.Stats.Submitted,
		Succeeded:       st.Stats.Succeeded,
		Failed:          failed,
	})
}

// handleCommand handles POST /v1/commands/{name}. It submits the command and
// holds the request open until the command resolves. A client that goes away
// cancels the command.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "command name is required")
		return
	}

	var req CommandRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	args := make([]any, 0, len(req.Args))
	for _, a := range req.Args {
		args = append(args, a)
	}

	f := s.bridge.Submit(name, args...)
	select {
	case <-f.Done():
	case <-r.Context().Done():
		f.Cancel()
		s.logger.Debug("client went away, command cancelled", "command", name, "token", f.Token())
		return
	}

	resp, _ := f.Result()
	if resp.Err != nil {
		respondJSON(w, statusFor(resp.Err.Kind), CommandErrorResponse{
			Token:   resp.Token,
			Command: name,
			Error:   CommandError{Kind: string(resp.Err.Kind), Code: resp.Err.Code, Message: resp.Err.Message},
		})
		return
	}
	respondJSON(w, http.StatusOK, CommandResponse{Token: resp.Token, Command: name, Result: resp.Value})
}

// statusFor maps a failure kind onto an HTTP status.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindBackendUnavailable, fault.KindBackendLaunchFailed:
		return http.StatusServiceUnavailable
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindCancelled:
		return http.StatusConflict
	case fault.KindTransportDisconnected, fault.KindProtocolError, fault.KindBackendError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleJournal handles GET /v1/journal?limit=N.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal is disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxJournalLimit)
	}

	entries, err := s.journal.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	respondJSON(w, http.StatusOK, JournalResponse{Entries: entries, Count: len(entries)})
}

// handleJournalSummary handles GET /v1/journal/summary.
func (s *Server) handleJournalSummary(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal is disabled")
		return
	}
	sum, err := s.journal.Summary(r.Context())
	if err != nil {
		s.logger.Error("failed to summarize journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

var _ Bridge = (*shell.Shell)(nil)

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
