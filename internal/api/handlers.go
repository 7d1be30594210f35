package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/eliteGoblin/echidnad/internal/domain"
	"github.com/eliteGoblin/echidnad/internal/infra"
)

// Request and response bodies shared with Client.
type (
	InstallRequest struct {
		Path string `json:"path"`
	}

	AcceptedResponse struct {
		Accepted bool `json:"accepted"`
	}

	EnabledBody struct {
		Enabled bool `json:"enabled"`
	}

	SaveResponse struct {
		Result string `json:"result"`
	}

	ProfilesResponse struct {
		Profiles []string `json:"profiles"`
	}

	HistoryResponse struct {
		Entries []domain.JournalEntry `json:"entries"`
	}

	ErrorResponse struct {
		Error string `json:"error"`
	}
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeAccepted(w http.ResponseWriter, accepted bool) {
	status := http.StatusAccepted
	if !accepted {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, AcceptedResponse{Accepted: accepted})
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeAccepted(w, s.control.InstallModule(req.Path))
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	writeAccepted(w, s.control.UninstallModule())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	writeAccepted(w, s.control.RefreshStatus())
}

func (s *Server) handleModuleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.ModuleStatus())
}

func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.Whitelist())
}

func (s *Server) handleUpdateWhitelist(w http.ResponseWriter, r *http.Request) {
	var body EnabledBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.control.UpdateWhitelist(mux.Vars(r)["process"], body.Enabled)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ProfilesResponse{Profiles: s.control.ListProfiles()})
}

// handlePushProfile always answers 202 with the classification; a rejected
// profile is a no-op, not a request failure.
func (s *Server) handlePushProfile(w http.ResponseWriter, r *http.Request) {
	// Read one byte past the frame limit so oversize bodies classify as too large.
	body, err := io.ReadAll(io.LimitReader(r.Body, infra.MaxFramePayload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	result := s.control.PushProfile(mux.Vars(r)["id"], string(body))
	writeJSON(w, http.StatusAccepted, SaveResponse{Result: result.String()})
}

func (s *Server) handleResolveProfile(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.control.ResolveProfile(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	writeRawJSON(w, http.StatusOK, []byte(profile))
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	s.control.DeleteProfile(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTelemetrySnapshot(w http.ResponseWriter, r *http.Request) {
	writeRawJSON(w, http.StatusOK, s.control.TelemetrySnapshot())
}

func (s *Server) handleGetOptIn(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, EnabledBody{Enabled: s.control.IsTelemetryOptedIn()})
}

func (s *Server) handleSetOptIn(w http.ResponseWriter, r *http.Request) {
	var body EnabledBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.control.SetTelemetryOptIn(body.Enabled)
	writeJSON(w, http.StatusOK, EnabledBody{Enabled: s.control.IsTelemetryOptedIn()})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	trends, _ := strconv.ParseBool(r.URL.Query().Get("trends"))
	writeRawJSON(w, http.StatusOK, s.control.ExportTelemetry(trends))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.control.History(limit)
	if err != nil {
		s.logger.Debug("history unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Entries: entries})
}
