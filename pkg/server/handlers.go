package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quillhq/quill/pkg/controller"
	"github.com/quillhq/quill/pkg/mission"
	"github.com/quillhq/quill/pkg/qerrors"
	"github.com/quillhq/quill/pkg/usage"
)

type createRequest struct {
	UserRequest     string                 `json:"user_request"`
	UserID          string                 `json:"user_id"`
	ChatID          string                 `json:"chat_id"`
	UseWeb          bool                   `json:"use_web"`
	DocumentGroupID string                 `json:"document_group_id"`
	MissionSettings map[string]interface{} `json:"mission_settings"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	mc, err := s.missions.Create(r.Context(), controller.CreateRequest{
		UserRequest:     req.UserRequest,
		UserID:          req.UserID,
		ChatID:          req.ChatID,
		UseWeb:          req.UseWeb,
		DocumentGroupID: req.DocumentGroupID,
		MissionSettings: req.MissionSettings,
	})
	if err != nil {
		writeQError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"mission_id": mc.MissionID,
		"status":     mc.Status,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.missions.Start(r.Context(), missionID(r)); err != nil {
		writeQError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Mission execution started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.missions.Stop(r.Context(), missionID(r)); err != nil {
		writeQError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Mission execution stopped"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.missions.Resume(r.Context(), missionID(r)); err != nil {
		writeQError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(mission.StatusRunning)})
}

type resumeFromRoundRequest struct {
	Round int `json:"round"`
}

func (s *Server) handleResumeFromRound(w http.ResponseWriter, r *http.Request) {
	var req resumeFromRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.missions.ResumeFromRound(r.Context(), missionID(r), req.Round); err != nil {
		writeQError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(mission.StatusRunning)})
}

type reviseRequest struct {
	Round    int               `json:"round"`
	Feedback string            `json:"feedback"`
	Outline  []mission.Section `json:"outline,omitempty"`
}

func (s *Server) handleRevise(w http.ResponseWriter, r *http.Request) {
	var req reviseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.missions.ReviseOutlineAndResume(r.Context(), missionID(r), req.Round, req.Feedback, req.Outline); err != nil {
		writeQError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(mission.StatusRunning)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	mc, err := s.store.Snapshot(r.Context(), missionID(r))
	if err != nil {
		writeQError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mission_id":    mc.MissionID,
		"status":        mc.Status,
		"error_info":    mc.ErrorInfo,
		"current_phase": mc.CurrentPhase,
		"current_round": mc.CurrentRound,
		"created_at":    mc.CreatedAt,
		"updated_at":    mc.UpdatedAt,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := missionID(r)
	mc, err := s.store.Snapshot(r.Context(), id)
	if err != nil {
		writeQError(w, err)
		return
	}

	// The meter holds the live rollup; after a restart only the
	// persisted copy remains.
	totals := s.meter.Totals(id)
	if totalsZero(totals) {
		totals = mc.UsageTotals
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	mc, err := s.store.Snapshot(r.Context(), missionID(r))
	if err != nil {
		writeQError(w, err)
		return
	}
	if mc.Plan == nil {
		writeError(w, http.StatusNotFound, "mission has no plan yet")
		return
	}
	writeJSON(w, http.StatusOK, mc.Plan)
}

func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	notes, total, err := s.store.Notes(r.Context(), missionID(r), offset, limit)
	if err != nil {
		writeQError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notes":  notes,
		"total":  total,
		"offset": offset,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	logs, total, err := s.store.Logs(r.Context(), missionID(r), offset, limit)
	if err != nil {
		writeQError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":   logs,
		"total":  total,
		"offset": offset,
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	mc, err := s.store.Snapshot(r.Context(), missionID(r))
	if err != nil {
		writeQError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"report": mc.FinalReport})
}

type updateReportRequest struct {
	Report string `json:"report"`
}

// handleUpdateReport replaces the report text. User edits are not
// research activity, so the owning chat's ordering is left alone.
func (s *Server) handleUpdateReport(w http.ResponseWriter, r *http.Request) {
	var req updateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id := missionID(r)
	err := s.store.Update(r.Context(), id, func(mc *mission.Context) error {
		mc.FinalReport = req.Report
		return nil
	})
	if err != nil {
		writeQError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"report": req.Report})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	mc, err := s.store.Snapshot(r.Context(), missionID(r))
	if err != nil {
		writeQError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mc)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	mc, err := s.store.Snapshot(r.Context(), missionID(r))
	if err != nil {
		writeQError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"research_params": mc.Metadata["research_params"],
		"search_settings": mc.Metadata["search_settings"],
		"enabled_tools":   mc.Metadata["enabled_tools"],
		"use_web":         mc.UseWeb,
	})
}

func missionID(r *http.Request) string {
	return chi.URLParam(r, "missionID")
}

func pagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}
	return offset, limit
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func totalsZero(t usage.Totals) bool {
	return t == (usage.Totals{})
}

// writeQError maps error categories onto HTTP statuses.
func writeQError(w http.ResponseWriter, err error) {
	switch qerrors.CategoryOf(err) {
	case qerrors.CategoryValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	case qerrors.CategoryNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case qerrors.CategoryConfiguration:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
