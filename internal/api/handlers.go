package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ahrav/scan-armada/internal/app/scans"
	"github.com/ahrav/scan-armada/internal/app/tasks"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

type statusResponse struct {
	Status string `json:"status"`
}

type detectorResponse struct {
	Module      string   `json:"module"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	TargetType  string   `json:"target_type"`
	Modes       []string `json:"supported_modes"`
	Stage       string   `json:"release_stage"`
}

type scanResponse struct {
	ID          string     `json:"id"`
	AuditID     string     `json:"audit_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Target      string     `json:"target"`
	Module      string     `json:"detection_module"`
	Mode        string     `json:"detection_mode"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	MaxDuration int        `json:"max_duration"`
	RRule       string     `json:"rrule"`
	TaskID      string     `json:"task_id,omitempty"`
	StartedAt   *time.Time `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at"`
	ErrorReason string     `json:"error_reason"`
}

type taskResponse struct {
	ID       string `json:"id"`
	ScanID   string `json:"scan_id"`
	Target   string `json:"target"`
	Progress string `json:"progress"`
}

type resultResponse struct {
	Host        string `json:"host"`
	Port        string `json:"port"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

type createScanRequest struct {
	Name        string `json:"name" validate:"required,max=128"`
	Description string `json:"description" validate:"max=1024"`
	Target      string `json:"target" validate:"required,max=512"`
	Module      string `json:"detection_module" validate:"required"`
	Mode        string `json:"detection_mode" validate:"required,oneof=Safe Unsafe"`
}

type scheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
	MaxDuration int       `json:"max_duration"`
	Recurring   bool      `json:"rrule"`
}

type promoteRequest struct {
	MaxDuration int `json:"max_duration"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func newScanResponse(sc *scanning.Scan) scanResponse {
	resp := scanResponse{
		ID:          sc.ID.String(),
		AuditID:     sc.AuditID.String(),
		Name:        sc.Name,
		Description: sc.Description,
		Target:      sc.Target,
		Module:      sc.Module,
		Mode:        string(sc.Mode),
		ScheduledAt: optionalTime(sc.ScheduledAt),
		MaxDuration: sc.MaxDuration,
		RRule:       sc.RRule,
		StartedAt:   optionalTime(sc.StartedAt),
		EndedAt:     optionalTime(sc.EndedAt),
		ErrorReason: sc.ErrorReason,
	}
	if sc.HasTask() {
		resp.TaskID = sc.TaskID.String()
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn(r.Context(), "Readiness check failed", "error", err)
			s.respond(w, r, http.StatusServiceUnavailable, statusResponse{Status: "not ready"})
			return
		}
	}
	s.respond(w, r, http.StatusOK, statusResponse{Status: "ready"})
}

func (s *Server) handleListDetectors(w http.ResponseWriter, r *http.Request) {
	metas := s.deps.Detectors.List()
	resp := make([]detectorResponse, 0, len(metas))
	for _, m := range metas {
		modes := make([]string, 0, len(m.SupportedModes))
		for _, mode := range m.SupportedModes {
			modes = append(modes, string(mode))
		}
		resp = append(resp, detectorResponse{
			Module:      m.Module,
			Name:        m.Name,
			Version:     m.Version,
			Description: m.Description,
			TargetType:  string(m.TargetType),
			Modes:       modes,
			Stage:       string(m.Stage),
		})
	}
	s.respond(w, r, http.StatusOK, resp)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	stage := chi.URLParam(r, "stage")
	t := s.deps.Triggers.Trigger(stage)
	if t == nil {
		s.respondError(w, r, http.StatusNotFound, fmt.Sprintf("unknown stage %q", stage))
		return
	}

	if err := t.TryRun(r.Context()); err != nil {
		if errors.Is(err, tasks.ErrPollInProgress) {
			s.respondError(w, r, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error(r.Context(), "Triggered pass failed", "stage", stage, "error", err)
		s.respondError(w, r, http.StatusInternalServerError, "pass failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	auditID, ok := s.pathID(w, r, "auditID")
	if !ok {
		return
	}
	var req createScanRequest
	if !s.decode(w, r, &req) {
		return
	}

	scan, err := s.deps.Scans.CreateScan(r.Context(), scans.CreateScanRequest{
		AuditID:     auditID,
		Name:        req.Name,
		Description: req.Description,
		Target:      req.Target,
		Module:      req.Module,
		Mode:        scanning.Mode(req.Mode),
		Actor:       actor(r),
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusCreated, newScanResponse(scan))
}

func (s *Server) handleScheduleScan(w http.ResponseWriter, r *http.Request) {
	scanID, ok := s.pathID(w, r, "scanID")
	if !ok {
		return
	}
	var req scheduleRequest
	if !s.decode(w, r, &req) {
		return
	}

	scan, err := s.deps.Scans.ScheduleScan(r.Context(), scans.ScheduleRequest{
		ScanID:      scanID,
		ScheduledAt: req.ScheduledAt,
		MaxDuration: req.MaxDuration,
		Recurring:   req.Recurring,
		Actor:       actor(r),
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, newScanResponse(scan))
}

func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	scanID, ok := s.pathID(w, r, "scanID")
	if !ok {
		return
	}
	scan, err := s.deps.Scans.CancelSchedule(r.Context(), scanID, actor(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, newScanResponse(scan))
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	scanID, ok := s.pathID(w, r, "scanID")
	if !ok {
		return
	}
	var req promoteRequest
	if !s.decode(w, r, &req) {
		return
	}

	task, err := s.deps.Scans.PromoteNow(r.Context(), scanID, req.MaxDuration, actor(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusAccepted, taskResponse{
		ID:       task.ID.String(),
		ScanID:   task.ScanID.String(),
		Target:   task.Target,
		Progress: string(task.Progress),
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	scanID, ok := s.pathID(w, r, "scanID")
	if !ok {
		return
	}
	results, err := s.deps.Scans.Results(r.Context(), scanID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	resp := make([]resultResponse, 0, len(results))
	for _, res := range results {
		resp = append(resp, resultResponse{
			Host:        res.Host,
			Port:        res.Port,
			Name:        res.Name,
			Description: res.Description,
			Severity:    string(res.Severity),
		})
	}
	s.respond(w, r, http.StatusOK, resp)
}

func actor(r *http.Request) string {
	if a := r.Header.Get(ActorHeader); a != "" {
		return a
	}
	return defaultActor
}

// pathID parses a uuid path parameter, accepting both the hyphenated and the
// bare 32 hex digit forms.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid %s", param))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}
