package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ahrav/scan-armada/internal/app/scans"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

type integrationResponse struct {
	Service string `json:"service"`
	URL     string `json:"url"`
	Verbose bool   `json:"verbose"`
}

type auditResponse struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Description  string                `json:"description"`
	Owner        string                `json:"owner"`
	CreatedAt    time.Time             `json:"created_at"`
	Integrations []integrationResponse `json:"integrations"`
}

type createAuditRequest struct {
	Name        string `json:"name" validate:"required,max=128"`
	Description string `json:"description" validate:"max=1024"`
	Owner       string `json:"owner" validate:"max=128"`
}

type integrationRequest struct {
	URL     string `json:"url" validate:"required,max=2048"`
	Verbose bool   `json:"verbose"`
}

func newAuditResponse(a *scanning.Audit, integrations []scanning.Integration) auditResponse {
	resp := auditResponse{
		ID:           a.ID.String(),
		Name:         a.Name,
		Description:  a.Description,
		Owner:        a.Owner,
		CreatedAt:    a.CreatedAt,
		Integrations: make([]integrationResponse, 0, len(integrations)),
	}
	for _, in := range integrations {
		resp.Integrations = append(resp.Integrations, integrationResponse{Service: in.Service, URL: in.URL, Verbose: in.Verbose})
	}
	return resp
}

func (s *Server) handleCreateAudit(w http.ResponseWriter, r *http.Request) {
	var req createAuditRequest
	if !s.decode(w, r, &req) {
		return
	}
	owner := req.Owner
	if owner == "" {
		owner = actor(r)
	}

	audit, err := s.deps.Scans.CreateAudit(r.Context(), scans.CreateAuditRequest{
		Name:        req.Name,
		Description: req.Description,
		Owner:       owner,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusCreated, newAuditResponse(audit, nil))
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	auditID, ok := s.pathID(w, r, "auditID")
	if !ok {
		return
	}
	view, err := s.deps.Scans.GetAudit(r.Context(), auditID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, newAuditResponse(view.Audit, view.Integrations))
}

func (s *Server) handleUpsertIntegration(w http.ResponseWriter, r *http.Request) {
	auditID, ok := s.pathID(w, r, "auditID")
	if !ok {
		return
	}
	var req integrationRequest
	if !s.decode(w, r, &req) {
		return
	}

	in, err := s.deps.Scans.UpsertIntegration(r.Context(), scanning.Integration{
		AuditID: auditID,
		Service: chi.URLParam(r, "service"),
		URL:     req.URL,
		Verbose: req.Verbose,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, integrationResponse{Service: in.Service, URL: in.URL, Verbose: in.Verbose})
}

func (s *Server) handleDeleteIntegration(w http.ResponseWriter, r *http.Request) {
	auditID, ok := s.pathID(w, r, "auditID")
	if !ok {
		return
	}
	if err := s.deps.Scans.DeleteIntegration(r.Context(), auditID, chi.URLParam(r, "service")); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	scanID, ok := s.pathID(w, r, "scanID")
	if !ok {
		return
	}
	scan, err := s.deps.Scans.GetScan(r.Context(), scanID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, newScanResponse(scan))
}

func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	scanID, ok := s.pathID(w, r, "scanID")
	if !ok {
		return
	}
	if err := s.deps.Scans.DeleteScan(r.Context(), scanID, actor(r)); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
