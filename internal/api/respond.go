package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ahrav/scan-armada/internal/app/validation"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error(r.Context(), "failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.respond(w, r, status, errorResponse{Error: msg})
}

// respondServiceError maps use-case errors onto status codes. Rejections
// carry their message to the caller; anything unexpected is logged and
// hidden.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case validation.IsValidationError(err),
		errors.Is(err, scanning.ErrDetectorNotLoadable),
		errors.Is(err, scanning.ErrUnsupportedMode),
		errors.Is(err, scanning.ErrMaxScansExceeded),
		errors.Is(err, scanning.ErrScanAlreadyScheduled),
		errors.Is(err, scanning.ErrScanNotScheduled),
		errors.Is(err, scanning.ErrIntegrationUnsupported),
		errors.Is(err, scanning.ErrIntegrationAddress):
		s.respondError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, scanning.ErrScanNotFound),
		errors.Is(err, scanning.ErrAuditNotFound),
		errors.Is(err, scanning.ErrIntegrationNotFound):
		s.respondError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, scanning.ErrTargetBusy):
		s.respondError(w, r, http.StatusConflict, err.Error())
	default:
		s.logger.Error(r.Context(), "Request failed", "path", r.URL.Path, "error", err)
		s.respondError(w, r, http.StatusInternalServerError, "internal error")
	}
}
