package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fencepro/scheduling-core/internal/model"
)

// errorBody is the JSON error envelope every failed request returns.
type errorBody struct {
	Error     string             `json:"error"`
	Message   string             `json:"message"`
	Status    int                `json:"status"`
	RequestID string             `json:"request_id,omitempty"`
	Fields    []model.FieldError `json:"fields,omitempty"`
	Details   map[string]any     `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{
		Error:     code,
		Message:   msg,
		Status:    status,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// writeDomainError maps a service error onto its HTTP status and code.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{RequestID: middleware.GetReqID(r.Context())}

	var (
		verr     *model.ValidationError
		capErr   *model.CapacityConflictError
		stateErr *model.WorkflowStateError
	)
	switch {
	case errors.As(err, &verr):
		body.Status, body.Error, body.Message = http.StatusUnprocessableEntity, "validation_failed", "request failed validation"
		body.Fields = verr.Fields
	case errors.As(err, &capErr):
		body.Status, body.Error, body.Message = http.StatusConflict, "cluster_full", capErr.Error()
		body.Details = map[string]any{"cluster_id": capErr.ClusterID, "max_jobs": capErr.MaxJobs}
	case errors.As(err, &stateErr):
		body.Status, body.Error, body.Message = http.StatusConflict, "workflow_conflict", stateErr.Reason
		body.Details = map[string]any{"approval_id": stateErr.ApprovalID, "status": stateErr.Status}
	case eris.Is(err, model.ErrQuoteClosed):
		body.Status, body.Error, body.Message = http.StatusConflict, "quote_closed", "quote is no longer open"
	case eris.Is(err, model.ErrClusterClosed):
		body.Status, body.Error, body.Message = http.StatusConflict, "cluster_closed", "cluster is not accepting jobs"
	case eris.Is(err, model.ErrNotFound):
		body.Status, body.Error, body.Message = http.StatusNotFound, "not_found", "resource not found"
	default:
		zap.L().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", body.RequestID),
			zap.Error(err),
		)
		body.Status, body.Error, body.Message = http.StatusInternalServerError, "internal", "internal server error"
	}
	writeJSON(w, body.Status, body)
}
