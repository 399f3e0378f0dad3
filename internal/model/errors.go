package model

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Sentinel errors shared by the store and the services.
var (
	// ErrNotFound is returned when a tenant-scoped record does not exist.
	ErrNotFound = eris.New("not found")
	// ErrQuoteClosed is returned when a quote has already left the pending state.
	ErrQuoteClosed = eris.New("quote is no longer pending")
	// ErrClusterClosed is returned when a job is added to or removed from a
	// cluster that is not active.
	ErrClusterClosed = eris.New("cluster is not active")
)

// FieldError is one failed field constraint.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects a malformed request before any work is done.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: msg}}}
}

// CapacityConflictError means a cluster had no open slot at commit time.
// Callers should retry with a different scheduling option.
type CapacityConflictError struct {
	ClusterID string
	MaxJobs   int
}

func (e *CapacityConflictError) Error() string {
	return fmt.Sprintf("cluster %s is full (max %d jobs)", e.ClusterID, e.MaxJobs)
}

// WorkflowStateError means a decision did not match the approval's current state.
type WorkflowStateError struct {
	ApprovalID string
	Status     ApprovalStatus
	Reason     string
}

func (e *WorkflowStateError) Error() string {
	return fmt.Sprintf("approval %s (%s): %s", e.ApprovalID, e.Status, e.Reason)
}
