package approval

import (
	"fmt"
	"time"

	"github.com/fencepro/scheduling-core/internal/model"
)

// Final decisions recorded on a terminal approval.
const (
	FinalApproved = "approved"
	FinalRejected = "rejected"
	FinalExpired  = "expired"
)

// NewApproval opens a pending approval whose steps run from manager up to
// f.RequiredLevel, one step per level.
func NewApproval(tenantID string, in EvaluationInput, f Finding, requestedBy string, now time.Time, ttl time.Duration) *model.PricingApproval {
	a := &model.PricingApproval{
		TenantID:           tenantID,
		QuoteID:            in.QuoteID,
		OriginalPrice:      in.OriginalPrice,
		RequestedPrice:     in.FinalPrice,
		DiscountPercentage: in.DiscountPercentage,
		Triggers:           f.Triggers,
		RequiredLevel:      f.RequiredLevel,
		Status:             model.ApprovalPending,
		RequestedBy:        requestedBy,
		ExpiresAt:          now.Add(ttl),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for i, level := range StepLevels(f.RequiredLevel) {
		a.Steps = append(a.Steps, model.ApprovalStep{
			Order:  i + 1,
			Level:  level,
			Status: model.StepPending,
		})
	}
	return a
}

// StepLevels returns the escalation chain ending at required.
func StepLevels(required model.ApprovalLevel) []model.ApprovalLevel {
	n := required.Rank()
	if n == 0 {
		n = 1
	}
	return append([]model.ApprovalLevel(nil), model.ApprovalLevels[:n]...)
}

// Apply records d against a. Only the current step accepts a decision. An
// approval past its expiry is expired in place and the decision is refused;
// callers must persist a in that case too.
func Apply(a *model.PricingApproval, d model.StepDecision, now time.Time) error {
	if d.Decision != model.DecisionApprove && d.Decision != model.DecisionReject {
		return model.NewValidationError("decision", fmt.Sprintf("unknown decision %q", d.Decision))
	}
	if a.Status.Terminal() {
		return stateError(a, fmt.Sprintf("approval is already %s", a.Status))
	}
	if Expire(a, now) {
		return stateError(a, "approval expired before the decision was made")
	}
	if a.CurrentStep < 0 || a.CurrentStep >= len(a.Steps) {
		return stateError(a, "approval has no actionable step")
	}

	step := &a.Steps[a.CurrentStep]
	if d.Level != step.Level {
		return stateError(a, fmt.Sprintf("decision for %s but the current step is %s", d.Level, step.Level))
	}

	decidedAt := now
	step.ApproverID = d.ApproverID
	step.Comments = d.Comments
	step.DecidedAt = &decidedAt

	switch d.Decision {
	case model.DecisionApprove:
		step.Status = model.StepApproved
		a.CurrentStep++
		if a.CurrentStep == len(a.Steps) {
			a.Status = model.ApprovalApproved
			a.FinalDecision = FinalApproved
		}
	case model.DecisionReject:
		step.Status = model.StepRejected
		skipRemaining(a, a.CurrentStep+1)
		a.Status = model.ApprovalRejected
		a.FinalDecision = FinalRejected
	}
	return nil
}

// Expire voids a pending approval whose TTL has passed. It reports whether a
// changed.
func Expire(a *model.PricingApproval, now time.Time) bool {
	if a.Status != model.ApprovalPending || now.Before(a.ExpiresAt) {
		return false
	}
	skipRemaining(a, a.CurrentStep)
	a.Status = model.ApprovalExpired
	a.FinalDecision = FinalExpired
	return true
}

// Result summarizes a's state for the caller of a decision.
func Result(a *model.PricingApproval) *model.DecisionResult {
	out := &model.DecisionResult{
		ApprovalID:    a.ID,
		Status:        a.Status,
		FinalDecision: a.FinalDecision,
	}
	if a.Status == model.ApprovalPending && a.CurrentStep < len(a.Steps) {
		next := a.Steps[a.CurrentStep].Level
		out.NextLevel = &next
	}
	return out
}

func skipRemaining(a *model.PricingApproval, from int) {
	for i := from; i < len(a.Steps); i++ {
		if a.Steps[i].Status == model.StepPending {
			a.Steps[i].Status = model.StepSkipped
		}
	}
}

func stateError(a *model.PricingApproval, reason string) *model.WorkflowStateError {
	return &model.WorkflowStateError{ApprovalID: a.ID, Status: a.Status, Reason: reason}
}
