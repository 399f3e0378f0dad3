package approval

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fencepro/scheduling-core/internal/model"
)

var opened = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestApproval(level model.ApprovalLevel) *model.PricingApproval {
	in := EvaluationInput{QuoteID: "q-1", OriginalPrice: decimal.NewFromInt(4000), FinalPrice: decimal.NewFromInt(3400), DiscountPercentage: 15}
	f := Finding{RequiredLevel: level, Triggers: []model.Trigger{{RuleName: "Deep discount", Level: level}}}
	a := NewApproval("tenant-a", in, f, "rep-1", opened, DefaultTTL)
	a.ID = "ap-1"
	return a
}

func decision(level model.ApprovalLevel, d model.Decision) model.StepDecision {
	return model.StepDecision{Level: level, ApproverID: string(level) + "-1", Decision: d}
}

func TestNewApproval_Steps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level model.ApprovalLevel
		want  []model.ApprovalLevel
	}{
		{model.LevelManager, []model.ApprovalLevel{model.LevelManager}},
		{model.LevelDirector, []model.ApprovalLevel{model.LevelManager, model.LevelDirector}},
		{model.LevelOwner, []model.ApprovalLevel{model.LevelManager, model.LevelDirector, model.LevelOwner}},
	}
	for _, tt := range tests {
		a := newTestApproval(tt.level)
		var got []model.ApprovalLevel
		for i, st := range a.Steps {
			assert.Equal(t, i+1, st.Order)
			assert.Equal(t, model.StepPending, st.Status)
			got = append(got, st.Level)
		}
		assert.Equal(t, tt.want, got)
		assert.Equal(t, model.ApprovalPending, a.Status)
		assert.Equal(t, opened.Add(7*24*time.Hour), a.ExpiresAt)
	}
}

func TestApply_StrictStepOrder(t *testing.T) {
	t.Parallel()

	a := newTestApproval(model.LevelOwner)
	now := opened.Add(time.Hour)

	err := Apply(a, decision(model.LevelDirector, model.DecisionApprove), now)
	var stateErr *model.WorkflowStateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, "ap-1", stateErr.ApprovalID)
	assert.Equal(t, model.StepPending, a.Steps[1].Status, "out-of-order decision is not applied")
	assert.Equal(t, 0, a.CurrentStep)

	require.NoError(t, Apply(a, decision(model.LevelManager, model.DecisionApprove), now))
	assert.Equal(t, 1, a.CurrentStep)
	assert.Equal(t, model.LevelDirector, *Result(a).NextLevel)

	require.NoError(t, Apply(a, decision(model.LevelDirector, model.DecisionApprove), now))
	require.NoError(t, Apply(a, decision(model.LevelOwner, model.DecisionApprove), now))

	res := Result(a)
	assert.Equal(t, model.ApprovalApproved, res.Status)
	assert.Equal(t, FinalApproved, res.FinalDecision)
	assert.Nil(t, res.NextLevel)
	for _, st := range a.Steps {
		assert.Equal(t, model.StepApproved, st.Status)
		require.NotNil(t, st.DecidedAt)
	}
	assert.Equal(t, "owner-1", a.Steps[2].ApproverID)
}

func TestApply_RejectSkipsRemaining(t *testing.T) {
	t.Parallel()

	a := newTestApproval(model.LevelOwner)
	now := opened.Add(time.Hour)

	require.NoError(t, Apply(a, decision(model.LevelManager, model.DecisionApprove), now))
	d := decision(model.LevelDirector, model.DecisionReject)
	d.Comments = "margin too thin"
	require.NoError(t, Apply(a, d, now))

	assert.Equal(t, model.ApprovalRejected, a.Status)
	assert.Equal(t, FinalRejected, a.FinalDecision)
	assert.Equal(t, model.StepApproved, a.Steps[0].Status)
	assert.Equal(t, model.StepRejected, a.Steps[1].Status)
	assert.Equal(t, "margin too thin", a.Steps[1].Comments)
	assert.Equal(t, model.StepSkipped, a.Steps[2].Status)
}

func TestApply_TerminalApprovalRefusesDecisions(t *testing.T) {
	t.Parallel()

	a := newTestApproval(model.LevelManager)
	require.NoError(t, Apply(a, decision(model.LevelManager, model.DecisionReject), opened))

	err := Apply(a, decision(model.LevelManager, model.DecisionApprove), opened)
	var stateErr *model.WorkflowStateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, model.ApprovalRejected, stateErr.Status)
	assert.Equal(t, model.StepRejected, a.Steps[0].Status)
}

func TestApply_ExpiredApproval(t *testing.T) {
	t.Parallel()

	a := newTestApproval(model.LevelDirector)
	err := Apply(a, decision(model.LevelManager, model.DecisionApprove), opened.Add(DefaultTTL))

	var stateErr *model.WorkflowStateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, model.ApprovalExpired, a.Status)
	assert.Equal(t, FinalExpired, a.FinalDecision)
	assert.Equal(t, model.StepSkipped, a.Steps[0].Status)
	assert.Empty(t, a.Steps[0].ApproverID)
}

func TestApply_UnknownDecision(t *testing.T) {
	t.Parallel()

	a := newTestApproval(model.LevelManager)
	err := Apply(a, decision(model.LevelManager, "maybe"), opened)
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, model.StepPending, a.Steps[0].Status)
}

func TestExpire(t *testing.T) {
	t.Parallel()

	a := newTestApproval(model.LevelManager)
	assert.False(t, Expire(a, opened.Add(DefaultTTL-time.Second)))
	assert.True(t, Expire(a, opened.Add(DefaultTTL)))
	assert.False(t, Expire(a, opened.Add(2*DefaultTTL)), "already expired")
}
