package approval

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fencepro/scheduling-core/internal/model"
	"github.com/fencepro/scheduling-core/internal/store"
)

// DefaultTTL is how long an approval may stay pending.
const DefaultTTL = 7 * 24 * time.Hour

// competitorLookback bounds how old a competitor observation may be.
const competitorLookback = 365 * 24 * time.Hour

// Store is the persistence the gate needs.
type Store interface {
	OpenApproval(ctx context.Context, a *model.PricingApproval, alerts []model.PricingAlert) (*model.PricingApproval, bool, error)
	GetApproval(ctx context.Context, tenantID, id string) (*model.PricingApproval, error)
	ListApprovals(ctx context.Context, tenantID string, f store.ApprovalFilter) ([]model.PricingApproval, error)
	UpdateApproval(ctx context.Context, tenantID, id string, fn func(a *model.PricingApproval) error) (*model.PricingApproval, error)
	ExpireApprovals(ctx context.Context, tenantID string, now time.Time) (int, error)
	InsertAlerts(ctx context.Context, alerts []model.PricingAlert) error
	SimilarQuotePrices(ctx context.Context, tenantID string, q store.SimilarQuery) ([]float64, error)
	CompetitorPrices(ctx context.Context, tenantID, propertyType string, since time.Time) ([]float64, error)
}

// Evaluation is the gate's verdict on a quote.
type Evaluation struct {
	AutoApproved  bool                 `json:"auto_approved"`
	ApprovalID    string               `json:"approval_id,omitempty"`
	Status        model.ApprovalStatus `json:"status,omitempty"`
	Reused        bool                 `json:"reused,omitempty"`
	RequiredLevel model.ApprovalLevel  `json:"required_level,omitempty"`
	Triggers      []model.Trigger      `json:"triggers,omitempty"`
	Alerts        []model.PricingAlert `json:"alerts,omitempty"`
}

// Gate evaluates quotes against approval rules and runs the resulting
// workflows.
type Gate struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewGate creates a Gate. A non-positive ttl uses DefaultTTL.
func NewGate(st Store, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{store: st, ttl: ttl, now: time.Now}
}

// WithNow sets a fixed clock for testing.
func (g *Gate) WithNow(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Evaluate runs the tenant's rules against a finalized quote. When any rule
// fires it opens an approval, or returns the quote's pending or approved one
// unchanged; a quote whose pricing was rejected is refused. Otherwise the
// quote is auto-approved. Alerts are stored with the approval they belong to.
func (g *Gate) Evaluate(ctx context.Context, tenantID string, in EvaluationInput, requestedBy string) (*Evaluation, error) {
	if in.QuoteID == "" {
		return nil, model.NewValidationError("quote_id", "is required")
	}
	if in.FinalPrice.IsNegative() {
		return nil, model.NewValidationError("final_price", "must not be negative")
	}

	ref, err := g.references(ctx, tenantID, in)
	if err != nil {
		return nil, err
	}
	f := EvaluateRules(in, ref)
	now := g.now().UTC()
	for i := range f.Alerts {
		f.Alerts[i].TenantID = tenantID
		f.Alerts[i].CreatedAt = now
	}

	out := &Evaluation{AutoApproved: !f.Fired(), Triggers: f.Triggers}
	if !f.Fired() {
		if err := g.store.InsertAlerts(ctx, f.Alerts); err != nil {
			return nil, eris.Wrapf(err, "approval: store alerts for quote %s", in.QuoteID)
		}
		out.Alerts = f.Alerts
		return out, nil
	}

	a, created, err := g.store.OpenApproval(ctx, NewApproval(tenantID, in, f, requestedBy, now, g.ttl), f.Alerts)
	if err != nil {
		return nil, eris.Wrapf(err, "approval: open for quote %s", in.QuoteID)
	}
	out.ApprovalID = a.ID
	out.Status = a.Status
	out.RequiredLevel = a.RequiredLevel
	out.Reused = !created
	if !created {
		zap.L().Info("pricing approval reused",
			zap.String("tenant_id", tenantID),
			zap.String("quote_id", in.QuoteID),
			zap.String("approval_id", a.ID),
			zap.String("status", string(a.Status)),
		)
		return out, nil
	}

	out.Alerts = f.Alerts
	zap.L().Info("pricing approval opened",
		zap.String("tenant_id", tenantID),
		zap.String("quote_id", in.QuoteID),
		zap.String("approval_id", a.ID),
		zap.String("required_level", string(a.RequiredLevel)),
		zap.Int("triggers", len(f.Triggers)),
	)
	return out, nil
}

// references loads similar-quote and competitor prices concurrently.
func (g *Gate) references(ctx context.Context, tenantID string, in EvaluationInput) (References, error) {
	var ref References
	eg, gctx := errgroup.WithContext(ctx)
	if in.Perimeter > 0 && in.PropertyType != "" {
		eg.Go(func() error {
			lo, hi := SimilarPerimeterRange(in.Perimeter)
			prices, err := g.store.SimilarQuotePrices(gctx, tenantID, store.SimilarQuery{
				PropertyType: in.PropertyType,
				MinPerimeter: lo,
				MaxPerimeter: hi,
				ExcludeID:    in.QuoteID,
				Limit:        100,
			})
			ref.SimilarPrices = prices
			return eris.Wrap(err, "approval: similar quotes")
		})
	}
	if in.PropertyType != "" {
		eg.Go(func() error {
			prices, err := g.store.CompetitorPrices(gctx, tenantID, in.PropertyType, g.now().Add(-competitorLookback))
			ref.CompetitorPrices = prices
			return eris.Wrap(err, "approval: competitor prices")
		})
	}
	return ref, eg.Wait()
}

// Decide applies one approver's decision. The approval is read, checked and
// written in a single transaction holding its row lock, so concurrent
// decisions are serialized and only the current step can move. A decision
// arriving after the TTL expires the approval and is refused.
func (g *Gate) Decide(ctx context.Context, tenantID, approvalID string, d model.StepDecision) (*model.DecisionResult, error) {
	if err := model.Validate(d); err != nil {
		return nil, err
	}

	var expired *model.WorkflowStateError
	a, err := g.store.UpdateApproval(ctx, tenantID, approvalID, func(a *model.PricingApproval) error {
		expired = nil
		wasPending := a.Status == model.ApprovalPending
		err := Apply(a, d, g.now().UTC())
		var stateErr *model.WorkflowStateError
		if wasPending && a.Status == model.ApprovalExpired && errors.As(err, &stateErr) {
			// Commit the expiry, then refuse the decision.
			expired = stateErr
			return nil
		}
		return err
	})
	if err != nil {
		var stateErr *model.WorkflowStateError
		if errors.As(err, &stateErr) {
			zap.L().Info("approval decision refused",
				zap.String("tenant_id", tenantID),
				zap.String("approval_id", approvalID),
				zap.String("level", string(d.Level)),
				zap.String("reason", stateErr.Reason),
			)
		}
		return nil, err
	}
	if expired != nil {
		zap.L().Info("approval expired on decision",
			zap.String("tenant_id", tenantID),
			zap.String("approval_id", approvalID),
		)
		return nil, expired
	}

	res := Result(a)
	zap.L().Info("approval step decided",
		zap.String("tenant_id", tenantID),
		zap.String("approval_id", approvalID),
		zap.String("level", string(d.Level)),
		zap.String("decision", string(d.Decision)),
		zap.String("approver_id", d.ApproverID),
		zap.String("status", string(res.Status)),
	)
	return res, nil
}

// Get returns an approval with its steps.
func (g *Gate) Get(ctx context.Context, tenantID, approvalID string) (*model.PricingApproval, error) {
	return g.store.GetApproval(ctx, tenantID, approvalID)
}

// List returns the tenant's approvals, newest first.
func (g *Gate) List(ctx context.Context, tenantID string, f store.ApprovalFilter) ([]model.PricingApproval, error) {
	return g.store.ListApprovals(ctx, tenantID, f)
}

// ExpireStale expires every pending approval past its TTL. An empty
// tenantID sweeps all tenants.
func (g *Gate) ExpireStale(ctx context.Context, tenantID string, now time.Time) (int, error) {
	n, err := g.store.ExpireApprovals(ctx, tenantID, now.UTC())
	if err != nil {
		zap.L().Error("approval expiry sweep failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return 0, eris.Wrap(err, "approval: expire stale")
	}
	zap.L().Info("expired stale approvals", zap.String("tenant_id", tenantID), zap.Int("expired", n))
	return n, nil
}
