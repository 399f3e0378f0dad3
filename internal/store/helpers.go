package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/fencepro/scheduling-core/internal/model"
)

func prepareQuote(q *model.QuoteRecord) {
	now := time.Now().UTC()
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.Status == "" {
		q.Status = model.QuoteStatusPending
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = q.CreatedAt
	}
}

func prepareCluster(c *model.JobCluster, first *model.ClusterJob) error {
	if c.MaxJobs < 1 {
		return model.NewValidationError("max_jobs", "must be at least 1")
	}
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = model.ClusterActive
	}
	c.ServiceDate = model.TruncateDay(c.ServiceDate)
	c.JobCount = 0
	c.Version = 1
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	if first != nil {
		c.JobCount = 1
		first.ClusterID = c.ID
		first.ScheduleOrder = 1
	}
	return nil
}

func prepareClusterJob(j *model.ClusterJob) {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.AddedAt.IsZero() {
		j.AddedAt = time.Now().UTC()
	}
}

func prepareApproval(a *model.PricingApproval) {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = model.ApprovalPending
	}
	if a.Version == 0 {
		a.Version = 1
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	for i := range a.Steps {
		if a.Steps[i].ID == "" {
			a.Steps[i].ID = uuid.New().String()
		}
		a.Steps[i].ApprovalID = a.ID
		if a.Steps[i].Status == "" {
			a.Steps[i].Status = model.StepPending
		}
	}
}

func prepareAlert(al *model.PricingAlert) {
	if al.ID == "" {
		al.ID = uuid.New().String()
	}
	if al.CreatedAt.IsZero() {
		al.CreatedAt = time.Now().UTC()
	}
}

// nullJSON maps an empty document to SQL NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func competitorRows(tenantID string, prices []model.CompetitorPrice) [][]any {
	rows := make([][]any, 0, len(prices))
	for _, p := range prices {
		observed := p.ObservedAt
		if observed.IsZero() {
			observed = time.Now().UTC()
		}
		rows = append(rows, []any{tenantID, p.Competitor, p.PropertyType, p.Price, observed})
	}
	return rows
}

func alertRows(alerts []model.PricingAlert) [][]any {
	rows := make([][]any, 0, len(alerts))
	for i := range alerts {
		al := &alerts[i]
		prepareAlert(al)
		rows = append(rows, []any{al.ID, al.TenantID, al.QuoteID, al.ApprovalID, string(al.Kind), al.RuleName,
			string(al.Severity), al.Message, al.Observed, al.Reference, al.CreatedAt})
	}
	return rows
}

func collectFloats(rows rowScanner, op string) ([]float64, error) {
	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, op)
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), op)
}

func decodeRoute(raw []byte) (*model.Route, error) {
	var r model.Route
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal cached route")
	}
	r.FromCache = true
	return &r, nil
}

// reuseAction is what OpenApproval does with a quote's latest approval.
type reuseAction int

const (
	openFresh reuseAction = iota
	reuseLatest
	expireLatest
)

// classifyLatest decides whether a quote's latest approval still stands. A
// pending approval past its deadline is expired before a new one opens.
func classifyLatest(latest *model.PricingApproval, now time.Time) (reuseAction, error) {
	switch latest.Status {
	case model.ApprovalPending:
		if !now.Before(latest.ExpiresAt) {
			return expireLatest, nil
		}
		return reuseLatest, nil
	case model.ApprovalApproved:
		return reuseLatest, nil
	case model.ApprovalRejected:
		return openFresh, &model.WorkflowStateError{
			ApprovalID: latest.ID,
			Status:     latest.Status,
			Reason:     "quote pricing was rejected",
		}
	default:
		return openFresh, nil
	}
}

// approvalAlerts ties alerts to the approval they were raised with.
func approvalAlerts(a *model.PricingApproval, alerts []model.PricingAlert) {
	for i := range alerts {
		alerts[i].TenantID = a.TenantID
		alerts[i].QuoteID = a.QuoteID
		alerts[i].ApprovalID = a.ID
	}
}

// linkRefusal explains why a quote could not be put on a cluster.
func linkRefusal(quoteID string, status model.QuoteStatus, clusterID string) error {
	if status != model.QuoteStatusPending {
		return eris.Wrapf(model.ErrQuoteClosed, "quote %s is %s", quoteID, status)
	}
	return model.NewValidationError("cluster_id", "quote is already scheduled on cluster "+clusterID)
}

func countDistinct(ids []string) int {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return len(seen)
}
