// Package store persists ratebooks, quotes, job clusters, approvals and
// alerts. Every method is tenant scoped; sweep methods accept an empty tenant
// to cover all tenants.
package store

import (
	"context"
	"time"

	"github.com/fencepro/scheduling-core/internal/geo"
	"github.com/fencepro/scheduling-core/internal/model"
)

// ClusterQuery selects clusters that can still take a job.
type ClusterQuery struct {
	From time.Time
	To   time.Time
	// Center and RadiusMiles enable a coarse spatial prefilter where the
	// backend supports one. Callers still check exact distance.
	Center      *geo.Point
	RadiusMiles float64
}

// ClusterFilter specifies criteria for listing clusters.
type ClusterFilter struct {
	Status model.ClusterStatus `json:"status,omitempty"`
	From   *time.Time          `json:"from,omitempty"`
	To     *time.Time          `json:"to,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
}

// ApprovalFilter specifies criteria for listing approvals.
type ApprovalFilter struct {
	Status  model.ApprovalStatus `json:"status,omitempty"`
	QuoteID string               `json:"quote_id,omitempty"`
	Limit   int                  `json:"limit,omitempty"`
}

// AlertFilter specifies criteria for listing alerts.
type AlertFilter struct {
	QuoteID string          `json:"quote_id,omitempty"`
	Kind    model.AlertKind `json:"kind,omitempty"`
	Limit   int             `json:"limit,omitempty"`
}

// SimilarQuery selects past quotes comparable to a new one.
type SimilarQuery struct {
	PropertyType string
	MinPerimeter float64
	MaxPerimeter float64
	ExcludeID    string
	Limit        int
}

// Store defines the persistence interface for the scheduling core.
type Store interface {
	// Ratebook
	LoadRatebook(ctx context.Context, tenantID string) (*model.RatebookData, error)
	ReplaceRatebook(ctx context.Context, tenantID string, data model.RatebookData) error

	// Quotes
	CreateQuote(ctx context.Context, q *model.QuoteRecord) error
	GetQuote(ctx context.Context, tenantID, id string) (*model.QuoteRecord, error)
	UpdateQuoteStatus(ctx context.Context, tenantID, id string, status model.QuoteStatus, customerID string) error
	ExpireQuotes(ctx context.Context, tenantID string, createdBefore time.Time) (int, error)
	SimilarQuotePrices(ctx context.Context, tenantID string, q SimilarQuery) ([]float64, error)
	ListUnscheduledQuotes(ctx context.Context, tenantID string, window model.DateRange) ([]model.QuoteRecord, error)
	ListUnlocatedQuotes(ctx context.Context, tenantID string, limit int) ([]model.QuoteRecord, error)
	SetQuoteLocation(ctx context.Context, tenantID, id string, lat, lon float64) error

	// Competitor pricing
	InsertCompetitorPrices(ctx context.Context, tenantID string, prices []model.CompetitorPrice) (int64, error)
	CompetitorPrices(ctx context.Context, tenantID, propertyType string, since time.Time) ([]float64, error)

	// Clusters
	CreateCluster(ctx context.Context, c *model.JobCluster, first *model.ClusterJob) error
	GetCluster(ctx context.Context, tenantID, id string) (*model.JobCluster, error)
	ListOpenClusters(ctx context.Context, tenantID string, q ClusterQuery) ([]model.JobCluster, error)
	ListClusters(ctx context.Context, tenantID string, f ClusterFilter) ([]model.JobCluster, error)
	ClusterJobs(ctx context.Context, tenantID, clusterID string) ([]model.ClusterJob, error)
	AddJobToCluster(ctx context.Context, tenantID, clusterID string, job *model.ClusterJob) (*model.JobCluster, error)
	RemoveJobFromCluster(ctx context.Context, tenantID, clusterID, jobID string) (*model.JobCluster, error)
	ArchiveClusters(ctx context.Context, tenantID string, before time.Time) (int, error)
	// SetScheduleOrder records a route's visiting order when the cluster is
	// still at version. It reports false for a stale version.
	SetScheduleOrder(ctx context.Context, tenantID, clusterID string, version int, jobIDs []string) (bool, error)

	// Route cache
	GetCachedRoute(ctx context.Context, tenantID, clusterID string, version int) (*model.Route, error)
	PutCachedRoute(ctx context.Context, tenantID string, route *model.Route) error

	// Approvals
	// OpenApproval stores a with its steps and alerts in one transaction,
	// unless the quote already has a pending or approved approval, which is
	// returned instead with created false. A rejected quote is refused.
	OpenApproval(ctx context.Context, a *model.PricingApproval, alerts []model.PricingAlert) (*model.PricingApproval, bool, error)
	GetApproval(ctx context.Context, tenantID, id string) (*model.PricingApproval, error)
	ListApprovals(ctx context.Context, tenantID string, f ApprovalFilter) ([]model.PricingApproval, error)
	UpdateApproval(ctx context.Context, tenantID, id string, fn func(a *model.PricingApproval) error) (*model.PricingApproval, error)
	ExpireApprovals(ctx context.Context, tenantID string, now time.Time) (int, error)

	// Alerts
	InsertAlerts(ctx context.Context, alerts []model.PricingAlert) error
	ListAlerts(ctx context.Context, tenantID string, f AlertFilter) ([]model.PricingAlert, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 || n > 1000 {
		return defaultListLimit
	}
	return n
}

// Column lists shared by both backends.
const (
	quoteColumns      = `id, tenant_id, status, property_type, perimeter_feet, zone_name, street, city, state, postal_code, lat, lon, preferred_date, date_start, date_end, flexible_scheduling, job_minutes, original_price, final_price, discount_amount, discount_percentage, breakdown, selected_option, cluster_id, customer_id, requested_by, created_at, updated_at`
	clusterColumns    = `id, tenant_id, service_date, technician_id, center_lat, center_lon, radius_miles, job_count, max_jobs, status, version, created_at, updated_at`
	clusterJobColumns = `id, cluster_id, quote_id, lat, lon, distance_from_center, schedule_order, duration_minutes, added_at`
	approvalColumns   = `id, tenant_id, quote_id, original_price, requested_price, discount_percentage, triggers, required_level, status, current_step, requested_by, final_decision, version, expires_at, created_at, updated_at`
	stepColumns       = `id, approval_id, step_order, level, status, approver_id, comments, decided_at`
	alertColumns      = `id, tenant_id, quote_id, approval_id, kind, rule_name, severity, message, observed, reference, created_at`
)

var alertColumnNames = []string{"id", "tenant_id", "quote_id", "approval_id", "kind", "rule_name", "severity", "message", "observed", "reference", "created_at"}

var competitorColumnNames = []string{"tenant_id", "competitor", "property_type", "price", "observed_at"}
