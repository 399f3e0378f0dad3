// Package cluster groups nearby jobs into per-day technician routes, finds
// routes a new job can join, and orders the stops on a route.
package cluster

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fencepro/scheduling-core/internal/config"
	"github.com/fencepro/scheduling-core/internal/geo"
	"github.com/fencepro/scheduling-core/internal/model"
	"github.com/fencepro/scheduling-core/internal/ratebook"
	"github.com/fencepro/scheduling-core/internal/store"
)

// Store is the persistence the scheduler needs.
type Store interface {
	ListOpenClusters(ctx context.Context, tenantID string, q store.ClusterQuery) ([]model.JobCluster, error)
	ListUnscheduledQuotes(ctx context.Context, tenantID string, window model.DateRange) ([]model.QuoteRecord, error)
	CreateCluster(ctx context.Context, c *model.JobCluster, first *model.ClusterJob) error
	GetCluster(ctx context.Context, tenantID, id string) (*model.JobCluster, error)
	ClusterJobs(ctx context.Context, tenantID, clusterID string) ([]model.ClusterJob, error)
	AddJobToCluster(ctx context.Context, tenantID, clusterID string, job *model.ClusterJob) (*model.JobCluster, error)
	RemoveJobFromCluster(ctx context.Context, tenantID, clusterID, jobID string) (*model.JobCluster, error)
	ArchiveClusters(ctx context.Context, tenantID string, before time.Time) (int, error)
	GetCachedRoute(ctx context.Context, tenantID, clusterID string, version int) (*model.Route, error)
	PutCachedRoute(ctx context.Context, tenantID string, route *model.Route) error
	SetScheduleOrder(ctx context.Context, tenantID, clusterID string, version int, jobIDs []string) (bool, error)
}

// RatebookSource supplies a tenant's ratebook. *ratebook.Cache satisfies it.
type RatebookSource interface {
	Get(ctx context.Context, tenantID string) (*ratebook.Ratebook, error)
}

// Scheduler finds, creates and maintains job clusters.
type Scheduler struct {
	store     Store
	ratebooks RatebookSource
	cfg       config.SchedulingConfig
	now       func() time.Time
}

// NewScheduler creates a Scheduler. ratebooks may be nil, in which case
// routes start at the cluster center instead of the nearest service center.
func NewScheduler(st Store, ratebooks RatebookSource, cfg config.SchedulingConfig) *Scheduler {
	if cfg.MaxJobsPerDay < 1 {
		cfg.MaxJobsPerDay = 6
	}
	if cfg.DefaultRadiusMiles <= 0 {
		cfg.DefaultRadiusMiles = 15
	}
	if cfg.DefaultJobMinutes <= 0 {
		cfg.DefaultJobMinutes = 240
	}
	if cfg.SearchWindowDays <= 0 {
		cfg.SearchWindowDays = 14
	}
	return &Scheduler{
		store:     st,
		ratebooks: ratebooks,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (s *Scheduler) WithNow(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Config returns the effective scheduling configuration.
func (s *Scheduler) Config() config.SchedulingConfig { return s.cfg }

// Candidate is an open cluster a job can join.
type Candidate struct {
	Cluster       model.JobCluster `json:"cluster"`
	DistanceMiles float64          `json:"distance_miles"`
}

// Proposal is a new cluster seeded by a job and the unscheduled quotes
// around it.
type Proposal struct {
	ServiceDate    time.Time `json:"service_date"`
	Center         geo.Point `json:"center"`
	NearbyQuoteIDs []string  `json:"nearby_quote_ids"`
	TotalJobs      int       `json:"total_jobs"`
	// DistanceMiles is the mean distance from the job to its neighbors.
	DistanceMiles float64 `json:"distance_miles"`
}

// SearchWindow returns the service dates a request may be scheduled on. An
// explicit range wins, then a preferred date, then the next SearchWindowDays
// days starting tomorrow.
func (s *Scheduler) SearchWindow(req model.QuoteRequest) model.DateRange {
	if req.DateRange != nil {
		return model.DateRange{Start: model.TruncateDay(req.DateRange.Start), End: model.TruncateDay(req.DateRange.End)}
	}
	if req.PreferredDate != nil {
		day := model.TruncateDay(*req.PreferredDate)
		return model.DateRange{Start: day, End: day}
	}
	start := model.TruncateDay(s.now()).AddDate(0, 0, 1)
	return model.DateRange{Start: start, End: start.AddDate(0, 0, s.cfg.SearchWindowDays-1)}
}

// Radius returns the requested search radius or the configured default.
func (s *Scheduler) Radius(requested float64) float64 {
	if requested > 0 {
		return requested
	}
	return s.cfg.DefaultRadiusMiles
}

// FindJoinableClusters returns the active clusters in window that have an
// open slot and whose center lies within radius miles of point, nearest
// first. Equal distances keep the earlier service date.
func (s *Scheduler) FindJoinableClusters(ctx context.Context, tenantID string, point geo.Point, window model.DateRange, radius float64) ([]Candidate, error) {
	if !point.Valid() {
		return nil, model.NewValidationError("location", "coordinates out of range")
	}
	radius = s.Radius(radius)
	clusters, err := s.store.ListOpenClusters(ctx, tenantID, store.ClusterQuery{
		From:        window.Start,
		To:          window.End,
		Center:      &point,
		RadiusMiles: radius,
	})
	if err != nil {
		return nil, eris.Wrap(err, "cluster: list open clusters")
	}

	var out []Candidate
	for _, c := range clusters {
		if c.Status != model.ClusterActive || c.OpenSlots() == 0 || !window.Contains(c.ServiceDate) {
			continue
		}
		d := geo.HaversineMiles(point, geo.Point{Lat: c.CenterLat, Lon: c.CenterLon})
		if d > radius {
			continue
		}
		out = append(out, Candidate{Cluster: c, DistanceMiles: d})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceMiles < out[j].DistanceMiles })
	return out, nil
}

// ProposeNewCluster looks for unscheduled quotes within radius of point that
// could share a new route with it. It returns nil when there are none.
// excludeQuoteID keeps the quote being priced out of its own neighborhood.
func (s *Scheduler) ProposeNewCluster(ctx context.Context, tenantID string, point geo.Point, window model.DateRange, radius float64, excludeQuoteID string) (*Proposal, error) {
	if !point.Valid() {
		return nil, model.NewValidationError("location", "coordinates out of range")
	}
	radius = s.Radius(radius)
	quotes, err := s.store.ListUnscheduledQuotes(ctx, tenantID, window)
	if err != nil {
		return nil, eris.Wrap(err, "cluster: list unscheduled quotes")
	}

	type neighbor struct {
		id     string
		point  geo.Point
		miles  float64
		window model.DateRange
		dated  bool
	}
	var nearby []neighbor
	for _, q := range quotes {
		if q.ID == excludeQuoteID || q.Lat == nil || q.Lon == nil {
			continue
		}
		p := geo.Point{Lat: *q.Lat, Lon: *q.Lon}
		d := geo.HaversineMiles(point, p)
		if d > radius {
			continue
		}
		w, dated := q.Window()
		nearby = append(nearby, neighbor{id: q.ID, point: p, miles: d, window: w, dated: dated})
	}
	if len(nearby) == 0 {
		return nil, nil
	}
	sort.SliceStable(nearby, func(i, j int) bool { return nearby[i].miles < nearby[j].miles })
	// The job itself takes one slot.
	if len(nearby) > s.cfg.MaxJobsPerDay-1 {
		nearby = nearby[:s.cfg.MaxJobsPerDay-1]
	}
	if len(nearby) == 0 {
		return nil, nil
	}

	points := []geo.Point{point}
	ids := make([]string, 0, len(nearby))
	var total float64
	serviceDate := window.Start
	found := false
	for _, n := range nearby {
		points = append(points, n.point)
		ids = append(ids, n.id)
		total += n.miles
		if found || !n.dated {
			continue
		}
		if o, ok := window.Overlap(n.window); ok {
			serviceDate, found = model.TruncateDay(o.Start), true
		}
	}

	return &Proposal{
		ServiceDate:    serviceDate,
		Center:         geo.Centroid(points),
		NearbyQuoteIDs: ids,
		TotalJobs:      len(nearby) + 1,
		DistanceMiles:  total / float64(len(nearby)),
	}, nil
}

// NewJob builds a cluster job for a quote at p.
func (s *Scheduler) NewJob(quoteID string, p geo.Point, durationMinutes int) *model.ClusterJob {
	if durationMinutes <= 0 {
		durationMinutes = s.cfg.DefaultJobMinutes
	}
	return &model.ClusterJob{
		QuoteID:         quoteID,
		Lat:             p.Lat,
		Lon:             p.Lon,
		DurationMinutes: durationMinutes,
	}
}

// CreateCluster opens a new route on serviceDate centered at center, seeded
// with first when it is non-nil.
func (s *Scheduler) CreateCluster(ctx context.Context, tenantID string, serviceDate time.Time, center geo.Point, first *model.ClusterJob, technicianID string) (*model.JobCluster, error) {
	if !center.Valid() {
		return nil, model.NewValidationError("center", "coordinates out of range")
	}
	c := &model.JobCluster{
		TenantID:     tenantID,
		ServiceDate:  serviceDate,
		TechnicianID: technicianID,
		CenterLat:    center.Lat,
		CenterLon:    center.Lon,
		RadiusMiles:  s.cfg.DefaultRadiusMiles,
		MaxJobs:      s.cfg.MaxJobsPerDay,
	}
	if first != nil {
		if first.DurationMinutes <= 0 {
			first.DurationMinutes = s.cfg.DefaultJobMinutes
		}
		first.DistanceFromCenter = geo.HaversineMiles(center, geo.Point{Lat: first.Lat, Lon: first.Lon})
	}
	if err := s.store.CreateCluster(ctx, c, first); err != nil {
		return nil, eris.Wrap(err, "cluster: create")
	}
	zap.L().Info("cluster created",
		zap.String("tenant_id", tenantID),
		zap.String("cluster_id", c.ID),
		zap.Time("service_date", c.ServiceDate),
		zap.Int("job_count", c.JobCount),
	)
	return c, nil
}

// Join adds job to the cluster. When the last slot was taken concurrently the
// loser gets *model.CapacityConflictError and nothing is written.
func (s *Scheduler) Join(ctx context.Context, tenantID, clusterID string, job *model.ClusterJob) (*model.JobCluster, error) {
	p := geo.Point{Lat: job.Lat, Lon: job.Lon}
	if !p.Valid() {
		return nil, model.NewValidationError("location", "coordinates out of range")
	}
	c, err := s.store.GetCluster(ctx, tenantID, clusterID)
	if err != nil {
		return nil, eris.Wrapf(err, "cluster: get %s", clusterID)
	}
	if job.DurationMinutes <= 0 {
		job.DurationMinutes = s.cfg.DefaultJobMinutes
	}
	job.DistanceFromCenter = geo.HaversineMiles(geo.Point{Lat: c.CenterLat, Lon: c.CenterLon}, p)

	updated, err := s.store.AddJobToCluster(ctx, tenantID, clusterID, job)
	if err != nil {
		var conflict *model.CapacityConflictError
		if errors.As(err, &conflict) {
			zap.L().Info("cluster join lost capacity race",
				zap.String("tenant_id", tenantID),
				zap.String("cluster_id", clusterID),
				zap.Int("max_jobs", conflict.MaxJobs),
			)
		}
		return nil, err
	}
	zap.L().Info("job joined cluster",
		zap.String("tenant_id", tenantID),
		zap.String("cluster_id", clusterID),
		zap.String("quote_id", job.QuoteID),
		zap.Int("job_count", updated.JobCount),
		zap.Float64("distance_from_center", job.DistanceFromCenter),
	)
	return updated, nil
}

// Leave removes a job from the cluster and frees its slot.
func (s *Scheduler) Leave(ctx context.Context, tenantID, clusterID, jobID string) (*model.JobCluster, error) {
	updated, err := s.store.RemoveJobFromCluster(ctx, tenantID, clusterID, jobID)
	if err != nil {
		return nil, err
	}
	zap.L().Info("job left cluster",
		zap.String("tenant_id", tenantID),
		zap.String("cluster_id", clusterID),
		zap.String("job_id", jobID),
		zap.Int("job_count", updated.JobCount),
	)
	return updated, nil
}

// ArchivePast archives every cluster whose service date is before today. An
// empty tenantID sweeps all tenants.
func (s *Scheduler) ArchivePast(ctx context.Context, tenantID string, today time.Time) (int, error) {
	n, err := s.store.ArchiveClusters(ctx, tenantID, model.TruncateDay(today))
	if err != nil {
		return 0, eris.Wrap(err, "cluster: archive past")
	}
	zap.L().Info("archived past clusters",
		zap.String("tenant_id", tenantID),
		zap.Int("archived", n),
	)
	return n, nil
}
