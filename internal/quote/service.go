// Package quote prices installation requests, attaches the best scheduling
// option and its discount, and drives the quote lifecycle.
package quote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fencepro/scheduling-core/internal/approval"
	"github.com/fencepro/scheduling-core/internal/cluster"
	"github.com/fencepro/scheduling-core/internal/config"
	"github.com/fencepro/scheduling-core/internal/discount"
	"github.com/fencepro/scheduling-core/internal/geo"
	"github.com/fencepro/scheduling-core/internal/model"
	"github.com/fencepro/scheduling-core/internal/pricing"
	"github.com/fencepro/scheduling-core/internal/ratebook"
	"github.com/fencepro/scheduling-core/internal/store"
	"github.com/fencepro/scheduling-core/pkg/geocode"
)

// Geocoder turns postal addresses into coordinates. geocode.Client
// satisfies it.
type Geocoder interface {
	Geocode(ctx context.Context, addr geocode.AddressInput) (*geocode.Result, error)
	BatchGeocode(ctx context.Context, addrs []geocode.AddressInput) ([]geocode.Result, error)
}

// Result is a priced, persisted quote with its scheduling options.
type Result struct {
	ID        string                   `json:"id"`
	Status    model.QuoteStatus        `json:"status"`
	Quote     *model.PricedQuote       `json:"quote"`
	Location  *geo.Point               `json:"location,omitempty"`
	Options   []model.SchedulingOption `json:"options"`
	Selected  *model.SchedulingOption  `json:"selected_option,omitempty"`
	ExpiresAt time.Time                `json:"expires_at"`
}

// ScheduleRequest commits a quote to a route. A zero value uses the option
// selected when the quote was priced.
type ScheduleRequest struct {
	Kind         model.OptionKind `json:"kind,omitempty" validate:"omitempty,oneof=join_cluster new_cluster flexible"`
	ClusterID    string           `json:"cluster_id,omitempty"`
	ServiceDate  *time.Time       `json:"service_date,omitempty"`
	TechnicianID string           `json:"technician_id,omitempty"`
}

// Service is the entry point for quote operations.
type Service struct {
	store     store.Store
	ratebooks *ratebook.Cache
	scheduler *cluster.Scheduler
	gate      *approval.Gate
	geocoder  Geocoder
	cfg       *config.Config
	now       func() time.Time
}

// NewService wires a Service. geocoder may be nil, in which case only
// requests carrying coordinates get distance pricing and cluster options.
func NewService(st store.Store, ratebooks *ratebook.Cache, scheduler *cluster.Scheduler, gate *approval.Gate, geocoder Geocoder, cfg *config.Config) *Service {
	return &Service{
		store:     st,
		ratebooks: ratebooks,
		scheduler: scheduler,
		gate:      gate,
		geocoder:  geocoder,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// PriceQuote prices req, ranks the ways it can be scheduled, applies the
// single best option's discount and stores the quote as pending.
func (s *Service) PriceQuote(ctx context.Context, tenantID string, req model.QuoteRequest) (*Result, error) {
	if err := model.Validate(req); err != nil {
		return nil, err
	}
	if req.DateRange != nil && req.DateRange.End.Before(req.DateRange.Start) {
		return nil, model.NewValidationError("date_range", "end is before start")
	}

	var (
		rb       *ratebook.Ratebook
		location *geo.Point
		geoWarn  string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rb, err = s.ratebooks.Get(gctx, tenantID)
		return eris.Wrap(err, "quote: load ratebook")
	})
	g.Go(func() error {
		location, geoWarn = s.locate(gctx, tenantID, req)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	priced, err := pricing.New(rb).Price(req, location)
	if err != nil {
		return nil, err
	}
	if geoWarn != "" {
		priced.Warnings = append(priced.Warnings, geoWarn)
	}

	id := uuid.New().String()
	opts, err := s.scheduler.Options(ctx, tenantID, cluster.OptionInput{
		QuoteID:   id,
		Point:     location,
		Window:    s.scheduler.SearchWindow(req),
		Radius:    req.SearchRadiusMiles,
		Flexible:  req.FlexibleScheduling,
		Price:     priced.Breakdown.FinalCost,
		TripMiles: priced.Breakdown.DistanceMiles,
	}, discount.NewResolver(rb.DiscountRules(), s.cfg.Scheduling.FuelCostPerMile))
	if err != nil {
		return nil, eris.Wrap(err, "quote: scheduling options")
	}

	var selected *model.SchedulingOption
	if best, ok := discount.Best(opts); ok {
		selected = &best
		if best.DiscountAmount.IsPositive() {
			pricing.ApplyDiscount(priced, discount.Applied(best))
		}
	}

	rec, err := s.record(tenantID, id, req, priced, location, selected)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateQuote(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "quote: store")
	}

	zap.L().Info("quote priced",
		zap.String("tenant_id", tenantID),
		zap.String("quote_id", id),
		zap.String("zone", priced.Zone.Name),
		zap.String("final_cost", priced.Breakdown.FinalCost.StringFixed(2)),
		zap.String("one_time_total", priced.Totals.OneTimeInstallation.StringFixed(2)),
		zap.Int("options", len(opts)),
	)
	return &Result{
		ID:        id,
		Status:    rec.Status,
		Quote:     priced,
		Location:  location,
		Options:   opts,
		Selected:  selected,
		ExpiresAt: rec.CreatedAt.Add(s.expiry()),
	}, nil
}

// locate returns explicit coordinates, or geocodes the address. A failed or
// unmatched lookup degrades to no location with a warning.
func (s *Service) locate(ctx context.Context, tenantID string, req model.QuoteRequest) (*geo.Point, string) {
	if req.HasCoordinates() {
		return &geo.Point{Lat: *req.Lat, Lon: *req.Lon}, ""
	}
	if !req.HasAddress() || s.geocoder == nil {
		return nil, ""
	}
	res, err := s.geocoder.Geocode(ctx, geocode.AddressInput{
		Street:  req.Street,
		City:    req.City,
		State:   req.State,
		ZipCode: req.PostalCode,
	})
	if err != nil {
		zap.L().Warn("geocode failed; pricing without location",
			zap.String("tenant_id", tenantID),
			zap.String("postal_code", req.PostalCode),
			zap.Error(err),
		)
		return nil, "address could not be geocoded; distance charge and cluster options omitted"
	}
	if !res.Matched {
		zap.L().Warn("geocode miss; pricing without location",
			zap.String("tenant_id", tenantID),
			zap.String("postal_code", req.PostalCode),
		)
		return nil, "address not found by geocoder; distance charge and cluster options omitted"
	}
	return &geo.Point{Lat: res.Latitude, Lon: res.Longitude}, ""
}

func (s *Service) record(tenantID, id string, req model.QuoteRequest, priced *model.PricedQuote, location *geo.Point, selected *model.SchedulingOption) (*model.QuoteRecord, error) {
	breakdown, err := json.Marshal(priced)
	if err != nil {
		return nil, eris.Wrap(err, "quote: marshal breakdown")
	}
	rec := &model.QuoteRecord{
		ID:                 id,
		TenantID:           tenantID,
		Status:             model.QuoteStatusPending,
		PropertyType:       priced.PropertyType.Name,
		Perimeter:          priced.Breakdown.PerimeterFeet,
		ZoneName:           priced.Zone.Name,
		Street:             req.Street,
		City:               req.City,
		State:              req.State,
		PostalCode:         req.PostalCode,
		PreferredDate:      req.PreferredDate,
		FlexibleScheduling: req.FlexibleScheduling,
		JobMinutes:         req.EstimatedJobMinutes,
		OriginalPrice:      priced.Breakdown.FinalCost.InexactFloat64(),
		FinalPrice:         priced.Totals.OneTimeInstallation.InexactFloat64(),
		DiscountPercentage: pricing.DiscountPercentage(priced),
		Breakdown:          breakdown,
		RequestedBy:        req.RequestedBy,
		CreatedAt:          s.now().UTC(),
	}
	if rec.JobMinutes <= 0 {
		rec.JobMinutes = s.scheduler.Config().DefaultJobMinutes
	}
	if req.DateRange != nil {
		start, end := model.TruncateDay(req.DateRange.Start), model.TruncateDay(req.DateRange.End)
		rec.DateStart, rec.DateEnd = &start, &end
	}
	if priced.Discount != nil {
		rec.DiscountAmount = priced.Discount.Amount.InexactFloat64()
	}
	if location != nil {
		lat, lon := location.Lat, location.Lon
		rec.Lat, rec.Lon = &lat, &lon
	}
	if selected != nil {
		if rec.SelectedOption, err = json.Marshal(selected); err != nil {
			return nil, eris.Wrap(err, "quote: marshal selected option")
		}
	}
	return rec, nil
}

// Get returns a stored quote.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*model.QuoteRecord, error) {
	return s.store.GetQuote(ctx, tenantID, id)
}

// EvaluateApproval submits a pending quote's final price and discount to the
// approval gate.
func (s *Service) EvaluateApproval(ctx context.Context, tenantID, quoteID, requestedBy string) (*approval.Evaluation, error) {
	q, err := s.store.GetQuote(ctx, tenantID, quoteID)
	if err != nil {
		return nil, err
	}
	if q.Status.Terminal() {
		return nil, eris.Wrapf(model.ErrQuoteClosed, "quote %s is %s", quoteID, q.Status)
	}
	rb, err := s.ratebooks.Get(ctx, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "quote: load ratebook")
	}
	if requestedBy == "" {
		requestedBy = q.RequestedBy
	}
	return s.gate.Evaluate(ctx, tenantID, approval.EvaluationInput{
		QuoteID:            q.ID,
		PropertyType:       q.PropertyType,
		Perimeter:          q.Perimeter,
		OriginalPrice:      decimal.NewFromFloat(q.OriginalPrice),
		FinalPrice:         decimal.NewFromFloat(q.FinalPrice),
		DiscountPercentage: q.DiscountPercentage,
		Rules:              rb.ApprovalRules(),
	}, requestedBy)
}

// Schedule puts a pending quote on a route: it joins the chosen cluster or
// opens a new one. A full cluster surfaces as *model.CapacityConflictError so
// the caller can pick another option.
func (s *Service) Schedule(ctx context.Context, tenantID, quoteID string, req ScheduleRequest) (*model.JobCluster, error) {
	if err := model.Validate(req); err != nil {
		return nil, err
	}
	q, err := s.store.GetQuote(ctx, tenantID, quoteID)
	if err != nil {
		return nil, err
	}
	if q.Status.Terminal() {
		return nil, eris.Wrapf(model.ErrQuoteClosed, "quote %s is %s", quoteID, q.Status)
	}
	if q.ClusterID != "" {
		return nil, model.NewValidationError("cluster_id", "quote is already scheduled on cluster "+q.ClusterID)
	}
	if q.Lat == nil || q.Lon == nil {
		return nil, model.NewValidationError("location", "quote has no coordinates to schedule")
	}
	site := geo.Point{Lat: *q.Lat, Lon: *q.Lon}

	var opt model.SchedulingOption
	if len(q.SelectedOption) > 0 {
		if err := json.Unmarshal(q.SelectedOption, &opt); err != nil {
			return nil, eris.Wrapf(err, "quote: decode selected option of %s", quoteID)
		}
	}
	if req.Kind != "" {
		opt = model.SchedulingOption{Kind: req.Kind, ClusterID: req.ClusterID, ServiceDate: req.ServiceDate}
	}
	job := s.scheduler.NewJob(q.ID, site, q.JobMinutes)

	if opt.Kind == model.OptionJoinCluster {
		if opt.ClusterID == "" {
			return nil, model.NewValidationError("cluster_id", "required to join a cluster")
		}
		return s.scheduler.Join(ctx, tenantID, opt.ClusterID, job)
	}

	date := s.serviceDate(q, opt, req)
	center := site
	if opt.Kind == model.OptionNewCluster && (opt.CenterLat != 0 || opt.CenterLon != 0) {
		center = geo.Point{Lat: opt.CenterLat, Lon: opt.CenterLon}
	}
	return s.scheduler.CreateCluster(ctx, tenantID, date, center, job, req.TechnicianID)
}

func (s *Service) serviceDate(q *model.QuoteRecord, opt model.SchedulingOption, req ScheduleRequest) time.Time {
	switch {
	case req.ServiceDate != nil:
		return *req.ServiceDate
	case opt.ServiceDate != nil:
		return *opt.ServiceDate
	case q.PreferredDate != nil:
		return *q.PreferredDate
	case q.DateStart != nil:
		return *q.DateStart
	default:
		return model.TruncateDay(s.now()).AddDate(0, 0, 1)
	}
}

// Accept converts a pending quote, optionally linking a CRM customer id. A
// quote whose pricing is awaiting approval cannot be accepted.
func (s *Service) Accept(ctx context.Context, tenantID, quoteID, customerID string) error {
	latest, err := s.store.ListApprovals(ctx, tenantID, store.ApprovalFilter{QuoteID: quoteID, Limit: 1})
	if err != nil {
		return eris.Wrapf(err, "quote: approvals of %s", quoteID)
	}
	if len(latest) > 0 && latest[0].Status == model.ApprovalPending {
		return &model.WorkflowStateError{
			ApprovalID: latest[0].ID,
			Status:     latest[0].Status,
			Reason:     "quote pricing is awaiting approval",
		}
	}
	if err := s.store.UpdateQuoteStatus(ctx, tenantID, quoteID, model.QuoteStatusAccepted, customerID); err != nil {
		return err
	}
	zap.L().Info("quote accepted", zap.String("tenant_id", tenantID), zap.String("quote_id", quoteID))
	return nil
}

// Reject closes a pending quote.
func (s *Service) Reject(ctx context.Context, tenantID, quoteID string) error {
	if err := s.store.UpdateQuoteStatus(ctx, tenantID, quoteID, model.QuoteStatusRejected, ""); err != nil {
		return err
	}
	zap.L().Info("quote rejected", zap.String("tenant_id", tenantID), zap.String("quote_id", quoteID))
	return nil
}

// ExpireQuotes expires pending quotes older than the configured expiry. An
// empty tenantID sweeps all tenants.
func (s *Service) ExpireQuotes(ctx context.Context, tenantID string) (int, error) {
	n, err := s.store.ExpireQuotes(ctx, tenantID, s.now().UTC().Add(-s.expiry()))
	if err != nil {
		zap.L().Error("quote expiry sweep failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return 0, eris.Wrap(err, "quote: expire")
	}
	zap.L().Info("expired stale quotes", zap.String("tenant_id", tenantID), zap.Int("expired", n))
	return n, nil
}

// LocateResult summarizes a geocoding sweep.
type LocateResult struct {
	Scanned   int `json:"scanned"`
	Located   int `json:"located"`
	Unmatched int `json:"unmatched"`
}

// LocateQuotes geocodes pending quotes that were stored with an address but
// no coordinates, in one batch of at most limit quotes, so they become
// eligible for cluster proposals. An empty tenantID sweeps all tenants.
func (s *Service) LocateQuotes(ctx context.Context, tenantID string, limit int) (*LocateResult, error) {
	if s.geocoder == nil {
		return nil, eris.New("quote: no geocoder configured")
	}
	quotes, err := s.store.ListUnlocatedQuotes(ctx, tenantID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "quote: list unlocated")
	}
	out := &LocateResult{Scanned: len(quotes)}
	if len(quotes) == 0 {
		return out, nil
	}

	addrs := make([]geocode.AddressInput, len(quotes))
	for i, q := range quotes {
		addrs[i] = geocode.AddressInput{ID: q.ID, Street: q.Street, City: q.City, State: q.State, ZipCode: q.PostalCode}
	}
	results, err := s.geocoder.BatchGeocode(ctx, addrs)
	if err != nil {
		return nil, eris.Wrap(err, "quote: batch geocode")
	}

	for i, q := range quotes {
		if i >= len(results) || !results[i].Matched {
			out.Unmatched++
			continue
		}
		if err := s.store.SetQuoteLocation(ctx, q.TenantID, q.ID, results[i].Latitude, results[i].Longitude); err != nil {
			return out, eris.Wrapf(err, "quote: store location of %s", q.ID)
		}
		out.Located++
	}
	zap.L().Info("located quotes",
		zap.String("tenant_id", tenantID),
		zap.Int("scanned", out.Scanned),
		zap.Int("located", out.Located),
		zap.Int("unmatched", out.Unmatched),
	)
	return out, nil
}

// Alerts lists stored pricing alerts.
func (s *Service) Alerts(ctx context.Context, tenantID string, f store.AlertFilter) ([]model.PricingAlert, error) {
	return s.store.ListAlerts(ctx, tenantID, f)
}

func (s *Service) expiry() time.Duration {
	days := s.cfg.Quote.ExpiryDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}
