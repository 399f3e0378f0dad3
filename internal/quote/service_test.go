package quote

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fencepro/scheduling-core/internal/approval"
	"github.com/fencepro/scheduling-core/internal/cluster"
	"github.com/fencepro/scheduling-core/internal/config"
	"github.com/fencepro/scheduling-core/internal/geo"
	"github.com/fencepro/scheduling-core/internal/model"
	"github.com/fencepro/scheduling-core/internal/ratebook"
	"github.com/fencepro/scheduling-core/internal/store"
	"github.com/fencepro/scheduling-core/pkg/geocode"
)

const tenant = "tenant-a"

var (
	now         = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	site        = geo.Point{Lat: 30.27, Lon: -97.74}
	serviceDate = time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	window      = model.DateRange{Start: time.Date(2026, 6, 8, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 6, 14, 0, 0, 0, 0, time.UTC)}
)

func testRatebook() model.RatebookData {
	return model.RatebookData{
		Zones: []model.PricingZone{
			{Name: "Austin Core", PostalCode: "78701", BaseMultiplier: 1.10, LaborRate: 42, MarketDemand: model.DemandHigh},
		},
		PropertyTypes: []model.PropertyTypePricing{
			{Name: "Standard Residential", BasePrice: 2500, PerFootPrice: 0.50, DifficultyMultiplier: 1.3, InstallHours: 4},
		},
		Terrains: []model.TerrainModifier{{Name: "Flat/Easy", DifficultyMultiplier: 1.0}},
		DistanceTiers: []model.DistanceTier{
			{MinMiles: 0, MaxMiles: 10},
			{MinMiles: 10, MaxMiles: 0, TripCharge: 25, PerMileCharge: 1.5},
		},
		ServiceCenters: []model.ServiceCenter{{Name: "Downtown", Lat: site.Lat, Lon: site.Lon}},
		DiscountRules: []model.SchedulingDiscountRule{
			{Name: "Two Job Cluster", Family: model.FamilyCluster, MinJobs: 2, MaxJobs: 2, Percentage: 5, Active: true},
			{Name: "Three Job Cluster", Family: model.FamilyCluster, MinJobs: 3, MaxJobs: 3, Percentage: 12, Active: true},
			{Name: "Flexible Date", Family: model.FamilyFlexible, Percentage: 3, Active: true},
		},
		ApprovalRules: []model.ApprovalRule{
			{Name: "Large job", Type: model.RuleAmount, ThresholdAmount: 3000, RequiredLevel: model.LevelManager, Active: true},
		},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Scheduling: config.SchedulingConfig{
			MaxJobsPerDay:      6,
			DefaultRadiusMiles: 15,
			MinutesPerMile:     2,
			DefaultJobMinutes:  240,
			SearchWindowDays:   14,
			FuelCostPerMile:    0.65,
		},
		Quote: config.QuoteConfig{ExpiryDays: 30},
	}
}

type fakeGeocoder struct {
	result  *geocode.Result
	err     error
	calls   int
	batch   map[string]geocode.Result
	batched []geocode.AddressInput
}

func (f *fakeGeocoder) Geocode(_ context.Context, _ geocode.AddressInput) (*geocode.Result, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeGeocoder) BatchGeocode(_ context.Context, addrs []geocode.AddressInput) ([]geocode.Result, error) {
	f.batched = append(f.batched, addrs...)
	out := make([]geocode.Result, len(addrs))
	for i, a := range addrs {
		out[i] = f.batch[a.Street]
	}
	return out, f.err
}

type harness struct {
	svc       *Service
	store     *store.SQLiteStore
	scheduler *cluster.Scheduler
	gate      *approval.Gate
}

func newHarness(t *testing.T, geocoder Geocoder) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "quote.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.ReplaceRatebook(ctx, tenant, testRatebook()))

	cfg := testConfig()
	clock := func() time.Time { return now }
	cache := ratebook.NewCache(st, 16, time.Minute)
	sched := cluster.NewScheduler(st, cache, cfg.Scheduling).WithNow(clock)
	gate := approval.NewGate(st, approval.DefaultTTL).WithNow(clock)
	svc := NewService(st, cache, sched, gate, geocoder, cfg).WithNow(clock)
	return &harness{svc: svc, store: st, scheduler: sched, gate: gate}
}

func ptr[T any](v T) *T { return &v }

func scenarioRequest() model.QuoteRequest {
	return model.QuoteRequest{
		PostalCode:   "78701",
		PropertyType: "Standard Residential",
		Perimeter:    500,
		Terrain:      "Flat/Easy",
		PetCount:     1,
		Lat:          ptr(site.Lat),
		Lon:          ptr(site.Lon),
		DateRange:    &window,
		RequestedBy:  "rep-1",
	}
}

// twoJobCluster opens a cluster near the site that already holds two jobs.
func (h *harness) twoJobCluster(t *testing.T) *model.JobCluster {
	t.Helper()
	ctx := context.Background()
	center := geo.Point{Lat: 30.28, Lon: -97.74}
	c, err := h.scheduler.CreateCluster(ctx, tenant, serviceDate, center, h.scheduler.NewJob("", center, 0), "tech-1")
	require.NoError(t, err)
	c, err = h.scheduler.Join(ctx, tenant, c.ID, h.scheduler.NewJob("", geo.Point{Lat: 30.285, Lon: -97.74}, 0))
	require.NoError(t, err)
	require.Equal(t, 2, c.JobCount)
	return c
}

func TestPriceQuote_JoinsClusterWithDiscount(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	c := h.twoJobCluster(t)

	res, err := h.svc.PriceQuote(ctx, tenant, scenarioRequest())
	require.NoError(t, err)

	assert.Equal(t, model.QuoteStatusPending, res.Status)
	assert.Equal(t, "3448.44", res.Quote.Breakdown.FinalCost.String())
	require.NotNil(t, res.Selected)
	assert.Equal(t, model.OptionJoinCluster, res.Selected.Kind)
	assert.Equal(t, c.ID, res.Selected.ClusterID)
	require.NotNil(t, res.Quote.Discount)
	assert.Equal(t, "Three Job Cluster", res.Quote.Discount.RuleName)
	assert.Equal(t, "413.81", res.Quote.Discount.Amount.String())
	assert.Equal(t, "3034.63", res.Quote.Totals.OneTimeInstallation.String())
	assert.Equal(t, now.Add(30*24*time.Hour), res.ExpiresAt)

	rec, err := h.svc.Get(ctx, tenant, res.ID)
	require.NoError(t, err)
	assert.InDelta(t, 3448.44, rec.OriginalPrice, 1e-6)
	assert.InDelta(t, 3034.63, rec.FinalPrice, 1e-6)
	assert.InDelta(t, 413.81, rec.DiscountAmount, 1e-6)
	assert.InDelta(t, 12.0, rec.DiscountPercentage, 0.01)
	assert.Equal(t, "Austin Core", rec.ZoneName)
	assert.Equal(t, 240, rec.JobMinutes)
	require.NotNil(t, rec.Lat)
	assert.Equal(t, site.Lat, *rec.Lat)

	var stored model.SchedulingOption
	require.NoError(t, json.Unmarshal(rec.SelectedOption, &stored))
	assert.Equal(t, c.ID, stored.ClusterID)
}

func TestPriceQuote_OneDiscountOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.twoJobCluster(t)

	req := scenarioRequest()
	req.FlexibleScheduling = true
	res, err := h.svc.PriceQuote(context.Background(), tenant, req)
	require.NoError(t, err)

	require.Len(t, res.Options, 2)
	assert.Equal(t, model.OptionFlexible, res.Options[1].Kind)

	var discounts int
	for _, li := range res.Quote.LineItems {
		if li.Amount.IsNegative() {
			discounts++
		}
	}
	assert.Equal(t, 1, discounts, "only the best option's discount is applied")
	assert.True(t, res.Quote.SumLineItems().Equal(res.Quote.Totals.OneTimeInstallation))
}

func TestPriceQuote_GeocodesAddress(t *testing.T) {
	gc := &fakeGeocoder{result: &geocode.Result{Latitude: site.Lat, Longitude: site.Lon, Matched: true, Source: "census"}}
	h := newHarness(t, gc)

	req := scenarioRequest()
	req.Lat, req.Lon = nil, nil
	req.Street, req.City, req.State = "100 Congress Ave", "Austin", "TX"

	res, err := h.svc.PriceQuote(context.Background(), tenant, req)
	require.NoError(t, err)
	assert.Equal(t, 1, gc.calls)
	require.NotNil(t, res.Location)
	assert.Equal(t, site.Lat, res.Location.Lat)
	assert.Equal(t, "Downtown", res.Quote.ServiceCenter)
}

func TestPriceQuote_GeocodeMissDegrades(t *testing.T) {
	tests := []struct {
		name string
		gc   *fakeGeocoder
		want string
	}{
		{"unmatched", &fakeGeocoder{result: &geocode.Result{}}, "address not found"},
		{"error", &fakeGeocoder{err: eris.New("census down")}, "could not be geocoded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.gc)
			req := scenarioRequest()
			req.Lat, req.Lon = nil, nil
			req.Street, req.City, req.State = "1 Nowhere Rd", "Austin", "TX"
			req.FlexibleScheduling = true

			res, err := h.svc.PriceQuote(context.Background(), tenant, req)
			require.NoError(t, err)
			assert.Nil(t, res.Location)
			require.Len(t, res.Options, 1)
			assert.Equal(t, model.OptionFlexible, res.Options[0].Kind)

			var found bool
			for _, w := range res.Quote.Warnings {
				found = found || strings.Contains(w, tt.want)
			}
			assert.True(t, found, "warnings: %v", res.Quote.Warnings)
		})
	}
}

func TestPriceQuote_Validation(t *testing.T) {
	h := newHarness(t, nil)

	req := scenarioRequest()
	req.Lat = ptr(95.0)
	req.PetCount = -1
	_, err := h.svc.PriceQuote(context.Background(), tenant, req)

	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Fields, 2)

	req = scenarioRequest()
	req.DateRange = &model.DateRange{Start: window.End, End: window.Start}
	_, err = h.svc.PriceQuote(context.Background(), tenant, req)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "date_range", verr.Fields[0].Field)
}

func TestSchedule_JoinsSelectedCluster(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	c := h.twoJobCluster(t)

	res, err := h.svc.PriceQuote(ctx, tenant, scenarioRequest())
	require.NoError(t, err)

	updated, err := h.svc.Schedule(ctx, tenant, res.ID, ScheduleRequest{})
	require.NoError(t, err)
	assert.Equal(t, c.ID, updated.ID)
	assert.Equal(t, 3, updated.JobCount)

	rec, err := h.svc.Get(ctx, tenant, res.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, rec.ClusterID)

	_, err = h.svc.Schedule(ctx, tenant, res.ID, ScheduleRequest{})
	var verr *model.ValidationError
	assert.True(t, errors.As(err, &verr), "a quote is scheduled once")
}

func TestSchedule_FullClusterIsConflict(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	c := h.twoJobCluster(t)

	res, err := h.svc.PriceQuote(ctx, tenant, scenarioRequest())
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := h.scheduler.Join(ctx, tenant, c.ID, h.scheduler.NewJob("", site, 0))
		require.NoError(t, err)
	}

	_, err = h.svc.Schedule(ctx, tenant, res.ID, ScheduleRequest{})
	var conflict *model.CapacityConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, c.ID, conflict.ClusterID)
}

func TestSchedule_OpensClusterWithoutOptions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	req := scenarioRequest()
	req.DateRange = nil
	res, err := h.svc.PriceQuote(ctx, tenant, req)
	require.NoError(t, err)
	assert.Empty(t, res.Options)
	assert.Nil(t, res.Selected)
	assert.Nil(t, res.Quote.Discount)

	c, err := h.svc.Schedule(ctx, tenant, res.ID, ScheduleRequest{TechnicianID: "tech-9"})
	require.NoError(t, err)
	assert.Equal(t, 1, c.JobCount)
	assert.Equal(t, "tech-9", c.TechnicianID)
	assert.Equal(t, time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC), c.ServiceDate)
	assert.Equal(t, site.Lat, c.CenterLat)
}

func TestSchedule_RequiresLocation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	req := scenarioRequest()
	req.Lat, req.Lon = nil, nil
	res, err := h.svc.PriceQuote(ctx, tenant, req)
	require.NoError(t, err)

	_, err = h.svc.Schedule(ctx, tenant, res.ID, ScheduleRequest{})
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "location", verr.Fields[0].Field)
}

func TestEvaluateApproval(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.twoJobCluster(t)

	res, err := h.svc.PriceQuote(ctx, tenant, scenarioRequest())
	require.NoError(t, err)

	ev, err := h.svc.EvaluateApproval(ctx, tenant, res.ID, "")
	require.NoError(t, err)
	assert.False(t, ev.AutoApproved)
	assert.Equal(t, model.LevelManager, ev.RequiredLevel)

	a, err := h.store.GetApproval(ctx, tenant, ev.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, a.QuoteID)
	assert.Equal(t, "rep-1", a.RequestedBy)
	assert.InDelta(t, 12.0, a.DiscountPercentage, 0.01)
}

func TestAcceptReject(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.svc.PriceQuote(ctx, tenant, scenarioRequest())
	require.NoError(t, err)
	second, err := h.svc.PriceQuote(ctx, tenant, scenarioRequest())
	require.NoError(t, err)

	require.NoError(t, h.svc.Accept(ctx, tenant, first.ID, "crm-42"))
	require.NoError(t, h.svc.Reject(ctx, tenant, second.ID))

	rec, err := h.svc.Get(ctx, tenant, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QuoteStatusAccepted, rec.Status)
	assert.Equal(t, "crm-42", rec.CustomerID)

	assert.True(t, eris.Is(h.svc.Accept(ctx, tenant, second.ID, ""), model.ErrQuoteClosed))
	assert.True(t, eris.Is(h.svc.Reject(ctx, tenant, "missing"), model.ErrNotFound))

	_, err = h.svc.Schedule(ctx, tenant, first.ID, ScheduleRequest{})
	assert.True(t, eris.Is(err, model.ErrQuoteClosed))
	_, err = h.svc.EvaluateApproval(ctx, tenant, second.ID, "mgr-1")
	assert.True(t, eris.Is(err, model.ErrQuoteClosed))
}

func TestPriceQuote_DateRangeQuotesProposeNewCluster(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.svc.PriceQuote(ctx, tenant, scenarioRequest())
	require.NoError(t, err)
	rec, err := h.svc.Get(ctx, tenant, first.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.DateStart)
	require.NotNil(t, rec.DateEnd)
	assert.Equal(t, window.Start, *rec.DateStart)
	assert.Equal(t, window.End, *rec.DateEnd)

	req := scenarioRequest()
	req.DateRange = &model.DateRange{Start: time.Date(2026, 6, 12, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 6, 20, 0, 0, 0, 0, time.UTC)}
	second, err := h.svc.PriceQuote(ctx, tenant, req)
	require.NoError(t, err)

	require.NotNil(t, second.Selected)
	assert.Equal(t, model.OptionNewCluster, second.Selected.Kind)
	assert.Equal(t, []string{first.ID}, second.Selected.NearbyQuoteIDs)
	assert.Equal(t, 2, second.Selected.JobsInCluster)
	assert.Equal(t, "Two Job Cluster", second.Selected.RuleName)
	require.NotNil(t, second.Selected.ServiceDate)
	assert.Equal(t, time.Date(2026, 6, 12, 0, 0, 0, 0, time.UTC), *second.Selected.ServiceDate)

	c, err := h.svc.Schedule(ctx, tenant, second.ID, ScheduleRequest{})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 12, 0, 0, 0, 0, time.UTC), c.ServiceDate)
}

func TestSchedule_ConcurrentCallsLinkOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	req := scenarioRequest()
	req.DateRange = nil
	res, err := h.svc.PriceQuote(ctx, tenant, req)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Schedule(ctx, tenant, res.ID, ScheduleRequest{})
		}(i)
	}
	wg.Wait()

	var ok, refused int
	for _, err := range errs {
		var verr *model.ValidationError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &verr):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, refused)

	clusters, err := h.store.ListOpenClusters(ctx, tenant, store.ClusterQuery{From: now.AddDate(0, 0, -1), To: now.AddDate(0, 0, 30)})
	require.NoError(t, err)
	require.Len(t, clusters, 1, "the refused call leaves no empty cluster behind")
	assert.Equal(t, 1, clusters[0].JobCount)
}

func TestEvaluateApproval_RepeatReturnsSameApproval(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.svc.PriceQuote(ctx, tenant, scenarioRequest())
	require.NoError(t, err)

	first, err := h.svc.EvaluateApproval(ctx, tenant, res.ID, "")
	require.NoError(t, err)
	require.NotEmpty(t, first.ApprovalID)
	assert.False(t, first.Reused)

	again, err := h.svc.EvaluateApproval(ctx, tenant, res.ID, "")
	require.NoError(t, err)
	assert.Equal(t, first.ApprovalID, again.ApprovalID)
	assert.True(t, again.Reused)

	list, err := h.store.ListApprovals(ctx, tenant, store.ApprovalFilter{QuoteID: res.ID})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAccept_WaitsForPendingApproval(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.svc.PriceQuote(ctx, tenant, scenarioRequest())
	require.NoError(t, err)
	ev, err := h.svc.EvaluateApproval(ctx, tenant, res.ID, "")
	require.NoError(t, err)

	err = h.svc.Accept(ctx, tenant, res.ID, "crm-1")
	var stateErr *model.WorkflowStateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, ev.ApprovalID, stateErr.ApprovalID)

	_, err = h.gate.Decide(ctx, tenant, ev.ApprovalID, model.StepDecision{Level: model.LevelManager, ApproverID: "mgr-1", Decision: model.DecisionApprove})
	require.NoError(t, err)
	require.NoError(t, h.svc.Accept(ctx, tenant, res.ID, "crm-1"))
}

func TestEvaluateApproval_RejectionClosesQuote(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.svc.PriceQuote(ctx, tenant, scenarioRequest())
	require.NoError(t, err)
	ev, err := h.svc.EvaluateApproval(ctx, tenant, res.ID, "")
	require.NoError(t, err)

	_, err = h.gate.Decide(ctx, tenant, ev.ApprovalID, model.StepDecision{Level: model.LevelManager, ApproverID: "mgr-1", Decision: model.DecisionReject})
	require.NoError(t, err)

	rec, err := h.svc.Get(ctx, tenant, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QuoteStatusRejected, rec.Status)

	_, err = h.svc.EvaluateApproval(ctx, tenant, res.ID, "")
	assert.True(t, eris.Is(err, model.ErrQuoteClosed))
}

func TestLocateQuotes(t *testing.T) {
	gc := &fakeGeocoder{result: &geocode.Result{}}
	h := newHarness(t, gc)
	ctx := context.Background()

	price := func(street string) string {
		req := scenarioRequest()
		req.Lat, req.Lon = nil, nil
		req.Street, req.City, req.State = street, "Austin", "TX"
		res, err := h.svc.PriceQuote(ctx, tenant, req)
		require.NoError(t, err)
		require.Nil(t, res.Location)
		return res.ID
	}
	found := price("100 Congress Ave")
	missing := price("1 Nowhere Rd")

	gc.batch = map[string]geocode.Result{
		"100 Congress Ave": {Latitude: site.Lat, Longitude: site.Lon, Matched: true, Source: "census"},
	}
	res, err := h.svc.LocateQuotes(ctx, "", 10)
	require.NoError(t, err)
	assert.Equal(t, LocateResult{Scanned: 2, Located: 1, Unmatched: 1}, *res)
	require.Len(t, gc.batched, 2)
	assert.ElementsMatch(t, []string{found, missing}, []string{gc.batched[0].ID, gc.batched[1].ID})
	assert.Equal(t, "78701", gc.batched[0].ZipCode)

	rec, err := h.svc.Get(ctx, tenant, found)
	require.NoError(t, err)
	require.NotNil(t, rec.Lat)
	assert.Equal(t, site.Lat, *rec.Lat)

	rec, err = h.svc.Get(ctx, tenant, missing)
	require.NoError(t, err)
	assert.Nil(t, rec.Lat)
}

func TestLocateQuotes_NoGeocoder(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.LocateQuotes(context.Background(), tenant, 10)
	assert.Error(t, err)
}

func TestExpireQuotes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.svc.PriceQuote(ctx, tenant, scenarioRequest())
	require.NoError(t, err)

	n, err := h.svc.ExpireQuotes(ctx, tenant)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.svc.WithNow(func() time.Time { return now.Add(31 * 24 * time.Hour) })
	n, err = h.svc.ExpireQuotes(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := h.svc.Get(ctx, tenant, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QuoteStatusExpired, rec.Status)
}

func TestImportCompetitors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	csv := `Competitor,Property_Type,Price,Observed_At
Acme Fence, Standard Residential ,3100.50,2026-05-01
Bolt Fencing,Standard Residential,not-a-price,2026-05-02
Acme Fence,Ranch,5200,05/03/2026
Acme Fence,Standard Residential,-10,2026-05-04
`
	n, err := h.svc.ImportCompetitors(ctx, tenant, strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	prices, err := h.store.CompetitorPrices(ctx, tenant, "Standard Residential", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []float64{3100.50}, prices)
}

func TestImportCompetitors_MissingColumn(t *testing.T) {
	h := newHarness(t, nil)

	n, err := h.svc.ImportCompetitors(context.Background(), tenant, strings.NewReader("competitor,cost\nAcme,3100\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "property_type")
	assert.Zero(t, n)
}

func TestImportCompetitors_Empty(t *testing.T) {
	h := newHarness(t, nil)

	n, err := h.svc.ImportCompetitors(context.Background(), tenant, strings.NewReader(""))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestImportRatebook_InvalidatesCache(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	before, err := h.svc.PriceQuote(ctx, tenant, scenarioRequest())
	require.NoError(t, err)
	assert.Equal(t, "Austin Core", before.Quote.Zone.Name)

	path := filepath.Join(t.TempDir(), "ratebook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`ratebook:
  zones:
    - name: Downtown Austin
      postal_code: "78701"
      base_multiplier: 1.2
      labor_rate: 50
  property_types:
    - name: Standard Residential
      base_price: 2600
      per_foot_price: 0.5
      install_hours: 4
  terrains:
    - name: Flat/Easy
      difficulty_multiplier: 1.0
`), 0o600))

	data, err := h.svc.ImportRatebook(ctx, tenant, path)
	require.NoError(t, err)
	assert.Len(t, data.Zones, 1)

	after, err := h.svc.PriceQuote(ctx, tenant, scenarioRequest())
	require.NoError(t, err)
	assert.Equal(t, "Downtown Austin", after.Quote.Zone.Name)
}

func TestImportRatebook_RejectsBadFile(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.svc.ImportRatebook(context.Background(), tenant, filepath.Join(t.TempDir(), "ratebook.csv"))
	require.Error(t, err)

	rb, err := h.store.LoadRatebook(context.Background(), tenant)
	require.NoError(t, err)
	assert.Len(t, rb.Zones, 1, "existing ratebook is untouched")
}
