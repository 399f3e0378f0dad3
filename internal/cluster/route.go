package cluster

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fencepro/scheduling-core/internal/geo"
	"github.com/fencepro/scheduling-core/internal/model"
)

// PlanRoute orders jobs by greedy nearest neighbor from start. It is
// deterministic: when two jobs are equally near, the one earlier in jobs is
// visited first, so planning again from jobs already in route order yields
// the same route. The route ends at the last stop.
// TotalMinutes is driving time at minutesPerMile plus every job's duration.
func PlanRoute(start geo.Point, jobs []model.ClusterJob, minutesPerMile float64) model.Route {
	route := model.Route{
		StartLat: start.Lat,
		StartLon: start.Lon,
		Stops:    make([]model.RouteStop, 0, len(jobs)),
	}
	visited := make([]bool, len(jobs))
	current := start
	for n := 0; n < len(jobs); n++ {
		best, bestDist := -1, math.Inf(1)
		for i, j := range jobs {
			if visited[i] {
				continue
			}
			if d := geo.HaversineMiles(current, geo.Point{Lat: j.Lat, Lon: j.Lon}); d < bestDist {
				best, bestDist = i, d
			}
		}
		visited[best] = true
		job := jobs[best]
		legMinutes := bestDist * minutesPerMile
		route.Stops = append(route.Stops, model.RouteStop{
			JobID:          job.ID,
			QuoteID:        job.QuoteID,
			Order:          n + 1,
			LegMiles:       bestDist,
			LegMinutes:     legMinutes,
			ServiceMinutes: job.DurationMinutes,
		})
		route.TotalMiles += bestDist
		route.TotalMinutes += legMinutes + float64(job.DurationMinutes)
		current = geo.Point{Lat: job.Lat, Lon: job.Lon}
	}
	return route
}

// OptimizeRoute returns the visiting order for a cluster and writes it back
// as the jobs' schedule order. Routes are cached per cluster version, and
// every membership change bumps the version, so a cached route is never
// stale.
func (s *Scheduler) OptimizeRoute(ctx context.Context, tenantID, clusterID string) (*model.Route, error) {
	c, err := s.store.GetCluster(ctx, tenantID, clusterID)
	if err != nil {
		return nil, eris.Wrapf(err, "cluster: get %s", clusterID)
	}
	cached, err := s.store.GetCachedRoute(ctx, tenantID, clusterID, c.Version)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	jobs, err := s.store.ClusterJobs(ctx, tenantID, clusterID)
	if err != nil {
		return nil, eris.Wrapf(err, "cluster: jobs for %s", clusterID)
	}
	start, err := s.routeStart(ctx, tenantID, c)
	if err != nil {
		return nil, err
	}

	route := PlanRoute(start, jobs, s.cfg.MinutesPerMile)
	route.ClusterID = c.ID
	route.Version = c.Version
	route.ComputedAt = s.now().UTC().Truncate(time.Second)

	ids := make([]string, len(route.Stops))
	for i, st := range route.Stops {
		ids[i] = st.JobID
	}
	applied, err := s.store.SetScheduleOrder(ctx, tenantID, clusterID, c.Version, ids)
	switch {
	case err != nil:
		zap.L().Warn("schedule order write failed",
			zap.String("tenant_id", tenantID),
			zap.String("cluster_id", clusterID),
			zap.Error(err),
		)
	case !applied:
		zap.L().Debug("cluster changed while routing, schedule order left as is",
			zap.String("cluster_id", clusterID),
			zap.Int("version", c.Version),
		)
	}

	if err := s.store.PutCachedRoute(ctx, tenantID, &route); err != nil {
		zap.L().Warn("route cache write failed",
			zap.String("tenant_id", tenantID),
			zap.String("cluster_id", clusterID),
			zap.Error(err),
		)
	}
	return &route, nil
}

// routeStart is the service center nearest the cluster, or the cluster
// center when the tenant has none.
func (s *Scheduler) routeStart(ctx context.Context, tenantID string, c *model.JobCluster) (geo.Point, error) {
	center := geo.Point{Lat: c.CenterLat, Lon: c.CenterLon}
	if s.ratebooks == nil {
		return center, nil
	}
	rb, err := s.ratebooks.Get(ctx, tenantID)
	if err != nil {
		return geo.Point{}, eris.Wrap(err, "cluster: load ratebook")
	}
	if sc, _, ok := rb.NearestServiceCenter(center); ok {
		return geo.Point{Lat: sc.Lat, Lon: sc.Lon}, nil
	}
	return center, nil
}
