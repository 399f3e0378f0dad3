package cluster

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/fencepro/scheduling-core/internal/discount"
	"github.com/fencepro/scheduling-core/internal/geo"
	"github.com/fencepro/scheduling-core/internal/model"
)

// OptionInput describes the job being scheduled.
type OptionInput struct {
	QuoteID string
	// Point is the install site. Without one only the flexible option is
	// offered.
	Point    *geo.Point
	Window   model.DateRange
	Radius   float64
	Flexible bool
	// Price is the undiscounted final cost the discount is computed on.
	Price decimal.Decimal
	// TripMiles is the one-way distance from the service center to the site.
	TripMiles float64
}

// Options builds every way the job can be scheduled (join an open cluster,
// seed a new one, or flexible dates) with the discount each earns, and ranks
// them best first. Options with equal scores keep the order join, new,
// flexible.
func (s *Scheduler) Options(ctx context.Context, tenantID string, in OptionInput, resolver *discount.Resolver) ([]model.SchedulingOption, error) {
	var (
		candidates []Candidate
		proposal   *Proposal
	)
	if in.Point != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			candidates, err = s.FindJoinableClusters(gctx, tenantID, *in.Point, in.Window, in.Radius)
			return err
		})
		g.Go(func() error {
			var err error
			proposal, err = s.ProposeNewCluster(gctx, tenantID, *in.Point, in.Window, in.Radius, in.QuoteID)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	opts := make([]model.SchedulingOption, 0, len(candidates)+2)
	for _, c := range candidates {
		date := c.Cluster.ServiceDate
		opt := model.SchedulingOption{
			Kind:          model.OptionJoinCluster,
			ClusterID:     c.Cluster.ID,
			ServiceDate:   &date,
			DistanceMiles: c.DistanceMiles,
			JobsInCluster: c.Cluster.JobCount + 1,
			CenterLat:     c.Cluster.CenterLat,
			CenterLon:     c.Cluster.CenterLon,
		}
		if d, ok := resolver.Resolve(opt.JobsInCluster, in.Price, in.TripMiles); ok {
			withDiscount(&opt, d)
		}
		opts = append(opts, opt)
	}

	if proposal != nil {
		date := proposal.ServiceDate
		opt := model.SchedulingOption{
			Kind:           model.OptionNewCluster,
			ServiceDate:    &date,
			DistanceMiles:  proposal.DistanceMiles,
			JobsInCluster:  proposal.TotalJobs,
			NearbyQuoteIDs: proposal.NearbyQuoteIDs,
			CenterLat:      proposal.Center.Lat,
			CenterLon:      proposal.Center.Lon,
		}
		if d, ok := resolver.Resolve(opt.JobsInCluster, in.Price, in.TripMiles); ok {
			withDiscount(&opt, d)
		}
		opts = append(opts, opt)
	}

	if in.Flexible {
		if d, ok := resolver.ResolveFlexible(in.Price); ok {
			opt := model.SchedulingOption{Kind: model.OptionFlexible}
			withDiscount(&opt, d)
			opts = append(opts, opt)
		}
	}

	discount.Rank(opts)
	return opts, nil
}

func withDiscount(opt *model.SchedulingOption, d discount.Discount) {
	opt.RuleName = d.Rule.Name
	opt.Percentage = d.Rule.Percentage
	opt.DiscountAmount = d.Amount
	opt.FuelSavings = d.FuelSavings
	opt.EstimatedSavings = d.Amount
}
