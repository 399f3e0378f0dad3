// Package discount resolves scheduling discounts from a tenant's discount
// rules and ranks scheduling options.
package discount

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/fencepro/scheduling-core/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Discount is a resolved rule applied to a price.
type Discount struct {
	Rule          model.SchedulingDiscountRule `json:"rule"`
	TotalJobs     int                          `json:"total_jobs"`
	PercentAmount decimal.Decimal              `json:"percent_amount"`
	FuelSavings   decimal.Decimal              `json:"fuel_savings"`
	FuelShare     decimal.Decimal              `json:"fuel_share"`
	Amount        decimal.Decimal              `json:"amount"`
}

// Resolver maps cluster sizes and flexibility to discount rules. It is
// immutable and safe for concurrent use.
type Resolver struct {
	cluster         []model.SchedulingDiscountRule
	flexible        []model.SchedulingDiscountRule
	fuelCostPerMile float64
}

// NewResolver keeps the active rules of each family. fuelCostPerMile prices
// the round trips a shared route saves.
func NewResolver(rules []model.SchedulingDiscountRule, fuelCostPerMile float64) *Resolver {
	r := &Resolver{fuelCostPerMile: fuelCostPerMile}
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		switch rule.Family {
		case model.FamilyFlexible:
			r.flexible = append(r.flexible, rule)
		case model.FamilyCluster, "":
			r.cluster = append(r.cluster, rule)
		}
	}
	return r
}

// Resolve picks the cluster rule whose job range contains totalJobs (the new
// job included) and computes its discount on price. Overlapping rules are
// resolved by highest percentage, then lowest rule id. tripMiles is the one-way
// distance a separate trip to the site would have driven.
func (r *Resolver) Resolve(totalJobs int, price decimal.Decimal, tripMiles float64) (Discount, bool) {
	rule, ok := pick(r.cluster, func(rule model.SchedulingDiscountRule) bool { return rule.Covers(totalJobs) })
	if !ok {
		return Discount{}, false
	}
	return compute(rule, totalJobs, price, FuelSavings(totalJobs, tripMiles, r.fuelCostPerMile)), true
}

// ResolveFlexible picks the best flexible-scheduling rule. Flexible
// discounts do not depend on cluster size and carry no fuel savings.
func (r *Resolver) ResolveFlexible(price decimal.Decimal) (Discount, bool) {
	rule, ok := pick(r.flexible, func(model.SchedulingDiscountRule) bool { return true })
	if !ok {
		return Discount{}, false
	}
	return compute(rule, 1, price, decimal.Zero), true
}

// FuelSavings estimates the fuel saved by serving totalJobs sites on one
// route instead of driving a separate round trip to each.
func FuelSavings(totalJobs int, tripMiles, fuelCostPerMile float64) decimal.Decimal {
	if totalJobs < 2 || tripMiles <= 0 || fuelCostPerMile <= 0 {
		return decimal.Zero
	}
	trips := decimal.NewFromInt(int64(totalJobs-1) * 2)
	return trips.Mul(decimal.NewFromFloat(tripMiles)).Mul(decimal.NewFromFloat(fuelCostPerMile)).Round(2)
}

func pick(rules []model.SchedulingDiscountRule, match func(model.SchedulingDiscountRule) bool) (model.SchedulingDiscountRule, bool) {
	var best model.SchedulingDiscountRule
	found := false
	for _, rule := range rules {
		if !match(rule) {
			continue
		}
		if !found || rule.Percentage > best.Percentage || (rule.Percentage == best.Percentage && rule.ID < best.ID) {
			best, found = rule, true
		}
	}
	return best, found
}

func compute(rule model.SchedulingDiscountRule, totalJobs int, price decimal.Decimal, fuel decimal.Decimal) Discount {
	pct := price.Mul(decimal.NewFromFloat(rule.Percentage)).Div(hundred).Round(2)
	base := decimal.Max(pct, decimal.NewFromFloat(rule.FixedAmount).Round(2))
	share := fuel.Mul(decimal.NewFromFloat(rule.FuelSavingsShare)).Round(2)
	return Discount{
		Rule:          rule,
		TotalJobs:     totalJobs,
		PercentAmount: pct,
		FuelSavings:   fuel,
		FuelShare:     share,
		Amount:        base.Add(share),
	}
}

// Score ranks a scheduling option: savings in hundreds of dollars plus two
// points per job on the route.
func Score(opt model.SchedulingOption) float64 {
	return opt.EstimatedSavings.Div(hundred).InexactFloat64() + float64(opt.JobsInCluster)*2
}

// Rank scores opts in place and sorts them best first. Equal scores keep
// their input order.
func Rank(opts []model.SchedulingOption) {
	for i := range opts {
		opts[i].Score = Score(opts[i])
	}
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].Score > opts[j].Score })
}

// Best returns the single highest-scoring option. Discounts never stack, so
// only this option's discount is applied to a quote.
func Best(opts []model.SchedulingOption) (model.SchedulingOption, bool) {
	if len(opts) == 0 {
		return model.SchedulingOption{}, false
	}
	best := 0
	bestScore := Score(opts[0])
	for i := 1; i < len(opts); i++ {
		if s := Score(opts[i]); s > bestScore {
			best, bestScore = i, s
		}
	}
	out := opts[best]
	out.Score = bestScore
	return out, true
}

// Applied converts the option's discount into the form attached to a quote.
func Applied(opt model.SchedulingOption) model.AppliedDiscount {
	return model.AppliedDiscount{
		OptionKind: opt.Kind,
		RuleName:   opt.RuleName,
		Percentage: opt.Percentage,
		Amount:     opt.DiscountAmount,
	}
}
