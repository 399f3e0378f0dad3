// Package pricing computes location- and property-adjusted installation
// prices with a full itemization.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fencepro/scheduling-core/internal/geo"
	"github.com/fencepro/scheduling-core/internal/model"
	"github.com/fencepro/scheduling-core/internal/ratebook"
)

// PetSurcharge is the price increase per pet beyond the first.
const PetSurcharge = 0.10

// Line item codes, in the order they appear on a quote.
const (
	ItemPropertyBase      = "property_base"
	ItemPerimeter         = "perimeter"
	ItemZoneAdjustment    = "zone_adjustment"
	ItemTerrainAdjustment = "terrain_adjustment"
	ItemPetAdjustment     = "pet_adjustment"
	ItemLabor             = "labor"
	ItemDistance          = "distance"
	ItemDemandAdjustment  = "demand_adjustment"
	ItemDiscount          = "scheduling_discount"
)

var hundred = decimal.NewFromInt(100)

// Pricer prices quotes against one tenant's ratebook. It holds no mutable
// state and is safe for concurrent use.
type Pricer struct {
	rb *ratebook.Ratebook
}

// New returns a Pricer for rb.
func New(rb *ratebook.Ratebook) *Pricer {
	return &Pricer{rb: rb}
}

// Price computes the itemized price of req. coords is the geocoded install
// site; nil means no distance charge. Every running value is rounded to
// cents, so the line items always sum to the one-time total.
func (p *Pricer) Price(req model.QuoteRequest, coords *geo.Point) (*model.PricedQuote, error) {
	perimeter, err := perimeterFeet(req)
	if err != nil {
		return nil, err
	}

	zone := p.rb.ResolveZone(req.PostalCode, req.City, req.State)
	propType := p.rb.ResolvePropertyType(req.PropertyType)
	terrain := p.rb.ResolveTerrain(req.Terrain)
	tier := p.rb.ResolveServiceTier(req.ServiceTier)

	out := &model.PricedQuote{
		Zone:         zone.Tag(zone.Value.Name),
		PropertyType: propType.Tag(propType.Value.Name),
		Terrain:      terrain.Tag(terrain.Value.Name),
		ServiceTier:  tier.Tag(tier.Value.Name),
	}

	switch {
	case !req.HasAddress() && coords == nil:
		out.Warnings = append(out.Warnings, "no location supplied; default zone pricing applied")
	case zone.Defaulted():
		out.Warnings = append(out.Warnings, "no pricing zone matches the address; default zone pricing applied")
	}
	if propType.Defaulted() && req.PropertyType != "" {
		out.Warnings = append(out.Warnings, fmt.Sprintf("unknown property type %q; priced as %s", req.PropertyType, propType.Value.Name))
	}
	if terrain.Defaulted() && req.Terrain != "" {
		out.Warnings = append(out.Warnings, fmt.Sprintf("unknown terrain %q; priced as %s", req.Terrain, terrain.Value.Name))
	}
	if tier.Defaulted() && req.ServiceTier != "" {
		out.Warnings = append(out.Warnings, fmt.Sprintf("unknown service tier %q; priced as %s", req.ServiceTier, tier.Value.Name))
	}

	pets := req.PetCount
	if pets < 1 {
		pets = 1
	}

	b := &out.Breakdown
	b.PerimeterFeet = perimeter
	b.PerFootPrice = propType.Value.PerFootPrice
	b.PropertyBase = money(propType.Value.BasePrice)
	b.PerimeterCharge = cents(decimal.NewFromFloat(perimeter).Mul(decimal.NewFromFloat(propType.Value.PerFootPrice)))
	running := b.PropertyBase.Add(b.PerimeterCharge)

	b.ZoneMultiplier = zone.Value.BaseMultiplier
	running, b.ZoneAdjustment = scale(running, b.ZoneMultiplier)

	b.TerrainMultiplier = terrain.Value.DifficultyMultiplier
	running, b.TerrainAdjustment = scale(running, b.TerrainMultiplier)

	b.PetCount = pets
	b.PetMultiplier = 1 + PetSurcharge*float64(pets-1)
	running, b.PetAdjustment = scale(running, b.PetMultiplier)
	b.BasePrice = running

	b.LaborHours = propType.Value.InstallHours + terrain.Value.AdditionalHours
	b.LaborRate = zone.Value.LaborRate
	b.LaborCost = cents(decimal.NewFromFloat(b.LaborHours).Mul(decimal.NewFromFloat(b.LaborRate)))

	if coords != nil {
		if center, miles, ok := p.rb.NearestServiceCenter(*coords); ok {
			charge := p.rb.ResolveDistanceCharge(miles)
			out.ServiceCenter = center.Name
			b.DistanceMiles = miles
			b.DistanceCharge = money(charge.Amount)
		} else {
			out.Warnings = append(out.Warnings, "no service center configured; distance charge omitted")
		}
	}

	b.InstallationCost = b.BasePrice.Add(b.LaborCost).Add(b.DistanceCharge)

	b.MarketDemand = zone.Value.MarketDemand
	if b.MarketDemand == "" {
		b.MarketDemand = model.DemandNormal
	}
	b.DemandMultiplier = b.MarketDemand.Multiplier()
	b.FinalCost, b.DemandAdjustment = scale(b.InstallationCost, b.DemandMultiplier)
	b.MonthlyServiceFee = money(tier.Value.MonthlyFee)

	out.LineItems = []model.LineItem{
		{Code: ItemPropertyBase, Label: propType.Value.Name + " base price", Amount: b.PropertyBase},
		{Code: ItemPerimeter, Label: fmt.Sprintf("%.0f ft at %s/ft", perimeter, money(b.PerFootPrice).StringFixed(2)), Amount: b.PerimeterCharge},
		{Code: ItemZoneAdjustment, Label: "Zone " + zone.Value.Name, Amount: b.ZoneAdjustment},
		{Code: ItemTerrainAdjustment, Label: "Terrain " + terrain.Value.Name, Amount: b.TerrainAdjustment},
		{Code: ItemPetAdjustment, Label: fmt.Sprintf("%d pet(s)", pets), Amount: b.PetAdjustment},
		{Code: ItemLabor, Label: fmt.Sprintf("Labor %.2f h at %s/h", b.LaborHours, money(b.LaborRate).StringFixed(2)), Amount: b.LaborCost},
		{Code: ItemDistance, Label: fmt.Sprintf("Travel %.1f mi", b.DistanceMiles), Amount: b.DistanceCharge},
		{Code: ItemDemandAdjustment, Label: "Market demand " + string(b.MarketDemand), Amount: b.DemandAdjustment},
	}
	setTotals(out)
	return out, nil
}

// ApplyDiscount attaches d to q as a negative line item and recomputes the
// totals. The discount never takes the one-time total below zero. Applying a
// second discount replaces the first.
func ApplyDiscount(q *model.PricedQuote, d model.AppliedDiscount) {
	items := q.LineItems[:0]
	for _, li := range q.LineItems {
		if li.Code != ItemDiscount {
			items = append(items, li)
		}
	}
	q.LineItems = items

	amount := cents(d.Amount)
	if amount.GreaterThan(q.Breakdown.FinalCost) {
		amount = q.Breakdown.FinalCost
	}
	if !amount.IsPositive() {
		q.Discount = nil
		setTotals(q)
		return
	}
	d.Amount = amount
	q.Discount = &d
	q.LineItems = append(q.LineItems, model.LineItem{
		Code:   ItemDiscount,
		Label:  fmt.Sprintf("Scheduling discount (%s)", d.RuleName),
		Amount: amount.Neg(),
	})
	setTotals(q)
}

// DiscountPercentage returns the discount as a percent of the undiscounted
// final cost.
func DiscountPercentage(q *model.PricedQuote) float64 {
	if q.Discount == nil || !q.Breakdown.FinalCost.IsPositive() {
		return 0
	}
	return q.Discount.Amount.Div(q.Breakdown.FinalCost).Mul(hundred).Round(2).InexactFloat64()
}

func setTotals(q *model.PricedQuote) {
	oneTime := q.SumLineItems()
	q.Totals = model.Totals{
		OneTimeInstallation: oneTime,
		FirstYearTotal:      oneTime.Add(q.Breakdown.MonthlyServiceFee.Mul(decimal.NewFromInt(12))),
	}
}

// perimeterFeet returns the measured perimeter, or an estimate from the
// property size when no measurement was given.
func perimeterFeet(req model.QuoteRequest) (float64, error) {
	if req.Perimeter < 0 {
		return 0, model.NewValidationError("perimeter_feet", "must not be negative")
	}
	if req.PropertySize != "" && req.PropertySize.EstimatedPerimeter() == 0 {
		return 0, model.NewValidationError("property_size", fmt.Sprintf("unknown property size %q", req.PropertySize))
	}
	if req.Perimeter > 0 {
		return req.Perimeter, nil
	}
	if est := req.PropertySize.EstimatedPerimeter(); est > 0 {
		return est, nil
	}
	return 0, model.NewValidationError("perimeter_feet", "required when property_size is not set")
}

// scale multiplies v by m, rounds to cents and returns the new value and the
// adjustment it added.
func scale(v decimal.Decimal, m float64) (decimal.Decimal, decimal.Decimal) {
	next := cents(v.Mul(decimal.NewFromFloat(m)))
	return next, next.Sub(v)
}

func money(f float64) decimal.Decimal { return cents(decimal.NewFromFloat(f)) }

func cents(d decimal.Decimal) decimal.Decimal { return d.Round(2) }
