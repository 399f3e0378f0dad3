// Package ratebook holds a tenant's pricing reference data and resolves
// zones, property types, terrains, service tiers and distance charges with
// explicit fallbacks.
package ratebook

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"

	"github.com/fencepro/scheduling-core/internal/geo"
	"github.com/fencepro/scheduling-core/internal/model"
)

// Fallback names looked up when a requested category is unknown.
const (
	StandardPropertyType = "standard"
	FlatTerrain          = "flat"
	StandardServiceTier  = "standard"
)

// DefaultZone is used when no configured zone matches the request.
var DefaultZone = model.PricingZone{
	Name:             "default",
	BaseMultiplier:   1.0,
	LaborRate:        45,
	MarketDemand:     model.DemandNormal,
	CompetitionLevel: model.CompetitionModerate,
}

// DefaultPropertyType is used when the tenant has no standard property type.
var DefaultPropertyType = model.PropertyTypePricing{
	Name:                 StandardPropertyType,
	BasePrice:            2500,
	PerFootPrice:         0.50,
	DifficultyMultiplier: 1.0,
	InstallHours:         4,
}

// DefaultTerrain is used when the tenant has no flat terrain.
var DefaultTerrain = model.TerrainModifier{
	Name:                 FlatTerrain,
	DifficultyMultiplier: 1.0,
}

// NoServiceTier is used when no monitoring plan was requested or none matches.
var NoServiceTier = model.ServiceTier{Name: "none"}

// DistanceCharge is the travel charge for a distance.
type DistanceCharge struct {
	Miles  float64
	Amount float64
	Tier   model.DistanceTier
	Source Source
}

// Ratebook is an immutable, indexed view of one tenant's reference data.
// It is safe for concurrent use.
type Ratebook struct {
	tenantID string
	data     model.RatebookData

	zonesByPostal    map[string]model.PricingZone
	zonesByCityState map[string]model.PricingZone
	zonesByState     map[string]model.PricingZone
	propertyTypes    map[string]model.PropertyTypePricing
	terrains         map[string]model.TerrainModifier
	serviceTiers     map[string]model.ServiceTier
	tiers            []model.DistanceTier
}

// New validates data and indexes it for lookups. When two rows share a key
// the first one wins.
func New(tenantID string, data model.RatebookData) (*Ratebook, error) {
	tiers := append([]model.DistanceTier(nil), data.DistanceTiers...)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].MinMiles < tiers[j].MinMiles })
	if err := ValidateDistanceTiers(tiers); err != nil {
		return nil, err
	}

	rb := &Ratebook{
		tenantID:         tenantID,
		data:             data,
		zonesByPostal:    make(map[string]model.PricingZone),
		zonesByCityState: make(map[string]model.PricingZone),
		zonesByState:     make(map[string]model.PricingZone),
		propertyTypes:    make(map[string]model.PropertyTypePricing, len(data.PropertyTypes)),
		terrains:         make(map[string]model.TerrainModifier, len(data.Terrains)),
		serviceTiers:     make(map[string]model.ServiceTier, len(data.ServiceTiers)),
		tiers:            tiers,
	}

	for _, z := range data.Zones {
		if z.BaseMultiplier <= 0 {
			return nil, eris.Errorf("ratebook: zone %q: base multiplier must be positive", z.Name)
		}
		if pc := normalizePostal(z.PostalCode); pc != "" {
			putFirst(rb.zonesByPostal, pc, z)
		}
		if z.City != "" && z.State != "" {
			putFirst(rb.zonesByCityState, cityStateKey(z.City, z.State), z)
		}
		if z.City == "" && z.State != "" {
			putFirst(rb.zonesByState, Fold(z.State), z)
		}
	}
	for _, pt := range data.PropertyTypes {
		putFirst(rb.propertyTypes, Fold(pt.Name), pt)
	}
	for _, tr := range data.Terrains {
		putFirst(rb.terrains, Fold(tr.Name), tr)
	}
	for _, st := range data.ServiceTiers {
		putFirst(rb.serviceTiers, Fold(st.Name), st)
	}
	return rb, nil
}

// TenantID returns the tenant the ratebook belongs to.
func (rb *Ratebook) TenantID() string { return rb.tenantID }

// DiscountRules returns the tenant's scheduling discount rules.
func (rb *Ratebook) DiscountRules() []model.SchedulingDiscountRule { return rb.data.DiscountRules }

// ApprovalRules returns the tenant's approval rules.
func (rb *Ratebook) ApprovalRules() []model.ApprovalRule { return rb.data.ApprovalRules }

// ResolveZone matches by postal code, then city and state, then a state-wide
// zone, then DefaultZone.
func (rb *Ratebook) ResolveZone(postalCode, city, state string) Resolution[model.PricingZone] {
	if pc := normalizePostal(postalCode); pc != "" {
		if z, ok := rb.zonesByPostal[pc]; ok {
			return resolved(z, "postal_code")
		}
	}
	if city != "" && state != "" {
		if z, ok := rb.zonesByCityState[cityStateKey(city, state)]; ok {
			return resolved(z, "city_state")
		}
	}
	if state != "" {
		if z, ok := rb.zonesByState[Fold(state)]; ok {
			return resolved(z, "state")
		}
	}
	return defaulted(DefaultZone, "default_zone")
}

// ResolvePropertyType looks up name, falling back to the tenant's standard
// property type and then DefaultPropertyType.
func (rb *Ratebook) ResolvePropertyType(name string) Resolution[model.PropertyTypePricing] {
	if pt, ok := rb.propertyTypes[Fold(name)]; ok {
		return resolved(pt, "name")
	}
	if pt, ok := lookupFallback(rb.propertyTypes, rb.data.PropertyTypes, StandardPropertyType, func(p model.PropertyTypePricing) string { return p.Name }); ok {
		return defaulted(pt, "tenant_standard")
	}
	return defaulted(DefaultPropertyType, "builtin_standard")
}

// ResolveTerrain looks up name, falling back to the tenant's flat terrain
// and then DefaultTerrain.
func (rb *Ratebook) ResolveTerrain(name string) Resolution[model.TerrainModifier] {
	if tr, ok := rb.terrains[Fold(name)]; ok {
		return resolved(tr, "name")
	}
	if tr, ok := lookupFallback(rb.terrains, rb.data.Terrains, FlatTerrain, func(t model.TerrainModifier) string { return t.Name }); ok {
		return defaulted(tr, "tenant_flat")
	}
	return defaulted(DefaultTerrain, "builtin_flat")
}

// ResolveServiceTier looks up a monitoring plan. An empty name means no plan.
// Unknown names fall back to the tenant's standard plan, then to no plan.
func (rb *Ratebook) ResolveServiceTier(name string) Resolution[model.ServiceTier] {
	if strings.TrimSpace(name) == "" {
		return resolved(NoServiceTier, "none_requested")
	}
	if st, ok := rb.serviceTiers[Fold(name)]; ok {
		return resolved(st, "name")
	}
	if st, ok := rb.serviceTiers[StandardServiceTier]; ok {
		return defaulted(st, "tenant_standard")
	}
	return defaulted(NoServiceTier, "builtin_none")
}

// ResolveDistanceCharge returns the charge of the single tier containing
// miles. Beyond every bounded tier the last tier applies. Without any tiers
// travel is free and the result is Defaulted.
func (rb *Ratebook) ResolveDistanceCharge(miles float64) DistanceCharge {
	if miles < 0 {
		miles = 0
	}
	if len(rb.tiers) == 0 {
		return DistanceCharge{Miles: miles, Source: Defaulted}
	}
	tier := rb.tiers[len(rb.tiers)-1]
	for _, t := range rb.tiers {
		if t.Contains(miles) {
			tier = t
			break
		}
	}
	return DistanceCharge{Miles: miles, Amount: tier.Charge(miles), Tier: tier, Source: Resolved}
}

// NearestServiceCenter returns the closest depot to p and the distance to it.
func (rb *Ratebook) NearestServiceCenter(p geo.Point) (model.ServiceCenter, float64, bool) {
	centers := rb.data.ServiceCenters
	if len(centers) == 0 {
		return model.ServiceCenter{}, 0, false
	}
	points := make([]geo.Point, len(centers))
	for i, c := range centers {
		points[i] = geo.Point{Lat: c.Lat, Lon: c.Lon}
	}
	idx, miles := geo.Nearest(p, points)
	return centers[idx], miles, true
}

// ValidateDistanceTiers checks that tiers, sorted by MinMiles, start at zero,
// are contiguous and non-overlapping, are unbounded only in last position,
// and never lower the charge at a tier boundary.
func ValidateDistanceTiers(tiers []model.DistanceTier) error {
	for i, t := range tiers {
		if t.TripCharge < 0 || t.PerMileCharge < 0 {
			return eris.Errorf("ratebook: distance tier %d: charges must not be negative", i)
		}
		if !t.Unbounded() && t.MaxMiles <= t.MinMiles {
			return eris.Errorf("ratebook: distance tier %d: max_miles %.2f must exceed min_miles %.2f", i, t.MaxMiles, t.MinMiles)
		}
		if i == 0 {
			if t.MinMiles != 0 {
				return eris.Errorf("ratebook: distance tiers must start at 0 miles, first starts at %.2f", t.MinMiles)
			}
			continue
		}
		prev := tiers[i-1]
		if prev.Unbounded() {
			return eris.Errorf("ratebook: distance tier %d follows an unbounded tier", i)
		}
		if t.MinMiles != prev.MaxMiles {
			return eris.Errorf("ratebook: distance tiers are not contiguous at %.2f miles (next starts at %.2f)", prev.MaxMiles, t.MinMiles)
		}
		if t.Charge(t.MinMiles) < prev.Charge(prev.MaxMiles) {
			return eris.Errorf("ratebook: distance charge drops at %.2f miles", t.MinMiles)
		}
	}
	return nil
}

// Fold normalizes a name for case-insensitive comparison.
func Fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

func cityStateKey(city, state string) string {
	return Fold(city) + "|" + Fold(state)
}

// normalizePostal keeps the five-digit ZIP of a ZIP+4 code.
func normalizePostal(pc string) string {
	pc = strings.TrimSpace(pc)
	if i := strings.IndexByte(pc, '-'); i > 0 {
		pc = pc[:i]
	}
	return Fold(pc)
}

func putFirst[T any](m map[string]T, key string, v T) {
	if _, ok := m[key]; !ok {
		m[key] = v
	}
}

// lookupFallback finds the entry named fallback, or else the first entry
// whose name starts with it ("Standard Residential", "Flat/Easy").
func lookupFallback[T any](index map[string]T, rows []T, fallback string, name func(T) string) (T, bool) {
	if v, ok := index[fallback]; ok {
		return v, true
	}
	for _, r := range rows {
		if strings.HasPrefix(Fold(name(r)), fallback) {
			return r, true
		}
	}
	var zero T
	return zero, false
}
