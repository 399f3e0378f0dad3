package model

// MarketDemand describes how busy the local market is.
type MarketDemand string

const (
	DemandLow    MarketDemand = "low"
	DemandNormal MarketDemand = "normal"
	DemandHigh   MarketDemand = "high"
)

// Multiplier returns the final-price multiplier for the demand level.
// Unknown values price as normal demand.
func (d MarketDemand) Multiplier() float64 {
	switch d {
	case DemandLow:
		return 0.95
	case DemandHigh:
		return 1.08
	default:
		return 1.00
	}
}

// CompetitionLevel describes local competitor density.
type CompetitionLevel string

const (
	CompetitionLow      CompetitionLevel = "low"
	CompetitionModerate CompetitionLevel = "moderate"
	CompetitionHigh     CompetitionLevel = "high"
)

// PricingZone is a geographic pricing region. A zone matches by postal code,
// by city+state, or by state alone (empty City and PostalCode) as a rural fallback.
type PricingZone struct {
	ID               int64            `json:"id,omitempty" yaml:"-"`
	TenantID         string           `json:"tenant_id,omitempty" yaml:"-"`
	Name             string           `json:"name" yaml:"name"`
	PostalCode       string           `json:"postal_code,omitempty" yaml:"postal_code"`
	City             string           `json:"city,omitempty" yaml:"city"`
	State            string           `json:"state,omitempty" yaml:"state"`
	BaseMultiplier   float64          `json:"base_multiplier" yaml:"base_multiplier"`
	LaborRate        float64          `json:"labor_rate" yaml:"labor_rate"`
	MaterialMarkup   float64          `json:"material_markup" yaml:"material_markup"`
	MarketDemand     MarketDemand     `json:"market_demand" yaml:"market_demand"`
	CompetitionLevel CompetitionLevel `json:"competition_level" yaml:"competition_level"`
}

// PropertyTypePricing holds per-property-type equipment and install pricing.
type PropertyTypePricing struct {
	ID                   int64   `json:"id,omitempty" yaml:"-"`
	Name                 string  `json:"name" yaml:"name"`
	BasePrice            float64 `json:"base_price" yaml:"base_price"`
	PerFootPrice         float64 `json:"per_foot_price" yaml:"per_foot_price"`
	DifficultyMultiplier float64 `json:"difficulty_multiplier" yaml:"difficulty_multiplier"`
	InstallHours         float64 `json:"install_hours" yaml:"install_hours"`
}

// TerrainModifier adjusts price and labor for site conditions.
type TerrainModifier struct {
	ID                   int64   `json:"id,omitempty" yaml:"-"`
	Name                 string  `json:"name" yaml:"name"`
	DifficultyMultiplier float64 `json:"difficulty_multiplier" yaml:"difficulty_multiplier"`
	AdditionalHours      float64 `json:"additional_hours" yaml:"additional_hours"`
}

// DistanceTier maps a [MinMiles, MaxMiles) band to a trip charge plus a
// per-mile charge. MaxMiles of zero means the tier is unbounded.
type DistanceTier struct {
	ID            int64   `json:"id,omitempty" yaml:"-"`
	MinMiles      float64 `json:"min_miles" yaml:"min_miles"`
	MaxMiles      float64 `json:"max_miles" yaml:"max_miles"`
	TripCharge    float64 `json:"trip_charge" yaml:"trip_charge"`
	PerMileCharge float64 `json:"per_mile_charge" yaml:"per_mile_charge"`
}

// Unbounded reports whether the tier has no upper limit.
func (t DistanceTier) Unbounded() bool { return t.MaxMiles <= 0 }

// Contains reports whether miles falls inside the tier.
func (t DistanceTier) Contains(miles float64) bool {
	if miles < t.MinMiles {
		return false
	}
	return t.Unbounded() || miles < t.MaxMiles
}

// Charge returns the trip charge plus the per-mile charge for miles.
func (t DistanceTier) Charge(miles float64) float64 {
	return t.TripCharge + miles*t.PerMileCharge
}

// ServiceCenter is a depot technicians dispatch from.
type ServiceCenter struct {
	ID   int64   `json:"id,omitempty" yaml:"-"`
	Name string  `json:"name" yaml:"name"`
	Lat  float64 `json:"lat" yaml:"lat"`
	Lon  float64 `json:"lon" yaml:"lon"`
}

// ServiceTier is a monitoring/maintenance plan billed monthly after install.
type ServiceTier struct {
	ID          int64   `json:"id,omitempty" yaml:"-"`
	Name        string  `json:"name" yaml:"name"`
	MonthlyFee  float64 `json:"monthly_fee" yaml:"monthly_fee"`
	Description string  `json:"description,omitempty" yaml:"description"`
}

// RatebookData is the full set of per-tenant reference data.
type RatebookData struct {
	Zones          []PricingZone            `json:"zones" yaml:"zones"`
	PropertyTypes  []PropertyTypePricing    `json:"property_types" yaml:"property_types"`
	Terrains       []TerrainModifier        `json:"terrains" yaml:"terrains"`
	DistanceTiers  []DistanceTier           `json:"distance_tiers" yaml:"distance_tiers"`
	ServiceCenters []ServiceCenter          `json:"service_centers" yaml:"service_centers"`
	ServiceTiers   []ServiceTier            `json:"service_tiers" yaml:"service_tiers"`
	DiscountRules  []SchedulingDiscountRule `json:"discount_rules" yaml:"discount_rules"`
	ApprovalRules  []ApprovalRule           `json:"approval_rules" yaml:"approval_rules"`
}
