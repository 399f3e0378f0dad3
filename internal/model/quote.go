package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PropertySize buckets a property when no perimeter measurement exists.
type PropertySize string

const (
	SizeSmall   PropertySize = "small"
	SizeMedium  PropertySize = "medium"
	SizeLarge   PropertySize = "large"
	SizeAcreage PropertySize = "acreage"
)

// EstimatedPerimeter returns a typical fence perimeter in feet for the size.
func (s PropertySize) EstimatedPerimeter() float64 {
	switch s {
	case SizeSmall:
		return 300
	case SizeMedium:
		return 500
	case SizeLarge:
		return 800
	case SizeAcreage:
		return 1500
	default:
		return 0
	}
}

// DateRange is an inclusive range of service dates.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether d falls on or between Start and End (by calendar day).
func (r DateRange) Contains(d time.Time) bool {
	day := TruncateDay(d)
	return !day.Before(TruncateDay(r.Start)) && !day.After(TruncateDay(r.End))
}

// Overlap returns the days r and o share. ok is false when they are disjoint.
func (r DateRange) Overlap(o DateRange) (DateRange, bool) {
	start, end := TruncateDay(r.Start), TruncateDay(r.End)
	if s := TruncateDay(o.Start); s.After(start) {
		start = s
	}
	if e := TruncateDay(o.End); e.Before(end) {
		end = e
	}
	if end.Before(start) {
		return DateRange{}, false
	}
	return DateRange{Start: start, End: end}, true
}

// TruncateDay returns midnight UTC of t's calendar day.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// QuoteRequest is the ephemeral input to pricing.
type QuoteRequest struct {
	Street       string       `json:"street,omitempty"`
	City         string       `json:"city,omitempty"`
	State        string       `json:"state,omitempty" validate:"omitempty,len=2"`
	PostalCode   string       `json:"postal_code,omitempty" validate:"omitempty,min=3,max=10"`
	Lat          *float64     `json:"lat,omitempty" validate:"omitempty,latitude"`
	Lon          *float64     `json:"lon,omitempty" validate:"omitempty,longitude"`
	PropertySize PropertySize `json:"property_size" validate:"omitempty,oneof=small medium large acreage"`
	Perimeter    float64      `json:"perimeter_feet" validate:"gte=0,lte=100000"`
	PropertyType string       `json:"property_type"`
	Terrain      string       `json:"terrain"`
	PetCount     int          `json:"pet_count" validate:"gte=0,lte=20"`
	ServiceTier  string       `json:"service_tier,omitempty"`

	PreferredDate       *time.Time `json:"preferred_date,omitempty"`
	DateRange           *DateRange `json:"date_range,omitempty"`
	FlexibleScheduling  bool       `json:"flexible_scheduling"`
	SearchRadiusMiles   float64    `json:"search_radius_miles,omitempty" validate:"gte=0,lte=250"`
	EstimatedJobMinutes int        `json:"estimated_job_minutes,omitempty" validate:"gte=0,lte=1440"`

	CustomerName string `json:"customer_name,omitempty"`
	RequestedBy  string `json:"requested_by,omitempty"`
}

// HasCoordinates reports whether explicit coordinates were supplied.
func (r QuoteRequest) HasCoordinates() bool { return r.Lat != nil && r.Lon != nil }

// HasAddress reports whether any address field was supplied.
func (r QuoteRequest) HasAddress() bool {
	return r.Street != "" || r.City != "" || r.State != "" || r.PostalCode != ""
}

// ResolutionTag records whether a reference lookup found a real match.
type ResolutionTag struct {
	Name      string `json:"name"`
	Source    string `json:"source"`
	MatchedBy string `json:"matched_by,omitempty"`
}

// Breakdown exposes every intermediate pricing term.
type Breakdown struct {
	PropertyBase      decimal.Decimal `json:"property_base"`
	PerimeterFeet     float64         `json:"perimeter_feet"`
	PerFootPrice      float64         `json:"per_foot_price"`
	PerimeterCharge   decimal.Decimal `json:"perimeter_charge"`
	ZoneMultiplier    float64         `json:"zone_multiplier"`
	ZoneAdjustment    decimal.Decimal `json:"zone_adjustment"`
	TerrainMultiplier float64         `json:"terrain_multiplier"`
	TerrainAdjustment decimal.Decimal `json:"terrain_adjustment"`
	PetCount          int             `json:"pet_count"`
	PetMultiplier     float64         `json:"pet_multiplier"`
	PetAdjustment     decimal.Decimal `json:"pet_adjustment"`
	BasePrice         decimal.Decimal `json:"base_price"`
	LaborHours        float64         `json:"labor_hours"`
	LaborRate         float64         `json:"labor_rate"`
	LaborCost         decimal.Decimal `json:"labor_cost"`
	DistanceMiles     float64         `json:"distance_miles"`
	DistanceCharge    decimal.Decimal `json:"distance_charge"`
	InstallationCost  decimal.Decimal `json:"installation_cost"`
	MarketDemand      MarketDemand    `json:"market_demand"`
	DemandMultiplier  float64         `json:"demand_multiplier"`
	DemandAdjustment  decimal.Decimal `json:"demand_adjustment"`
	FinalCost         decimal.Decimal `json:"final_cost"`
	MonthlyServiceFee decimal.Decimal `json:"monthly_service_fee"`
}

// LineItem is one signed monetary term of the one-time total.
type LineItem struct {
	Code   string          `json:"code"`
	Label  string          `json:"label"`
	Amount decimal.Decimal `json:"amount"`
}

// Totals are the headline numbers of a priced quote.
type Totals struct {
	OneTimeInstallation decimal.Decimal `json:"one_time_installation"`
	FirstYearTotal      decimal.Decimal `json:"first_year_total"`
}

// PricedQuote is the immutable output of pricing.
type PricedQuote struct {
	Zone          ResolutionTag    `json:"zone"`
	PropertyType  ResolutionTag    `json:"property_type"`
	Terrain       ResolutionTag    `json:"terrain"`
	ServiceTier   ResolutionTag    `json:"service_tier"`
	ServiceCenter string           `json:"service_center,omitempty"`
	Breakdown     Breakdown        `json:"breakdown"`
	LineItems     []LineItem       `json:"line_items"`
	Discount      *AppliedDiscount `json:"discount,omitempty"`
	Totals        Totals           `json:"totals"`
	Warnings      []string         `json:"warnings,omitempty"`
}

// SumLineItems returns the sum of every line item.
func (q *PricedQuote) SumLineItems() decimal.Decimal {
	sum := decimal.Zero
	for _, li := range q.LineItems {
		sum = sum.Add(li.Amount)
	}
	return sum
}

// AppliedDiscount is the single scheduling discount attached to a quote.
type AppliedDiscount struct {
	OptionKind OptionKind      `json:"option_kind"`
	RuleName   string          `json:"rule_name"`
	Percentage float64         `json:"percentage"`
	Amount     decimal.Decimal `json:"amount"`
}

// QuoteStatus is the lifecycle state of a persisted quote.
type QuoteStatus string

const (
	QuoteStatusPending  QuoteStatus = "pending"
	QuoteStatusAccepted QuoteStatus = "accepted"
	QuoteStatusRejected QuoteStatus = "rejected"
	QuoteStatusExpired  QuoteStatus = "expired"
)

// Terminal reports whether no further lifecycle transitions are allowed.
func (s QuoteStatus) Terminal() bool {
	return s == QuoteStatusAccepted || s == QuoteStatusRejected || s == QuoteStatusExpired
}

// QuoteRecord is a quote_history row.
type QuoteRecord struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenant_id"`
	Status             QuoteStatus     `json:"status"`
	PropertyType       string          `json:"property_type"`
	Perimeter          float64         `json:"perimeter_feet"`
	ZoneName           string          `json:"zone_name"`
	Street             string          `json:"street,omitempty"`
	City               string          `json:"city,omitempty"`
	State              string          `json:"state,omitempty"`
	PostalCode         string          `json:"postal_code,omitempty"`
	Lat                *float64        `json:"lat,omitempty"`
	Lon                *float64        `json:"lon,omitempty"`
	PreferredDate      *time.Time      `json:"preferred_date,omitempty"`
	DateStart          *time.Time      `json:"date_start,omitempty"`
	DateEnd            *time.Time      `json:"date_end,omitempty"`
	FlexibleScheduling bool            `json:"flexible_scheduling"`
	JobMinutes         int             `json:"job_minutes"`
	OriginalPrice      float64         `json:"original_price"`
	FinalPrice         float64         `json:"final_price"`
	DiscountAmount     float64         `json:"discount_amount"`
	DiscountPercentage float64         `json:"discount_percentage"`
	Breakdown          json.RawMessage `json:"breakdown,omitempty"`
	SelectedOption     json.RawMessage `json:"selected_option,omitempty"`
	ClusterID          string          `json:"cluster_id,omitempty"`
	CustomerID         string          `json:"customer_id,omitempty"`
	RequestedBy        string          `json:"requested_by,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Window returns the service dates the quote can take: its date range, else
// its preferred day. ok is false for a quote with neither.
func (q QuoteRecord) Window() (DateRange, bool) {
	switch {
	case q.DateStart != nil && q.DateEnd != nil:
		return DateRange{Start: TruncateDay(*q.DateStart), End: TruncateDay(*q.DateEnd)}, true
	case q.PreferredDate != nil:
		day := TruncateDay(*q.PreferredDate)
		return DateRange{Start: day, End: day}, true
	default:
		return DateRange{}, false
	}
}

// CompetitorPrice is one observed competitor quote.
type CompetitorPrice struct {
	TenantID     string    `json:"tenant_id,omitempty"`
	Competitor   string    `json:"competitor"`
	PropertyType string    `json:"property_type"`
	Price        float64   `json:"price"`
	ObservedAt   time.Time `json:"observed_at"`
}
