package ratebook

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/fencepro/scheduling-core/internal/fetcher"
	"github.com/fencepro/scheduling-core/internal/model"
)

// LoadFile reads a ratebook seed file. YAML files carry a top-level
// "ratebook" key; XLSX workbooks carry one sheet per section.
func LoadFile(path string) (*model.RatebookData, error) {
	var (
		data *model.RatebookData
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = loadYAML(path)
	case ".xlsx":
		data, err = loadXLSX(path)
	default:
		return nil, eris.Errorf("ratebook: unsupported file type %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	// Build once to surface tier and zone errors at import time.
	if _, err := New("", *data); err != nil {
		return nil, err
	}
	return data, nil
}

func loadYAML(path string) (*model.RatebookData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ratebook: read %s", path)
	}

	var wrapper struct {
		Ratebook model.RatebookData `yaml:"ratebook"`
	}
	if err := yaml.Unmarshal(raw, &wrapper); err != nil {
		return nil, eris.Wrap(err, "ratebook: parse yaml")
	}
	return &wrapper.Ratebook, nil
}

// Workbook sheet names.
const (
	SheetZones          = "zones"
	SheetPropertyTypes  = "property_types"
	SheetTerrains       = "terrains"
	SheetDistanceTiers  = "distance_tiers"
	SheetServiceCenters = "service_centers"
	SheetServiceTiers   = "service_tiers"
	SheetDiscountRules  = "discount_rules"
	SheetApprovalRules  = "approval_rules"
)

func loadXLSX(path string) (*model.RatebookData, error) {
	wb, err := fetcher.ReadWorkbook(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ratebook: read workbook %s", path)
	}

	p := &sheetParser{}
	data := &model.RatebookData{}
	for _, r := range p.records(wb, SheetZones) {
		data.Zones = append(data.Zones, model.PricingZone{
			Name:             r.Get("name"),
			PostalCode:       r.Get("postal_code"),
			City:             r.Get("city"),
			State:            r.Get("state"),
			BaseMultiplier:   p.float(r, "base_multiplier", 1),
			LaborRate:        p.float(r, "labor_rate", DefaultZone.LaborRate),
			MaterialMarkup:   p.float(r, "material_markup", 0),
			MarketDemand:     model.MarketDemand(strings.ToLower(r.Get("market_demand"))),
			CompetitionLevel: model.CompetitionLevel(strings.ToLower(r.Get("competition_level"))),
		})
	}
	for _, r := range p.records(wb, SheetPropertyTypes) {
		data.PropertyTypes = append(data.PropertyTypes, model.PropertyTypePricing{
			Name:                 r.Get("name"),
			BasePrice:            p.float(r, "base_price", 0),
			PerFootPrice:         p.float(r, "per_foot_price", 0),
			DifficultyMultiplier: p.float(r, "difficulty_multiplier", 1),
			InstallHours:         p.float(r, "install_hours", 0),
		})
	}
	for _, r := range p.records(wb, SheetTerrains) {
		data.Terrains = append(data.Terrains, model.TerrainModifier{
			Name:                 r.Get("name"),
			DifficultyMultiplier: p.float(r, "difficulty_multiplier", 1),
			AdditionalHours:      p.float(r, "additional_hours", 0),
		})
	}
	for _, r := range p.records(wb, SheetDistanceTiers) {
		data.DistanceTiers = append(data.DistanceTiers, model.DistanceTier{
			MinMiles:      p.float(r, "min_miles", 0),
			MaxMiles:      p.float(r, "max_miles", 0),
			TripCharge:    p.float(r, "trip_charge", 0),
			PerMileCharge: p.float(r, "per_mile_charge", 0),
		})
	}
	for _, r := range p.records(wb, SheetServiceCenters) {
		data.ServiceCenters = append(data.ServiceCenters, model.ServiceCenter{
			Name: r.Get("name"),
			Lat:  p.float(r, "lat", 0),
			Lon:  p.float(r, "lon", 0),
		})
	}
	for _, r := range p.records(wb, SheetServiceTiers) {
		data.ServiceTiers = append(data.ServiceTiers, model.ServiceTier{
			Name:        r.Get("name"),
			MonthlyFee:  p.float(r, "monthly_fee", 0),
			Description: r.Get("description"),
		})
	}
	for _, r := range p.records(wb, SheetDiscountRules) {
		data.DiscountRules = append(data.DiscountRules, model.SchedulingDiscountRule{
			Name:             r.Get("name"),
			Family:           model.DiscountFamily(strings.ToLower(r.Get("family"))),
			MinJobs:          int(p.float(r, "min_jobs", 0)),
			MaxJobs:          int(p.float(r, "max_jobs", 0)),
			Percentage:       p.float(r, "percentage", 0),
			FixedAmount:      p.float(r, "fixed_amount", 0),
			FuelSavingsShare: p.float(r, "fuel_savings_share", 0),
			Active:           p.bool(r, "active", true),
		})
	}
	for _, r := range p.records(wb, SheetApprovalRules) {
		data.ApprovalRules = append(data.ApprovalRules, model.ApprovalRule{
			Name:                r.Get("name"),
			Type:                model.ApprovalRuleType(strings.ToLower(r.Get("type"))),
			Condition:           r.Get("condition"),
			ThresholdAmount:     p.float(r, "threshold_amount", 0),
			ThresholdPercentage: p.float(r, "threshold_percentage", 0),
			RequiredLevel:       model.ApprovalLevel(strings.ToLower(r.Get("required_level"))),
			Active:              p.bool(r, "active", true),
		})
	}

	if p.err != nil {
		return nil, p.err
	}
	return data, nil
}

// sheetParser converts workbook cells, keeping the first error.
type sheetParser struct {
	sheet string
	err   error
}

func (p *sheetParser) records(wb map[string][][]string, sheet string) []fetcher.Record {
	rows := wb[sheet]
	if len(rows) == 0 {
		return nil
	}
	p.sheet = sheet
	recs := fetcher.Records(rows[0], rows[1:])
	out := recs[:0]
	for _, r := range recs {
		if r.Get("name") == "" && sheet != SheetDistanceTiers {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (p *sheetParser) float(r fetcher.Record, col string, def float64) float64 {
	s := r.Get(col)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		if p.err == nil {
			p.err = eris.Errorf("ratebook: sheet %s: column %s: %q is not a number", p.sheet, col, s)
		}
		return def
	}
	return v
}

func (p *sheetParser) bool(r fetcher.Record, col string, def bool) bool {
	switch strings.ToLower(r.Get(col)) {
	case "":
		return def
	case "true", "yes", "y", "1":
		return true
	case "false", "no", "n", "0":
		return false
	default:
		if p.err == nil {
			p.err = eris.Errorf("ratebook: sheet %s: column %s: %q is not a boolean", p.sheet, col, r.Get(col))
		}
		return def
	}
}
