package store

import (
	"github.com/rotisserie/eris"

	"github.com/fencepro/scheduling-core/internal/model"
	"github.com/fencepro/scheduling-core/internal/ratebook"
)

// ratebookTable describes one reference-data table. Every table also has
// tenant_id and position columns; position preserves seed order and becomes
// the loaded row's ID.
type ratebookTable struct {
	name    string
	columns []string
	key     string
}

var ratebookTables = []ratebookTable{
	{"pricing_zones", []string{"name", "postal_code", "city", "state", "base_multiplier", "labor_rate", "material_markup", "market_demand", "competition_level"}, "name"},
	{"property_types", []string{"name", "base_price", "per_foot_price", "difficulty_multiplier", "install_hours"}, "name"},
	{"terrain_modifiers", []string{"name", "difficulty_multiplier", "additional_hours"}, "name"},
	{"distance_pricing", []string{"min_miles", "max_miles", "trip_charge", "per_mile_charge"}, "min_miles"},
	{"service_centers", []string{"name", "lat", "lon"}, "name"},
	{"service_tiers", []string{"name", "monthly_fee", "description"}, "name"},
	{"scheduling_discounts", []string{"name", "family", "min_jobs", "max_jobs", "percentage", "fixed_amount", "fuel_savings_share", "active"}, "name"},
	{"approval_rules", []string{"name", "rule_type", "condition", "threshold_amount", "threshold_percentage", "required_level", "active"}, "name"},
}

// insertColumns returns tenant_id, position and the table's own columns.
func (t ratebookTable) insertColumns() []string {
	return append([]string{"tenant_id", "position"}, t.columns...)
}

// rows converts data into insert rows for the table. Rows whose key repeats
// an earlier row are dropped so the first one wins.
func (t ratebookTable) rows(tenantID string, data model.RatebookData) [][]any {
	var raw [][]any
	switch t.name {
	case "pricing_zones":
		for _, z := range data.Zones {
			raw = append(raw, []any{z.Name, z.PostalCode, z.City, z.State, z.BaseMultiplier, z.LaborRate, z.MaterialMarkup, string(z.MarketDemand), string(z.CompetitionLevel)})
		}
	case "property_types":
		for _, p := range data.PropertyTypes {
			raw = append(raw, []any{p.Name, p.BasePrice, p.PerFootPrice, p.DifficultyMultiplier, p.InstallHours})
		}
	case "terrain_modifiers":
		for _, tr := range data.Terrains {
			raw = append(raw, []any{tr.Name, tr.DifficultyMultiplier, tr.AdditionalHours})
		}
	case "distance_pricing":
		for _, d := range data.DistanceTiers {
			raw = append(raw, []any{d.MinMiles, d.MaxMiles, d.TripCharge, d.PerMileCharge})
		}
	case "service_centers":
		for _, c := range data.ServiceCenters {
			raw = append(raw, []any{c.Name, c.Lat, c.Lon})
		}
	case "service_tiers":
		for _, st := range data.ServiceTiers {
			raw = append(raw, []any{st.Name, st.MonthlyFee, st.Description})
		}
	case "scheduling_discounts":
		for _, r := range data.DiscountRules {
			raw = append(raw, []any{r.Name, string(r.Family), r.MinJobs, r.MaxJobs, r.Percentage, r.FixedAmount, r.FuelSavingsShare, r.Active})
		}
	case "approval_rules":
		for _, r := range data.ApprovalRules {
			raw = append(raw, []any{r.Name, string(r.Type), r.Condition, r.ThresholdAmount, r.ThresholdPercentage, string(r.RequiredLevel), r.Active})
		}
	}

	keyIdx := 0
	for i, c := range t.columns {
		if c == t.key {
			keyIdx = i
		}
	}
	seen := make(map[any]bool, len(raw))
	out := make([][]any, 0, len(raw))
	for _, r := range raw {
		k := r[keyIdx]
		if s, ok := k.(string); ok {
			k = ratebook.Fold(s)
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, append([]any{tenantID, len(out) + 1}, r...))
	}
	return out
}

// rowScanner is satisfied by both pgx.Rows and *sql.Rows.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// scanInto reads position plus the table's columns into data.
func (t ratebookTable) scanInto(rows rowScanner, data *model.RatebookData) error {
	for rows.Next() {
		var id int64
		var err error
		switch t.name {
		case "pricing_zones":
			var z model.PricingZone
			var demand, competition string
			err = rows.Scan(&id, &z.Name, &z.PostalCode, &z.City, &z.State, &z.BaseMultiplier, &z.LaborRate, &z.MaterialMarkup, &demand, &competition)
			z.ID, z.MarketDemand, z.CompetitionLevel = id, model.MarketDemand(demand), model.CompetitionLevel(competition)
			data.Zones = append(data.Zones, z)
		case "property_types":
			var p model.PropertyTypePricing
			err = rows.Scan(&id, &p.Name, &p.BasePrice, &p.PerFootPrice, &p.DifficultyMultiplier, &p.InstallHours)
			p.ID = id
			data.PropertyTypes = append(data.PropertyTypes, p)
		case "terrain_modifiers":
			var tr model.TerrainModifier
			err = rows.Scan(&id, &tr.Name, &tr.DifficultyMultiplier, &tr.AdditionalHours)
			tr.ID = id
			data.Terrains = append(data.Terrains, tr)
		case "distance_pricing":
			var d model.DistanceTier
			err = rows.Scan(&id, &d.MinMiles, &d.MaxMiles, &d.TripCharge, &d.PerMileCharge)
			d.ID = id
			data.DistanceTiers = append(data.DistanceTiers, d)
		case "service_centers":
			var c model.ServiceCenter
			err = rows.Scan(&id, &c.Name, &c.Lat, &c.Lon)
			c.ID = id
			data.ServiceCenters = append(data.ServiceCenters, c)
		case "service_tiers":
			var st model.ServiceTier
			err = rows.Scan(&id, &st.Name, &st.MonthlyFee, &st.Description)
			st.ID = id
			data.ServiceTiers = append(data.ServiceTiers, st)
		case "scheduling_discounts":
			var r model.SchedulingDiscountRule
			var family string
			err = rows.Scan(&id, &r.Name, &family, &r.MinJobs, &r.MaxJobs, &r.Percentage, &r.FixedAmount, &r.FuelSavingsShare, &r.Active)
			r.ID, r.Family = id, model.DiscountFamily(family)
			data.DiscountRules = append(data.DiscountRules, r)
		case "approval_rules":
			var r model.ApprovalRule
			var ruleType, level string
			err = rows.Scan(&id, &r.Name, &ruleType, &r.Condition, &r.ThresholdAmount, &r.ThresholdPercentage, &level, &r.Active)
			r.ID, r.Type, r.RequiredLevel = id, model.ApprovalRuleType(ruleType), model.ApprovalLevel(level)
			data.ApprovalRules = append(data.ApprovalRules, r)
		default:
			return eris.Errorf("store: unknown ratebook table %s", t.name)
		}
		if err != nil {
			return eris.Wrapf(err, "store: scan %s", t.name)
		}
	}
	return eris.Wrapf(rows.Err(), "store: iterate %s", t.name)
}

func (t ratebookTable) selectColumns() []string {
	return append([]string{"position"}, t.columns...)
}
