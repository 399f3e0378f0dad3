package ratebook

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/fencepro/scheduling-core/internal/model"
)

const testYAML = `ratebook:
  zones:
    - name: Austin Metro
      city: Austin
      state: TX
      base_multiplier: 1.1
      labor_rate: 42
      market_demand: high
  property_types:
    - name: Standard Residential
      base_price: 2500
      per_foot_price: 0.5
      install_hours: 4
  terrains:
    - name: Flat/Easy
      difficulty_multiplier: 1.0
  distance_tiers:
    - {min_miles: 10, max_miles: 0, trip_charge: 25, per_mile_charge: 1.5}
    - {min_miles: 0, max_miles: 10, trip_charge: 0, per_mile_charge: 0}
  discount_rules:
    - name: Three Job Cluster
      family: cluster
      min_jobs: 3
      max_jobs: 3
      percentage: 12
      fuel_savings_share: 0.7
      active: true
  approval_rules:
    - name: Large Job
      type: amount
      threshold_amount: 10000
      required_level: director
      active: true
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile_YAML(t *testing.T) {
	data, err := LoadFile(writeFile(t, "ratebook.yaml", testYAML))
	require.NoError(t, err)

	require.Len(t, data.Zones, 1)
	assert.Equal(t, model.DemandHigh, data.Zones[0].MarketDemand)
	assert.Len(t, data.DistanceTiers, 2)
	require.Len(t, data.DiscountRules, 1)
	assert.Equal(t, model.FamilyCluster, data.DiscountRules[0].Family)
	assert.True(t, data.DiscountRules[0].Active)
	require.Len(t, data.ApprovalRules, 1)
	assert.Equal(t, model.LevelDirector, data.ApprovalRules[0].RequiredLevel)
}

func TestLoadFile_YAMLInvalidTiers(t *testing.T) {
	bad := `ratebook:
  distance_tiers:
    - {min_miles: 0, max_miles: 10}
    - {min_miles: 15, max_miles: 0}
`
	_, err := LoadFile(writeFile(t, "bad.yml", bad))
	assert.ErrorContains(t, err, "not contiguous")
}

func TestLoadFile_Unsupported(t *testing.T) {
	_, err := LoadFile(writeFile(t, "ratebook.json", "{}"))
	assert.ErrorContains(t, err, "unsupported file type")
}

func createWorkbook(t *testing.T, sheets map[string][][]string, order ...string) string {
	t.Helper()
	f := xlsx.NewFile()
	for _, name := range order {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range sheets[name] {
			row := sheet.AddRow()
			for _, cell := range rowData {
				row.AddCell().SetString(cell)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "ratebook.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestLoadFile_XLSX(t *testing.T) {
	path := createWorkbook(t, map[string][][]string{
		SheetZones: {
			{"Name", "Postal_Code", "City", "State", "Base_Multiplier", "Labor_Rate", "Market_Demand"},
			{"Downtown", "78701", "Austin", "TX", "1.25", "55", "High"},
			{"", "", "", "", "", "", ""},
		},
		SheetDistanceTiers: {
			{"min_miles", "max_miles", "trip_charge", "per_mile_charge"},
			{"0", "10", "0", "0"},
			{"10", "", "25", "1.5"},
		},
		SheetDiscountRules: {
			{"name", "family", "min_jobs", "max_jobs", "percentage", "fuel_savings_share"},
			{"Pair", "cluster", "2", "2", "8%", "0.5"},
		},
		SheetServiceTiers: {
			{"name", "monthly_fee", "description"},
			{"Standard", "29.99", "Monthly inspection"},
		},
	}, SheetZones, SheetDistanceTiers, SheetDiscountRules, SheetServiceTiers)

	data, err := LoadFile(path)
	require.NoError(t, err)

	require.Len(t, data.Zones, 1)
	z := data.Zones[0]
	assert.Equal(t, "78701", z.PostalCode)
	assert.Equal(t, 1.25, z.BaseMultiplier)
	assert.Equal(t, model.DemandHigh, z.MarketDemand)

	require.Len(t, data.DistanceTiers, 2)
	assert.True(t, data.DistanceTiers[1].Unbounded())

	require.Len(t, data.DiscountRules, 1)
	assert.Equal(t, 8.0, data.DiscountRules[0].Percentage)
	assert.True(t, data.DiscountRules[0].Active)

	require.Len(t, data.ServiceTiers, 1)
	assert.Equal(t, 29.99, data.ServiceTiers[0].MonthlyFee)
}

func TestLoadFile_XLSXBadNumber(t *testing.T) {
	path := createWorkbook(t, map[string][][]string{
		SheetTerrains: {{"name", "difficulty_multiplier"}, {"Rocky", "steep"}},
	}, SheetTerrains)

	_, err := LoadFile(path)
	assert.ErrorContains(t, err, `"steep" is not a number`)
}

func TestLoadFile_XLSXBadBool(t *testing.T) {
	path := createWorkbook(t, map[string][][]string{
		SheetApprovalRules: {{"name", "type", "active"}, {"Big", "amount", "maybe"}},
	}, SheetApprovalRules)

	_, err := LoadFile(path)
	assert.ErrorContains(t, err, "is not a boolean")
}
