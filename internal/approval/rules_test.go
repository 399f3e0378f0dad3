package approval

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fencepro/scheduling-core/internal/model"
)

func testRules() []model.ApprovalRule {
	return []model.ApprovalRule{
		{Name: "Large job", Type: model.RuleAmount, ThresholdAmount: 5000, RequiredLevel: model.LevelManager, Active: true},
		{Name: "Very large job", Type: model.RuleAmount, ThresholdAmount: 15000, RequiredLevel: model.LevelDirector, Active: true},
		{Name: "Deep discount", Type: model.RuleDiscount, ThresholdPercentage: 15, RequiredLevel: model.LevelDirector, Active: true},
		{Name: "Off-pattern price", Type: model.RuleAnomaly, RequiredLevel: model.LevelOwner, Active: true},
		{Name: "Market check", Type: model.RuleCustom, Condition: model.ConditionCompetitorVariance, RequiredLevel: model.LevelManager, Active: true},
		{Name: "Retired", Type: model.RuleAmount, ThresholdAmount: 1, RequiredLevel: model.LevelOwner, Active: false},
	}
}

func input(price string) EvaluationInput {
	return EvaluationInput{
		QuoteID:       "q-1",
		PropertyType:  "Standard Residential",
		Perimeter:     400,
		OriginalPrice: decimal.RequireFromString(price),
		FinalPrice:    decimal.RequireFromString(price),
		Rules:         testRules(),
	}
}

func triggerNames(f Finding) []string {
	var out []string
	for _, tr := range f.Triggers {
		out = append(out, tr.RuleName)
	}
	return out
}

func TestEvaluateRules_AmountBoundaryInclusive(t *testing.T) {
	t.Parallel()

	f := EvaluateRules(input("5000.00"), References{})
	assert.Equal(t, []string{"Large job"}, triggerNames(f))
	assert.Equal(t, model.LevelManager, f.RequiredLevel)

	f = EvaluateRules(input("4999.99"), References{})
	assert.False(t, f.Fired(), "one cent below the threshold does not fire")
	assert.Empty(t, f.Alerts)
	assert.Equal(t, model.ApprovalLevel(""), f.RequiredLevel)
}

func TestEvaluateRules_MultipleAmountTiers(t *testing.T) {
	t.Parallel()

	f := EvaluateRules(input("15000"), References{})
	assert.Equal(t, []string{"Large job", "Very large job"}, triggerNames(f))
	assert.Equal(t, model.LevelDirector, f.RequiredLevel)
	assert.Len(t, f.Alerts, 2)
	for _, a := range f.Alerts {
		assert.Equal(t, model.AlertRuleFired, a.Kind)
		assert.Equal(t, "q-1", a.QuoteID)
	}
}

func TestEvaluateRules_DiscountInclusive(t *testing.T) {
	t.Parallel()

	in := input("3000")
	in.DiscountPercentage = 15
	f := EvaluateRules(in, References{})
	assert.Equal(t, []string{"Deep discount"}, triggerNames(f))
	assert.Equal(t, 15.0, f.Triggers[0].Observed)

	in.DiscountPercentage = 14.99
	assert.False(t, EvaluateRules(in, References{}).Fired())
}

func TestEvaluateRules_Anomaly(t *testing.T) {
	t.Parallel()

	similar := []float64{3000, 3100, 2900}

	f := EvaluateRules(input("3800"), References{SimilarPrices: similar})
	assert.Equal(t, []string{"Off-pattern price"}, triggerNames(f))
	assert.Equal(t, model.LevelOwner, f.RequiredLevel)
	require.Len(t, f.Alerts, 2)
	assert.Equal(t, model.SeverityCritical, f.Alerts[0].Severity)
	assert.Equal(t, model.AlertPriceAnomaly, f.Alerts[1].Kind)
	assert.Equal(t, 3000.0, f.Alerts[1].Reference)

	f = EvaluateRules(input("3750"), References{SimilarPrices: similar})
	assert.False(t, f.Fired(), "exactly 25% is not beyond the band")

	f = EvaluateRules(input("2200"), References{SimilarPrices: similar})
	assert.True(t, f.Fired(), "deviation below the mean counts too")

	f = EvaluateRules(input("9000"), References{SimilarPrices: []float64{3000, 3000}})
	assert.NotContains(t, triggerNames(f), "Off-pattern price", "fewer than three similar quotes")
}

func TestEvaluateRules_CompetitorVariance(t *testing.T) {
	t.Parallel()

	competitors := []float64{3000, 3000}

	tests := []struct {
		price string
		fired bool
	}{
		{"3600", false},
		{"3600.01", true},
		{"2550", false},
		{"2549.99", true},
		{"3000", false},
	}
	for _, tt := range tests {
		f := EvaluateRules(input(tt.price), References{CompetitorPrices: competitors})
		assert.Equal(t, tt.fired, f.Fired(), "price %s", tt.price)
		if tt.fired {
			require.Len(t, f.Alerts, 2)
			assert.Equal(t, model.AlertCompetitorVariance, f.Alerts[1].Kind)
		}
	}
}

func TestEvaluateRules_AnomalyAlertWithoutRule(t *testing.T) {
	t.Parallel()

	in := input("6000")
	in.Rules = nil
	f := EvaluateRules(in, References{SimilarPrices: []float64{3000, 3000, 3000}, CompetitorPrices: []float64{3000}})

	assert.False(t, f.Fired())
	require.Len(t, f.Alerts, 2)
	assert.Equal(t, model.AlertPriceAnomaly, f.Alerts[0].Kind)
	assert.Equal(t, model.AlertCompetitorVariance, f.Alerts[1].Kind)
}

func TestEvaluateRules_InvalidLevelEscalatesToManager(t *testing.T) {
	t.Parallel()

	in := input("100")
	in.Rules = []model.ApprovalRule{{Name: "Any", Type: model.RuleAmount, ThresholdAmount: 0, Active: true}}
	f := EvaluateRules(in, References{})
	assert.Equal(t, model.LevelManager, f.RequiredLevel)
}

func TestSimilarPerimeterRange(t *testing.T) {
	t.Parallel()

	lo, hi := SimilarPerimeterRange(500)
	assert.InDelta(t, 400, lo, 1e-9)
	assert.InDelta(t, 600, hi, 1e-9)
}
