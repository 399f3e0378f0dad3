package discount

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fencepro/scheduling-core/internal/model"
)

func testRules() []model.SchedulingDiscountRule {
	return []model.SchedulingDiscountRule{
		{ID: 1, Name: "Two Job Cluster", Family: model.FamilyCluster, MinJobs: 2, MaxJobs: 2, Percentage: 5, FuelSavingsShare: 0.5, Active: true},
		{ID: 2, Name: "Three Job Cluster", Family: model.FamilyCluster, MinJobs: 3, MaxJobs: 3, Percentage: 12, FuelSavingsShare: 0.7, Active: true},
		{ID: 3, Name: "Four Plus Cluster", Family: model.FamilyCluster, MinJobs: 4, MaxJobs: 0, Percentage: 15, FuelSavingsShare: 0.8, Active: true},
		{ID: 4, Name: "Legacy Mega", Family: model.FamilyCluster, MinJobs: 3, MaxJobs: 10, Percentage: 40, Active: false},
		{ID: 5, Name: "Flexible Date", Family: model.FamilyFlexible, Percentage: 3, FixedAmount: 75, Active: true},
	}
}

func TestResolve_ThreeJobCluster(t *testing.T) {
	r := NewResolver(testRules(), 0.65)
	price := decimal.RequireFromString("3448.44")

	d, ok := r.Resolve(3, price, 10)
	require.True(t, ok)
	assert.Equal(t, "Three Job Cluster", d.Rule.Name)
	assert.Equal(t, 12.0, d.Rule.Percentage)
	assert.Equal(t, "413.81", d.PercentAmount.String())
	assert.Equal(t, "26", d.FuelSavings.String())
	assert.Equal(t, "18.2", d.FuelShare.String())
	assert.Equal(t, "432.01", d.Amount.String())
}

func TestResolve_RangeSelection(t *testing.T) {
	r := NewResolver(testRules(), 0.65)
	price := decimal.NewFromInt(1000)

	tests := []struct {
		jobs int
		want string
		ok   bool
	}{
		{1, "", false},
		{2, "Two Job Cluster", true},
		{3, "Three Job Cluster", true},
		{4, "Four Plus Cluster", true},
		{25, "Four Plus Cluster", true},
	}
	for _, tt := range tests {
		d, ok := r.Resolve(tt.jobs, price, 0)
		assert.Equal(t, tt.ok, ok, "jobs=%d", tt.jobs)
		assert.Equal(t, tt.want, d.Rule.Name, "jobs=%d", tt.jobs)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	r := NewResolver(testRules(), 0.65)
	price := decimal.RequireFromString("5210.07")

	for jobs := 1; jobs <= 8; jobs++ {
		a, okA := r.Resolve(jobs, price, 12.5)
		b, okB := r.Resolve(jobs, price, 12.5)
		assert.Equal(t, okA, okB)
		assert.Equal(t, a.Rule, b.Rule)
		assert.True(t, a.Amount.Equal(b.Amount))
	}
}

func TestResolve_OverlapTieBreak(t *testing.T) {
	rules := []model.SchedulingDiscountRule{
		{ID: 7, Name: "Late Ten", Family: model.FamilyCluster, MinJobs: 2, MaxJobs: 5, Percentage: 10, Active: true},
		{ID: 3, Name: "Early Ten", Family: model.FamilyCluster, MinJobs: 3, MaxJobs: 4, Percentage: 10, Active: true},
		{ID: 1, Name: "Eight", Family: model.FamilyCluster, MinJobs: 1, MaxJobs: 9, Percentage: 8, Active: true},
	}
	r := NewResolver(rules, 0)

	d, ok := r.Resolve(3, decimal.NewFromInt(1000), 0)
	require.True(t, ok)
	assert.Equal(t, "Early Ten", d.Rule.Name, "equal percentages fall to the lowest id")

	d, ok = r.Resolve(2, decimal.NewFromInt(1000), 0)
	require.True(t, ok)
	assert.Equal(t, "Late Ten", d.Rule.Name)

	d, ok = r.Resolve(9, decimal.NewFromInt(1000), 0)
	require.True(t, ok)
	assert.Equal(t, "Eight", d.Rule.Name)
}

func TestResolve_FixedAmountFloor(t *testing.T) {
	rules := []model.SchedulingDiscountRule{
		{Name: "Pair", Family: model.FamilyCluster, MinJobs: 2, MaxJobs: 2, Percentage: 5, FixedAmount: 100, Active: true},
	}
	r := NewResolver(rules, 0)

	d, _ := r.Resolve(2, decimal.NewFromInt(1000), 0)
	assert.Equal(t, "100", d.Amount.String(), "5% of 1000 is below the fixed amount")

	d, _ = r.Resolve(2, decimal.NewFromInt(4000), 0)
	assert.Equal(t, "200", d.Amount.String())
}

func TestResolveFlexible(t *testing.T) {
	r := NewResolver(testRules(), 0.65)

	d, ok := r.ResolveFlexible(decimal.NewFromInt(2000))
	require.True(t, ok)
	assert.Equal(t, "Flexible Date", d.Rule.Name)
	assert.Equal(t, "75", d.Amount.String())
	assert.True(t, d.FuelSavings.IsZero())

	_, ok = NewResolver(testRules()[:3], 0.65).ResolveFlexible(decimal.NewFromInt(2000))
	assert.False(t, ok)
}

func TestFuelSavings(t *testing.T) {
	assert.Equal(t, "26", FuelSavings(3, 10, 0.65).String())
	assert.True(t, FuelSavings(1, 10, 0.65).IsZero())
	assert.True(t, FuelSavings(4, 0, 0.65).IsZero())
	assert.True(t, FuelSavings(4, 10, 0).IsZero())
}

func TestScore(t *testing.T) {
	opt := model.SchedulingOption{EstimatedSavings: decimal.NewFromInt(432), JobsInCluster: 3}
	assert.InDelta(t, 10.32, Score(opt), 1e-9)
	assert.InDelta(t, 0.75, Score(model.SchedulingOption{EstimatedSavings: decimal.NewFromInt(75)}), 1e-9)
}

func TestBest(t *testing.T) {
	join := model.SchedulingOption{Kind: model.OptionJoinCluster, EstimatedSavings: decimal.NewFromInt(200), JobsInCluster: 2}
	newCluster := model.SchedulingOption{Kind: model.OptionNewCluster, EstimatedSavings: decimal.NewFromInt(500), JobsInCluster: 1}
	flexible := model.SchedulingOption{Kind: model.OptionFlexible, EstimatedSavings: decimal.NewFromInt(600)}

	best, ok := Best([]model.SchedulingOption{join, newCluster, flexible})
	require.True(t, ok)
	assert.Equal(t, model.OptionNewCluster, best.Kind)
	assert.InDelta(t, 7.0, best.Score, 1e-9)

	best, _ = Best([]model.SchedulingOption{join, flexible})
	assert.Equal(t, model.OptionJoinCluster, best.Kind, "ties keep the earlier option")

	_, ok = Best(nil)
	assert.False(t, ok)
}

func TestRank(t *testing.T) {
	opts := []model.SchedulingOption{
		{Kind: model.OptionFlexible, EstimatedSavings: decimal.NewFromInt(75)},
		{Kind: model.OptionJoinCluster, EstimatedSavings: decimal.NewFromInt(432), JobsInCluster: 3},
		{Kind: model.OptionNewCluster, EstimatedSavings: decimal.NewFromInt(100), JobsInCluster: 2},
	}
	Rank(opts)
	assert.Equal(t, model.OptionJoinCluster, opts[0].Kind)
	assert.Equal(t, model.OptionNewCluster, opts[1].Kind)
	assert.Equal(t, model.OptionFlexible, opts[2].Kind)
	assert.InDelta(t, 10.32, opts[0].Score, 1e-9)
}

func TestApplied(t *testing.T) {
	a := Applied(model.SchedulingOption{Kind: model.OptionJoinCluster, RuleName: "Three Job Cluster", Percentage: 12, DiscountAmount: decimal.RequireFromString("432.01")})
	assert.Equal(t, model.OptionJoinCluster, a.OptionKind)
	assert.Equal(t, "432.01", a.Amount.String())
}
