package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarketDemandMultiplier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		demand MarketDemand
		want   float64
	}{
		{DemandLow, 0.95},
		{DemandNormal, 1.00},
		{DemandHigh, 1.08},
		{MarketDemand(""), 1.00},
		{MarketDemand("surging"), 1.00},
	}

	for _, tt := range tests {
		t.Run(string(tt.demand), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.demand.Multiplier())
		})
	}
}

func TestDistanceTier(t *testing.T) {
	t.Parallel()

	bounded := DistanceTier{MinMiles: 10, MaxMiles: 25, TripCharge: 50, PerMileCharge: 2}
	assert.False(t, bounded.Contains(9.99))
	assert.True(t, bounded.Contains(10))
	assert.True(t, bounded.Contains(24.99))
	assert.False(t, bounded.Contains(25))
	assert.InDelta(t, 90.0, bounded.Charge(20), 1e-9)

	open := DistanceTier{MinMiles: 25}
	assert.True(t, open.Unbounded())
	assert.True(t, open.Contains(10_000))
}

func TestPropertySizeEstimatedPerimeter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 300.0, SizeSmall.EstimatedPerimeter())
	assert.Equal(t, 500.0, SizeMedium.EstimatedPerimeter())
	assert.Equal(t, 800.0, SizeLarge.EstimatedPerimeter())
	assert.Equal(t, 1500.0, SizeAcreage.EstimatedPerimeter())
	assert.Equal(t, 0.0, PropertySize("").EstimatedPerimeter())
}

func TestDateRangeContains(t *testing.T) {
	t.Parallel()

	r := DateRange{
		Start: time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 5, 8, 0, 0, 0, 0, time.UTC),
	}
	assert.True(t, r.Contains(time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)))
	assert.True(t, r.Contains(time.Date(2026, 5, 8, 23, 59, 0, 0, time.UTC)))
	assert.False(t, r.Contains(time.Date(2026, 5, 9, 0, 0, 0, 0, time.UTC)))
	assert.False(t, r.Contains(time.Date(2026, 5, 3, 23, 0, 0, 0, time.UTC)))
}

func TestSumLineItems(t *testing.T) {
	t.Parallel()

	q := &PricedQuote{LineItems: []LineItem{
		{Code: "a", Amount: decimal.RequireFromString("100.10")},
		{Code: "b", Amount: decimal.RequireFromString("-20.05")},
	}}
	assert.True(t, decimal.RequireFromString("80.05").Equal(q.SumLineItems()))
}

func TestSchedulingDiscountRuleCovers(t *testing.T) {
	t.Parallel()

	r := SchedulingDiscountRule{MinJobs: 3, MaxJobs: 3}
	assert.False(t, r.Covers(2))
	assert.True(t, r.Covers(3))
	assert.False(t, r.Covers(4))

	open := SchedulingDiscountRule{MinJobs: 5}
	assert.True(t, open.Covers(50))
}

func TestApprovalLevelOrdering(t *testing.T) {
	t.Parallel()

	assert.Less(t, LevelManager.Rank(), LevelDirector.Rank())
	assert.Less(t, LevelDirector.Rank(), LevelOwner.Rank())
	assert.False(t, ApprovalLevel("ceo").Valid())
	assert.Equal(t, LevelOwner, MaxLevel(LevelDirector, LevelOwner))
	assert.Equal(t, LevelDirector, MaxLevel(LevelDirector, LevelManager))
}

func TestQuoteStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, QuoteStatusPending.Terminal())
	assert.True(t, QuoteStatusAccepted.Terminal())
	assert.True(t, QuoteStatusRejected.Terminal())
	assert.True(t, QuoteStatusExpired.Terminal())
	assert.False(t, ApprovalPending.Terminal())
	assert.True(t, ApprovalExpired.Terminal())
}

func TestErrorTypes(t *testing.T) {
	t.Parallel()

	var err error = &CapacityConflictError{ClusterID: "c1", MaxJobs: 4}
	var capErr *CapacityConflictError
	require.True(t, errors.As(err, &capErr))
	assert.Contains(t, err.Error(), "c1")

	err = NewValidationError("perimeter_feet", "must be >= 0")
	assert.Equal(t, "validation failed: perimeter_feet: must be >= 0", err.Error())

	err = &WorkflowStateError{ApprovalID: "a1", Status: ApprovalRejected, Reason: "approval is terminal"}
	assert.Equal(t, "approval a1 (rejected): approval is terminal", err.Error())
}

func TestJobClusterOpenSlots(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 2, JobCluster{MaxJobs: 6, JobCount: 4}.OpenSlots())
	assert.Equal(t, 0, JobCluster{MaxJobs: 6, JobCount: 7}.OpenSlots())
}
