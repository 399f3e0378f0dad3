package model

// DiscountFamily groups discount rules that compete with each other.
type DiscountFamily string

const (
	FamilyCluster  DiscountFamily = "cluster"
	FamilyFlexible DiscountFamily = "flexible"
)

// SchedulingDiscountRule maps a cluster size range to a price reduction.
// Percentage is a percent (12 means 12%); FuelSavingsShare is a fraction (0.7).
// MaxJobs of zero means no upper bound.
type SchedulingDiscountRule struct {
	ID               int64          `json:"id,omitempty" yaml:"-"`
	Name             string         `json:"name" yaml:"name"`
	Family           DiscountFamily `json:"family" yaml:"family"`
	MinJobs          int            `json:"min_jobs" yaml:"min_jobs"`
	MaxJobs          int            `json:"max_jobs" yaml:"max_jobs"`
	Percentage       float64        `json:"percentage" yaml:"percentage"`
	FixedAmount      float64        `json:"fixed_amount" yaml:"fixed_amount"`
	FuelSavingsShare float64        `json:"fuel_savings_share" yaml:"fuel_savings_share"`
	Active           bool           `json:"active" yaml:"active"`
}

// Covers reports whether jobs falls inside the rule's [MinJobs, MaxJobs] range.
func (r SchedulingDiscountRule) Covers(jobs int) bool {
	if jobs < r.MinJobs {
		return false
	}
	return r.MaxJobs <= 0 || jobs <= r.MaxJobs
}
