package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ApprovalRuleType selects how an approval rule is evaluated.
type ApprovalRuleType string

const (
	RuleAmount   ApprovalRuleType = "amount"
	RuleDiscount ApprovalRuleType = "discount"
	RuleAnomaly  ApprovalRuleType = "anomaly"
	RuleCustom   ApprovalRuleType = "custom"
)

// ConditionCompetitorVariance is the custom-rule condition comparing a quote
// with average competitor pricing.
const ConditionCompetitorVariance = "competitor_variance"

// ApprovalLevel is a sign-off level. Levels are totally ordered.
type ApprovalLevel string

const (
	LevelManager  ApprovalLevel = "manager"
	LevelDirector ApprovalLevel = "director"
	LevelOwner    ApprovalLevel = "owner"
)

// ApprovalLevels lists every level in escalation order.
var ApprovalLevels = []ApprovalLevel{LevelManager, LevelDirector, LevelOwner}

// Rank returns the 1-based escalation rank of the level, or 0 if unknown.
func (l ApprovalLevel) Rank() int {
	switch l {
	case LevelManager:
		return 1
	case LevelDirector:
		return 2
	case LevelOwner:
		return 3
	default:
		return 0
	}
}

// Valid reports whether l is a known level.
func (l ApprovalLevel) Valid() bool { return l.Rank() > 0 }

// MaxLevel returns the higher of two levels.
func MaxLevel(a, b ApprovalLevel) ApprovalLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ApprovalRule is a tenant-configured trigger for a pricing approval.
type ApprovalRule struct {
	ID                  int64            `json:"id,omitempty" yaml:"-"`
	Name                string           `json:"name" yaml:"name"`
	Type                ApprovalRuleType `json:"type" yaml:"type"`
	Condition           string           `json:"condition,omitempty" yaml:"condition"`
	ThresholdAmount     float64          `json:"threshold_amount,omitempty" yaml:"threshold_amount"`
	ThresholdPercentage float64          `json:"threshold_percentage,omitempty" yaml:"threshold_percentage"`
	RequiredLevel       ApprovalLevel    `json:"required_level" yaml:"required_level"`
	Active              bool             `json:"active" yaml:"active"`
}

// ApprovalStatus is the lifecycle state of a pricing approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the approval accepts no further decisions.
func (s ApprovalStatus) Terminal() bool { return s != ApprovalPending }

// StepStatus is the state of one approval step.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
	StepSkipped  StepStatus = "skipped"
)

// Trigger explains why an approval rule fired.
type Trigger struct {
	RuleName  string           `json:"rule_name"`
	RuleType  ApprovalRuleType `json:"rule_type"`
	Level     ApprovalLevel    `json:"level"`
	Reason    string           `json:"reason"`
	Observed  float64          `json:"observed"`
	Reference float64          `json:"reference"`
}

// PricingApproval is an escalation opened for one quote.
type PricingApproval struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenant_id"`
	QuoteID            string          `json:"quote_id"`
	OriginalPrice      decimal.Decimal `json:"original_price"`
	RequestedPrice     decimal.Decimal `json:"requested_price"`
	DiscountPercentage float64         `json:"discount_percentage"`
	Triggers           []Trigger       `json:"triggers"`
	RequiredLevel      ApprovalLevel   `json:"required_level"`
	Status             ApprovalStatus  `json:"status"`
	CurrentStep        int             `json:"current_step"`
	Steps              []ApprovalStep  `json:"steps"`
	RequestedBy        string          `json:"requested_by,omitempty"`
	FinalDecision      string          `json:"final_decision,omitempty"`
	Version            int             `json:"version"`
	ExpiresAt          time.Time       `json:"expires_at"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ApprovalStep is one sign-off level of an approval.
type ApprovalStep struct {
	ID         string        `json:"id"`
	ApprovalID string        `json:"approval_id"`
	Order      int           `json:"order"`
	Level      ApprovalLevel `json:"level"`
	Status     StepStatus    `json:"status"`
	ApproverID string        `json:"approver_id,omitempty"`
	Comments   string        `json:"comments,omitempty"`
	DecidedAt  *time.Time    `json:"decided_at,omitempty"`
}

// Decision is an approver's verdict on a step.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// StepDecision is a decision submitted against a specific level.
type StepDecision struct {
	Level      ApprovalLevel `json:"level" validate:"required,oneof=manager director owner"`
	ApproverID string        `json:"approver_id" validate:"required"`
	Decision   Decision      `json:"decision" validate:"required,oneof=approve reject"`
	Comments   string        `json:"comments,omitempty" validate:"max=2000"`
}

// DecisionResult is the workflow state after a decision.
type DecisionResult struct {
	ApprovalID    string         `json:"approval_id"`
	Status        ApprovalStatus `json:"status"`
	FinalDecision string         `json:"final_decision,omitempty"`
	NextLevel     *ApprovalLevel `json:"next_level,omitempty"`
}

// AlertKind classifies a pricing alert.
type AlertKind string

const (
	AlertRuleFired          AlertKind = "rule_fired"
	AlertPriceAnomaly       AlertKind = "price_anomaly"
	AlertCompetitorVariance AlertKind = "competitor_variance"
)

// AlertSeverity is how loudly an alert should be surfaced.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// PricingAlert is an audit record of a fired rule or detected anomaly.
type PricingAlert struct {
	ID         string        `json:"id"`
	TenantID   string        `json:"tenant_id"`
	QuoteID    string        `json:"quote_id"`
	ApprovalID string        `json:"approval_id,omitempty"`
	Kind       AlertKind     `json:"kind"`
	RuleName   string        `json:"rule_name,omitempty"`
	Severity   AlertSeverity `json:"severity"`
	Message    string        `json:"message"`
	Observed   float64       `json:"observed"`
	Reference  float64       `json:"reference"`
	CreatedAt  time.Time     `json:"created_at"`
}
