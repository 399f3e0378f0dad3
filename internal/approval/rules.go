// Package approval gates out-of-policy quotes behind a sequential,
// multi-level sign-off workflow and records every fired rule and detected
// pricing anomaly as an alert.
package approval

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/fencepro/scheduling-core/internal/model"
)

// Thresholds for the history- and market-based checks.
const (
	// AnomalyDeviation is the relative distance from the mean of similar
	// quotes beyond which a price is anomalous.
	AnomalyDeviation = 0.25
	// MinSimilarQuotes is the history needed before anomalies are judged.
	MinSimilarQuotes = 3
	// SimilarPerimeterBand bounds the perimeter of a similar quote.
	SimilarPerimeterBand = 0.20
	// CompetitorAbove and CompetitorBelow bound a price relative to the
	// average competitor price.
	CompetitorAbove = 0.20
	CompetitorBelow = 0.15
)

// EvaluationInput is a finalized quote submitted to the gate.
type EvaluationInput struct {
	QuoteID            string
	PropertyType       string
	Perimeter          float64
	OriginalPrice      decimal.Decimal
	FinalPrice         decimal.Decimal
	DiscountPercentage float64
	Rules              []model.ApprovalRule
}

// References is the market data rules are judged against.
type References struct {
	SimilarPrices    []float64
	CompetitorPrices []float64
}

// Finding is the outcome of a rule evaluation.
type Finding struct {
	Triggers []model.Trigger
	Alerts   []model.PricingAlert
	// RequiredLevel is the highest level among Triggers, empty if none fired.
	RequiredLevel model.ApprovalLevel
}

// Fired reports whether any rule requires approval.
func (f Finding) Fired() bool { return len(f.Triggers) > 0 }

// EvaluateRules runs every active rule against in. Anomalies and competitor
// variance are reported as alerts even when no rule asks for approval on
// them. Rule order does not affect the result.
func EvaluateRules(in EvaluationInput, ref References) Finding {
	var f Finding
	price := in.FinalPrice.InexactFloat64()

	anomaly, anomalyMean, anomalous := detectAnomaly(price, ref.SimilarPrices)
	variance, competitorMean, varied := detectCompetitorVariance(price, ref.CompetitorPrices)

	for _, rule := range in.Rules {
		if !rule.Active {
			continue
		}
		var (
			fired     bool
			reason    string
			observed  float64
			reference float64
		)
		switch rule.Type {
		case model.RuleAmount:
			threshold := decimal.NewFromFloat(rule.ThresholdAmount)
			fired = in.FinalPrice.GreaterThanOrEqual(threshold)
			observed, reference = price, rule.ThresholdAmount
			reason = fmt.Sprintf("final price %s is at or above %s", in.FinalPrice.StringFixed(2), threshold.StringFixed(2))
		case model.RuleDiscount:
			fired = in.DiscountPercentage > 0 && in.DiscountPercentage >= rule.ThresholdPercentage
			observed, reference = in.DiscountPercentage, rule.ThresholdPercentage
			reason = fmt.Sprintf("discount %.2f%% is at or above %.2f%%", in.DiscountPercentage, rule.ThresholdPercentage)
		case model.RuleAnomaly:
			fired = anomalous
			observed, reference = price, anomalyMean
			reason = fmt.Sprintf("price deviates %.1f%% from the mean of %d similar quotes", anomaly*100, len(ref.SimilarPrices))
		case model.RuleCustom:
			if rule.Condition != model.ConditionCompetitorVariance {
				continue
			}
			fired = varied
			observed, reference = price, competitorMean
			reason = fmt.Sprintf("price is %+.1f%% against average competitor pricing", variance*100)
		}
		if !fired {
			continue
		}

		level := rule.RequiredLevel
		if !level.Valid() {
			level = model.LevelManager
		}
		f.Triggers = append(f.Triggers, model.Trigger{
			RuleName:  rule.Name,
			RuleType:  rule.Type,
			Level:     level,
			Reason:    reason,
			Observed:  observed,
			Reference: reference,
		})
		f.RequiredLevel = model.MaxLevel(f.RequiredLevel, level)
		f.Alerts = append(f.Alerts, model.PricingAlert{
			QuoteID:   in.QuoteID,
			Kind:      model.AlertRuleFired,
			RuleName:  rule.Name,
			Severity:  severityFor(level),
			Message:   reason,
			Observed:  observed,
			Reference: reference,
		})
	}

	if anomalous {
		f.Alerts = append(f.Alerts, model.PricingAlert{
			QuoteID:   in.QuoteID,
			Kind:      model.AlertPriceAnomaly,
			Severity:  model.SeverityWarning,
			Message:   fmt.Sprintf("price %.2f deviates %.1f%% from similar quotes (mean %.2f)", price, anomaly*100, anomalyMean),
			Observed:  price,
			Reference: anomalyMean,
		})
	}
	if varied {
		f.Alerts = append(f.Alerts, model.PricingAlert{
			QuoteID:   in.QuoteID,
			Kind:      model.AlertCompetitorVariance,
			Severity:  model.SeverityInfo,
			Message:   fmt.Sprintf("price %.2f is %+.1f%% against competitors (mean %.2f)", price, variance*100, competitorMean),
			Observed:  price,
			Reference: competitorMean,
		})
	}
	return f
}

// detectAnomaly returns the relative deviation of price from the mean of
// similar quotes, the mean, and whether it exceeds AnomalyDeviation.
func detectAnomaly(price float64, similar []float64) (float64, float64, bool) {
	if len(similar) < MinSimilarQuotes {
		return 0, 0, false
	}
	m := mean(similar)
	if m <= 0 {
		return 0, m, false
	}
	dev := math.Abs(price-m) / m
	return dev, m, dev > AnomalyDeviation
}

// detectCompetitorVariance returns the signed relative difference of price
// from the competitor mean, the mean, and whether it is out of band.
func detectCompetitorVariance(price float64, competitors []float64) (float64, float64, bool) {
	if len(competitors) == 0 {
		return 0, 0, false
	}
	m := mean(competitors)
	if m <= 0 {
		return 0, m, false
	}
	v := (price - m) / m
	return v, m, v > CompetitorAbove || v < -CompetitorBelow
}

// SimilarPerimeterRange returns the perimeter band of quotes comparable to
// one with the given perimeter.
func SimilarPerimeterRange(perimeter float64) (float64, float64) {
	return perimeter * (1 - SimilarPerimeterBand), perimeter * (1 + SimilarPerimeterBand)
}

func severityFor(level model.ApprovalLevel) model.AlertSeverity {
	if level == model.LevelOwner {
		return model.SeverityCritical
	}
	return model.SeverityWarning
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
