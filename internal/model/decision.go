package model

// DecisionSource identifies which arbitration stage produced the final
// routing key.
type DecisionSource string

// Decision source constants. A rule decision carries the rule name after the
// "rule:" prefix, so compare with strings.HasPrefix or use RuleSource.
const (
	SourceNameMatch DecisionSource = "name-match"
	SourceModel     DecisionSource = "model"
	SourceFallback  DecisionSource = "no-match-fallback"

	ruleSourcePrefix = "rule:"
)

// RuleSource returns the decision source tag for a named rule.
func RuleSource(name string) DecisionSource {
	return DecisionSource(ruleSourcePrefix + name)
}

// NoModelConfidence is the confidence recorded when no classifier model is
// configured at all.
const NoModelConfidence = -1.0

// Threshold type labels recorded on the audit entry.
const (
	ThresholdTypeDefault          = "default-threshold"
	ThresholdTypePredictionFailed = "prediction-failed"
)

// RoutingDecision is the outcome of arbitration for one message. Keys select
// destinations in the router; ModelCategory is diagnostic and records what
// the classifier predicted independent of the final key.
type RoutingDecision struct {
	Source        DecisionSource
	Keys          []string
	ModelCategory string
	ThresholdType string
	Confidence    float64
	Threshold     float64
}
