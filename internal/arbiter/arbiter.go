// Package arbiter combines the rule engine, the name matcher and the
// classifier into a single routing decision per message.
package arbiter

import (
	"context"
	"log/slog"
	"strings"

	"github.com/janhalen/azure-smartmail/internal/classify"
	"github.com/janhalen/azure-smartmail/internal/extract"
	"github.com/janhalen/azure-smartmail/internal/model"
	"github.com/janhalen/azure-smartmail/internal/rules"
	"github.com/janhalen/azure-smartmail/internal/service"
)

// Config holds the arbitration settings.
type Config struct {
	// FallbackKey routes messages no stage could place. Defaults to
	// model.FallbackKey.
	FallbackKey string
	// Threshold is the minimum model confidence; predictions at the
	// threshold are accepted.
	Threshold float64
}

// Arbiter produces one routing decision per message. Precedence: rule match,
// then name match, then model above threshold, then fallback.
type Arbiter struct {
	engine      *rules.Engine
	names       *extract.NameMatcher
	classifier  classify.Classifier
	monitor     service.Monitor
	fallbackKey string
	threshold   float64
}

// New creates an arbiter. names and classifier may be nil when the tenant has
// no recipient list or no model configured; those stages are then skipped.
func New(engine *rules.Engine, names *extract.NameMatcher, classifier classify.Classifier, monitor service.Monitor, cfg Config) *Arbiter {
	fallback := cfg.FallbackKey
	if fallback == "" {
		fallback = model.FallbackKey
	}
	return &Arbiter{
		engine:      engine,
		names:       names,
		classifier:  classifier,
		monitor:     monitor,
		fallbackKey: strings.ToLower(fallback),
		threshold:   cfg.Threshold,
	}
}

// Decide never fails: every internal error degrades to the fallback key with
// diagnostic metadata, so the message cycle always continues.
func (a *Arbiter) Decide(ctx context.Context, m *model.Message) model.RoutingDecision {
	// The model prediction is computed whenever a model is configured, even
	// when a rule decides the message, so the audit trail always carries the
	// secondary model category.
	prediction, predictionErr := a.predict(ctx, m)

	if match, ok := a.engine.Execute(m); ok {
		slog.Info("message matched rule",
			"message_id", m.ID,
			"rule", match.RuleName,
			"keys", match.Keys)
		return a.withDiagnostics(model.RoutingDecision{
			Source: model.RuleSource(match.RuleName),
			Keys:   match.Keys,
		}, prediction, predictionErr)
	}

	if a.names != nil {
		if address, ok := a.names.Process(m.Subject, m.Body); ok {
			slog.Info("message matched recipient name",
				"message_id", m.ID,
				"address", address)
			return a.withDiagnostics(model.RoutingDecision{
				Source: model.SourceNameMatch,
				Keys:   []string{strings.ToLower(address)},
			}, prediction, predictionErr)
		}
	}

	if a.classifier != nil {
		if predictionErr != nil {
			a.monitor.Exception("classification failed", map[string]any{
				"message_id": m.ID,
				"subject":    m.Subject,
				"error":      predictionErr.Error(),
			})
			return model.RoutingDecision{
				Source:        model.SourceFallback,
				Keys:          []string{a.fallbackKey},
				Confidence:    0,
				Threshold:     a.threshold,
				ThresholdType: model.ThresholdTypePredictionFailed,
			}
		}

		if prediction.Confidence >= a.threshold {
			return model.RoutingDecision{
				Source:        model.SourceModel,
				Keys:          []string{strings.ToLower(prediction.Category)},
				Confidence:    prediction.Confidence,
				ModelCategory: prediction.Category,
				Threshold:     a.threshold,
				ThresholdType: model.ThresholdTypeDefault,
			}
		}

		slog.Info("model confidence below threshold, routing to fallback",
			"message_id", m.ID,
			"confidence", prediction.Confidence,
			"threshold", a.threshold)
		return model.RoutingDecision{
			Source:        model.SourceFallback,
			Keys:          []string{a.fallbackKey},
			Confidence:    prediction.Confidence,
			ModelCategory: prediction.Category,
			Threshold:     a.threshold,
			ThresholdType: model.ThresholdTypeDefault,
		}
	}

	// No model configured at all: the fallback key is the default outcome
	// and there is no confidence to compare.
	return model.RoutingDecision{
		Source:        model.SourceFallback,
		Keys:          []string{a.fallbackKey},
		Confidence:    model.NoModelConfidence,
		Threshold:     a.threshold,
		ThresholdType: model.ThresholdTypeDefault,
	}
}

func (a *Arbiter) predict(ctx context.Context, m *model.Message) (classify.Prediction, error) {
	if a.classifier == nil {
		return classify.Prediction{}, nil
	}
	return a.classifier.Classify(ctx, m.CombinedText())
}

// withDiagnostics attaches the secondary model prediction to a decision made
// by an earlier stage. A prediction failure here only costs the diagnostic.
func (a *Arbiter) withDiagnostics(d model.RoutingDecision, p classify.Prediction, err error) model.RoutingDecision {
	d.Threshold = a.threshold
	d.ThresholdType = model.ThresholdTypeDefault
	if a.classifier == nil {
		d.Confidence = model.NoModelConfidence
		return d
	}
	if err != nil {
		a.monitor.Exception("secondary classification failed", map[string]any{
			"error": err.Error(),
		})
		return d
	}
	d.Confidence = p.Confidence
	d.ModelCategory = p.Category
	return d
}
