// Package classify defines the black-box classifier contract and its
// implementations.
package classify

import "context"

// Prediction is a confidence-scored category.
type Prediction struct {
	Category   string
	Confidence float64
}

// Classifier predicts a category for a piece of text. Implementations must be
// safe for repeated single-threaded calls after one Warmup.
type Classifier interface {
	// Classify returns a category with a confidence in [0, 1].
	Classify(ctx context.Context, text string) (Prediction, error)

	// Warmup performs one throwaway inference so first-request latency does
	// not land inside the processing loop.
	Warmup(ctx context.Context) error
}

// Static is a fixed-answer classifier used in tests and dry runs.
type Static struct {
	Err        error
	Prediction Prediction
	Calls      int
	Warmups    int
}

// Classify returns the configured prediction or error.
func (s *Static) Classify(_ context.Context, _ string) (Prediction, error) {
	s.Calls++
	if s.Err != nil {
		return Prediction{}, s.Err
	}
	return s.Prediction, nil
}

// Warmup counts the call and returns the configured error, if any.
func (s *Static) Warmup(_ context.Context) error {
	s.Warmups++
	return s.Err
}
