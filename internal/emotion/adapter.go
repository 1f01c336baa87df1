package emotion

import (
	"context"

	"github.com/normanking/cortexcompanion/internal/vision"
	"github.com/rs/zerolog"
)

// Reading is the classifier's view of a single frame.
type Reading struct {
	Scores   map[Label]float64 // 0..100
	Dominant Label
	Degraded bool // classification failed; Scores is the neutral default
}

// Score returns the 0..1 confidence for label.
func (r Reading) Score(label Label) float64 {
	return r.Scores[label] / 100
}

// Confidence returns the dominant label's 0..1 confidence.
func (r Reading) Confidence() float64 {
	return r.Score(r.Dominant)
}

// DefaultReading is returned whenever the classifier cannot produce scores.
func DefaultReading() Reading {
	return Reading{
		Scores:   map[Label]float64{Neutral: 0},
		Dominant: Neutral,
		Degraded: true,
	}
}

// Adapter wraps a vision.Classifier so callers never see its failures.
type Adapter struct {
	classifier vision.Classifier
	logger     zerolog.Logger
}

// NewAdapter creates an Adapter around classifier.
func NewAdapter(classifier vision.Classifier, logger zerolog.Logger) *Adapter {
	return &Adapter{
		classifier: classifier,
		logger:     logger.With().Str("component", "classifier").Logger(),
	}
}

// Classify scores frame. Any failure, including a panicking backend, yields
// DefaultReading.
func (a *Adapter) Classify(ctx context.Context, frame *vision.Frame) (reading Reading) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Msg("Classifier panicked")
			reading = DefaultReading()
		}
	}()

	if a.classifier == nil || frame == nil {
		return DefaultReading()
	}

	raw, err := a.classifier.Classify(ctx, frame)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Frame classification failed")
		return DefaultReading()
	}

	scores := make(map[Label]float64, len(raw))
	for k, v := range raw {
		scores[ParseLabel(k)] = v
	}
	if len(scores) == 0 {
		return DefaultReading()
	}

	return Reading{Scores: scores, Dominant: dominant(scores)}
}

// dominant picks the highest score, breaking ties by Labels order.
func dominant(scores map[Label]float64) Label {
	best := Neutral
	bestScore := -1.0
	for _, l := range Labels {
		if s, ok := scores[l]; ok && s > bestScore {
			best, bestScore = l, s
		}
	}
	return best
}
