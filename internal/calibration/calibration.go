// Package calibration stores per-user labelled face embeddings and matches
// new frames against them.
package calibration

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/vision"
	"github.com/rs/zerolog"
)

// DefaultMatchThreshold is the average similarity a label must exceed.
const DefaultMatchThreshold = 0.7

// Repository persists embeddings. *data.Store implements it.
type Repository interface {
	AddCalibrationSample(ctx context.Context, userID, emotion string, embedding []float64) error
	CalibrationSamples(ctx context.Context, userID string) (map[string][][]float64, error)
	CalibrationCounts(ctx context.Context, userID string) (map[string]int, error)
	ClearCalibration(ctx context.Context, userID string) error
}

// Embedder extracts a face embedding from a frame.
type Embedder interface {
	Embed(ctx context.Context, frame *vision.Frame) ([]float64, error)
}

// Store is the calibration profile store.
type Store struct {
	repo      Repository
	embedder  Embedder
	eventBus  *bus.EventBus
	logger    zerolog.Logger
	threshold float64
}

// NewStore creates a calibration store.
func NewStore(repo Repository, embedder Embedder, eventBus *bus.EventBus, logger zerolog.Logger) *Store {
	return &Store{
		repo:      repo,
		embedder:  embedder,
		eventBus:  eventBus,
		logger:    logger.With().Str("component", "calibration").Logger(),
		threshold: DefaultMatchThreshold,
	}
}

// AddSample embeds frame and files it under label. It returns false when no
// face could be embedded or the sample could not be stored.
func (s *Store) AddSample(ctx context.Context, userID, label string, frame *vision.Frame) bool {
	emb, err := s.embedder.Embed(ctx, frame)
	switch {
	case errors.Is(err, vision.ErrNoFace) || (err == nil && len(emb) == 0):
		s.logger.Warn().Str("user_id", userID).Str("emotion", label).Msg("No face in calibration frame")
		return false
	case err != nil:
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Embedding failed")
		return false
	}

	if err := s.repo.AddCalibrationSample(ctx, userID, label, emb); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to store calibration sample")
		return false
	}

	s.logger.Info().Str("user_id", userID).Str("emotion", label).Int("dims", len(emb)).Msg("Calibration sample saved")
	s.eventBus.Publish(bus.Event{
		Type: bus.EventTypeCalibrationUpdated,
		Data: map[string]any{"user_id": userID, "emotion": label},
	})
	return true
}

// Match compares frame with each calibrated label's samples. It returns the
// label with the best average cosine similarity when that average exceeds
// the threshold; otherwise ok is false and similarity is the best found.
func (s *Store) Match(ctx context.Context, userID string, frame *vision.Frame) (label string, similarity float64, ok bool) {
	samples, err := s.repo.CalibrationSamples(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to load calibration")
		return "", 0, false
	}
	if len(samples) == 0 {
		return "", 0, false
	}

	emb, err := s.embedder.Embed(ctx, frame)
	if err != nil || len(emb) == 0 {
		return "", 0, false
	}

	label, similarity = best(emb, samples)
	if similarity > s.threshold {
		return label, similarity, true
	}
	return "", similarity, false
}

// best returns the label whose samples have the highest average similarity
// to emb. Labels averaging zero or less never win; ties go to the
// alphabetically first label.
func best(emb []float64, samples map[string][][]float64) (string, float64) {
	labels := make([]string, 0, len(samples))
	for label := range samples {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var (
		bestLabel string
		bestSim   float64
	)
	for _, label := range labels {
		vecs := samples[label]
		if len(vecs) == 0 {
			continue
		}
		var sum float64
		for _, v := range vecs {
			sum += CosineSimilarity(emb, v)
		}
		if avg := sum / float64(len(vecs)); avg > bestSim {
			bestLabel, bestSim = label, avg
		}
	}
	return bestLabel, bestSim
}

// HasCalibration reports whether the user has any samples.
func (s *Store) HasCalibration(ctx context.Context, userID string) bool {
	counts, err := s.repo.CalibrationCounts(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to count calibration")
		return false
	}
	return len(counts) > 0
}

// Counts returns the number of samples per label.
func (s *Store) Counts(ctx context.Context, userID string) (map[string]int, error) {
	return s.repo.CalibrationCounts(ctx, userID)
}

// Clear removes the user's profile. It is idempotent.
func (s *Store) Clear(ctx context.Context, userID string) error {
	if err := s.repo.ClearCalibration(ctx, userID); err != nil {
		return err
	}
	s.logger.Info().Str("user_id", userID).Msg("Calibration cleared")
	s.eventBus.Publish(bus.Event{
		Type: bus.EventTypeCalibrationUpdated,
		Data: map[string]any{"user_id": userID, "cleared": true},
	})
	return nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either is a zero vector or their lengths differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
