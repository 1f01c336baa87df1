package emotion

import (
	"context"
	"sync"
	"time"

	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/vision"
	"github.com/rs/zerolog"
)

// Matcher resolves a frame against a user's calibrated expressions.
type Matcher interface {
	HasCalibration(ctx context.Context, userID string) bool
	Match(ctx context.Context, userID string, frame *vision.Frame) (label string, similarity float64, ok bool)
}

// DetectorConfig tunes sampling and smoothing.
type DetectorConfig struct {
	CacheTTL              time.Duration
	ConfidenceThreshold   float64 // stable labels below this mean become neutral
	WindowSize            int
	PersonalizedThreshold float64 // calibration matches must exceed this
	BiasCeiling           float64 // fear/sad below this confidence are re-checked
	BiasMargin            float64
}

// DefaultDetectorConfig returns the stock tuning.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		CacheTTL:              8 * time.Second,
		ConfidenceThreshold:   0.70,
		WindowSize:            8,
		PersonalizedThreshold: 0.7,
		BiasCeiling:           0.80,
		BiasMargin:            0.15,
	}
}

// Detector captures frames, classifies them and maintains the smoothed,
// cached facial emotion for one monitored subject.
type Detector struct {
	source   vision.Source
	adapter  *Adapter
	matcher  Matcher
	eventBus *bus.EventBus
	logger   zerolog.Logger
	now      func() time.Time

	cfgMu sync.RWMutex
	cfg   DetectorConfig

	window *Window
	cache  Cache
}

// NewDetector wires a detector. matcher may be nil when calibration is not
// available.
func NewDetector(cfg DetectorConfig, source vision.Source, adapter *Adapter, matcher Matcher, eventBus *bus.EventBus, logger zerolog.Logger) *Detector {
	return &Detector{
		source:   source,
		adapter:  adapter,
		matcher:  matcher,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "detector").Logger(),
		now:      time.Now,
		cfg:      cfg,
		window:   NewWindow(cfg.WindowSize),
	}
}

// Tune replaces the thresholds and TTL. The window size is fixed at
// construction.
func (d *Detector) Tune(ttl time.Duration, threshold, personalized float64) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	d.cfg.CacheTTL = ttl
	d.cfg.ConfidenceThreshold = threshold
	d.cfg.PersonalizedThreshold = personalized
}

func (d *Detector) config() DetectorConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// Peek returns the cached sample without touching the camera.
func (d *Detector) Peek() Sample {
	return d.cache.Load()
}

// Sample returns the current stable emotion. Unless bypassCache is set, a
// cached value younger than the TTL is returned without capturing. userID
// enables the personalized calibration path; it may be empty.
func (d *Detector) Sample(ctx context.Context, userID string, bypassCache bool) Sample {
	cfg := d.config()

	if !bypassCache {
		if s, ok := d.cache.Fresh(d.now(), cfg.CacheTTL); ok {
			s.Source = SourceCache
			return s
		}
	}

	frame, err := d.source.Capture(ctx)
	if err != nil {
		d.logger.Debug().Err(err).Msg("Frame capture failed")
		return d.fallback()
	}

	if s, ok := d.personalized(ctx, cfg, userID, frame); ok {
		d.publish(userID, s)
		return s
	}

	reading := d.adapter.Classify(ctx, frame)
	if reading.Degraded {
		return d.fallback()
	}

	label, conf := correctBias(reading, cfg)
	stableLabel, mean := d.window.Add(Sample{Label: label, Confidence: conf, Timestamp: d.now()}, cfg.ConfidenceThreshold)

	s := Sample{Label: stableLabel, Confidence: mean, Timestamp: d.now(), Source: SourceClassifier}
	d.cache.Store(s)

	d.logger.Debug().
		Str("raw", string(reading.Dominant)).
		Float64("raw_confidence", reading.Confidence()).
		Str("stable", string(stableLabel)).
		Float64("mean", mean).
		Msg("Emotion sampled")

	d.publish(userID, s)
	return s
}

func (d *Detector) personalized(ctx context.Context, cfg DetectorConfig, userID string, frame *vision.Frame) (Sample, bool) {
	if userID == "" || d.matcher == nil || !d.matcher.HasCalibration(ctx, userID) {
		return Sample{}, false
	}

	label, sim, ok := d.matcher.Match(ctx, userID, frame)
	if !ok || sim <= cfg.PersonalizedThreshold {
		return Sample{}, false
	}

	s := Sample{Label: ParseLabel(label), Confidence: sim, Timestamp: d.now(), Source: SourcePersonalized}
	d.cache.Store(s)
	d.logger.Debug().Str("user_id", userID).Str("emotion", label).Float64("similarity", sim).Msg("Personalized match")
	return s, true
}

func (d *Detector) fallback() Sample {
	return Sample{Label: Neutral, Confidence: 0, Timestamp: d.now(), Source: SourceFallback}
}

func (d *Detector) publish(userID string, s Sample) {
	d.eventBus.Publish(bus.Event{
		Type: bus.EventTypeEmotionSampled,
		Data: map[string]any{
			"user_id":    userID,
			"emotion":    string(s.Label),
			"confidence": s.Confidence,
			"source":     string(s.Source),
		},
	})
}

// correctBias re-labels weak fear and sad readings when neutral or happy
// scored close behind. Neutral is preferred over happy.
func correctBias(r Reading, cfg DetectorConfig) (Label, float64) {
	label, conf := r.Dominant, r.Confidence()
	if (label != Fear && label != Sad) || conf >= cfg.BiasCeiling {
		return label, conf
	}

	floor := conf - cfg.BiasMargin
	if n := r.Score(Neutral); n > floor {
		return Neutral, n
	}
	if h := r.Score(Happy); h > floor {
		return Happy, h
	}
	return label, conf
}
