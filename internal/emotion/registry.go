package emotion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/vision"
	"github.com/rs/zerolog"
)

var (
	// ErrNoSubject is returned by Acquire for an empty user id.
	ErrNoSubject = errors.New("user id required")
	// ErrRegistryClosed is returned by Acquire after Close.
	ErrRegistryClosed = errors.New("emotion registry closed")
)

// RegistryConfig shapes every per-user pipeline a Registry builds.
type RegistryConfig struct {
	Detector        DetectorConfig
	Camera          vision.Config
	MonitorInterval time.Duration
	MonitorEnabled  bool
}

// Subject is one user's camera, detector and background monitor. Frames
// pushed to Camera only ever reach this user's Detector.
type Subject struct {
	UserID   string
	Camera   *vision.Manager
	Detector *Detector

	monitor *Monitor
	refs    int
}

// Registry keys the emotion pipeline by user id. Sessions Acquire the
// subject of the user they serve and Release it when they end; the last
// Release stops the monitor and discards the cached state.
type Registry struct {
	adapter  *Adapter
	matcher  Matcher
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu       sync.Mutex
	cfg      RegistryConfig
	subjects map[string]*Subject
	closed   bool
}

// NewRegistry creates an empty registry. matcher may be nil.
func NewRegistry(cfg RegistryConfig, adapter *Adapter, matcher Matcher, eventBus *bus.EventBus, logger zerolog.Logger) *Registry {
	return &Registry{
		adapter:  adapter,
		matcher:  matcher,
		eventBus: eventBus,
		logger:   logger,
		cfg:      cfg,
		subjects: make(map[string]*Subject),
	}
}

// Acquire returns the subject for userID, building it on first use. Every
// successful call must be paired with Release.
func (r *Registry) Acquire(userID string) (*Subject, error) {
	if userID == "" {
		return nil, ErrNoSubject
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if s, ok := r.subjects[userID]; ok {
		s.refs++
		return s, nil
	}

	log := r.logger.With().Str("user_id", userID).Logger()
	camCfg := r.cfg.Camera
	cam := vision.NewManager(&camCfg, r.eventBus, log)
	s := &Subject{
		UserID:   userID,
		Camera:   cam,
		Detector: NewDetector(r.cfg.Detector, cam, r.adapter, r.matcher, r.eventBus, log),
		refs:     1,
	}

	if r.cfg.MonitorEnabled {
		s.monitor = NewMonitor(s.Detector, r.cfg.MonitorInterval, log)
		s.monitor.SetUser(userID)
		if err := s.monitor.Start(context.Background()); err != nil {
			return nil, err
		}
	}

	r.subjects[userID] = s
	log.Debug().Int("subjects", len(r.subjects)).Msg("Emotion subject created")
	return s, nil
}

// Release drops one reference to userID's subject.
func (r *Registry) Release(userID string) {
	r.mu.Lock()
	s, ok := r.subjects[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.subjects, userID)
	r.mu.Unlock()

	s.stop()
	r.logger.Debug().Str("user_id", userID).Msg("Emotion subject released")
}

// Peek returns userID's cached sample. Users without an active subject read
// as neutral with zero confidence.
func (r *Registry) Peek(userID string) Sample {
	r.mu.Lock()
	s := r.subjects[userID]
	r.mu.Unlock()

	if s == nil {
		return Sample{Label: Neutral, Source: SourceFallback}
	}
	return s.Detector.Peek()
}

// Tune applies new thresholds to current and future subjects.
func (r *Registry) Tune(ttl time.Duration, threshold, personalized float64) {
	r.mu.Lock()
	r.cfg.Detector.CacheTTL = ttl
	r.cfg.Detector.ConfidenceThreshold = threshold
	r.cfg.Detector.PersonalizedThreshold = personalized
	active := r.list()
	r.mu.Unlock()

	for _, s := range active {
		s.Detector.Tune(ttl, threshold, personalized)
	}
}

// Len returns the number of active subjects.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subjects)
}

// Close stops every monitor. Later Acquire calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	active := r.list()
	r.subjects = make(map[string]*Subject)
	r.mu.Unlock()

	for _, s := range active {
		s.stop()
	}
}

// list must be called with mu held.
func (r *Registry) list() []*Subject {
	out := make([]*Subject, 0, len(r.subjects))
	for _, s := range r.subjects {
		out = append(out, s)
	}
	return out
}

func (s *Subject) stop() {
	if s.monitor != nil {
		s.monitor.Stop()
	}
}
