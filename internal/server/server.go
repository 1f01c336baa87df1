// Package server exposes the companion over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/normanking/cortexcompanion/internal/analytics"
	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/data"
	"github.com/normanking/cortexcompanion/internal/emotion"
	"github.com/normanking/cortexcompanion/internal/logging"
	"github.com/normanking/cortexcompanion/internal/orchestrator"
	"github.com/normanking/cortexcompanion/internal/tts"
	"github.com/normanking/cortexcompanion/internal/vision"
)

const (
	// WebSocketEndpoint is the path for WebSocket connections.
	WebSocketEndpoint = "/ws"

	// WriteWait is the timeout for writing to a WebSocket.
	WriteWait = 10 * time.Second

	// PongWait is the timeout for pong responses.
	PongWait = 60 * time.Second

	// PingPeriod is how often to send ping frames.
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize bounds inbound messages; camera frames are the largest.
	MaxMessageSize = 2 << 20

	sendBuffer = 64
)

// HistoryStore is the per-user history the transport reads and clears.
type HistoryStore interface {
	RecentTurns(ctx context.Context, userID string, limit int) ([]data.Turn, error)
	EmotionHistory(ctx context.Context, userID string, since time.Time) ([]data.EmotionRecord, error)
	ClearHistory(ctx context.Context, userID string) error
	Health(ctx context.Context) error
}

// Reporter computes the analytics dashboard.
type Reporter interface {
	Report(ctx context.Context, userID string, days int) (*analytics.Report, error)
}

// Calibrator manages per-user calibration samples.
type Calibrator interface {
	AddSample(ctx context.Context, userID, label string, frame *vision.Frame) bool
	HasCalibration(ctx context.Context, userID string) bool
	Counts(ctx context.Context, userID string) (map[string]int, error)
	Clear(ctx context.Context, userID string) error
}

// Perception hands out the per-user camera and emotion pipeline. Sessions
// acquire the subject of the user they identify as and release it when they
// end, so one client's frames never reach another user's turns.
type Perception interface {
	Acquire(userID string) (*emotion.Subject, error)
	Release(userID string)
	Peek(userID string) emotion.Sample
	Len() int
}

// LogSource exposes recent log entries.
type LogSource interface {
	GetHistory(limit int) []logging.LogEntry
}

// Config holds listener and rate limit settings.
type Config struct {
	Addr       string
	RatePerSec float64
	Burst      int
}

// Deps are the collaborators of a Server. Logs and Bus may be nil.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Perception   Perception
	History      HistoryStore
	Analytics    Reporter
	Calibration  Calibrator
	Logs         LogSource
	Bus          *bus.EventBus
}

// Server is the HTTP/WebSocket front end.
type Server struct {
	cfg      Config
	deps     Deps
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	httpRate *rate.Limiter
	started  time.Time

	mu       sync.RWMutex
	sessions map[*session]struct{}
	wg       sync.WaitGroup
}

// New creates a server and subscribes it to bus events it forwards.
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Server, error) {
	switch {
	case deps.Orchestrator == nil:
		return nil, errors.New("server: orchestrator is required")
	case deps.Perception == nil:
		return nil, errors.New("server: perception is required")
	case deps.History == nil:
		return nil, errors.New("server: history store is required")
	case deps.Analytics == nil:
		return nil, errors.New("server: analytics is required")
	case deps.Calibration == nil:
		return nil, errors.New("server: calibration is required")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		httpRate: newLimiter(cfg.RatePerSec, cfg.Burst*4),
		started:  time.Now(),
		sessions: make(map[*session]struct{}),
	}

	if deps.Bus != nil {
		deps.Bus.Subscribe(bus.EventTypeEmotionSampled, s.forwardEmotion)
		deps.Bus.Subscribe(bus.EventTypeMoodChanged, s.forwardMood)
	}
	return s, nil
}

func newLimiter(perSec float64, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Duration(1000.0/perSec)*time.Millisecond), burst)
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketEndpoint, s.handleWebSocket)
	mux.Handle("GET /health", s.limited(s.handleHealth))
	mux.Handle("GET /emotion", s.limited(s.handleEmotion))
	mux.Handle("GET /debug/logs", s.limited(s.handleLogs))
	mux.Handle("GET /audio/{id}", s.limited(s.handleAudio))
	return mux
}

// Run serves on cfg.Addr until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeSessions()
	s.wg.Wait()
	s.logger.Info().Msg("Server stopped")
	if err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// SessionCount returns the number of connected clients.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) addSession(sess *session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	n := len(s.sessions)
	s.mu.Unlock()
	s.logger.Info().Str("session_id", sess.id).Int("sessions", n).Msg("Client connected")
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	n := len(s.sessions)
	s.mu.Unlock()
	s.logger.Info().Str("session_id", sess.id).Int("sessions", n).Msg("Client disconnected")
}

func (s *Server) snapshot() []*session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) closeSessions() {
	for _, sess := range s.snapshot() {
		sess.close()
	}
}

// broadcast sends to sessions identified as userID, or to all sessions when
// userID is empty.
func (s *Server) broadcast(userID, msgType string, payload any) {
	for _, sess := range s.snapshot() {
		if userID == "" || sess.user() == userID {
			sess.send(msgType, payload)
		}
	}
}

func (s *Server) forwardEmotion(e bus.Event) {
	userID, _ := e.Data["user_id"].(string)
	s.broadcast(userID, MsgEmotionUpdate, map[string]any{
		"emotion":    e.Data["emotion"],
		"confidence": e.Data["confidence"],
		"source":     e.Data["source"],
		"timestamp":  time.Now().Unix(),
	})
}

func (s *Server) forwardMood(e bus.Event) {
	userID, _ := e.Data["user_id"].(string)
	if userID == "" {
		return
	}
	s.broadcast(userID, MsgMoodUpdate, map[string]any{"mood": e.Data["mood"]})
}

func (s *Server) limited(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.httpRate.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded", "code": "RATE_LIMITED"})
			return
		}
		h(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	dbStatus := "ok"
	if err := s.deps.History.Health(r.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
		dbStatus = err.Error()
	}
	writeJSON(w, code, map[string]any{
		"status":       status,
		"database":     dbStatus,
		"sessions":     s.SessionCount(),
		"active_users": s.deps.Perception.Len(),
		"uptime":       time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleEmotion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, emotionPayload(s.deps.Perception.Peek(r.URL.Query().Get("user_id"))))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []logging.LogEntry{}})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.deps.Logs.GetHistory(limit)})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	clip, err := s.deps.Orchestrator.Audio().Get(r.PathValue("id"))
	if errors.Is(err, tts.ErrAudioNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", audioContentType(clip.Format))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(clip.Audio)
}

func audioContentType(format string) string {
	switch format {
	case "", "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "opus":
		return "audio/ogg"
	default:
		return "audio/" + format
	}
}

func emotionPayload(sample emotion.Sample) map[string]any {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]any{
		"emotion":    string(sample.Label),
		"confidence": sample.Confidence,
		"source":     string(sample.Source),
		"timestamp":  ts.Unix(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
