// Package vision provides camera frames and the facial analysis client.
package vision

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrCameraNotAvailable = errors.New("camera not available")
	ErrNoFrame            = errors.New("no camera frame received")
	ErrStaleFrame         = errors.New("camera frame too old")
	ErrNoFace             = errors.New("no face detected")
	ErrClassifierDown     = errors.New("classifier unavailable")
)

// Frame represents a captured image frame
type Frame struct {
	Data      []byte    `json:"data"` // Image bytes (JPEG)
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Format    string    `json:"format"` // jpeg, png
	Timestamp time.Time `json:"timestamp"`
}

// Source yields a single frame per call. Implementations serialize access to
// the underlying device.
type Source interface {
	Capture(ctx context.Context) (*Frame, error)
}

// Classifier is the external facial analysis model.
type Classifier interface {
	// Classify returns per-label scores in the range 0..100.
	Classify(ctx context.Context, frame *Frame) (map[string]float64, error)
	// Embed returns the face embedding for frame, or ErrNoFace.
	Embed(ctx context.Context, frame *Frame) ([]float64, error)
}

// Config holds vision capture configuration
type Config struct {
	CameraEnabled bool          `json:"camera_enabled"`
	MaxFrameAge   time.Duration `json:"max_frame_age"` // Zero accepts any age
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		CameraEnabled: true,
		MaxFrameAge:   10 * time.Second,
	}
}
