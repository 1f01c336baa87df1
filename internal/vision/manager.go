package vision

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/rs/zerolog"
)

// Manager holds the camera state. Frames are pushed by the client over the
// session transport; Capture hands out the latest one.
type Manager struct {
	config   *Config
	eventBus *bus.EventBus
	logger   zerolog.Logger
	now      func() time.Time

	// captureMu is held across open, read and release so only one reader
	// touches the camera at a time.
	captureMu sync.Mutex

	cameraActive bool
	stateMu      sync.RWMutex

	lastFrame *Frame
	frameMu   sync.RWMutex
}

// NewManager creates a new vision manager
func NewManager(config *Config, eventBus *bus.EventBus, logger zerolog.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}

	return &Manager{
		config:       config,
		eventBus:     eventBus,
		logger:       logger.With().Str("component", "vision").Logger(),
		now:          time.Now,
		cameraActive: config.CameraEnabled,
	}
}

// IsCameraActive returns whether camera capture is active
func (m *Manager) IsCameraActive() bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.cameraActive
}

// EnableCamera enables camera capture
func (m *Manager) EnableCamera() {
	m.setActive(true, bus.EventTypeCameraEnabled)
}

// DisableCamera disables camera capture and drops the last frame.
func (m *Manager) DisableCamera() {
	m.setActive(false, bus.EventTypeCameraDisabled)

	m.frameMu.Lock()
	m.lastFrame = nil
	m.frameMu.Unlock()
}

func (m *Manager) setActive(active bool, event bus.EventType) {
	m.stateMu.Lock()
	m.cameraActive = active
	m.stateMu.Unlock()

	m.logger.Info().Bool("active", active).Msg("Camera state changed")
	m.eventBus.Publish(bus.Event{Type: event})
}

// ProcessCameraFrame handles an incoming base64 JPEG frame from the client.
func (m *Manager) ProcessCameraFrame(imageBase64 string, width, height int) error {
	if !m.IsCameraActive() {
		return ErrCameraNotAvailable
	}

	imageData, err := base64.StdEncoding.DecodeString(imageBase64)
	if err != nil {
		return fmt.Errorf("decode camera frame: %w", err)
	}

	frame := &Frame{
		Data:      imageData,
		Width:     width,
		Height:    height,
		Format:    "jpeg",
		Timestamp: m.now(),
	}

	m.frameMu.Lock()
	m.lastFrame = frame
	m.frameMu.Unlock()

	m.eventBus.Publish(bus.Event{
		Type: bus.EventTypeFrameCaptured,
		Data: map[string]any{
			"width":  width,
			"height": height,
			"size":   len(imageData),
		},
	})
	return nil
}

// Capture returns a copy of the most recent frame. It fails when the camera
// is disabled, no frame has arrived yet, or the frame is older than the
// configured maximum age.
func (m *Manager) Capture(ctx context.Context) (*Frame, error) {
	m.captureMu.Lock()
	defer m.captureMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.IsCameraActive() {
		return nil, ErrCameraNotAvailable
	}

	m.frameMu.RLock()
	frame := m.lastFrame
	m.frameMu.RUnlock()

	if frame == nil {
		return nil, ErrNoFrame
	}
	if m.config.MaxFrameAge > 0 && m.now().Sub(frame.Timestamp) > m.config.MaxFrameAge {
		return nil, ErrStaleFrame
	}

	out := *frame
	out.Data = append([]byte(nil), frame.Data...)
	return &out, nil
}
