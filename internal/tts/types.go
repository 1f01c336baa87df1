// Package tts provides text-to-speech synthesis for companion replies.
package tts

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrProviderUnavailable = errors.New("TTS provider unavailable")
	ErrEmptyText           = errors.New("nothing to synthesize")
	ErrAudioNotFound       = errors.New("audio not found or expired")
)

// Provider is the interface all TTS providers must implement
type Provider interface {
	// Name returns the provider identifier
	Name() string

	// Synthesize converts text to audio
	Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error)

	// ListVoices returns available voices
	ListVoices(ctx context.Context) ([]Voice, error)

	// Health checks if the provider is available
	Health(ctx context.Context) error
}

// SynthesizeRequest represents a synthesis request
type SynthesizeRequest struct {
	Text    string  `json:"text"`
	VoiceID string  `json:"voice_id"`
	Speed   float64 `json:"speed,omitempty"` // 0.25 to 4.0
	Format  string  `json:"format,omitempty"`
}

// SynthesizeResponse represents a synthesis result
type SynthesizeResponse struct {
	Audio          []byte        `json:"audio"`
	Format         string        `json:"format"`
	ProcessingTime time.Duration `json:"processing_time"`
	VoiceID        string        `json:"voice_id"`
	Provider       string        `json:"provider"`
}

// Voice represents an available TTS voice
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Gender   string `json:"gender"` // male, female, neutral
}
