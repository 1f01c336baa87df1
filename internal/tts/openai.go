package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// OpenAI TTS voices
const (
	VoiceAlloy   = "alloy"
	VoiceEcho    = "echo"
	VoiceFable   = "fable"
	VoiceOnyx    = "onyx"
	VoiceNova    = "nova"
	VoiceShimmer = "shimmer"
)

// APIKeyEnv is read when no key is configured.
const APIKeyEnv = "OPENAI_API_KEY"

// DefaultEndpoint is OpenAI's speech endpoint.
const DefaultEndpoint = "https://api.openai.com/v1/audio/speech"

// OpenAIConfig holds OpenAI TTS configuration
type OpenAIConfig struct {
	APIKey       string        `json:"api_key"`
	Endpoint     string        `json:"endpoint"`
	Model        string        `json:"model"`         // tts-1 or tts-1-hd
	DefaultVoice string        `json:"default_voice"` // alloy, echo, fable, onyx, nova, shimmer
	Timeout      time.Duration `json:"timeout"`
}

// DefaultOpenAIConfig returns sensible defaults
func DefaultOpenAIConfig() *OpenAIConfig {
	return &OpenAIConfig{
		Endpoint:     DefaultEndpoint,
		Model:        "tts-1",
		DefaultVoice: VoiceNova,
		Timeout:      30 * time.Second,
	}
}

// OpenAIProvider implements TTS using OpenAI's speech API
type OpenAIProvider struct {
	client *http.Client
	logger zerolog.Logger
	config *OpenAIConfig
}

// NewOpenAIProvider creates a new OpenAI TTS provider
func NewOpenAIProvider(logger zerolog.Logger, config *OpenAIConfig) *OpenAIProvider {
	defaults := DefaultOpenAIConfig()
	if config == nil {
		config = defaults
	}
	if config.Endpoint == "" {
		config.Endpoint = defaults.Endpoint
	}
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.DefaultVoice == "" {
		config.DefaultVoice = defaults.DefaultVoice
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.APIKey == "" {
		config.APIKey = os.Getenv(APIKeyEnv)
	}

	return &OpenAIProvider{
		client: &http.Client{Timeout: config.Timeout},
		logger: logger.With().Str("component", "tts").Str("provider", "openai").Logger(),
		config: config,
	}
}

// Name returns the provider identifier
func (p *OpenAIProvider) Name() string {
	return "openai"
}

type openAITTSRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

// Synthesize converts text to mp3 audio.
func (p *OpenAIProvider) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error) {
	if p.config.APIKey == "" {
		return nil, ErrProviderUnavailable
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	start := time.Now()
	voice := p.voice(req.VoiceID)
	format := req.Format
	if format == "" {
		format = "mp3"
	}

	body, err := json.Marshal(openAITTSRequest{
		Model:          p.config.Model,
		Input:          req.Text,
		Voice:          voice,
		ResponseFormat: format,
		Speed:          req.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	p.logger.Debug().Str("voice", voice).Float64("speed", req.Speed).Int("text_len", len(req.Text)).Msg("Sending TTS request")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, fmt.Errorf("openai tts %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	elapsed := time.Since(start)
	p.logger.Info().Str("voice", voice).Int("audio_bytes", len(audio)).Dur("elapsed", elapsed).Msg("Synthesis complete")

	return &SynthesizeResponse{
		Audio:          audio,
		Format:         format,
		ProcessingTime: elapsed,
		VoiceID:        voice,
		Provider:       p.Name(),
	}, nil
}

func (p *OpenAIProvider) voice(id string) string {
	switch id {
	case VoiceAlloy, VoiceEcho, VoiceFable, VoiceOnyx, VoiceNova, VoiceShimmer:
		return id
	}
	return p.config.DefaultVoice
}

// ListVoices returns available OpenAI voices
func (p *OpenAIProvider) ListVoices(ctx context.Context) ([]Voice, error) {
	return []Voice{
		{ID: VoiceNova, Name: "Nova (Female, Warm)", Language: "en", Gender: "female"},
		{ID: VoiceShimmer, Name: "Shimmer (Female, Clear)", Language: "en", Gender: "female"},
		{ID: VoiceAlloy, Name: "Alloy (Neutral)", Language: "en", Gender: "neutral"},
		{ID: VoiceEcho, Name: "Echo (Male, Warm)", Language: "en", Gender: "male"},
		{ID: VoiceOnyx, Name: "Onyx (Male, Deep)", Language: "en", Gender: "male"},
		{ID: VoiceFable, Name: "Fable (British)", Language: "en", Gender: "neutral"},
	}, nil
}

// Health reports whether an API key is configured.
func (p *OpenAIProvider) Health(ctx context.Context) error {
	if p.config.APIKey == "" {
		return ErrProviderUnavailable
	}
	return nil
}
