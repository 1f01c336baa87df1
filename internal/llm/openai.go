package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
)

// DefaultBaseURL is the OpenAI API root.
const DefaultBaseURL = "https://api.openai.com/v1"

// OpenAIConfig configures OpenAIProvider.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	HTTPClient  *http.Client
}

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client openaigo.Client
	cfg    OpenAIConfig
}

// NewOpenAIProvider creates a provider. An empty API key is an error.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: api_key is required", ErrNotConfigured)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	client := openaigo.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
		option.WithRequestTimeout(cfg.Timeout),
	)
	return &OpenAIProvider{client: client, cfg: cfg}, nil
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) params(req *ChatRequest) openaigo.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	messages := make([]openaigo.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		messages = append(messages, openaigo.SystemMessage(s))
	}
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, openaigo.AssistantMessage(m.Content))
		case RoleSystem:
			messages = append(messages, openaigo.SystemMessage(m.Content))
		default:
			messages = append(messages, openaigo.UserMessage(m.Content))
		}
	}

	params := openaigo.ChatCompletionNewParams{
		Model:    openaigo.ChatModel(model),
		Messages: messages,
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.cfg.Temperature
	}
	if temperature > 0 {
		params.Temperature = param.NewOpt(temperature)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(maxTokens))
	}
	return params
}

// Chat sends a non-streaming completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	resp, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat: empty choices")
	}

	choice := resp.Choices[0]
	return &ChatResponse{
		Content:          strings.TrimSpace(choice.Message.Content),
		Model:            resp.Model,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		Duration:         time.Since(start),
		FinishReason:     string(choice.FinishReason),
	}, nil
}

// ChatStream streams tokens to onToken and returns the full text.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req *ChatRequest, onToken func(token string)) (string, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.params(req))
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		token := chunk.Choices[0].Delta.Content
		if token == "" {
			continue
		}
		sb.WriteString(token)
		if onToken != nil {
			onToken(token)
		}
	}
	if err := stream.Err(); err != nil {
		return sb.String(), fmt.Errorf("openai stream: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}
