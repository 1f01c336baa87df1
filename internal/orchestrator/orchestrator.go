// Package orchestrator runs a conversation turn: emotion fusion, mood,
// persona, generation, speech and persistence.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/data"
	"github.com/normanking/cortexcompanion/internal/emotion"
	"github.com/normanking/cortexcompanion/internal/llm"
	"github.com/normanking/cortexcompanion/internal/mood"
	"github.com/normanking/cortexcompanion/internal/persona"
	"github.com/normanking/cortexcompanion/internal/tone"
	"github.com/normanking/cortexcompanion/internal/tts"
)

// PersonalityKey is the preference that pins a user's persona.
const PersonalityKey = "personality"

// Store is the persistence the orchestrator needs.
type Store interface {
	AddTurn(ctx context.Context, t *data.Turn) error
	RecentTurns(ctx context.Context, userID string, limit int) ([]data.Turn, error)
	AddEmotionRecord(ctx context.Context, r *data.EmotionRecord) error
	ClearHistory(ctx context.Context, userID string) error
	SetPreference(ctx context.Context, userID, key, value string) error
	GetPreference(ctx context.Context, userID, key string) (string, error)
	DeletePreference(ctx context.Context, userID, key string) error
}

// EmotionReader exposes a user's cached face emotion without triggering a
// capture.
type EmotionReader interface {
	Peek(userID string) emotion.Sample
}

// Config tunes generation.
type Config struct {
	Model              string
	Temperature        float64
	MaxTokens          int
	ContextTurns       int
	SentimentThreshold float64
}

// DefaultConfig returns the standard generation settings.
func DefaultConfig() Config {
	return Config{
		Temperature:        0.9,
		MaxTokens:          150,
		ContextTurns:       50,
		SentimentThreshold: 0.4,
	}
}

// Deps are the collaborators of an Orchestrator. Speech and Bus may be nil.
type Deps struct {
	Emotions EmotionReader
	Tracker  *mood.Tracker
	Catalog  *persona.Catalog
	Store    Store
	LLM      llm.Provider
	Speech   tts.Provider
	Audio    *tts.AudioStore
	Bus      *bus.EventBus
}

// Request is one user turn.
type Request struct {
	UserID  string
	Message string

	// OnToken streams the reply when set and the provider supports it.
	OnToken func(token string)
}

// Response is what the session sends back immediately.
type Response struct {
	TurnID      string    `json:"turn_id"`
	Text        string    `json:"text"`
	Emotion     string    `json:"emotion"`
	Confidence  float64   `json:"confidence"`
	Sentiment   string    `json:"sentiment"`
	Mood        mood.Mood `json:"mood"`
	Personality string    `json:"personality"`
	Degraded    bool      `json:"degraded,omitempty"`
}

// AudioReady announces synthesized speech for a turn.
type AudioReady struct {
	TurnID  string `json:"turn_id"`
	AudioID string `json:"audio_id"`
	Format  string `json:"format"`
}

// Orchestrator sequences conversation turns. It is safe for concurrent use
// by many sessions.
type Orchestrator struct {
	cfg      Config
	emotions EmotionReader
	tracker  *mood.Tracker
	catalog  *persona.Catalog
	store    Store
	llm      llm.Provider
	speech   tts.Provider
	audio    *tts.AudioStore
	eventBus *bus.EventBus
	logger   zerolog.Logger

	wg sync.WaitGroup
}

// New creates an orchestrator. Missing optional collaborators get defaults.
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Orchestrator, error) {
	switch {
	case deps.Emotions == nil:
		return nil, errors.New("orchestrator: emotion reader is required")
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.LLM == nil:
		return nil, errors.New("orchestrator: llm provider is required")
	}
	if deps.Tracker == nil {
		deps.Tracker = mood.NewTracker()
	}
	if deps.Catalog == nil {
		deps.Catalog = persona.DefaultCatalog()
	}
	if deps.Audio == nil {
		deps.Audio = tts.NewAudioStore(0)
	}
	if cfg.ContextTurns <= 0 {
		cfg.ContextTurns = DefaultConfig().ContextTurns
	}

	return &Orchestrator{
		cfg:      cfg,
		emotions: deps.Emotions,
		tracker:  deps.Tracker,
		catalog:  deps.Catalog,
		store:    deps.Store,
		llm:      deps.LLM,
		speech:   deps.Speech,
		audio:    deps.Audio,
		eventBus: deps.Bus,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// Audio returns the store that holds synthesized clips.
func (o *Orchestrator) Audio() *tts.AudioStore { return o.audio }

// Mood returns the user's current mood state.
func (o *Orchestrator) Mood(userID string) mood.State { return o.tracker.Get(userID) }

// Wait blocks until background synthesis has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// HandleTurn runs one turn. It returns an *InputError for bad requests and an
// error wrapping ErrCancelled when the token is cancelled at a checkpoint.
// Generation failures are not errors: the response carries Apology and
// Degraded is set. When speech is configured and the turn is not degraded,
// deliver is called from a background goroutine once audio is stored.
func (o *Orchestrator) HandleTurn(ctx context.Context, token *CancelToken, req Request, deliver func(AudioReady)) (*Response, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return nil, &InputError{Field: "message", Message: "empty message received"}
	}
	if req.UserID == "" {
		return nil, &InputError{Field: "user_id", Message: "user not identified"}
	}

	log := o.logger.With().Str("user_id", req.UserID).Logger()
	turnID := uuid.NewString()

	face := o.emotions.Peek(req.UserID)
	voice := tone.Analyze(msg)
	fused := emotion.Combine(face.Signal(), voice.Signal())
	sentiment := mood.SentimentOf(voice.Signal(), o.cfg.SentimentThreshold)

	state, changed := o.tracker.Update(req.UserID, fused.Label, sentiment)
	if changed {
		o.eventBus.Publish(bus.Event{
			Type: bus.EventTypeMoodChanged,
			Data: map[string]any{"user_id": req.UserID, "mood": state.Mood.String()},
		})
	}

	p := o.selectPersona(ctx, req.UserID, state.Mood)

	log.Info().
		Str("face", string(face.Label)).
		Str("voice", string(voice.Label)).
		Str("emotion", string(fused.Label)).
		Str("mood", state.Mood.String()).
		Str("persona", p.Name).
		Msg("Turn started")

	if err := token.Checkpoint(StageContext); err != nil {
		return nil, o.cancelled(req.UserID, turnID, err)
	}
	history := o.recentContext(ctx, req.UserID)

	if err := token.Checkpoint(StageGenerate); err != nil {
		return nil, o.cancelled(req.UserID, turnID, err)
	}
	prompt := p.BuildSystemPrompt(persona.PromptContext{
		Mood:      state.Mood,
		Emotion:   string(fused.Label),
		Sentiment: string(sentiment),
	})
	onToken := req.OnToken
	if onToken != nil {
		onToken = func(tok string) {
			if !token.Cancelled() {
				req.OnToken(tok)
			}
		}
	}
	genCtx, stopGen := token.Context(ctx)
	text, genErr := o.generate(genCtx, prompt, history, msg, onToken)
	stopGen()

	if err := token.Checkpoint(StageRespond); err != nil {
		return nil, o.cancelled(req.UserID, turnID, err)
	}

	resp := &Response{
		TurnID:      turnID,
		Text:        text,
		Emotion:     string(fused.Label),
		Confidence:  fused.Confidence,
		Sentiment:   string(sentiment),
		Mood:        state.Mood,
		Personality: p.Name,
	}

	if genErr != nil {
		log.Error().Err(genErr).Msg("Generation failed")
		resp.Text = Apology
		resp.Degraded = true
		return resp, nil
	}

	o.persist(ctx, req.UserID, msg, resp)

	if o.speech != nil && deliver != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.speak(context.WithoutCancel(ctx), token, turnID, text, p, deliver)
		}()
	}

	o.eventBus.Publish(bus.Event{
		Type: bus.EventTypeTurnCompleted,
		Data: map[string]any{"user_id": req.UserID, "turn_id": turnID, "persona": p.Name},
	})
	return resp, nil
}

// selectPersona honours a stored personality preference over the mood.
func (o *Orchestrator) selectPersona(ctx context.Context, userID string, m mood.Mood) persona.Descriptor {
	pref, err := o.store.GetPreference(ctx, userID, PersonalityKey)
	switch {
	case err == nil && pref != "":
		if d, lerr := o.catalog.Lookup(pref); lerr == nil {
			return d
		}
		o.logger.Warn().Str("user_id", userID).Str("personality", pref).Msg("Ignoring unknown personality preference")
	case err != nil && !errors.Is(err, data.ErrNotFound):
		o.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to read personality preference")
	}
	return o.catalog.Select(m)
}

// recentContext loads the user's recent turns as chat messages. Failures degrade
// to an empty history.
func (o *Orchestrator) recentContext(ctx context.Context, userID string) []llm.Message {
	turns, err := o.store.RecentTurns(ctx, userID, o.cfg.ContextTurns)
	if err != nil {
		o.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to load conversation context")
		return nil
	}
	msgs := make([]llm.Message, 0, len(turns)*2+1)
	for _, t := range turns {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: t.UserMessage},
			llm.Message{Role: llm.RoleAssistant, Content: t.AIResponse},
		)
	}
	return msgs
}

func (o *Orchestrator) generate(ctx context.Context, prompt string, history []llm.Message, msg string, onToken func(string)) (string, error) {
	req := &llm.ChatRequest{
		Model:        o.cfg.Model,
		SystemPrompt: prompt,
		Messages:     append(history, llm.Message{Role: llm.RoleUser, Content: msg}),
		MaxTokens:    o.cfg.MaxTokens,
		Temperature:  o.cfg.Temperature,
	}

	if sp, ok := o.llm.(llm.StreamingProvider); ok && onToken != nil {
		text, err := sp.ChatStream(ctx, req, onToken)
		if err != nil {
			return "", err
		}
		return nonEmpty(text)
	}

	resp, err := o.llm.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	return nonEmpty(resp.Content)
}

func nonEmpty(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errEmptyCompletion
	}
	return text, nil
}

func (o *Orchestrator) persist(ctx context.Context, userID, msg string, resp *Response) {
	now := time.Now()
	if err := o.store.AddTurn(ctx, &data.Turn{
		ID:          resp.TurnID,
		UserID:      userID,
		UserMessage: msg,
		AIResponse:  resp.Text,
		Emotion:     resp.Emotion,
		Confidence:  resp.Confidence,
		Mood:        resp.Mood.String(),
		Persona:     resp.Personality,
		CreatedAt:   now,
	}); err != nil {
		o.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to store turn")
	}
	if err := o.store.AddEmotionRecord(ctx, &data.EmotionRecord{
		UserID:     userID,
		Emotion:    resp.Emotion,
		Confidence: resp.Confidence,
		Mood:       resp.Mood.String(),
		CreatedAt:  now,
	}); err != nil {
		o.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to store emotion record")
	}
}

// speak synthesizes text with the persona's voice and hands the clip to
// deliver unless the token is cancelled first.
func (o *Orchestrator) speak(ctx context.Context, token *CancelToken, turnID, text string, p persona.Descriptor, deliver func(AudioReady)) {
	if err := token.Checkpoint(StageSynthesize); err != nil {
		o.logger.Debug().Str("turn_id", turnID).Msg("Audio generation cancelled")
		return
	}

	res, err := o.speech.Synthesize(ctx, &tts.SynthesizeRequest{
		Text:    text,
		VoiceID: p.Voice,
		Speed:   tts.SpeedForTone(string(p.Tone)),
	})
	if err != nil {
		o.logger.Error().Err(err).Str("turn_id", turnID).Msg("Speech synthesis failed")
		return
	}

	if err := token.Checkpoint(StageDeliver); err != nil {
		o.logger.Debug().Str("turn_id", turnID).Msg("Audio delivery cancelled")
		return
	}

	id := o.audio.Put(res.Audio, res.Format)
	ready := AudioReady{TurnID: turnID, AudioID: id, Format: res.Format}
	deliver(ready)
	o.eventBus.Publish(bus.Event{
		Type: bus.EventTypeAudioReady,
		Data: map[string]any{"turn_id": turnID, "audio_id": id},
	})
}

func (o *Orchestrator) cancelled(userID, turnID string, err error) error {
	o.logger.Info().Str("user_id", userID).Str("turn_id", turnID).Msg(err.Error())
	o.eventBus.Publish(bus.Event{
		Type: bus.EventTypeTurnCancelled,
		Data: map[string]any{"user_id": userID, "turn_id": turnID},
	})
	return err
}
