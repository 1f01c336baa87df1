package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexcompanion/internal/commands"
	"github.com/normanking/cortexcompanion/internal/data"
	"github.com/normanking/cortexcompanion/internal/emotion"
	"github.com/normanking/cortexcompanion/internal/llm"
	"github.com/normanking/cortexcompanion/internal/mood"
	"github.com/normanking/cortexcompanion/internal/tts"
)

type fixedEmotion struct{ s emotion.Sample }

func (f fixedEmotion) Peek(string) emotion.Sample { return f.s }

// faces holds a separate cached sample per user.
type faces map[string]emotion.Sample

func (f faces) Peek(userID string) emotion.Sample {
	if s, ok := f[userID]; ok {
		return s
	}
	return emotion.Sample{Label: emotion.Neutral, Source: emotion.SourceFallback}
}

type memStore struct {
	mu       sync.Mutex
	turns    []data.Turn
	records  []data.EmotionRecord
	prefs    map[string]string
	turnsErr error
}

func newMemStore() *memStore { return &memStore{prefs: map[string]string{}} }

func (m *memStore) AddTurn(_ context.Context, t *data.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, *t)
	return nil
}

func (m *memStore) RecentTurns(_ context.Context, userID string, limit int) ([]data.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turnsErr != nil {
		return nil, m.turnsErr
	}
	var out []data.Turn
	for _, t := range m.turns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) AddEmotionRecord(_ context.Context, r *data.EmotionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *r)
	return nil
}

func (m *memStore) ClearHistory(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []data.Turn
	for _, t := range m.turns {
		if t.UserID != userID {
			kept = append(kept, t)
		}
	}
	m.turns = kept
	return nil
}

func (m *memStore) SetPreference(_ context.Context, userID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[userID+"/"+key] = value
	return nil
}

func (m *memStore) GetPreference(_ context.Context, userID, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.prefs[userID+"/"+key]
	if !ok {
		return "", data.ErrNotFound
	}
	return v, nil
}

func (m *memStore) DeletePreference(_ context.Context, userID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.prefs, userID+"/"+key)
	return nil
}

func (m *memStore) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns), len(m.records)
}

type fakeLLM struct {
	mu     sync.Mutex
	reply  string
	err    error
	calls  int
	last   *llm.ChatRequest
	during func()
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	f.calls++
	f.last = req
	during := f.during
	f.mu.Unlock()
	if during != nil {
		during()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.reply}, nil
}

type streamingLLM struct {
	fakeLLM
	tokens []string
	before func(i int) // runs before token i is emitted
}

func (s *streamingLLM) ChatStream(_ context.Context, _ *llm.ChatRequest, onToken func(string)) (string, error) {
	var out string
	for i, t := range s.tokens {
		if s.before != nil {
			s.before(i)
		}
		onToken(t)
		out += t
	}
	return out, nil
}

type fakeSpeech struct {
	mu   sync.Mutex
	last *tts.SynthesizeRequest
	err  error
}

func (f *fakeSpeech) Name() string { return "fake" }

func (f *fakeSpeech) Synthesize(_ context.Context, req *tts.SynthesizeRequest) (*tts.SynthesizeResponse, error) {
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &tts.SynthesizeResponse{Audio: []byte("mp3-bytes"), Format: "mp3"}, nil
}

func (f *fakeSpeech) ListVoices(context.Context) ([]tts.Voice, error) { return nil, nil }
func (f *fakeSpeech) Health(context.Context) error                    { return nil }

type harness struct {
	orch   *Orchestrator
	store  *memStore
	llm    *fakeLLM
	speech *fakeSpeech
}

func newHarness(t *testing.T, face emotion.Sample) *harness {
	t.Helper()
	h := &harness{store: newMemStore(), llm: &fakeLLM{reply: "Sounds fun!"}, speech: &fakeSpeech{}}
	o, err := New(DefaultConfig(), Deps{
		Emotions: fixedEmotion{face},
		Store:    h.store,
		LLM:      h.llm,
		Speech:   h.speech,
	}, zerolog.Nop())
	require.NoError(t, err)
	h.orch = o
	return h
}

func collect() (func(AudioReady), <-chan AudioReady) {
	ch := make(chan AudioReady, 1)
	return func(a AudioReady) { ch <- a }, ch
}

func happyFace() emotion.Sample {
	return emotion.Sample{Label: emotion.Happy, Confidence: 0.9, Source: emotion.SourceCache}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestHandleTurnInputErrors(t *testing.T) {
	h := newHarness(t, happyFace())

	_, err := h.orch.HandleTurn(context.Background(), nil, Request{UserID: "u", Message: "   "}, nil)
	var ie *InputError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "message", ie.Field)

	_, err = h.orch.HandleTurn(context.Background(), nil, Request{Message: "hi"}, nil)
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "user_id", ie.Field)
	assert.Zero(t, h.llm.calls)
}

func TestHandleTurnHappyPath(t *testing.T) {
	h := newHarness(t, happyFace())
	deliver, audio := collect()

	resp, err := h.orch.HandleTurn(context.Background(), NewCancelToken(), Request{UserID: "u", Message: "tell me a story"}, deliver)
	require.NoError(t, err)

	assert.Equal(t, "Sounds fun!", resp.Text)
	assert.Equal(t, "happy", resp.Emotion)
	assert.InDelta(t, 0.54, resp.Confidence, 1e-9)
	assert.Equal(t, mood.Cheerful, resp.Mood)
	assert.Equal(t, "Kai", resp.Personality)
	assert.False(t, resp.Degraded)

	require.NotNil(t, h.llm.last)
	assert.Contains(t, h.llm.last.SystemPrompt, "Kai")
	assert.Equal(t, "tell me a story", h.llm.last.Messages[len(h.llm.last.Messages)-1].Content)

	select {
	case a := <-audio:
		assert.Equal(t, resp.TurnID, a.TurnID)
		clip, err := h.orch.Audio().Get(a.AudioID)
		require.NoError(t, err)
		assert.Equal(t, []byte("mp3-bytes"), clip.Audio)
	case <-time.After(2 * time.Second):
		t.Fatal("audio not delivered")
	}
	h.orch.Wait()
	assert.Equal(t, "alloy", h.speech.last.VoiceID)
	assert.Equal(t, 1.1, h.speech.last.Speed)

	turns, records := h.store.counts()
	assert.Equal(t, 1, turns)
	assert.Equal(t, 1, records)
	assert.Equal(t, "cheerful", h.store.records[0].Mood)
}

func TestHandleTurnIncludesHistory(t *testing.T) {
	h := newHarness(t, happyFace())
	ctx := context.Background()

	_, err := h.orch.HandleTurn(ctx, nil, Request{UserID: "u", Message: "first"}, nil)
	require.NoError(t, err)
	_, err = h.orch.HandleTurn(ctx, nil, Request{UserID: "u", Message: "second"}, nil)
	require.NoError(t, err)

	msgs := h.llm.last.Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "first"}, msgs[0])
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: "Sounds fun!"}, msgs[1])
}

func TestHandleTurnContextFailureDegrades(t *testing.T) {
	h := newHarness(t, happyFace())
	h.store.turnsErr = errors.New("disk gone")

	resp, err := h.orch.HandleTurn(context.Background(), nil, Request{UserID: "u", Message: "hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Sounds fun!", resp.Text)
	assert.Len(t, h.llm.last.Messages, 1)
}

func TestHandleTurnGenerationFailure(t *testing.T) {
	h := newHarness(t, happyFace())
	h.llm.err = errors.New("upstream 500")
	deliver, audio := collect()

	resp, err := h.orch.HandleTurn(context.Background(), nil, Request{UserID: "u", Message: "hello"}, deliver)
	require.NoError(t, err)
	assert.Equal(t, Apology, resp.Text)
	assert.True(t, resp.Degraded)

	h.orch.Wait()
	assert.Empty(t, audio)
	assert.Nil(t, h.speech.last)
	turns, _ := h.store.counts()
	assert.Zero(t, turns)
}

func TestHandleTurnCancelledBeforeGeneration(t *testing.T) {
	h := newHarness(t, happyFace())
	token := NewCancelToken()
	token.Cancel()

	resp, err := h.orch.HandleTurn(context.Background(), token, Request{UserID: "u", Message: "hello"}, nil)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, h.llm.calls)
}

func TestHandleTurnCancelledDuringGeneration(t *testing.T) {
	h := newHarness(t, happyFace())
	token := NewCancelToken()
	h.llm.during = token.Cancel
	deliver, audio := collect()

	resp, err := h.orch.HandleTurn(context.Background(), token, Request{UserID: "u", Message: "hello"}, deliver)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 1, h.llm.calls)

	h.orch.Wait()
	assert.Empty(t, audio)
	turns, records := h.store.counts()
	assert.Zero(t, turns)
	assert.Zero(t, records)
}

func TestHandleTurnCancelledBeforeSynthesis(t *testing.T) {
	h := newHarness(t, happyFace())
	token := NewCancelToken()
	delivered := make(chan AudioReady, 1)

	resp, err := h.orch.HandleTurn(context.Background(), token, Request{UserID: "u", Message: "hello"}, func(a AudioReady) { delivered <- a })
	require.NoError(t, err)
	require.NotNil(t, resp)
	token.Cancel()
	h.orch.Wait()

	// The reply was already committed; only audio may be dropped.
	turns, _ := h.store.counts()
	assert.Equal(t, 1, turns)
}

func TestPersonalityPreferenceOverridesMood(t *testing.T) {
	h := newHarness(t, happyFace())
	require.NoError(t, h.store.SetPreference(context.Background(), "u", PersonalityKey, "stressed"))

	resp, err := h.orch.HandleTurn(context.Background(), nil, Request{UserID: "u", Message: "tell me a story"}, nil)
	require.NoError(t, err)
	assert.Equal(t, mood.Cheerful, resp.Mood)
	assert.Equal(t, "Astra", resp.Personality)
}

func TestUnknownPreferenceFallsBackToMood(t *testing.T) {
	h := newHarness(t, happyFace())
	require.NoError(t, h.store.SetPreference(context.Background(), "u", PersonalityKey, "grumpy"))

	resp, err := h.orch.HandleTurn(context.Background(), nil, Request{UserID: "u", Message: "tell me a story"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Kai", resp.Personality)
}

func TestVoiceDrivesMoodWithoutFace(t *testing.T) {
	h := newHarness(t, emotion.Sample{Label: emotion.Neutral, Confidence: 0, Source: emotion.SourceFallback})

	resp, err := h.orch.HandleTurn(context.Background(), nil, Request{UserID: "u", Message: "I am so happy today"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "happy", resp.Emotion)
	assert.Equal(t, "positive", resp.Sentiment)
	assert.Equal(t, mood.Cheerful, resp.Mood)
	assert.Equal(t, mood.Cheerful, h.orch.Mood("u").Mood)
}

func TestSadFaceSelectsLuna(t *testing.T) {
	h := newHarness(t, emotion.Sample{Label: emotion.Sad, Confidence: 0.8})
	deliver, audio := collect()

	resp, err := h.orch.HandleTurn(context.Background(), nil, Request{UserID: "u", Message: "tell me a story"}, deliver)
	require.NoError(t, err)
	assert.Equal(t, mood.Low, resp.Mood)
	assert.Equal(t, "Luna", resp.Personality)

	<-audio
	h.orch.Wait()
	assert.Equal(t, "echo", h.speech.last.VoiceID)
	assert.Equal(t, 0.85, h.speech.last.Speed)
}

func TestStreamingProvider(t *testing.T) {
	store := newMemStore()
	provider := &streamingLLM{tokens: []string{"Hi ", "there"}}
	o, err := New(DefaultConfig(), Deps{Emotions: fixedEmotion{happyFace()}, Store: store, LLM: provider}, zerolog.Nop())
	require.NoError(t, err)

	var got []string
	resp, err := o.HandleTurn(context.Background(), nil, Request{
		UserID:  "u",
		Message: "hello",
		OnToken: func(tok string) { got = append(got, tok) },
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", resp.Text)
	assert.Equal(t, []string{"Hi ", "there"}, got)
	assert.Zero(t, provider.calls)
}

func TestCancelToken(t *testing.T) {
	var nilToken *CancelToken
	assert.NoError(t, nilToken.Checkpoint(StageGenerate))
	nilToken.Cancel()

	tok := NewCancelToken()
	assert.NoError(t, tok.Checkpoint(StageContext))
	tok.Cancel()
	err := tok.Checkpoint(StageDeliver)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Contains(t, err.Error(), "deliver")
}

func TestHandleCommand(t *testing.T) {
	h := newHarness(t, happyFace())
	ctx := context.Background()
	handler := commands.NewHandler(zerolog.Nop())

	out, err := h.orch.HandleCommand(ctx, handler, "u", "roomie change personality to calm")
	require.NoError(t, err)
	assert.True(t, out.Success)
	v, err := h.store.GetPreference(ctx, "u", PersonalityKey)
	require.NoError(t, err)
	assert.Equal(t, "low", v)

	_, err = h.orch.HandleTurn(ctx, nil, Request{UserID: "u", Message: "tell me a story"}, nil)
	require.NoError(t, err)
	turns, _ := h.store.counts()
	require.Equal(t, 1, turns)
	assert.Equal(t, "Luna", h.store.turns[0].Persona)

	out, err = h.orch.HandleCommand(ctx, handler, "u", "roomie clear conversation")
	require.NoError(t, err)
	assert.Equal(t, "clear_conversation", out.Action)
	turns, _ = h.store.counts()
	assert.Zero(t, turns)

	out, err = h.orch.HandleCommand(ctx, handler, "u", "what a lovely afternoon")
	require.NoError(t, err)
	assert.True(t, out.IsMessage)
	assert.False(t, out.Success)
}

func TestHandleCommandRequiresUser(t *testing.T) {
	h := newHarness(t, happyFace())
	_, err := h.orch.HandleCommand(context.Background(), commands.NewHandler(zerolog.Nop()), "", "roomie clear history")
	var ie *InputError
	assert.ErrorAs(t, err, &ie)

	out, err := h.orch.HandleCommand(context.Background(), commands.NewHandler(zerolog.Nop()), "", "roomie help")
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestHandleTurnEmptyStreamIsDegraded(t *testing.T) {
	store := newMemStore()
	speech := &fakeSpeech{}
	provider := &streamingLLM{tokens: []string{" ", "\n"}}
	o, err := New(DefaultConfig(), Deps{Emotions: fixedEmotion{happyFace()}, Store: store, LLM: provider, Speech: speech}, zerolog.Nop())
	require.NoError(t, err)

	deliver, ch := collect()
	resp, err := o.HandleTurn(context.Background(), nil, Request{
		UserID:  "u",
		Message: "hello",
		OnToken: func(string) {},
	}, deliver)
	require.NoError(t, err)
	o.Wait()

	assert.True(t, resp.Degraded)
	assert.Equal(t, Apology, resp.Text)
	turns, records := store.counts()
	assert.Zero(t, turns)
	assert.Zero(t, records)
	assert.Empty(t, ch)
}

func TestStopDuringStreamingDropsLaterTokens(t *testing.T) {
	store := newMemStore()
	token := NewCancelToken()
	provider := &streamingLLM{
		tokens: []string{"Once ", "upon ", "a time"},
		before: func(i int) {
			if i == 1 {
				token.Cancel()
			}
		},
	}
	o, err := New(DefaultConfig(), Deps{Emotions: fixedEmotion{happyFace()}, Store: store, LLM: provider}, zerolog.Nop())
	require.NoError(t, err)

	var got []string
	_, err = o.HandleTurn(context.Background(), token, Request{
		UserID:  "u",
		Message: "tell me a story",
		OnToken: func(tok string) { got = append(got, tok) },
	}, nil)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, []string{"Once "}, got)
	turns, _ := store.counts()
	assert.Zero(t, turns)
}

func TestCancelTokenContext(t *testing.T) {
	tok := NewCancelToken()
	ctx, stop := tok.Context(context.Background())
	defer stop()
	assert.NoError(t, ctx.Err())

	tok.Cancel()
	tok.Cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled with token")
	}

	var nilToken *CancelToken
	ctx2, stop2 := nilToken.Context(context.Background())
	assert.NoError(t, ctx2.Err())
	stop2()
	assert.Error(t, ctx2.Err())
}

func TestFaceAndMoodAreKeptPerUser(t *testing.T) {
	store := newMemStore()
	o, err := New(DefaultConfig(), Deps{
		Emotions: faces{"alice": {Label: emotion.Angry, Confidence: 0.95, Source: emotion.SourceClassifier}},
		Store:    store,
		LLM:      &fakeLLM{reply: "I hear you."},
	}, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	alice, err := o.HandleTurn(ctx, nil, Request{UserID: "alice", Message: "ok"}, nil)
	require.NoError(t, err)
	bob, err := o.HandleTurn(ctx, nil, Request{UserID: "bob", Message: "ok"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "angry", alice.Emotion)
	assert.Equal(t, mood.Low, alice.Mood)
	assert.Equal(t, "Luna", alice.Personality)

	assert.Equal(t, "neutral", bob.Emotion)
	assert.Equal(t, mood.Neutral, bob.Mood)
	assert.Equal(t, "Echo", bob.Personality)

	assert.Equal(t, mood.Low, o.Mood("alice").Mood)
	assert.Equal(t, mood.Neutral, o.Mood("bob").Mood)
}

func TestHandleCommandAutoPersonality(t *testing.T) {
	h := newHarness(t, happyFace())
	ctx := context.Background()
	handler := commands.NewHandler(zerolog.Nop())

	_, err := h.orch.HandleCommand(ctx, handler, "u", "roomie change personality to sad")
	require.NoError(t, err)

	out, err := h.orch.HandleCommand(ctx, handler, "u", "roomie set personality to auto")
	require.NoError(t, err)
	assert.True(t, out.Success)
	_, err = h.store.GetPreference(ctx, "u", PersonalityKey)
	assert.ErrorIs(t, err, data.ErrNotFound)

	resp, err := h.orch.HandleTurn(ctx, nil, Request{UserID: "u", Message: "tell me a story"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Kai", resp.Personality)
}
