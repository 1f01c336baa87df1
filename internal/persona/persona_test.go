package persona_test

import (
	"strings"
	"testing"

	"github.com/normanking/cortexcompanion/internal/mood"
	"github.com/normanking/cortexcompanion/internal/persona"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogCoversEveryMood(t *testing.T) {
	c := persona.DefaultCatalog()

	want := map[mood.Mood]struct {
		name, voice string
		tone        persona.Tone
	}{
		mood.Cheerful: {"Kai", "alloy", persona.ToneHappy},
		mood.Low:      {"Luna", "echo", persona.ToneSad},
		mood.Stressed: {"Astra", "shimmer", persona.ToneCalm},
		mood.Angry:    {"Nova", "fable", persona.ToneNeutral},
		mood.Neutral:  {"Echo", "nova", persona.ToneNeutral},
	}

	for _, m := range mood.All {
		d := c.Select(m)
		assert.Equal(t, m, d.Mood)
		assert.Equal(t, want[m].name, d.Name)
		assert.Equal(t, want[m].voice, d.Voice)
		assert.Equal(t, want[m].tone, d.Tone)
		assert.NotEmpty(t, d.PromptTone)
	}
}

func TestSelectOutOfRangeFallsBackToNeutral(t *testing.T) {
	d := persona.DefaultCatalog().Select(mood.Mood(99))
	assert.Equal(t, "Echo", d.Name)
}

func TestNewCatalogRejectsIncompleteTables(t *testing.T) {
	_, err := persona.NewCatalog(persona.Descriptor{Mood: mood.Neutral, Name: "Echo", Voice: "nova"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no persona for mood")

	_, err = persona.NewCatalog(
		persona.Descriptor{Mood: mood.Neutral, Name: "A", Voice: "nova"},
		persona.Descriptor{Mood: mood.Neutral, Name: "B", Voice: "nova"},
	)
	assert.ErrorContains(t, err, "duplicate")

	_, err = persona.NewCatalog(persona.Descriptor{Mood: mood.Mood(-1), Name: "X", Voice: "nova"})
	assert.ErrorContains(t, err, "invalid mood")
}

func TestLookup(t *testing.T) {
	c := persona.DefaultCatalog()

	d, err := c.Lookup("Stressed")
	require.NoError(t, err)
	assert.Equal(t, "Astra", d.Name)

	_, err = c.Lookup("sarcastic")
	assert.Error(t, err)
}

func TestBuildSystemPrompt(t *testing.T) {
	d := persona.DefaultCatalog().Select(mood.Low)
	prompt := d.BuildSystemPrompt(persona.PromptContext{Mood: mood.Low, Emotion: "sad", Sentiment: "negative"})

	assert.True(t, strings.HasPrefix(prompt, "You are ROOMii"))
	assert.Contains(t, prompt, "named Luna")
	assert.Contains(t, prompt, d.PromptTone)
	assert.Contains(t, prompt, "The user currently seems low")
	assert.Contains(t, prompt, "detected emotion is sad")
	assert.Contains(t, prompt, "voice sentiment is negative")

	empty := d.BuildSystemPrompt(persona.PromptContext{})
	assert.Contains(t, empty, "detected emotion is neutral")
}
