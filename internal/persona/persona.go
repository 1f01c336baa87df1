// Package persona maps moods to the response personalities that shape the
// system prompt and the synthesized voice.
package persona

import (
	"fmt"
	"strings"

	"github.com/normanking/cortexcompanion/internal/mood"
)

// CompanionName is how the assistant introduces itself.
const CompanionName = "ROOMii"

// Tone is the speaking tone a persona asks the speech layer for.
type Tone string

const (
	ToneHappy   Tone = "happy"
	ToneSad     Tone = "sad"
	ToneCalm    Tone = "calm"
	ToneNeutral Tone = "neutral"
)

// Descriptor is a named style/voice bundle.
type Descriptor struct {
	Mood       mood.Mood `json:"mood"`
	Name       string    `json:"name"`
	Style      string    `json:"style"`
	Traits     string    `json:"traits"`
	PromptTone string    `json:"prompt_tone"`
	Voice      string    `json:"voice"`
	Tone       Tone      `json:"tone"`
}

// Catalog is an exhaustive, read-only mood → persona table.
type Catalog struct {
	byMood map[mood.Mood]Descriptor
}

// NewCatalog builds a catalog. Every mood must be present exactly once.
func NewCatalog(entries ...Descriptor) (*Catalog, error) {
	byMood := make(map[mood.Mood]Descriptor, len(entries))
	for _, d := range entries {
		if !d.Mood.Valid() {
			return nil, fmt.Errorf("persona %q: invalid mood %d", d.Name, int(d.Mood))
		}
		if _, dup := byMood[d.Mood]; dup {
			return nil, fmt.Errorf("persona %q: duplicate entry for mood %s", d.Name, d.Mood)
		}
		if d.Name == "" || d.Voice == "" {
			return nil, fmt.Errorf("persona for mood %s: name and voice are required", d.Mood)
		}
		byMood[d.Mood] = d
	}
	for _, m := range mood.All {
		if _, ok := byMood[m]; !ok {
			return nil, fmt.Errorf("no persona for mood %s", m)
		}
	}
	return &Catalog{byMood: byMood}, nil
}

// DefaultCatalog returns the built-in personas.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(defaults...)
	if err != nil {
		panic(err)
	}
	return c
}

var defaults = []Descriptor{
	{
		Mood:       mood.Cheerful,
		Name:       "Kai",
		Style:      "playful, witty, full of energy and warmth. Uses emojis and friendly tone.",
		Traits:     "energetic, friendly, motivating, playful",
		PromptTone: "Be upbeat and positive. Use humor lightly. Show enthusiasm.",
		Voice:      "alloy",
		Tone:       ToneHappy,
	},
	{
		Mood:       mood.Low,
		Name:       "Luna",
		Style:      "calm, empathetic, speaks softly and offers reassurance.",
		Traits:     "empathetic, calm, gentle, therapist-like",
		PromptTone: "Speak softly and caringly. Always validate emotions. Offer comfort.",
		Voice:      "echo",
		Tone:       ToneSad,
	},
	{
		Mood:       mood.Stressed,
		Name:       "Astra",
		Style:      "soothing, gentle, guides through breathing and grounding.",
		Traits:     "soothing, grounding, patient",
		PromptTone: "Be calm and reassuring. Help them breathe and center themselves.",
		Voice:      "shimmer",
		Tone:       ToneCalm,
	},
	{
		Mood:       mood.Angry,
		Name:       "Nova",
		Style:      "balanced, composed, uses grounding statements to defuse anger.",
		Traits:     "logical, composed, analytical, de-escalating",
		PromptTone: "Be precise and rational. Offer structured advice. Stay calm.",
		Voice:      "fable",
		Tone:       ToneNeutral,
	},
	{
		Mood:       mood.Neutral,
		Name:       "Echo",
		Style:      "friendly and clear, speaks naturally without strong emotion.",
		Traits:     "balanced, friendly, clear, conversational",
		PromptTone: "Be natural and approachable. Keep it simple and genuine.",
		Voice:      "nova",
		Tone:       ToneNeutral,
	},
}

// Select returns the persona for m. Out-of-range values get the neutral
// persona.
func (c *Catalog) Select(m mood.Mood) Descriptor {
	if d, ok := c.byMood[m]; ok {
		return d
	}
	return c.byMood[mood.Neutral]
}

// Lookup resolves a mood name, e.g. a stored personality preference.
func (c *Catalog) Lookup(name string) (Descriptor, error) {
	m, err := mood.Parse(name)
	if err != nil {
		return Descriptor{}, err
	}
	return c.Select(m), nil
}

// PromptContext carries the per-turn signals embedded in the system prompt.
type PromptContext struct {
	Mood      mood.Mood
	Emotion   string
	Sentiment string
}

// BuildSystemPrompt renders the system prompt for d.
func (d Descriptor) BuildSystemPrompt(ctx PromptContext) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("You are %s, an emotionally intelligent AI roommate and friend named %s.\n", CompanionName, d.Name))
	sb.WriteString(fmt.Sprintf("Your personality: %s (%s). %s\n", d.Mood, d.Traits, d.Style))
	sb.WriteString(fmt.Sprintf("Speaking style: %s\n\n", d.PromptTone))

	sb.WriteString(fmt.Sprintf("The user currently seems %s. Their detected emotion is %s, and their voice sentiment is %s.\n",
		ctx.Mood, orNeutral(ctx.Emotion), orNeutral(ctx.Sentiment)))

	sb.WriteString("Your goal: respond in a friendly, natural, and emotionally aware way.\n")
	sb.WriteString("Keep your tone conversational, not robotic.\n")
	sb.WriteString("Never repeat exact phrasing. Sound like a genuine friend who listens and cares.\n")
	sb.WriteString("Keep responses concise (2-3 sentences max) unless the user asks for more detail.")

	return sb.String()
}

func orNeutral(s string) string {
	if s == "" {
		return "neutral"
	}
	return s
}
