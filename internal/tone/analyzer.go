// Package tone estimates the emotional tone of a message from its text.
//
// The heuristic is lexical: keyword hits per category, adjusted by
// exclamation marks and the share of uppercase letters.
package tone

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/normanking/cortexcompanion/internal/emotion"
)

const (
	neutralBaseline = 0.5
	emptyConfidence = 0.3
	capsAngerRatio  = 0.3
	capsBoostRatio  = 0.5
	maxConfidence   = 0.8
	boostedCeiling  = 0.9
)

var lexicon = []struct {
	label emotion.Label
	words []string
}{
	{emotion.Happy, []string{"happy", "great", "awesome", "love", "excited", "wonderful", "amazing", "fantastic", "yay", "haha", "lol"}},
	{emotion.Sad, []string{"sad", "depressed", "down", "unhappy", "terrible", "awful", "bad", "upset", "cry", "hurt"}},
	{emotion.Angry, []string{"angry", "mad", "furious", "hate", "annoyed", "frustrated", "irritated", "damn", "stupid"}},
	{emotion.Fear, []string{"scared", "afraid", "worried", "anxious", "nervous", "terrified", "panic", "fear"}},
}

// Result is the outcome of Analyze.
type Result struct {
	Label        emotion.Label             `json:"emotion"`
	Confidence   float64                   `json:"confidence"`
	Scores       map[emotion.Label]float64 `json:"scores,omitempty"`
	Exclamations int                       `json:"exclamations"`
	Questions    int                       `json:"questions"`
	CapsRatio    float64                   `json:"caps_ratio"`
}

// Signal returns the label and confidence for fusion.
func (r Result) Signal() emotion.Signal {
	return emotion.Signal{Label: r.Label, Confidence: r.Confidence}
}

// Analyze scores text. Empty text yields neutral at 0.3.
func Analyze(text string) (res Result) {
	defer func() {
		if recover() != nil {
			res = Result{Label: emotion.Neutral, Confidence: emptyConfidence}
		}
	}()

	if text == "" {
		return Result{Label: emotion.Neutral, Confidence: emptyConfidence}
	}

	lower := strings.ToLower(text)
	exclamations := strings.Count(text, "!")

	upper := 0
	for _, r := range text {
		if unicode.IsUpper(r) {
			upper++
		}
	}
	capsRatio := float64(upper) / math.Max(float64(utf8.RuneCountInString(text)), 1)

	scores := make(map[emotion.Label]float64, len(lexicon)+1)
	for _, cat := range lexicon {
		hits := 0
		for _, w := range cat.words {
			if strings.Contains(lower, w) {
				hits++
			}
		}
		scores[cat.label] = float64(hits)
	}

	if exclamations > 0 {
		switch {
		case scores[emotion.Happy] > 0:
			scores[emotion.Happy] += float64(exclamations) * 0.5
		case scores[emotion.Angry] > 0:
			scores[emotion.Angry] += float64(exclamations) * 0.5
		default:
			scores[emotion.Angry] += float64(exclamations) * 0.2
		}
	}
	if capsRatio > capsAngerRatio {
		scores[emotion.Angry] += 1.0
	}
	scores[emotion.Neutral] = neutralBaseline

	// Ties resolve in lexicon order, neutral last.
	label, top, total := emotion.Neutral, -1.0, 0.0
	for _, l := range order {
		s := scores[l]
		total += s
		if s > top {
			label, top = l, s
		}
	}

	conf := math.Min(top/math.Max(total, 1), maxConfidence)
	if exclamations > 1 || capsRatio > capsBoostRatio {
		conf = math.Min(conf+0.1, boostedCeiling)
	}

	return Result{
		Label:        label,
		Confidence:   conf,
		Scores:       scores,
		Exclamations: exclamations,
		Questions:    strings.Count(text, "?"),
		CapsRatio:    capsRatio,
	}
}

var order = []emotion.Label{emotion.Happy, emotion.Sad, emotion.Angry, emotion.Fear, emotion.Neutral}
