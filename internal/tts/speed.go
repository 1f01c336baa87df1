package tts

import "strings"

var toneSpeed = map[string]float64{
	"sad":     0.85,
	"calm":    0.9,
	"neutral": 1.0,
	"happy":   1.1,
	"excited": 1.2,
	"angry":   1.15,
	"fear":    1.1,
}

// SpeedForTone returns the speaking rate for a persona tone. Unknown tones
// speak at 1.0.
func SpeedForTone(tone string) float64 {
	if s, ok := toneSpeed[strings.ToLower(tone)]; ok {
		return s
	}
	return 1.0
}
