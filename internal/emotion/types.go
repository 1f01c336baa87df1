// Package emotion samples, stabilizes and fuses the user's emotional state.
//
// A Detector turns camera frames into a smoothed facial emotion held in a
// short-lived cache; a Monitor keeps that cache warm in the background so
// conversation turns only ever Peek at it. The Registry gives every
// identified user their own camera, detector and monitor, so one user's face
// never leaks into another user's turn. Combine merges the facial signal
// with the text-derived voice tone.
package emotion

import (
	"strings"
	"time"
)

// Label is an emotion category.
type Label string

const (
	Angry    Label = "angry"
	Disgust  Label = "disgust"
	Fear     Label = "fear"
	Happy    Label = "happy"
	Sad      Label = "sad"
	Surprise Label = "surprise"
	Neutral  Label = "neutral"
	Calm     Label = "calm"
)

// Labels is the classifier's label enumeration. Ties on score resolve to
// the earlier entry.
var Labels = []Label{Angry, Disgust, Fear, Happy, Sad, Surprise, Neutral}

// ParseLabel normalizes s; unknown or empty input yields Neutral.
func ParseLabel(s string) Label {
	l := Label(strings.ToLower(strings.TrimSpace(s)))
	switch l {
	case Angry, Disgust, Fear, Happy, Sad, Surprise, Neutral, Calm:
		return l
	}
	return Neutral
}

// Source records where a sample came from.
type Source string

const (
	SourceCache        Source = "cache"
	SourceClassifier   Source = "classifier"
	SourcePersonalized Source = "personalized"
	SourceFallback     Source = "fallback"
)

// Sample is one emotion observation.
type Sample struct {
	Label      Label     `json:"emotion"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	Source     Source    `json:"source,omitempty"`
}

// Signal is a label with a confidence, the unit Combine works on.
type Signal struct {
	Label      Label   `json:"emotion"`
	Confidence float64 `json:"confidence"`
}

// Signal drops the sample's bookkeeping fields.
func (s Sample) Signal() Signal {
	return Signal{Label: s.Label, Confidence: s.Confidence}
}
