// Package mood reduces emotion signals to a coarse per-user mood.
package mood

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/normanking/cortexcompanion/internal/emotion"
)

// Mood is a closed set of moods. Stressed and Angry are never produced by
// Reduce; they are reachable only through an explicit personality choice.
type Mood int

const (
	Neutral Mood = iota
	Cheerful
	Low
	Stressed
	Angry
)

// All lists every mood in declaration order.
var All = []Mood{Neutral, Cheerful, Low, Stressed, Angry}

var names = [...]string{
	Neutral:  "neutral",
	Cheerful: "cheerful",
	Low:      "low",
	Stressed: "stressed",
	Angry:    "angry",
}

func (m Mood) String() string {
	if m.Valid() {
		return names[m]
	}
	return fmt.Sprintf("mood(%d)", int(m))
}

// Valid reports whether m is one of the declared moods.
func (m Mood) Valid() bool {
	return m >= Neutral && m <= Angry
}

// MarshalText encodes the mood name.
func (m Mood) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid mood %d", int(m))
	}
	return []byte(names[m]), nil
}

// UnmarshalText parses a mood name.
func (m *Mood) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Parse converts a mood name. Unknown names are an error.
func Parse(s string) (Mood, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range names {
		if n == s {
			return Mood(i), nil
		}
	}
	return Neutral, fmt.Errorf("unknown mood %q", s)
}

// Sentiment is the coarse polarity of the voice channel.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
	SentimentJoy      Sentiment = "joy"
	SentimentSad      Sentiment = "sad"
)

// SentimentOf maps a voice-tone signal to a sentiment. Signals under
// minConfidence read as neutral.
func SentimentOf(s emotion.Signal, minConfidence float64) Sentiment {
	if s.Confidence < minConfidence {
		return SentimentNeutral
	}
	switch s.Label {
	case emotion.Happy, emotion.Surprise:
		return SentimentPositive
	case emotion.Sad, emotion.Angry, emotion.Fear:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// Reduce maps a face label and voice sentiment to a mood. Negative signals
// on either channel take priority over positive ones.
func Reduce(face emotion.Label, voice Sentiment) Mood {
	switch {
	case face == emotion.Angry || face == emotion.Sad || face == emotion.Fear ||
		voice == SentimentNegative || voice == SentimentSad:
		return Low
	case face == emotion.Happy || face == emotion.Surprise ||
		voice == SentimentPositive || voice == SentimentJoy:
		return Cheerful
	default:
		return Neutral
	}
}

// State is a user's current mood and the inputs that produced it.
type State struct {
	FaceEmotion    emotion.Label `json:"face_emotion"`
	VoiceSentiment Sentiment     `json:"voice_sentiment"`
	Mood           Mood          `json:"combined_mood"`
	LastUpdate     time.Time     `json:"last_update"`
}

// Tracker holds mood state per user.
type Tracker struct {
	mu     sync.Mutex
	states map[string]State
	now    func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[string]State), now: time.Now}
}

// Update reduces the inputs for userID and reports whether the mood moved.
// Inputs are only recorded when they change the mood; LastUpdate always
// advances. Users start out neutral.
func (t *Tracker) Update(userID string, face emotion.Label, voice Sentiment) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.states[userID]
	if !ok {
		prev = State{FaceEmotion: emotion.Neutral, VoiceSentiment: SentimentNeutral, Mood: Neutral}
	}

	next := Reduce(face, voice)
	changed := next != prev.Mood

	st := prev
	if changed {
		st.FaceEmotion = face
		st.VoiceSentiment = voice
		st.Mood = next
	}
	st.LastUpdate = t.now()
	t.states[userID] = st
	return st, changed
}

// Get returns the user's state; unknown users read as neutral.
func (t *Tracker) Get(userID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[userID]; ok {
		return st
	}
	return State{FaceEmotion: emotion.Neutral, VoiceSentiment: SentimentNeutral, Mood: Neutral}
}

// Forget drops the user's state.
func (t *Tracker) Forget(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, userID)
}
