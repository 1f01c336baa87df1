package tone

import (
	"testing"

	"github.com/normanking/cortexcompanion/internal/emotion"
	"github.com/stretchr/testify/assert"
)

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantLabel emotion.Label
		wantConf  float64
	}{
		{"empty", "", emotion.Neutral, 0.3},
		{"plain", "what time is it", emotion.Neutral, 0.5},
		{"single happy word", "that was great", emotion.Happy, 1 / 1.5},
		{"happy with exclamations", "this is awesome!!", emotion.Happy, 0.9},
		{"sad words", "i feel sad and upset", emotion.Sad, 0.8},
		{"angry with exclamation", "i hate this!", emotion.Angry, 1.5 / 2.0},
		{"bare exclamations lean angry", "hello!!!", emotion.Angry, 0.6/1.1 + 0.1},
		{"fear", "i am so worried", emotion.Fear, 1 / 1.5},
		{"caps shouting", "STOP IT NOW", emotion.Angry, 1/1.5 + 0.1},
		{"tie prefers happy over sad", "love it but bad", emotion.Happy, 1 / 2.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Analyze(tt.text)
			assert.Equal(t, tt.wantLabel, got.Label)
			assert.InDelta(t, tt.wantConf, got.Confidence, 1e-9)
		})
	}
}

func TestAnalyzeIndicators(t *testing.T) {
	got := Analyze("Why?? Really?!")
	assert.Equal(t, 1, got.Exclamations)
	assert.Equal(t, 3, got.Questions)
	assert.InDelta(t, 2.0/14.0, got.CapsRatio, 1e-9)
	assert.Equal(t, 0.5, got.Scores[emotion.Neutral])
}

func TestAnalyzeSignal(t *testing.T) {
	s := Analyze("yay").Signal()
	assert.Equal(t, emotion.Happy, s.Label)
	assert.Greater(t, s.Confidence, 0.0)
}
