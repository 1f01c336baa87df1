package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runAnalyze(t *testing.T, text string) map[string]any {
	t.Helper()
	cmd := analyzeCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{text})
	require.NoError(t, cmd.Execute())

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	return got
}

func TestAnalyzeCommand(t *testing.T) {
	tests := []struct {
		text    string
		mood    string
		persona string
		voice   string
	}{
		{"I love this!", "cheerful", "Kai", "alloy"},
		{"I feel so sad and hurt", "low", "Luna", "echo"},
		{"ok", "neutral", "Echo", "nova"},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := runAnalyze(t, tt.text)
			assert.Equal(t, tt.mood, got["mood"])
			assert.Equal(t, tt.persona, got["persona"])
			assert.Equal(t, tt.voice, got["voice"])
		})
	}
}

func TestAnalyzeCommandRequiresText(t *testing.T) {
	cmd := analyzeCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}
