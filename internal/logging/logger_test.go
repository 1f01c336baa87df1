package logging

import (
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesFileAndHistory(t *testing.T) {
	dir := t.TempDir()
	l, err := New(&Config{LogDir: dir, Level: LevelDebug, MaxHistory: 10})
	require.NoError(t, err)
	defer l.Close()

	log := l.Component("emotion")
	log.Warn().Err(errors.New("camera busy")).Msg("capture failed")

	entries := l.GetHistory(1)
	require.Len(t, entries, 1)
	assert.Equal(t, "warn", entries[0].Level)
	assert.Equal(t, "emotion", entries[0].Component)
	assert.Equal(t, "capture failed", entries[0].Message)
	assert.Equal(t, "camera busy", entries[0].Error)

	_, err = os.Stat(l.GetLogPath())
	assert.NoError(t, err)
}

func TestHistoryIsBounded(t *testing.T) {
	l, err := New(&Config{Level: LevelInfo, MaxHistory: 3})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		l.Zerolog().Info().Int("i", i).Msg("tick")
	}
	assert.Len(t, l.GetHistory(0), 3)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel(LevelError))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}
