package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"chatty", zerolog.InfoLevel},
	}
	for _, tc := range tests {
		l := New(tc.in, true, &bytes.Buffer{})
		assert.Equal(t, tc.want, l.GetLevel(), tc.in)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New("info", true, &buf)
	l.Info().Str("component", "store").Msg("opened")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "opened", line["message"])
	assert.Equal(t, "store", line["component"])
	assert.Contains(t, line, "time")
}

func TestNewConsoleDropsBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New("warn", false, &buf)
	l.Info().Msg("hidden")
	assert.Empty(t, buf.String())
	l.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
