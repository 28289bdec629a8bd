package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesprial/pve-mcp/internal/config"
)

func Test_ParseLevel_Cases(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"chatty", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func Test_Setup_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := Component(Setup(config.LogConfig{Level: "info", Format: "json"}, &buf), "task")

	log.Debug().Msg("hidden")
	log.Info().Int("vmid", 101).Msg("task finished")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1, "debug line must be filtered at info level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "task finished", entry["message"])
	assert.Equal(t, "task", entry["component"])
	assert.EqualValues(t, 101, entry["vmid"])
	assert.Contains(t, entry, "time")
}

func Test_Setup_Console(t *testing.T) {
	var buf bytes.Buffer
	log := Setup(config.LogConfig{Level: "debug", Format: "console"}, &buf)
	log.Debug().Str("node", "pve").Msg("polling")

	out := buf.String()
	assert.Contains(t, out, "polling")
	assert.Contains(t, out, "node=pve")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())), "console output should not be JSON")
}
