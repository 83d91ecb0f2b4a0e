package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeLine parses one JSON log line from the buffer
func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	return doc
}

// TestChildLoggersChain verifies the field helpers can be chained straight
// into a level method
func TestChildLoggersChain(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	WithComponent("supervisor").Info().Msg("scan complete")
	doc := decodeLine(t, &buf)
	assert.Equal(t, "supervisor", doc["component"])
	assert.Equal(t, "scan complete", doc["message"])

	buf.Reset()
	WithInstance("some-name").Warn().Msg("container down")
	doc = decodeLine(t, &buf)
	assert.Equal(t, "some-name", doc["instance"])

	buf.Reset()
	WithUser("sashi1").Error().Msg("uninstall failed")
	doc = decodeLine(t, &buf)
	assert.Equal(t, "sashi1", doc["user"])
}

// TestInitLevelFiltering verifies messages below the configured level are
// suppressed
func TestInitLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	Info("quiet")
	assert.Empty(t, buf.String())

	Warn("loud")
	assert.Contains(t, buf.String(), "loud")
}

// TestLevelValid verifies the level vocabulary
func TestLevelValid(t *testing.T) {
	tests := []struct {
		level Level
		want  bool
	}{
		{DebugLevel, true},
		{InfoLevel, true},
		{WarnLevel, true},
		{ErrorLevel, true},
		{Level("info"), false},
		{Level(""), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.level.Valid(), string(tt.level))
	}
}
