package logger

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret-token")
	h.Set("X-Firebase-AppCheck", "attestation")
	h.Set("Cookie", "session=1")
	h.Add("Accept", "application/json")
	h.Add("Accept", "text/plain")

	got := RedactHeaders(h)
	assert.Equal(t, redacted, got["Authorization"])
	assert.Equal(t, redacted, got["X-Firebase-Appcheck"])
	assert.Equal(t, redacted, got["Cookie"])
	assert.Equal(t, "application/json,text/plain", got["Accept"])
	assert.NotContains(t, got, "secret-token")
}

func TestNew_FallsBackOnBadLevel(t *testing.T) {
	lg, err := New(Config{Level: "loud", Encoding: "xml"})
	require.NoError(t, err)
	assert.True(t, lg.Core().Enabled(0))
	assert.False(t, lg.Core().Enabled(-1))
}

func TestNew_Debug(t *testing.T) {
	lg, err := New(Config{Level: "debug", Encoding: "console"})
	require.NoError(t, err)
	assert.True(t, lg.Core().Enabled(-1))
}

func TestBuildConfig_CloudLoggingKeys(t *testing.T) {
	cfg := buildConfig(Config{Level: "warn", Service: "story-agent", Revision: "story-agent-00042"})
	assert.Equal(t, "json", cfg.Encoding)
	assert.Equal(t, "severity", cfg.EncoderConfig.LevelKey)
	assert.Equal(t, "message", cfg.EncoderConfig.MessageKey)
	assert.Equal(t, map[string]interface{}{"service": "story-agent", "revision": "story-agent-00042"}, cfg.InitialFields)
	assert.Equal(t, "warn", cfg.Level.Level().String())

	console := buildConfig(Config{Encoding: "console"})
	assert.Equal(t, "console", console.Encoding)
	assert.Equal(t, "level", console.EncoderConfig.LevelKey)
	assert.Empty(t, console.InitialFields)
}
