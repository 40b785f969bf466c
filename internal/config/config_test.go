package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withSecrets(t *testing.T, secrets map[string]string) {
	t.Helper()
	dir := t.TempDir()
	for name, value := range secrets {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(value+"\n"), 0o600))
	}
	prev := secretsDir
	secretsDir = dir
	t.Cleanup(func() { secretsDir = prev })
}

// clearEnv убирает переменные, которые могут прийти из окружения CI.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GOOGLE_CLOUD_PROJECT", "FIREBASE_PROJECT_ID", "PORT", "POLICY_MODE", "STORE_BACKEND",
		"AUTH_PROVIDER", "AUTH_REQUIRED", "APPCHECK_REQUIRED", "MOCK_ENGINE", "AI_BASE_URL",
		"JWT_SECRET", "AI_API_KEY", "DB_PASSWORD", "STORE_DISABLED",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestBoolFlag_Decode(t *testing.T) {
	cases := map[string]bool{"1": true, "TRUE": true, " yes ": true, "on": true, "0": false, "off": false, "No": false}
	for in, want := range cases {
		b := BoolFlag(!want)
		require.NoError(t, b.Decode(in))
		assert.Equal(t, want, bool(b), in)
	}

	b := BoolFlag(true)
	require.NoError(t, b.Decode("maybe"))
	assert.True(t, bool(b), "unknown value keeps the default")
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	withSecrets(t, nil)
	t.Setenv("GOOGLE_CLOUD_PROJECT", "kidstel-dev")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, bool(cfg.AuthRequired))
	assert.True(t, bool(cfg.AppCheckRequired))
	assert.Equal(t, PolicyModeFirestore, cfg.PolicyMode)
	assert.Equal(t, "(default)", cfg.FirestoreDatabaseID)
	assert.Equal(t, "kidstel-dev.appspot.com", cfg.StorageBucket)
	assert.Equal(t, 60*time.Second, cfg.PolicyTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.SignedURLTTL())
	assert.Equal(t, "https://us-central1-aiplatform.googleapis.com/v1/projects/kidstel-dev/locations/us-central1/endpoints/openapi", cfg.TextBaseURL())
	assert.Contains(t, cfg.ImagePredictURL(), "/models/imagen-3.0-generate-001:predict")
	assert.True(t, cfg.NeedsFirebase())
}

func TestLoadConfig_Overrides(t *testing.T) {
	clearEnv(t)
	withSecrets(t, map[string]string{"ai_api_key": "k-1"})
	t.Setenv("GOOGLE_CLOUD_PROJECT", "kidstel-dev")
	t.Setenv("FIREBASE_PROJECT_ID", "kidstel-fb")
	t.Setenv("POLICY_MODE", "STATIC")
	t.Setenv("AUTH_REQUIRED", "0")
	t.Setenv("APPCHECK_REQUIRED", "false")
	t.Setenv("MOCK_ENGINE", "yes")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("AI_BASE_URL", "http://localhost:9000/v1")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "kidstel-fb", cfg.ProjectID())
	assert.Equal(t, PolicyModeStatic, cfg.PolicyMode)
	assert.False(t, bool(cfg.AuthRequired))
	assert.Equal(t, "k-1", cfg.AIAPIKey)
	assert.Equal(t, "http://localhost:9000/v1", cfg.TextBaseURL())
	// AUTH_PROVIDER=firebase по умолчанию все еще требует firebase app
	assert.True(t, cfg.NeedsFirebase())

	cfg.AuthProvider = AuthProviderJWT
	assert.False(t, cfg.NeedsFirebase())
}

func TestLoadConfig_EnvFile(t *testing.T) {
	clearEnv(t)
	withSecrets(t, nil)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("GOOGLE_CLOUD_PROJECT=from-env-file\nPORT=9090\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env-file", cfg.ProjectID())
	assert.Equal(t, "9090", cfg.Port)
}

func TestLoadConfig_Invalid(t *testing.T) {
	clearEnv(t)
	withSecrets(t, nil)
	t.Setenv("GOOGLE_CLOUD_PROJECT", "kidstel-dev")
	t.Setenv("STORE_BACKEND", "mongo")
	t.Setenv("AUTH_PROVIDER", "jwt")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_BACKEND")
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestLoadConfig_PostgresNeedsPassword(t *testing.T) {
	clearEnv(t)
	withSecrets(t, nil)
	t.Setenv("GOOGLE_CLOUD_PROJECT", "kidstel-dev")
	t.Setenv("STORE_BACKEND", "postgres")

	_, err := LoadConfig("")
	require.Error(t, err)

	withSecrets(t, map[string]string{"db_password": "pw"})
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://postgres:pw@localhost:5432/kidstel?sslmode=disable", cfg.GetDSN())
	assert.Contains(t, cfg.getMaskedDSN(), "********")
}
