package interop

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("MISP_URL", "https://misp.example.com")
	t.Setenv("MISP_KEY", "misp-key")
	t.Setenv("WEBAMON_URL", "https://search.webamon.com/search")
	t.Setenv("WEBAMON_KEY", "webamon-key")
}

func TestNewConfigDefaults(t *testing.T) {
	v, err := NewConfig("")
	require.NoError(t, err)

	assert.Equal(t, 2, v.GetInt("retry.count"))
	assert.Equal(t, 1.0, v.GetFloat64("retry.delay"))
	assert.Equal(t, "queries.json", v.GetString("queriesFile"))
	assert.Equal(t, "webamon", v.GetString("provider.type"))
	assert.False(t, v.GetBool("misp.verifyCert"))
}

func TestNewConfigEnvBindings(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VERIFY_CERT", "true")
	t.Setenv("QUERIES_FILE", "/etc/webamon/queries.json")
	t.Setenv("RETRY_COUNT", "4")
	t.Setenv("RETRY_DELAY", "0.25")
	t.Setenv("DEBUG_MODE", "true")

	v, err := NewConfig("")
	require.NoError(t, err)

	assert.Equal(t, "https://misp.example.com", v.GetString("misp.url"))
	assert.Equal(t, "misp-key", v.GetString("misp.key"))
	assert.True(t, v.GetBool("misp.verifyCert"))
	assert.Equal(t, "https://search.webamon.com/search", v.GetString("provider.apiUrl"))
	assert.Equal(t, "webamon-key", v.GetString("provider.apiKey"))
	assert.Equal(t, "/etc/webamon/queries.json", v.GetString("queriesFile"))
	assert.Equal(t, 4, v.GetInt("retry.count"))
	assert.Equal(t, 0.25, v.GetFloat64("retry.delay"))
	assert.True(t, v.GetBool("debug"))
}

func TestNewConfigFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
misp:
  url: https://misp.internal
retry:
  count: 5
provider:
  pageDelay: 1.5
`), 0600))

	v, err := NewConfig(configFile)
	require.NoError(t, err)

	assert.Equal(t, "https://misp.internal", v.GetString("misp.url"))
	assert.Equal(t, 5, v.GetInt("retry.count"))
	assert.Equal(t, 1.5, v.GetFloat64("provider.pageDelay"))
}

func TestNewConfigMissingExplicitFile(t *testing.T) {
	_, err := NewConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestValidateConfigListsEveryMissingSetting(t *testing.T) {
	v, err := NewConfig("")
	require.NoError(t, err)

	v.Set("misp.url", "https://misp.example.com")

	err = validateConfig(v)
	require.Error(t, err)
	assert.Equal(
		t,
		"missing required settings: MISP_KEY, WEBAMON_URL, WEBAMON_KEY",
		err.Error(),
	)
}

func TestNewInteroperabilityWithConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RETRY_COUNT", "3")
	t.Setenv("RETRY_DELAY", "0.5")
	t.Setenv("LOG_LEVEL", "warn")

	v, err := NewConfig("")
	require.NoError(t, err)

	i, err := NewInteroperabilityWithConfig(v)
	require.NoError(t, err)
	defer i.Shutdown()

	assert.Equal(t, 3, i.Retry.Count)
	assert.Equal(t, 500*time.Millisecond, i.Retry.Delay)
	assert.Equal(t, log.WarnLevel, i.Logger.GetLevel())
	assert.Equal(t, "https://misp.example.com", i.Misp.ApiURL)
	assert.NotNil(t, i.Metrics)
	assert.Nil(t, i.NrClient)
}

func TestNewInteroperabilityRejectsMissingSettings(t *testing.T) {
	v, err := NewConfig("")
	require.NoError(t, err)

	_, err = NewInteroperabilityWithConfig(v)
	assert.ErrorContains(t, err, "MISP_URL")
}

func TestDebugModeForcesDebugLevel(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("DEBUG_MODE", "true")

	v, err := NewConfig("")
	require.NoError(t, err)

	i, err := NewInteroperabilityWithConfig(v)
	require.NoError(t, err)
	defer i.Shutdown()

	assert.Equal(t, log.DebugLevel, i.Logger.GetLevel())
}

func TestLogFileIsWritten(t *testing.T) {
	setRequiredEnv(t)
	fileName := filepath.Join(t.TempDir(), "sync.log")
	t.Setenv("LOG_FILE", fileName)

	v, err := NewConfig("")
	require.NoError(t, err)

	i, err := NewInteroperabilityWithConfig(v)
	require.NoError(t, err)

	i.Logger.Info("hello from the sync job")
	i.Shutdown()

	data, err := os.ReadFile(fileName)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from the sync job")
}
