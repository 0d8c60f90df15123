package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	config := GetDefaultConfig()

	assert.Equal(t, 3, config.Remote.ConnectRetries)
	assert.Equal(t, 0.9, config.Health.DegradedFraction)
	assert.Equal(t, 40.0, config.Scheduler.Weights.Efficiency)
	assert.NoError(t, config.Validate())
}

func TestLoadConfigMergesDefaults(t *testing.T) {
	content := `remote:
  connect_retries: 5
  connect_timeout: 3s
  retry_backoff: 1s
  deploy_timeout: 1m
  stop_grace_period: 5s
  entrypoint: ./start.sh
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 5, config.Remote.ConnectRetries)
	assert.Equal(t, 3*time.Second, config.Remote.ConnectTimeout)
	// 未覆盖的部分保留默认值
	assert.Equal(t, 0.9, config.Health.DegradedFraction)
	assert.Equal(t, 5.0, config.Scheduler.Weights.PreferredNode)
}

func TestLoadConfigEmptyPathUsesDefaults(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, GetDefaultConfig().Remote, config.Remote)
}

func TestConfigValidateRejectsBadTargetBand(t *testing.T) {
	config := GetDefaultConfig()
	config.Scheduler.Weights.TargetLow = 0.8
	config.Scheduler.Weights.TargetHigh = 0.3

	err := config.Validate()
	require.Error(t, err)
	var configErr *ConfigError
	assert.ErrorAs(t, err, &configErr)
}

func TestConfigValidateRejectsNegativeRetries(t *testing.T) {
	config := GetDefaultConfig()
	config.Remote.ConnectRetries = -1
	require.Error(t, config.Validate())
}
