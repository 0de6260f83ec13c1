package app

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/quill/internal/config"
	"github.com/zjrosen/quill/internal/orchestration/monitor"
)

func viperLoader(path string) LoadFunc {
	return func() (config.Config, error) {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, err
		}
		return config.Load(v)
	}
}

func TestApp_WatchConfigReloadsThresholds(t *testing.T) {
	a := newTestApp(t, testConfig(t), &fakeLLM{})

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, config.WriteDefaultConfig(path))

	stop, err := a.WatchConfig(path, viperLoader(path))
	require.NoError(t, err)
	defer stop()

	th := monitor.DefaultThresholds()
	th.CPUPercent = 42
	require.NoError(t, config.SaveThresholds(path, th))

	require.Eventually(t, func() bool {
		return a.Monitor().Thresholds().CPUPercent == 42
	}, 5*time.Second, 20*time.Millisecond)
}

func TestApp_ReloadKeepsThresholdsOnBadConfig(t *testing.T) {
	a := newTestApp(t, testConfig(t), &fakeLLM{})
	before := a.Monitor().Thresholds()

	a.reload(func() (config.Config, error) { return config.Config{}, errors.New("parse error") })
	require.Equal(t, before, a.Monitor().Thresholds())

	bad := config.Defaults()
	bad.Monitor.Thresholds.CPUPercent = 500
	a.reload(func() (config.Config, error) { return bad, nil })
	require.Equal(t, before, a.Monitor().Thresholds())
}

func TestApp_WatchConfigMissingDirectory(t *testing.T) {
	a := newTestApp(t, testConfig(t), &fakeLLM{})

	path := filepath.Join(t.TempDir(), "missing", "config.yaml")
	_, err := a.WatchConfig(path, viperLoader(path))
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Dir(path))
	require.True(t, os.IsNotExist(statErr))
}
