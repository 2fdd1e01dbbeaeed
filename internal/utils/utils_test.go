package utils

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	testCases := []struct {
		name     string
		level    slog.Level
		disabled bool
		wantErr  bool
	}{
		{"none", 0, true, false},
		{"error", slog.LevelError, false, false},
		{"warn", slog.LevelWarn, false, false},
		{"info", slog.LevelInfo, false, false},
		{"debug", slog.LevelDebug, false, false},
		{"verbose", 0, false, true},
		{"", 0, false, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			level, disabled, err := ParseLogLevel(tc.name)
			if tc.wantErr {
				assert.ErrorIs(t, err, errUnexpectedLogLevel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.disabled, disabled)
			if !disabled {
				assert.Equal(t, tc.level, level)
			}
		})
	}
}

func TestConfigureDefaultLoggerWritesJSONToFile(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	path := filepath.Join(t.TempDir(), "client.log")
	logFilePointer, err := ConfigureDefaultLogger("warn", path, slog.HandlerOptions{})
	require.NoError(t, err)
	require.NotNil(t, logFilePointer)

	slog.Info("dropped")
	slog.Warn("kept", "volume", 60)
	require.NoError(t, logFilePointer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal(raw, &record))
	assert.Equal(t, "kept", record["msg"])
	assert.EqualValues(t, 60, record["volume"])
}

func TestConfigureDefaultLoggerRejectsBadInput(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	_, err := ConfigureDefaultLogger("loud", "", slog.HandlerOptions{})
	assert.Error(t, err)

	_, err = ConfigureDefaultLogger("info", filepath.Join(t.TempDir(), "missing", "client.log"), slog.HandlerOptions{})
	assert.Error(t, err)

	logFilePointer, err := ConfigureDefaultLogger("none", "", slog.HandlerOptions{})
	require.NoError(t, err)
	assert.Nil(t, logFilePointer)
}

func TestViperDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetViperDefaults()

	assert.Equal(t, 24000, viper.GetInt("audio.samplerate"))
	assert.Equal(t, 16, viper.GetInt("audio.bits"))
	assert.Equal(t, 1, viper.GetInt("audio.channels"))
	assert.Equal(t, 50, viper.GetInt("volume.initial"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("http.responsetimeout"))
	assert.Equal(t, "keyboard", viper.GetString("input.source"))
}
