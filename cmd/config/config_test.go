package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/audioapi"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/encoderdecoder"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
loglevel: debug
server:
  uploaduri: http://10.0.0.107:8000/upload
  responseuri: http://10.0.0.107:8000/speech_response.mp3
audio:
  backend: file
  capturefile: prompt.wav
  samplerate: 16000
  framems: 40
http:
  iotimeout: 5s
volume:
  initial: 70
`

func TestLoadConfigOverridesDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0644))
	LoadConfig(path)

	appConfig := ApplicationConfig()
	assert.Equal(t, "http://10.0.0.107:8000/upload", appConfig.UploadURI)
	assert.Equal(t, "http://localhost:8000/log", appConfig.LogURI)
	assert.Equal(t, audiodevice.DeviceProperties{SampleRate: 16000, BitDepth: 16, NumChannels: 1}, appConfig.Clock)
	assert.Equal(t, 40*time.Millisecond, appConfig.FrameDuration)
	assert.Equal(t, 5*time.Second, appConfig.Timeouts.IO)
	assert.Equal(t, 60*time.Second, appConfig.Timeouts.Response)
	assert.Equal(t, 70, appConfig.InitialVolume)
	assert.Equal(t, encoderdecoder.DecoderTypeMP3, appConfig.Decoder)

	backend, settings, err := AudioBackend()
	require.NoError(t, err)
	assert.Equal(t, audioapi.BackendFile, backend)
	assert.Equal(t, "prompt.wav", settings.CaptureFile)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	assert.NotPanics(t, func() { LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")) })
	assert.Equal(t, 24000, ApplicationConfig().Clock.SampleRate)
}

func TestLoadConfigPanics(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0644))
	assert.Panics(t, func() { LoadConfig(path) })

	viper.Reset()
	require.NoError(t, os.WriteFile(path, []byte("server:\n  uploaduri: \"\"\n"), 0644))
	assert.Panics(t, func() { LoadConfig(path) })
}
