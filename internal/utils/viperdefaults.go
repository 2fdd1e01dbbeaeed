package utils

import (
	"time"

	"github.com/spf13/viper"
)

// Set the viper defaults for a voice assistant client.
// For use in cmd/config, as well as the application tests.
func SetViperDefaults() {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")

	viper.SetDefault("server.uploaduri", "http://localhost:8000/upload")
	viper.SetDefault("server.responseuri", "http://localhost:8000/speech_response.mp3")
	viper.SetDefault("server.loguri", "http://localhost:8000/log")

	viper.SetDefault("audio.backend", "dummy")
	viper.SetDefault("audio.samplerate", 24000)
	viper.SetDefault("audio.bits", 16)
	viper.SetDefault("audio.channels", 1)
	viper.SetDefault("audio.framems", 20)
	viper.SetDefault("audio.capturefile", "")
	viper.SetDefault("audio.renderfile", "")
	viper.SetDefault("audio.capturebuffer", 16384)
	viper.SetDefault("audio.playbuffer", 8192)
	viper.SetDefault("audio.decoder", "mp3")

	viper.SetDefault("http.connecttimeout", 10*time.Second)
	viper.SetDefault("http.iotimeout", 30*time.Second)
	viper.SetDefault("http.responsetimeout", 60*time.Second)

	viper.SetDefault("volume.initial", 50)
	viper.SetDefault("storage.path", "voiceassistant.yaml")
	viper.SetDefault("metrics.listen", "")
	viper.SetDefault("input.source", "keyboard")
	viper.SetDefault("control.musicinfotimeout", 2*time.Second)
}
