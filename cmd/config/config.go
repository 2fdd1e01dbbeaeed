package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/cmd/application"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/audioapi"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/utils"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/encoderdecoder"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/transport"
	"github.com/spf13/viper"
)

func LoadConfig(configFilePath string) {
	utils.SetViperDefaults()

	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		// An explicit config path reports a missing file as a path error
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || errors.Is(err, fs.ErrNotExist) {
			slog.Info("no config file found", "configFilePath", configFilePath)
		} else {
			slog.Error("error during config read", "err", err)
			panic(err)
		}
	}

	// The user *must* point the client at a server
	if viper.GetString("server.uploaduri") == "" || viper.GetString("server.responseuri") == "" {
		slog.Error("server.uploaduri and server.responseuri must be specified. See the `config` section of the README.")
		panic("no server specified")
	}
}

// The application settings held by viper. Call after LoadConfig.
func ApplicationConfig() application.Config {
	return application.Config{
		UploadURI:   viper.GetString("server.uploaduri"),
		ResponseURI: viper.GetString("server.responseuri"),
		LogURI:      viper.GetString("server.loguri"),
		Clock: audiodevice.DeviceProperties{
			SampleRate:  viper.GetInt("audio.samplerate"),
			BitDepth:    viper.GetInt("audio.bits"),
			NumChannels: viper.GetInt("audio.channels"),
		},
		FrameDuration:     time.Duration(viper.GetInt("audio.framems")) * time.Millisecond,
		CaptureBufferSize: viper.GetInt("audio.capturebuffer"),
		PlayBufferSize:    viper.GetInt("audio.playbuffer"),
		Decoder:           encoderdecoder.DecoderTypeEnum(viper.GetString("audio.decoder")),
		Timeouts: transport.Timeouts{
			Connect:  viper.GetDuration("http.connecttimeout"),
			IO:       viper.GetDuration("http.iotimeout"),
			Response: viper.GetDuration("http.responsetimeout"),
		},
		InitialVolume:    viper.GetInt("volume.initial"),
		StoragePath:      viper.GetString("storage.path"),
		MusicInfoTimeout: viper.GetDuration("control.musicinfotimeout"),
	}
}

// The audio backend selection held by viper. Call after LoadConfig.
func AudioBackend() (audioapi.BackendEnum, audioapi.Settings, error) {
	backend, err := audioapi.ParseBackend(viper.GetString("audio.backend"))
	if err != nil {
		return "", audioapi.Settings{}, err
	}
	return backend, audioapi.Settings{
		CaptureFile:   viper.GetString("audio.capturefile"),
		RenderFile:    viper.GetString("audio.renderfile"),
		FrameDuration: time.Duration(viper.GetInt("audio.framems")) * time.Millisecond,
	}, nil
}
