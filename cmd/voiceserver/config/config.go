package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/utils"
	"github.com/spf13/viper"
)

func LoadConfig(configFilePath string) {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("localaddress", ":8000")
	viper.SetDefault("responsefile", "speech_response.mp3")
	viper.SetDefault("chimefile", "chime.mp3")
	viper.SetDefault("uploaddir", ".")

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
}

// Configure the default logger from the loaded config. Panics if the
// configured level or file is unusable.
//
// Returns the log file, if any, so it may be closed on exit.
func ConfigureLogger() *os.File {
	logFilePointer, err := utils.ConfigureDefaultLogger(
		viper.GetString("loglevel"),
		viper.GetString("logfile"),
		slog.HandlerOptions{},
	)
	if err != nil {
		slog.Error("error while configuring default logger", "err", err)
		panic(err)
	}
	return logFilePointer
}
