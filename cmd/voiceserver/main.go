package main

import (
	"flag"
	"log/slog"
	"net/http"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/cmd/voiceserver/config"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/voiceserver"
	"github.com/spf13/viper"
)

func main() {
	configFilePath := flag.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	flag.Parse()

	config.LoadConfig(*configFilePath)
	logFilePointer := config.ConfigureLogger()
	if logFilePointer != nil {
		defer logFilePointer.Close()
	}

	// --------------------------------------------------------------------------------

	server := voiceserver.New(voiceserver.Config{
		ResponseFile: viper.GetString("responsefile"),
		ChimeFile:    viper.GetString("chimefile"),
		UploadDir:    viper.GetString("uploaddir"),
	}, slog.Default())

	listenAddress := viper.GetString("localaddress")
	httpServer := &http.Server{
		Addr:              listenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("starting voice server listening", "listenAddress", listenAddress)
	if err := httpServer.ListenAndServe(); err != nil {
		slog.Error("error during listen and serve", "err", err)
	}
}
