package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/cmd/application"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/cmd/config"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/audioapi"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/event"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/metrics"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
)

func initializeEventSources() []event.Source {
	// avoid polluting the main namespace with the input selection

	switch viper.GetString("input.source") {
	case "keyboard":
		slog.Info("keys: r record, m mode, +/- volume, q quit")
		return []event.Source{event.NewKeyboardSource(os.Stdin)}
	case "none":
		return nil
	default:
		slog.Error("unknown input source", "input.source", viper.GetString("input.source"))
		panic("unknown input source")
	}
}

func serveMetrics(ctx context.Context, registry *prometheus.Registry) {
	listenAddress := viper.GetString("metrics.listen")
	if listenAddress == "" {
		return
	}
	listener, err := net.Listen("tcp", listenAddress)
	if err != nil {
		slog.Error("could not listen for metrics", "listenAddress", listenAddress, "err", err)
		return
	}
	go func() {
		if err := metrics.Serve(ctx, listener, registry, slog.Default()); err != nil {
			slog.Error("error during metrics listen and serve", "err", err)
		}
	}()
}

func main() {
	configFilePath := flag.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	flag.Parse()

	config.LoadConfig(*configFilePath)
	logFilePointer, err := utils.ConfigureDefaultLogger(
		viper.GetString("loglevel"),
		viper.GetString("logfile"),
		slog.HandlerOptions{},
	)
	if err != nil {
		slog.Error("error while configuring default logger", "err", err)
		panic(err)
	}
	if logFilePointer != nil {
		defer logFilePointer.Close()
	}

	// --------------------------------------------------------------------------------

	backend, audioSettings, err := config.AudioBackend()
	if err != nil {
		slog.Error("error while selecting audio backend", "err", err)
		panic(err)
	}
	audioDevice, audioIODevice, err := audioapi.NewAudioDevice(backend, audioSettings)
	if err != nil {
		slog.Error("audio device unavailable", "backend", backend, "err", err)
		os.Exit(1)
	}
	slog.Info("audio device ready", "device", audioIODevice.String())

	registry := prometheus.NewRegistry()
	app, err := application.NewApp(config.ApplicationConfig(), audioDevice, registry)
	if err != nil {
		slog.Error("error while initializing application", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	serveMetrics(ctx, registry)

	if err := app.Run(ctx, initializeEventSources()...); err != nil {
		slog.Error("error while shutting down", "err", err)
	}
	slog.Info("goodbye")
}
