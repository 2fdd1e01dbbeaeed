package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/control"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/element"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/event"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/kvstore"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/metrics"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/pipeline"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/promptlog"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice/device"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/encoderdecoder"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/transport"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	RecordGraphName = "record"
	PlayGraphName   = "play"

	// Decoder metadata and pipeline completions can queue up this far
	// before their senders block.
	internalEventBuffer = 16
)

// Everything read from the config file that shapes the application.
type Config struct {
	UploadURI   string
	ResponseURI string
	// Optional; without it the Mode button only reports to the log
	LogURI string

	// The clock audio is captured and uploaded in, and the clock Render
	// starts each playback in.
	Clock         audiodevice.DeviceProperties
	FrameDuration time.Duration

	CaptureBufferSize int
	PlayBufferSize    int
	Decoder           encoderdecoder.DecoderTypeEnum

	Timeouts      transport.Timeouts
	InitialVolume int

	// Empty keeps the prompt history in memory only
	StoragePath string

	// How long the decoder waits for the control loop to apply the stream's
	// parameters before decoding anyway
	MusicInfoTimeout time.Duration
}

func (c Config) validate() error {
	var errs []error
	if c.UploadURI == "" {
		errs = append(errs, errors.New("no upload URI"))
	}
	if c.ResponseURI == "" {
		errs = append(errs, errors.New("no response URI"))
	}
	if err := c.Clock.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio clock: %w", err))
	}
	if c.InitialVolume < control.MinVolume || c.InitialVolume > control.MaxVolume {
		errs = append(errs, fmt.Errorf("initial volume %d out of range", c.InitialVolume))
	}
	return errors.Join(errs...)
}

// The main application representation for the client.
//
// Holds the shared audio device, the record and play pipelines built over it,
// the prompt history, and the internal event source that feeds decoder
// metadata and pipeline completions back into the control loop.
type App struct {
	logger *slog.Logger

	// Audio Data Flow while recording
	// Microphone -> Capture -> [ringbuffer] -> NetworkWriter -> POST upload URI
	//
	// Audio Data Flow while playing
	// GET response URI -> NetworkReader -> [ringbuffer] -> Decoder -> [ringbuffer] -> Render -> VolumeDevice -> Speaker
	context *control.AppContext

	// Decoder music info and pipeline completions enter the event stream here
	internalEvents *event.ChannelSource

	store kvstore.Store
}

// --------------------------------------------------------------------------------
// Initialization of App

// Create and initialize a new application over audioDevice, which both
// pipelines share.
//
// Metrics are registered on registerer; pass nil to go without.
// A storage path that cannot be read is an error, and the application must not
// be started.
func NewApp(
	config Config,
	audioDevice audiodevice.AudioDevice,
	registerer prometheus.Registerer,
) (*App, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	logger := slog.Default().With(
		"app uuid", uuid.New(),
	)

	var appMetrics *metrics.Metrics
	if registerer != nil {
		appMetrics = metrics.NewMetrics(registerer)
	}

	var store kvstore.Store
	if config.StoragePath == "" {
		store = kvstore.NewMemoryStore()
	} else {
		fileStore, err := kvstore.Open(config.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("open prompt store: %w", err)
		}
		store = fileStore
	}

	app := &App{
		logger:         logger,
		internalEvents: event.NewChannelSource(internalEventBuffer),
		store:          store,
	}

	appContext, err := app.buildContext(config, audioDevice, appMetrics)
	if err != nil {
		store.Close()
		return nil, err
	}
	app.context = appContext
	return app, nil
}

func (app *App) buildContext(
	config Config,
	audioDevice audiodevice.AudioDevice,
	appMetrics *metrics.Metrics,
) (*control.AppContext, error) {
	newTransport := transport.NewTCPFactory(config.Timeouts)
	volumeDevice := device.NewVolumeDevice(audioDevice, config.InitialVolume)

	recordOptions := element.Options{
		Logger:           app.logger,
		Metrics:          appMetrics,
		OutputBufferSize: config.CaptureBufferSize,
	}
	playOptions := element.Options{
		Logger:           app.logger,
		Metrics:          appMetrics,
		OutputBufferSize: config.PlayBufferSize,
	}

	// --------------------------------------------------------------------------------
	// Record pipeline

	capture, err := element.NewCapture(audioDevice, config.Clock, config.FrameDuration, recordOptions)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	upload, err := element.NewNetworkWriter(config.UploadURI, config.Clock, newTransport, config.Timeouts.IO, recordOptions)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	record := pipeline.NewGraph(RecordGraphName, app.logger, appMetrics)
	if err := errors.Join(
		record.Register("capture", capture),
		record.Register("upload", upload),
	); err != nil {
		return nil, err
	}
	if err := record.Link("capture", "upload"); err != nil {
		return nil, err
	}

	// --------------------------------------------------------------------------------
	// Play pipeline

	download, err := element.NewNetworkReader(config.ResponseURI, newTransport, playOptions)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	decoder, err := element.NewDecoder(config.Decoder, config.Clock, playOptions)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	decoder.SetMusicInfoListener(control.ForwardMusicInfo(app.internalEvents, config.MusicInfoTimeout, app.logger))
	render, err := element.NewRender(volumeDevice, config.Clock, config.FrameDuration, playOptions)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}

	play := pipeline.NewGraph(PlayGraphName, app.logger, appMetrics)
	if err := errors.Join(
		play.Register("download", download),
		play.Register("decode", decoder),
		play.Register("render", render),
	); err != nil {
		return nil, err
	}
	if err := play.Link("download", "decode", "render"); err != nil {
		return nil, err
	}

	completions := control.ForwardCompletion(app.internalEvents, app.logger)
	record.OnCompletion(completions)
	play.OnCompletion(completions)

	// --------------------------------------------------------------------------------
	// Prompt history

	var reporter control.CounterReporter
	if config.LogURI != "" {
		reporter = promptlog.NewReporter(config.LogURI, config.Timeouts.Response, app.logger)
	}

	return &control.AppContext{
		Logger:       app.logger,
		Metrics:      appMetrics,
		Record:       record,
		Play:         play,
		Capture:      capture,
		Upload:       upload,
		Render:       render,
		Volume:       volumeDevice,
		Prompts:      promptlog.New(app.store, app.logger),
		Reporter:     reporter,
		CaptureClock: config.Clock,
		RenderClock:  config.Clock,
	}, nil
}

// --------------------------------------------------------------------------------

// Run the control loop over the given event sources until the shutdown
// control is pressed, every source has ended, or ctx is cancelled.
//
// Both pipelines are terminated and the prompt store is closed before Run
// returns. The app cannot be run again.
func (app *App) Run(ctx context.Context, sources ...event.Source) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatcher, err := control.NewDispatcher(app.context)
	if err != nil {
		return errors.Join(err, app.context.Close(), app.store.Close())
	}
	events := event.Merge(ctx, app.logger, append(sources, app.internalEvents)...)

	runErr := dispatcher.Run(ctx, events)
	app.internalEvents.Close()
	cancel()

	// Let the sources unwind before the store goes away
	for range events {
		// dropped, the loop has ended
	}
	return errors.Join(runErr, app.store.Close())
}

// The internal event source. Exposed so callers can inject events alongside
// the button sources.
func (app *App) Events() *event.ChannelSource {
	return app.internalEvents
}

func (app *App) Context() *control.AppContext {
	return app.context
}
