package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/element"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/event"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/metrics"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/pipeline"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/promptlog"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
)

var errIncompleteContext = errors.New("application context incomplete")

// Bound on posting a completion once the loop has stopped reading events.
const completionSendTimeout = 5 * time.Second

// Sends the prompt counter somewhere it can be turned into a spoken report.
type CounterReporter interface {
	SendCounter(ctx context.Context, counter int32) error
}

// Everything the control loop drives. Built once at startup and handed to
// the Dispatcher, which is its only user while the loop runs.
type AppContext struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Record *pipeline.Graph
	Play   *pipeline.Graph

	// Elements whose clocks are set on each transition. Upload advertises
	// the capture clock in its request headers.
	Capture element.Element
	Upload  element.Element
	Render  element.Element

	Volume audiodevice.VolumeSetter

	// Optional
	Prompts  *promptlog.PromptLog
	Reporter CounterReporter

	CaptureClock audiodevice.DeviceProperties
	// Clock Render is set to when playback starts, before the decoder has
	// reported the stream's own parameters.
	RenderClock audiodevice.DeviceProperties
}

func (a *AppContext) validate() error {
	var missing []string
	if a.Record == nil {
		missing = append(missing, "record graph")
	}
	if a.Play == nil {
		missing = append(missing, "play graph")
	}
	if a.Capture == nil {
		missing = append(missing, "capture")
	}
	if a.Render == nil {
		missing = append(missing, "render")
	}
	if a.Volume == nil {
		missing = append(missing, "volume")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", errIncompleteContext, missing)
	}
	if err := a.CaptureClock.Validate(); err != nil {
		return fmt.Errorf("capture clock: %w", err)
	}
	if err := a.RenderClock.Validate(); err != nil {
		return fmt.Errorf("render clock: %w", err)
	}
	return nil
}

// Terminate both graphs, releasing every element. Safe to call more than
// once.
func (a *AppContext) Close() error {
	return errors.Join(
		a.Record.Terminate(),
		a.Play.Terminate(),
	)
}

// --------------------------------------------------------------------------------
// Feeding element callbacks into the event stream

// A decoder listener that posts the stream parameters to the control loop
// as a MusicInfoEvent, then holds the decoder until the loop has handled
// it, the decoder is stopped, or timeout passes.
func ForwardMusicInfo(source *event.ChannelSource, timeout time.Duration, logger *slog.Logger) element.MusicInfoListener {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, props audiodevice.DeviceProperties) {
		e := event.NewMusicInfoEvent(props)
		if err := source.Send(ctx, e); err != nil {
			logger.Warn("could not post music info", "err", err)
			return
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-e.Acked():
		case <-ctx.Done():
		case <-timer.C:
			logger.Warn(
				"music info not handled in time, decoding anyway",
				"timeout", timeout,
			)
		}
	}
}

// A graph completion listener that posts a PipelineEvent to the control
// loop.
func ForwardCompletion(source *event.ChannelSource, logger *slog.Logger) pipeline.CompletionListener {
	if logger == nil {
		logger = slog.Default()
	}
	return func(graph string, err error) {
		ctx, cancel := context.WithTimeout(context.Background(), completionSendTimeout)
		defer cancel()
		if sendErr := source.Send(ctx, event.PipelineEvent{Graph: graph, Err: err}); sendErr != nil {
			logger.Debug("dropping pipeline event", "graph", graph, "err", sendErr)
		}
	}
}
