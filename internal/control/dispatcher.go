package control

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/event"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/pipeline"
	"github.com/google/uuid"
)

const (
	VolumeStep = 10
	MinVolume  = 0
	MaxVolume  = 100
)

type State int32

const (
	StateIdle State = iota
	StateRecording
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// The control loop. Consumes one event at a time and drives at most one of
// the record and play graphs.
//
// Every transition stops and drains the graph being left (stop, wait,
// reset buffers, reset elements) before the other graph is run, so the
// audio device is never held by both.
type Dispatcher struct {
	logger *slog.Logger
	app    *AppContext

	// Written only by the loop goroutine
	state  atomic.Int32
	volume int
}

func NewDispatcher(app *AppContext) (*Dispatcher, error) {
	if err := app.validate(); err != nil {
		return nil, err
	}
	logger := app.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger: logger.With(
			"dispatcher uuid", uuid.New(),
		),
		app:    app,
		volume: app.Volume.GetVolume(),
	}, nil
}

func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

func (d *Dispatcher) setState(s State) {
	previous := State(d.state.Swap(int32(s)))
	d.app.Metrics.SetControlState(int(s))
	if previous != s {
		d.logger.Info(
			"control state changed",
			"from", previous.String(),
			"to", s.String(),
		)
	}
}

// Handle events until the shutdown control is pressed, events is closed, or
// ctx is cancelled. Both graphs are terminated before Run returns.
func (d *Dispatcher) Run(ctx context.Context, events <-chan event.Event) error {
	d.setState(StateIdle)
	d.app.Metrics.SetVolume(d.volume)
	if d.app.Prompts != nil {
		d.app.Prompts.Report()
		d.app.Metrics.SetPromptCount(d.app.Prompts.PromptCount())
	}
	d.logger.Info("control loop started", "volume", d.volume)

loop:
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("control loop cancelled")
			break loop
		case e, ok := <-events:
			if !ok {
				d.logger.Info("event stream closed")
				break loop
			}
			d.app.Metrics.IncEvent(e.Kind())
			if shutdown := d.handle(ctx, e); shutdown {
				d.logger.Warn("shutdown requested")
				break loop
			}
		}
	}

	d.logger.Info("stopping pipelines")
	err := d.app.Close()
	d.setState(StateIdle)
	return err
}

// Returns true when the loop should end.
func (d *Dispatcher) handle(ctx context.Context, e event.Event) bool {
	switch e := e.(type) {
	case event.ButtonEvent:
		return d.handleButton(ctx, e)
	case event.VolumeEvent:
		d.handleVolume(e)
	case event.MusicInfoEvent:
		d.handleMusicInfo(e)
	case event.PipelineEvent:
		d.handlePipeline(e)
	case event.NoneEvent:
	default:
		d.logger.Warn("unhandled event", "kind", e.Kind())
	}
	return false
}

func (d *Dispatcher) ignore(e event.Event) {
	d.logger.Debug(
		"ignoring event",
		"event", e,
		"state", d.State().String(),
	)
}

// --------------------------------------------------------------------------------
// Buttons

func (d *Dispatcher) handleButton(ctx context.Context, e event.ButtonEvent) bool {
	switch e.Button {
	case event.ButtonRecord:
		switch e.Command {
		case event.CommandPressed:
			if d.State() == StateRecording {
				d.ignore(e)
				return false
			}
			d.startRecording()
		case event.CommandReleased, event.CommandLongReleased:
			if d.State() != StateRecording {
				d.ignore(e)
				return false
			}
			d.startPlayback()
		default:
			d.ignore(e)
		}

	case event.ButtonMode:
		switch e.Command {
		case event.CommandLongPressed:
			return true
		case event.CommandPressed:
			d.stopAndDrain(d.app.Play)
			if d.State() == StatePlaying {
				d.setState(StateIdle)
			}
			d.report(ctx)
		case event.CommandReleased, event.CommandLongReleased:
			if d.State() == StatePlaying {
				d.ignore(e)
				return false
			}
			d.startPlayback()
		default:
			d.ignore(e)
		}

	default:
		d.ignore(e)
	}
	return false
}

func (d *Dispatcher) startRecording() {
	d.stopAndDrain(d.app.Play)

	if d.app.Prompts != nil {
		count, err := d.app.Prompts.RecordSession()
		if err != nil {
			d.logger.Error(
				"could not save session",
				"err", err,
			)
		} else {
			d.app.Metrics.SetPromptCount(count)
		}
		d.app.Prompts.Report()
	}

	clock := d.app.CaptureClock
	if err := d.app.Capture.Configure(clock); err != nil {
		d.logger.Error("could not configure capture clock", "clock", clock, "err", err)
	}
	if d.app.Upload != nil {
		if err := d.app.Upload.Configure(clock); err != nil {
			d.logger.Error("could not configure upload", "clock", clock, "err", err)
		}
	}

	d.logger.Info("recording, release record to send")
	if err := d.app.Record.Run(); err != nil {
		d.runFailed(d.app.Record, err)
		return
	}
	d.setState(StateRecording)
}

func (d *Dispatcher) startPlayback() {
	d.stopAndDrain(d.app.Record)

	clock := d.app.RenderClock
	if err := d.app.Render.Configure(clock); err != nil {
		d.logger.Error("could not configure render clock", "clock", clock, "err", err)
	}

	d.logger.Info("playing server response")
	if err := d.app.Play.Run(); err != nil {
		d.runFailed(d.app.Play, err)
		return
	}
	d.setState(StatePlaying)
}

func (d *Dispatcher) runFailed(g *pipeline.Graph, err error) {
	d.logger.Error(
		"could not run pipeline",
		"pipeline", g.Name(),
		"configurationConflict", pipeline.IsConfigurationConflict(err),
		"err", err,
	)
	d.stopAndDrain(g)
	d.setState(StateIdle)
}

func (d *Dispatcher) stopAndDrain(g *pipeline.Graph) {
	if err := g.StopAndDrain(); err != nil {
		d.logger.Error(
			"could not reset pipeline",
			"pipeline", g.Name(),
			"err", err,
		)
	}
}

func (d *Dispatcher) report(ctx context.Context) {
	if d.app.Prompts == nil {
		return
	}
	d.app.Prompts.Report()
	if d.app.Reporter == nil {
		return
	}
	count := d.app.Prompts.PromptCount()
	if err := d.app.Reporter.SendCounter(ctx, count); err != nil {
		d.logger.Error(
			"could not send prompt counter",
			"counter", count,
			"err", err,
		)
	}
}

// --------------------------------------------------------------------------------

func (d *Dispatcher) handleVolume(e event.VolumeEvent) {
	if e.Command != event.CommandPressed && e.Command != event.CommandLongPressed {
		d.ignore(e)
		return
	}
	switch e.Button {
	case event.ButtonVolumeUp:
		d.volume = min(d.volume+VolumeStep, MaxVolume)
	case event.ButtonVolumeDown:
		d.volume = max(d.volume-VolumeStep, MinVolume)
	default:
		d.ignore(e)
		return
	}
	d.app.Volume.SetVolume(d.volume)
	d.app.Metrics.SetVolume(d.volume)
	d.logger.Info("volume set", "volume", d.volume)
}

func (d *Dispatcher) handleMusicInfo(e event.MusicInfoEvent) {
	defer e.Ack()
	if d.State() != StatePlaying {
		d.ignore(e)
		return
	}
	d.logger.Info(
		"music info from decoder",
		"sampleRate", e.Properties.SampleRate,
		"bits", e.Properties.BitDepth,
		"channels", e.Properties.NumChannels,
	)
	if err := d.app.Render.Configure(e.Properties); err != nil {
		d.logger.Error(
			"could not apply music info to render clock",
			"properties", e.Properties,
			"err", err,
		)
	}
}

func (d *Dispatcher) handlePipeline(e event.PipelineEvent) {
	var current *pipeline.Graph
	switch d.State() {
	case StateRecording:
		current = d.app.Record
	case StatePlaying:
		current = d.app.Play
	}
	// A graph that is running again has moved on to a newer session
	if current == nil || current.Name() != e.Graph || current.Running() {
		d.ignore(e)
		return
	}

	if e.Err != nil {
		d.logger.Error(
			"pipeline failed",
			"pipeline", e.Graph,
			"err", e.Err,
		)
	} else {
		d.logger.Info("pipeline finished", "pipeline", e.Graph)
	}
	d.stopAndDrain(current)
	d.setState(StateIdle)
}
