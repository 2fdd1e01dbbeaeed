package control

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	voiceClock  = audiodevice.DeviceProperties{SampleRate: 24000, BitDepth: 16, NumChannels: 1}
	stereo22050 = audiodevice.DeviceProperties{SampleRate: 22050, BitDepth: 16, NumChannels: 2}
)

// --------------------------------------------------------------------------------
// Fake voice server

type upload struct {
	header http.Header
	bytes  int
}

type voiceServer struct {
	*httptest.Server
	uploads  chan upload
	counters chan int
	// When non-nil, GET waits for it to close before answering
	gate chan struct{}
}

func newVoiceServer(t *testing.T, gated bool) *voiceServer {
	s := &voiceServer{
		uploads:  make(chan upload, 16),
		counters: make(chan int, 16),
	}
	if gated {
		s.gate = make(chan struct{})
	}
	response := bytes.Repeat([]byte{1, 0, 2, 0}, 2000)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.uploads <- upload{header: r.Header, bytes: len(body)}
		w.Write([]byte("File uploaded"))
	})
	mux.HandleFunc("POST /log", func(w http.ResponseWriter, r *http.Request) {
		var report struct {
			Counter int `json:"counter"`
		}
		json.NewDecoder(r.Body).Decode(&report)
		s.counters <- report.Counter
	})
	mux.HandleFunc("GET /speech_response.mp3", func(w http.ResponseWriter, r *http.Request) {
		if s.gate != nil {
			select {
			case <-s.gate:
			case <-r.Context().Done():
				return
			}
		}
		w.Write(response)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Server.Close)
	return s
}

// --------------------------------------------------------------------------------

// Records every clock Render is configured with.
type configureSpy struct {
	element.Element
	mu    sync.Mutex
	calls []audiodevice.DeviceProperties
}

func (s *configureSpy) Configure(props audiodevice.DeviceProperties) error {
	s.mu.Lock()
	s.calls = append(s.calls, props)
	s.mu.Unlock()
	return s.Element.Configure(props)
}

func (s *configureSpy) Calls() []audiodevice.DeviceProperties {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audiodevice.DeviceProperties(nil), s.calls...)
}

type harness struct {
	app        *AppContext
	dispatcher *Dispatcher
	source     *event.ChannelSource
	server     *voiceServer
	device     *device.DummyAudioDevice
	volume     *device.VolumeDevice
	render     *configureSpy
	metrics    *metrics.Metrics
	done       chan error
}

func newHarness(t *testing.T, gated bool, initialVolume int) *harness {
	t.Helper()
	server := newVoiceServer(t, gated)
	source := event.NewChannelSource(16)
	factory := transport.NewTCPFactory(transport.DefaultTimeouts())
	m := metrics.NewMetrics(prometheus.NewRegistry())

	// Capture and Render share one device, as they share the codec on a board
	dev := device.NewDummyAudioDevice(true)
	volume := device.NewVolumeDevice(dev, initialVolume)

	capture, err := element.NewCapture(dev, voiceClock, 0, element.Options{})
	require.NoError(t, err)
	writer, err := element.NewNetworkWriter(server.URL+"/upload", voiceClock, factory, time.Second, element.Options{})
	require.NoError(t, err)
	reader, err := element.NewNetworkReader(server.URL+"/speech_response.mp3", factory, element.Options{})
	require.NoError(t, err)
	// The pcm decoder reports its configured clock, standing in for an mp3 header
	decoder, err := element.NewDecoder(encoderdecoder.DecoderTypePCM, stereo22050, element.Options{})
	require.NoError(t, err)
	decoder.SetMusicInfoListener(ForwardMusicInfo(source, time.Second, nil))
	render, err := element.NewRender(volume, voiceClock, 0, element.Options{})
	require.NoError(t, err)

	record := pipeline.NewGraph("record", nil, m)
	require.NoError(t, record.Register("capture", capture))
	require.NoError(t, record.Register("upload", writer))
	require.NoError(t, record.Link("capture", "upload"))
	record.OnCompletion(ForwardCompletion(source, nil))

	play := pipeline.NewGraph("play", nil, m)
	require.NoError(t, play.Register("download", reader))
	require.NoError(t, play.Register("decode", decoder))
	require.NoError(t, play.Register("render", render))
	require.NoError(t, play.Link("download", "decode", "render"))
	play.OnCompletion(ForwardCompletion(source, nil))

	spy := &configureSpy{Element: render}
	app := &AppContext{
		Metrics:      m,
		Record:       record,
		Play:         play,
		Capture:      capture,
		Upload:       writer,
		Render:       spy,
		Volume:       volume,
		Prompts:      promptlog.New(kvstore.NewMemoryStore(), nil),
		Reporter:     promptlog.NewReporter(server.URL+"/log", time.Second, nil),
		CaptureClock: voiceClock,
		RenderClock:  voiceClock,
	}
	dispatcher, err := NewDispatcher(app)
	require.NoError(t, err)

	h := &harness{
		app:        app,
		dispatcher: dispatcher,
		source:     source,
		server:     server,
		device:     dev,
		volume:     volume,
		render:     spy,
		metrics:    m,
		done:       make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	events := event.Merge(ctx, nil, source)
	go func() {
		h.done <- dispatcher.Run(ctx, events)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("control loop did not exit")
		}
	})
	return h
}

func (h *harness) send(t *testing.T, e event.Event) {
	t.Helper()
	require.NoError(t, h.source.Send(context.Background(), e))
}

func (h *harness) press(t *testing.T, button event.Button, command event.Command) {
	t.Helper()
	h.send(t, event.ButtonEvent{Button: button, Command: command})
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.dispatcher.State() == want }, 5*time.Second, 2*time.Millisecond,
		"state never became %s", want)
}

func (h *harness) shutdown(t *testing.T) error {
	t.Helper()
	h.press(t, event.ButtonMode, event.CommandLongPressed)
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("control loop ignored shutdown")
		return nil
	}
}

// --------------------------------------------------------------------------------

func TestRecordPressStartsRecording(t *testing.T) {
	h := newHarness(t, true, 50)
	h.press(t, event.ButtonRecord, event.CommandPressed)
	h.waitState(t, StateRecording)

	assert.True(t, h.app.Record.Running())
	assert.False(t, h.app.Play.Running())
	assert.Equal(t, voiceClock, h.app.Capture.Properties())
	assert.Equal(t, int32(1), h.app.Prompts.PromptCount())
}

func TestRecordReleaseUploadsAndPlays(t *testing.T) {
	h := newHarness(t, true, 50)
	h.press(t, event.ButtonRecord, event.CommandPressed)
	h.waitState(t, StateRecording)
	time.Sleep(60 * time.Millisecond)

	h.press(t, event.ButtonRecord, event.CommandReleased)
	h.waitState(t, StatePlaying)
	assert.False(t, h.app.Record.Running())

	select {
	case got := <-h.server.uploads:
		assert.Equal(t, "24000", got.header.Get(element.HeaderSampleRate))
		assert.Equal(t, "16", got.header.Get(element.HeaderBits))
		assert.Equal(t, "1", got.header.Get(element.HeaderChannels))
		assert.Positive(t, got.bytes)
	case <-time.After(5 * time.Second):
		t.Fatal("upload never completed")
	}

	// Release sets the voice clock, then the decoder's music info arrives
	require.Eventually(t, func() bool { return len(h.render.Calls()) == 2 }, 5*time.Second, 2*time.Millisecond)
	assert.Equal(t, []audiodevice.DeviceProperties{voiceClock, stereo22050}, h.render.Calls())
	assert.Equal(t, stereo22050, h.render.Properties())
	assert.Equal(t, StatePlaying, h.dispatcher.State())

	// Playback runs to the end of the response, then the loop goes idle
	close(h.server.gate)
	h.waitState(t, StateIdle)
	assert.False(t, h.app.Play.Running())
	assert.NotEmpty(t, h.device.Written())
}

func TestMusicInfoOutsidePlaybackIgnored(t *testing.T) {
	h := newHarness(t, true, 50)
	e := event.NewMusicInfoEvent(stereo22050)
	h.send(t, e)
	select {
	case <-e.Acked():
	case <-time.After(5 * time.Second):
		t.Fatal("music info never acknowledged")
	}
	assert.Empty(t, h.render.Calls())
	assert.Equal(t, StateIdle, h.dispatcher.State())
}

func TestVolumeClamps(t *testing.T) {
	h := newHarness(t, true, 0)
	for range 11 {
		h.send(t, event.VolumeEvent{Button: event.ButtonVolumeUp, Command: event.CommandPressed})
	}
	require.Eventually(t, func() bool { return h.volume.GetVolume() == MaxVolume }, 5*time.Second, 2*time.Millisecond)

	for range 3 {
		h.send(t, event.VolumeEvent{Button: event.ButtonVolumeDown, Command: event.CommandPressed})
	}
	// Releases are not steps
	h.send(t, event.VolumeEvent{Button: event.ButtonVolumeDown, Command: event.CommandReleased})
	require.Eventually(t, func() bool { return h.volume.GetVolume() == 70 }, 5*time.Second, 2*time.Millisecond)

	for range 11 {
		h.send(t, event.VolumeEvent{Button: event.ButtonVolumeDown, Command: event.CommandPressed})
	}
	require.Eventually(t, func() bool { return h.volume.GetVolume() == MinVolume }, 5*time.Second, 2*time.Millisecond)
	assert.Equal(t, StateIdle, h.dispatcher.State())
}

func TestModePressReportsCounter(t *testing.T) {
	h := newHarness(t, true, 50)
	h.press(t, event.ButtonRecord, event.CommandPressed)
	h.waitState(t, StateRecording)

	h.press(t, event.ButtonMode, event.CommandPressed)
	select {
	case counter := <-h.server.counters:
		assert.Equal(t, 1, counter)
	case <-time.After(5 * time.Second):
		t.Fatal("counter never reported")
	}
	// Mode press leaves recording alone
	assert.Equal(t, StateRecording, h.dispatcher.State())

	h.press(t, event.ButtonMode, event.CommandReleased)
	h.waitState(t, StatePlaying)
	assert.False(t, h.app.Record.Running())
}

func TestStalePipelineEventIgnored(t *testing.T) {
	h := newHarness(t, true, 50)
	h.press(t, event.ButtonRecord, event.CommandPressed)
	h.waitState(t, StateRecording)

	h.send(t, event.PipelineEvent{Graph: "play"})
	h.send(t, event.PipelineEvent{Graph: "record"})
	h.send(t, event.NoneEvent{})
	time.Sleep(50 * time.Millisecond)
	// The record graph is still running, so its event is stale too
	assert.Equal(t, StateRecording, h.dispatcher.State())
}

func TestUploadFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t, true, 50)
	// No server behind the upload URI any more
	h.server.Close()

	h.press(t, event.ButtonRecord, event.CommandPressed)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.EventsHandled.WithLabelValues("pipeline")) == 1
	}, 5*time.Second, 2*time.Millisecond)
	h.waitState(t, StateIdle)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PipelineFailures.WithLabelValues("record")))
	assert.False(t, h.app.Record.Running())
	assert.Equal(t, element.StatusInit, h.app.Record.Status())
}

func TestShutdownTerminatesGraphs(t *testing.T) {
	h := newHarness(t, true, 50)
	h.press(t, event.ButtonRecord, event.CommandPressed)
	h.waitState(t, StateRecording)

	require.NoError(t, h.shutdown(t))
	assert.ErrorIs(t, h.app.Record.Run(), pipeline.ErrTerminated)
	assert.ErrorIs(t, h.app.Play.Run(), pipeline.ErrTerminated)
	assert.False(t, h.device.IsOpen())
}

func TestAtMostOneGraphRuns(t *testing.T) {
	h := newHarness(t, false, 50)

	var overlap atomic.Bool
	stopMonitor := make(chan struct{})
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		for {
			select {
			case <-stopMonitor:
				return
			default:
			}
			if h.app.Record.Running() && h.app.Play.Running() {
				overlap.Store(true)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	buttons := []event.ButtonEvent{
		{Button: event.ButtonRecord, Command: event.CommandPressed},
		{Button: event.ButtonRecord, Command: event.CommandReleased},
		{Button: event.ButtonRecord, Command: event.CommandLongReleased},
		{Button: event.ButtonMode, Command: event.CommandPressed},
		{Button: event.ButtonMode, Command: event.CommandReleased},
	}
	rng := rand.New(rand.NewSource(7))
	for range 40 {
		h.send(t, buttons[rng.Intn(len(buttons))])
		time.Sleep(time.Duration(rng.Intn(15)) * time.Millisecond)
	}
	require.NoError(t, h.shutdown(t))
	close(stopMonitor)
	<-monitorDone

	assert.False(t, overlap.Load(), "record and play graphs ran at the same time")
	// The shared device was never opened twice, which would have failed an element
	assert.Zero(t, elementFailures(h))
	assert.Zero(t, testutil.ToFloat64(h.metrics.ElementFailures.WithLabelValues("capture")))
	assert.Zero(t, testutil.ToFloat64(h.metrics.ElementFailures.WithLabelValues("render")))
}

// Elements that exited with an error during the last sessions.
func elementFailures(h *harness) int {
	failures := 0
	for _, g := range []*pipeline.Graph{h.app.Record, h.app.Play} {
		for _, name := range []string{"capture", "upload", "download", "decode", "render"} {
			if e := g.Element(name); e != nil && e.Err() != nil {
				failures++
			}
		}
	}
	return failures
}

func TestIncompleteContextRejected(t *testing.T) {
	_, err := NewDispatcher(&AppContext{})
	assert.ErrorIs(t, err, errIncompleteContext)
}
