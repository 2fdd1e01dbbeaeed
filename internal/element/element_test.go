package element

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice/device"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/chunked"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/encoderdecoder"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/ringbuffer"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var voiceClock = audiodevice.DeviceProperties{SampleRate: 24000, BitDepth: 16, NumChannels: 1}

func waitStopped(t *testing.T, elements ...Element) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		for _, e := range elements {
			e.WaitStopped()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("elements did not stop")
	}
}

// --------------------------------------------------------------------------------
// Scripted transport

type scriptedTransport struct {
	mu         sync.Mutex
	failWrite  int
	writes     int
	written    bytes.Buffer
	headers    map[string]string
	response   []byte
	readOffset int
	closed     bool
}

func (s *scriptedTransport) Connect(_ context.Context, _ string, _ string) error {
	return nil
}

func (s *scriptedTransport) SetHeader(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headers == nil {
		s.headers = map[string]string{}
	}
	s.headers[key] = value
}

func (s *scriptedTransport) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failWrite > 0 && s.writes >= s.failWrite {
		return 0, errors.New("connection reset by peer")
	}
	return s.written.Write(p)
}

func (s *scriptedTransport) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOffset >= len(s.response) {
		return 0, io.EOF
	}
	n := copy(p, s.response[s.readOffset:])
	s.readOffset += n
	return n, nil
}

func (s *scriptedTransport) StatusCode() int { return 0 }

func (s *scriptedTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedTransport) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written.Bytes()...)
}

// --------------------------------------------------------------------------------

func TestLifecycleTransitions(t *testing.T) {
	dev := device.NewDummyAudioDevice(false)
	c, err := NewCapture(dev, voiceClock, 0, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusInit, c.Status())

	require.NoError(t, c.Start())
	assert.ErrorIs(t, c.Start(), ErrNotReady)
	assert.ErrorIs(t, c.Configure(voiceClock), ErrRunning)

	c.Stop()
	waitStopped(t, c)
	assert.Equal(t, StatusStopped, c.Status())
	assert.NoError(t, c.Err())
	assert.ErrorIs(t, c.Start(), ErrNotReady)

	c.Output().Reset()
	require.NoError(t, c.Reset())
	assert.Equal(t, StatusInit, c.Status())
	assert.False(t, dev.IsOpen())
}

func TestStopBeforeStartReachesStopped(t *testing.T) {
	r, err := NewRender(device.NewDummyAudioDevice(false), voiceClock, 0, Options{})
	require.NoError(t, err)
	r.Stop()
	r.WaitStopped()
	assert.Equal(t, StatusStopped, r.Status())
}

func TestStartWithoutInputFails(t *testing.T) {
	r, err := NewRender(device.NewDummyAudioDevice(false), voiceClock, 0, Options{})
	require.NoError(t, err)
	assert.ErrorIs(t, r.Start(), ErrNoInput)
}

func TestCaptureUploadCompletesOnStop(t *testing.T) {
	type upload struct {
		header http.Header
		body   []byte
	}
	uploads := make(chan upload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		uploads <- upload{header: r.Header, body: body}
		w.Write([]byte("File uploaded"))
	}))
	defer server.Close()

	dev := device.NewDummyAudioDevice(true)
	dev.SetPattern(0x5a)
	capture, err := NewCapture(dev, voiceClock, 0, Options{})
	require.NoError(t, err)
	writer, err := NewNetworkWriter(server.URL+"/upload", voiceClock, transport.NewTCPFactory(transport.DefaultTimeouts()), 5*time.Second, Options{})
	require.NoError(t, err)
	require.NoError(t, writer.SetInput(capture.Output()))

	require.NoError(t, capture.Start())
	require.NoError(t, writer.Start())
	time.Sleep(150 * time.Millisecond)

	writer.RequestStop()
	capture.Stop()
	writer.Stop()
	waitStopped(t, capture, writer)

	require.NoError(t, writer.Err())
	select {
	case got := <-uploads:
		assert.Equal(t, "24000", got.header.Get(HeaderSampleRate))
		assert.Equal(t, "16", got.header.Get(HeaderBits))
		assert.Equal(t, "1", got.header.Get(HeaderChannels))
		assert.NotEmpty(t, got.body)
		assert.Equal(t, bytes.Repeat([]byte{0x5a}, len(got.body)), got.body)
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the upload")
	}
}

func TestWriterTransportFailureSendsNoTerminalChunk(t *testing.T) {
	tr := &scriptedTransport{failWrite: 3}
	writer, err := NewNetworkWriter("http://server:8000/upload", voiceClock,
		func() transport.Transport { return tr }, time.Second, Options{})
	require.NoError(t, err)

	input, err := ringbuffer.New(4096)
	require.NoError(t, err)
	require.NoError(t, writer.SetInput(input))
	require.NoError(t, writer.Start())

	for range 5 {
		if _, err := input.Write(bytes.Repeat([]byte{1}, 512)); err != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	waitStopped(t, writer)

	assert.Error(t, writer.Err())
	assert.Equal(t, StatusStopped, writer.Status())
	assert.Equal(t, ringbuffer.StateAborted, input.State())
	assert.False(t, bytes.HasSuffix(tr.Written(), chunked.TerminalFrame()))
}

func TestWriterEndOfStreamSendsTerminalChunk(t *testing.T) {
	tr := &scriptedTransport{response: []byte("HTTP/1.1 200 OK\r\nContent-Length: 13\r\n\r\nFile uploaded")}
	writer, err := NewNetworkWriter("http://server:8000/upload", voiceClock,
		func() transport.Transport { return tr }, time.Second, Options{})
	require.NoError(t, err)

	input, err := ringbuffer.New(4096)
	require.NoError(t, err)
	require.NoError(t, writer.SetInput(input))
	require.NoError(t, writer.Start())

	_, err = input.Write([]byte("abc"))
	require.NoError(t, err)
	input.MarkDone()
	waitStopped(t, writer)

	require.NoError(t, writer.Err())
	decoded, err := chunked.Decode(tr.Written())
	require.NoError(t, err)
	assert.Equal(t, "abc", string(decoded))
	assert.Equal(t, "chunked", tr.headers["Transfer-Encoding"])
}

func TestWriterRejectedUploadFails(t *testing.T) {
	tr := &scriptedTransport{response: []byte("HTTP/1.1 500 Internal Server Error\r\nContent-Length: 0\r\n\r\n")}
	writer, err := NewNetworkWriter("http://server:8000/upload", voiceClock,
		func() transport.Transport { return tr }, time.Second, Options{})
	require.NoError(t, err)
	input, err := ringbuffer.New(64)
	require.NoError(t, err)
	require.NoError(t, writer.SetInput(input))
	require.NoError(t, writer.Start())
	input.MarkDone()
	waitStopped(t, writer)
	assert.Error(t, writer.Err())
}

func TestWriterAcceptsLongResponseBody(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 256*1024)
	head := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n", len(body))
	tr := &scriptedTransport{response: append([]byte(head), body...)}
	writer, err := NewNetworkWriter("http://server:8000/upload", voiceClock,
		func() transport.Transport { return tr }, time.Second, Options{})
	require.NoError(t, err)
	input, err := ringbuffer.New(64)
	require.NoError(t, err)
	require.NoError(t, writer.SetInput(input))
	require.NoError(t, writer.Start())
	input.MarkDone()
	waitStopped(t, writer)
	assert.NoError(t, writer.Err())
}

func TestDownloadDecodeRender(t *testing.T) {
	payload := bytes.Repeat([]byte{1, 2, 3, 4}, 5000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	stereo := audiodevice.DeviceProperties{SampleRate: 22050, BitDepth: 16, NumChannels: 2}
	reader, err := NewNetworkReader(server.URL+"/speech_response.mp3", transport.NewTCPFactory(transport.DefaultTimeouts()), Options{OutputBufferSize: 1024})
	require.NoError(t, err)
	decoder, err := NewDecoder(encoderdecoder.DecoderTypePCM, stereo, Options{OutputBufferSize: 1024})
	require.NoError(t, err)
	dev := device.NewDummyAudioDevice(false)
	render, err := NewRender(dev, voiceClock, 0, Options{})
	require.NoError(t, err)

	var infoCalls []audiodevice.DeviceProperties
	decoder.SetMusicInfoListener(func(_ context.Context, props audiodevice.DeviceProperties) {
		infoCalls = append(infoCalls, props)
		assert.NoError(t, render.Configure(props))
	})

	require.NoError(t, decoder.SetInput(reader.Output()))
	require.NoError(t, render.SetInput(decoder.Output()))
	require.NoError(t, reader.Start())
	require.NoError(t, decoder.Start())
	require.NoError(t, render.Start())
	waitStopped(t, reader, decoder, render)

	for _, e := range []Element{reader, decoder, render} {
		assert.NoError(t, e.Err(), e.Role().String())
	}
	assert.Equal(t, []audiodevice.DeviceProperties{stereo}, infoCalls)
	assert.Equal(t, stereo, render.Properties())
	assert.Equal(t, payload, dev.Written())
	assert.Equal(t, stereo, dev.ClockHistory()[len(dev.ClockHistory())-1])
}

// Feed raw into a fresh buffer from a separate goroutine, then mark it done.
func feed(t *testing.T, raw []byte) *ringbuffer.RingBuffer {
	t.Helper()
	input, err := ringbuffer.New(4096)
	require.NoError(t, err)
	go func() {
		if _, err := input.Write(raw); err == nil {
			input.MarkDone()
		}
	}()
	return input
}

func TestDecodeMP3ReconfiguresRender(t *testing.T) {
	raw, err := os.ReadFile("../../pkg/encoderdecoder/testdata/allegro.mp3")
	require.NoError(t, err)

	decoder, err := NewDecoder(encoderdecoder.DecoderTypeMP3, voiceClock, Options{OutputBufferSize: 8192})
	require.NoError(t, err)
	dev := device.NewDummyAudioDevice(false)
	render, err := NewRender(dev, voiceClock, 0, Options{})
	require.NoError(t, err)

	var infoCalls []audiodevice.DeviceProperties
	decoder.SetMusicInfoListener(func(_ context.Context, props audiodevice.DeviceProperties) {
		infoCalls = append(infoCalls, props)
		assert.NoError(t, render.Configure(props))
	})

	require.NoError(t, decoder.SetInput(feed(t, raw)))
	require.NoError(t, render.SetInput(decoder.Output()))
	require.NoError(t, decoder.Start())
	require.NoError(t, render.Start())
	waitStopped(t, decoder, render)

	require.NoError(t, decoder.Err())
	require.NoError(t, render.Err())
	stereo := audiodevice.DeviceProperties{SampleRate: 44100, BitDepth: 16, NumChannels: 2}
	assert.Equal(t, []audiodevice.DeviceProperties{stereo}, infoCalls)
	assert.Equal(t, stereo, dev.ClockHistory()[len(dev.ClockHistory())-1])
	assert.Greater(t, len(dev.Written()), 500_000)
	assert.Zero(t, len(dev.Written())%4)
}

func TestDecoderWithoutStreamInfoSkipsListener(t *testing.T) {
	decoder, err := NewDecoder(encoderdecoder.DecoderTypeNull, voiceClock, Options{})
	require.NoError(t, err)

	called := false
	decoder.SetMusicInfoListener(func(context.Context, audiodevice.DeviceProperties) {
		called = true
	})
	require.NoError(t, decoder.SetInput(feed(t, []byte("ignored"))))
	require.NoError(t, decoder.Start())
	waitStopped(t, decoder)

	assert.False(t, called)
	assert.Error(t, decoder.Err())
}

func TestDownloadFailureAbortsDownstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	reader, err := NewNetworkReader(server.URL+"/missing.mp3", transport.NewTCPFactory(transport.DefaultTimeouts()), Options{})
	require.NoError(t, err)
	require.NoError(t, reader.Start())
	waitStopped(t, reader)

	assert.Error(t, reader.Err())
	assert.Equal(t, ringbuffer.StateAborted, reader.Output().State())
}

func TestExitListenerReportsFailure(t *testing.T) {
	dev := device.NewDummyAudioDevice(false)
	dev.SetReadError(errors.New("i2s dma timeout"))
	c, err := NewCapture(dev, voiceClock, 0, Options{})
	require.NoError(t, err)

	exits := make(chan error, 1)
	c.OnExit(func(e Element, err error) {
		assert.Same(t, c, e)
		exits <- err
	})
	require.NoError(t, c.Start())

	select {
	case err := <-exits:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("exit listener not called")
	}
	assert.Equal(t, ringbuffer.StateAborted, c.Output().State())
}
