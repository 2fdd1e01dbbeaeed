package element

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/chunked"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/ringbuffer"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/transport"
)

const (
	uploadChunkSize = 2048

	HeaderSampleRate = "x-audio-sample-rates"
	HeaderBits       = "x-audio-bits"
	HeaderChannels   = "x-audio-channel"
)

var errUploadRejected = errors.New("upload rejected by server")

// Streams its input buffer to an HTTP endpoint as a chunked request body.
//
// The request advertises the audio clock in headers. Each read from the
// input becomes one chunk. When the input ends, or the element is asked to
// stop while the upload is healthy, the terminal chunk is sent and the
// server's response is read and logged. A transport failure aborts the
// input and never sends the terminal chunk.
type NetworkWriter struct {
	*element
	uri          string
	method       string
	newTransport transport.Factory
	previewLimit int
}

// stopGrace bounds how long a stop waits for the terminal chunk and the
// server response before the connection is forced closed.
func NewNetworkWriter(
	uri string,
	props audiodevice.DeviceProperties,
	newTransport transport.Factory,
	stopGrace time.Duration,
	opts Options,
) (*NetworkWriter, error) {
	base, err := newElement(RoleNetworkWriter, props, opts)
	if err != nil {
		return nil, err
	}
	w := &NetworkWriter{
		element:      base,
		uri:          uri,
		method:       http.MethodPost,
		newTransport: newTransport,
		previewLimit: chunked.DefaultPreviewLimit,
	}
	base.stopGrace = stopGrace
	base.work = w.run
	base.self = w
	return w, nil
}

func (w *NetworkWriter) URI() string {
	return w.uri
}

func (w *NetworkWriter) run(ctx context.Context) error {
	input := w.Input()
	props := w.Properties()

	tr := w.newTransport()
	defer tr.Close()

	if err := tr.Connect(ctx, w.uri, w.method); err != nil {
		input.Abort()
		return fmt.Errorf("connect upload: %w", err)
	}
	tr.SetHeader("Content-Type", "application/octet-stream")
	tr.SetHeader("Transfer-Encoding", "chunked")
	tr.SetHeader(HeaderSampleRate, strconv.Itoa(props.SampleRate))
	tr.SetHeader(HeaderBits, strconv.Itoa(props.BitDepth))
	tr.SetHeader(HeaderChannels, strconv.Itoa(props.NumChannels))

	total := 0
	buf := make([]byte, uploadChunkSize)
	for {
		n, readErr := input.Read(buf)
		if n > 0 {
			if _, err := tr.Write(chunked.Frame(buf[:n])); err != nil {
				input.Abort()
				return fmt.Errorf("upload write: %w", err)
			}
			total += n
			w.metrics.AddElementBytes(w.role.String(), n)
		}
		if readErr == nil {
			continue
		}
		// A stop during a healthy upload still completes the request
		if errors.Is(readErr, ringbuffer.ErrEndOfStream) ||
			(errors.Is(readErr, ringbuffer.ErrAborted) && w.stopping()) {
			break
		}
		return fmt.Errorf("upload input: %w", readErr)
	}

	if _, err := tr.Write(chunked.TerminalFrame()); err != nil {
		input.Abort()
		return fmt.Errorf("upload terminal chunk: %w", err)
	}
	w.logger.Debug("upload body complete", "bytes", total)

	return w.readResponse(tr)
}

func (w *NetworkWriter) readResponse(tr transport.Transport) error {
	resp, err := chunked.ReadResponse(tr, w.previewLimit)
	if err != nil {
		return fmt.Errorf("read upload response: %w", err)
	}
	w.metrics.IncUploadStatus(strconv.Itoa(resp.StatusCode))
	w.logger.Info(
		"upload response",
		"status", resp.StatusCode,
		"body", string(resp.Preview),
		"truncated", resp.Truncated,
	)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", errUploadRejected, resp.StatusCode)
	}
	return nil
}
