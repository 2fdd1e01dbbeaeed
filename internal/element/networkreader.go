package element

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/chunked"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/transport"
)

const downloadChunkSize = 4096

var errDownloadRejected = errors.New("download rejected by server")

// Issues an HTTP GET and copies the response body into its output buffer
// until the body ends, then marks the output done.
type NetworkReader struct {
	*element
	uri          string
	newTransport transport.Factory
}

func NewNetworkReader(
	uri string,
	newTransport transport.Factory,
	opts Options,
) (*NetworkReader, error) {
	base, err := newElement(RoleNetworkReader, audiodevice.DeviceProperties{}, opts)
	if err != nil {
		return nil, err
	}
	r := &NetworkReader{
		element:      base,
		uri:          uri,
		newTransport: newTransport,
	}
	base.work = r.run
	base.self = r
	return r, nil
}

func (r *NetworkReader) URI() string {
	return r.uri
}

func (r *NetworkReader) run(ctx context.Context) error {
	tr := r.newTransport()
	defer tr.Close()

	if err := tr.Connect(ctx, r.uri, http.MethodGet); err != nil {
		return fmt.Errorf("connect download: %w", err)
	}

	br := bufio.NewReader(tr)
	head, err := chunked.ReadResponseHead(br)
	if err != nil {
		return fmt.Errorf("read download response: %w", err)
	}
	if head.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", errDownloadRejected, head.StatusCode)
	}
	r.logger.Debug(
		"download started",
		"status", head.StatusCode,
		"contentLength", head.ContentLength(),
		"chunked", head.Chunked(),
	)

	body := chunked.BodyReader(head, br)
	buf := make([]byte, downloadChunkSize)
	total := 0
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if err := r.emit(buf[:n]); err != nil {
				return err
			}
			total += n
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				r.logger.Debug("download complete", "bytes", total)
				return nil
			}
			return fmt.Errorf("download body: %w", readErr)
		}
	}
}
