// Package chunked frames and parses HTTP/1.1 chunked transfer encoding.
//
// It owns no sockets: network elements hand it bytes and readers, and get
// frames, chunk payloads and response summaries back.
package chunked

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	crlf = "\r\n"

	// Longest chunk-size line accepted, including extensions.
	maxSizeLineLength = 4096

	// Preview length used when logging server responses.
	DefaultPreviewLimit = 64
)

var (
	ErrMalformedChunk   = errors.New("malformed chunk")
	ErrTruncated        = errors.New("truncated chunked stream")
	ErrMalformedStatus  = errors.New("malformed http status line")
	ErrMalformedHeaders = errors.New("malformed http headers")
)

// --------------------------------------------------------------------------------
// Encoding

// Frame a single chunk as `hex(len) CRLF chunk CRLF`.
//
// A zero length chunk encodes to "0\r\n\r\n", which is also the terminal frame.
func Frame(chunk []byte) []byte {
	size := strconv.FormatInt(int64(len(chunk)), 16)
	out := make([]byte, 0, len(size)+len(chunk)+2*len(crlf))
	out = append(out, size...)
	out = append(out, crlf...)
	out = append(out, chunk...)
	out = append(out, crlf...)
	return out
}

// The zero-length chunk marking the end of a chunked body.
func TerminalFrame() []byte {
	return []byte("0" + crlf + crlf)
}

// Writes each call to Write as a single chunk to the underlying writer.
// Close emits the terminal frame but does not close the underlying writer.
type Writer struct {
	w      io.Writer
	closed bool
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (cw *Writer) Write(p []byte) (int, error) {
	if cw.closed {
		return 0, errors.New("write on closed chunked writer")
	}
	// An empty chunk would terminate the stream early
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := cw.w.Write(Frame(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (cw *Writer) Close() error {
	if cw.closed {
		return nil
	}
	cw.closed = true
	_, err := cw.w.Write(TerminalFrame())
	return err
}

// --------------------------------------------------------------------------------
// Decoding

// Incrementally decode a chunked body into its payload bytes.
//
// Read returns io.EOF once the terminal chunk (and any trailers) are consumed.
// Any framing violation or a stream ending before the terminal chunk yields
// ErrMalformedChunk or ErrTruncated; partial success is never reported.
type Reader struct {
	r         *bufio.Reader
	remaining int64
	inChunk   bool
	finished  bool
	err       error
}

func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br}
}

func (cr *Reader) Read(p []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}
	if cr.finished {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	if !cr.inChunk {
		size, err := cr.readSizeLine()
		if err != nil {
			cr.err = err
			return 0, err
		}
		if size == 0 {
			if err := cr.readTrailers(); err != nil {
				cr.err = err
				return 0, err
			}
			cr.finished = true
			return 0, io.EOF
		}
		cr.remaining = size
		cr.inChunk = true
	}

	if int64(len(p)) > cr.remaining {
		p = p[:cr.remaining]
	}
	n, err := cr.r.Read(p)
	cr.remaining -= int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = ErrTruncated
		}
		cr.err = err
		return n, err
	}

	if cr.remaining == 0 {
		if err := cr.expectCRLF(); err != nil {
			cr.err = err
			return n, err
		}
		cr.inChunk = false
	}
	return n, nil
}

func (cr *Reader) readSizeLine() (int64, error) {
	line, err := readLine(cr.r)
	if err != nil {
		return 0, err
	}
	// Chunk extensions are ignored
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, fmt.Errorf("%w: empty size line", ErrMalformedChunk)
	}
	size, err := strconv.ParseInt(line, 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: bad size %q", ErrMalformedChunk, line)
	}
	return size, nil
}

func (cr *Reader) expectCRLF() error {
	var tail [2]byte
	if _, err := io.ReadFull(cr.r, tail[:]); err != nil {
		return ErrTruncated
	}
	if string(tail[:]) != crlf {
		return fmt.Errorf("%w: missing CRLF after chunk data", ErrMalformedChunk)
	}
	return nil
}

func (cr *Reader) readTrailers() error {
	for {
		line, err := readLine(cr.r)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

// Read one CRLF terminated line, without the terminator.
func readLine(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		fragment, isPrefix, err := r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", ErrTruncated
			}
			return "", err
		}
		sb.Write(fragment)
		if sb.Len() > maxSizeLineLength {
			return "", fmt.Errorf("%w: line too long", ErrMalformedChunk)
		}
		if !isPrefix {
			return sb.String(), nil
		}
	}
}

// Decode a complete chunked body held in memory.
func Decode(raw []byte) ([]byte, error) {
	return io.ReadAll(NewReader(bytes.NewReader(raw)))
}
