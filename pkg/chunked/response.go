package chunked

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

// The status line and headers of an HTTP/1.x response.
type ResponseHead struct {
	Proto      string
	StatusCode int
	Status     string
	Header     textproto.MIMEHeader
}

func (h ResponseHead) Chunked() bool {
	for _, te := range h.Header.Values("Transfer-Encoding") {
		for _, part := range strings.Split(te, ",") {
			if strings.EqualFold(strings.TrimSpace(part), "chunked") {
				return true
			}
		}
	}
	return false
}

// Content length of the body, or -1 when not advertised.
func (h ResponseHead) ContentLength() int64 {
	v := h.Header.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// Parse the status line and headers, leaving r positioned at the body.
func ReadResponseHead(r *bufio.Reader) (ResponseHead, error) {
	tp := textproto.NewReader(r)
	statusLine, err := tp.ReadLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return ResponseHead{}, ErrTruncated
		}
		return ResponseHead{}, err
	}

	proto, rest, ok := strings.Cut(statusLine, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return ResponseHead{}, fmt.Errorf("%w: %q", ErrMalformedStatus, statusLine)
	}
	codeText, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeText)
	if err != nil || len(codeText) != 3 {
		return ResponseHead{}, fmt.Errorf("%w: %q", ErrMalformedStatus, statusLine)
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ResponseHead{}, ErrTruncated
		}
		return ResponseHead{}, fmt.Errorf("%w: %w", ErrMalformedHeaders, err)
	}

	return ResponseHead{
		Proto:      proto,
		StatusCode: code,
		Status:     reason,
		Header:     header,
	}, nil
}

// Select the body decoding advertised by the head: chunked, fixed
// Content-Length, or everything until the connection closes.
//
// A fixed length body that ends early reports ErrTruncated.
func BodyReader(head ResponseHead, r *bufio.Reader) io.Reader {
	if head.Chunked() {
		return NewReader(r)
	}
	if n := head.ContentLength(); n >= 0 {
		return &fixedLengthReader{r: r, remaining: n}
	}
	return r
}

type fixedLengthReader struct {
	r         io.Reader
	remaining int64
}

func (f *fixedLengthReader) Read(p []byte) (int, error) {
	if f.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > f.remaining {
		p = p[:f.remaining]
	}
	n, err := f.r.Read(p)
	f.remaining -= int64(n)
	if errors.Is(err, io.EOF) && f.remaining > 0 {
		return n, ErrTruncated
	}
	if err == nil && f.remaining == 0 {
		return n, io.EOF
	}
	return n, err
}

// --------------------------------------------------------------------------------

// Summary of a complete response buffered in memory, for logging.
type Response struct {
	StatusCode int
	Status     string
	// At most previewLimit bytes of the decoded body.
	Preview []byte
	// Set when the body was longer than the preview.
	Truncated bool
}

// Parse a raw HTTP response into its status and a bounded body preview.
//
// The body is decoded according to the headers, so a malformed or truncated
// chunked body fails the whole parse rather than returning a partial preview.
func ParseResponse(raw []byte, previewLimit int) (Response, error) {
	if previewLimit < 0 {
		previewLimit = DefaultPreviewLimit
	}
	br := bufio.NewReader(bytes.NewReader(raw))
	head, err := ReadResponseHead(br)
	if err != nil {
		return Response{}, err
	}
	body, err := io.ReadAll(BodyReader(head, br))
	if err != nil {
		return Response{}, err
	}
	return summarize(head, body, previewLimit), nil
}

// Read a response from a live connection, consuming the head and at most
// previewLimit+1 bytes of the decoded body. The rest of the body is left
// unread, so its length and framing past the preview are never checked.
func ReadResponse(r io.Reader, previewLimit int) (Response, error) {
	if previewLimit < 0 {
		previewLimit = DefaultPreviewLimit
	}
	br := bufio.NewReader(r)
	head, err := ReadResponseHead(br)
	if err != nil {
		return Response{}, err
	}
	body, err := io.ReadAll(io.LimitReader(BodyReader(head, br), int64(previewLimit)+1))
	if err != nil {
		return Response{}, err
	}
	return summarize(head, body, previewLimit), nil
}

func summarize(head ResponseHead, body []byte, previewLimit int) Response {
	resp := Response{
		StatusCode: head.StatusCode,
		Status:     head.Status,
		Preview:    body,
	}
	if len(body) > previewLimit {
		resp.Preview = body[:previewLimit]
		resp.Truncated = true
	}
	return resp
}
