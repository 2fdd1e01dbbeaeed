// Package transport provides the HTTP/1.1 connection used by the network
// stream elements. It is a byte conduit: callers frame request bodies and
// parse responses themselves (see pkg/chunked).
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	errNotConnected      = errors.New("transport not connected")
	errAlreadyConnected  = errors.New("transport already connected")
	errUnsupportedScheme = errors.New("unsupported uri scheme")
	errTransportClosed   = errors.New("transport closed")
)

// A single HTTP/1.1 request/response exchange.
//
// Connect dials the server without sending anything. Headers set before the
// first Write or Read are sent with the request line. Write sends raw body
// bytes; Read returns raw response bytes, status line included. StatusCode
// reports the status once the first response line has been read, or 0.
type Transport interface {
	Connect(ctx context.Context, uri string, method string) error
	SetHeader(key, value string)
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	StatusCode() int
	Close() error
}

// Creates a fresh Transport for each session.
type Factory func() Transport

type Timeouts struct {
	// Bound on establishing the TCP connection.
	Connect time.Duration
	// Bound on each individual write, and on reads after the first.
	IO time.Duration
	// Bound on the first read, i.e. the server's processing time.
	Response time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:  10 * time.Second,
		IO:       30 * time.Second,
		Response: 60 * time.Second,
	}
}

func NewTCPFactory(timeouts Timeouts) Factory {
	return func() Transport {
		return NewTCPTransport(timeouts)
	}
}

// --------------------------------------------------------------------------------

type header struct {
	key   string
	value string
}

// Transport over a plain TCP connection, one request per connection.
type TCPTransport struct {
	logger   *slog.Logger
	timeouts Timeouts

	mu          sync.Mutex
	conn        net.Conn
	stopCtxFunc func() bool
	closed      bool

	method      string
	target      *url.URL
	headers     []header
	headersSent bool

	firstReadDone bool
	statusLine    []byte
	statusCode    int
	statusFailed  bool
}

func NewTCPTransport(timeouts Timeouts) *TCPTransport {
	return &TCPTransport{
		logger:   slog.Default().With("transport uuid", uuid.New()),
		timeouts: timeouts,
	}
}

// Dial the host named by uri. Cancelling ctx at any point closes the
// connection, unblocking any Read or Write in progress.
func (t *TCPTransport) Connect(ctx context.Context, uri string, method string) error {
	target, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("parse uri %q: %w", uri, err)
	}
	if target.Scheme != "http" {
		return fmt.Errorf("%w: %q", errUnsupportedScheme, target.Scheme)
	}
	address := target.Host
	if target.Port() == "" {
		address = net.JoinHostPort(target.Hostname(), "80")
	}

	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return errAlreadyConnected
	}
	if t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}
	t.mu.Unlock()

	dialer := net.Dialer{Timeout: t.timeouts.Connect}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		t.logger.Error(
			"could not connect",
			"uri", uri,
			"err", err,
		)
		return fmt.Errorf("connect %s: %w", address, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		conn.Close()
		return errTransportClosed
	}
	t.conn = conn
	t.method = method
	t.target = target
	t.stopCtxFunc = context.AfterFunc(ctx, func() {
		t.Close()
	})
	t.logger.Debug(
		"connected",
		"uri", uri,
		"method", method,
	)
	return nil
}

func (t *TCPTransport) SetHeader(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.headers {
		if strings.EqualFold(t.headers[i].key, key) {
			t.headers[i].value = value
			return
		}
	}
	t.headers = append(t.headers, header{key: key, value: value})
}

func (t *TCPTransport) requestHead() []byte {
	var sb strings.Builder
	path := t.target.RequestURI()
	fmt.Fprintf(&sb, "%s %s HTTP/1.1\r\n", t.method, path)
	fmt.Fprintf(&sb, "Host: %s\r\n", t.target.Host)
	hasConnection := false
	for _, h := range t.headers {
		if strings.EqualFold(h.key, "Connection") {
			hasConnection = true
		}
		fmt.Fprintf(&sb, "%s: %s\r\n", h.key, h.value)
	}
	if !hasConnection {
		sb.WriteString("Connection: close\r\n")
	}
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

// Send the request line and headers if not yet sent. Caller holds t.mu.
func (t *TCPTransport) flushHeadLocked() error {
	if t.headersSent {
		return nil
	}
	t.headersSent = true
	if err := t.conn.SetWriteDeadline(deadline(t.timeouts.IO)); err != nil {
		return err
	}
	_, err := t.conn.Write(t.requestHead())
	return err
}

func (t *TCPTransport) connection() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errTransportClosed
	}
	if t.conn == nil {
		return nil, errNotConnected
	}
	if err := t.flushHeadLocked(); err != nil {
		return nil, fmt.Errorf("send request head: %w", err)
	}
	return t.conn, nil
}

func (t *TCPTransport) Write(p []byte) (int, error) {
	conn, err := t.connection()
	if err != nil {
		return 0, err
	}
	if err := conn.SetWriteDeadline(deadline(t.timeouts.IO)); err != nil {
		return 0, err
	}
	return conn.Write(p)
}

func (t *TCPTransport) Read(p []byte) (int, error) {
	conn, err := t.connection()
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	timeout := t.timeouts.IO
	if !t.firstReadDone {
		timeout = t.timeouts.Response
		t.firstReadDone = true
	}
	t.mu.Unlock()

	if err := conn.SetReadDeadline(deadline(timeout)); err != nil {
		return 0, err
	}
	n, err := conn.Read(p)
	if n > 0 {
		t.observeStatus(p[:n])
	}
	return n, err
}

// Sniff the status code from the first response line as it streams past.
func (t *TCPTransport) observeStatus(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.statusCode != 0 || t.statusFailed {
		return
	}
	t.statusLine = append(t.statusLine, p...)
	line, _, found := strings.Cut(string(t.statusLine), "\r\n")
	if !found {
		t.statusFailed = len(t.statusLine) > 256
		return
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		t.statusFailed = true
		return
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		t.statusFailed = true
		return
	}
	t.statusCode = code
	t.statusLine = nil
}

func (t *TCPTransport) StatusCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusCode
}

// Close the connection. Safe to call more than once and from any goroutine.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.stopCtxFunc != nil {
		t.stopCtxFunc()
	}
	if t.conn == nil {
		return nil
	}
	t.logger.Debug("closing connection")
	return t.conn.Close()
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
