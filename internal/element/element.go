package element

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/metrics"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/ringbuffer"
	"github.com/google/uuid"
)

var (
	ErrNotReady     = errors.New("element not ready to start")
	ErrNotStopped   = errors.New("element not stopped")
	ErrClosed       = errors.New("element closed")
	ErrNoInput      = errors.New("element has no input buffer linked")
	ErrRunning      = errors.New("cannot reconfigure a running element")
	errNoOutputRole = errors.New("element role has no output")
)

// --------------------------------------------------------------------------------
// Roles

type Role int

const (
	RoleCapture Role = iota
	RoleRender
	RoleNetworkReader
	RoleNetworkWriter
	RoleDecoder
)

func (r Role) String() string {
	switch r {
	case RoleCapture:
		return "capture"
	case RoleRender:
		return "render"
	case RoleNetworkReader:
		return "networkreader"
	case RoleNetworkWriter:
		return "networkwriter"
	case RoleDecoder:
		return "decoder"
	default:
		return "unknown"
	}
}

// Whether elements of this role consume from an input RingBuffer.
func (r Role) HasInput() bool {
	return r == RoleRender || r == RoleNetworkWriter || r == RoleDecoder
}

// Whether elements of this role produce into an output RingBuffer.
func (r Role) HasOutput() bool {
	return r == RoleCapture || r == RoleNetworkReader || r == RoleDecoder
}

// --------------------------------------------------------------------------------
// Lifecycle

type Status int

const (
	StatusInit Status = iota
	StatusRunning
	StatusStopping
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// A unit of work in a pipeline, wrapping one role.
//
// The lifecycle is Init -> Running -> Stopping -> Stopped, and Reset returns
// a Stopped element to Init. Start spawns the element's worker goroutine;
// Stop only signals it (by aborting the element's buffers) and WaitStopped
// blocks until the worker has left its loop.
//
// A worker that finishes on its own closes its output with MarkDone. One
// that fails aborts both of its buffers, so neighbours observe the failure.
type Element interface {
	Role() Role
	Status() Status

	Start() error
	// Flag a running element as stopping without aborting anything yet.
	// Lets a pipeline mark every element before it aborts shared buffers.
	RequestStop()
	Stop()
	WaitStopped()
	Reset() error
	Configure(props audiodevice.DeviceProperties) error
	Properties() audiodevice.DeviceProperties

	Input() *ringbuffer.RingBuffer
	SetInput(rb *ringbuffer.RingBuffer) error
	Output() *ringbuffer.RingBuffer

	// Error of the last session, nil if it ended normally or was stopped.
	Err() error

	// Called once, from the worker goroutine, every time the worker exits.
	OnExit(listener func(Element, error))

	// Stop the element and release everything it holds. Terminal.
	Close() error
}

// Settings shared by every role.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Capacity of the output RingBuffer, for roles that have one.
	OutputBufferSize int
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// --------------------------------------------------------------------------------
// Shared lifecycle implementation embedded by every role

type workFunc func(ctx context.Context) error

type element struct {
	logger  *slog.Logger
	uuid    uuid.UUID
	role    Role
	metrics *metrics.Metrics

	// Time the worker context survives a Stop. Zero cancels immediately.
	stopGrace time.Duration
	work      workFunc

	mu           sync.Mutex
	status       Status
	closed       bool
	properties   audiodevice.DeviceProperties
	input        *ringbuffer.RingBuffer
	output       *ringbuffer.RingBuffer
	err          error
	done         chan struct{}
	cancel       context.CancelFunc
	exitListener func(Element, error)

	// The Element wrapping this base, handed to exit listeners.
	self Element

	stopRequested atomic.Bool
}

func newElement(role Role, props audiodevice.DeviceProperties, opts Options) (*element, error) {
	uuid := uuid.New()
	e := &element{
		logger: opts.logger().With(
			"element uuid", uuid,
			"role", role.String(),
		),
		uuid:       uuid,
		role:       role,
		metrics:    opts.Metrics,
		properties: props,
		status:     StatusInit,
	}
	if role.HasOutput() {
		size := opts.OutputBufferSize
		if size <= 0 {
			size = DefaultBufferSize
		}
		output, err := ringbuffer.New(size)
		if err != nil {
			return nil, fmt.Errorf("create %s output buffer: %w", role, err)
		}
		e.output = output
	}
	return e, nil
}

// Default output buffer capacity, matching the capture buffer of the device
// firmware this client talks to.
const DefaultBufferSize = 16 * 1024

func (e *element) Role() Role {
	return e.role
}

func (e *element) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *element) Properties() audiodevice.DeviceProperties {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.properties
}

func (e *element) Configure(props audiodevice.DeviceProperties) error {
	if err := props.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusRunning || e.status == StatusStopping {
		return ErrRunning
	}
	e.properties = props
	return nil
}

func (e *element) Input() *ringbuffer.RingBuffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.input
}

func (e *element) SetInput(rb *ringbuffer.RingBuffer) error {
	if !e.role.HasInput() {
		return fmt.Errorf("%s has no input", e.role)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusRunning || e.status == StatusStopping {
		return ErrRunning
	}
	e.input = rb
	return nil
}

func (e *element) Output() *ringbuffer.RingBuffer {
	return e.output
}

func (e *element) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *element) OnExit(listener func(Element, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exitListener = listener
}

func (e *element) stopping() bool {
	return e.stopRequested.Load()
}

// --------------------------------------------------------------------------------

func (e *element) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.status != StatusInit {
		return fmt.Errorf("%w: %s is %s", ErrNotReady, e.role, e.status)
	}
	if e.role.HasInput() && e.input == nil {
		return ErrNoInput
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.err = nil
	e.stopRequested.Store(false)
	e.status = StatusRunning

	e.logger.Debug("starting element", "properties", e.properties)
	go e.runWorker(ctx, cancel, e.done)
	return nil
}

func (e *element) runWorker(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	err := e.work(ctx)
	cancel()

	stopped := e.stopping()
	switch {
	case err == nil:
		if e.output != nil {
			e.output.MarkDone()
		}
		e.logger.Debug("element finished")
	case stopped:
		e.logger.Debug("element stopped", "cause", err)
		err = nil
	case errors.Is(err, ringbuffer.ErrAborted):
		// A neighbour failed first and aborted the shared buffer
		e.logger.Debug("element buffer aborted", "err", err)
		e.abortBuffers()
		err = nil
	default:
		e.logger.Error(
			"element failed",
			"err", err,
		)
		e.metrics.IncElementFailure(e.role.String())
		e.abortBuffers()
	}

	e.mu.Lock()
	e.err = err
	e.status = StatusStopped
	listener := e.exitListener
	e.mu.Unlock()
	close(done)

	if listener != nil {
		listener(e.self, err)
	}
}

func (e *element) abortBuffers() {
	e.mu.Lock()
	input := e.input
	e.mu.Unlock()
	if input != nil {
		input.Abort()
	}
	if e.output != nil {
		e.output.Abort()
	}
}

func (e *element) RequestStop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusRunning {
		e.stopRequested.Store(true)
	}
}

// Signal the worker to leave its loop. Returns without waiting.
//
// An element that was never started moves straight to Stopped.
func (e *element) Stop() {
	e.mu.Lock()
	switch e.status {
	case StatusInit:
		e.status = StatusStopped
		e.mu.Unlock()
		return
	case StatusStopping, StatusStopped:
		e.mu.Unlock()
		return
	}
	e.status = StatusStopping
	cancel := e.cancel
	e.mu.Unlock()

	e.stopRequested.Store(true)
	e.abortBuffers()
	if e.stopGrace > 0 {
		time.AfterFunc(e.stopGrace, cancel)
	} else {
		cancel()
	}
}

func (e *element) WaitStopped() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Re-arm a stopped element for the next Start.
func (e *element) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	switch e.status {
	case StatusInit:
		return nil
	case StatusStopped:
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotStopped, e.role, e.status)
	}
	e.status = StatusInit
	e.err = nil
	e.done = nil
	e.stopRequested.Store(false)
	return nil
}

func (e *element) Close() error {
	e.Stop()
	e.WaitStopped()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.exitListener = nil
	return nil
}

// Write all of p to the output buffer, counting the bytes.
func (e *element) emit(p []byte) error {
	if e.output == nil {
		return errNoOutputRole
	}
	n, err := e.output.Write(p)
	e.metrics.AddElementBytes(e.role.String(), n)
	return err
}
