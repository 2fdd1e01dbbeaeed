package ringbuffer

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/smallnest/ringbuffer"
)

var (
	// Returned by Read once the buffer is marked done and fully drained.
	ErrEndOfStream = errors.New("ringbuffer end of stream")

	// Returned by every pending and future Read/Write once the buffer is aborted.
	ErrAborted = errors.New("ringbuffer aborted")

	// Returned by Write once the buffer is marked done.
	ErrClosed = errors.New("write to ringbuffer marked done")

	errInvalidSize = errors.New("ringbuffer size must be positive")
)

type State int

const (
	StateOpen State = iota
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// A bounded byte queue shared between exactly one producing and one consuming
// stream element.
//
// Write blocks while the buffer is full, Read blocks while it is empty.
// MarkDone lets readers drain what is left before observing ErrEndOfStream,
// while Abort fails every pending and future call with ErrAborted.
//
// The byte store is a blocking smallnest/ringbuffer. This type adds the
// terminal flags and their errors on top of it, and swaps in a fresh store
// on Reset.
type RingBuffer struct {
	size int

	mu      sync.Mutex
	store   *ringbuffer.RingBuffer
	done    bool
	aborted bool
}

func New(size int) (*RingBuffer, error) {
	if size <= 0 {
		return nil, errInvalidSize
	}
	rb := &RingBuffer{size: size}
	rb.store = rb.newStore()
	return rb, nil
}

func (rb *RingBuffer) newStore() *ringbuffer.RingBuffer {
	return ringbuffer.New(rb.size).SetBlocking(true)
}

// --------------------------------------------------------------------------------

// Write all of p into the buffer, waiting for space as needed.
//
// Either every byte is placed and len(p) is returned with a nil error,
// or ErrAborted / ErrClosed is returned. A write only fails part way
// through when the buffer is aborted, after which nothing can be read.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	switch {
	case rb.aborted:
		rb.mu.Unlock()
		return 0, ErrAborted
	case rb.done:
		rb.mu.Unlock()
		return 0, ErrClosed
	}
	store := rb.store
	rb.mu.Unlock()

	written := 0
	for written < len(p) {
		end := min(len(p), written+rb.size)
		n, err := store.Write(p[written:end])
		written += n
		if err != nil {
			return written, rb.translateWriteError(err)
		}
	}
	return written, nil
}

// Read up to len(p) bytes, waiting while the buffer is empty.
//
// Returns ErrEndOfStream once the buffer has been marked done and drained,
// ErrAborted once aborted.
func (rb *RingBuffer) Read(p []byte) (int, error) {
	rb.mu.Lock()
	if rb.aborted {
		rb.mu.Unlock()
		return 0, ErrAborted
	}
	store := rb.store
	rb.mu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}

	n, err := store.Read(p)
	if err != nil {
		if n > 0 && errors.Is(err, io.EOF) {
			return n, nil
		}
		return n, rb.translateReadError(err)
	}

	rb.mu.Lock()
	aborted := rb.aborted
	rb.mu.Unlock()
	if aborted {
		return 0, ErrAborted
	}
	return n, nil
}

func (rb *RingBuffer) translateWriteError(err error) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	switch {
	case rb.aborted:
		return ErrAborted
	case rb.done, errors.Is(err, ringbuffer.ErrWriteOnClosed):
		return ErrClosed
	}
	return fmt.Errorf("ringbuffer write: %w", err)
}

func (rb *RingBuffer) translateReadError(err error) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	switch {
	case rb.aborted:
		return ErrAborted
	case errors.Is(err, io.EOF):
		return ErrEndOfStream
	}
	return fmt.Errorf("ringbuffer read: %w", err)
}

// --------------------------------------------------------------------------------

// Signal that no further writes will arrive. Idempotent.
// Readers drain the remaining bytes and then observe ErrEndOfStream.
func (rb *RingBuffer) MarkDone() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.done || rb.aborted {
		return
	}
	rb.done = true
	rb.store.CloseWriter()
}

// Fail every pending and future Read/Write with ErrAborted. Idempotent.
func (rb *RingBuffer) Abort() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.aborted {
		return
	}
	rb.aborted = true
	rb.store.CloseWithError(ErrAborted)
}

// Drop all buffered data and clear the terminal flags.
//
// Only valid when no goroutine is blocked in Read or Write on this buffer,
// which the pipeline guarantees by waiting for its elements to stop first.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.store = rb.newStore()
	rb.done = false
	rb.aborted = false
}

// --------------------------------------------------------------------------------

func (rb *RingBuffer) State() State {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	switch {
	case rb.aborted:
		return StateAborted
	case rb.done:
		return StateDone
	default:
		return StateOpen
	}
}

// Number of bytes currently readable.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	store := rb.store
	rb.mu.Unlock()
	return store.Length()
}

func (rb *RingBuffer) Cap() int {
	return rb.size
}

// View the buffer as an io.Reader, reporting end of stream as io.EOF.
// Used to feed decoders that expect standard readers.
func (rb *RingBuffer) Reader() io.Reader {
	return eofReader{rb}
}

type eofReader struct {
	rb *RingBuffer
}

func (r eofReader) Read(p []byte) (int, error) {
	n, err := r.rb.Read(p)
	if errors.Is(err, ErrEndOfStream) {
		return n, io.EOF
	}
	return n, err
}
