package device

import (
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
)

// An AudioDevice backed by no hardware.
//
// Opened for input it produces silence (or a fixed pattern), optionally paced
// at the real-time rate of its clock. Opened for output it keeps everything
// written to it. Every clock it was opened or set with is recorded.
//
// Intended for testing, and for running the client without audio hardware.
type DummyAudioDevice struct {
	paced bool

	mu           sync.Mutex
	open         bool
	direction    audiodevice.Direction
	properties   audiodevice.DeviceProperties
	pattern      byte
	readErr      error
	writeErr     error
	discard      bool
	written      []byte
	clockHistory []audiodevice.DeviceProperties
	openCount    int
}

// Create a dummy device. When paced, Read sleeps for the duration of the
// audio it returns, like a real microphone.
func NewDummyAudioDevice(paced bool) *DummyAudioDevice {
	return &DummyAudioDevice{paced: paced}
}

// Stop keeping written audio. For long-running use outside of tests.
func (d *DummyAudioDevice) DiscardWrites() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discard = true
	d.written = nil
}

func (d *DummyAudioDevice) Open(direction audiodevice.Direction, props audiodevice.DeviceProperties) error {
	if err := props.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return audiodevice.ErrDeviceAlreadyOpen
	}
	d.open = true
	d.direction = direction
	d.properties = props
	d.openCount++
	d.clockHistory = append(d.clockHistory, props)
	return nil
}

func (d *DummyAudioDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return 0, audiodevice.ErrDeviceNotOpen
	}
	if d.direction != audiodevice.DirectionInput {
		d.mu.Unlock()
		return 0, audiodevice.ErrWrongDirection
	}
	if d.readErr != nil {
		err := d.readErr
		d.mu.Unlock()
		return 0, err
	}
	props := d.properties
	pattern := d.pattern
	d.mu.Unlock()

	n := len(p) - len(p)%props.BytesPerFrame()
	for i := range n {
		p[i] = pattern
	}
	if d.paced {
		time.Sleep(props.DurationOf(n))
	}
	return n, nil
}

func (d *DummyAudioDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return 0, audiodevice.ErrDeviceNotOpen
	}
	if d.direction != audiodevice.DirectionOutput {
		return 0, audiodevice.ErrWrongDirection
	}
	if d.writeErr != nil {
		return 0, d.writeErr
	}
	if !d.discard {
		d.written = append(d.written, p...)
	}
	return len(p), nil
}

func (d *DummyAudioDevice) SetClock(props audiodevice.DeviceProperties) error {
	if err := props.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.properties = props
	d.clockHistory = append(d.clockHistory, props)
	return nil
}

func (d *DummyAudioDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

func (d *DummyAudioDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.properties
}

// --------------------------------------------------------------------------------
// Test hooks

// Fill produced input with the given byte instead of silence.
func (d *DummyAudioDevice) SetPattern(b byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pattern = b
}

// Fail subsequent reads with err. Nil restores normal behaviour.
func (d *DummyAudioDevice) SetReadError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readErr = err
}

// Fail subsequent writes with err. Nil restores normal behaviour.
func (d *DummyAudioDevice) SetWriteError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeErr = err
}

func (d *DummyAudioDevice) Written() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.written...)
}

func (d *DummyAudioDevice) ClockHistory() []audiodevice.DeviceProperties {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]audiodevice.DeviceProperties(nil), d.clockHistory...)
}

func (d *DummyAudioDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *DummyAudioDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCount
}
