package element

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/ringbuffer"
)

// Reads PCM from its input buffer and writes it to the audio output device.
// End of stream on the input is the normal end of a session.
//
// Unlike other roles, Render may be reconfigured while running: the device
// clock is changed between two frame writes, and Configure returns once the
// new clock is in effect.
type Render struct {
	*element
	device        audiodevice.AudioDevice
	frameDuration time.Duration

	// Serializes device open, writes and clock changes
	deviceMutex sync.Mutex
	deviceOpen  bool
}

func NewRender(
	device audiodevice.AudioDevice,
	props audiodevice.DeviceProperties,
	frameDuration time.Duration,
	opts Options,
) (*Render, error) {
	if frameDuration <= 0 {
		frameDuration = DefaultFrameDuration
	}
	base, err := newElement(RoleRender, props, opts)
	if err != nil {
		return nil, err
	}
	r := &Render{
		element:       base,
		device:        device,
		frameDuration: frameDuration,
	}
	base.work = r.run
	base.self = r
	return r, nil
}

// Set the render clock, reconfiguring the open device if a session is
// in progress.
func (r *Render) Configure(props audiodevice.DeviceProperties) error {
	if err := props.Validate(); err != nil {
		return err
	}
	r.deviceMutex.Lock()
	defer r.deviceMutex.Unlock()

	current := r.Properties()
	if r.deviceOpen && props != current {
		if err := r.device.SetClock(props); err != nil {
			return fmt.Errorf("set render clock: %w", err)
		}
		r.logger.Info(
			"render clock changed",
			"from", current,
			"to", props,
		)
	}
	r.mu.Lock()
	r.properties = props
	r.mu.Unlock()
	return nil
}

func (r *Render) openDevice() (audiodevice.DeviceProperties, error) {
	r.deviceMutex.Lock()
	defer r.deviceMutex.Unlock()
	props := r.Properties()
	if err := r.device.Open(audiodevice.DirectionOutput, props); err != nil {
		return props, fmt.Errorf("open render device: %w", err)
	}
	r.deviceOpen = true
	return props, nil
}

func (r *Render) closeDevice() {
	r.deviceMutex.Lock()
	defer r.deviceMutex.Unlock()
	r.deviceOpen = false
	if err := r.device.Close(); err != nil {
		r.logger.Warn("error closing render device", "err", err)
	}
}

// Write the whole frames at the front of carry, returning what is left over.
func (r *Render) writeFrames(carry []byte) ([]byte, error) {
	r.deviceMutex.Lock()
	defer r.deviceMutex.Unlock()
	bpf := r.Properties().BytesPerFrame()
	whole := len(carry) - len(carry)%bpf
	if whole == 0 {
		return carry, nil
	}
	if _, err := r.device.Write(carry[:whole]); err != nil {
		return carry, fmt.Errorf("render write: %w", err)
	}
	r.metrics.AddElementBytes(r.role.String(), whole)
	return append(carry[:0], carry[whole:]...), nil
}

func (r *Render) run(ctx context.Context) error {
	props, err := r.openDevice()
	if err != nil {
		return err
	}
	defer r.closeDevice()

	input := r.Input()
	buf := make([]byte, max(props.BytesFor(r.frameDuration), 4096))
	// Bytes carried over when a read ends mid-frame
	var carry []byte

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, readErr := input.Read(buf)
		if n > 0 {
			carry = append(carry, buf[:n]...)
			if carry, err = r.writeFrames(carry); err != nil {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, ringbuffer.ErrEndOfStream) {
				return nil
			}
			return readErr
		}
	}
}
