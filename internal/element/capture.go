package element

import (
	"context"
	"fmt"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
)

const DefaultFrameDuration = 20 * time.Millisecond

// Reads fixed-size frames from the audio input device and writes them to
// its output buffer, until stopped.
type Capture struct {
	*element
	device        audiodevice.AudioDevice
	frameDuration time.Duration
}

func NewCapture(
	device audiodevice.AudioDevice,
	props audiodevice.DeviceProperties,
	frameDuration time.Duration,
	opts Options,
) (*Capture, error) {
	if frameDuration <= 0 {
		frameDuration = DefaultFrameDuration
	}
	base, err := newElement(RoleCapture, props, opts)
	if err != nil {
		return nil, err
	}
	c := &Capture{
		element:       base,
		device:        device,
		frameDuration: frameDuration,
	}
	base.work = c.run
	base.self = c
	return c, nil
}

func (c *Capture) run(ctx context.Context) error {
	props := c.Properties()
	if err := c.device.Open(audiodevice.DirectionInput, props); err != nil {
		return fmt.Errorf("open capture device: %w", err)
	}
	defer func() {
		if err := c.device.Close(); err != nil {
			c.logger.Warn("error closing capture device", "err", err)
		}
	}()

	frameBytes := max(props.BytesFor(c.frameDuration), props.BytesPerFrame())
	frame := make([]byte, frameBytes)
	c.logger.Debug(
		"capturing",
		"properties", props,
		"frameBytes", frameBytes,
	)

	for {
		if c.stopping() || ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := c.device.Read(frame)
		if err != nil {
			return fmt.Errorf("capture read: %w", err)
		}
		if n == 0 {
			continue
		}
		if err := c.emit(frame[:n]); err != nil {
			return err
		}
	}
}
