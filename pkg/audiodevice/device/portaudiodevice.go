//go:build portaudio

package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
	"github.com/google/uuid"
	"github.com/gordonklaus/portaudio"
)

// An AudioDevice on the host's default PortAudio input or output stream.
//
// PortAudio moves fixed-size buffers of int16 samples; Read and Write
// adapt those to arbitrary byte slices. Only 16-bit audio is supported.
type PortAudioDevice struct {
	logger        *slog.Logger
	frameDuration time.Duration

	mu         sync.Mutex
	stream     *portaudio.Stream
	buffer     []int16
	// Bytes of buffer already consumed by Read, or already filled by Write
	offset     int
	direction  audiodevice.Direction
	properties audiodevice.DeviceProperties
}

func NewPortAudioDevice(frameDuration time.Duration) *PortAudioDevice {
	return &PortAudioDevice{
		logger: slog.Default().With(
			"portaudio device uuid", uuid.New(),
		),
		frameDuration: frameDuration,
	}
}

func (d *PortAudioDevice) Open(direction audiodevice.Direction, props audiodevice.DeviceProperties) error {
	if err := props.Validate(); err != nil {
		return err
	}
	if props.BitDepth != 16 {
		return fmt.Errorf("%w: %d", audiodevice.ErrUnsupportedBitDepth, props.BitDepth)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		return audiodevice.ErrDeviceAlreadyOpen
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	if err := d.openStreamLocked(direction, props); err != nil {
		portaudio.Terminate()
		return err
	}
	return nil
}

func (d *PortAudioDevice) openStreamLocked(direction audiodevice.Direction, props audiodevice.DeviceProperties) error {
	framesPerBuffer := int(int64(props.SampleRate) * int64(d.frameDuration) / int64(time.Second))
	buffer := make([]int16, framesPerBuffer*props.NumChannels)

	numInput, numOutput := props.NumChannels, 0
	if direction == audiodevice.DirectionOutput {
		numInput, numOutput = 0, props.NumChannels
	}
	stream, err := portaudio.OpenDefaultStream(numInput, numOutput, float64(props.SampleRate), framesPerBuffer, buffer)
	if err != nil {
		d.logger.Error(
			"could not open default stream",
			"direction", direction,
			"properties", props,
			"err", err,
		)
		return err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return err
	}

	d.stream = stream
	d.buffer = buffer
	d.direction = direction
	d.properties = props
	// An input buffer starts fully consumed, an output buffer empty
	d.offset = 0
	if direction == audiodevice.DirectionInput {
		d.offset = 2 * len(buffer)
	}
	d.logger.Debug(
		"opened default stream",
		"direction", direction,
		"properties", props,
		"framesPerBuffer", framesPerBuffer,
	)
	return nil
}

func (d *PortAudioDevice) closeStreamLocked() error {
	if d.stream == nil {
		return nil
	}
	if d.direction == audiodevice.DirectionOutput && d.offset > 0 {
		clear(d.buffer[d.offset/2:])
		d.stream.Write()
	}
	stopErr := d.stream.Stop()
	closeErr := d.stream.Close()
	d.stream = nil
	if stopErr != nil {
		return stopErr
	}
	return closeErr
}

func (d *PortAudioDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return 0, audiodevice.ErrDeviceNotOpen
	}
	if d.direction != audiodevice.DirectionInput {
		return 0, audiodevice.ErrWrongDirection
	}

	n := 0
	for n+1 < len(p) {
		if d.offset >= 2*len(d.buffer) {
			if err := d.stream.Read(); err != nil {
				return n, err
			}
			d.offset = 0
		}
		sample := d.buffer[d.offset/2]
		binary.LittleEndian.PutUint16(p[n:], uint16(sample))
		n += 2
		d.offset += 2
	}
	return n, nil
}

func (d *PortAudioDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return 0, audiodevice.ErrDeviceNotOpen
	}
	if d.direction != audiodevice.DirectionOutput {
		return 0, audiodevice.ErrWrongDirection
	}

	n := 0
	for n+1 < len(p) {
		d.buffer[d.offset/2] = int16(binary.LittleEndian.Uint16(p[n:]))
		n += 2
		d.offset += 2
		if d.offset >= 2*len(d.buffer) {
			if err := d.stream.Write(); err != nil {
				return n, err
			}
			d.offset = 0
		}
	}
	return len(p), nil
}

// Reopen the stream with a new clock. PortAudio streams have a fixed rate.
func (d *PortAudioDevice) SetClock(props audiodevice.DeviceProperties) error {
	if err := props.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		d.properties = props
		return nil
	}
	if props == d.properties {
		return nil
	}
	direction := d.direction
	if err := d.closeStreamLocked(); err != nil {
		d.logger.Warn("error closing stream on clock change", "err", err)
	}
	if err := d.openStreamLocked(direction, props); err != nil {
		portaudio.Terminate()
		return err
	}
	return nil
}

func (d *PortAudioDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	err := d.closeStreamLocked()
	portaudio.Terminate()
	return err
}

func (d *PortAudioDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.properties
}
