package audiodevice

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDeviceNotOpen       = errors.New("audio device not open")
	ErrDeviceAlreadyOpen   = errors.New("audio device already open")
	ErrWrongDirection      = errors.New("audio device opened in the other direction")
	ErrUnsupportedBitDepth = errors.New("unsupported bit depth")
	ErrInvalidDeviceProps  = errors.New("invalid device properties")
)

type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
)

func (d Direction) String() string {
	if d == DirectionInput {
		return "input"
	}
	return "output"
}

// The clock of a raw PCM stream. Samples are signed little-endian integers
// of BitDepth bits, interleaved across NumChannels.
type DeviceProperties struct {
	SampleRate  int
	BitDepth    int
	NumChannels int
}

func (p DeviceProperties) Validate() error {
	if p.SampleRate <= 0 || p.NumChannels <= 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidDeviceProps, p)
	}
	switch p.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, p.BitDepth)
	}
	return nil
}

// Bytes making up one sample across all channels.
func (p DeviceProperties) BytesPerFrame() int {
	return p.NumChannels * p.BitDepth / 8
}

// Bytes of audio covering the given duration, rounded down to whole frames.
func (p DeviceProperties) BytesFor(d time.Duration) int {
	frames := int(int64(p.SampleRate) * int64(d) / int64(time.Second))
	return frames * p.BytesPerFrame()
}

// Time covered by n bytes of audio.
func (p DeviceProperties) DurationOf(n int) time.Duration {
	bpf := p.BytesPerFrame()
	if bpf == 0 || p.SampleRate == 0 {
		return 0
	}
	frames := n / bpf
	return time.Duration(int64(frames) * int64(time.Second) / int64(p.SampleRate))
}

// --------------------------------------------------------------------------------

// The audio hardware collaborator: a microphone when opened for input,
// a speaker when opened for output.
//
// Read and Write move raw interleaved PCM in the device's current clock.
// SetClock reconfigures the clock of an open device, taking effect on the
// next Read or Write. A closed device may be opened again.
type AudioDevice interface {
	Open(direction Direction, props DeviceProperties) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetClock(props DeviceProperties) error
	Close() error

	GetDeviceProperties() DeviceProperties
}

// Optional interface for devices that can attenuate their output in software.
// Volume ranges over [0, 100].
type VolumeSetter interface {
	SetVolume(volume int)
	GetVolume() int
}
