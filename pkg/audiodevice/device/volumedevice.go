package device

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
)

const (
	MinVolume = 0
	MaxVolume = 100
)

// Middle-man output stage applying a software volume to everything written
// through it, before handing the samples to the wrapped device.
//
// Only 16-bit audio is scaled; other bit depths pass through untouched.
// Reads pass straight through.
type VolumeDevice struct {
	audiodevice.AudioDevice

	volume atomic.Int32

	scratchMutex sync.Mutex
	scratch      []byte
}

func NewVolumeDevice(inner audiodevice.AudioDevice, initialVolume int) *VolumeDevice {
	d := &VolumeDevice{AudioDevice: inner}
	d.SetVolume(initialVolume)
	return d
}

// Set the volume, clamped to [MinVolume, MaxVolume].
// 0 mutes, 100 leaves samples unchanged.
func (d *VolumeDevice) SetVolume(volume int) {
	volume = max(MinVolume, min(MaxVolume, volume))
	d.volume.Store(int32(volume))
}

func (d *VolumeDevice) GetVolume() int {
	return int(d.volume.Load())
}

func (d *VolumeDevice) Write(p []byte) (int, error) {
	volume := d.GetVolume()
	if volume == MaxVolume || d.GetDeviceProperties().BitDepth != 16 {
		return d.AudioDevice.Write(p)
	}

	d.scratchMutex.Lock()
	defer d.scratchMutex.Unlock()
	if cap(d.scratch) < len(p) {
		d.scratch = make([]byte, len(p))
	}
	scaled := d.scratch[:len(p)]
	copy(scaled, p)
	volumeAdjust(scaled, volume)
	return d.AudioDevice.Write(scaled)
}

func volumeAdjust(samples []byte, volume int) {
	for i := 0; i+1 < len(samples); i += 2 {
		v := int32(int16(binary.LittleEndian.Uint16(samples[i:])))
		v = v * int32(volume) / MaxVolume
		binary.LittleEndian.PutUint16(samples[i:], uint16(int16(v)))
	}
}
