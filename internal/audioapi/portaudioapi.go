//go:build portaudio

package audioapi

import (
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice/device"
)

func newPortAudioDevice(settings Settings) (audiodevice.AudioDevice, error) {
	return device.NewPortAudioDevice(settings.FrameDuration), nil
}
