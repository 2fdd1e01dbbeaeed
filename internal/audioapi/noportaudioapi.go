//go:build !portaudio

package audioapi

import (
	"fmt"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
)

func newPortAudioDevice(Settings) (audiodevice.AudioDevice, error) {
	return nil, fmt.Errorf("%w: rebuild with -tags portaudio", errBackendNotBuilt)
}
