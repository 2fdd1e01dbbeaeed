package encoderdecoder

import (
	"io"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
)

// Pass-through for responses that are already raw PCM in a known clock.
type pcmDecoder struct {
	source     io.Reader
	properties audiodevice.DeviceProperties
}

func newPCMDecoder(source io.Reader, properties audiodevice.DeviceProperties) (*pcmDecoder, error) {
	if err := properties.Validate(); err != nil {
		return nil, err
	}
	return &pcmDecoder{
		source:     source,
		properties: properties,
	}, nil
}

func (d *pcmDecoder) Read(p []byte) (int, error) {
	return d.source.Read(p)
}

func (d *pcmDecoder) Properties() audiodevice.DeviceProperties {
	return d.properties
}
