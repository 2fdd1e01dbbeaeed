package encoderdecoder

import (
	"fmt"
	"io"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
	"github.com/hajimehoshi/go-mp3"
)

// go-mp3 always produces 16-bit stereo, whatever the source layout.
const (
	mp3OutputBitDepth    = 16
	mp3OutputNumChannels = 2
)

type mp3Decoder struct {
	decoder    *mp3.Decoder
	properties audiodevice.DeviceProperties
}

func newMP3Decoder(source io.Reader) (*mp3Decoder, error) {
	decoder, err := mp3.NewDecoder(source)
	if err != nil {
		return nil, fmt.Errorf("read mp3 header: %w", err)
	}
	return &mp3Decoder{
		decoder: decoder,
		properties: audiodevice.DeviceProperties{
			SampleRate:  decoder.SampleRate(),
			BitDepth:    mp3OutputBitDepth,
			NumChannels: mp3OutputNumChannels,
		},
	}, nil
}

func (d *mp3Decoder) Read(p []byte) (int, error) {
	return d.decoder.Read(p)
}

func (d *mp3Decoder) Properties() audiodevice.DeviceProperties {
	return d.properties
}
