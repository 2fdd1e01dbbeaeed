package encoderdecoder

import (
	"errors"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
)

var (
	errNullDecoderUsed error = errors.New("null decoder used")
)

// A decoder that does NO DECODING.
// Instead, an error is *always* returned.
//
// This is not the PCM pass-through decoder: the NullDecoder throws away
// its input and fails every read.
type NullDecoder struct{}

func (NullDecoder) Read(_ []byte) (int, error) {
	return 0, errNullDecoderUsed
}

func (NullDecoder) Properties() audiodevice.DeviceProperties {
	return audiodevice.DeviceProperties{}
}
