package encoderdecoder

import (
	"errors"
	"io"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
)

type DecoderTypeEnum string

var (
	DecoderTypeNotImplemented DecoderTypeEnum = "not implemented"
	DecoderTypeNull           DecoderTypeEnum = "null"
	DecoderTypeMP3            DecoderTypeEnum = "mp3"
	DecoderTypePCM            DecoderTypeEnum = "pcm"
)

var (
	errDecoderTypeNotImplemented = errors.New("specified decoder type is not implemented")
)

// Streaming audio decoder.
//
// Construction consumes the stream header, so Properties is known as soon as
// the decoder exists. Read then yields raw little-endian PCM in exactly those
// properties, returning io.EOF at the end of the compressed stream.
type StreamDecoder interface {
	io.Reader
	Properties() audiodevice.DeviceProperties
}

// Create a new stream decoder over source.
//
// pcmProperties only applies to DecoderTypePCM, where the stream carries no
// header of its own. If the decoder cannot be created (e.g. the type has no
// implementation, or the stream header is invalid) a nil decoder and an error
// are returned.
func NewStreamDecoder(
	decoderID DecoderTypeEnum,
	source io.Reader,
	pcmProperties audiodevice.DeviceProperties,
) (StreamDecoder, error) {
	switch decoderID {
	case DecoderTypeNull:
		return NullDecoder{}, nil
	case DecoderTypeMP3:
		return newMP3Decoder(source)
	case DecoderTypePCM:
		return newPCMDecoder(source, pcmProperties)
	default:
		return nil, errDecoderTypeNotImplemented
	}
}
