package element

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/encoderdecoder"
)

const decodeChunkSize = 4096

// Called once per session with the stream parameters found in the header.
// The decoder writes no PCM downstream until the listener returns, so a
// listener that reconfigures Render synchronously is guaranteed to do so
// before Render sees any of the new stream. ctx is cancelled when the
// decoder is stopped.
type MusicInfoListener func(ctx context.Context, props audiodevice.DeviceProperties)

// Consumes compressed audio from its input buffer and writes decoded PCM to
// its output buffer.
type Decoder struct {
	*element
	decoderType encoderdecoder.DecoderTypeEnum
	musicInfo   MusicInfoListener
}

// props is only consulted by the pcm pass-through decoder, whose stream
// carries no header.
func NewDecoder(
	decoderType encoderdecoder.DecoderTypeEnum,
	props audiodevice.DeviceProperties,
	opts Options,
) (*Decoder, error) {
	base, err := newElement(RoleDecoder, props, opts)
	if err != nil {
		return nil, err
	}
	d := &Decoder{
		element:     base,
		decoderType: decoderType,
	}
	base.work = d.run
	base.self = d
	return d, nil
}

func (d *Decoder) SetMusicInfoListener(listener MusicInfoListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.musicInfo = listener
}

func (d *Decoder) run(ctx context.Context) error {
	decoder, err := encoderdecoder.NewStreamDecoder(d.decoderType, d.Input().Reader(), d.Properties())
	if err != nil {
		return fmt.Errorf("create %s decoder: %w", d.decoderType, err)
	}

	info := decoder.Properties()
	if err := info.Validate(); err != nil {
		// Nothing downstream can be configured from this, Render keeps its clock
		d.logger.Warn("decoder reported no usable stream info", "err", err)
	} else {
		d.logger.Info(
			"decoded stream info",
			"sampleRate", info.SampleRate,
			"bits", info.BitDepth,
			"channels", info.NumChannels,
		)
		d.mu.Lock()
		listener := d.musicInfo
		d.mu.Unlock()
		if listener != nil {
			listener(ctx, info)
		}
	}

	buf := make([]byte, decodeChunkSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, readErr := decoder.Read(buf)
		if n > 0 {
			if err := d.emit(buf[:n]); err != nil {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode: %w", readErr)
		}
	}
}
