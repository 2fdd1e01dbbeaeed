package device

import (
	"encoding/binary"
	"log/slog"
	"math"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
	"github.com/oov/audio/resampler"
)

const (
	resampleQuality = 10

	maxInt16 = float32(math.MaxInt16)
)

// Converts interleaved float samples from a source clock to a sink clock,
// handling mono/stereo mismatches and sample rate differences.
//
// The conversion functions are chosen once at construction, so a converter
// is bound to one pair of clocks. Bit depth is handled at the byte boundary
// (see decodePCM16 and encodePCM16), not here.
type FormatConverter struct {
	sourceProperties audiodevice.DeviceProperties
	sinkProperties   audiodevice.DeviceProperties

	formatConversionFunctions []formatConversionFunction
}

func NewFormatConverter(
	sourceProperties audiodevice.DeviceProperties,
	sinkProperties audiodevice.DeviceProperties,
) *FormatConverter {
	functions := make([]formatConversionFunction, 0)

	if sourceProperties.NumChannels == 1 && sinkProperties.NumChannels == 2 {
		slog.Debug("adding mono to stereo")
		functions = append(functions, monoToStereo())
	}
	if sourceProperties.NumChannels == 2 && sinkProperties.NumChannels == 1 {
		slog.Debug("adding stereo to mono")
		functions = append(functions, stereoToMono())
	}
	if sourceProperties.SampleRate != sinkProperties.SampleRate {
		slog.Debug("adding resampler")
		functions = append(functions, newResampleFunction(sourceProperties, sinkProperties))
	}

	return &FormatConverter{
		sourceProperties:          sourceProperties,
		sinkProperties:            sinkProperties,
		formatConversionFunctions: functions,
	}
}

// Whether Convert changes anything at all.
func (c *FormatConverter) Identity() bool {
	return len(c.formatConversionFunctions) == 0
}

// Convert a block of samples. The returned slice may alias an internal buffer
// that is overwritten by the next call.
func (c *FormatConverter) Convert(samples []float32) []float32 {
	for _, f := range c.formatConversionFunctions {
		samples = f(samples)
	}
	return samples
}

// --------------------------------------------------------------------------------

type formatConversionFunction func(source []float32) []float32

func growBuffer(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}

func monoToStereo() formatConversionFunction {
	var buf []float32
	return func(source []float32) []float32 {
		buf = growBuffer(buf, 2*len(source))
		for i, v := range source {
			buf[2*i] = v
			buf[2*i+1] = v
		}
		return buf
	}
}

func stereoToMono() formatConversionFunction {
	var buf []float32
	return func(source []float32) []float32 {
		if len(source)%2 == 1 {
			source = source[:len(source)-1]
		}
		buf = growBuffer(buf, len(source)/2)
		for i := range len(source) / 2 {
			buf[i] = (source[2*i] + source[2*i+1]) / 2
		}
		return buf
	}
}

// Output room for a block of n input samples at the given rate ratio.
func resampledLength(n int, sourceRate int, sinkRate int) int {
	return n*sinkRate/sourceRate + 64
}

// The sink channel count is used, as channel conversion runs before resampling.
func newResampleFunction(sourceProperties audiodevice.DeviceProperties, sinkProperties audiodevice.DeviceProperties) formatConversionFunction {
	if sinkProperties.NumChannels == 1 {
		r := resampler.New(1, sourceProperties.SampleRate, sinkProperties.SampleRate, resampleQuality)
		var buf []float32
		return func(source []float32) []float32 {
			buf = growBuffer(buf, resampledLength(len(source), sourceProperties.SampleRate, sinkProperties.SampleRate))
			_, written := r.ProcessFloat32(0, source, buf)
			return buf[:written]
		}
	}

	r := resampler.New(2, sourceProperties.SampleRate, sinkProperties.SampleRate, resampleQuality)
	var leftSource, rightSource, leftSink, rightSink, buf []float32
	return func(source []float32) []float32 {
		if len(source)%2 == 1 {
			source = source[:len(source)-1]
		}
		half := len(source) / 2
		outHalf := resampledLength(half, sourceProperties.SampleRate, sinkProperties.SampleRate)
		leftSource = growBuffer(leftSource, half)
		rightSource = growBuffer(rightSource, half)
		leftSink = growBuffer(leftSink, outHalf)
		rightSink = growBuffer(rightSink, outHalf)

		// Planar for the resampler, source is interleaved
		for i := range half {
			leftSource[i] = source[2*i]
			rightSource[i] = source[2*i+1]
		}

		_, written := r.ProcessFloat32(0, leftSource, leftSink)
		r.ProcessFloat32(1, rightSource, rightSink)

		buf = growBuffer(buf, 2*written)
		for i := range written {
			buf[2*i] = leftSink[i]
			buf[2*i+1] = rightSink[i]
		}
		return buf
	}
}

// --------------------------------------------------------------------------------
// 16-bit PCM byte boundary

// Decode little-endian 16-bit samples into floats in [-1, 1].
func decodePCM16(src []byte, dst []float32) []float32 {
	n := len(src) / 2
	dst = growBuffer(dst, n)
	for i := range n {
		dst[i] = float32(int16(binary.LittleEndian.Uint16(src[2*i:]))) / maxInt16
	}
	return dst
}

// Encode floats in [-1, 1] as little-endian 16-bit samples, clipping.
func encodePCM16(src []float32, dst []byte) []byte {
	if cap(dst) < 2*len(src) {
		dst = make([]byte, 2*len(src))
	}
	dst = dst[:2*len(src)]
	for i, v := range src {
		s := max(-1, min(1, v)) * maxInt16
		if s >= 0 {
			s += 0.5
		} else {
			s -= 0.5
		}
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(int16(s)))
	}
	return dst
}
