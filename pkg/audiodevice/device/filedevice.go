package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

var (
	errInvalidWavFile = errors.New("error while decoding audio file")
	errNoInputFile    = errors.New("file audio device has no input file")
	errNoOutputFile   = errors.New("file audio device has no output file")
)

// An AudioDevice backed by .WAV files.
//
// Opened for input, the whole input file is decoded and converted to the
// requested clock (channel count and sample rate, via FormatConverter), then
// handed out by Read at the real-time rate. Once the file is exhausted the
// device produces silence, like a microphone in a quiet room.
//
// Opened for output, written PCM is encoded to the output file. Every session
// (Open) and every clock change mid-session starts a new numbered file, since
// a .WAV file has a single clock.
//
// Only 16-bit audio is supported.
type FileAudioDevice struct {
	logger *slog.Logger
	uuid   uuid.UUID

	inputPath  string
	outputPath string
	paced      bool

	mu         sync.Mutex
	open       bool
	direction  audiodevice.Direction
	properties audiodevice.DeviceProperties

	// Input state
	sourceSamples    []float32
	sourceProperties audiodevice.DeviceProperties
	pcm              []byte
	position         int

	// Output state
	outputIndex int
	fileHandle  *os.File
	encoder     *wav.Encoder
	intBuffer   *goaudio.IntBuffer
}

// Make a new FileAudioDevice. Either path may be empty if the device is
// only ever opened in the other direction. When paced is false, Read returns
// immediately, which is useful in tests.
func NewFileAudioDevice(inputPath string, outputPath string, paced bool) *FileAudioDevice {
	uuid := uuid.New()
	return &FileAudioDevice{
		logger: slog.Default().With(
			"file audio device uuid", uuid,
		),
		uuid:       uuid,
		inputPath:  inputPath,
		outputPath: outputPath,
		paced:      paced,
	}
}

func (d *FileAudioDevice) Open(direction audiodevice.Direction, props audiodevice.DeviceProperties) error {
	if err := props.Validate(); err != nil {
		return err
	}
	if props.BitDepth != 16 {
		return fmt.Errorf("%w: %d", audiodevice.ErrUnsupportedBitDepth, props.BitDepth)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return audiodevice.ErrDeviceAlreadyOpen
	}

	var err error
	switch direction {
	case audiodevice.DirectionInput:
		err = d.openInputLocked(props)
	case audiodevice.DirectionOutput:
		err = d.openOutputLocked(props)
	}
	if err != nil {
		return err
	}
	d.open = true
	d.direction = direction
	d.properties = props
	return nil
}

// --------------------------------------------------------------------------------
// Input

func (d *FileAudioDevice) openInputLocked(props audiodevice.DeviceProperties) error {
	if d.inputPath == "" {
		return errNoInputFile
	}
	if d.sourceSamples == nil {
		if err := d.loadInputLocked(); err != nil {
			return err
		}
	}
	d.convertInputLocked(props)
	return nil
}

func (d *FileAudioDevice) loadInputLocked() error {
	f, err := os.Open(d.inputPath)
	if err != nil {
		d.logger.Error(
			"could not open audio file",
			"audioFile", d.inputPath,
			"err", err,
		)
		return err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		d.logger.Error(
			"could not decode audio file",
			"audioFile", d.inputPath,
			"err", decoder.Err(),
		)
		return errInvalidWavFile
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		d.logger.Error(
			"could not get full PCM buffer from audio file",
			"audioFile", d.inputPath,
			"err", err,
		)
		return err
	}

	scale := maxInt16
	if buf.SourceBitDepth > 0 {
		scale = float32(int64(1)<<(buf.SourceBitDepth-1) - 1)
	}
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}

	d.sourceSamples = samples
	d.sourceProperties = audiodevice.DeviceProperties{
		SampleRate:  int(decoder.SampleRate),
		BitDepth:    int(decoder.BitDepth),
		NumChannels: int(decoder.NumChans),
	}
	d.logger.Debug(
		"loaded audio file",
		"audioFile", d.inputPath,
		"sampleRate", decoder.SampleRate,
		"channels", decoder.NumChans,
		"samples", len(samples),
	)
	return nil
}

// Convert the loaded source to props and rewind.
func (d *FileAudioDevice) convertInputLocked(props audiodevice.DeviceProperties) {
	converter := NewFormatConverter(d.sourceProperties, props)
	converted := converter.Convert(d.sourceSamples)
	d.pcm = encodePCM16(converted, nil)
	d.position = 0
}

func (d *FileAudioDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return 0, audiodevice.ErrDeviceNotOpen
	}
	if d.direction != audiodevice.DirectionInput {
		d.mu.Unlock()
		return 0, audiodevice.ErrWrongDirection
	}
	props := d.properties
	n := len(p) - len(p)%props.BytesPerFrame()
	copied := copy(p[:n], d.pcm[min(d.position, len(d.pcm)):])
	d.position += copied
	clear(p[copied:n])
	d.mu.Unlock()

	if d.paced {
		time.Sleep(props.DurationOf(n))
	}
	return n, nil
}

// --------------------------------------------------------------------------------
// Output

func (d *FileAudioDevice) nextOutputPathLocked() string {
	d.outputIndex++
	ext := filepath.Ext(d.outputPath)
	base := strings.TrimSuffix(d.outputPath, ext)
	if ext == "" {
		ext = ".wav"
	}
	return fmt.Sprintf("%s-%03d%s", base, d.outputIndex, ext)
}

func (d *FileAudioDevice) openOutputLocked(props audiodevice.DeviceProperties) error {
	if d.outputPath == "" {
		return errNoOutputFile
	}
	path := d.nextOutputPathLocked()
	f, err := os.Create(path)
	if err != nil {
		d.logger.Error(
			"could not create audio file",
			"audioFile", path,
			"err", err,
		)
		return err
	}

	d.fileHandle = f
	d.encoder = wav.NewEncoder(f, props.SampleRate, 16, props.NumChannels, 1)
	d.intBuffer = &goaudio.IntBuffer{
		Format: &goaudio.Format{
			SampleRate:  props.SampleRate,
			NumChannels: props.NumChannels,
		},
		SourceBitDepth: 16,
	}
	d.logger.Debug(
		"writing audio file",
		"audioFile", path,
		"sampleRate", props.SampleRate,
		"channels", props.NumChannels,
	)
	return nil
}

func (d *FileAudioDevice) closeOutputLocked() error {
	if d.fileHandle == nil {
		return nil
	}
	err := errors.Join(
		d.encoder.Close(),
		d.fileHandle.Sync(),
		d.fileHandle.Close(),
	)
	d.fileHandle = nil
	d.encoder = nil
	return err
}

func (d *FileAudioDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return 0, audiodevice.ErrDeviceNotOpen
	}
	if d.direction != audiodevice.DirectionOutput {
		return 0, audiodevice.ErrWrongDirection
	}

	samples := len(p) / 2
	if cap(d.intBuffer.Data) < samples {
		d.intBuffer.Data = make([]int, samples)
	}
	d.intBuffer.Data = d.intBuffer.Data[:samples]
	for i := range samples {
		d.intBuffer.Data[i] = int(int16(binary.LittleEndian.Uint16(p[2*i:])))
	}
	if err := d.encoder.Write(d.intBuffer); err != nil {
		d.logger.Error("error while writing frame to file", "err", err)
		return 0, err
	}
	return len(p), nil
}

// --------------------------------------------------------------------------------

func (d *FileAudioDevice) SetClock(props audiodevice.DeviceProperties) error {
	if err := props.Validate(); err != nil {
		return err
	}
	if props.BitDepth != 16 {
		return fmt.Errorf("%w: %d", audiodevice.ErrUnsupportedBitDepth, props.BitDepth)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		d.properties = props
		return nil
	}
	if props == d.properties {
		return nil
	}

	switch d.direction {
	case audiodevice.DirectionInput:
		remaining := 0.0
		if len(d.pcm) > 0 {
			remaining = float64(d.position) / float64(len(d.pcm))
		}
		d.convertInputLocked(props)
		// Keep the playhead at the same point in the source
		bpf := props.BytesPerFrame()
		d.position = int(remaining*float64(len(d.pcm))) / bpf * bpf
	case audiodevice.DirectionOutput:
		if err := d.closeOutputLocked(); err != nil {
			d.logger.Warn("could not finish audio file on clock change", "err", err)
		}
		if err := d.openOutputLocked(props); err != nil {
			d.open = false
			return err
		}
	}
	d.properties = props
	return nil
}

func (d *FileAudioDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil
	}
	d.open = false
	if d.direction == audiodevice.DirectionOutput {
		return d.closeOutputLocked()
	}
	return nil
}

func (d *FileAudioDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.properties
}
