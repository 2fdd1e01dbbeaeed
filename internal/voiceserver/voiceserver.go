package voiceserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/internal/element"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

const (
	uploadTimeLayout = "20060102T150405Z"
	readBlockSize    = 4096
	// Bound on JSON request bodies
	maxJSONBody = 1 << 16
)

var (
	errNotChunked     = errors.New("upload must use chunked transfer encoding")
	errAudioHeaders   = errors.New("missing or invalid audio headers")
	errNoResponseFile = errors.New("no response audio prepared")
)

type Config struct {
	// Served to every GET
	ResponseFile string
	// Copied over ResponseFile by POST /chime
	ChimeFile string
	// Where uploads are archived as .WAV files
	UploadDir string
}

// A development stand-in for the voice assistant's server.
//
// It archives every chunked upload as a .WAV file named after its arrival
// time and audio clock, logs prompt counters, and serves whatever audio file
// is currently prepared as the response. It does no speech processing.
type Server struct {
	logger *slog.Logger
	config Config
	now    func() time.Time

	// Guards the response file against a concurrent chime copy
	responseMutex sync.RWMutex

	counterMutex sync.Mutex
	lastCounter  int32
}

func New(config Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger: logger.With("voice server uuid", uuid.New()),
		config: config,
		now:    time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /log", s.handleLog)
	mux.HandleFunc("POST /chime", s.handleChime)
	mux.HandleFunc("GET /", s.handleResponse)
	return mux
}

// The counter most recently posted to /log.
func (s *Server) LastCounter() int32 {
	s.counterMutex.Lock()
	defer s.counterMutex.Unlock()
	return s.lastCounter
}

func (s *Server) requestLogger() *slog.Logger {
	return s.logger.WithGroup("request").With(
		"requestUUID", uuid.New().String(),
	)
}

// --------------------------------------------------------------------------------
// Upload

func parseAudioHeaders(h http.Header) (audiodevice.DeviceProperties, error) {
	rate, rateErr := strconv.Atoi(h.Get(element.HeaderSampleRate))
	bits, bitsErr := strconv.Atoi(h.Get(element.HeaderBits))
	channels, channelsErr := strconv.Atoi(h.Get(element.HeaderChannels))
	if err := errors.Join(rateErr, bitsErr, channelsErr); err != nil {
		return audiodevice.DeviceProperties{}, fmt.Errorf("%w: %w", errAudioHeaders, err)
	}
	props := audiodevice.DeviceProperties{SampleRate: rate, BitDepth: bits, NumChannels: channels}
	if err := props.Validate(); err != nil {
		return audiodevice.DeviceProperties{}, fmt.Errorf("%w: %w", errAudioHeaders, err)
	}
	if bits == 8 {
		return audiodevice.DeviceProperties{}, fmt.Errorf("%w: 8-bit uploads are not archived", errAudioHeaders)
	}
	return props, nil
}

func (s *Server) uploadPath(props audiodevice.DeviceProperties) string {
	name := fmt.Sprintf(
		"%s_%d_%d_%d.wav",
		s.now().UTC().Format(uploadTimeLayout),
		props.SampleRate,
		props.BitDepth,
		props.NumChannels,
	)
	return filepath.Join(s.config.UploadDir, name)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	requestLogger := s.requestLogger()
	requestLogger.Debug("new incoming upload")

	// net/http has already removed the chunk framing from r.Body
	if !slices.Contains(r.TransferEncoding, "chunked") {
		requestLogger.Error("rejecting upload", "err", errNotChunked)
		http.Error(w, errNotChunked.Error(), http.StatusBadRequest)
		return
	}
	props, err := parseAudioHeaders(r.Header)
	if err != nil {
		requestLogger.Error("rejecting upload", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	requestLogger.Info(
		"audio information",
		"sampleRate", props.SampleRate,
		"bits", props.BitDepth,
		"channels", props.NumChannels,
	)

	path := s.uploadPath(props)
	total, err := archiveWav(path, props, r.Body)
	if err != nil {
		requestLogger.Error(
			"error while archiving upload",
			"file", path,
			"err", err,
		)
		http.Error(w, "could not store upload", http.StatusInternalServerError)
		return
	}
	requestLogger.Info("upload archived", "file", path, "bytes", total)

	body := fmt.Sprintf("File %s was written, size %d", filepath.Base(path), total)
	w.Header().Set("Content-Type", "text/html;charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

// Stream raw PCM from body into a new .WAV file at path. Returns the number
// of PCM bytes received. A trailing partial sample is dropped.
func archiveWav(path string, props audiodevice.DeviceProperties, body io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	encoder := wav.NewEncoder(f, props.SampleRate, props.BitDepth, props.NumChannels, 1)
	intBuffer := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			SampleRate:  props.SampleRate,
			NumChannels: props.NumChannels,
		},
		SourceBitDepth: props.BitDepth,
	}

	sampleBytes := props.BitDepth / 8
	block := make([]byte, readBlockSize)
	var carry []byte
	var total int64
	var copyErr error
	for {
		n, readErr := body.Read(block)
		total += int64(n)
		carry = append(carry, block[:n]...)
		samples := len(carry) / sampleBytes
		if samples > 0 {
			intBuffer.Data = decodeSamples(carry[:samples*sampleBytes], sampleBytes, intBuffer.Data[:0])
			if err := encoder.Write(intBuffer); err != nil {
				copyErr = err
				break
			}
			carry = append(carry[:0], carry[samples*sampleBytes:]...)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			copyErr = readErr
			break
		}
	}

	err = errors.Join(copyErr, encoder.Close(), f.Close())
	if err != nil {
		os.Remove(path)
		return total, err
	}
	return total, nil
}

// Sign-extend little-endian samples of sampleBytes bytes each.
func decodeSamples(p []byte, sampleBytes int, dst []int) []int {
	shift := 64 - 8*sampleBytes
	for i := 0; i+sampleBytes <= len(p); i += sampleBytes {
		var v uint64
		for b := sampleBytes - 1; b >= 0; b-- {
			v = v<<8 | uint64(p[i+b])
		}
		dst = append(dst, int(int64(v<<shift)>>shift))
	}
	return dst
}

// --------------------------------------------------------------------------------
// Log and chime

type counterReport struct {
	Counter int32 `json:"counter"`
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	requestLogger := s.requestLogger()

	var report counterReport
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&report); err != nil {
		requestLogger.Error(
			"error while decoding counter report from JSON",
			"err", err,
		)
		http.Error(w, "invalid counter report", http.StatusBadRequest)
		return
	}

	s.counterMutex.Lock()
	s.lastCounter = report.Counter
	s.counterMutex.Unlock()

	requestLogger.Info("received counter", "counter", report.Counter)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "this device has been prompted %d times.", report.Counter)
}

func (s *Server) handleChime(w http.ResponseWriter, r *http.Request) {
	requestLogger := s.requestLogger()
	io.Copy(io.Discard, io.LimitReader(r.Body, maxJSONBody))

	if err := s.copyChime(); err != nil {
		requestLogger.Error(
			"error while preparing chime",
			"chimeFile", s.config.ChimeFile,
			"err", err,
		)
		http.Error(w, "could not prepare chime", http.StatusInternalServerError)
		return
	}
	requestLogger.Info("chime prepared as response", "responseFile", s.config.ResponseFile)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) copyChime() error {
	chime, err := os.ReadFile(s.config.ChimeFile)
	if err != nil {
		return err
	}
	s.responseMutex.Lock()
	defer s.responseMutex.Unlock()
	return os.WriteFile(s.config.ResponseFile, chime, 0644)
}

// --------------------------------------------------------------------------------
// Response audio

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	requestLogger := s.requestLogger()

	s.responseMutex.RLock()
	data, err := os.ReadFile(s.config.ResponseFile)
	s.responseMutex.RUnlock()
	if err != nil {
		requestLogger.Error(
			"error while reading response file",
			"responseFile", s.config.ResponseFile,
			"err", err,
		)
		http.Error(w, errNoResponseFile.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(s.config.ResponseFile))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
	requestLogger.Debug("response served", "bytes", len(data))
}
