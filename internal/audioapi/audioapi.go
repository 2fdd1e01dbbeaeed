package audioapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice/device"
)

var (
	errBackendNotImplemented = errors.New("specified audio backend is not implemented")
	errBackendNotBuilt       = errors.New("audio backend not compiled into this binary")
	errNoCaptureFile         = errors.New("file backend needs audio.capturefile")
)

type BackendEnum string

var (
	BackendDummy     BackendEnum = "dummy"
	BackendFile      BackendEnum = "file"
	BackendPortAudio BackendEnum = "portaudio"
)

func ParseBackend(name string) (BackendEnum, error) {
	switch backend := BackendEnum(strings.ToLower(strings.TrimSpace(name))); backend {
	case BackendDummy, BackendFile, BackendPortAudio:
		return backend, nil
	default:
		return "", fmt.Errorf("%w: %q", errBackendNotImplemented, name)
	}
}

// Where the file backend reads and writes, and the buffer size for the
// PortAudio backend.
type Settings struct {
	CaptureFile   string
	RenderFile    string
	FrameDuration time.Duration
}

// Describes the device a backend provides, for the startup log.
type AudioIODevice struct {
	Backend BackendEnum
	Name    string
}

func (d AudioIODevice) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Backend: %s\n", d.Backend)
	fmt.Fprintf(&sb, "Name:    %s\n", d.Name)
	return sb.String()
}

// Create the audio device for the given backend.
//
// The device is shared by the Capture and Render elements, only one of which
// holds it open at a time.
func NewAudioDevice(backend BackendEnum, settings Settings) (audiodevice.AudioDevice, AudioIODevice, error) {
	switch backend {
	case BackendDummy:
		dummy := device.NewDummyAudioDevice(true)
		dummy.DiscardWrites()
		return dummy, AudioIODevice{Backend: backend, Name: "silence in, discard out"}, nil

	case BackendFile:
		if settings.CaptureFile == "" {
			return nil, AudioIODevice{}, errNoCaptureFile
		}
		renderFile := settings.RenderFile
		if renderFile == "" {
			renderFile = "response.wav"
		}
		return device.NewFileAudioDevice(settings.CaptureFile, renderFile, true),
			AudioIODevice{Backend: backend, Name: settings.CaptureFile + " in, " + renderFile + " out"},
			nil

	case BackendPortAudio:
		dev, err := newPortAudioDevice(settings)
		if err != nil {
			return nil, AudioIODevice{}, err
		}
		return dev, AudioIODevice{Backend: backend, Name: "default input and output streams"}, nil

	default:
		return nil, AudioIODevice{}, fmt.Errorf("%w: %q", errBackendNotImplemented, backend)
	}
}
