package event

import (
	"fmt"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/voiceassistant/pkg/audiodevice"
)

// Something the control loop reacts to. The set of variants is closed:
// ButtonEvent, VolumeEvent, MusicInfoEvent, PipelineEvent and NoneEvent.
type Event interface {
	// Short label, used for logging and metrics.
	Kind() string
	isEvent()
}

// --------------------------------------------------------------------------------
// Buttons

type Button int

const (
	ButtonRecord Button = iota
	ButtonMode
	ButtonVolumeUp
	ButtonVolumeDown
)

func (b Button) String() string {
	switch b {
	case ButtonRecord:
		return "record"
	case ButtonMode:
		return "mode"
	case ButtonVolumeUp:
		return "volume-up"
	case ButtonVolumeDown:
		return "volume-down"
	default:
		return fmt.Sprintf("button(%d)", int(b))
	}
}

type Command int

const (
	CommandPressed Command = iota
	CommandReleased
	CommandLongPressed
	CommandLongReleased
	CommandInfo
)

func (c Command) String() string {
	switch c {
	case CommandPressed:
		return "pressed"
	case CommandReleased:
		return "released"
	case CommandLongPressed:
		return "long-pressed"
	case CommandLongReleased:
		return "long-released"
	case CommandInfo:
		return "info"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// A press or release of the record or mode button.
type ButtonEvent struct {
	Button  Button
	Command Command
}

func (ButtonEvent) Kind() string { return "button" }
func (ButtonEvent) isEvent()     {}

func (e ButtonEvent) String() string {
	return e.Button.String() + " " + e.Command.String()
}

// A step on one of the volume buttons.
type VolumeEvent struct {
	Button  Button
	Command Command
}

func (VolumeEvent) Kind() string { return "volume" }
func (VolumeEvent) isEvent()     {}

func (e VolumeEvent) String() string {
	return e.Button.String() + " " + e.Command.String()
}

// --------------------------------------------------------------------------------
// Decoder metadata

// Stream parameters detected by the decoder. The decoder holds back its PCM
// until the event is acknowledged, so the receiver can reconfigure the
// renderer first.
type MusicInfoEvent struct {
	Properties audiodevice.DeviceProperties

	ack     chan struct{}
	ackOnce *sync.Once
}

func NewMusicInfoEvent(props audiodevice.DeviceProperties) MusicInfoEvent {
	return MusicInfoEvent{
		Properties: props,
		ack:        make(chan struct{}),
		ackOnce:    &sync.Once{},
	}
}

func (MusicInfoEvent) Kind() string { return "music_info" }
func (MusicInfoEvent) isEvent()     {}

// Mark the event handled. Safe to call more than once, and a no-op on an
// event not made by NewMusicInfoEvent.
func (e MusicInfoEvent) Ack() {
	if e.ackOnce == nil {
		return
	}
	e.ackOnce.Do(func() { close(e.ack) })
}

// Closed once Ack has been called.
func (e MusicInfoEvent) Acked() <-chan struct{} {
	return e.ack
}

// --------------------------------------------------------------------------------

// A pipeline finished a session on its own: the stream ended, or an element
// failed (Err non-nil).
type PipelineEvent struct {
	Graph string
	Err   error
}

func (PipelineEvent) Kind() string { return "pipeline" }
func (PipelineEvent) isEvent()     {}

// Carries nothing. Ignored by the control loop.
type NoneEvent struct{}

func (NoneEvent) Kind() string { return "none" }
func (NoneEvent) isEvent()     {}
