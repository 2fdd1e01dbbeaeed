package event

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"golang.org/x/term"
)

const keyCtrlC = 0x03

// Turns single key strokes into button events.
//
//	r      record pressed, then released on the next r
//	m      mode pressed and released
//	q      mode long-pressed (shutdown)
//	+ =    volume up
//	-      volume down
//	Ctrl-C mode long-pressed
//
// Any other key produces nothing.
type KeyMapper struct {
	recordHeld bool
}

func (m *KeyMapper) Map(key byte) []Event {
	switch key {
	case 'r', 'R':
		m.recordHeld = !m.recordHeld
		if m.recordHeld {
			return []Event{ButtonEvent{Button: ButtonRecord, Command: CommandPressed}}
		}
		return []Event{ButtonEvent{Button: ButtonRecord, Command: CommandReleased}}
	case 'm', 'M':
		return []Event{
			ButtonEvent{Button: ButtonMode, Command: CommandPressed},
			ButtonEvent{Button: ButtonMode, Command: CommandReleased},
		}
	case 'q', 'Q', keyCtrlC:
		return []Event{ButtonEvent{Button: ButtonMode, Command: CommandLongPressed}}
	case '+', '=':
		return []Event{VolumeEvent{Button: ButtonVolumeUp, Command: CommandPressed}}
	case '-', '_':
		return []Event{VolumeEvent{Button: ButtonVolumeDown, Command: CommandPressed}}
	default:
		return nil
	}
}

// --------------------------------------------------------------------------------

// A Source reading key strokes from a terminal, standing in for the
// hardware buttons. When in is a terminal it is switched to raw mode for
// the lifetime of Run, so keys arrive without waiting for Enter.
type KeyboardSource struct {
	logger *slog.Logger
	in     io.Reader
	fd     int
	isTTY  bool
}

func NewKeyboardSource(in *os.File) *KeyboardSource {
	fd := int(in.Fd())
	return &KeyboardSource{
		logger: slog.Default().With(
			"keyboard source uuid", uuid.New(),
		),
		in:    in,
		fd:    fd,
		isTTY: term.IsTerminal(fd),
	}
}

// A KeyboardSource over any reader, never touching terminal modes.
func NewReaderSource(in io.Reader) *KeyboardSource {
	return &KeyboardSource{
		logger: slog.Default().With(
			"keyboard source uuid", uuid.New(),
		),
		in: in,
	}
}

func (s *KeyboardSource) Run(ctx context.Context, out chan<- Event) error {
	if s.isTTY {
		oldState, err := term.MakeRaw(s.fd)
		if err != nil {
			return fmt.Errorf("set terminal raw mode: %w", err)
		}
		defer func() {
			if err := term.Restore(s.fd, oldState); err != nil {
				s.logger.Warn("could not restore terminal", "err", err)
			}
		}()
	}
	s.logger.Info("listening for keys: r record, m mode, +/- volume, q quit")

	// Reads cannot be interrupted, so keys are collected on their own goroutine
	keys := make(chan byte)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := s.in.Read(buf)
			if n == 1 {
				select {
				case keys <- buf[0]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	var mapper KeyMapper
	for {
		select {
		case key := <-keys:
			for _, e := range mapper.Map(key) {
				s.logger.Debug("key event", "key", string(key), "event", e)
				if err := forward(ctx, out, e); err != nil {
					return err
				}
			}
		case err := <-readErr:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read keyboard: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
