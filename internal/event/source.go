package event

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrSourceClosed = errors.New("event source closed")

// Produces events until its context is cancelled or it runs out of input.
// Run sends on out and returns without closing it.
type Source interface {
	Run(ctx context.Context, out chan<- Event) error
}

// Merge the events of every source into one channel, in arrival order.
// The channel is closed once every source has returned.
func Merge(ctx context.Context, logger *slog.Logger, sources ...Source) <-chan Event {
	if logger == nil {
		logger = slog.Default()
	}
	out := make(chan Event)

	var wg sync.WaitGroup
	for _, source := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := source.Run(ctx, out); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(
					"event source stopped",
					"err", err,
				)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// --------------------------------------------------------------------------------

// A Source fed programmatically through Send. Decoder metadata and pipeline
// completions reach the control loop this way, as do scripted events in
// tests.
type ChannelSource struct {
	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

func NewChannelSource(buffer int) *ChannelSource {
	return &ChannelSource{
		events: make(chan Event, buffer),
		closed: make(chan struct{}),
	}
}

// Queue e, blocking while the buffer is full.
func (s *ChannelSource) Send(ctx context.Context, e Event) error {
	select {
	case <-s.closed:
		return ErrSourceClosed
	default:
	}
	select {
	case s.events <- e:
		return nil
	case <-s.closed:
		return ErrSourceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop the source once already queued events have been forwarded.
func (s *ChannelSource) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *ChannelSource) Run(ctx context.Context, out chan<- Event) error {
	for {
		select {
		case e := <-s.events:
			if err := forward(ctx, out, e); err != nil {
				return err
			}
		case <-s.closed:
			for {
				select {
				case e := <-s.events:
					if err := forward(ctx, out, e); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func forward(ctx context.Context, out chan<- Event, e Event) error {
	select {
	case out <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
