package notify

import "context"

// ChannelSource is an in-process Source and Publisher.
type ChannelSource struct {
	ch chan Event
}

func NewChannelSource(buf int) *ChannelSource {
	return &ChannelSource{ch: make(chan Event, buf)}
}

func (s *ChannelSource) Publish(ctx context.Context, ev Event) error {
	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ChannelSource) Listen(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.ch:
			h(ctx, ev)
		}
	}
}
