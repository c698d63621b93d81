package llm

import (
	"context"
	"strings"
	"sync"
)

// Backend is a conversation partner that answers one user message at a time,
// keeping a single chat session across calls.
type Backend interface {
	// Name returns backend name for logging/metrics.
	Name() string
	// Send starts a reply to text. A non-nil error means the backend refused
	// to start a reply; no stream is returned in that case. The coordinator
	// treats an expired turn deadline here as a failed reply instead.
	Send(ctx context.Context, text string) (*Stream, error)
	// Err reports a configuration problem that makes every Send fail, or nil.
	Err() error
}

// Fragment is one incrementally delivered piece of a reply.
// A fragment carrying Err is the last one on the stream.
type Fragment struct {
	Text string
	Err  error
}

// Stream is a lazy, finite, non-restartable sequence of fragments.
// The producer closes the channel once the reply is exhausted.
type Stream struct {
	ch     <-chan Fragment
	cancel context.CancelFunc
	once   sync.Once
}

func NewStream(ch <-chan Fragment, cancel context.CancelFunc) *Stream {
	return &Stream{ch: ch, cancel: cancel}
}

// Fragments returns the channel the reply is delivered on.
func (s *Stream) Fragments() <-chan Fragment { return s.ch }

// Close stops the producer. Safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Collect drains the stream and returns the concatenated text.
func (s *Stream) Collect(ctx context.Context) (string, error) {
	defer s.Close()
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case f, ok := <-s.ch:
			if !ok {
				return sb.String(), nil
			}
			if f.Err != nil {
				return sb.String(), f.Err
			}
			sb.WriteString(f.Text)
		}
	}
}

// Emit delivers f on out unless ctx ends first.
func Emit(ctx context.Context, out chan<- Fragment, f Fragment) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- f:
		return true
	}
}

// StaticStream returns a stream that yields the given fragments then ends,
// or ends with err after them when err is non-nil.
func StaticStream(fragments []string, err error) *Stream {
	ch := make(chan Fragment, len(fragments)+1)
	for _, f := range fragments {
		ch <- Fragment{Text: f}
	}
	if err != nil {
		ch <- Fragment{Err: err}
	}
	close(ch)
	return NewStream(ch, nil)
}
