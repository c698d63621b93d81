package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/parla/pkg/llm"
)

type LLMConfig struct {
	// Replies holds the fragments of each successive reply; the last entry repeats.
	Replies [][]string
	// RefuseErr makes Send refuse every message.
	RefuseErr error
	// StreamErr ends every stream with an error after FailAfter fragments.
	StreamErr error
	FailAfter int
	// ConfigErr is reported by Err and also refuses every message.
	ConfigErr error
	// Gate, when set, must receive a value before each fragment is delivered.
	Gate chan struct{}
	// FragmentDelay paces fragment delivery.
	FragmentDelay time.Duration
}

// Backend is a scripted llm.Backend.
type Backend struct {
	cfg  LLMConfig
	mu   sync.Mutex
	sent []string
	turn int
}

func NewBackend(cfg LLMConfig) *Backend {
	if len(cfg.Replies) == 0 && cfg.StreamErr == nil {
		cfg.Replies = [][]string{{"mock response"}}
	}
	return &Backend{cfg: cfg}
}

func (b *Backend) Name() string { return "mock_llm" }

func (b *Backend) Err() error { return b.cfg.ConfigErr }

func (b *Backend) Send(ctx context.Context, text string) (*llm.Stream, error) {
	b.mu.Lock()
	b.sent = append(b.sent, text)
	var reply []string
	if len(b.cfg.Replies) > 0 {
		idx := b.turn
		if idx >= len(b.cfg.Replies) {
			idx = len(b.cfg.Replies) - 1
		}
		reply = b.cfg.Replies[idx]
	}
	b.turn++
	b.mu.Unlock()

	if b.cfg.ConfigErr != nil {
		return nil, b.cfg.ConfigErr
	}
	if b.cfg.RefuseErr != nil {
		return nil, b.cfg.RefuseErr
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan llm.Fragment)
	go func() {
		defer close(out)
		for i, frag := range reply {
			if b.cfg.StreamErr != nil && i >= b.cfg.FailAfter {
				break
			}
			if !b.wait(ctx) {
				return
			}
			if !llm.Emit(ctx, out, llm.Fragment{Text: frag}) {
				return
			}
		}
		if b.cfg.StreamErr != nil {
			if !b.wait(ctx) {
				return
			}
			llm.Emit(ctx, out, llm.Fragment{Err: b.cfg.StreamErr})
		}
	}()
	return llm.NewStream(out, cancel), nil
}

// Sent returns every message passed to Send.
func (b *Backend) Sent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

func (b *Backend) wait(ctx context.Context) bool {
	if b.cfg.Gate != nil {
		select {
		case <-ctx.Done():
			return false
		case <-b.cfg.Gate:
		}
	}
	if b.cfg.FragmentDelay > 0 {
		timer := time.NewTimer(b.cfg.FragmentDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
	}
	return true
}

var _ llm.Backend = (*Backend)(nil)
