package tts

import (
	"context"

	"github.com/harunnryd/parla/pkg/frames"
)

// SpeechOutput defines the contract for any text-to-speech capability.
// At most one utterance plays at a time.
type SpeechOutput interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Speak cancels any utterance in progress and starts a new one.
	// Speaking empty text is a no-op.
	Speak(ctx context.Context, text string) error
	// Cancel stops the current utterance. It never fails on teardown.
	Cancel() error
	// Speaking reports whether an utterance is in progress.
	Speaking() bool
	// Close releases the adapter.
	Close() error
	// Results returns a channel of ControlUtteranceEnd frames, one per
	// utterance that finished or was cancelled.
	Results() <-chan frames.Frame
}
