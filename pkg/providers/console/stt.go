// Package console turns typed lines into finalized transcripts, for hosts
// without a microphone or for practicing by keyboard.
package console

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/harunnryd/parla/pkg/adapters/stt"
	"github.com/harunnryd/parla/pkg/frames"
	"github.com/harunnryd/parla/pkg/logging"
)

const source = "console"

// ErrNotListening is returned by Submit when no capture session is active.
var ErrNotListening = errors.New("console stt: not listening")

type SpeechInput struct {
	logger *slog.Logger
	out    chan frames.Frame

	mu     sync.Mutex
	active bool
	closed bool
}

func New(logger *slog.Logger) *SpeechInput {
	return &SpeechInput{
		logger: logging.NewComponentLogger(logger, "console_stt"),
		out:    make(chan frames.Frame, 4),
	}
}

func (s *SpeechInput) Name() string { return "console" }

func (s *SpeechInput) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("console stt: closed")
	}
	s.active = true
	return nil
}

// Submit finalizes the active session with line.
func (s *SpeechInput) Submit(line string) error {
	return s.end(frames.NewFinalTranscript("", source, line))
}

// Stop ends the session without a transcript.
func (s *SpeechInput) Stop() error {
	if err := s.end(frames.NewSpeechEnd("", source)); err != nil && !errors.Is(err, ErrNotListening) {
		return err
	}
	return nil
}

func (s *SpeechInput) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	return nil
}

func (s *SpeechInput) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.active = false
		close(s.out)
	}
	return nil
}

func (s *SpeechInput) Results() <-chan frames.Frame { return s.out }

// Listening reports whether a session is waiting for a line.
func (s *SpeechInput) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *SpeechInput) end(f frames.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.closed {
		return ErrNotListening
	}
	s.active = false
	select {
	case s.out <- f:
	default:
		s.logger.Warn("console_out_channel_full")
	}
	return nil
}

var _ stt.SpeechInput = (*SpeechInput)(nil)
