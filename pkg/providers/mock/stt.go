package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/harunnryd/parla/pkg/adapters/stt"
	"github.com/harunnryd/parla/pkg/frames"
)

// ErrSessionActive is returned when Start is called during an active session.
var ErrSessionActive = errors.New("mock stt: session already active")

// Outcome is the scripted result of one capture session.
type Outcome struct {
	Transcript string
	Err        string
}

type STTConfig struct {
	StreamID string
	// Script is consumed one outcome per session when AutoEmit is set.
	// An Outcome with neither field set ends the session without a result.
	Script   []Outcome
	AutoEmit bool
}

// SpeechInput is a scripted stt.SpeechInput. Without AutoEmit, tests drive
// sessions through Say, Fail and End.
type SpeechInput struct {
	cfg    STTConfig
	out    chan frames.Frame
	mu     sync.Mutex
	active bool
	closed bool
	starts int
	stops  int
	aborts int
	next   int
}

func NewSTT(cfg STTConfig) *SpeechInput {
	return &SpeechInput{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *SpeechInput) Name() string { return "mock_stt" }

func (s *SpeechInput) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("mock stt: closed")
	}
	if s.active {
		s.mu.Unlock()
		return ErrSessionActive
	}
	s.active = true
	s.starts++
	var outcome *Outcome
	if s.cfg.AutoEmit && s.next < len(s.cfg.Script) {
		o := s.cfg.Script[s.next]
		s.next++
		outcome = &o
	}
	s.mu.Unlock()

	if outcome != nil {
		s.deliver(*outcome)
	}
	return nil
}

func (s *SpeechInput) Stop() error {
	s.mu.Lock()
	s.stops++
	active := s.active
	s.mu.Unlock()
	if active {
		s.deliver(Outcome{})
	}
	return nil
}

func (s *SpeechInput) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts++
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

// Say finalizes the active session with transcript.
func (s *SpeechInput) Say(transcript string) { s.deliver(Outcome{Transcript: transcript}) }

// Fail ends the active session with a capture error.
func (s *SpeechInput) Fail(reason string) { s.deliver(Outcome{Err: reason}) }

// End ends the active session without a result.
func (s *SpeechInput) End() { s.deliver(Outcome{}) }

// Active reports whether a session is in progress.
func (s *SpeechInput) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Calls returns how many times Start, Stop and Abort were called.
func (s *SpeechInput) Calls() (starts, stops, aborts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops, s.aborts
}

func (s *SpeechInput) deliver(o Outcome) {
	s.mu.Lock()
	if !s.active || s.closed {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()

	var f frames.Frame
	switch {
	case o.Err != "":
		f = frames.NewCaptureError(s.cfg.StreamID, "mock_stt", o.Err)
	case o.Transcript != "":
		f = frames.NewFinalTranscript(s.cfg.StreamID, "mock_stt", o.Transcript)
	default:
		f = frames.NewSpeechEnd(s.cfg.StreamID, "mock_stt")
	}
	s.out <- f
}

var _ stt.SpeechInput = (*SpeechInput)(nil)
