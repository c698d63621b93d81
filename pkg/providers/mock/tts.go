package mock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/parla/pkg/adapters/tts"
	"github.com/harunnryd/parla/pkg/frames"
)

type TTSConfig struct {
	// AutoComplete finishes each utterance after UtteranceDuration.
	AutoComplete      bool
	UtteranceDuration time.Duration
	SpeakErr          error
}

// SpeechOutput is a recording tts.SpeechOutput. Without AutoComplete, tests
// finish utterances through Finish.
type SpeechOutput struct {
	cfg      TTSConfig
	out      chan frames.Frame
	mu       sync.Mutex
	spoken   []string
	current  string
	seq      int
	cancels  int
	closed   bool
	speaking bool
	timer    *time.Timer
}

func NewTTS(cfg TTSConfig) *SpeechOutput {
	return &SpeechOutput{cfg: cfg, out: make(chan frames.Frame, 64)}
}

func (s *SpeechOutput) Name() string { return "mock_tts" }

func (s *SpeechOutput) Speak(ctx context.Context, text string) error {
	if s.cfg.SpeakErr != nil {
		return s.cfg.SpeakErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.speaking {
		s.finishLocked(true)
	}
	if text == "" {
		return nil
	}
	s.seq++
	s.current = strconv.Itoa(s.seq)
	s.speaking = true
	s.spoken = append(s.spoken, text)
	if s.cfg.AutoComplete {
		id := s.current
		s.timer = time.AfterFunc(s.cfg.UtteranceDuration, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.speaking && s.current == id {
				s.finishLocked(false)
			}
		})
	}
	return nil
}

func (s *SpeechOutput) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	if s.speaking {
		s.finishLocked(true)
	}
	return nil
}

func (s *SpeechOutput) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

func (s *SpeechOutput) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.speaking {
		s.finishLocked(true)
	}
	s.closed = true
	close(s.out)
	return nil
}

func (s *SpeechOutput) Results() <-chan frames.Frame { return s.out }

// Finish completes the current utterance as if playback reached the end.
func (s *SpeechOutput) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speaking {
		s.finishLocked(false)
	}
}

// Spoken returns every text passed to Speak that produced an utterance.
func (s *SpeechOutput) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

// Cancels returns how many times Cancel was called.
func (s *SpeechOutput) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

func (s *SpeechOutput) finishLocked(cancelled bool) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.speaking = false
	if s.closed {
		return
	}
	select {
	case s.out <- frames.NewUtteranceEnd(s.current, "mock_tts", cancelled):
	default:
	}
}

var _ tts.SpeechOutput = (*SpeechOutput)(nil)
