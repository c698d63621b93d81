// Package command speaks through a local text-to-speech program such as
// macOS say or espeak-ng.
package command

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/harunnryd/parla/pkg/adapters/tts"
	"github.com/harunnryd/parla/pkg/errorsx"
	"github.com/harunnryd/parla/pkg/frames"
	"github.com/harunnryd/parla/pkg/logging"
)

const source = "command"

var ErrNoSynthesizer = errors.New("command tts: no speech program found (install say, espeak-ng or espeak)")

type Config struct {
	// Command overrides program discovery; the text is appended as the last argument.
	Command []string
	Voice   string
	// Rate is words per minute; zero keeps the program default.
	Rate   int
	Logger *slog.Logger
}

// Resolve picks the speech program and its arguments, without the text.
func Resolve(lookPath func(string) (string, error), voice string, rate int) (string, []string, error) {
	if _, err := lookPath("say"); err == nil {
		var args []string
		if voice != "" {
			args = append(args, "-v", voice)
		}
		if rate > 0 {
			args = append(args, "-r", strconv.Itoa(rate))
		}
		return "say", args, nil
	}
	for _, name := range []string{"espeak-ng", "espeak"} {
		if _, err := lookPath(name); err != nil {
			continue
		}
		var args []string
		if voice != "" {
			args = append(args, "-v", voice)
		}
		if rate > 0 {
			args = append(args, "-s", strconv.Itoa(rate))
		}
		return name, args, nil
	}
	return "", nil, ErrNoSynthesizer
}

// SpeechOutput runs one speech process per utterance.
type SpeechOutput struct {
	cfg    Config
	logger *slog.Logger
	out    chan frames.Frame
	name   string
	args   []string

	mu      sync.Mutex
	current *utterance
	closed  bool
}

type utterance struct {
	id     string
	cancel context.CancelFunc
	once   sync.Once
}

func New(cfg Config) (*SpeechOutput, error) {
	s := &SpeechOutput{
		cfg:    cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "command_tts"),
		out:    make(chan frames.Frame, 16),
	}
	if len(cfg.Command) > 0 {
		s.name, s.args = cfg.Command[0], cfg.Command[1:]
		return s, nil
	}
	name, args, err := Resolve(exec.LookPath, cfg.Voice, cfg.Rate)
	if err != nil {
		return nil, err
	}
	s.name, s.args = name, args
	return s, nil
}

func (s *SpeechOutput) Name() string { return "command_tts" }

func (s *SpeechOutput) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	_ = s.Cancel()

	uctx, cancel := context.WithCancel(context.Background())
	u := &utterance{id: uuid.NewString(), cancel: cancel}
	args := append(append([]string(nil), s.args...), text)
	cmd := exec.CommandContext(uctx, s.name, args...)
	if err := cmd.Start(); err != nil {
		cancel()
		return errorsx.Wrap(err, errorsx.ReasonTTSSend)
	}

	s.mu.Lock()
	s.current = u
	s.mu.Unlock()
	s.logger.Info("utterance_started",
		slog.String("utterance_id", u.id),
		slog.String("program", s.name),
		slog.Int("chars", len(text)))

	go func() {
		err := cmd.Wait()
		if uctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("speech_program_failed",
				slog.String("utterance_id", u.id),
				slog.String("error", err.Error()))
		}
		s.complete(u, false)
	}()
	return nil
}

func (s *SpeechOutput) Cancel() error {
	s.mu.Lock()
	u := s.current
	s.mu.Unlock()
	if u != nil {
		s.complete(u, true)
	}
	return nil
}

func (s *SpeechOutput) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

func (s *SpeechOutput) Close() error {
	_ = s.Cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

func (s *SpeechOutput) Results() <-chan frames.Frame { return s.out }

func (s *SpeechOutput) complete(u *utterance, cancelled bool) {
	u.once.Do(func() {
		u.cancel()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.current == u {
			s.current = nil
		}
		if s.closed {
			return
		}
		select {
		case s.out <- frames.NewUtteranceEnd(u.id, source, cancelled):
		default:
		}
	})
}

var _ tts.SpeechOutput = (*SpeechOutput)(nil)
