package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/parla/pkg/adapters/stt"
	"github.com/harunnryd/parla/pkg/audio"
	"github.com/harunnryd/parla/pkg/errorsx"
	"github.com/harunnryd/parla/pkg/frames"
	"github.com/harunnryd/parla/pkg/logging"
	"github.com/harunnryd/parla/pkg/resilience"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

const source = "deepgram"

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	Interim        bool
	UtteranceEndMS int
	StreamID       string
	Logger         *slog.Logger
}

// MicrophoneFunc opens a raw PCM source for one capture session.
type MicrophoneFunc func(ctx context.Context, format audio.Format) (io.ReadCloser, error)

// SpeechInput transcribes the local microphone with Deepgram live
// transcription. Each capture session opens its own connection and ends
// when Deepgram reports speech_final, on Stop, or on failure.
type SpeechInput struct {
	cfg         Config
	out         chan frames.Frame
	logger      *slog.Logger
	retryPolicy resilience.RetryPolicy
	openMic     MicrophoneFunc

	mu      sync.Mutex
	session *session
	closed  bool
}

type session struct {
	id       string
	parent   *SpeechInput
	cancel   context.CancelFunc
	mic      io.ReadCloser
	dgClient *client.WSCallback

	mu       sync.Mutex
	segments []string
	ended    bool
	metaSeen bool
}

func New(cfg Config) *SpeechInput {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.UtteranceEndMS == 0 {
		cfg.UtteranceEndMS = 1000
	}
	return &SpeechInput{
		cfg:         cfg,
		out:         make(chan frames.Frame, 16),
		logger:      logging.NewComponentLogger(cfg.Logger, "deepgram_stt"),
		retryPolicy: resilience.NewRetryPolicy(3, 200*time.Millisecond),
		openMic: func(ctx context.Context, format audio.Format) (io.ReadCloser, error) {
			return audio.OpenMicrophone(ctx, format)
		},
	}
}

// SetMicrophone replaces the audio source used by new sessions.
func (s *SpeechInput) SetMicrophone(fn MicrophoneFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openMic = fn
}

func (s *SpeechInput) Name() string { return "deepgram_streaming" }

func (s *SpeechInput) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("deepgram: input closed")
	}
	if s.session != nil {
		return errors.New("deepgram: capture session already active")
	}
	if s.cfg.APIKey == "" {
		return errorsx.New(errorsx.ReasonConfigMissingCredential, "deepgram api key is not set")
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{id: uuid.NewString(), parent: s, cancel: cancel}

	mic, err := s.openMic(sessCtx, audio.Format{SampleRate: s.cfg.SampleRate, Channels: 1})
	if err != nil {
		cancel()
		return errorsx.Wrap(err, errorsx.ReasonSTTCapture)
	}
	sess.mic = mic

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		Channels:       1,
		InterimResults: s.cfg.Interim,
		VadEvents:      true,
		SmartFormat:    true,
		Punctuate:      true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("session_id", sess.id),
		slog.String("model", s.cfg.Model),
		slog.Int("sample_rate", s.cfg.SampleRate))

	dgClient, err := client.NewWSUsingCallback(sessCtx, s.cfg.APIKey, clientOptions, transcriptOptions, &callback{sess: sess})
	if err != nil {
		sess.discard()
		_ = mic.Close()
		cancel()
		s.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("stream_id", s.cfg.StreamID))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	sess.dgClient = dgClient

	err = s.retryPolicy.Do(ctx, func(context.Context) error {
		if !dgClient.Connect() {
			return errors.New("deepgram connection failed")
		}
		return nil
	})
	if err != nil {
		sess.discard()
		_ = mic.Close()
		cancel()
		s.logger.Error("deepgram_connect_failed",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}

	s.logger.Info("deepgram_connected",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("session_id", sess.id))

	s.session = sess
	go func() {
		err := dgClient.Stream(mic)
		if sessCtx.Err() != nil {
			return
		}
		reason := "audio-capture"
		if err != nil && !errors.Is(err, io.EOF) {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("stream_id", s.cfg.StreamID))
			reason = "network"
		}
		sess.fail(reason)
	}()
	return nil
}

// Stop ends the session and delivers whatever was finalized so far.
func (s *SpeechInput) Stop() error {
	sess := s.current()
	if sess == nil {
		return nil
	}
	sess.finish(true, "")
	return nil
}

// Abort ends the session without delivering anything.
func (s *SpeechInput) Abort() error {
	sess := s.current()
	if sess == nil {
		return nil
	}
	sess.finish(false, "")
	return nil
}

func (s *SpeechInput) Close() error {
	_ = s.Abort()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

func (s *SpeechInput) Results() <-chan frames.Frame { return s.out }

func (s *SpeechInput) current() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *SpeechInput) emit(f frames.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- f:
	default:
		s.logger.Warn("deepgram_out_channel_full",
			slog.String("stream_id", s.cfg.StreamID))
	}
}

// release detaches sess and reports whether it was the active session.
func (s *SpeechInput) release(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != sess {
		return false
	}
	s.session = nil
	return true
}

// onTranscript handles one transcription result. Final segments accumulate
// until Deepgram marks the end of speech.
func (sess *session) onTranscript(text string, isFinal, speechFinal bool) {
	text = strings.TrimSpace(text)
	sess.mu.Lock()
	if sess.ended {
		sess.mu.Unlock()
		return
	}
	if isFinal && text != "" {
		sess.segments = append(sess.segments, text)
	}
	sess.mu.Unlock()

	sess.parent.logger.Debug("transcript_received",
		slog.String("session_id", sess.id),
		slog.Int("chars", len(text)),
		slog.Bool("is_final", isFinal),
		slog.Bool("speech_final", speechFinal))

	if speechFinal {
		sess.finish(true, "")
	}
}

// discard ends a session that never became active. Callbacks from its
// connection are ignored afterwards.
func (sess *session) discard() {
	sess.mu.Lock()
	sess.ended = true
	sess.mu.Unlock()
}

func (sess *session) fail(reason string) {
	sess.finish(true, reason)
}

// finish tears the session down once. With deliver set it emits exactly one
// outcome: the capture error, the joined transcript, or an empty speech end.
func (sess *session) finish(deliver bool, errReason string) {
	sess.mu.Lock()
	if sess.ended {
		sess.mu.Unlock()
		return
	}
	sess.ended = true
	text := strings.Join(sess.segments, " ")
	sess.mu.Unlock()

	p := sess.parent
	current := p.release(sess)
	sess.cancel()
	if sess.mic != nil {
		_ = sess.mic.Close()
	}
	if sess.dgClient != nil {
		// Stop waits on the callback goroutine, which may be the caller.
		go sess.dgClient.Stop()
	}

	if !current {
		p.logger.Debug("stale_session_dropped", slog.String("session_id", sess.id))
		return
	}
	if !deliver {
		p.logger.Info("capture_aborted", slog.String("session_id", sess.id))
		return
	}
	streamID := p.cfg.StreamID
	switch {
	case errReason != "":
		p.emit(frames.NewCaptureError(streamID, source, errReason))
	case text != "":
		p.emit(frames.NewFinalTranscript(streamID, source, text))
	default:
		p.emit(frames.NewSpeechEnd(streamID, source))
	}
	p.logger.Info("capture_finished",
		slog.String("session_id", sess.id),
		slog.Bool("has_text", text != ""),
		slog.String("error", errReason))
}

// --- Callback Implementation ---

type callback struct {
	sess *session
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.sess.parent.logger.Info("deepgram_connection_opened",
		slog.String("session_id", c.sess.id))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		if mr.SpeechFinal {
			c.sess.onTranscript("", mr.IsFinal, true)
		}
		return nil
	}
	c.sess.onTranscript(mr.Channel.Alternatives[0].Transcript, mr.IsFinal, mr.SpeechFinal)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.sess.mu.Lock()
	seen := c.sess.metaSeen
	c.sess.metaSeen = true
	c.sess.mu.Unlock()
	if !seen {
		c.sess.parent.logger.Info("deepgram_metadata_received",
			slog.String("session_id", c.sess.id),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.sess.parent.logger.Debug("speech_started_event",
		slog.String("session_id", c.sess.id))
	return nil
}

// UtteranceEnd arrives when the silence gap passes without a speech_final.
func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.sess.parent.logger.Debug("utterance_end_event",
		slog.String("session_id", c.sess.id),
		slog.Int("utterance_end_ms", c.sess.parent.cfg.UtteranceEndMS))
	c.sess.finish(true, "")
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.sess.parent.logger.Info("deepgram_connection_closed",
		slog.String("session_id", c.sess.id))
	c.sess.fail("network")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.sess.parent.logger.Error("deepgram_error",
		slog.String("session_id", c.sess.id),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.sess.fail("network")
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.sess.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("session_id", c.sess.id),
		slog.Int("bytes", len(byData)))
	return nil
}

var _ stt.SpeechInput = (*SpeechInput)(nil)
