package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/parla/pkg/adapters/tts"
	"github.com/harunnryd/parla/pkg/audio"
	"github.com/harunnryd/parla/pkg/errorsx"
	"github.com/harunnryd/parla/pkg/frames"
	"github.com/harunnryd/parla/pkg/logging"
	"github.com/harunnryd/parla/pkg/resilience"
)

const (
	source         = "elevenlabs"
	defaultBaseURL = "wss://api.elevenlabs.io"
)

type Config struct {
	APIKey     string
	VoiceID    string
	ModelID    string
	SampleRate int
	// BaseURL overrides the websocket endpoint host.
	BaseURL    string
	Stability  float64
	Similarity float64
	Logger     *slog.Logger
}

// Sink receives decoded PCM for one utterance and plays it.
type Sink interface {
	Write(p []byte) (int, error)
	// Finish marks the end of the audio; Done closes once it has been played.
	Finish() error
	Done() <-chan struct{}
	Kill()
}

type SinkFunc func(ctx context.Context, format audio.Format) (Sink, error)

// SpeechOutput speaks through ElevenLabs websocket streaming. Each utterance
// opens its own connection and plays the returned PCM as it arrives.
type SpeechOutput struct {
	cfg         Config
	logger      *slog.Logger
	out         chan frames.Frame
	retryPolicy resilience.RetryPolicy
	newSink     SinkFunc

	mu      sync.Mutex
	current *utterance
	closed  bool
}

type utterance struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	conn   *websocket.Conn
	sink   Sink
	writes sync.Mutex
	once   sync.Once
}

func New(cfg Config) *SpeechOutput {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_turbo_v2_5"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.Similarity == 0 {
		cfg.Similarity = 0.8
	}
	return &SpeechOutput{
		cfg:         cfg,
		logger:      logging.NewComponentLogger(cfg.Logger, "elevenlabs_tts"),
		out:         make(chan frames.Frame, 16),
		retryPolicy: resilience.NewRetryPolicy(2, 200*time.Millisecond),
		newSink: func(ctx context.Context, format audio.Format) (Sink, error) {
			p, err := audio.StartPlayer(ctx, format)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
	}
}

// SetSink replaces how utterance audio is played.
func (s *SpeechOutput) SetSink(fn SinkFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newSink = fn
}

func (s *SpeechOutput) Name() string { return "elevenlabs_tts" }

func (s *SpeechOutput) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	_ = s.Cancel()
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errorsx.New(errorsx.ReasonConfigMissingCredential, "missing elevenlabs config")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	u := &utterance{id: uuid.NewString()}
	u.ctx, u.cancel = context.WithCancel(context.Background())

	conn, err := s.dial(ctx)
	if err != nil {
		u.cancel()
		return err
	}
	u.conn = conn

	s.mu.Lock()
	newSink := s.newSink
	s.mu.Unlock()
	sink, err := newSink(u.ctx, audio.Format{SampleRate: s.cfg.SampleRate, Channels: 1})
	if err != nil {
		u.cancel()
		_ = conn.Close()
		return errorsx.Wrap(err, errorsx.ReasonTTSSend)
	}
	u.sink = sink

	messages := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        s.cfg.Stability,
				"similarity_boost": s.cfg.Similarity,
			},
			"generation_config": map[string]any{
				"chunk_length_schedule": []int{120, 160, 250, 290},
			},
		},
		{"text": text + " ", "flush": true},
		{"text": ""},
	}
	for _, m := range messages {
		if err := u.send(m); err != nil {
			u.cancel()
			sink.Kill()
			_ = conn.Close()
			return errorsx.Wrap(err, errorsx.ReasonTTSSend)
		}
	}

	s.mu.Lock()
	s.current = u
	s.mu.Unlock()

	s.logger.Info("utterance_started",
		slog.String("utterance_id", u.id),
		slog.Int("chars", len(text)))
	go s.readLoop(u)
	return nil
}

// Cancel stops the current utterance, if any.
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

func (s *SpeechOutput) buildURL() string {
	base := strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input"
	q := url.Values{}
	q.Set("model_id", s.cfg.ModelID)
	q.Set("output_format", "pcm_"+strconv.Itoa(s.cfg.SampleRate))
	q.Set("optimize_streaming_latency", "3")
	return base + "?" + q.Encode()
}

func (s *SpeechOutput) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}
	header := http.Header{"xi-api-key": []string{s.cfg.APIKey}}
	var conn *websocket.Conn
	err := s.retryPolicy.Do(ctx, func(ctx context.Context) error {
		c, resp, err := dialer.DialContext(ctx, s.buildURL(), header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
				s.logger.Error("elevenlabs_rate_limited", slog.String("status", resp.Status))
				return resilience.RateLimitError{Provider: source, Message: resp.Status}
			}
			s.logger.Warn("elevenlabs_connect_failed", slog.String("error", err.Error()))
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	return conn, nil
}

func (s *SpeechOutput) readLoop(u *utterance) {
	for {
		_, data, err := u.conn.ReadMessage()
		if err != nil {
			if u.ctx.Err() != nil {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.logger.Error("tts read loop error",
					slog.String("utterance_id", u.id),
					slog.String("error", err.Error()))
			}
			break
		}
		if final := s.handleMessage(u, data); final {
			break
		}
	}

	_ = u.sink.Finish()
	select {
	case <-u.sink.Done():
		s.complete(u, false)
	case <-u.ctx.Done():
	}
}

type streamMessage struct {
	Audio       *string `json:"audio"`
	AudioBase64 *string `json:"audio_base_64"`
	IsFinal     *bool   `json:"isFinal"`
	Error       string  `json:"error"`
	Message     string  `json:"message"`
}

// handleMessage plays one server message and reports whether generation has ended.
func (s *SpeechOutput) handleMessage(u *utterance, data []byte) bool {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("tts websocket raw data", slog.Int("bytes", len(data)))
		return false
	}
	if msg.Error != "" {
		s.logger.Error("elevenlabs_error",
			slog.String("utterance_id", u.id),
			slog.String("error", msg.Error),
			slog.String("message", msg.Message))
		return true
	}
	payload := msg.Audio
	if payload == nil {
		payload = msg.AudioBase64
	}
	if payload != nil && *payload != "" {
		raw, err := base64.StdEncoding.DecodeString(*payload)
		if err != nil {
			s.logger.Error("tts audio decode error", slog.String("error", err.Error()))
		} else if _, err := u.sink.Write(raw); err != nil {
			s.logger.Warn("tts audio write failed",
				slog.String("utterance_id", u.id),
				slog.String("error", err.Error()))
		}
	}
	return msg.IsFinal != nil && *msg.IsFinal
}

// complete ends u exactly once and reports it on Results.
func (s *SpeechOutput) complete(u *utterance, cancelled bool) {
	u.once.Do(func() {
		u.cancel()
		if cancelled {
			u.sink.Kill()
		}
		u.writes.Lock()
		_ = u.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		u.writes.Unlock()
		_ = u.conn.Close()

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.current == u {
			s.current = nil
		}
		s.logger.Info("utterance_finished",
			slog.String("utterance_id", u.id),
			slog.Bool("cancelled", cancelled))
		if s.closed {
			return
		}
		select {
		case s.out <- frames.NewUtteranceEnd(u.id, source, cancelled):
		default:
			s.logger.Warn("tts output buffer full")
		}
	})
}

func (u *utterance) send(payload map[string]any) error {
	u.writes.Lock()
	defer u.writes.Unlock()
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return u.conn.WriteMessage(websocket.TextMessage, b)
}

var _ tts.SpeechOutput = (*SpeechOutput)(nil)
