// Package gemini implements the conversation backend on Google's generative
// language API, keeping one chat session for the whole conversation.
package gemini

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/harunnryd/parla/pkg/errorsx"
	"github.com/harunnryd/parla/pkg/llm"
	"github.com/harunnryd/parla/pkg/logging"
	"github.com/harunnryd/parla/pkg/resilience"
)

const (
	DefaultModel = "gemini-2.5-flash"

	MissingKeyMessage = "API key for Google GenAI is not set. Please set the API_KEY environment variable."

	DefaultSystemPrompt = "You are Alex, a friendly and patient English tutor. " +
		"Keep the conversation going with short, natural replies of one to three sentences. " +
		"Gently correct important grammar or vocabulary mistakes, then ask a follow-up question. " +
		"Do not use markdown, lists or emoji; your replies are read aloud."
)

type Config struct {
	APIKey       string
	Model        string
	SystemPrompt string
	Temperature  float32
	Logger       *slog.Logger
}

// Backend is an llm.Backend over a genai chat session. A missing API key is
// a configuration error: Err reports it and every Send is refused.
type Backend struct {
	cfg    Config
	logger *slog.Logger
	cfgErr error

	mu     sync.Mutex
	client *genai.Client
	chat   *genai.ChatSession
}

func New(cfg Config) *Backend {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	b := &Backend{cfg: cfg, logger: logging.NewComponentLogger(cfg.Logger, "gemini_llm")}
	if strings.TrimSpace(cfg.APIKey) == "" {
		b.cfgErr = errorsx.New(errorsx.ReasonConfigMissingCredential, MissingKeyMessage)
	}
	return b
}

func (b *Backend) Name() string { return "gemini" }

func (b *Backend) Err() error { return b.cfgErr }

func (b *Backend) Send(ctx context.Context, text string) (*llm.Stream, error) {
	if b.cfgErr != nil {
		return nil, b.cfgErr
	}
	chat, err := b.session(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	it := chat.SendMessageStream(ctx, genai.Text(text))
	// The request is made on the first Next; failing there is a refusal.
	first, err := it.Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		cancel()
		b.logger.Warn("gemini_send_refused", slog.String("error", err.Error()))
		return nil, classify(err, errorsx.ReasonLLMRefusal)
	}
	if errors.Is(err, iterator.Done) {
		first = nil
	}
	return b.stream(ctx, cancel, first, it), nil
}

// Close releases the underlying client.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chat = nil
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

// session returns the chat session, creating the client and session when absent.
func (b *Backend) session(ctx context.Context) (*genai.ChatSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chat != nil {
		return b.chat, nil
	}
	if b.client == nil {
		client, err := genai.NewClient(ctx, option.WithAPIKey(b.cfg.APIKey))
		if err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonLLMRefusal)
		}
		b.client = client
	}
	model := b.client.GenerativeModel(b.cfg.Model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(b.cfg.SystemPrompt)},
	}
	if b.cfg.Temperature > 0 {
		model.SetTemperature(b.cfg.Temperature)
	}
	b.chat = model.StartChat()
	b.logger.Info("chat_session_started", slog.String("model", b.cfg.Model))
	return b.chat, nil
}

type responseIterator interface {
	Next() (*genai.GenerateContentResponse, error)
}

func (b *Backend) stream(ctx context.Context, cancel context.CancelFunc, first *genai.GenerateContentResponse, it responseIterator) *llm.Stream {
	out := make(chan llm.Fragment)
	go func() {
		defer close(out)
		defer cancel()
		if first == nil || !emitText(ctx, out, first) {
			return
		}
		for {
			resp, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Error("gemini_stream_error", slog.String("error", err.Error()))
				}
				llm.Emit(ctx, out, llm.Fragment{Err: classify(err, errorsx.ReasonLLMStream)})
				return
			}
			if !emitText(ctx, out, resp) {
				return
			}
		}
	}()
	return llm.NewStream(out, cancel)
}

func emitText(ctx context.Context, out chan<- llm.Fragment, resp *genai.GenerateContentResponse) bool {
	text := responseText(resp)
	if text == "" {
		return true
	}
	return llm.Emit(ctx, out, llm.Fragment{Text: text})
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}

// classify tags quota errors as rate limits so the circuit breaker can see them.
func classify(err error, reason errorsx.ReasonCode) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return errorsx.Wrap(resilience.RateLimitError{Provider: "gemini", Message: apiErr.Message}, errorsx.ReasonLLMRateLimit)
	}
	if strings.Contains(err.Error(), "RESOURCE_EXHAUSTED") {
		return errorsx.Wrap(resilience.RateLimitError{Provider: "gemini", Message: err.Error()}, errorsx.ReasonLLMRateLimit)
	}
	return errorsx.Wrap(err, reason)
}

var _ llm.Backend = (*Backend)(nil)
