package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/parla/pkg/errorsx"
	"github.com/harunnryd/parla/pkg/llm"
	"github.com/harunnryd/parla/pkg/logging"
	"github.com/harunnryd/parla/pkg/resilience"
)

const MissingKeyMessage = "API key for OpenAI is not set. Please set the API_KEY environment variable."

type Config struct {
	APIKey       string
	Model        string
	BaseURL      string
	SystemPrompt string
	Client       *http.Client
	Logger       *slog.Logger
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Adapter is an llm.Backend over chat completions streaming. The message
// history it keeps is the chat session.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	history []message
}

func NewAdapter(cfg Config) *Adapter {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Adapter{cfg: cfg, logger: logging.NewComponentLogger(cfg.Logger, "openai_llm")}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Err() error {
	if strings.TrimSpace(a.cfg.APIKey) == "" {
		return errorsx.New(errorsx.ReasonConfigMissingCredential, MissingKeyMessage)
	}
	return nil
}

// Reset forgets the conversation so far.
func (a *Adapter) Reset() {
	a.mu.Lock()
	a.history = nil
	a.mu.Unlock()
}

func (a *Adapter) Send(ctx context.Context, text string) (*llm.Stream, error) {
	if err := a.Err(); err != nil {
		return nil, err
	}
	user := message{Role: "user", Content: text}
	body, err := a.buildRequest(user)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonLLMRefusal)
	}
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", body)
	if err != nil {
		cancel()
		return nil, errorsx.Wrap(err, errorsx.ReasonLLMRefusal)
	}
	a.applyHeaders(req)
	resp, err := a.cfg.Client.Do(req)
	if err != nil {
		cancel()
		return nil, errorsx.Wrap(err, errorsx.ReasonLLMRefusal)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, errorsx.Wrap(resilience.RateLimitError{Provider: "openai", Message: string(b)}, errorsx.ReasonLLMRateLimit)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, errorsx.Newf(errorsx.ReasonLLMRefusal, "openai: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	out := make(chan llm.Fragment)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		var reply strings.Builder
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				a.remember(user, reply.String())
				return
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Error != nil {
				llm.Emit(ctx, out, llm.Fragment{Err: errors.New(chunk.Error.Message)})
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				reply.WriteString(text)
				if !llm.Emit(ctx, out, llm.Fragment{Text: text}) {
					return
				}
			}
		}
		err := scanner.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		if ctx.Err() == nil {
			a.logger.Error("openai_stream_error", slog.String("error", err.Error()))
		}
		llm.Emit(ctx, out, llm.Fragment{Err: err})
	}()
	return llm.NewStream(out, cancel), nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) remember(user message, reply string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, user, message{Role: "assistant", Content: reply})
}

func (a *Adapter) buildRequest(user message) (*bytes.Buffer, error) {
	a.mu.Lock()
	messages := make([]message, 0, len(a.history)+2)
	if a.cfg.SystemPrompt != "" {
		messages = append(messages, message{Role: "system", Content: a.cfg.SystemPrompt})
	}
	messages = append(messages, a.history...)
	a.mu.Unlock()
	messages = append(messages, user)

	req := map[string]any{
		"model":    a.cfg.Model,
		"stream":   true,
		"messages": messages,
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func (a *Adapter) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
}

var _ llm.Backend = (*Adapter)(nil)
