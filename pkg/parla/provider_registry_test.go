package parla

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/harunnryd/parla/pkg/adapters/stt"
	"github.com/harunnryd/parla/pkg/errorsx"
	"github.com/harunnryd/parla/pkg/llm"
	"github.com/harunnryd/parla/pkg/providers/console"
	"github.com/harunnryd/parla/pkg/providers/mock"
)

func TestRegistryLookupIsCaseInsensitive(t *testing.T) {
	reg := NewProviderRegistry()
	reg.RegisterLLM(" Mock ", func(cfg Config, logger *slog.Logger) (llm.Backend, error) {
		return mock.NewBackend(mock.LLMConfig{}), nil
	})
	cfg := Config{Vendors: VendorsConfig{LLM: VendorConfig{Provider: "MOCK"}}}
	if _, err := reg.BuildBackend(cfg, nil); err != nil {
		t.Fatalf("build: %v", err)
	}
	cfg.Vendors.LLM.Provider = "other"
	if _, err := reg.BuildBackend(cfg, nil); err == nil || !strings.Contains(err.Error(), "not registered") {
		t.Fatalf("expected not registered error, got %v", err)
	}
}

func TestDefaultProvidersInputs(t *testing.T) {
	reg := DefaultProviders()

	in, err := reg.BuildInput(Config{Vendors: VendorsConfig{STT: VendorConfig{Provider: "console"}}}, nil)
	if err != nil {
		t.Fatalf("console: %v", err)
	}
	if _, ok := in.(*console.SpeechInput); !ok {
		t.Fatalf("expected console input, got %T", in)
	}

	in, err = reg.BuildInput(Config{Vendors: VendorsConfig{STT: VendorConfig{
		Provider: "unsupported",
		Settings: map[string]any{"reason": "no microphone"},
	}}}, nil)
	if err != nil {
		t.Fatalf("unsupported: %v", err)
	}
	if stt.IsSupported(in) {
		t.Fatalf("expected unsupported input")
	}
	if err := in.Start(context.Background()); !errors.Is(err, stt.ErrUnsupported) {
		t.Fatalf("expected unsupported start error, got %v", err)
	}

	_, err = reg.BuildInput(Config{Vendors: VendorsConfig{STT: VendorConfig{
		Provider: "mock",
		Settings: map[string]any{"transcrpt": "typo"},
	}}}, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown") {
		t.Fatalf("expected unknown settings key error, got %v", err)
	}
}

func TestDeepgramRejectsBadEncoding(t *testing.T) {
	_, err := DefaultProviders().BuildInput(Config{Vendors: VendorsConfig{STT: VendorConfig{
		Provider: "deepgram",
		Settings: map[string]any{"encoding": "mulaw"},
	}}}, nil)
	if err == nil || !strings.Contains(err.Error(), "linear16") {
		t.Fatalf("expected encoding error, got %v", err)
	}
}

func TestElevenlabsRequiresVoice(t *testing.T) {
	_, err := DefaultProviders().BuildOutput(Config{Vendors: VendorsConfig{TTS: VendorConfig{
		Provider: "elevenlabs",
		Settings: map[string]any{"api_key": "key"},
	}}}, nil)
	if err == nil || !strings.Contains(err.Error(), "voice_id") {
		t.Fatalf("expected missing voice_id error, got %v", err)
	}
}

func TestBackendsUseSharedAPIKey(t *testing.T) {
	reg := DefaultProviders()
	for _, provider := range []string{"gemini", "openai"} {
		cfg := Config{APIKey: "from-env", Vendors: VendorsConfig{LLM: VendorConfig{Provider: provider}}}
		b, err := reg.BuildBackend(cfg, nil)
		if err != nil {
			t.Fatalf("%s: %v", provider, err)
		}
		if err := b.Err(); err != nil {
			t.Fatalf("%s: expected no configuration error, got %v", provider, err)
		}
		if _, ok := b.(*llm.CircuitBreakerBackend); !ok {
			t.Fatalf("%s: expected circuit breaker wrapper, got %T", provider, b)
		}

		cfg.APIKey = ""
		b, err = reg.BuildBackend(cfg, nil)
		if err != nil {
			t.Fatalf("%s: missing key must not fail construction: %v", provider, err)
		}
		if !errorsx.HasReason(b.Err(), errorsx.ReasonConfigMissingCredential) {
			t.Fatalf("%s: expected missing credential, got %v", provider, b.Err())
		}
	}
}

func TestBreakerCanBeDisabled(t *testing.T) {
	cfg := Config{APIKey: "k", Vendors: VendorsConfig{LLM: VendorConfig{
		Provider: "openai",
		Settings: map[string]any{"use_circuit_breaker": false},
	}}}
	b, err := DefaultProviders().BuildBackend(cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := b.(*llm.CircuitBreakerBackend); ok {
		t.Fatalf("expected unwrapped backend")
	}
}

func TestMockBackendFromSettings(t *testing.T) {
	cfg := Config{Vendors: VendorsConfig{LLM: VendorConfig{
		Provider: "mock",
		Settings: map[string]any{"refuse": "quota"},
	}}}
	b, err := DefaultProviders().BuildBackend(cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := b.Send(context.Background(), "hi"); err == nil || err.Error() != "quota" {
		t.Fatalf("expected scripted refusal, got %v", err)
	}
}

func TestSystemPromptUsesPersonaName(t *testing.T) {
	if got := SystemPrompt(PersonaConfig{SystemPrompt: "Be brief."}); got != "Be brief." {
		t.Fatalf("expected explicit prompt, got %q", got)
	}
	if got := SystemPrompt(PersonaConfig{Name: "Sam"}); !strings.HasPrefix(got, "You are Sam,") {
		t.Fatalf("expected persona name in prompt, got %q", got)
	}
}
