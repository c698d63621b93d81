package parla

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/parla/pkg/adapters/stt"
	"github.com/harunnryd/parla/pkg/adapters/tts"
	"github.com/harunnryd/parla/pkg/llm"
)

type InputFactory func(cfg Config, logger *slog.Logger) (stt.SpeechInput, error)
type OutputFactory func(cfg Config, logger *slog.Logger) (tts.SpeechOutput, error)
type BackendFactory func(cfg Config, logger *slog.Logger) (llm.Backend, error)

// ProviderRegistry maps vendor provider names to capability factories.
type ProviderRegistry struct {
	stt map[string]InputFactory
	tts map[string]OutputFactory
	llm map[string]BackendFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]InputFactory),
		tts: make(map[string]OutputFactory),
		llm: make(map[string]BackendFactory),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, factory InputFactory) {
	r.stt[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory OutputFactory) {
	r.tts[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory BackendFactory) {
	r.llm[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildInput(cfg Config, logger *slog.Logger) (stt.SpeechInput, error) {
	fn := r.stt[providerKey(cfg.Vendors.STT.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", cfg.Vendors.STT.Provider)
	}
	return fn(cfg, logger)
}

func (r *ProviderRegistry) BuildOutput(cfg Config, logger *slog.Logger) (tts.SpeechOutput, error) {
	fn := r.tts[providerKey(cfg.Vendors.TTS.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", cfg.Vendors.TTS.Provider)
	}
	return fn(cfg, logger)
}

func (r *ProviderRegistry) BuildBackend(cfg Config, logger *slog.Logger) (llm.Backend, error) {
	fn := r.llm[providerKey(cfg.Vendors.LLM.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", cfg.Vendors.LLM.Provider)
	}
	return fn(cfg, logger)
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
