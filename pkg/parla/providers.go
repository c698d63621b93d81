package parla

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/parla/pkg/adapters/stt"
	"github.com/harunnryd/parla/pkg/adapters/tts"
	"github.com/harunnryd/parla/pkg/audio"
	"github.com/harunnryd/parla/pkg/configutil"
	"github.com/harunnryd/parla/pkg/llm"
	"github.com/harunnryd/parla/pkg/providers/command"
	"github.com/harunnryd/parla/pkg/providers/console"
	"github.com/harunnryd/parla/pkg/providers/deepgram"
	"github.com/harunnryd/parla/pkg/providers/elevenlabs"
	"github.com/harunnryd/parla/pkg/providers/gemini"
	"github.com/harunnryd/parla/pkg/providers/mock"
	"github.com/harunnryd/parla/pkg/providers/openai"
	"github.com/harunnryd/parla/pkg/resilience"
)

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        *bool  `mapstructure:"interim"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
}

type unsupportedSettings struct {
	Reason string `mapstructure:"reason"`
}

type mockSTTSettings struct {
	Script []struct {
		Transcript string `mapstructure:"transcript"`
		Error      string `mapstructure:"error"`
	} `mapstructure:"script"`
	AutoEmit *bool `mapstructure:"auto_emit"`
}

type elevenlabsSettings struct {
	APIKey     string  `mapstructure:"api_key"`
	VoiceID    string  `mapstructure:"voice_id"`
	ModelID    string  `mapstructure:"model_id"`
	SampleRate int     `mapstructure:"sample_rate"`
	BaseURL    string  `mapstructure:"base_url"`
	Stability  float64 `mapstructure:"stability"`
	Similarity float64 `mapstructure:"similarity"`
}

type commandSettings struct {
	Command []string `mapstructure:"command"`
	Voice   string   `mapstructure:"voice"`
	Rate    int      `mapstructure:"rate"`
}

type mockTTSSettings struct {
	AutoComplete *bool `mapstructure:"auto_complete"`
	UtteranceMS  int   `mapstructure:"utterance_ms"`
}

// CircuitSettings configures the rate-limit circuit around a backend.
type CircuitSettings struct {
	UseCircuitBreaker *bool `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int   `mapstructure:"circuit_threshold"`
	CircuitCooldownMs int   `mapstructure:"circuit_cooldown_ms"`
}

type geminiSettings struct {
	APIKey          string  `mapstructure:"api_key"`
	Model           string  `mapstructure:"model"`
	Temperature     float32 `mapstructure:"temperature"`
	CircuitSettings `mapstructure:",squash"`
}

type openAISettings struct {
	APIKey          string `mapstructure:"api_key"`
	Model           string `mapstructure:"model"`
	BaseURL         string `mapstructure:"base_url"`
	CircuitSettings `mapstructure:",squash"`
}

type mockLLMSettings struct {
	Replies         [][]string `mapstructure:"replies"`
	Refuse          string     `mapstructure:"refuse"`
	StreamError     string     `mapstructure:"stream_error"`
	FailAfter       int        `mapstructure:"fail_after"`
	FragmentDelayMS int        `mapstructure:"fragment_delay_ms"`
}

var breakerKeys = []string{"use_circuit_breaker", "circuit_threshold", "circuit_cooldown_ms"}

// DefaultProviders returns a registry with every built-in provider.
func DefaultProviders() *ProviderRegistry {
	reg := NewProviderRegistry()
	registerInputs(reg)
	registerOutputs(reg)
	registerBackends(reg)
	return reg
}

func registerInputs(reg *ProviderRegistry) {
	reg.RegisterSTT("deepgram", func(cfg Config, logger *slog.Logger) (stt.SpeechInput, error) {
		if err := configutil.ValidateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Optional: []string{"api_key", "model", "language", "sample_rate", "encoding", "interim", "utterance_end_ms"},
		}); err != nil {
			return nil, err
		}
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if settings.Encoding != "" && !strings.EqualFold(settings.Encoding, "linear16") {
			return nil, fmt.Errorf("vendors.stt.settings.encoding must be linear16, got %s", settings.Encoding)
		}
		utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
		if utteranceEnd < 0 || utteranceEnd > 5000 {
			return nil, fmt.Errorf("vendors.stt.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
		}
		if !audio.RecorderAvailable() {
			return stt.NewUnsupported(audio.ErrNoRecorder.Error()), nil
		}
		return deepgram.New(deepgram.Config{
			APIKey:         settings.APIKey,
			Model:          settings.Model,
			Language:       configutil.StringValue(settings.Language, cfg.Persona.Language),
			SampleRate:     settings.SampleRate,
			Encoding:       settings.Encoding,
			Interim:        configutil.BoolValue(settings.Interim, true),
			UtteranceEndMS: utteranceEnd,
			Logger:         logger,
		}), nil
	})

	reg.RegisterSTT("console", func(cfg Config, logger *slog.Logger) (stt.SpeechInput, error) {
		return console.New(logger), nil
	})

	reg.RegisterSTT("unsupported", func(cfg Config, logger *slog.Logger) (stt.SpeechInput, error) {
		var settings unsupportedSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		return stt.NewUnsupported(settings.Reason), nil
	})

	reg.RegisterSTT("mock", func(cfg Config, logger *slog.Logger) (stt.SpeechInput, error) {
		if err := configutil.ValidateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Optional: []string{"script", "auto_emit"},
		}); err != nil {
			return nil, err
		}
		var settings mockSTTSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		script := make([]mock.Outcome, 0, len(settings.Script))
		for _, s := range settings.Script {
			script = append(script, mock.Outcome{Transcript: s.Transcript, Err: s.Error})
		}
		return mock.NewSTT(mock.STTConfig{
			Script:   script,
			AutoEmit: configutil.BoolValue(settings.AutoEmit, len(script) > 0),
		}), nil
	})
}

func registerOutputs(reg *ProviderRegistry) {
	reg.RegisterTTS("elevenlabs", func(cfg Config, logger *slog.Logger) (tts.SpeechOutput, error) {
		if err := configutil.ValidateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Required: []string{"api_key", "voice_id"},
			Optional: []string{"model_id", "sample_rate", "base_url", "stability", "similarity"},
		}); err != nil {
			return nil, err
		}
		var settings elevenlabsSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		return elevenlabs.New(elevenlabs.Config{
			APIKey:     settings.APIKey,
			VoiceID:    settings.VoiceID,
			ModelID:    settings.ModelID,
			SampleRate: settings.SampleRate,
			BaseURL:    settings.BaseURL,
			Stability:  settings.Stability,
			Similarity: settings.Similarity,
			Logger:     logger,
		}), nil
	})

	reg.RegisterTTS("command", func(cfg Config, logger *slog.Logger) (tts.SpeechOutput, error) {
		if err := configutil.ValidateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Optional: []string{"command", "voice", "rate"},
		}); err != nil {
			return nil, err
		}
		var settings commandSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		out, err := command.New(command.Config{
			Command: settings.Command,
			Voice:   settings.Voice,
			Rate:    settings.Rate,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	})

	reg.RegisterTTS("mock", func(cfg Config, logger *slog.Logger) (tts.SpeechOutput, error) {
		if err := configutil.ValidateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Optional: []string{"auto_complete", "utterance_ms"},
		}); err != nil {
			return nil, err
		}
		var settings mockTTSSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewTTS(mock.TTSConfig{
			AutoComplete:      configutil.BoolValue(settings.AutoComplete, true),
			UtteranceDuration: configutil.Millis(settings.UtteranceMS),
		}), nil
	})
}

func registerBackends(reg *ProviderRegistry) {
	reg.RegisterLLM("gemini", func(cfg Config, logger *slog.Logger) (llm.Backend, error) {
		if err := configutil.ValidateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Optional: append([]string{"api_key", "model", "temperature"}, breakerKeys...),
		}); err != nil {
			return nil, err
		}
		var settings geminiSettings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		backend := gemini.New(gemini.Config{
			APIKey:       configutil.StringValue(settings.APIKey, cfg.APIKey),
			Model:        settings.Model,
			SystemPrompt: SystemPrompt(cfg.Persona),
			Temperature:  settings.Temperature,
			Logger:       logger,
		})
		return withBreaker(backend, settings.CircuitSettings), nil
	})

	reg.RegisterLLM("openai", func(cfg Config, logger *slog.Logger) (llm.Backend, error) {
		if err := configutil.ValidateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Optional: append([]string{"api_key", "model", "base_url"}, breakerKeys...),
		}); err != nil {
			return nil, err
		}
		var settings openAISettings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		backend := openai.NewAdapter(openai.Config{
			APIKey:       configutil.StringValue(settings.APIKey, cfg.APIKey),
			Model:        settings.Model,
			BaseURL:      settings.BaseURL,
			SystemPrompt: SystemPrompt(cfg.Persona),
			Logger:       logger,
		})
		return withBreaker(backend, settings.CircuitSettings), nil
	})

	reg.RegisterLLM("mock", func(cfg Config, logger *slog.Logger) (llm.Backend, error) {
		if err := configutil.ValidateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Optional: []string{"replies", "refuse", "stream_error", "fail_after", "fragment_delay_ms"},
		}); err != nil {
			return nil, err
		}
		var settings mockLLMSettings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		mcfg := mock.LLMConfig{
			Replies:       settings.Replies,
			FailAfter:     settings.FailAfter,
			FragmentDelay: configutil.Millis(settings.FragmentDelayMS),
		}
		if settings.Refuse != "" {
			mcfg.RefuseErr = errors.New(settings.Refuse)
		}
		if settings.StreamError != "" {
			mcfg.StreamErr = errors.New(settings.StreamError)
		}
		return mock.NewBackend(mcfg), nil
	})
}

func withBreaker(backend llm.Backend, settings CircuitSettings) llm.Backend {
	if !configutil.BoolValue(settings.UseCircuitBreaker, true) {
		return backend
	}
	threshold := settings.CircuitThreshold
	if threshold == 0 {
		threshold = 3
	}
	cooldown := settings.CircuitCooldownMs
	if cooldown == 0 {
		cooldown = 30000
	}
	breaker := resilience.NewCircuitBreaker(threshold, time.Duration(cooldown)*time.Millisecond)
	return llm.NewCircuitBreakerBackend(backend, breaker)
}

// SystemPrompt returns the persona's prompt, or the default tutor prompt
// addressed by the persona's name.
func SystemPrompt(p PersonaConfig) string {
	if strings.TrimSpace(p.SystemPrompt) != "" {
		return p.SystemPrompt
	}
	name := strings.TrimSpace(p.Name)
	if name == "" || name == "Alex" {
		return gemini.DefaultSystemPrompt
	}
	return strings.Replace(gemini.DefaultSystemPrompt, "You are Alex,", "You are "+name+",", 1)
}
