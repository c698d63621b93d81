package parla

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Turn          TurnConfig          `mapstructure:"turn"`
	Persona       PersonaConfig       `mapstructure:"persona"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	// APIKey is the backend credential used when the llm settings carry none.
	APIKey string `mapstructure:"api_key"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TurnConfig struct {
	// TimeoutMS bounds one backend reply; zero waits indefinitely.
	TimeoutMS          int `mapstructure:"timeout_ms"`
	TranscriptLogLimit int `mapstructure:"transcript_log_limit"`
}

type PersonaConfig struct {
	Name         string `mapstructure:"name"`
	Greeting     string `mapstructure:"greeting"`
	NoGreeting   bool   `mapstructure:"no_greeting"`
	SystemPrompt string `mapstructure:"system_prompt"`
	Language     string `mapstructure:"language"`
}

type ObservabilityConfig struct {
	// MetricsPath, when set, appends every metrics event to a JSONL file.
	MetricsPath   string `mapstructure:"metrics_path"`
	MetricsBuffer int    `mapstructure:"metrics_buffer"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// LoadConfig reads path when it is not empty, applies defaults and the
// environment, and expands ${VAR} references. A missing backend credential
// is not an error here; the backend reports it.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("vendors.stt.provider", "console")
	v.SetDefault("vendors.tts.provider", "command")
	v.SetDefault("vendors.llm.provider", "gemini")
	v.SetDefault("turn.timeout_ms", 0)
	v.SetDefault("turn.transcript_log_limit", 120)
	v.SetDefault("persona.name", "Alex")
	v.SetDefault("persona.greeting", "")
	v.SetDefault("persona.no_greeting", false)
	v.SetDefault("persona.language", "en-US")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("observability.metrics_path", "")
	v.SetDefault("observability.metrics_buffer", 1024)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("api_key", "")
	if err := v.BindEnv("api_key", "API_KEY"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if c.Turn.TimeoutMS < 0 {
		return fmt.Errorf("turn.timeout_ms must not be negative, got %d", c.Turn.TimeoutMS)
	}
	if c.Observability.MetricsBuffer < 0 {
		return fmt.Errorf("observability.metrics_buffer must not be negative, got %d", c.Observability.MetricsBuffer)
	}
	return nil
}

// envRef matches only the braced form so prose such as "$5" survives.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandRefs(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return expandRefs(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(expandRefs(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
