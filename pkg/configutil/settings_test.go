package configutil

import (
	"errors"
	"testing"
	"time"
)

type voiceSettings struct {
	APIKey  string        `mapstructure:"api_key"`
	VoiceID string        `mapstructure:"voice_id"`
	Rate    int           `mapstructure:"sample_rate"`
	Cutoff  time.Duration `mapstructure:"cutoff"`
	Enabled *bool         `mapstructure:"enabled"`
}

func TestDecodeSettingsWeakTypes(t *testing.T) {
	var out voiceSettings
	err := DecodeSettings(map[string]any{
		"API-KEY":     "k",
		"voiceId":     "alex",
		"sample_rate": "16000",
		"cutoff":      "1500ms",
		"enabled":     "true",
	}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "k" || out.VoiceID != "alex" || out.Rate != 16000 {
		t.Fatalf("unexpected decode %+v", out)
	}
	if out.Cutoff != 1500*time.Millisecond {
		t.Fatalf("unexpected duration %v", out.Cutoff)
	}
	if !BoolValue(out.Enabled, false) {
		t.Fatalf("expected enabled")
	}
}

func TestValidateSettingsReportsMissingAndUnknown(t *testing.T) {
	err := ValidateSettings("vendors.tts.settings", map[string]any{
		"api_key": " ",
		"colour":  "blue",
	}, Schema{Required: []string{"api_key", "voice_id"}, Optional: []string{"model_id"}})
	var serr *SettingsError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SettingsError, got %v", err)
	}
	if len(serr.Missing) != 2 || serr.Missing[0] != "api_key" || serr.Missing[1] != "voice_id" {
		t.Fatalf("unexpected missing %v", serr.Missing)
	}
	if len(serr.Unknown) != 1 || serr.Unknown[0] != "colour" {
		t.Fatalf("unexpected unknown %v", serr.Unknown)
	}
}

func TestValidateSettingsAccepts(t *testing.T) {
	err := ValidateSettings("", map[string]any{"API_KEY": "k", "model-id": "m"},
		Schema{Required: []string{"api_key"}, Optional: []string{"model_id"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHelpers(t *testing.T) {
	if StringValue("  ", "fallback") != "fallback" {
		t.Fatalf("expected fallback")
	}
	if Millis(-5) != 0 || Millis(250) != 250*time.Millisecond {
		t.Fatalf("unexpected Millis conversion")
	}
	if err := RequireString("", "persona.name"); err == nil {
		t.Fatalf("expected error for empty value")
	}
}
