package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arulbarker/streammateseller/errs"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("COHOST_CONFIG_FILE", "")
	t.Setenv("TRIGGER_WORDS", "")
	t.Setenv("TRIGGER_WORD", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ViewerCooldown != 180*time.Second {
		t.Errorf("ViewerCooldown = %v, want 180s", cfg.ViewerCooldown)
	}
	if cfg.TopicCooldown != 600*time.Second || !cfg.TopicCooldownEnabled {
		t.Errorf("topic cooldown defaults wrong: %v enabled=%v", cfg.TopicCooldown, cfg.TopicCooldownEnabled)
	}
	if cfg.DailyLimit != 5 || cfg.BatchSize != 5 || cfg.MaxQueueSize != 10 {
		t.Errorf("size defaults wrong: daily=%d batch=%d queue=%d", cfg.DailyLimit, cfg.BatchSize, cfg.MaxQueueSize)
	}
	if cfg.BatchCooldown() != 3*time.Second {
		t.Errorf("BatchCooldown = %v, want 3s", cfg.BatchCooldown())
	}
	if len(cfg.ToxicWords) != len(DefaultToxicWords) {
		t.Errorf("expected default toxic words, got %d", len(cfg.ToxicWords))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
	if err := cfg.ValidateTriggers(); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("expected configuration error for empty triggers, got %v", err)
	}
}

func TestFastModeCooldown(t *testing.T) {
	t.Setenv("FAST_MODE", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.BatchCooldown() != time.Second {
		t.Errorf("fast mode cooldown = %v, want 1s", cfg.BatchCooldown())
	}
}

func TestTriggerWordsTruncatedAndMigrated(t *testing.T) {
	t.Setenv("TRIGGER_WORDS", "Bang, bro,kak, min")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.TriggerWords) != 3 {
		t.Fatalf("expected 3 trigger words, got %v", cfg.TriggerWords)
	}
	if cfg.TriggerWords[0] != "bang" {
		t.Errorf("expected lowercased trigger, got %q", cfg.TriggerWords[0])
	}

	t.Setenv("TRIGGER_WORDS", "")
	t.Setenv("TRIGGER_WORD", "halo")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.TriggerWords) != 1 || cfg.TriggerWords[0] != "halo" {
		t.Errorf("legacy trigger not migrated: %v", cfg.TriggerWords)
	}
}

func TestInvalidEnv(t *testing.T) {
	t.Setenv("DAILY_LIMIT", "many")
	if _, err := Load(); err == nil {
		t.Error("expected error for non-numeric DAILY_LIMIT")
	}
}

func TestYAMLOverlayEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cohost.yaml")
	content := `
trigger_words: [bang, kak]
daily_limit: 3
custom_context: "jualan skincare"
reply_language: English
topic_cooldown_enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("COHOST_CONFIG_FILE", path)
	t.Setenv("DAILY_LIMIT", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.TriggerWords) != 2 {
		t.Errorf("TriggerWords = %v", cfg.TriggerWords)
	}
	if cfg.DailyLimit != 7 {
		t.Errorf("env should override file, got DailyLimit=%d", cfg.DailyLimit)
	}
	if cfg.CustomContext != "jualan skincare" || cfg.ReplyLanguage != LanguageEnglish {
		t.Errorf("file values not applied: %q %q", cfg.CustomContext, cfg.ReplyLanguage)
	}
	if cfg.TopicCooldownEnabled {
		t.Error("topic cooldown should be disabled by file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"batch size", func(c *Config) { c.BatchSize = 0 }},
		{"queue size", func(c *Config) { c.MaxQueueSize = -1 }},
		{"similarity", func(c *Config) { c.SimilarityThreshold = 1.5 }},
		{"language", func(c *Config) { c.ReplyLanguage = "Klingon" }},
		{"timeout", func(c *Config) { c.ExternalTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, errs.ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestValidateChatReady(t *testing.T) {
	cfg := defaults()
	if err := cfg.ValidateChatReady(); err == nil {
		t.Error("expected error without twitch credentials")
	}
	cfg.TwitchBotUsername = "bot"
	cfg.TwitchOAuthToken = "oauth:token"
	if err := cfg.ValidateChatReady(); err != nil {
		t.Errorf("expected valid chat config, got %v", err)
	}
}
