// Package config loads environment variables and provides a typed Config used across the co-host.
// Defaults let the binary run locally with nothing but a trigger word; an optional YAML file
// (COHOST_CONFIG_FILE) carries the operator's persona settings, and env vars override both.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arulbarker/streammateseller/errs"
	"github.com/arulbarker/streammateseller/trigger"
)

// DefaultToxicWords is the banned-substring list used when none is configured.
var DefaultToxicWords = []string{
	"anjing", "tolol", "bangsat", "kontol", "memek", "goblok", "babi",
	"kampret", "tai", "bajingan", "pepek", "jancok", "asu",
}

// Supported reply languages.
const (
	LanguageIndonesian = "Indonesia"
	LanguageEnglish    = "English"
)

type Config struct {
	// Trigger and filter
	TriggerWords         []string
	LegacyTriggerWord    string
	ToxicWords           []string
	ViewerCooldown       time.Duration
	TopicCooldown        time.Duration
	TopicCooldownEnabled bool
	DailyLimit           int
	SimilarityThreshold  float64

	// Scheduler
	BatchSize    int
	MaxQueueSize int
	Cooldown     time.Duration
	FastCooldown time.Duration
	FailureDelay time.Duration
	FastMode     bool

	// Reply
	ReplyLanguage   string
	CustomContext   string
	CohostName      string
	MaxReplyChars   int
	MaxTTSChars     int
	MaxSentences    int
	ExternalTimeout time.Duration

	// Billing
	DebugMode      bool
	TTSRate        float64
	AIRate         float64
	STTRate        float64
	BillingAccount string
	// OpeningCredits seeds a billing account the first time it is created.
	OpeningCredits float64

	// Platform defaults used by AUTO_START and the control API
	Platform string
	StreamID string

	// Twitch
	TwitchBotUsername  string
	TwitchOAuthToken   string
	TwitchClientID     string
	TwitchClientSecret string

	// YouTube
	YTAPIKey       string
	YTClientID     string
	YTClientSecret string
	YTRefreshToken string

	// AI
	AIProvider    string
	GeminiAPIKey  string
	GeminiModels  []string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	// TTS
	TTSProvider     string
	TTSAPIKey       string
	TTSVoice        string
	TTSLanguageCode string
	TTSPlayer       string

	// Database (empty DSN disables persistence)
	DBDsn string

	HTTPAddr   string
	AutoStart  bool
	ConfigFile string
}

// fileConfig is the YAML overlay. Pointer fields distinguish "unset" from zero values.
type fileConfig struct {
	TriggerWords         []string `yaml:"trigger_words"`
	TriggerWord          *string  `yaml:"trigger_word"`
	ToxicWords           []string `yaml:"toxic_words"`
	ViewerCooldownSecs   *int     `yaml:"viewer_cooldown_seconds"`
	TopicCooldownSecs    *int     `yaml:"topic_cooldown_seconds"`
	TopicCooldownEnabled *bool    `yaml:"topic_cooldown_enabled"`
	DailyLimit           *int     `yaml:"daily_limit"`
	BatchSize            *int     `yaml:"batch_size"`
	MaxQueueSize         *int     `yaml:"max_queue_size"`
	FastMode             *bool    `yaml:"fast_mode"`
	ReplyLanguage        *string  `yaml:"reply_language"`
	CustomContext        *string  `yaml:"custom_context"`
	CohostName           *string  `yaml:"cohost_name"`
	TTSVoice             *string  `yaml:"tts_voice"`
	Platform             *string  `yaml:"platform"`
	StreamID             *string  `yaml:"stream_id"`
}

func defaults() *Config {
	return &Config{
		ToxicWords:           append([]string(nil), DefaultToxicWords...),
		ViewerCooldown:       180 * time.Second,
		TopicCooldown:        600 * time.Second,
		TopicCooldownEnabled: true,
		DailyLimit:           5,
		SimilarityThreshold:  0.75,
		BatchSize:            5,
		MaxQueueSize:         10,
		Cooldown:             3 * time.Second,
		FastCooldown:         1 * time.Second,
		FailureDelay:         500 * time.Millisecond,
		ReplyLanguage:        LanguageIndonesian,
		CohostName:           "Mate",
		MaxReplyChars:        250,
		MaxTTSChars:          800,
		MaxSentences:         2,
		ExternalTimeout:      30 * time.Second,
		TTSRate:              1.0,
		AIRate:               1.5,
		STTRate:              1.0,
		BillingAccount:       "default",
		Platform:             "twitch",
		AIProvider:           "gemini",
		GeminiModels:         []string{"gemini-2.5-flash", "gemini-2.0-flash", "gemini-2.0-flash-lite"},
		OpenAIBaseURL:        "https://api.deepseek.com/v1",
		OpenAIModel:          "deepseek-chat",
		TTSProvider:          "none",
		TTSVoice:             "id-ID-Standard-A",
		TTSLanguageCode:      "id-ID",
		TTSPlayer:            "ffplay",
		HTTPAddr:             ":8080",
	}
}

// Load reads the optional YAML file named by COHOST_CONFIG_FILE, then environment variables,
// and applies defaults. Missing credentials disable the matching adapter rather than failing;
// use Validate for structural checks.
func Load() (*Config, error) {
	cfg := defaults()

	cfg.ConfigFile = os.Getenv("COHOST_CONFIG_FILE")
	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Legacy single trigger migrates into the list when the list is empty.
	if len(cfg.TriggerWords) == 0 && strings.TrimSpace(cfg.LegacyTriggerWord) != "" {
		cfg.TriggerWords = []string{cfg.LegacyTriggerWord}
	}
	limited := trigger.Limit(cfg.TriggerWords)
	if len(limited) < len(cfg.TriggerWords) {
		slog.Warn("trigger words truncated", slog.Int("configured", len(cfg.TriggerWords)), slog.Int("max", trigger.MaxWords))
	}
	cfg.TriggerWords = limited

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	b, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if len(fc.TriggerWords) > 0 {
		c.TriggerWords = fc.TriggerWords
	}
	if fc.TriggerWord != nil {
		c.LegacyTriggerWord = *fc.TriggerWord
	}
	if len(fc.ToxicWords) > 0 {
		c.ToxicWords = fc.ToxicWords
	}
	if fc.ViewerCooldownSecs != nil {
		c.ViewerCooldown = time.Duration(*fc.ViewerCooldownSecs) * time.Second
	}
	if fc.TopicCooldownSecs != nil {
		c.TopicCooldown = time.Duration(*fc.TopicCooldownSecs) * time.Second
	}
	if fc.TopicCooldownEnabled != nil {
		c.TopicCooldownEnabled = *fc.TopicCooldownEnabled
	}
	if fc.DailyLimit != nil {
		c.DailyLimit = *fc.DailyLimit
	}
	if fc.BatchSize != nil {
		c.BatchSize = *fc.BatchSize
	}
	if fc.MaxQueueSize != nil {
		c.MaxQueueSize = *fc.MaxQueueSize
	}
	if fc.FastMode != nil {
		c.FastMode = *fc.FastMode
	}
	if fc.ReplyLanguage != nil {
		c.ReplyLanguage = *fc.ReplyLanguage
	}
	if fc.CustomContext != nil {
		c.CustomContext = *fc.CustomContext
	}
	if fc.CohostName != nil {
		c.CohostName = *fc.CohostName
	}
	if fc.TTSVoice != nil {
		c.TTSVoice = *fc.TTSVoice
	}
	if fc.Platform != nil {
		c.Platform = *fc.Platform
	}
	if fc.StreamID != nil {
		c.StreamID = *fc.StreamID
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("TRIGGER_WORDS"); v != "" {
		c.TriggerWords = splitList(v)
	}
	envString("TRIGGER_WORD", &c.LegacyTriggerWord)
	if v := os.Getenv("TOXIC_WORDS"); v != "" {
		c.ToxicWords = splitList(v)
	}

	var err error
	set := func(e error) {
		if err == nil {
			err = e
		}
	}
	set(envSeconds("VIEWER_COOLDOWN_SECONDS", &c.ViewerCooldown))
	set(envSeconds("TOPIC_COOLDOWN_SECONDS", &c.TopicCooldown))
	set(envBool("TOPIC_COOLDOWN_ENABLED", &c.TopicCooldownEnabled))
	set(envInt("DAILY_LIMIT", &c.DailyLimit))
	set(envFloat("SIMILARITY_THRESHOLD", &c.SimilarityThreshold))
	set(envInt("BATCH_SIZE", &c.BatchSize))
	set(envInt("MAX_QUEUE_SIZE", &c.MaxQueueSize))
	set(envSeconds("COOLDOWN_SECONDS", &c.Cooldown))
	set(envBool("FAST_MODE", &c.FastMode))
	if v := os.Getenv("FAILURE_DELAY_MS"); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil {
			set(fmt.Errorf("invalid FAILURE_DELAY_MS: %w", perr))
		} else {
			c.FailureDelay = time.Duration(n) * time.Millisecond
		}
	}

	envString("REPLY_LANGUAGE", &c.ReplyLanguage)
	envString("CUSTOM_CONTEXT", &c.CustomContext)
	envString("COHOST_NAME", &c.CohostName)
	set(envInt("MAX_REPLY_CHARS", &c.MaxReplyChars))
	set(envInt("MAX_TTS_CHARS", &c.MaxTTSChars))
	set(envInt("MAX_SENTENCES", &c.MaxSentences))
	set(envSeconds("EXTERNAL_TIMEOUT_SECONDS", &c.ExternalTimeout))

	set(envBool("DEBUG_MODE", &c.DebugMode))
	set(envFloat("TTS_RATE", &c.TTSRate))
	set(envFloat("AI_RATE", &c.AIRate))
	set(envFloat("STT_RATE", &c.STTRate))
	envString("BILLING_ACCOUNT", &c.BillingAccount)
	set(envFloat("OPENING_CREDITS", &c.OpeningCredits))

	envString("PLATFORM", &c.Platform)
	envString("STREAM_ID", &c.StreamID)

	envString("TWITCH_BOT_USERNAME", &c.TwitchBotUsername)
	envString("TWITCH_OAUTH_TOKEN", &c.TwitchOAuthToken)
	envString("TWITCH_CLIENT_ID", &c.TwitchClientID)
	envString("TWITCH_CLIENT_SECRET", &c.TwitchClientSecret)

	envString("YT_API_KEY", &c.YTAPIKey)
	envString("YT_CLIENT_ID", &c.YTClientID)
	envString("YT_CLIENT_SECRET", &c.YTClientSecret)
	envString("YT_REFRESH_TOKEN", &c.YTRefreshToken)

	envString("AI_PROVIDER", &c.AIProvider)
	envString("GEMINI_API_KEY", &c.GeminiAPIKey)
	if v := os.Getenv("GEMINI_MODELS"); v != "" {
		c.GeminiModels = splitList(v)
	}
	envString("OPENAI_API_KEY", &c.OpenAIAPIKey)
	envString("OPENAI_BASE_URL", &c.OpenAIBaseURL)
	envString("OPENAI_MODEL", &c.OpenAIModel)

	envString("TTS_PROVIDER", &c.TTSProvider)
	envString("GOOGLE_TTS_API_KEY", &c.TTSAPIKey)
	envString("TTS_VOICE", &c.TTSVoice)
	envString("TTS_LANGUAGE_CODE", &c.TTSLanguageCode)
	envString("TTS_PLAYER", &c.TTSPlayer)

	envString("DB_DSN", &c.DBDsn)
	envString("HTTP_ADDR", &c.HTTPAddr)
	set(envBool("AUTO_START", &c.AutoStart))
	return err
}

// BatchCooldown is the pause between batches, shortened in fast mode.
func (c *Config) BatchCooldown() time.Duration {
	if c.FastMode {
		return c.FastCooldown
	}
	return c.Cooldown
}

// Validate checks structural settings. Empty trigger words are reported by ValidateTriggers,
// since only starting a session requires them.
func (c *Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return errs.Configuration("BATCH_SIZE must be positive, got %d", c.BatchSize)
	case c.MaxQueueSize <= 0:
		return errs.Configuration("MAX_QUEUE_SIZE must be positive, got %d", c.MaxQueueSize)
	case c.DailyLimit <= 0:
		return errs.Configuration("DAILY_LIMIT must be positive, got %d", c.DailyLimit)
	case c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1:
		return errs.Configuration("SIMILARITY_THRESHOLD must be in (0,1], got %v", c.SimilarityThreshold)
	case c.ExternalTimeout <= 0:
		return errs.Configuration("EXTERNAL_TIMEOUT_SECONDS must be positive")
	case c.MaxReplyChars < 10 || c.MaxTTSChars < 60:
		return errs.Configuration("reply caps too small (reply=%d, tts=%d)", c.MaxReplyChars, c.MaxTTSChars)
	}
	if c.ReplyLanguage != LanguageIndonesian && c.ReplyLanguage != LanguageEnglish {
		return errs.Configuration("REPLY_LANGUAGE must be %q or %q, got %q", LanguageIndonesian, LanguageEnglish, c.ReplyLanguage)
	}
	return nil
}

// ValidateTriggers fails when no trigger word is configured.
func (c *Config) ValidateTriggers() error {
	if len(c.TriggerWords) == 0 {
		return errs.Configuration("at least one trigger word is required (TRIGGER_WORDS)")
	}
	return nil
}

// ValidateChatReady checks the credentials needed for an authenticated Twitch chat connection.
// Without them the Twitch source connects anonymously (read-only).
func (c *Config) ValidateChatReady() error {
	if c.TwitchBotUsername == "" || c.TwitchOAuthToken == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_BOT_USERNAME, TWITCH_OAUTH_TOKEN")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func envSeconds(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}
