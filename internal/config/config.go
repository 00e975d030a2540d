package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	SessionCookieName   string
	SessionCookieTTL    time.Duration
	SessionCookieSecure bool
	SessionMaxTurns     int
	SessionIdleTTL      time.Duration
	SessionStore        string
	SessionTurnRate     float64
	SessionTurnBurst    int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	UpstreamTimeout time.Duration

	BrainProvider     string
	BrainSystemPrompt string
	BrainHTTPURL      string
	BrainHTTPStrict   bool

	GeminiAPIKey string
	GeminiModel  string

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIChatModel string
	OpenAISTTModel  string
	OpenAITTSModel  string

	VoiceProvider        string
	VoiceDefaultLanguage string
	VoiceMap             string

	ElevenLabsAPIKey          string
	ElevenLabsWSBaseURL       string
	ElevenLabsTTSModel        string
	ElevenLabsTTSOutputFormat string
	ElevenLabsVoiceMap        string

	DatabaseURL string
}

const defaultSystemPrompt = "You are a friendly voice assistant. Keep replies short and conversational."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "parlance"),
		LogLevel:             strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(envOrDefault("APP_LOG_FORMAT", "text")),
		SessionCookieName:    envOrDefault("SESSION_COOKIE_NAME", "parlance_session"),
		SessionStore:         strings.ToLower(envOrDefault("SESSION_STORE", "memory")),
		RedisAddr:            stringsTrimSpace("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisPrefix:          envOrDefault("REDIS_PREFIX", "parlance:transcript:"),
		BrainProvider:        strings.ToLower(envOrDefault("BRAIN_PROVIDER", "auto")),
		BrainSystemPrompt:    envOrDefault("BRAIN_SYSTEM_PROMPT", defaultSystemPrompt),
		BrainHTTPURL:         stringsTrimSpace("BRAIN_HTTP_URL"),
		GeminiAPIKey:         stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:          envOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		OpenAIAPIKey:         stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:        stringsTrimSpace("OPENAI_BASE_URL"),
		OpenAIChatModel:      envOrDefault("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
		OpenAISTTModel:       envOrDefault("OPENAI_STT_MODEL", "whisper-1"),
		OpenAITTSModel:       envOrDefault("OPENAI_TTS_MODEL", "tts-1"),
		VoiceProvider:        strings.ToLower(envOrDefault("VOICE_PROVIDER", "auto")),
		VoiceDefaultLanguage: envOrDefault("VOICE_DEFAULT_LANGUAGE", "en-US"),
		VoiceMap:             envOrDefault("VOICE_MAP", "en=alloy,es=nova,fr=shimmer,de=onyx,it=fable,*=alloy"),
		ElevenLabsAPIKey:     stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL:  envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsTTSModel:   envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		// Browsers play mp3 directly; pcm_* formats are wrapped as WAV before returning.
		ElevenLabsTTSOutputFormat: envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "mp3_44100_128"),
		ElevenLabsVoiceMap:        envOrDefault("ELEVENLABS_VOICE_MAP", "*=cgSgspJ2msm6clMCkdW9"),
		DatabaseURL:               stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:           15 * time.Second,
		SessionCookieTTL:          24 * time.Hour,
		SessionMaxTurns:           20,
		SessionTurnRate:           1,
		SessionTurnBurst:          5,
		UpstreamTimeout:           60 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionCookieTTL, err = durationFromEnv("SESSION_COOKIE_TTL", cfg.SessionCookieTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTTL, err = durationFromEnv("SESSION_IDLE_TTL", cfg.SessionIdleTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamTimeout, err = durationFromEnv("UPSTREAM_TIMEOUT", cfg.UpstreamTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionCookieSecure, err = boolFromEnv("SESSION_COOKIE_SECURE", cfg.SessionCookieSecure)
	if err != nil {
		return Config{}, err
	}
	cfg.BrainHTTPStrict, err = boolFromEnv("BRAIN_HTTP_STRICT", cfg.BrainHTTPStrict)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMaxTurns, err = intFromEnv("SESSION_MAX_TURNS", cfg.SessionMaxTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTurnBurst, err = intFromEnv("SESSION_TURN_BURST", cfg.SessionTurnBurst)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTurnRate, err = floatFromEnv("SESSION_TURN_RATE", cfg.SessionTurnRate)
	if err != nil {
		return Config{}, err
	}
	cfg.RedisDB, err = intFromEnv("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionMaxTurns < 2 {
		return Config{}, fmt.Errorf("SESSION_MAX_TURNS must be at least 2")
	}
	if cfg.SessionCookieTTL <= 0 {
		return Config{}, fmt.Errorf("SESSION_COOKIE_TTL must be positive")
	}
	if cfg.SessionIdleTTL < 0 {
		return Config{}, fmt.Errorf("SESSION_IDLE_TTL must be >= 0")
	}
	if cfg.UpstreamTimeout <= 0 {
		return Config{}, fmt.Errorf("UPSTREAM_TIMEOUT must be positive")
	}
	if cfg.SessionIdleTTL > 0 && cfg.SessionIdleTTL <= cfg.UpstreamTimeout {
		// A transcript must outlive the upstream call of its own turn.
		return Config{}, fmt.Errorf("SESSION_IDLE_TTL must exceed UPSTREAM_TIMEOUT (%s)", cfg.UpstreamTimeout)
	}
	if cfg.SessionTurnRate < 0 || cfg.SessionTurnBurst < 0 {
		return Config{}, fmt.Errorf("SESSION_TURN_RATE and SESSION_TURN_BURST must be >= 0")
	}
	switch cfg.SessionStore {
	case "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			return Config{}, fmt.Errorf("SESSION_STORE=redis requires REDIS_ADDR")
		}
	default:
		return Config{}, fmt.Errorf("invalid SESSION_STORE: %q (expected memory|redis)", cfg.SessionStore)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("invalid APP_LOG_FORMAT: %q (expected text|json)", cfg.LogFormat)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
