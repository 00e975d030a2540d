package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SessionMaxTurns != 20 {
		t.Fatalf("SessionMaxTurns = %d, want 20", cfg.SessionMaxTurns)
	}
	if cfg.SessionCookieTTL != 24*time.Hour {
		t.Fatalf("SessionCookieTTL = %v, want 24h", cfg.SessionCookieTTL)
	}
	if cfg.SessionIdleTTL != 0 {
		t.Fatalf("SessionIdleTTL = %v, want 0 (process lifetime)", cfg.SessionIdleTTL)
	}
	if cfg.SessionStore != "memory" {
		t.Fatalf("SessionStore = %q, want memory", cfg.SessionStore)
	}
	if cfg.BrainProvider != "auto" || cfg.VoiceProvider != "auto" {
		t.Fatalf("providers = %q/%q, want auto/auto", cfg.BrainProvider, cfg.VoiceProvider)
	}
	if cfg.VoiceDefaultLanguage != "en-US" {
		t.Fatalf("VoiceDefaultLanguage = %q, want en-US", cfg.VoiceDefaultLanguage)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("SESSION_MAX_TURNS", "8")
	t.Setenv("SESSION_COOKIE_TTL", "2h")
	t.Setenv("SESSION_COOKIE_SECURE", "yes")
	t.Setenv("SESSION_STORE", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("SESSION_TURN_RATE", "0.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want :9191", cfg.BindAddr)
	}
	if cfg.SessionMaxTurns != 8 || cfg.SessionCookieTTL != 2*time.Hour || !cfg.SessionCookieSecure {
		t.Fatalf("unexpected session settings: %+v", cfg)
	}
	if cfg.SessionStore != "redis" || cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("unexpected store settings: %q %q", cfg.SessionStore, cfg.RedisAddr)
	}
	if cfg.SessionTurnRate != 0.5 {
		t.Fatalf("SessionTurnRate = %v, want 0.5", cfg.SessionTurnRate)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
	}{
		{"bound too small", "SESSION_MAX_TURNS", "1"},
		{"bad duration", "UPSTREAM_TIMEOUT", "soon"},
		{"bad bool", "SESSION_COOKIE_SECURE", "maybe"},
		{"bad strict flag", "BRAIN_HTTP_STRICT", "sometimes"},
		{"unknown store", "SESSION_STORE", "disk"},
		{"redis without addr", "SESSION_STORE", "redis"},
		{"bad log format", "APP_LOG_FORMAT", "xml"},
		{"idle ttl within upstream timeout", "SESSION_IDLE_TTL", "30s"},
		{"idle ttl equal to upstream timeout", "SESSION_IDLE_TTL", "60s"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() expected error for %s=%q", tc.key, tc.val)
			}
		})
	}
}

func TestLoadIdleTTLMustOutlastUpstreamTimeout(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("UPSTREAM_TIMEOUT", "10s")
	t.Setenv("SESSION_IDLE_TTL", "10m")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SessionIdleTTL != 10*time.Minute {
		t.Fatalf("SessionIdleTTL = %v, want 10m", cfg.SessionIdleTTL)
	}

	t.Setenv("SESSION_IDLE_TTL", "10s")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted SESSION_IDLE_TTL equal to UPSTREAM_TIMEOUT")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"SESSION_COOKIE_NAME",
		"SESSION_COOKIE_TTL",
		"SESSION_COOKIE_SECURE",
		"SESSION_MAX_TURNS",
		"SESSION_IDLE_TTL",
		"SESSION_STORE",
		"SESSION_TURN_RATE",
		"SESSION_TURN_BURST",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"REDIS_PREFIX",
		"UPSTREAM_TIMEOUT",
		"BRAIN_PROVIDER",
		"BRAIN_SYSTEM_PROMPT",
		"BRAIN_HTTP_URL",
		"BRAIN_HTTP_STRICT",
		"GEMINI_API_KEY",
		"GEMINI_MODEL",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"OPENAI_CHAT_MODEL",
		"OPENAI_STT_MODEL",
		"OPENAI_TTS_MODEL",
		"VOICE_PROVIDER",
		"VOICE_DEFAULT_LANGUAGE",
		"VOICE_MAP",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_WS_BASE_URL",
		"ELEVENLABS_TTS_MODEL_ID",
		"ELEVENLABS_TTS_OUTPUT_FORMAT",
		"ELEVENLABS_VOICE_MAP",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
