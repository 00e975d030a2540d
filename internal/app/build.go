package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/parlance/internal/archive"
	"github.com/ent0n29/parlance/internal/brain"
	"github.com/ent0n29/parlance/internal/config"
	"github.com/ent0n29/parlance/internal/conversation"
	"github.com/ent0n29/parlance/internal/httpapi"
	"github.com/ent0n29/parlance/internal/observability"
	"github.com/ent0n29/parlance/internal/session"
)

const janitorInterval = 30 * time.Second

type VoiceInfo struct {
	Provider string
	Detail   string
}

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Store     session.Store
	Chat      *conversation.ChatOrchestrator
	Voice     *conversation.VoiceOrchestrator
	Metrics   *observability.Metrics
	Brain     string
	VoiceInfo VoiceInfo

	memory *session.MemoryStore

	// Cleanup should be called on shutdown to release external resources (Redis, DB).
	Cleanup func() error
}

// StartJanitor expires idle in-memory transcripts until ctx ends. Redis expires keys
// on its own, so it is a no-op there.
func (b *BuildResult) StartJanitor(ctx context.Context) {
	if b.memory == nil {
		return
	}
	b.memory.StartJanitor(ctx, b.Config.SessionIdleTTL, janitorInterval)
}

func Build(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	store, memory, locker, err := buildSessionStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg, func() float64 {
		lenCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, err := store.Len(lenCtx)
		if err != nil {
			return 0
		}
		return float64(n)
	})

	adapter, err := brain.NewAdapter(ctx, brain.Config{
		Mode:          cfg.BrainProvider,
		GeminiAPIKey:  cfg.GeminiAPIKey,
		GeminiModel:   cfg.GeminiModel,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIModel:   cfg.OpenAIChatModel,
		HTTPURL:       cfg.BrainHTTPURL,
		HTTPStrict:    cfg.BrainHTTPStrict,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("brain adapter init failed: %w", err)
	}

	voiceSetup, err := resolveVoiceProviders(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	archiveStore, err := archive.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("archive store init failed: %w", err)
	}

	if memory != nil {
		memory.SetBusyCheck(locker.Busy)
		memory.SetExpireHook(func(token string) {
			logger.WithField("session", session.Redact(token)).Debug("idle transcript expired")
		})
	}

	recorder := archive.NewRecorder(archiveStore, logger)
	chat := conversation.NewChatOrchestrator(store, locker, adapter, conversation.ChatOptions{
		SystemPrompt:    cfg.BrainSystemPrompt,
		UpstreamTimeout: cfg.UpstreamTimeout,
		Recorder:        recorder,
		Metrics:         metrics,
		Logger:          logger,
	})
	voiceOrchestrator := conversation.NewVoiceOrchestrator(chat, voiceSetup.transcriber, voiceSetup.synthesizer, conversation.VoiceOptions{
		DefaultLanguage: cfg.VoiceDefaultLanguage,
		Voices:          voiceSetup.voices,
		UpstreamTimeout: cfg.UpstreamTimeout,
		Metrics:         metrics,
		Logger:          logger,
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Store:   store,
		Chat:    chat,
		Voice:   voiceOrchestrator,
		Archive: recorder,
		Metrics: metrics,
		Logger:  logger,
	})

	cleanup := func() error {
		return errors.Join(archiveStore.Close(), store.Close())
	}

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Store:   store,
		Chat:    chat,
		Voice:   voiceOrchestrator,
		Metrics: metrics,
		Brain:   brain.NameOf(adapter),
		VoiceInfo: VoiceInfo{
			Provider: voiceSetup.resolvedProvider,
			Detail:   voiceSetup.detail,
		},
		memory:  memory,
		Cleanup: cleanup,
	}, nil
}

// turnLocker is the lock a session store pairs with. Busy lets the memory janitor skip
// sessions with a turn in flight.
type turnLocker interface {
	session.TurnLocker
	Busy(token string) bool
}

// buildSessionStore returns the transcript store and the turn lock that guards it. A
// Redis store shares its lock through Redis so several processes can serve one session.
func buildSessionStore(ctx context.Context, cfg config.Config) (session.Store, *session.MemoryStore, turnLocker, error) {
	switch cfg.SessionStore {
	case "redis":
		store, err := session.NewRedisStore(ctx, session.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			MaxTurns: cfg.SessionMaxTurns,
			IdleTTL:  cfg.SessionIdleTTL,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("session store init failed: %w", err)
		}
		return store, nil, store.TurnLocker(turnLockLease(cfg), session.NewLocker()), nil
	default:
		memory := session.NewMemoryStore(cfg.SessionMaxTurns)
		return memory, memory, session.NewLocker(), nil
	}
}

// turnLockLease outlasts one upstream call plus the store round trips around it.
func turnLockLease(cfg config.Config) time.Duration {
	return cfg.UpstreamTimeout + 30*time.Second
}
