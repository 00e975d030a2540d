package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each transcript in a Redis list so several relay processes can share
// sessions. Append and trim run in one MULTI so the bound holds under concurrent writers;
// turn ordering across processes comes from the RedisLocker built by TurnLocker.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	maxTurns int
	idleTTL  time.Duration

	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	MaxTurns int
	// IdleTTL expires a transcript after this long without appends; 0 keeps it forever.
	IdleTTL time.Duration
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.MaxTurns, cfg.IdleTTL), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, maxTurns int, idleTTL time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "parlance:transcript:"
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &RedisStore{
		client:   client,
		prefix:   prefix,
		maxTurns: maxTurns,
		idleTTL:  idleTTL,
	}
}

func (s *RedisStore) key(token string) string {
	return s.prefix + token
}

func (s *RedisStore) GetOrCreate(ctx context.Context, token string) ([]Turn, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrEmptyToken
	}
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	// An absent key is an empty transcript, so creation is implicit.
	raw, err := s.client.LRange(ctx, s.key(token), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var turn Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (s *RedisStore) Append(ctx context.Context, token string, role Role, text string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}
	if !validRole(role) {
		return ErrInvalidRole
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(Turn{Role: role, Text: text, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	key := s.key(token)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, int64(-s.maxTurns), -1)
		if s.idleTTL > 0 {
			pipe.Expire(ctx, key, s.idleTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 256).Result()
		if err != nil {
			return 0, fmt.Errorf("scan transcripts: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}
