package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/queryloom/loom/types"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	// KeyPrefix namespaces state keys, default "loom:state:".
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
	// TTL expires terminal states automatically. Zero keeps them forever.
	TTL time.Duration `json:"ttl" yaml:"ttl"`
	// PoolSize bounds the connection pool. Zero keeps the client default.
	PoolSize int `json:"pool_size" yaml:"pool_size"`
}

// DefaultRedisConfig returns the defaults: localhost, no TTL.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "loom:state:",
	}
}

// RedisStore persists state as JSON values keyed by execution id.
type RedisStore struct {
	client *redis.Client
	config RedisConfig
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultRedisConfig().KeyPrefix
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "statestore_redis")),
	}, nil
}

// NewRedisStoreWithClient wraps an existing client, used by tests.
func NewRedisStoreWithClient(client *redis.Client, config RedisConfig, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultRedisConfig().KeyPrefix
	}
	return &RedisStore{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "statestore_redis")),
	}
}

func (r *RedisStore) key(executionID string) string {
	return r.config.KeyPrefix + executionID
}

// SaveState writes the serialized state. A single SET keeps the write atomic.
func (r *RedisStore) SaveState(ctx context.Context, state *types.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize state %s: %w", state.ExecutionID, err)
	}
	var ttl time.Duration
	if r.config.TTL > 0 && state.Status.Terminal() {
		ttl = r.config.TTL
	}
	if err := r.client.Set(ctx, r.key(state.ExecutionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save state %s: %w", state.ExecutionID, err)
	}
	return nil
}

// GetState loads and deserializes the state.
func (r *RedisStore) GetState(ctx context.Context, executionID string) (*types.WorkflowState, error) {
	data, err := r.client.Get(ctx, r.key(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state %s: %w", executionID, err)
	}
	var state types.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to deserialize state %s: %w", executionID, err)
	}
	return &state, nil
}

// DeleteState removes the key. Missing ids are ignored.
func (r *RedisStore) DeleteState(ctx context.Context, executionID string) error {
	if err := r.client.Del(ctx, r.key(executionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete state %s: %w", executionID, err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
