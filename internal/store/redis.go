package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fractal-lba/releasegate/internal/api"
)

// KeyPrefix namespaces gate decisions in Redis.
const KeyPrefix = "releasegate:decision:"

// RedisStore records decisions with SETNX, so concurrent gates on the same id
// agree on a single winner.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to addr and pings it.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, gateID string) (*api.GateDecision, error) {
	data, err := r.client.Get(ctx, KeyPrefix+gateID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var d api.GateDecision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
	}
	return &d, nil
}

func (r *RedisStore) Record(ctx context.Context, d *api.GateDecision, ttl time.Duration) (*api.GateDecision, bool, error) {
	if d == nil || d.GateID == "" {
		return nil, false, errors.New("store: decision without gate id")
	}

	data, err := json.Marshal(d)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal decision: %w", err)
	}

	// ttl 0 means no expiry for SetNX
	wasSet, err := r.client.SetNX(ctx, KeyPrefix+d.GateID, data, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis SETNX failed: %w", err)
	}
	if wasSet {
		return d, true, nil
	}

	existing, err := r.Get(ctx, d.GateID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
