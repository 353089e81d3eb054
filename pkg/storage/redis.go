package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "forecastd:prediction:"

// RedisStore keeps the latest prediction per metric in Redis so several predictor
// instances, or an external dashboard, can read the same values.
type RedisStore struct {
	mu     sync.Mutex
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
// A zero ttl defaults to 24 hours.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

// Put stores p under forecastd:prediction:<metric> with the configured TTL.
func (r *RedisStore) Put(ctx context.Context, p Prediction) error {
	if err := validateMetric(p.Metric); err != nil {
		return err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal prediction: %w", err)
	}

	if err := r.client.Set(ctx, redisKeyPrefix+p.Metric, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store prediction in redis: %w", err)
	}
	return nil
}

// GetLatest returns the stored prediction for metric. A missing key is not an error.
func (r *RedisStore) GetLatest(ctx context.Context, metric string) (Prediction, bool, error) {
	if err := validateMetric(metric); err != nil {
		return Prediction{}, false, err
	}

	data, err := r.client.Get(ctx, redisKeyPrefix+metric).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Prediction{}, false, nil
		}
		return Prediction{}, false, fmt.Errorf("failed to get prediction from redis: %w", err)
	}

	var p Prediction
	if err := json.Unmarshal(data, &p); err != nil {
		return Prediction{}, false, fmt.Errorf("failed to unmarshal prediction: %w", err)
	}
	return p, true, nil
}

// Ping checks the Redis connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client. Safe to call more than once.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
