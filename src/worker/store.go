package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/square-key-labs/strawgo-callagent/src/job"
)

// ErrJobNotFound is returned for unknown job ids
var ErrJobNotFound = errors.New("job not found")

// Store persists job status for the HTTP API
type Store interface {
	Put(ctx context.Context, status job.Status) error
	Get(ctx context.Context, jobID string) (job.Status, error)
}

// MemoryStore keeps job status in process memory
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]job.Status
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]job.Status)}
}

func (s *MemoryStore) Put(ctx context.Context, status job.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[status.JobID] = status
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (job.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.jobs[jobID]
	if !ok {
		return job.Status{}, ErrJobNotFound
	}
	return status, nil
}

// RedisStore keeps job status in Redis as JSON with a TTL
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisStore creates a Redis-backed store. A zero ttl keeps entries forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{redis: client, ttl: ttl}
}

// NewRedisStoreFromURL connects to the Redis server at url and checks it
// is reachable
func NewRedisStoreFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, ttl), nil
}

func (s *RedisStore) key(jobID string) string {
	return fmt.Sprintf("callagent:job:%s", jobID)
}

func (s *RedisStore) Put(ctx context.Context, status job.Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal job status: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(status.JobID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store job status: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (job.Status, error) {
	data, err := s.redis.Get(ctx, s.key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return job.Status{}, ErrJobNotFound
	}
	if err != nil {
		return job.Status{}, fmt.Errorf("get job status: %w", err)
	}

	var status job.Status
	if err := json.Unmarshal(data, &status); err != nil {
		return job.Status{}, fmt.Errorf("unmarshal job status: %w", err)
	}
	return status, nil
}

// Close releases the Redis connection
func (s *RedisStore) Close() error {
	return s.redis.Close()
}
