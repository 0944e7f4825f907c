// Package cache keeps the latest prediction of every worker in Redis so
// other processes can watch a run in flight.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SyedDaiam9101/infer-workers/internal/sink"
)

// Cache wraps a Redis client for last-prediction storage
type Cache struct {
	client *redis.Client
	runID  string
	ttl    time.Duration
}

// New creates a new Cache connected to addr. Keys are namespaced by runID
// and expire after ttl. If addr is empty, defaults to localhost:6379.
func New(ctx context.Context, addr, runID string, ttl time.Duration) (*Cache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	return &Cache{client: client, runID: runID, ttl: ttl}, nil
}

func (c *Cache) key(workerID int) string {
	return fmt.Sprintf("run:%s:worker:%d:last", c.runID, workerID)
}

// SetPrediction stores a worker's most recent output vector
func (c *Cache) SetPrediction(ctx context.Context, workerID int, probs []float32) error {
	if c.client == nil {
		return fmt.Errorf("cache client is nil")
	}

	err := c.client.Set(ctx, c.key(workerID), encodeProbs(probs), c.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set prediction for worker %d: %w", workerID, err)
	}
	return nil
}

// GetPrediction retrieves a worker's most recent output vector. It returns
// nil without error when the worker has not written one.
func (c *Cache) GetPrediction(ctx context.Context, workerID int) ([]float32, error) {
	if c.client == nil {
		return nil, fmt.Errorf("cache client is nil")
	}

	data, err := c.client.Get(ctx, c.key(workerID)).Result()
	if err == redis.Nil {
		return nil, nil // Key does not exist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prediction for worker %d: %w", workerID, err)
	}
	return decodeProbs(data)
}

// Write implements sink.Sink.
func (c *Cache) Write(ctx context.Context, rec sink.Record) error {
	return c.SetPrediction(ctx, rec.WorkerID, rec.Probs)
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func encodeProbs(probs []float32) string {
	var b strings.Builder
	for i, p := range probs {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatFloat(float64(p), 'g', -1, 32))
	}
	return b.String()
}

func decodeProbs(s string) ([]float32, error) {
	fields := strings.Fields(s)
	probs := make([]float32, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed prediction %q: %w", s, err)
		}
		probs[i] = float32(v)
	}
	return probs, nil
}

var _ sink.Sink = (*Cache)(nil)
