package cache

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andresuchdata/batchflow/internal/pipeline"
)

const (
	claimKeyPrefix  = "batchflow:claim:"
	defaultClaimTTL = 48 * time.Hour
)

// ItemClaimer is a pipeline.Claimer that can also drop every claim.
type ItemClaimer interface {
	pipeline.Claimer
	Reset(ctx context.Context) (int, error)
}

type redisClaimer struct {
	client *redis.Client
	ttl    time.Duration
	owner  string
}

type noopClaimer struct{}

// NewClaimer returns a redis backed claimer, or a claimer that accepts every
// claim when client is nil. Claims expire after ttl so a crashed worker's
// files become visible again.
func NewClaimer(client *redis.Client, ttl time.Duration) ItemClaimer {
	if client == nil {
		return noopClaimer{}
	}
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	host, _ := os.Hostname()
	return &redisClaimer{
		client: client,
		ttl:    ttl,
		owner:  fmt.Sprintf("%s:%d", host, os.Getpid()),
	}
}

func (c *redisClaimer) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := c.client.SetNX(ctx, claimKeyPrefix+key, c.owner, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim failed: %w", err)
	}
	return ok, nil
}

func (c *redisClaimer) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, claimKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}

// Reset removes every claim and reports how many were dropped.
func (c *redisClaimer) Reset(ctx context.Context) (int, error) {
	return deleteKeysWithPrefix(ctx, c.client, claimKeyPrefix, scanBatchSize)
}

func (noopClaimer) Claim(context.Context, string) (bool, error) { return true, nil }

func (noopClaimer) Release(context.Context, string) error { return nil }

func (noopClaimer) Reset(context.Context) (int, error) { return 0, nil }
