// Package redisstore keeps payment charge records in Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	berr "github.com/next-trace/scg-parking-bus/contract/errors"
	"github.com/next-trace/scg-parking-bus/services/payment"
)

const (
	// DefaultTTL bounds how long a request id stays deduplicated.
	DefaultTTL = 7 * 24 * time.Hour
	keyPrefix  = "parking:charge:"
)

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis: %w: url is required", berr.ErrDataStore)
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", errors.Join(berr.ErrDataStore, err))
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", errors.Join(berr.ErrDataStore, err))
	}

	return client, nil
}

// Charges implements payment.ChargeStore with SETNX.
type Charges struct {
	Client *redis.Client
	TTL    time.Duration
}

var _ payment.ChargeStore = (*Charges)(nil)

func NewCharges(client *redis.Client, ttl time.Duration) *Charges {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Charges{Client: client, TTL: ttl}
}

func (c *Charges) Charge(ctx context.Context, correlationID, orderID string) (string, error) {
	key := keyPrefix + correlationID

	set, err := c.Client.SetNX(ctx, key, orderID, c.TTL).Result()
	if err != nil {
		return "", fmt.Errorf("redis charge %s: %w", correlationID, errors.Join(berr.ErrDataStore, err))
	}

	if set {
		return orderID, nil
	}

	existing, err := c.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls
		return orderID, nil
	}

	if err != nil {
		return "", fmt.Errorf("redis charge %s: %w", correlationID, errors.Join(berr.ErrDataStore, err))
	}

	return existing, nil
}
