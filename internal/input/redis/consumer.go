package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Config configures the Redis consumer.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	BlockTimeout time.Duration
}

// Consumer pops envelopes from a Redis list.
type Consumer struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
}

// NewConsumer creates a Redis consumer for list-based queues.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis key is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewConsumerWithClient(client, cfg.Key, cfg.BlockTimeout), nil
}

// NewConsumerWithClient wraps an existing client.
func NewConsumerWithClient(client *redis.Client, key string, blockTimeout time.Duration) *Consumer {
	if blockTimeout == 0 {
		blockTimeout = 5 * time.Second
	}
	return &Consumer{client: client, key: key, blockTimeout: blockTimeout}
}

// PopBatch blocks for the first message, then takes up to max-1 more without
// blocking. It returns nil when the block timeout passes with nothing queued.
func (c *Consumer) PopBatch(ctx context.Context, max int) ([][]byte, error) {
	res, err := c.client.BLPop(ctx, c.blockTimeout, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}

	out := make([][]byte, 0, max)
	out = append(out, []byte(res[1]))
	if max <= 1 {
		return out, nil
	}

	rest, err := c.client.LPopCount(ctx, c.key, max-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return out, err
	}
	for _, v := range rest {
		out = append(out, []byte(v))
	}
	return out, nil
}

// Push appends raw envelopes to the list tail.
func (c *Consumer) Push(ctx context.Context, payloads ...[]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(payloads))
	for _, p := range payloads {
		values = append(values, p)
	}
	return c.client.RPush(ctx, c.key, values...).Err()
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}
