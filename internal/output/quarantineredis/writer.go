package quarantineredis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tachyon/pkg/models"
)

// Config configures the Redis quarantine list.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
	MaxLen   int64
}

// Writer pushes rejected envelopes onto a capped Redis list.
type Writer struct {
	client *redis.Client
	key    string
	maxLen int64
}

// NewWriter connects to Redis and verifies the connection.
func NewWriter(cfg Config) (*Writer, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.Key) == "" {
		cfg.Key = "tachyon:quarantine"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis quarantine: %w", err)
	}

	return NewWriterWithClient(client, cfg.Key, cfg.MaxLen), nil
}

// NewWriterWithClient wraps an existing client.
func NewWriterWithClient(client *redis.Client, key string, maxLen int64) *Writer {
	return &Writer{client: client, key: key, maxLen: maxLen}
}

// WriteQuarantine appends records in order. When MaxLen is set the list is
// trimmed to the newest MaxLen entries.
func (w *Writer) WriteQuarantine(records []*models.QuarantineRecord) error {
	if len(records) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(records))
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal quarantine record: %w", err)
		}
		values = append(values, b)
	}

	ctx := context.Background()
	pipe := w.client.Pipeline()
	pipe.RPush(ctx, w.key, values...)
	if w.maxLen > 0 {
		pipe.LTrim(ctx, w.key, -w.maxLen, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push quarantine records: %w", err)
	}
	return nil
}

// Close closes Redis resources.
func (w *Writer) Close() error {
	if w == nil || w.client == nil {
		return nil
	}
	return w.client.Close()
}
