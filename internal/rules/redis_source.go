package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed subject set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisSource reads allowed subjects from a Redis set.
type RedisSource struct {
	client *redis.Client
	key    string
}

// NewRedisSource connects to Redis and verifies the connection.
func NewRedisSource(cfg RedisConfig) (*RedisSource, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.Key) == "" {
		cfg.Key = "tachyon:rules:allowed_subjects"
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
		return nil, fmt.Errorf("ping redis rules source: %w", err)
	}

	return &RedisSource{client: client, key: strings.TrimSpace(cfg.Key)}, nil
}

// Name identifies the source in logs.
func (s *RedisSource) Name() string {
	return "redis:" + s.key
}

// Load returns the members of the subject set.
func (s *RedisSource) Load(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read redis subject set %s: %w", s.key, err)
	}
	return NormalizeSubjects(members), nil
}

// Publish replaces the subject set in one transaction.
func (s *RedisSource) Publish(ctx context.Context, subjects []string) error {
	subjects = NormalizeSubjects(subjects)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key)
	if len(subjects) > 0 {
		members := make([]interface{}, 0, len(subjects))
		for _, subject := range subjects {
			members = append(members, subject)
		}
		pipe.SAdd(ctx, s.key, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write redis subject set %s: %w", s.key, err)
	}
	return nil
}

// Close closes Redis resources.
func (s *RedisSource) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
