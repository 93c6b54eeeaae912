// Package redis disponibiliza a implementação do armazenamento efêmero baseada em Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/JeanGrijp/callquota/internal/core/domain"
	"github.com/JeanGrijp/callquota/internal/core/ports"
)

const scanBatch = 500

type Storage struct {
	client *redis.Client
}

var (
	_ ports.Cache      = (*Storage)(nil)
	_ ports.QueueCache = (*Storage)(nil)
)

type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func New(cfg Config) (*Storage, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Storage{client: client}, nil
}

// NewFromClient embrulha um cliente já construído, sem verificação de conectividade.
func NewFromClient(client *redis.Client) *Storage {
	return &Storage{client: client}
}

func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) Increment(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	counter := pipe.IncrBy(ctx, key, by)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return counter.Val(), nil
}

func (s *Storage) Get(ctx context.Context, key string) (int64, error) {
	value, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, domain.ErrCacheMiss
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (s *Storage) SeedIfAbsent(ctx context.Context, key string, value int64, ttl time.Duration) error {
	return s.client.SetNX(ctx, key, value, ttl).Err()
}

func (s *Storage) IsBlocked(ctx context.Context, key string) (bool, error) {
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

func (s *Storage) SetBlock(ctx context.Context, key string, duration time.Duration) error {
	if duration <= 0 {
		return s.client.Del(ctx, key).Err()
	}
	return s.client.Set(ctx, key, "1", duration).Err()
}

func (s *Storage) GetString(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrCacheMiss
	}
	return value, err
}

func (s *Storage) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Storage) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *Storage) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	deleted := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.client.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		deleted += int(n)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= scanBatch {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, err
	}
	if err := flush(); err != nil {
		return deleted, err
	}
	return deleted, nil
}
