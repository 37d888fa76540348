// Package redisconn is the single place Redis connectivity is
// configured. The same instance backs the task queue, abort flags and
// the log stream.
package redisconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atelier-labs/atelier/internal/platform/env"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	db, err := env.Int("ATELIER_REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}
	dialTimeout, err := env.Duration("ATELIER_REDIS_DIAL_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Addr:        env.String("ATELIER_REDIS_ADDR", "localhost:6379"),
		Password:    env.String("ATELIER_REDIS_PASSWORD", ""),
		DB:          db,
		DialTimeout: dialTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("ATELIER_REDIS_ADDR is required")
	}
	if c.DB < 0 {
		return errors.New("ATELIER_REDIS_DB must be >= 0")
	}
	return nil
}

func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// AsynqOpt exposes the same connection to the asynq client and server.
func (c Config) AsynqOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:        c.Addr,
		Password:    c.Password,
		DB:          c.DB,
		DialTimeout: c.DialTimeout,
	}
}
