// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package output

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Thermoquad/ppkstat/internal/config"
)

// RedisOutput publishes readings on a Pub/Sub channel and keeps a bounded
// history list per session
type RedisOutput struct {
	client  *redis.Client
	channel string
	history int64
	timeout time.Duration
}

// NewRedis connects to the configured server
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*RedisOutput, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connect %s: %w", cfg.Addr, err)
	}

	return &RedisOutput{
		client:  client,
		channel: cfg.Channel,
		history: cfg.History,
		timeout: 2 * time.Second,
	}, nil
}

// HistoryKey is the list holding a session's recent readings
func HistoryKey(session string) string {
	return fmt.Sprintf("ppkstat:%s:readings", session)
}

// Publish implements Output. All readings go out in one pipeline.
func (r *RedisOutput) Publish(readings []Reading) error {
	if len(readings) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	pipe := r.client.Pipeline()
	for _, rd := range readings {
		b, err := MarshalPayload(rd)
		if err != nil {
			return err
		}
		pipe.Publish(ctx, r.channel, b)
		if r.history > 0 {
			key := HistoryKey(rd.Session)
			pipe.LPush(ctx, key, b)
			pipe.LTrim(ctx, key, 0, r.history-1)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish %s: %w", r.channel, err)
	}
	return nil
}

// Close implements Output
func (r *RedisOutput) Close() error {
	return r.client.Close()
}
