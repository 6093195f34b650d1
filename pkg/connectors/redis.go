// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package connectors

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConnector exposes the shared Redis client. Optional: callers must
// tolerate a nil connector and fall back to in-process state.
type RedisConnector interface {
	Client() *redis.Client
	Close() error
}

type redisConnector struct {
	client *redis.Client
}

// NewRedisConnector parses a redis:// URL, connects, and pings once so
// misconfiguration fails at startup rather than mid-call.
func NewRedisConnector(ctx context.Context, url string) (RedisConnector, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &redisConnector{client: client}, nil
}

// NewRedisConnectorFromClient wraps an existing client. Tests use this with
// redismock.
func NewRedisConnectorFromClient(client *redis.Client) RedisConnector {
	return &redisConnector{client: client}
}

func (c *redisConnector) Client() *redis.Client {
	return c.client
}

func (c *redisConnector) Close() error {
	return c.client.Close()
}
