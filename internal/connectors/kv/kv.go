// Package kv provides a Redis-backed key/value and pub/sub connector
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mpataki/relay/internal/connector"
)

const Name = "kv"

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Connector struct {
	*connector.Mux
	client *redis.Client
}

func New(cfg Config) *Connector {
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}))
}

func NewWithClient(client *redis.Client) *Connector {
	c := &Connector{Mux: connector.NewMux(Name), client: client}
	key := connector.Required("key", connector.TypeString)

	c.Handle(connector.ActionSpec{
		Name:        "get",
		Description: "Read a key; found is false when it does not exist",
		Params:      []connector.ParamSpec{key},
	}, c.get)
	c.Handle(connector.ActionSpec{
		Name:        "set",
		Description: "Write a key with an optional TTL in milliseconds",
		Params: []connector.ParamSpec{
			key,
			connector.Required("value", connector.TypeAny),
			connector.Optional("ttl_ms", connector.TypeInt),
		},
	}, c.set)
	c.Handle(connector.ActionSpec{
		Name:        "publish",
		Description: "Publish a message on a channel",
		Params: []connector.ParamSpec{
			connector.Required("channel", connector.TypeString),
			connector.Required("message", connector.TypeAny),
		},
	}, c.publish)
	return c
}

func (c *Connector) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return connector.Wrap("unavailable", err)
	}
	return nil
}

func (c *Connector) Close() error {
	return c.client.Close()
}

func (c *Connector) get(ctx context.Context, params map[string]any) (map[string]any, error) {
	key, err := connector.String(params, "key", true)
	if err != nil {
		return nil, err
	}
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return map[string]any{"key": key, "found": false, "value": nil}, nil
	}
	if err != nil {
		return nil, redisError(err)
	}
	return map[string]any{"key": key, "found": true, "value": decode(val)}, nil
}

func (c *Connector) set(ctx context.Context, params map[string]any) (map[string]any, error) {
	key, err := connector.String(params, "key", true)
	if err != nil {
		return nil, err
	}
	ttlMs, err := connector.Int(params, "ttl_ms", 0)
	if err != nil {
		return nil, err
	}
	if ttlMs < 0 {
		return nil, connector.Failf("invalid_ttl", "ttl_ms must not be negative")
	}
	val, err := encode(params["value"])
	if err != nil {
		return nil, err
	}

	ttl := time.Duration(ttlMs) * time.Millisecond
	if err := c.client.Set(ctx, key, val, ttl).Err(); err != nil {
		return nil, redisError(err)
	}
	return map[string]any{"key": key, "stored": true}, nil
}

func (c *Connector) publish(ctx context.Context, params map[string]any) (map[string]any, error) {
	channel, err := connector.String(params, "channel", true)
	if err != nil {
		return nil, err
	}
	msg, err := encode(params["message"])
	if err != nil {
		return nil, err
	}
	n, err := c.client.Publish(ctx, channel, msg).Result()
	if err != nil {
		return nil, redisError(err)
	}
	return map[string]any{"channel": channel, "receivers": n}, nil
}

// encode stores strings as-is and structured values as JSON
func encode(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", connector.Failf("invalid_value", "cannot encode value: %v", err)
	}
	return string(data), nil
}

// decode returns JSON documents as structured values and anything else as
// the raw string
func decode(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	switch v.(type) {
	case map[string]any, []any:
		return v
	default:
		return s
	}
}

func redisError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return connector.Wrap("redis", err)
}
