package kv_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/relay/internal/connector"
	"github.com/mpataki/relay/internal/connectors/kv"
)

func newConnector(t *testing.T) (*kv.Connector, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := kv.New(kv.Config{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestSetAndGet(t *testing.T) {
	c, mr := newConnector(t)
	ctx := context.Background()

	_, err := c.Invoke(ctx, "set", map[string]any{
		"key": "order:1", "value": map[string]any{"qty": 2},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"qty":2}`, mustGet(t, mr, "order:1"))

	out, err := c.Invoke(ctx, "get", map[string]any{"key": "order:1"})
	require.NoError(t, err)
	assert.Equal(t, true, out["found"])
	assert.Equal(t, map[string]any{"qty": float64(2)}, out["value"])

	_, err = c.Invoke(ctx, "set", map[string]any{"key": "plain", "value": "42"})
	require.NoError(t, err)
	out, err = c.Invoke(ctx, "get", map[string]any{"key": "plain"})
	require.NoError(t, err)
	assert.Equal(t, "42", out["value"])
}

func TestGetMissingKey(t *testing.T) {
	c, _ := newConnector(t)
	out, err := c.Invoke(context.Background(), "get", map[string]any{"key": "nope"})
	require.NoError(t, err)
	assert.Equal(t, false, out["found"])
	assert.Nil(t, out["value"])
}

func TestSetWithTTL(t *testing.T) {
	c, mr := newConnector(t)
	_, err := c.Invoke(context.Background(), "set", map[string]any{
		"key": "session", "value": "x", "ttl_ms": 1500,
	})
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, mr.TTL("session"))

	mr.FastForward(2 * time.Second)
	assert.False(t, mr.Exists("session"))

	_, err = c.Invoke(context.Background(), "set", map[string]any{
		"key": "session", "value": "x", "ttl_ms": -1,
	})
	assert.Error(t, err)
}

func TestPublish(t *testing.T) {
	c, mr := newConnector(t)
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()

	ps := sub.Subscribe(context.Background(), "events")
	defer ps.Close()
	_, err := ps.Receive(context.Background())
	require.NoError(t, err)

	out, err := c.Invoke(context.Background(), "publish", map[string]any{
		"channel": "events", "message": map[string]any{"done": true},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, out["receivers"])

	select {
	case msg := <-ps.Channel():
		assert.JSONEq(t, `{"done":true}`, msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPingAndUnavailable(t *testing.T) {
	c, mr := newConnector(t)
	assert.NoError(t, c.Ping(context.Background()))

	mr.Close()
	_, err := c.Invoke(context.Background(), "get", map[string]any{"key": "k"})
	var ce *connector.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "redis", ce.Kind)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
