package email

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/relay/internal/connector"
	"github.com/mpataki/relay/internal/errs"
)

func TestSendToOutbox(t *testing.T) {
	dir := t.TempDir()
	c := New(Config{OutboxDir: dir, From: "ops@example.com"})
	c.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	out, err := c.Invoke(context.Background(), "send_email", map[string]any{
		"to":      "Alice <alice@example.com>, bob@example.com",
		"subject": "Import done",
		"body":    "3 rows inserted\nbye",
	})
	require.NoError(t, err)
	assert.Equal(t, "outbox", out["delivered_via"])
	assert.Equal(t, []any{"alice@example.com", "bob@example.com"}, out["to"])

	path := out["path"].(string)
	assert.Equal(t, dir, filepath.Dir(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	msg := string(data)
	assert.Contains(t, msg, "From: ops@example.com\r\n")
	assert.Contains(t, msg, "To: alice@example.com, bob@example.com\r\n")
	assert.Contains(t, msg, "Subject: Import done\r\n")
	assert.Contains(t, msg, "3 rows inserted\r\nbye")
}

func TestSendThroughRelay(t *testing.T) {
	c := New(Config{SMTPAddr: "smtp.example.com:25"})
	var gotTo []string
	c.send = func(addr, from string, to []string, msg []byte) error {
		assert.Equal(t, "smtp.example.com:25", addr)
		assert.Equal(t, DefaultFrom, from)
		gotTo = to
		return nil
	}

	out, err := c.Invoke(context.Background(), "send", map[string]any{
		"to": "carol@example.com", "subject": "hi", "body": "",
	})
	require.NoError(t, err)
	assert.Equal(t, "smtp", out["delivered_via"])
	assert.Equal(t, []string{"carol@example.com"}, gotTo)
}

func TestRelayFailureIsConnectorError(t *testing.T) {
	c := New(Config{SMTPAddr: "smtp.example.com:25"})
	c.send = func(string, string, []string, []byte) error {
		return errors.New("connection refused")
	}

	_, err := c.Invoke(context.Background(), "send_email", map[string]any{
		"to": "carol@example.com", "subject": "hi", "body": "x",
	})
	require.Error(t, err)
	classified := connector.Classify(err)
	assert.Equal(t, errs.KindConnector, classified.Kind)
	assert.Equal(t, "delivery", classified.Code)
}

func TestInvalidRecipient(t *testing.T) {
	c := New(Config{OutboxDir: t.TempDir()})
	_, err := c.Invoke(context.Background(), "send_email", map[string]any{
		"to": "not an address", "subject": "hi", "body": "x",
	})
	var ce *connector.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "invalid_recipient", ce.Kind)
}

func TestMissingSubject(t *testing.T) {
	c := New(Config{OutboxDir: t.TempDir()})
	_, err := c.Invoke(context.Background(), "send_email", map[string]any{
		"to": "a@example.com", "body": "x",
	})
	assert.ErrorIs(t, err, errs.ErrValidation)
}
