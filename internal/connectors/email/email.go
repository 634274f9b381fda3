// Package email provides the send_email connector. Messages go through an
// SMTP relay when one is configured and are otherwise written to an outbox
// directory as .eml files.
package email

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/relay/internal/connector"
)

const Name = "email"

const DefaultFrom = "relay@localhost"

type Config struct {
	SMTPAddr  string
	From      string
	OutboxDir string
}

type Connector struct {
	*connector.Mux
	cfg  Config
	send func(addr, from string, to []string, msg []byte) error
	now  func() time.Time
}

func New(cfg Config) *Connector {
	if cfg.From == "" {
		cfg.From = DefaultFrom
	}
	c := &Connector{
		Mux:  connector.NewMux(Name),
		cfg:  cfg,
		send: sendSMTP,
		now:  time.Now,
	}
	c.Handle(connector.ActionSpec{
		Name:        "send_email",
		Description: "Send a plain-text email",
		Aliases:     []string{"send"},
		Params: []connector.ParamSpec{
			connector.Required("to", connector.TypeString),
			connector.Required("subject", connector.TypeString),
			connector.Required("body", connector.TypeString),
		},
	}, c.sendEmail)
	return c
}

// Ping checks that the outbox is writable when no relay is configured
func (c *Connector) Ping(context.Context) error {
	if c.cfg.SMTPAddr != "" {
		return nil
	}
	if err := os.MkdirAll(c.cfg.OutboxDir, 0755); err != nil {
		return connector.Wrap("unavailable", err)
	}
	return nil
}

func (c *Connector) sendEmail(ctx context.Context, params map[string]any) (map[string]any, error) {
	to, err := connector.String(params, "to", true)
	if err != nil {
		return nil, err
	}
	subject, err := connector.String(params, "subject", true)
	if err != nil {
		return nil, err
	}
	body, err := connector.String(params, "body", false)
	if err != nil {
		return nil, err
	}

	recipients, err := parseRecipients(to)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	msg := c.compose(id, recipients, subject, body)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := map[string]any{
		"message_id": id,
		"to":         toAny(recipients),
		"subject":    subject,
	}
	if c.cfg.SMTPAddr != "" {
		if err := c.send(c.cfg.SMTPAddr, c.cfg.From, recipients, msg); err != nil {
			return nil, connector.Wrap("delivery", err)
		}
		out["delivered_via"] = "smtp"
		return out, nil
	}

	path, err := c.writeOutbox(id, msg)
	if err != nil {
		return nil, err
	}
	out["delivered_via"] = "outbox"
	out["path"] = path
	return out, nil
}

func (c *Connector) compose(id string, to []string, subject, body string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Message-ID: <%s@relay>\r\n", id)
	fmt.Fprintf(&buf, "Date: %s\r\n", c.now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", strings.ReplaceAll(subject, "\n", " "))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return buf.Bytes()
}

func (c *Connector) writeOutbox(id string, msg []byte) (string, error) {
	if err := os.MkdirAll(c.cfg.OutboxDir, 0755); err != nil {
		return "", connector.Wrap("io", err)
	}
	name := fmt.Sprintf("%s-%s.eml", c.now().UTC().Format("20060102T150405"), id)
	path := filepath.Join(c.cfg.OutboxDir, name)
	if err := os.WriteFile(path, msg, 0644); err != nil {
		return "", connector.Wrap("io", err)
	}
	return path, nil
}

func parseRecipients(to string) ([]string, error) {
	list, err := mail.ParseAddressList(to)
	if err != nil {
		return nil, connector.Failf("invalid_recipient", "invalid recipient list %q: %v", to, err)
	}
	res := make([]string, len(list))
	for i, a := range list {
		res[i] = a.Address
	}
	return res, nil
}

func toAny(ss []string) []any {
	res := make([]any, len(ss))
	for i, s := range ss {
		res[i] = s
	}
	return res
}

func sendSMTP(addr, from string, to []string, msg []byte) error {
	return smtp.SendMail(addr, nil, from, to, msg)
}
