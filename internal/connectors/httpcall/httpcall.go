// Package httpcall provides the "http" connector: generic requests with
// optional gjson extraction of the response, and a JSON webhook notifier.
package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/mpataki/relay/internal/connector"
)

const Name = "http"

const userAgent = "Relay/1.0"

// maxBody bounds how much of a response is kept in a step output
const maxBody = 1 << 20

type Connector struct {
	*connector.Mux
	client *http.Client
	logger *zap.Logger
}

var ErrHTTPStatus = errors.New("unexpected HTTP status")

func New(timeout time.Duration, logger *zap.Logger) *Connector {
	c := &Connector{
		Mux:    connector.NewMux(Name),
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
	urlParam := connector.Required("url", connector.TypeString)

	c.Handle(connector.ActionSpec{
		Name:        "request",
		Description: "Perform an HTTP request, optionally extracting JSON fields",
		Params: []connector.ParamSpec{
			urlParam,
			connector.Optional("method", connector.TypeString),
			connector.Optional("headers", connector.TypeObject),
			connector.Optional("body", connector.TypeAny),
			connector.Optional("extract", connector.TypeObject),
		},
	}, c.request)
	c.Handle(connector.ActionSpec{
		Name:        "notify",
		Description: "POST a JSON message to a webhook",
		Aliases:     []string{"webhook"},
		Params: []connector.ParamSpec{
			urlParam,
			connector.Required("message", connector.TypeAny),
		},
	}, c.notify)
	return c
}

func (c *Connector) request(ctx context.Context, params map[string]any) (map[string]any, error) {
	url, err := connector.String(params, "url", true)
	if err != nil {
		return nil, err
	}
	method, err := connector.String(params, "method", false)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}
	headers, err := connector.Object(params, "headers", false)
	if err != nil {
		return nil, err
	}
	extract, err := connector.Object(params, "extract", false)
	if err != nil {
		return nil, err
	}

	body, contentType, err := encodeBody(params["body"])
	if err != nil {
		return nil, err
	}

	status, respHeaders, respBody, err := c.do(ctx, strings.ToUpper(method), url, headers, body, contentType)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"status":  status,
		"headers": respHeaders,
		"body":    string(respBody),
	}
	if gjson.ValidBytes(respBody) {
		out["json"] = gjson.ParseBytes(respBody).Value()
	}
	if len(extract) > 0 {
		fields, err := extractFields(respBody, extract)
		if err != nil {
			return nil, err
		}
		out["extracted"] = fields
	}
	return out, nil
}

func (c *Connector) notify(ctx context.Context, params map[string]any) (map[string]any, error) {
	url, err := connector.String(params, "url", true)
	if err != nil {
		return nil, err
	}
	msg, ok := params["message"]
	if !ok || msg == nil {
		return nil, connector.Failf("invalid_message", "message is empty")
	}
	if s, ok := msg.(string); ok {
		msg = map[string]any{"text": s}
	}
	body, contentType, err := encodeBody(msg)
	if err != nil {
		return nil, err
	}

	status, _, _, err := c.do(ctx, http.MethodPost, url, nil, body, contentType)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": status, "delivered": true}, nil
}

func (c *Connector) do(
	ctx context.Context, method, url string, headers map[string]any,
	body []byte, contentType string,
) (int, map[string]any, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, connector.Failf("invalid_request", "%v", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, fmt.Sprint(v))
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	dur := time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, nil, ctxErr
		}
		c.logger.Warn("HTTP request failed",
			zap.String("method", method),
			zap.String("url", url),
			zap.Duration("duration", dur),
			zap.Error(err))
		return 0, nil, nil, connector.Wrap("unavailable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, nil, connector.Wrap("io", err)
	}

	c.logger.Debug("HTTP request completed",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", dur))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, nil, nil, &connector.Error{
			Kind: "http_status",
			Message: fmt.Sprintf("%s %s returned %d: %s",
				method, url, resp.StatusCode, truncate(string(respBody), 200)),
			Err: ErrHTTPStatus,
		}
	}

	hdrs := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		hdrs[k] = resp.Header.Get(k)
	}
	return resp.StatusCode, hdrs, respBody, nil
}

// encodeBody sends strings verbatim and everything else as JSON
func encodeBody(v any) ([]byte, string, error) {
	switch b := v.(type) {
	case nil:
		return nil, "", nil
	case string:
		return []byte(b), "text/plain; charset=utf-8", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", connector.Failf("invalid_body", "cannot encode body: %v", err)
		}
		return data, "application/json", nil
	}
}

func extractFields(body []byte, paths map[string]any) (map[string]any, error) {
	if !gjson.ValidBytes(body) {
		return nil, connector.Failf("invalid_response", "response is not JSON")
	}
	res := make(map[string]any, len(paths))
	for name, p := range paths {
		path, ok := p.(string)
		if !ok {
			return nil, connector.Failf("invalid_extract", "path for %q must be a string", name)
		}
		r := gjson.GetBytes(body, path)
		if !r.Exists() {
			res[name] = nil
			continue
		}
		res[name] = r.Value()
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
