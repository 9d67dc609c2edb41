package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatwire/internal/metrics"
)

const maxResponseBytes = 1 << 20

// Client talks to one configured bridge account.
type Client struct {
	endpoint      string
	token         string
	connectorType string
	http          *http.Client
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type ClientConfig struct {
	Endpoint      string
	Token         string
	ConnectorType string
	Timeout       time.Duration
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Client{
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		token:         cfg.Token,
		connectorType: cfg.ConnectorType,
		http:          &http.Client{Timeout: cfg.Timeout},
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (c *Client) ConnectorType() string { return c.connectorType }

// Send validates and delivers one message, returning the provider-assigned
// message id.
func (c *Client) Send(ctx context.Context, msg OutMessage) (string, error) {
	if err := msg.Validate(c.connectorType); err != nil {
		return "", err
	}

	result, err := c.request(ctx, "send", msg)
	if err != nil {
		c.metrics.MessageSendErrors.Inc()
		return "", err
	}

	msgID, _ := result["msg_id"].(string)
	if msgID == "" {
		c.metrics.MessageSendErrors.Inc()
		c.logger.Error().
			Str("to", msg.To).
			Str("type", msg.Type).
			Msg("bridge returned no message id")
		return "", validationf("Server error.")
	}

	c.metrics.MessagesSent.Inc()
	c.logger.Debug().
		Str("to", msg.To).
		Str("type", msg.Type).
		Str("msg_id", msgID).
		Msg("message delivered")
	return msgID, nil
}

func (c *Client) request(ctx context.Context, path string, payload any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/"+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("bridge returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	result := make(map[string]any)
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}
