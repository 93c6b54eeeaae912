// Package webhook encaminha ações liberadas para o serviço de automação via HTTP.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JeanGrijp/callquota/internal/core/ports"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 512
)

// Rotas expostas pelo serviço de automação.
const (
	RouteCommentReply  = "comment_reply"
	RouteDirectMessage = "dm"
	RouteFollowCheck   = "dm_follow_check"
)

type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client é compartilhado pelos executores de cada rota.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

type request struct {
	AccountID string         `json:"accountId"`
	CallerID  string         `json:"callerId"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("executor base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.Named("webhook"),
	}, nil
}

// For devolve o executor ligado a uma rota do serviço de automação.
func (c *Client) For(route string) ports.Executor {
	return &executor{client: c, route: route}
}

type executor struct {
	client *Client
	route  string
}

func (e *executor) Execute(ctx context.Context, accountID, callerID string, payload map[string]any) error {
	return e.client.post(ctx, e.route, request{
		AccountID: accountID,
		CallerID:  callerID,
		Action:    e.route,
		Payload:   payload,
	})
}

func (c *Client) post(ctx context.Context, route string, body request) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", route, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+route, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", route, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s request: %w", route, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s returned status %d: %s", route, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug("action delivered",
		zap.String("route", route),
		zap.String("account_id", body.AccountID),
		zap.String("caller_id", body.CallerID),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}
