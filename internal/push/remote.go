package push

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/devrev/flagsync/internal/config"
)

// RemotePusher pushes through a gateway's management API
type RemotePusher struct {
	endpoint string
	key      string
	client   *http.Client
	logger   *zap.Logger
}

// NewRemotePusher creates a pusher for the gateway at cfg.Endpoint
func NewRemotePusher(cfg config.PushConfig, logger *zap.Logger) *RemotePusher {
	return &RemotePusher{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		key:      cfg.GatewayKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}
}

// Push maps 404 and 410 to ErrGone; every other failure is transient
func (p *RemotePusher) Push(ctx context.Context, connectionID string, data []byte) error {
	target := p.endpoint + "/@connections/" + url.PathEscape(connectionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.key != "" {
		req.Header.Set(GatewayKeyHeader, p.key)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("push to %s: %w", connectionID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("push to %s: %w", connectionID, ErrGone)
	default:
		return fmt.Errorf("push to %s: unexpected status %d", connectionID, resp.StatusCode)
	}
}

// RemoteLifecycle forwards hub connect and disconnect notifications to the
// API's /internal/connections endpoints
type RemoteLifecycle struct {
	endpoint string
	key      string
	client   *http.Client
	logger   *zap.Logger
}

// NewRemoteLifecycle creates a lifecycle client for the API at
// cfg.APIEndpoint
func NewRemoteLifecycle(cfg config.PushConfig, logger *zap.Logger) *RemoteLifecycle {
	return &RemoteLifecycle{
		endpoint: strings.TrimRight(cfg.APIEndpoint, "/"),
		key:      cfg.GatewayKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}
}

func (l *RemoteLifecycle) Connected(ctx context.Context, connectionID string) error {
	return l.call(ctx, http.MethodPost, connectionID)
}

func (l *RemoteLifecycle) Disconnected(ctx context.Context, connectionID string) error {
	return l.call(ctx, http.MethodDelete, connectionID)
}

// Ping checks that the API answers its liveness endpoint
func (l *RemoteLifecycle) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("api health: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api health: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (l *RemoteLifecycle) call(ctx context.Context, method, connectionID string) error {
	target := l.endpoint + "/internal/connections/" + url.PathEscape(connectionID)
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("failed to build lifecycle request: %w", err)
	}
	if l.key != "" {
		req.Header.Set(GatewayKeyHeader, l.key)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("lifecycle %s %s: %w", method, connectionID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("lifecycle %s %s: unexpected status %d", method, connectionID, resp.StatusCode)
	}
	return nil
}
