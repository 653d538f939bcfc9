package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"reconcile-svc/circuitbreaker"
	"reconcile-svc/models"

	"go.uber.org/zap"
)

// ErrNotEngaged means the order has no gateway reference to query yet.
var ErrNotEngaged = errors.New("order has not been submitted to the gateway")

const maxGatewayBody = 1 << 20

// gatewayClient performs outbound calls for one channel through its
// circuit breaker. Transport errors and 5xx answers count as failures.
type gatewayClient struct {
	channel models.Channel
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	tokens  TokenStore
	logger  *zap.Logger
}

func newGatewayClient(ch models.Channel, baseURL string, timeout time.Duration, tokens TokenStore, logger *zap.Logger) gatewayClient {
	if tokens == nil {
		tokens = NewMemoryTokenStore()
	}
	return gatewayClient{
		channel: ch,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.NewCircuitBreaker(string(ch), 5, 30*time.Second),
		tokens:  tokens,
		logger:  logger,
	}
}

type gatewayResponse struct {
	status int
	body   []byte
}

func (g *gatewayClient) do(ctx context.Context, req *http.Request) (*gatewayResponse, error) {
	var out *gatewayResponse
	err := g.breaker.Execute(ctx, func() error {
		resp, err := g.http.Do(req.WithContext(ctx))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxGatewayBody))
		if err != nil {
			return err
		}
		out = &gatewayResponse{status: resp.StatusCode, body: body}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("gateway answered %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return nil, gatewayError(g.channel, fmt.Sprintf("%s %s", req.Method, req.URL.Path), err)
	}
	return out, nil
}

func (g *gatewayClient) newJSONRequest(ctx context.Context, method, path, bearer string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req, nil
}

// cachedToken returns a cached token or fetches one. A broken cache only
// costs an extra token request.
func (g *gatewayClient) cachedToken(ctx context.Context, fetch func(ctx context.Context) (string, time.Duration, error)) (string, error) {
	name := string(g.channel)
	if token, ok, err := g.tokens.Get(ctx, name); err != nil {
		g.logger.Warn("Token cache unavailable", zap.String("channel", name), zap.Error(err))
	} else if ok {
		return token, nil
	}

	token, ttl, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	if ttl > 0 {
		if err := g.tokens.Set(ctx, name, token, ttl); err != nil {
			g.logger.Warn("Failed to cache token", zap.String("channel", name), zap.Error(err))
		}
	}
	return token, nil
}

func snippet(body []byte) string {
	if len(body) > 200 {
		return string(body[:200])
	}
	return string(body)
}
