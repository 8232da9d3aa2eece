/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Logic:       Single upstream chat-completion HTTP client: builds a
             tuned *http.Client from the configured connection-pool
             settings, forces stream=true on every outbound request,
             and returns the raw *http.Response body for the
             streaming passthrough layer to own.
Context:     Narrows provider/openai.go's Provider-interface
             connector (one of thirteen, each implementing
             ChatCompletion/ChatCompletionStream/Embeddings/
             HealthCheck) down to the single ChatCompletionStream
             path chatgate actually needs — there is exactly one
             upstream, so the Provider interface, model registry,
             and embeddings/health-check surface are dropped rather
             than kept unused.
Suitability: L3 — the only network call on the admission pipeline's
             hot path; timeouts and status mapping here directly
             become 502/504 responses.
──────────────────────────────────────────────────────────────
*/

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/lemonhall/chatgate/apperror"
)

// ClientConfig is the subset of config.DeepSeekConfig the upstream client
// needs, kept separate so this package does not import config directly.
type ClientConfig struct {
	APIKey              string
	BaseURL             string
	Timeout             time.Duration
	PoolMaxIdlePerHost  int
	PoolIdleTimeoutSecs int
	ConnectTimeoutSecs  int
	TCPNoDelay          bool
	HTTP2AdaptiveWindow bool
}

// Client calls the single configured upstream chat-completion endpoint.
type Client struct {
	cfg    ClientConfig
	client *http.Client
}

func New(cfg ClientConfig) *Client {
	connectTimeout := time.Duration(cfg.ConnectTimeoutSecs) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	idleTimeout := time.Duration(cfg.PoolIdleTimeoutSecs) * time.Second
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}
	maxIdlePerHost := cfg.PoolMaxIdlePerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = 20
	}

	// net.Dialer produces TCPConns with Nagle's algorithm already disabled
	// (TCP_NODELAY) by default; tcp_nodelay=false is the unusual case, so
	// only that direction needs an explicit dial hook.
	dialer := &net.Dialer{Timeout: connectTimeout}
	dialContext := dialer.DialContext
	if !cfg.TCPNoDelay {
		dialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				_ = tcpConn.SetNoDelay(false)
			}
			return conn, nil
		}
	}

	transport := &http.Transport{
		DialContext:         dialContext,
		MaxIdleConnsPerHost: maxIdlePerHost,
		IdleConnTimeout:     idleTimeout,
		// ForceAttemptHTTP2 is the stdlib mechanism for HTTP/2
		// negotiation; per-stream adaptive flow-control window tuning
		// (the way http_client.http2_adaptive_window names it) needs
		// golang.org/x/net/http2's Transport, which nothing else in
		// this module pulls in, so the boolean is honored as "attempt
		// HTTP/2 at all" rather than a window-size knob.
		ForceAttemptHTTP2: cfg.HTTP2AdaptiveWindow,
	}

	return &Client{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}
}

// ChatCompletionStream POSTs body to the configured upstream with
// stream=true forced, and returns the live response for the caller to
// read as Server-Sent Events. The caller owns resp.Body and must close it.
func (c *Client) ChatCompletionStream(ctx context.Context, body map[string]any) (*http.Response, error) {
	body["stream"] = true

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindBadRequest, "marshal chat request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "build upstream request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperror.Wrap(apperror.KindUpstreamTimeout, "upstream request timed out", err)
		}
		return nil, apperror.Wrap(apperror.KindUpstreamError, "upstream request failed", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusGatewayTimeout {
			return nil, apperror.New(apperror.KindUpstreamTimeout, fmt.Sprintf("upstream returned %d", resp.StatusCode))
		}
		return nil, apperror.New(apperror.KindUpstreamError, fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, string(respBody)))
	}

	return resp, nil
}
