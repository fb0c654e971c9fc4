package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"tldr-bot/internal/domain"
	"tldr-bot/internal/infra/config"
)

// maxErrorBody is the maximum error response body size we read.
const maxErrorBody = 4096

// doStreamRequest performs a JSON POST request for SSE streaming.
// It returns the open *http.Response (caller must close Body).
// Returns a domain error for non-200 responses.
func doStreamRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, &domain.UpstreamError{Kind: domain.UpstreamHTTP, Reason: "request failed: " + err.Error()}
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}

	return httpResp, nil
}

// mapHTTPError maps an HTTP status code + response body to a domain error.
func mapHTTPError(statusCode int, body []byte) error {
	reason := strings.TrimSpace(string(body))
	if reason == "" {
		reason = http.StatusText(statusCode)
	}
	err := &domain.UpstreamError{Kind: domain.UpstreamHTTP, Status: statusCode, Reason: reason}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", domain.ErrRateLimit, err)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w", domain.ErrAuthInvalid, err)
	case statusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %w", domain.ErrPromptTooLarge, err)
	default:
		return err
	}
}

// Default connection pool settings: one host, a handful of concurrent
// long-lived streams.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
	defaultConnTimeout         = 30 * time.Second
	defaultRespTimeout         = 120 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling.
func NewPooledTransport(connTimeout, respTimeout time.Duration, pool config.PoolConfig) *http.Transport {
	if connTimeout <= 0 {
		connTimeout = defaultConnTimeout
	}
	if respTimeout <= 0 {
		respTimeout = defaultRespTimeout
	}
	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// NewHTTPClient creates the *http.Client used for streaming requests. The
// overall timeout bounds the whole stream, so it is connect plus response time.
func NewHTTPClient(cfg config.OpenAIConfig) *http.Client {
	connTimeout := cfg.ConnTimeout
	if connTimeout <= 0 {
		connTimeout = defaultConnTimeout
	}
	respTimeout := cfg.RespTimeout
	if respTimeout <= 0 {
		respTimeout = defaultRespTimeout
	}
	return &http.Client{
		Transport: NewPooledTransport(connTimeout, respTimeout, cfg.Pool),
		Timeout:   connTimeout + respTimeout,
	}
}
