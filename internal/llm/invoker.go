package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"go.uber.org/zap"

	"promptcache-gateway/internal/apierr"
)

const (
	messagesPath    = "/v1/messages"
	countTokensPath = "/v1/messages/count_tokens"

	maxResponseSize = 32 * 1024 * 1024
)

// Invoker forwards calls to the upstream Messages API.
type Invoker interface {
	Messages(ctx context.Context, body []byte, header http.Header) (*Response, error)
	CountTokens(ctx context.Context, body []byte, header http.Header) (*Response, error)
}

// Response is an upstream answer. Exactly one of Body and Stream is set:
// Stream for a successful event-stream response, Body otherwise (including
// every upstream error response, which is always buffered).
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
}

// IsStream reports whether the response is an event stream to be consumed.
func (r *Response) IsStream() bool {
	return r != nil && r.Stream != nil
}

// Close releases the stream, if any.
func (r *Response) Close() error {
	if r == nil || r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}

// Messages forwards a /v1/messages call. Transport failures come back as
// apierr.ErrUpstreamUnreachable or apierr.ErrUpstreamTimeout; an upstream
// error status is a normal Response with a non-2xx StatusCode.
func (c *Client) Messages(ctx context.Context, body []byte, header http.Header) (*Response, error) {
	return c.post(ctx, messagesPath, body, header)
}

// CountTokens forwards a /v1/messages/count_tokens call under its own ceiling.
func (c *Client) CountTokens(ctx context.Context, body []byte, header http.Header) (*Response, error) {
	var resp *Response
	err := WithCeiling(ctx, c.cfg.CountTokensTimeout, func(ctx context.Context) error {
		r, err := c.post(ctx, countTokensPath, body, header)
		if err != nil {
			return err
		}
		if r.IsStream() {
			_ = r.Close()
			return fmt.Errorf("%w: unexpected event stream from count_tokens", apierr.ErrUpstreamProtocol)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, header http.Header) (*Response, error) {
	start := time.Now()
	url := c.cfg.BaseURL + path

	doOnce := func(ctx context.Context, body []byte) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build upstream request: %w", err)
		}
		httpReq.Header = c.outboundHeader(header)
		return c.httpClient.Do(httpReq)
	}

	resp, err := c.doWithRetry(ctx, body, doOnce)
	if err != nil {
		c.logger.Warn("upstream request failed",
			zap.String("path", path),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return nil, classifyTransportError(err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && isEventStream(resp.Header) {
		out.Stream = resp.Body
		c.logger.Debug("upstream stream opened",
			zap.String("path", path),
			zap.Duration("duration", time.Since(start)),
		)
		return out, nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, classifyTransportError(fmt.Errorf("read upstream body: %w", err))
	}
	out.Body = data

	if resp.StatusCode >= 400 {
		c.logger.Info("upstream returned error status",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(string(data), 200)),
		)
	} else {
		c.logger.Debug("upstream request completed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Int("bytes", len(data)),
			zap.Duration("duration", time.Since(start)),
		)
	}

	return out, nil
}

// outboundHeader copies the caller's forwarded headers and fills in the
// protocol defaults.
func (c *Client) outboundHeader(in http.Header) http.Header {
	h := make(http.Header, len(in)+2)
	for k, v := range in {
		h[k] = append([]string(nil), v...)
	}
	h.Set("Content-Type", "application/json")
	if h.Get("anthropic-version") == "" {
		h.Set("anthropic-version", c.cfg.APIVersion)
	}
	return h
}

func isEventStream(h http.Header) bool {
	mediaType, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mediaType == "text/event-stream"
}

// classifyTransportError maps a transport failure onto the gateway taxonomy.
// Caller cancellation is passed through untouched.
func classifyTransportError(err error) error {
	switch {
	case errors.Is(err, apierr.ErrUpstreamTimeout),
		errors.Is(err, apierr.ErrUpstreamUnreachable),
		errors.Is(err, apierr.ErrUpstreamProtocol):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return fmt.Errorf("%w: %v", apierr.ErrUpstreamTimeout, err)
	default:
		return fmt.Errorf("%w: %v", apierr.ErrUpstreamUnreachable, err)
	}
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
