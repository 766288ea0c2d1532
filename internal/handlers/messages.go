package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"promptcache-gateway/internal/apierr"
	"promptcache-gateway/internal/coordinator"
	"promptcache-gateway/internal/fingerprint"
	"promptcache-gateway/internal/llm"
	"promptcache-gateway/internal/stream"
	"promptcache-gateway/pkg/logging"
)

const (
	cacheHeader = "X-Cache"
	cacheHit    = "HIT"
	cacheMiss   = "MISS"
	cacheBypass = "BYPASS"

	DefaultProjectHeader = "X-Project-Context"
	DefaultHardTimeout   = 330 * time.Second
)

// errStreamReported marks a stream that carried its own error event; the
// client already has it.
var errStreamReported = errors.New("upstream reported an error in-stream")

// forwardedResponseHeaders are copied from upstream responses.
var forwardedResponseHeaders = []string{
	"Content-Type",
	"Request-Id",
	"Retry-After",
	"X-Should-Retry",
}

type MessagesConfig struct {
	// ProjectHeader scopes fingerprints; it is never forwarded upstream.
	ProjectHeader string
	// HardTimeout is the wall-clock ceiling on one upstream call, including
	// reading a streamed body to the end.
	HardTimeout time.Duration
}

// MessagesHandler serves /v1/messages and /v1/messages/count_tokens.
type MessagesHandler struct {
	upstream      llm.Invoker
	coordinator   *coordinator.Coordinator
	projectHeader string
	hardTimeout   time.Duration
}

func NewMessagesHandler(upstream llm.Invoker, coord *coordinator.Coordinator, cfg MessagesConfig) *MessagesHandler {
	if cfg.ProjectHeader == "" {
		cfg.ProjectHeader = DefaultProjectHeader
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = DefaultHardTimeout
	}
	return &MessagesHandler{
		upstream:      upstream,
		coordinator:   coord,
		projectHeader: cfg.ProjectHeader,
		hardTimeout:   cfg.HardTimeout,
	}
}

// Messages handles POST /v1/messages.
func (h *MessagesHandler) Messages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	header, err := forwardHeaders(r.Header)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	body, err := readBody(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	req, err := llm.ParseMessagesRequest(body)
	if err != nil {
		logging.L(ctx).Warn("invalid request", zap.Error(err))
		apierr.Write(w, apierr.InvalidRequest("request body is not valid JSON: %v", err))
		return
	}

	fp, cacheable := fingerprint.Compute(req, r.Header.Get(h.projectHeader))
	ctx = logging.WithFields(ctx,
		zap.String("model", req.Model),
		zap.Bool("stream", req.Stream),
	)
	logger := logging.L(ctx)

	cacheStatus := cacheBypass
	if cacheable {
		cacheStatus = cacheMiss
	}
	rl := newRelay(w, cacheStatus)
	call := func(ctx context.Context) (*coordinator.Result, error) {
		var res *coordinator.Result
		err := llm.WithCeiling(ctx, h.hardTimeout, func(ctx context.Context) error {
			out, err := h.forward(ctx, body, header, rl)
			res = out
			return err
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	res, err := h.coordinator.Handle(ctx, fp, call)
	if err != nil {
		h.fail(ctx, w, rl, err)
		return
	}

	switch {
	case res.Source == coordinator.SourceUpstream && rl.wasStarted():
		// already relayed
	case res.Source == coordinator.SourceCache && req.Stream:
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set(cacheHeader, cacheHit)
		w.WriteHeader(http.StatusOK)
		if err := stream.Replay(w, res.Message); err != nil {
			logger.Warn("cache replay failed", zap.Error(err))
		}
		_ = http.NewResponseController(w).Flush()
	default:
		copyResponseHeaders(w.Header(), res.Header)
		w.Header().Set("Content-Type", "application/json")
		if res.Source == coordinator.SourceCache {
			cacheStatus = cacheHit
		}
		w.Header().Set(cacheHeader, cacheStatus)
		w.WriteHeader(res.StatusCode)
		_, _ = w.Write(res.Body)
	}

	logger.Info("messages_request",
		zap.String("source", string(res.Source)),
		zap.Bool("cacheable", cacheable),
		zap.Int("status", res.StatusCode),
		zap.Int("output_tokens", res.Message.OutputTokens()),
		zap.Duration("total_latency", time.Since(start)),
	)
}

// forward performs one upstream call. Streams are relayed to the client as
// they arrive and reassembled for admission.
func (h *MessagesHandler) forward(ctx context.Context, body []byte, header http.Header, rl *relay) (*coordinator.Result, error) {
	resp, err := h.upstream.Messages(ctx, body, header)
	if err != nil {
		return nil, err
	}

	if !resp.IsStream() {
		res := &coordinator.Result{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       resp.Body,
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			msg, err := llm.ParseMessage(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", apierr.ErrUpstreamProtocol, err)
			}
			res.Message = msg
		}
		return res, nil
	}
	defer resp.Close()

	if err := rl.begin(resp.StatusCode, resp.Header); err != nil {
		return nil, err
	}

	asm := stream.NewAssembler()
	if err := asm.Consume(resp.Stream, rl.line); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: stream interrupted: %v", apierr.ErrUpstreamProtocol, err)
	}

	msg, complete := asm.Result()
	if apiErr := asm.Err(); apiErr != nil && !complete {
		return nil, fmt.Errorf("%w: %w: %s", apierr.ErrUpstreamProtocol, errStreamReported, apiErr.Type)
	}
	if !complete || msg == nil {
		return nil, fmt.Errorf("%w: stream ended before message_stop", apierr.ErrUpstreamProtocol)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: encode reconstructed message: %v", apierr.ErrUpstreamProtocol, err)
	}
	return &coordinator.Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		Message:    msg,
	}, nil
}

func (h *MessagesHandler) fail(ctx context.Context, w http.ResponseWriter, rl *relay, err error) {
	logger := logging.L(ctx)

	if errors.Is(err, context.Canceled) {
		rl.fail(err, false)
		logger.Info("client went away", zap.Error(err))
		return
	}

	status, _ := apierr.Classify(err)
	logger.Warn("messages_request_failed", zap.Int("status", status), zap.Error(err))

	if rl.fail(err, !errors.Is(err, errStreamReported)) {
		return
	}
	apierr.Write(w, err)
}

// CountTokens handles POST /v1/messages/count_tokens. It is never cached.
func (h *MessagesHandler) CountTokens(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	header, err := forwardHeaders(r.Header)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	body, err := readBody(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	if !json.Valid(body) {
		apierr.Write(w, apierr.InvalidRequest("request body is not valid JSON"))
		return
	}

	resp, err := h.upstream.CountTokens(ctx, body, header)
	if err != nil {
		logging.L(ctx).Warn("count_tokens_failed", zap.Error(err))
		apierr.Write(w, err)
		return
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// forwardHeaders selects what goes upstream: exactly one credential, the
// beta flag and the API version. Everything else, the project header
// included, stays here.
func forwardHeaders(in http.Header) (http.Header, error) {
	out := make(http.Header, 3)

	switch {
	case in.Get("x-api-key") != "":
		out.Set("x-api-key", in.Get("x-api-key"))
	case in.Get("authorization") != "":
		out.Set("authorization", in.Get("authorization"))
	default:
		return nil, apierr.Unauthenticated("missing API key: send x-api-key or authorization")
	}

	if beta := in.Values("anthropic-beta"); len(beta) > 0 {
		out["Anthropic-Beta"] = append([]string(nil), beta...)
	}
	if v := in.Get("anthropic-version"); v != "" {
		out.Set("anthropic-version", v)
	}
	return out, nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &apierr.ClientError{
				Status:  http.StatusRequestEntityTooLarge,
				Type:    "request_too_large",
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			}
		}
		return nil, apierr.InvalidRequest("failed to read request body: %v", err)
	}
	return body, nil
}

func copyResponseHeaders(dst, src http.Header) {
	for _, k := range forwardedResponseHeaders {
		if v := src.Values(k); len(v) > 0 {
			dst[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
		}
	}
	for k, v := range src {
		if strings.HasPrefix(k, "Anthropic-") {
			dst[k] = append([]string(nil), v...)
		}
	}
}

func writeSSEError(w io.Writer, typ, msg string) error {
	data, err := json.Marshal(apierr.Body{
		Type:  "error",
		Error: apierr.Detail{Type: typ, Message: msg},
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	return err
}

// writeJSON is a small helper to send JSON responses consistently.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
