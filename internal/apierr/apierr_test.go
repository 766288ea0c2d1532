package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"client", InvalidRequest("bad %s", "json"), http.StatusBadRequest, "invalid_request_error"},
		{"auth", Unauthenticated("Missing API key"), http.StatusUnauthorized, "authentication_error"},
		{"timeout", fmt.Errorf("call: %w", ErrUpstreamTimeout), http.StatusGatewayTimeout, "timeout_error"},
		{"unreachable", fmt.Errorf("dial: %w", ErrUpstreamUnreachable), http.StatusServiceUnavailable, "overloaded_error"},
		{"protocol", fmt.Errorf("stream: %w", ErrUpstreamProtocol), http.StatusBadGateway, "api_error"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "api_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, typ := Classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.typ, typ)
		})
	}
}

func TestWriteUsesClientMessage(t *testing.T) {
	rr := httptest.NewRecorder()
	Write(rr, Unauthenticated("Missing API key"))

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body Body
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "error", body.Type)
	assert.Equal(t, "authentication_error", body.Error.Type)
	assert.Equal(t, "Missing API key", body.Error.Message)
}
