package llm

import (
	"encoding/json"
	"fmt"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MessagesRequest is the subset of a /v1/messages body the gateway needs to
// understand. The body itself is forwarded upstream untouched.
type MessagesRequest struct {
	Model    string         `json:"model"`
	Messages []InputMessage `json:"messages"`
	Stream   bool           `json:"stream,omitempty"`
}

// InputMessage is one conversation turn in a request.
type InputMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// ParseMessagesRequest decodes a request body. Only malformed JSON is an
// error; semantic validation is left to the upstream.
func ParseMessagesRequest(body []byte) (*MessagesRequest, error) {
	var req MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode messages request: %w", err)
	}
	return &req, nil
}

// Usage is the token accounting attached to a message.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// APIError is the structured error payload of an error response or event.
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Message is a complete assistant response, either decoded from a buffered
// upstream body or reconstructed from a stream.
type Message struct {
	ID           string         `json:"id,omitempty"`
	Type         string         `json:"type,omitempty"`
	Role         string         `json:"role,omitempty"`
	Model        string         `json:"model,omitempty"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        *Usage         `json:"usage,omitempty"`
	Error        *APIError      `json:"error,omitempty"`
}

// ParseMessage decodes a JSON message body.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

// OutputTokens returns usage.output_tokens, or 0 when usage is missing.
func (m *Message) OutputTokens() int {
	if m == nil || m.Usage == nil {
		return 0
	}
	return m.Usage.OutputTokens
}
