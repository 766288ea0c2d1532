// Package admission decides whether a completed response is worth caching,
// and whether a cached entry is still fit to serve.
package admission

import (
	"errors"
	"strings"

	"promptcache-gateway/internal/llm"
)

// Rejection is the reason a message failed a check. The string value is
// stable and used as a metrics label.
type Rejection string

func (r Rejection) Error() string {
	return "admission rejected: " + string(r)
}

const (
	ErrNoIdentity    Rejection = "no_identity"
	ErrTruncated     Rejection = "truncated"
	ErrNoOutput      Rejection = "no_output"
	ErrBelowFloor    Rejection = "below_floor"
	ErrMetadataReply Rejection = "metadata_reply"
)

const DefaultMinOutputTokens = 20

// DefaultMetadataKeys are the keys of internal classification objects that
// must never be served as an answer.
var DefaultMetadataKeys = []string{"isNewTopic", "title", "type", "status"}

type Policy struct {
	MinOutputTokens int
	metadataKeys    map[string]struct{}
}

// NewPolicy builds a policy. Zero values fall back to the defaults.
func NewPolicy(minOutputTokens int, metadataKeys []string) *Policy {
	if minOutputTokens <= 0 {
		minOutputTokens = DefaultMinOutputTokens
	}
	if len(metadataKeys) == 0 {
		metadataKeys = DefaultMetadataKeys
	}
	return &Policy{
		MinOutputTokens: minOutputTokens,
		metadataKeys:    KeySet(metadataKeys...),
	}
}

// Validate is the read-time check applied to a stored entry before it is
// served as a hit.
func (p *Policy) Validate(msg *llm.Message) error {
	if msg == nil || (msg.ID == "" && msg.Error == nil) {
		return ErrNoIdentity
	}
	if len(msg.Content) == 0 && msg.StopReason == nil {
		return ErrTruncated
	}
	if msg.OutputTokens() < 1 {
		return ErrNoOutput
	}
	return nil
}

// Admit is the write-time check applied before persisting a fresh response.
// A rejected response is still returned to its caller; only the write is
// skipped.
func (p *Policy) Admit(msg *llm.Message) error {
	if err := p.Validate(msg); err != nil {
		return err
	}
	if msg.OutputTokens() < p.MinOutputTokens {
		return ErrBelowFloor
	}
	if p.isMetadataReply(msg) {
		return ErrMetadataReply
	}
	return nil
}

func (p *Policy) isMetadataReply(msg *llm.Message) bool {
	if len(msg.Content) != 1 || msg.Content[0].Type != llm.BlockText {
		return false
	}
	return IsMetadataText(strings.TrimSpace(msg.Content[0].Text), p.metadataKeys)
}

// Reason returns the metrics label for err, or "error" if err is not a
// Rejection.
func Reason(err error) string {
	var r Rejection
	if errors.As(err, &r) {
		return string(r)
	}
	return "error"
}
