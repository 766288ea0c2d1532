// Package fingerprint derives the cache identity of a Messages request.
//
// Only the latest user turn counts; earlier history never affects the key,
// so "fix it" hits the same entry whatever preceded it.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"promptcache-gateway/internal/llm"
)

var systemReminder = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`)

// Fingerprint is the hex SHA-256 identifying "the same cacheable request".
type Fingerprint string

// CacheKey is where the response for this fingerprint is stored.
func (f Fingerprint) CacheKey() string {
	return "resp:" + string(f)
}

// LockKey is the single-flight lock for this fingerprint.
func (f Fingerprint) LockKey() string {
	return "lock:" + string(f)
}

// Short is a log-friendly prefix.
func (f Fingerprint) Short() string {
	if len(f) > 12 {
		return string(f[:12])
	}
	return string(f)
}

// Compute fingerprints req within projectContext. ok is false when the
// request is uncacheable: no user turn, or no text left after normalization.
func Compute(req *llm.MessagesRequest, projectContext string) (fp Fingerprint, ok bool) {
	if req == nil {
		return "", false
	}

	msg, found := lastUserMessage(req.Messages)
	if !found {
		return "", false
	}

	text := Normalize(ExtractText(msg.Content))
	if text == "" {
		return "", false
	}

	sum := sha256.Sum256([]byte(projectContext + ":" + text))
	return Fingerprint(hex.EncodeToString(sum[:])), true
}

func lastUserMessage(msgs []llm.InputMessage) (llm.InputMessage, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			return msgs[i], true
		}
	}
	return llm.InputMessage{}, false
}

// ExtractText returns the textual part of a turn. Text blocks are joined with
// a single space; every other block type is skipped.
func ExtractText(c llm.MessageContent) string {
	switch c.Kind {
	case llm.ContentPlainText:
		return c.Text
	case llm.ContentBlockSequence:
		parts := make([]string, 0, len(c.Blocks))
		for _, b := range c.Blocks {
			if b.Type == llm.BlockText {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

// Normalize strips <system-reminder> spans, collapses Unicode whitespace
// runs to one space and lower-cases. An empty result means there is nothing
// to fingerprint.
func Normalize(text string) string {
	text = systemReminder.ReplaceAllString(text, "")
	text = strings.Join(strings.Fields(text), " ")
	return strings.ToLower(text)
}
