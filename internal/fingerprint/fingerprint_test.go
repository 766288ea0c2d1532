package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptcache-gateway/internal/llm"
)

func user(c llm.MessageContent) llm.InputMessage {
	return llm.InputMessage{Role: llm.RoleUser, Content: c}
}

func assistant(text string) llm.InputMessage {
	return llm.InputMessage{Role: llm.RoleAssistant, Content: llm.PlainText(text)}
}

func TestComputeMatchesDefinition(t *testing.T) {
	req := &llm.MessagesRequest{Messages: []llm.InputMessage{user(llm.PlainText("Hello  World"))}}

	fp, ok := Compute(req, "proj")
	require.True(t, ok)

	sum := sha256.Sum256([]byte("proj:hello world"))
	assert.Equal(t, Fingerprint(hex.EncodeToString(sum[:])), fp)
	assert.Len(t, string(fp), 64)
	assert.Equal(t, "resp:"+string(fp), fp.CacheKey())
	assert.Equal(t, "lock:"+string(fp), fp.LockKey())
}

func TestComputeIgnoresHistory(t *testing.T) {
	a := &llm.MessagesRequest{Messages: []llm.InputMessage{
		user(llm.PlainText("explain the bug")),
		assistant("it is in main.go"),
		user(llm.PlainText("Fix it")),
	}}
	b := &llm.MessagesRequest{Messages: []llm.InputMessage{
		user(llm.PlainText("write a poem")),
		assistant("roses are red"),
		user(llm.PlainText("  fix   IT\n")),
	}}
	c := &llm.MessagesRequest{Messages: []llm.InputMessage{user(llm.PlainText("fix it"))}}

	fa, okA := Compute(a, "")
	fb, okB := Compute(b, "")
	fc, okC := Compute(c, "")

	require.True(t, okA && okB && okC)
	assert.Equal(t, fa, fb)
	assert.Equal(t, fa, fc)
}

func TestComputeUsesLastUserTurnEvenWhenAssistantIsLast(t *testing.T) {
	req := &llm.MessagesRequest{Messages: []llm.InputMessage{
		user(llm.PlainText("question")),
		assistant("prefill"),
	}}
	plain := &llm.MessagesRequest{Messages: []llm.InputMessage{user(llm.PlainText("question"))}}

	fa, ok := Compute(req, "")
	require.True(t, ok)
	fb, _ := Compute(plain, "")
	assert.Equal(t, fa, fb)
}

func TestComputeProjectContextSeparatesKeys(t *testing.T) {
	req := &llm.MessagesRequest{Messages: []llm.InputMessage{user(llm.PlainText("hi"))}}

	fa, _ := Compute(req, "alpha")
	fb, _ := Compute(req, "beta")
	assert.NotEqual(t, fa, fb)
}

func TestComputeBlockSequence(t *testing.T) {
	var image llm.ContentBlock
	image.Type = "image"

	blocks := &llm.MessagesRequest{Messages: []llm.InputMessage{
		user(llm.BlockSequence(llm.TextBlock("Hello"), image, llm.TextBlock("World"))),
	}}
	plain := &llm.MessagesRequest{Messages: []llm.InputMessage{user(llm.PlainText("hello world"))}}

	fa, ok := Compute(blocks, "p")
	require.True(t, ok)
	fb, _ := Compute(plain, "p")
	assert.Equal(t, fa, fb)
}

func TestComputeUncacheable(t *testing.T) {
	tests := []struct {
		name string
		req  *llm.MessagesRequest
	}{
		{"nil request", nil},
		{"empty messages", &llm.MessagesRequest{}},
		{"no user turn", &llm.MessagesRequest{Messages: []llm.InputMessage{assistant("hi")}}},
		{"only reminder", &llm.MessagesRequest{Messages: []llm.InputMessage{
			user(llm.PlainText("<system-reminder>\nctx\n</system-reminder>\n  ")),
		}}},
		{"only non-text blocks", &llm.MessagesRequest{Messages: []llm.InputMessage{
			user(llm.BlockSequence(llm.ContentBlock{Type: "tool_result"})),
		}}},
		{"absent content", &llm.MessagesRequest{Messages: []llm.InputMessage{{Role: llm.RoleUser}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Compute(tt.req, "p")
			assert.False(t, ok)
		})
	}
}

func TestNormalize(t *testing.T) {
	in := "Before <system-reminder>one\nline two</system-reminder> middle\t\t<system-reminder>x</system-reminder>  AFTER\n"
	assert.Equal(t, "before middle after", Normalize(in))

	// non-greedy: text between two reminder blocks survives
	assert.Equal(t, "keep", Normalize("<system-reminder>a</system-reminder>keep<system-reminder>b</system-reminder>"))
}

func TestNormalizeUnicodeWhitespace(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"vertical tab", "hello\vworld"},
		{"no-break space", "hello\u00a0world"},
		{"ideographic space", "hello \u3000 world"},
		{"mixed at the ends", "\u00a0\v hello\u2003world\u3000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, "hello world", Normalize(tt.in))
		})
	}
}
