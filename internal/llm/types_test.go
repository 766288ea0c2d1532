package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageContentVariants(t *testing.T) {
	body := []byte(`{
		"model": "claude-x",
		"messages": [
			{"role": "user", "content": "plain"},
			{"role": "assistant", "content": [{"type": "text", "text": "a"}, {"type": "tool_use", "id": "t1", "name": "ls", "input": {}}]},
			{"role": "user"}
		]
	}`)

	req, err := ParseMessagesRequest(body)
	require.NoError(t, err)
	require.Len(t, req.Messages, 3)

	assert.Equal(t, ContentPlainText, req.Messages[0].Content.Kind)
	assert.Equal(t, "plain", req.Messages[0].Content.Text)

	assert.Equal(t, ContentBlockSequence, req.Messages[1].Content.Kind)
	require.Len(t, req.Messages[1].Content.Blocks, 2)
	assert.Equal(t, "tool_use", req.Messages[1].Content.Blocks[1].Type)

	assert.Equal(t, ContentAbsent, req.Messages[2].Content.Kind)
}

func TestMessageContentRejectsObject(t *testing.T) {
	_, err := ParseMessagesRequest([]byte(`{"messages":[{"role":"user","content":{"x":1}}]}`))
	require.Error(t, err)
}

func TestContentBlockKeepsUnknownFields(t *testing.T) {
	in := `{"id":"toolu_1","input":{"path":"/tmp"},"name":"ls","type":"tool_use"}`

	var b ContentBlock
	require.NoError(t, json.Unmarshal([]byte(in), &b))
	assert.Equal(t, "tool_use", b.Type)
	assert.JSONEq(t, `{"path":"/tmp"}`, string(b.Field("input")))

	out, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestTextBlockAlwaysCarriesText(t *testing.T) {
	out, err := json.Marshal(TextBlock(""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text","text":""}`, string(out))
}

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"id":"m1","content":[],"stop_reason":null,"usage":{"input_tokens":3,"output_tokens":7}}`))
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Nil(t, msg.StopReason)
	assert.Equal(t, 7, msg.OutputTokens())

	var nilMsg *Message
	assert.Equal(t, 0, nilMsg.OutputTokens())
}
