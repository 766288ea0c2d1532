package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"promptcache-gateway/internal/llm"
)

// Replay writes msg as the event sequence the upstream would have streamed:
// message_start, one start/delta/stop triple per content block,
// message_delta and message_stop. Feeding the output back through an
// Assembler yields an equivalent message.
func Replay(w io.Writer, msg *llm.Message) error {
	skeleton := *msg
	skeleton.Content = []llm.ContentBlock{}
	skeleton.StopReason = nil
	skeleton.StopSequence = nil
	skeleton.Error = nil
	if skeleton.Type == "" {
		skeleton.Type = "message"
	}
	if err := writeEvent(w, EventMessageStart, map[string]any{
		"type":    EventMessageStart,
		"message": skeleton,
	}); err != nil {
		return err
	}

	for i, block := range msg.Content {
		if err := replayBlock(w, i, block); err != nil {
			return err
		}
	}

	d := map[string]any{
		"stop_reason":   msg.StopReason,
		"stop_sequence": msg.StopSequence,
	}
	md := map[string]any{"type": EventMessageDelta, "delta": d}
	if msg.Usage != nil {
		md["usage"] = msg.Usage
	}
	if err := writeEvent(w, EventMessageDelta, md); err != nil {
		return err
	}

	return writeEvent(w, EventMessageStop, map[string]any{"type": EventMessageStop})
}

func replayBlock(w io.Writer, index int, block llm.ContentBlock) error {
	start := block.Clone()
	var deltas []map[string]any

	switch block.Type {
	case llm.BlockText:
		start.Text = ""
		if block.Text != "" {
			deltas = append(deltas, map[string]any{"type": "text_delta", "text": block.Text})
		}
	case "thinking":
		var thinking, signature string
		_ = json.Unmarshal(block.Field("thinking"), &thinking)
		_ = json.Unmarshal(block.Field("signature"), &signature)
		start.SetField("thinking", json.RawMessage(`""`))
		start.SetField("signature", json.RawMessage(`""`))
		if thinking != "" {
			deltas = append(deltas, map[string]any{"type": "thinking_delta", "thinking": thinking})
		}
		if signature != "" {
			deltas = append(deltas, map[string]any{"type": "signature_delta", "signature": signature})
		}
	case "tool_use", "server_tool_use":
		if input := block.Field("input"); len(input) > 0 {
			start.SetField("input", json.RawMessage(`{}`))
			deltas = append(deltas, map[string]any{"type": "input_json_delta", "partial_json": string(input)})
		}
	}

	if err := writeEvent(w, EventContentBlockStart, map[string]any{
		"type":          EventContentBlockStart,
		"index":         index,
		"content_block": start,
	}); err != nil {
		return err
	}
	for _, d := range deltas {
		if err := writeEvent(w, EventContentBlockDelta, map[string]any{
			"type":  EventContentBlockDelta,
			"index": index,
			"delta": d,
		}); err != nil {
			return err
		}
	}
	return writeEvent(w, EventContentBlockStop, map[string]any{
		"type":  EventContentBlockStop,
		"index": index,
	})
}

func writeEvent(w io.Writer, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", name, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
