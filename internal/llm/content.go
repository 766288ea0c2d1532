package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

const BlockText = "text"

// ContentKind tags which variant a MessageContent holds.
type ContentKind int

const (
	ContentAbsent ContentKind = iota
	ContentPlainText
	ContentBlockSequence
)

// MessageContent is the content of a request turn: either a plain string or
// an ordered sequence of blocks.
type MessageContent struct {
	Kind   ContentKind
	Text   string
	Blocks []ContentBlock
}

// PlainText builds a plain string content.
func PlainText(text string) MessageContent {
	return MessageContent{Kind: ContentPlainText, Text: text}
}

// BlockSequence builds a block sequence content.
func BlockSequence(blocks ...ContentBlock) MessageContent {
	return MessageContent{Kind: ContentBlockSequence, Blocks: blocks}
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = MessageContent{}
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = PlainText(s)
	case '[':
		var blocks []ContentBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return err
		}
		*c = BlockSequence(blocks...)
	default:
		return fmt.Errorf("message content must be a string or an array, got %q", data[:1])
	}
	return nil
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case ContentPlainText:
		return json.Marshal(c.Text)
	case ContentBlockSequence:
		if c.Blocks == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(c.Blocks)
	default:
		return []byte("null"), nil
	}
}

// ContentBlock is one typed block of message content. Type and Text are
// decoded; every other field is kept verbatim so tool_use, image and
// thinking blocks survive a decode/encode cycle.
type ContentBlock struct {
	Type string
	Text string

	fields map[string]json.RawMessage
}

// TextBlock builds a text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// Field returns a raw field other than type and text.
func (b ContentBlock) Field(name string) json.RawMessage {
	return b.fields[name]
}

// Clone returns a copy whose raw fields can be changed independently.
func (b ContentBlock) Clone() ContentBlock {
	b.fields = maps.Clone(b.fields)
	return b
}

// SetField replaces a raw field other than type and text.
func (b *ContentBlock) SetField(name string, raw json.RawMessage) {
	if b.fields == nil {
		b.fields = make(map[string]json.RawMessage)
	}
	b.fields[name] = raw
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	*b = ContentBlock{}
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &b.Type); err != nil {
			return fmt.Errorf("content block type: %w", err)
		}
		delete(fields, "type")
	}
	if raw, ok := fields["text"]; ok {
		if err := json.Unmarshal(raw, &b.Text); err != nil {
			return fmt.Errorf("content block text: %w", err)
		}
		delete(fields, "text")
	}
	if len(fields) > 0 {
		b.fields = fields
	}
	return nil
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(b.fields)+2)
	for k, v := range b.fields {
		out[k] = v
	}

	typ, err := json.Marshal(b.Type)
	if err != nil {
		return nil, err
	}
	out["type"] = typ

	if b.Type == BlockText || b.Text != "" {
		text, err := json.Marshal(b.Text)
		if err != nil {
			return nil, err
		}
		out["text"] = text
	}

	return json.Marshal(out)
}
