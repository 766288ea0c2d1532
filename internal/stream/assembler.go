// Package stream rebuilds a complete Messages response from its SSE event
// stream, and renders a stored response back into one.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"promptcache-gateway/internal/llm"
)

const (
	EventMessageStart      = "message_start"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// MaxLineSize caps a single SSE line read by Consume.
const MaxLineSize = 8 << 20

// event is the union of every payload shape the assembler understands.
type event struct {
	Type         string             `json:"type"`
	Message      json.RawMessage    `json:"message"`
	Index        int                `json:"index"`
	ContentBlock *llm.ContentBlock  `json:"content_block"`
	Delta        *delta             `json:"delta"`
	Content      []llm.ContentBlock `json:"content"`
	Usage        *llm.Usage         `json:"usage"`
	Error        *llm.APIError      `json:"error"`
}

type delta struct {
	Type         string             `json:"type"`
	Text         string             `json:"text"`
	Thinking     string             `json:"thinking"`
	Signature    string             `json:"signature"`
	PartialJSON  string             `json:"partial_json"`
	StopReason   *string            `json:"stop_reason"`
	StopSequence *string            `json:"stop_sequence"`
	Content      []llm.ContentBlock `json:"content"`
	Usage        *llm.Usage         `json:"usage"`
}

// openBlock tracks a content block still receiving deltas.
type openBlock struct {
	pos       int
	thinking  strings.Builder
	signature strings.Builder
	input     strings.Builder
}

// Assembler is a request-local state machine. It is not safe for concurrent
// use.
type Assembler struct {
	msg      *llm.Message
	complete bool
	event    string
	open     map[int]*openBlock
	err      *llm.APIError
	maxLine  int
}

func NewAssembler() *Assembler {
	return &Assembler{open: make(map[int]*openBlock), maxLine: MaxLineSize}
}

// Feed consumes one SSE line. Comments, blank lines and malformed payloads
// are skipped.
func (a *Assembler) Feed(line []byte) {
	if a.complete {
		return
	}

	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] == ':' {
		return
	}

	if name, ok := bytes.CutPrefix(line, []byte("event:")); ok {
		a.event = string(bytes.TrimSpace(name))
		return
	}

	payload := line
	if data, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		payload = bytes.TrimSpace(data)
	}
	name := a.event
	a.event = ""
	if len(payload) == 0 || payload[0] != '{' {
		return
	}

	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	if ev.Type != "" {
		name = ev.Type
	}
	a.apply(name, &ev, payload)
}

func (a *Assembler) apply(name string, ev *event, payload []byte) {
	switch name {
	case EventMessageStart:
		a.start(ev, payload)
	case EventError:
		a.err = ev.Error
	}

	if a.msg == nil {
		return
	}

	switch name {
	case EventMessageDelta:
		a.messageDelta(ev)
	case EventContentBlockStart:
		if ev.ContentBlock == nil {
			return
		}
		a.msg.Content = append(a.msg.Content, ev.ContentBlock.Clone())
		a.open[ev.Index] = &openBlock{pos: len(a.msg.Content) - 1}
	case EventContentBlockDelta:
		a.blockDelta(ev)
	case EventContentBlockStop:
		if b, ok := a.open[ev.Index]; ok {
			a.finish(b)
			delete(a.open, ev.Index)
		}
	case EventMessageStop:
		a.finishAll()
		a.complete = true
	}
}

func (a *Assembler) start(ev *event, payload []byte) {
	raw := []byte(ev.Message)
	if len(raw) == 0 {
		raw = payload
	}
	msg, err := llm.ParseMessage(raw)
	if err != nil {
		return
	}
	if msg.Type == "" || msg.Type == EventMessageStart {
		msg.Type = "message"
	}
	if msg.Content == nil {
		msg.Content = []llm.ContentBlock{}
	}
	a.msg = msg
	a.open = make(map[int]*openBlock)
}

func (a *Assembler) messageDelta(ev *event) {
	a.msg.Content = append(a.msg.Content, ev.Content...)

	usage := ev.Usage
	if d := ev.Delta; d != nil {
		a.msg.Content = append(a.msg.Content, d.Content...)
		if d.StopReason != nil {
			a.msg.StopReason = d.StopReason
		}
		if d.StopSequence != nil {
			a.msg.StopSequence = d.StopSequence
		}
		if usage == nil {
			usage = d.Usage
		}
	}
	if usage != nil {
		u := *usage
		a.msg.Usage = &u
	}
}

func (a *Assembler) blockDelta(ev *event) {
	b, ok := a.open[ev.Index]
	if !ok || ev.Delta == nil {
		return
	}
	switch ev.Delta.Type {
	case "text_delta":
		a.msg.Content[b.pos].Text += ev.Delta.Text
	case "thinking_delta":
		b.thinking.WriteString(ev.Delta.Thinking)
	case "signature_delta":
		b.signature.WriteString(ev.Delta.Signature)
	case "input_json_delta":
		b.input.WriteString(ev.Delta.PartialJSON)
	}
}

// finish folds accumulated non-text deltas into the block's raw fields.
func (a *Assembler) finish(b *openBlock) {
	block := &a.msg.Content[b.pos]
	if b.thinking.Len() > 0 {
		block.SetField("thinking", appendString(block.Field("thinking"), b.thinking.String()))
	}
	if b.signature.Len() > 0 {
		raw, _ := json.Marshal(b.signature.String())
		block.SetField("signature", raw)
	}
	if b.input.Len() > 0 {
		if input := []byte(b.input.String()); json.Valid(input) {
			block.SetField("input", input)
		}
	}
}

func (a *Assembler) finishAll() {
	for idx, b := range a.open {
		a.finish(b)
		delete(a.open, idx)
	}
}

// appendString extends a raw JSON string field.
func appendString(raw json.RawMessage, suffix string) json.RawMessage {
	var prefix string
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &prefix)
	}
	out, _ := json.Marshal(prefix + suffix)
	return out
}

// Result returns the accumulated message and whether message_stop was seen.
// An incomplete or nil result is a protocol failure for the caller; it must
// never be cached.
func (a *Assembler) Result() (*llm.Message, bool) {
	if a.msg != nil && !a.complete {
		a.finishAll()
	}
	return a.msg, a.complete
}

// Complete reports whether message_stop was seen.
func (a *Assembler) Complete() bool {
	return a.complete
}

// Err returns the payload of an in-stream error event, if any.
func (a *Assembler) Err() *llm.APIError {
	return a.err
}

// Consume reads SSE lines from r until EOF, feeding each to the assembler.
// tee, when set, receives every raw line (newline included) before it is
// parsed; a tee error stops consumption. A line longer than MaxLineSize
// fails with an error wrapping bufio.ErrTooLong.
func (a *Assembler) Consume(r io.Reader, tee func(line []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(4096, a.maxLine)), a.maxLine)
	sc.Split(scanRawLines)
	for sc.Scan() {
		line := sc.Bytes()
		if tee != nil {
			if err := tee(line); err != nil {
				return err
			}
		}
		a.Feed(line)
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("sse line exceeds %d bytes: %w", a.maxLine, err)
		}
		return err
	}
	return nil
}

// scanRawLines is bufio.ScanLines without stripping the line terminator.
func scanRawLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i+1], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
