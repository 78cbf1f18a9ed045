// Package stream turns the raw byte stream of an assistant response into a
// flat sequence of decode events. The wire format is the Anthropic-style
// server-sent event stream (message_start, content_block_start,
// content_block_delta, content_block_stop, message_delta, message_stop);
// the decoder hides the framing and the per-block bookkeeping so callers
// only see text deltas, tool call lifecycles, and the end of the turn.
package stream

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/ljchg12-hue/glm-cli/errors"
)

// EventType discriminates decode events.
type EventType string

const (
	// TextDelta carries a fragment of assistant prose.
	TextDelta EventType = "text_delta"
	// ToolCallStarted announces a tool call: ID and Name are set, arguments
	// follow as ArgDelta events.
	ToolCallStarted EventType = "tool_call_started"
	// ToolCallArgDelta carries a fragment of the call's argument JSON.
	ToolCallArgDelta EventType = "tool_call_arg_delta"
	// ToolCallCompleted carries the fully assembled, validated arguments.
	ToolCallCompleted EventType = "tool_call_completed"
	// TurnFinished ends the response; Reason is the model's stop reason.
	TurnFinished EventType = "turn_finished"
	// DecodeError reports a malformed portion of the stream. When ID is
	// non-empty the error is scoped to that tool call; the stream continues
	// either way.
	DecodeError EventType = "decode_error"
)

// Event is one decoded occurrence. Fields are populated per Type.
type Event struct {
	Type   EventType
	Text   string
	ID     string
	Name   string
	Args   json.RawMessage
	Reason string
	Err    error
}

// wireEvent is the envelope of one server-sent data payload.
type wireEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
}

// block tracks one in-flight tool_use content block.
type block struct {
	id   string
	name string
	args bytes.Buffer
}

// Decoder reassembles arbitrarily fragmented response bytes into events.
// One Decoder serves one assistant turn; it is not safe for concurrent use.
type Decoder struct {
	buf      bytes.Buffer
	blocks   map[int]*block
	seen     map[string]bool
	poisoned map[int]bool
	reason   string
	finished bool
}

// NewDecoder returns a decoder for a fresh assistant turn.
func NewDecoder() *Decoder {
	return &Decoder{
		blocks:   make(map[int]*block),
		seen:     make(map[string]bool),
		poisoned: make(map[int]bool),
	}
}

// Feed consumes the next fragment and returns the events it completes.
// Fragments may split the stream at any byte boundary; the decoder emits
// identical events for any fragmentation of the same stream.
func (d *Decoder) Feed(fragment []byte) []Event {
	d.buf.Write(fragment)

	var events []Event
	for {
		raw := d.buf.Bytes()
		nl := bytes.IndexByte(raw, '\n')
		if nl < 0 {
			break
		}
		line := strings.TrimSpace(string(raw[:nl]))
		d.buf.Next(nl + 1)
		if line == "" || strings.HasPrefix(line, "event:") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			events = append(events, Event{
				Type: DecodeError,
				Err:  errors.NewKind(errors.KindDecode, "unexpected stream line %q", truncate(line)),
			})
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			events = append(events, d.finish()...)
			continue
		}
		events = append(events, d.handle(data)...)
	}
	return events
}

// Finished reports whether the turn ended cleanly with a TurnFinished
// event. Backends use it to detect streams cut off mid-response.
func (d *Decoder) Finished() bool {
	return d.finished
}

func (d *Decoder) handle(data string) []Event {
	var ev wireEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return []Event{{
			Type: DecodeError,
			Err:  errors.WrapKind(err, errors.KindDecode, "malformed stream event"),
		}}
	}

	switch ev.Type {
	case "message_start", "ping":
		return nil

	case "content_block_start":
		if ev.ContentBlock.Type != "tool_use" {
			return nil
		}
		id := ev.ContentBlock.ID
		if id == "" {
			d.poisoned[ev.Index] = true
			return []Event{{
				Type: DecodeError,
				Err:  errors.NewKind(errors.KindDecode, "tool_use block without id"),
			}}
		}
		if d.seen[id] {
			d.poisoned[ev.Index] = true
			return []Event{{
				Type: DecodeError,
				ID:   id,
				Err:  errors.NewKind(errors.KindDecode, "duplicate tool call id %q", id),
			}}
		}
		d.seen[id] = true
		d.blocks[ev.Index] = &block{id: id, name: ev.ContentBlock.Name}
		return []Event{{Type: ToolCallStarted, ID: id, Name: ev.ContentBlock.Name}}

	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text == "" {
				return nil
			}
			return []Event{{Type: TextDelta, Text: ev.Delta.Text}}
		case "input_json_delta":
			b, ok := d.blocks[ev.Index]
			if !ok {
				// A block already failed at start has reported its one
				// error; swallow its deltas instead of repeating it.
				if d.poisoned[ev.Index] {
					return nil
				}
				return []Event{{
					Type: DecodeError,
					Err:  errors.NewKind(errors.KindDecode, "argument delta for unknown block %d", ev.Index),
				}}
			}
			b.args.WriteString(ev.Delta.PartialJSON)
			return []Event{{Type: ToolCallArgDelta, ID: b.id, Text: ev.Delta.PartialJSON}}
		}
		return nil

	case "content_block_stop":
		b, ok := d.blocks[ev.Index]
		if !ok {
			delete(d.poisoned, ev.Index)
			return nil
		}
		delete(d.blocks, ev.Index)
		args := b.args.Bytes()
		if len(bytes.TrimSpace(args)) == 0 {
			args = []byte("{}")
		}
		if !json.Valid(args) {
			return []Event{{
				Type: DecodeError,
				ID:   b.id,
				Err:  errors.NewKind(errors.KindDecode, "tool call %q: arguments are not valid JSON", b.id),
			}}
		}
		return []Event{{Type: ToolCallCompleted, ID: b.id, Name: b.name, Args: json.RawMessage(args)}}

	case "message_delta":
		if ev.Delta.StopReason != "" {
			d.reason = ev.Delta.StopReason
		}
		return nil

	case "message_stop":
		return d.finish()
	}

	// Unknown event types are forward-compatibility noise, not errors.
	return nil
}

func (d *Decoder) finish() []Event {
	if d.finished {
		return nil
	}
	d.finished = true

	var events []Event
	// Blocks never closed by content_block_stop are truncated calls.
	indices := make([]int, 0, len(d.blocks))
	for i := range d.blocks {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	for _, i := range indices {
		b := d.blocks[i]
		events = append(events, Event{
			Type: DecodeError,
			ID:   b.id,
			Err:  errors.NewKind(errors.KindDecode, "tool call %q: stream ended before arguments completed", b.id),
		})
	}
	d.blocks = make(map[int]*block)
	events = append(events, Event{Type: TurnFinished, Reason: d.reason})
	return events
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
