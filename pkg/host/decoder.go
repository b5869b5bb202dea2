// JSON-lines decoder for recorded host events
// Each line is one object whose "type" field selects the event
package host

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrUnknownEvent is returned for a line whose type is not recognised.
var ErrUnknownEvent = errors.New("unknown event type")

const maxLineBytes = 16 << 20

// Decoder reads events from a JSON-lines stream.
type Decoder struct {
	scanner *bufio.Scanner
	line    int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Decoder{scanner: scanner}
}

// Next returns the next event, skipping blank lines. It returns io.EOF at
// the end of the stream. Errors name the offending line.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		d.line++
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := decodeEvent(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", d.line, err)
		}
		return ev, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", d.line+1, err)
	}
	return nil, io.EOF
}

var decoders = map[string]func([]byte) (Event, error){
	"session_start":    decodeInto[SessionStart],
	"session_switch":   decodeInto[SessionSwitch],
	"input":            decodeInto[Input],
	"agent_start":      decodeInto[AgentStart],
	"agent_end":        decodeInto[AgentEnd],
	"turn_start":       decodeInto[TurnStart],
	"turn_end":         decodeInto[TurnEnd],
	"tool_call":        decodeInto[ToolCall],
	"tool_result":      decodeInto[ToolResult],
	"model_select":     decodeInto[ModelSelect],
	"session_compact":  decodeInto[SessionCompact],
	"session_tree":     decodeInto[SessionTree],
	"session_shutdown": decodeInto[SessionShutdown],
}

func decodeEvent(data []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}

	decode, ok := decoders[envelope.Type]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownEvent, envelope.Type)
	}
	ev, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", envelope.Type, err)
	}
	return ev, nil
}

func decodeInto[E Event](data []byte) (Event, error) {
	var ev E
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}
