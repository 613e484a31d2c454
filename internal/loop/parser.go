package loop

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// ErrNoJSON is the parse-failure variant: the LLM output contained no
// usable JSON object. Actions are skipped but the loop still completes.
var ErrNoJSON = errors.New("no JSON object in output")

// Output is the structured part of an LLM response. Missing fields decode
// to their zero values.
type Output struct {
	Actions      []protocol.Action  `json:"actions,omitempty"`
	Messages     []protocol.Message `json:"messages,omitempty"`
	StateUpdates map[string]string  `json:"stateUpdates,omitempty"`
	Summary      string             `json:"summary,omitempty"`
}

// Parse extracts the first balanced JSON object from free-form LLM text.
// A fenced ```json block is preferred when present. Candidates that fail
// to decode are skipped in favour of the next balanced object.
func Parse(text string) (*Output, error) {
	for _, candidate := range jsonCandidates(text) {
		var out Output
		if err := json.Unmarshal([]byte(candidate), &out); err == nil {
			return &out, nil
		}
	}
	return nil, ErrNoJSON
}

// Format renders an Output as the canonical fenced block Parse accepts.
// parse(format(x)) == x for outputs produced by Parse.
func Format(out *Output) string {
	data, _ := json.MarshalIndent(out, "", "  ")
	return "```json\n" + string(data) + "\n```"
}

// StateOutputError is returned by ParseStateOutput when the block is
// present but declares a failure.
type StateOutputError struct {
	Reason string
}

func (e *StateOutputError) Error() string {
	return "state output error: " + e.Reason
}

// ParseStateOutput extracts the STATE_OUTPUT block required by
// state-machine tasks and validates the declared required fields.
// Absence of the block, a missing field, or a non-empty "error" field is
// a failure to acknowledge back to the state machine.
func ParseStateOutput(text string, required []string) (map[string]json.RawMessage, error) {
	idx := strings.Index(text, "STATE_OUTPUT")
	if idx < 0 {
		return nil, fmt.Errorf("missing STATE_OUTPUT block")
	}
	rest := text[idx+len("STATE_OUTPUT"):]

	var fields map[string]json.RawMessage
	found := false
	for _, candidate := range jsonCandidates(rest) {
		if err := json.Unmarshal([]byte(candidate), &fields); err == nil {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("STATE_OUTPUT block has no valid JSON object")
	}
	if raw, ok := fields["error"]; ok {
		var reason string
		if err := json.Unmarshal(raw, &reason); err != nil || reason != "" {
			return nil, &StateOutputError{Reason: strings.Trim(string(raw), `"`)}
		}
	}
	for _, f := range required {
		if _, ok := fields[f]; !ok {
			return nil, fmt.Errorf("STATE_OUTPUT missing required field %q", f)
		}
	}
	return fields, nil
}

// FirstJSONObject returns the first balanced JSON object found in free-form
// text that decodes into target, or an error wrapping ErrNoJSON. Worker
// results reuse this without adopting the loop's Output shape.
func FirstJSONObject(text string, target interface{}) error {
	for _, candidate := range jsonCandidates(text) {
		if err := json.Unmarshal([]byte(candidate), target); err == nil {
			return nil
		}
	}
	return fmt.Errorf("worker output: %w", ErrNoJSON)
}

// jsonCandidates yields balanced JSON object substrings, fenced code blocks
// first, then raw objects in order of appearance.
func jsonCandidates(text string) []string {
	var out []string
	for _, fenced := range fencedBlocks(text) {
		if obj := firstBalanced(fenced); obj != "" {
			out = append(out, obj)
		}
	}
	rest := text
	for {
		obj := firstBalanced(rest)
		if obj == "" {
			break
		}
		out = append(out, obj)
		pos := strings.Index(rest, obj)
		rest = rest[pos+1:]
	}
	return out
}

// fencedBlocks returns the contents of ``` fenced blocks.
func fencedBlocks(text string) []string {
	var blocks []string
	for {
		start := strings.Index(text, "```")
		if start < 0 {
			return blocks
		}
		text = text[start+3:]
		// Skip the info string (e.g. "json") up to end of line.
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			text = text[nl+1:]
		}
		end := strings.Index(text, "```")
		if end < 0 {
			return blocks
		}
		blocks = append(blocks, text[:end])
		text = text[end+3:]
	}
}

// firstBalanced returns the first balanced {...} object, honouring strings
// and escapes, or "" when none exists.
func firstBalanced(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
