// Package react runs the think / tool-call / answer reasoning loop over a
// tagged model output format.
package react

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"internal-perplexity/research/llm/tools"
)

const (
	tagThink        = "think"
	tagToolCall     = "tool_call"
	tagAnswer       = "answer"
	tagToolResponse = "tool_response"
	tagCode         = "code"
)

// ErrMalformedToolCall is returned when a tool region cannot be decoded
var ErrMalformedToolCall = errors.New("malformed tool call")

// Segment is one region of model output: ReasoningChunk, ToolInvocation,
// FinalAnswer or Incomplete.
type Segment interface {
	segment()
}

// ReasoningChunk is thinking text, tagged or untagged
type ReasoningChunk struct{ Text string }

// ToolInvocation is the raw body of a tool call region
type ToolInvocation struct{ Body string }

// FinalAnswer is the body of an answer region
type FinalAnswer struct{ Text string }

// Incomplete is a region whose closing tag never arrived
type Incomplete struct {
	Tag  string
	Text string
}

func (ReasoningChunk) segment() {}
func (ToolInvocation) segment() {}
func (FinalAnswer) segment()    {}
func (Incomplete) segment()     {}

// Parsed is a tokenized model output
type Parsed struct {
	// Raw is the output with any hallucinated tool response removed
	Raw      string
	Segments []Segment
}

// Parse tokenizes model output. Anything from a <tool_response> tag onward is
// discarded since only the runtime may produce tool responses.
func Parse(output string) Parsed {
	raw := output
	if i := strings.Index(raw, openTag(tagToolResponse)); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.TrimRight(raw, " \t\r\n")

	p := Parsed{Raw: raw}
	rest := raw

	// Some models emit only the closing think tag.
	if closeIdx := strings.Index(rest, closeTag(tagThink)); closeIdx >= 0 {
		if openIdx := strings.Index(rest, openTag(tagThink)); openIdx < 0 || openIdx > closeIdx {
			p.addReasoning(rest[:closeIdx])
			rest = rest[closeIdx+len(closeTag(tagThink)):]
		}
	}

	for rest != "" {
		tag, start := nextTag(rest)
		if start < 0 {
			p.addReasoning(rest)
			break
		}
		p.addReasoning(rest[:start])
		rest = rest[start+len(openTag(tag)):]

		end := strings.Index(rest, closeTag(tag))
		if end < 0 {
			p.Segments = append(p.Segments, Incomplete{Tag: tag, Text: strings.TrimSpace(rest)})
			break
		}
		body := strings.TrimSpace(rest[:end])
		rest = rest[end+len(closeTag(tag)):]

		switch tag {
		case tagThink:
			p.addReasoning(body)
		case tagToolCall:
			p.Segments = append(p.Segments, ToolInvocation{Body: body})
		case tagAnswer:
			p.Segments = append(p.Segments, FinalAnswer{Text: body})
		}
	}
	return p
}

func (p *Parsed) addReasoning(text string) {
	if text = strings.TrimSpace(text); text != "" {
		p.Segments = append(p.Segments, ReasoningChunk{Text: text})
	}
}

// Thinking joins every reasoning chunk
func (p Parsed) Thinking() string {
	var parts []string
	for _, s := range p.Segments {
		if r, ok := s.(ReasoningChunk); ok {
			parts = append(parts, r.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Answer returns the first complete answer region
func (p Parsed) Answer() (string, bool) {
	for _, s := range p.Segments {
		if a, ok := s.(FinalAnswer); ok {
			return a.Text, true
		}
	}
	return "", false
}

// ToolCall returns the body of the first complete tool call region
func (p Parsed) ToolCall() (string, bool) {
	for _, s := range p.Segments {
		if t, ok := s.(ToolInvocation); ok {
			return t.Body, true
		}
	}
	return "", false
}

// Call is a decoded tool invocation
type Call struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type rawCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// DecodeToolCall decodes a tool region body. A body containing a <code> block
// becomes a code_interpreter call; otherwise the body is JSON whose
// arguments may be an object or a JSON-encoded string.
func DecodeToolCall(body string) (Call, error) {
	if i := strings.Index(body, openTag(tagCode)); i >= 0 {
		code := body[i+len(openTag(tagCode)):]
		if j := strings.Index(code, closeTag(tagCode)); j >= 0 {
			code = code[:j]
		}
		code = stripFences(code)
		if code == "" {
			return Call{}, fmt.Errorf("%w: empty code block", ErrMalformedToolCall)
		}
		return Call{Name: tools.CodeInterpreterTool, Arguments: map[string]any{"code": code}}, nil
	}

	var rc rawCall
	if err := json.Unmarshal([]byte(stripFences(body)), &rc); err != nil {
		return Call{}, fmt.Errorf("%w: %v", ErrMalformedToolCall, err)
	}
	if strings.TrimSpace(rc.Name) == "" {
		return Call{}, fmt.Errorf("%w: missing tool name", ErrMalformedToolCall)
	}

	args, err := decodeArguments(rc.Arguments)
	if err != nil {
		return Call{}, fmt.Errorf("%w: %v", ErrMalformedToolCall, err)
	}
	return Call{Name: strings.TrimSpace(rc.Name), Arguments: args}, nil
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, err
		}
		if strings.TrimSpace(encoded) == "" {
			return map[string]any{}, nil
		}
		trimmed = encoded
	}
	args := map[string]any{}
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, fmt.Errorf("arguments: %v", err)
	}
	return args, nil
}

var fenceRe = regexp.MustCompile("(?s)^```[a-zA-Z0-9_-]*\\s*\\n?(.*?)\\n?```$")

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

var (
	thinkBlockRe    = regexp.MustCompile(`(?s)<think>.*?</think>`)
	toolCallBlockRe = regexp.MustCompile(`(?s)<tool_call>.*?(</tool_call>|$)`)
)

// StripThink removes think blocks, a dangling closing think tag's preamble,
// and surrounding code fences from model text.
func StripThink(text string) string {
	text = thinkBlockRe.ReplaceAllString(text, "")
	if i := strings.Index(text, closeTag(tagThink)); i >= 0 {
		text = text[i+len(closeTag(tagThink)):]
	}
	if i := strings.Index(text, openTag(tagThink)); i >= 0 {
		text = text[:i]
	}
	return stripFences(text)
}

// StripTags removes every tagged region except the answer body. It is the
// fallback used when an output has no answer region.
func StripTags(text string) string {
	p := Parse(text)
	if ans, ok := p.Answer(); ok {
		return ans
	}
	for _, s := range p.Segments {
		if inc, ok := s.(Incomplete); ok && inc.Tag == tagAnswer {
			return inc.Text
		}
	}
	return StripThink(toolCallBlockRe.ReplaceAllString(p.Raw, ""))
}

func nextTag(s string) (string, int) {
	best, at := "", -1
	for _, tag := range []string{tagThink, tagToolCall, tagAnswer} {
		if i := strings.Index(s, openTag(tag)); i >= 0 && (at < 0 || i < at) {
			best, at = tag, i
		}
	}
	return best, at
}

func openTag(tag string) string  { return "<" + tag + ">" }
func closeTag(tag string) string { return "</" + tag + ">" }
