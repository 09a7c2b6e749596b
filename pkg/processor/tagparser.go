package processor

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Tagged invocation markup embedded in free text:
//
//	<tool name="search" query="weather" />
//	<tool name="write_file" path="a.txt">{"content": "hello"}</tool>
//
// Attributes become string parameters; a JSON object body merges into (and
// overrides) them. Anything that fails to parse is passed through as
// literal text so a malformed tag cannot swallow model output.
const (
	tagOpen  = "<tool"
	tagClose = "</tool>"
)

var tagAttrRe = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_-]*)\s*=\s*"((?:[^"\\]|\\.)*)"`)

// TagParser incrementally scans streamed text for tagged tool invocations.
// Text preceding a tag is released as soon as it provably cannot be part of
// one, so subscribers see prose without waiting for the full completion.
type TagParser struct {
	pending strings.Builder
}

// NewTagParser creates an empty parser.
func NewTagParser() *TagParser {
	return &TagParser{}
}

// Feed consumes the next delta and returns any text now safe to emit plus
// any invocations completed by this delta.
func (p *TagParser) Feed(delta string) (string, []Invocation) {
	p.pending.WriteString(delta)
	return p.drain(false)
}

// Flush signals end of stream. Any held-back partial tag is literal text.
func (p *TagParser) Flush() (string, []Invocation) {
	return p.drain(true)
}

func (p *TagParser) drain(final bool) (string, []Invocation) {
	var out strings.Builder
	var invs []Invocation

	buf := p.pending.String()
	p.pending.Reset()

	for {
		start := strings.Index(buf, tagOpen)
		if start < 0 {
			if final {
				out.WriteString(buf)
				buf = ""
			} else {
				// Hold back a suffix that could begin a tag.
				hold := partialTagSuffix(buf)
				out.WriteString(buf[:len(buf)-hold])
				buf = buf[len(buf)-hold:]
			}
			break
		}

		// Everything before the tag start is emittable prose.
		out.WriteString(buf[:start])
		buf = buf[start:]

		elem, rest, complete := cutTagElement(buf)
		if !complete {
			if final {
				// Unterminated tag at end of stream: literal text.
				out.WriteString(buf)
				buf = ""
				break
			}
			// Wait for more deltas.
			break
		}

		if inv, ok := parseTagElement(elem); ok {
			invs = append(invs, inv)
		} else {
			out.WriteString(elem)
		}
		buf = rest
	}

	p.pending.WriteString(buf)
	return out.String(), invs
}

// partialTagSuffix returns the length of the longest buffer suffix that is
// a strict prefix of the open delimiter.
func partialTagSuffix(buf string) int {
	max := len(tagOpen) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(buf, tagOpen[:n]) {
			return n
		}
	}
	return 0
}

// cutTagElement cuts one complete tag element off the front of buf, which
// must start with the open delimiter. complete is false when the element
// is not yet fully buffered.
func cutTagElement(buf string) (elem, rest string, complete bool) {
	openEnd := strings.Index(buf, ">")
	if openEnd < 0 {
		return "", buf, false
	}

	// Self-closing form has no body.
	if strings.HasSuffix(strings.TrimRight(buf[:openEnd], " \t"), "/") {
		return buf[:openEnd+1], buf[openEnd+1:], true
	}

	closeStart := strings.Index(buf[openEnd:], tagClose)
	if closeStart < 0 {
		return "", buf, false
	}
	end := openEnd + closeStart + len(tagClose)
	return buf[:end], buf[end:], true
}

// parseTagElement parses one complete element into an Invocation.
func parseTagElement(elem string) (Invocation, bool) {
	openEnd := strings.Index(elem, ">")
	if openEnd < 0 {
		return Invocation{}, false
	}
	openTag := elem[len(tagOpen):openEnd]

	params := map[string]any{}
	name := ""
	for _, m := range tagAttrRe.FindAllStringSubmatch(openTag, -1) {
		key, value := m[1], unescapeAttr(m[2])
		if key == "name" {
			name = value
			continue
		}
		params[key] = value
	}
	if name == "" {
		return Invocation{}, false
	}

	// JSON object body merges over attribute parameters.
	if !strings.HasSuffix(strings.TrimRight(elem[:openEnd], " \t"), "/") {
		body := strings.TrimSpace(elem[openEnd+1 : len(elem)-len(tagClose)])
		if body != "" {
			var merged map[string]any
			if err := json.Unmarshal([]byte(body), &merged); err != nil {
				return Invocation{}, false
			}
			for k, v := range merged {
				params[k] = v
			}
		}
	}

	return Invocation{
		ID:         NewInvocationID(),
		Name:       name,
		Parameters: params,
	}, true
}

func unescapeAttr(v string) string {
	v = strings.ReplaceAll(v, `\"`, `"`)
	return strings.ReplaceAll(v, `\\`, `\`)
}
