package federation

import (
	"fmt"
	"strings"
)

// Pattern matches subject claims against either an exact literal or a
// template with named segments, e.g. "repo:acme/{repo}:ref:{ref}".
// A segment captures up to the next literal chunk; a trailing segment
// captures the remainder of the subject.
type Pattern struct {
	raw   string
	parts []part
}

type part struct {
	literal string // empty for a named segment
	name    string
}

// Compile parses the pattern. Named segments use single braces and must be
// non-empty and separated by literal text.
func Compile(raw string) (Pattern, error) {
	if strings.TrimSpace(raw) == "" {
		return Pattern{}, fmt.Errorf("federation: empty pattern")
	}
	p := Pattern{raw: raw}
	rest := raw
	prevWasVar := false
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if strings.IndexByte(rest, '}') >= 0 {
				return Pattern{}, fmt.Errorf("federation: unbalanced brace in pattern %q", raw)
			}
			p.parts = append(p.parts, part{literal: rest})
			break
		}
		if open > 0 {
			p.parts = append(p.parts, part{literal: rest[:open]})
			prevWasVar = false
		}
		close := strings.IndexByte(rest[open:], '}')
		if close < 0 {
			return Pattern{}, fmt.Errorf("federation: unbalanced brace in pattern %q", raw)
		}
		name := rest[open+1 : open+close]
		if strings.TrimSpace(name) == "" {
			return Pattern{}, fmt.Errorf("federation: empty segment name in pattern %q", raw)
		}
		if prevWasVar {
			return Pattern{}, fmt.Errorf("federation: adjacent segments in pattern %q", raw)
		}
		p.parts = append(p.parts, part{name: name})
		prevWasVar = true
		rest = rest[open+close+1:]
	}
	return p, nil
}

// String returns the original pattern text.
func (p Pattern) String() string { return p.raw }

// IsLiteral reports whether the pattern has no named segments.
func (p Pattern) IsLiteral() bool {
	return len(p.parts) == 1 && p.parts[0].name == ""
}

// Match tests the subject and returns the captured segment values.
func (p Pattern) Match(subject string) (map[string]string, bool) {
	rest := subject
	var captures map[string]string
	for i, pt := range p.parts {
		if pt.name == "" {
			if !strings.HasPrefix(rest, pt.literal) {
				return nil, false
			}
			rest = rest[len(pt.literal):]
			continue
		}
		var value string
		if i == len(p.parts)-1 {
			value, rest = rest, ""
		} else {
			next := p.parts[i+1].literal
			idx := strings.Index(rest, next)
			if idx < 0 {
				return nil, false
			}
			value, rest = rest[:idx], rest[idx:]
		}
		if value == "" {
			return nil, false
		}
		if captures == nil {
			captures = make(map[string]string, 2)
		}
		captures[pt.name] = value
	}
	if rest != "" {
		return nil, false
	}
	return captures, true
}
