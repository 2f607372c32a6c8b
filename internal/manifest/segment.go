package manifest

import (
	"fmt"
	"regexp"
	"strings"
)

type part struct {
	content string
	dynamic bool
}

type segment struct {
	raw   string
	parts []part
	rest  bool
}

func (s segment) rank() int {
	switch {
	case s.rest:
		return 3
	case len(s.parts) == 1 && s.parts[0].dynamic:
		return 2
	case s.dynamic():
		return 1
	default:
		return 0
	}
}

func (s segment) dynamic() bool {
	for _, p := range s.parts {
		if p.dynamic {
			return true
		}
	}
	return false
}

var (
	paramPattern = regexp.MustCompile(`\[(\.\.\.)?([^\[\]]*)\]`)
	paramName    = regexp.MustCompile(`^[a-zA-Z_$][a-zA-Z0-9_$]*$`)
)

// parseSegment splits one path segment such as "[a]-[b]" into its static
// and parameter parts.
func parseSegment(raw string) (segment, error) {
	seg := segment{raw: raw}
	matches := paramPattern.FindAllStringSubmatchIndex(raw, -1)

	last := 0
	for i, m := range matches {
		start, end := m[0], m[1]
		rest := m[2] >= 0
		name := raw[m[4]:m[5]]

		if start > last {
			seg.parts = append(seg.parts, part{content: raw[last:start]})
		} else if i > 0 {
			return segment{}, fmt.Errorf("parameters in %q must be separated by static text", raw)
		}

		if !paramName.MatchString(name) {
			return segment{}, fmt.Errorf("invalid parameter name %q in %q", name, raw)
		}
		if rest {
			if len(matches) != 1 || start != 0 || end != len(raw) {
				return segment{}, fmt.Errorf("rest parameter in %q must be the whole segment", raw)
			}
			seg.rest = true
		}

		seg.parts = append(seg.parts, part{content: name, dynamic: true})
		last = end
	}
	if last < len(raw) {
		seg.parts = append(seg.parts, part{content: raw[last:]})
	}

	for _, p := range seg.parts {
		if !p.dynamic && strings.ContainsAny(p.content, "[]") {
			return segment{}, fmt.Errorf("unbalanced brackets in %q", raw)
		}
	}

	return seg, nil
}
