// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package access

import (
	"fmt"
	"strings"
)

// pattern matches slash separated paths. A segment written as {name}
// matches any single non-empty segment and captures it. A final * matches
// the rest of the path, including nothing.
type pattern struct {
	raw      string
	segments []string
	wildcard bool
}

func compilePattern(raw string) (pattern, error) {
	if !strings.HasPrefix(raw, "/") {
		return pattern{}, fmt.Errorf("pattern %q must start with /", raw)
	}

	p := pattern{raw: raw}
	parts := splitPath(raw)
	for i, part := range parts {
		switch {
		case part == "*":
			if i != len(parts)-1 {
				return pattern{}, fmt.Errorf("pattern %q: * is only allowed at the end", raw)
			}
			p.wildcard = true
		case strings.HasPrefix(part, "{") || strings.HasSuffix(part, "}"):
			if len(part) < 3 || !strings.HasPrefix(part, "{") || !strings.HasSuffix(part, "}") {
				return pattern{}, fmt.Errorf("pattern %q: malformed placeholder %q", raw, part)
			}
			p.segments = append(p.segments, part)
		case strings.ContainsAny(part, "*{}"):
			return pattern{}, fmt.Errorf("pattern %q: unexpected character in %q", raw, part)
		default:
			p.segments = append(p.segments, part)
		}
	}
	return p, nil
}

// match reports whether segs matches and returns the captured placeholders.
func (p pattern) match(segs []string) (map[string]string, bool) {
	if len(segs) < len(p.segments) || (!p.wildcard && len(segs) != len(p.segments)) {
		return nil, false
	}

	var params map[string]string
	for i, want := range p.segments {
		if name, ok := placeholder(want); ok {
			if params == nil {
				params = make(map[string]string)
			}
			params[name] = segs[i]
			continue
		}
		if segs[i] != want {
			return nil, false
		}
	}
	return params, true
}

func placeholder(seg string) (string, bool) {
	if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
		return seg[1 : len(seg)-1], true
	}
	return "", false
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// normalize strips the query and redundant slashes. Paths with empty,
// dot or dot-dot segments are rejected.
func normalize(raw string) (string, []string, bool) {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	if !strings.HasPrefix(raw, "/") {
		return "", nil, false
	}

	trimmed := strings.TrimSuffix(raw, "/")
	if trimmed == "" {
		return "/", nil, true
	}

	segs := strings.Split(trimmed[1:], "/")
	for _, s := range segs {
		if s == "" || s == "." || s == ".." {
			return "", nil, false
		}
	}
	return trimmed, segs, true
}
