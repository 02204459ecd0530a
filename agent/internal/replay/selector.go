package replay

import "strings"

// selector is a compound simple selector: tag#id.class1.class2.
// Empty parts match anything.
type selector struct {
	tag     string
	id      string
	classes []string
}

// parseSelector splits s into its tag, id and class parts.
func parseSelector(s string) selector {
	var sel selector
	s = strings.TrimSpace(s)

	i := strings.IndexAny(s, "#.")
	if i < 0 {
		sel.tag = strings.ToLower(s)
		return sel
	}
	sel.tag = strings.ToLower(s[:i])
	rest := s[i:]
	for rest != "" {
		marker := rest[0]
		rest = rest[1:]
		j := strings.IndexAny(rest, "#.")
		part := rest
		if j >= 0 {
			part, rest = rest[:j], rest[j:]
		} else {
			rest = ""
		}
		if part == "" {
			continue
		}
		if marker == '#' {
			sel.id = part
		} else {
			sel.classes = append(sel.classes, part)
		}
	}
	if sel.tag == "*" {
		sel.tag = ""
	}
	return sel
}

// matches reports whether every part of pattern is present in target.
func (pattern selector) matches(target selector) bool {
	if pattern.tag != "" && pattern.tag != target.tag {
		return false
	}
	if pattern.id != "" && pattern.id != target.id {
		return false
	}
	for _, c := range pattern.classes {
		found := false
		for _, tc := range target.classes {
			if tc == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func parseSelectors(list []string) []selector {
	out := make([]selector, 0, len(list))
	for _, s := range list {
		for _, part := range strings.Split(s, ",") {
			if strings.TrimSpace(part) != "" {
				out = append(out, parseSelector(part))
			}
		}
	}
	return out
}

func matchesAny(patterns []selector, target selector) bool {
	for _, p := range patterns {
		if p.matches(target) {
			return true
		}
	}
	return false
}
