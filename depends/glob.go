package depends

import "strings"

// matchGlob implements the exact clears_artifact_provides glob semantics
// from spec §4.5: `*` matches any run of non-`.` characters, unless the
// whole pattern ends with the literal suffix `.*`, in which case that final
// `*` matches arbitrarily (any characters, including further dots, zero or
// more). There is no escape syntax. path.Match rejects `/` specially and
// has no such trailing-`.*` special case, so it isn't a fit here — this
// matcher is hand-written and stdlib-only, justified in DESIGN.md.
func matchGlob(pattern, name string) bool {
	if strings.HasSuffix(pattern, ".*") {
		// Everything up to and including the literal dot must match some
		// prefix of name exactly (earlier `*` in that head still obey the
		// ordinary non-dot-run rule); whatever follows is unconstrained.
		head := pattern[:len(pattern)-1] // strip only the trailing '*'
		for i := 0; i <= len(name); i++ {
			if matchFull(head, name[:i]) {
				return true
			}
		}
		return false
	}
	return matchFull(pattern, name)
}

// matchFull reports whether pattern matches name in full, where `*` stands
// for a run of zero or more non-`.` characters.
func matchFull(pattern, name string) bool {
	for len(pattern) > 0 {
		if pattern[0] == '*' {
			pattern = pattern[1:]
			if len(pattern) == 0 {
				return !strings.Contains(name, ".")
			}
			for i := 0; i <= len(name); i++ {
				if i > 0 && name[i-1] == '.' {
					break
				}
				if matchFull(pattern, name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 || name[0] != pattern[0] {
			return false
		}
		pattern = pattern[1:]
		name = name[1:]
	}
	return len(name) == 0
}
