package artifact

import (
	"bufio"
	"bytes"
	"io"
	"regexp"

	"github.com/coreos/update-agent/uerrors"
)

// manifestLineRE enforces exactly two spaces between the digest and the
// filename (spec §8: one or three spaces fails, quoting the offending
// line).
var manifestLineRE = regexp.MustCompile(`^([0-9a-f]{64})  (\S+)$`)

// Manifest maps a relative filename to its expected SHA-256 digest. The
// Order slice preserves insertion order, which is the canonical order the
// parser requires those files to appear in the outer tar (spec §3).
type Manifest struct {
	digests map[string]string
	Order   []string
}

// ParseManifest reads newline-delimited "<hex64>  <path>" lines.
func ParseManifest(r io.Reader) (*Manifest, []byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, uerrors.Wrap(uerrors.CodeParseError, err, "reading manifest")
	}

	m := &Manifest{digests: make(map[string]string)}
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		match := manifestLineRE.FindStringSubmatch(line)
		if match == nil {
			return nil, nil, uerrors.New(uerrors.CodeParseError,
				"malformed manifest line %q", line)
		}
		digest, name := match[1], match[2]
		if _, dup := m.digests[name]; dup {
			return nil, nil, uerrors.New(uerrors.CodeParseError,
				"duplicate manifest entry for %q", name)
		}
		m.digests[name] = digest
		m.Order = append(m.Order, name)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, uerrors.Wrap(uerrors.CodeParseError, err, "scanning manifest")
	}

	return m, raw, nil
}

// Digest looks up the expected SHA-256 for name; ok is false if name isn't
// listed.
func (m *Manifest) Digest(name string) (string, bool) {
	d, ok := m.digests[name]
	return d, ok
}

// Len reports how many files the manifest lists.
func (m *Manifest) Len() int { return len(m.digests) }
