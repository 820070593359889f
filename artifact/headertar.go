package artifact

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/coreos/update-agent/uerrors"
)

// headerInfoSchema constrains header-info's shape before the semantic
// checks in resolver/parser run, mirroring pkg/builds/schema.go's
// marshal-then-validate pattern against xeipuuv/gojsonschema.
const headerInfoSchema = `{
	"type": "object",
	"required": ["payloads", "provides", "depends"],
	"properties": {
		"payloads": {"type": "array", "items": {
			"type": "object",
			"required": ["payload_type", "name"],
			"properties": {
				"payload_type": {"type": "string"},
				"name": {"type": "string"}
			}
		}},
		"provides": {
			"type": "object",
			"required": ["artifact_name"],
			"properties": {
				"artifact_name": {"type": "string", "minLength": 1},
				"artifact_group": {"type": "string"}
			}
		},
		"depends": {
			"type": "object",
			"required": ["device_type"],
			"properties": {
				"device_type": {"type": "array", "minItems": 1, "items": {"type": "string"}},
				"artifact_name": {"type": "array", "items": {"type": "string"}},
				"artifact_group": {"type": "array", "items": {"type": "string"}}
			}
		}
	}
}`

var tokenRE = struct {
	scripts  *regexp.Regexp
	typeInfo *regexp.Regexp
	metaData *regexp.Regexp
}{
	scripts:  regexp.MustCompile(`^scripts/(\S+)$`),
	typeInfo: regexp.MustCompile(`^headers/(\d{4})/type-info$`),
	metaData: regexp.MustCompile(`^headers/(\d{4})/meta-data$`),
}

// token classifies one entry name per spec §4.3's "small classifier":
// header-info, scripts/…, headers/NNNN/type-info, headers/NNNN/meta-data,
// or unrecognized.
type token struct {
	kind  string // "header-info" | "scripts" | "type-info" | "meta-data" | "unrecognized"
	index int    // valid for type-info/meta-data
	name  string // valid for scripts (the script's own name)
}

func classify(name string) token {
	switch {
	case name == "header-info":
		return token{kind: "header-info"}
	case tokenRE.scripts.MatchString(name):
		m := tokenRE.scripts.FindStringSubmatch(name)
		return token{kind: "scripts", name: m[1]}
	case tokenRE.typeInfo.MatchString(name):
		m := tokenRE.typeInfo.FindStringSubmatch(name)
		idx, _ := strconv.Atoi(m[1])
		return token{kind: "type-info", index: idx}
	case tokenRE.metaData.MatchString(name):
		m := tokenRE.metaData.FindStringSubmatch(name)
		idx, _ := strconv.Atoi(m[1])
		return token{kind: "meta-data", index: idx}
	default:
		return token{kind: "unrecognized"}
	}
}

// parseHeaderTar drives the inner header.tar per spec §4.3 step 4: it must
// see header-info first, then zero or more scripts/* entries (streamed out
// to scriptsDir), then headers/NNNN/type-info [+ optional meta-data] with
// NNNN running 0000..N-1 without gaps.
func parseHeaderTar(r io.Reader, scriptsDir string) (*Header, error) {
	entries := NewEntries(r)

	hdr := &Header{}
	sawHeaderInfo := false
	nextIndex := 0
	var cur *SubHeader

	flush := func() {
		if cur != nil {
			hdr.SubHeaders = append(hdr.SubHeaders, *cur)
			cur = nil
		}
	}

	for {
		entry, err := entries.Next()
		if err == ErrEndOfArchive {
			break
		}
		if err != nil {
			return nil, err
		}
		if entry.Kind != EntryRegular {
			continue
		}

		tok := classify(entry.Name)

		switch tok.kind {
		case "header-info":
			if sawHeaderInfo {
				return nil, uerrors.New(uerrors.CodeParseError,
					"Got unexpected token 'header-info' expected 'headers/%04d/type-info'", nextIndex)
			}
			raw, err := io.ReadAll(entry.R)
			if err != nil {
				return nil, uerrors.Wrap(uerrors.CodeParseError, err, "reading header-info")
			}
			if err := validateAgainstSchema(headerInfoSchema, raw); err != nil {
				return nil, err
			}
			if err := json.Unmarshal(raw, &hdr.Info); err != nil {
				return nil, uerrors.Wrap(uerrors.CodeParseError, err, "parsing header-info")
			}
			sawHeaderInfo = true

		case "scripts":
			if !sawHeaderInfo {
				return nil, uerrors.New(uerrors.CodeParseError,
					"Got unexpected token 'scripts/%s' expected 'header-info'", tok.name)
			}
			if !ValidScriptName(tok.name) {
				return nil, uerrors.New(uerrors.CodeParseError,
					"invalid state-script name %q", tok.name)
			}
			if scriptsDir != "" {
				if err := extractScript(entry, scriptsDir, tok.name); err != nil {
					return nil, err
				}
			} else if _, err := io.Copy(io.Discard, entry.R); err != nil {
				return nil, uerrors.Wrap(uerrors.CodeParseError, err, "draining script %s", tok.name)
			}
			hdr.Scripts = append(hdr.Scripts, tok.name)

		case "type-info":
			if !sawHeaderInfo {
				return nil, uerrors.New(uerrors.CodeParseError,
					"Got unexpected token 'type-info' expected 'header-info'")
			}
			if tok.index != nextIndex {
				return nil, uerrors.New(uerrors.CodeUnexpectedIndex,
					"observed index %04d, expected %04d", tok.index, nextIndex)
			}
			flush()
			raw, err := io.ReadAll(entry.R)
			if err != nil {
				return nil, uerrors.Wrap(uerrors.CodeParseError, err, "reading type-info %04d", tok.index)
			}
			var ti TypeInfo
			if err := json.Unmarshal(raw, &ti); err != nil {
				return nil, uerrors.Wrap(uerrors.CodeParseError, err, "parsing type-info %04d", tok.index)
			}
			for _, g := range ti.ClearsArtifactProvides {
				if g == "" {
					return nil, uerrors.New(uerrors.CodeParseError,
						"empty clears_artifact_provides pattern is not permitted (headers/%04d)", tok.index)
				}
			}
			cur = &SubHeader{TypeInfo: ti}
			nextIndex++

		case "meta-data":
			if cur == nil || tok.index != nextIndex-1 {
				return nil, uerrors.New(uerrors.CodeUnexpectedIndex,
					"meta-data %04d has no matching type-info", tok.index)
			}
			raw, err := io.ReadAll(entry.R)
			if err != nil {
				return nil, uerrors.Wrap(uerrors.CodeParseError, err, "reading meta-data %04d", tok.index)
			}
			md, err := ParseMetaData(raw)
			if err != nil {
				return nil, err
			}
			cur.MetaData = md

		default:
			return nil, uerrors.New(uerrors.CodeParseError,
				"Got unexpected token %q", entry.Name)
		}
	}

	flush()

	if !sawHeaderInfo {
		return nil, uerrors.New(uerrors.CodeParseError, "header.tar missing header-info")
	}

	return hdr, nil
}

func extractScript(entry *Entry, scriptsDir, name string) error {
	path := filepath.Join(scriptsDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(entry.Mode)|0700)
	if err != nil {
		return uerrors.Wrap(uerrors.CodeParseError, err, "creating script %s", name)
	}
	defer f.Close()
	if _, err := io.Copy(f, entry.R); err != nil {
		return uerrors.Wrap(uerrors.CodeParseError, err, "writing script %s", name)
	}
	return nil
}

func validateAgainstSchema(schema string, doc []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return uerrors.Wrap(uerrors.CodeParseError, err, "validating header-info shape")
	}
	if result.Valid() {
		return nil
	}
	var sb strings.Builder
	for i, e := range result.Errors() {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(e.String())
	}
	return uerrors.New(uerrors.CodeParseError, "header-info does not match schema: %s", sb.String())
}
