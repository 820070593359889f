package artifact

import "regexp"

// FormatVersion is the only artifact wire-format version this parser
// understands (spec §3).
const FormatVersion = 3

// VersionFile is the small JSON object expected as the first tar entry.
type VersionFile struct {
	Format  string `json:"format"`
	Version int    `json:"version"`
}

// PayloadRef is one entry of header_info.payloads[]: the declared type of a
// payload and its module-facing name.
type PayloadRef struct {
	PayloadType string `json:"payload_type"`
	Name        string `json:"name"`
}

// Provides is header_info.provides.
type Provides struct {
	ArtifactName  string `json:"artifact_name"`
	ArtifactGroup string `json:"artifact_group,omitempty"`
}

// Depends is header_info.depends.
type Depends struct {
	DeviceType    []string `json:"device_type"`
	ArtifactName  []string `json:"artifact_name,omitempty"`
	ArtifactGroup []string `json:"artifact_group,omitempty"`
}

// HeaderInfo is the global metadata object at headers/header-info.
type HeaderInfo struct {
	Payloads []PayloadRef `json:"payloads"`
	Provides Provides     `json:"provides"`
	Depends  Depends      `json:"depends"`
}

// TypeInfo is one sub-header's headers/NNNN/type-info.
type TypeInfo struct {
	Type                   string            `json:"type"`
	ArtifactProvides       map[string]string `json:"artifact_provides,omitempty"`
	ArtifactDepends        map[string]string `json:"artifact_depends,omitempty"`
	ClearsArtifactProvides []string          `json:"clears_artifact_provides,omitempty"`
}

// MetaDataValue is a validated meta-data leaf: a JSON string, an integer in
// [-(2^53-1), 2^53-1], or an array of those. See metadata.go for the
// validation and the §8 boundary behavior around ±2^53.
type MetaDataValue = interface{}

// SubHeader is one element of header.sub_headers, one per payload index.
type SubHeader struct {
	TypeInfo TypeInfo               `json:"type_info"`
	MetaData map[string]MetaDataValue `json:"meta_data,omitempty"`
}

// Header is the fully parsed header.tar contents.
type Header struct {
	Info       HeaderInfo
	Scripts    []string
	SubHeaders []SubHeader
}

// scriptNameRE is the bit-exact naming regex from spec §3/§6.
var scriptNameRE = regexp.MustCompile(
	`^(ArtifactInstall|ArtifactReboot|ArtifactRollback|ArtifactRollbackReboot|ArtifactCommit|ArtifactFailure|Download|Sync|Idle)_(Enter|Leave|Error)_[0-9]{2}(_\S+)?$`)

// ValidScriptName reports whether name matches the required state-script
// naming convention.
func ValidScriptName(name string) bool {
	return scriptNameRE.MatchString(name)
}
