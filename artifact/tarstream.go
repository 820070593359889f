// Package artifact implements the streaming parser for the Artifact wire
// format: a tar of tars carrying a manifest of content hashes, an optional
// detached signature, a structured header, and one or more payload streams.
package artifact

import (
	"archive/tar"
	"io"

	"github.com/coreos/update-agent/uerrors"
)

// EntryKind classifies a tar entry the way the parser needs to reason about
// it; everything that isn't a regular file is tolerated but flagged rather
// than yielded as payload.
type EntryKind int

const (
	EntryRegular EntryKind = iota
	EntryDir
	EntryOther
)

// Entry is one tar member, with a reader bounded to exactly Size bytes.
// Reading past Size returns io.EOF; the underlying tar.Reader advances past
// the 512-byte padding on the next Entries.Next call, never requiring a seek.
type Entry struct {
	Name string
	Size int64
	Mode int64
	Kind EntryKind
	R    io.Reader
}

// Entries is a pull-based iterator over a tar stream. It never buffers a
// whole entry: each Entry's reader is read lazily by the caller.
type Entries struct {
	tr *tar.Reader
}

// NewEntries wraps r as a sequence of tar entries. r is consumed exactly
// once, forward-only; no seeking is ever performed.
func NewEntries(r io.Reader) *Entries {
	return &Entries{tr: tar.NewReader(r)}
}

// ErrEndOfArchive is the EOFToken signal from spec §4.1: returned once the
// tar stream is exhausted, whether via two zero blocks or a bare EOF from
// the underlying reader.
var ErrEndOfArchive = io.EOF

// Next returns the next entry, or ErrEndOfArchive when the archive ends.
func (e *Entries) Next() (*Entry, error) {
	hdr, err := e.tr.Next()
	if err == io.EOF {
		return nil, ErrEndOfArchive
	}
	if err != nil {
		return nil, uerrors.Wrap(uerrors.CodeParseError, err, "reading tar entry")
	}

	kind := EntryOther
	switch hdr.Typeflag {
	case tar.TypeReg, tar.TypeRegA:
		kind = EntryRegular
	case tar.TypeDir:
		kind = EntryDir
	}

	return &Entry{
		Name: hdr.Name,
		Size: hdr.Size,
		Mode: hdr.Mode,
		Kind: kind,
		R:    e.tr,
	}, nil
}
