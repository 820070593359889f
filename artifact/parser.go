package artifact

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/coreos/update-agent/uerrors"
)

// Config controls parse-time policy decisions the spec leaves to the
// caller: whether a signature is mandatory, where to verify it against, and
// where state scripts get extracted to.
type Config struct {
	// RequireSignature, if true, makes an absent manifest.sig a
	// SignatureMissing error rather than merely unverified.
	RequireSignature bool
	// Verifier checks the manifest bytes against manifest.sig. If nil,
	// any present signature is accepted without cryptographic check
	// (useful for tests); RequireSignature with a nil Verifier is
	// refused.
	Verifier *Verifier
	// ScriptsDir receives extracted scripts/* entries. Empty discards
	// script bodies (their names are still recorded).
	ScriptsDir string
}

// ParsedArtifact is the result of a successful Parse: version, manifest,
// signature status, and header are fully materialized; Payloads is a lazy,
// forward-only iterator over the remaining data/NNNN.tar streams.
type ParsedArtifact struct {
	FormatVersion    int
	Manifest         *Manifest
	SignaturePresent bool
	Header           *Header
	Payloads         *PayloadIterator
}

var dataEntryRE = regexp.MustCompile(`^data/(\d{4})\.tar(\.gz|\.xz|\.zst)?$`)

// Parse drives C1/C2 to produce a header view and a payload iterator, per
// spec §4.3. It is synchronous up through the header; payload bytes are
// pulled lazily by the caller via the returned iterator so no payload is
// ever buffered in memory.
func Parse(r io.Reader, cfg Config) (*ParsedArtifact, error) {
	if cfg.RequireSignature && cfg.Verifier == nil {
		return nil, uerrors.New(uerrors.CodeSignatureMissing,
			"signature required but no verifier configured")
	}

	entries := NewEntries(r)

	// 1. version
	entry, err := entries.Next()
	if err != nil {
		return nil, uerrors.Wrap(uerrors.CodeParseError, err, "reading version entry")
	}
	if entry.Name != "version" {
		return nil, uerrors.New(uerrors.CodeParseError,
			"Got unexpected token %q expected 'version'", entry.Name)
	}
	var vf VersionFile
	if err := json.NewDecoder(entry.R).Decode(&vf); err != nil {
		return nil, uerrors.Wrap(uerrors.CodeUnsupportedFormat, err, "parsing version")
	}
	if vf.Format != "mender" || vf.Version != FormatVersion {
		return nil, uerrors.New(uerrors.CodeUnsupportedFormat,
			"unsupported format %q version %d", vf.Format, vf.Version)
	}

	// 2. manifest
	entry, err = entries.Next()
	if err != nil {
		return nil, uerrors.Wrap(uerrors.CodeParseError, err, "reading manifest entry")
	}
	if entry.Name != "manifest" {
		return nil, uerrors.New(uerrors.CodeParseError,
			"Got unexpected token %q expected 'manifest'", entry.Name)
	}
	manifest, manifestRaw, err := ParseManifest(entry.R)
	if err != nil {
		return nil, err
	}

	// 3. manifest.sig (optional)
	entry, err = entries.Next()
	if err != nil {
		return nil, uerrors.Wrap(uerrors.CodeParseError, err, "reading post-manifest entry")
	}
	signaturePresent := false
	if entry.Name == "manifest.sig" {
		sig, err := io.ReadAll(entry.R)
		if err != nil {
			return nil, uerrors.Wrap(uerrors.CodeParseError, err, "reading manifest.sig")
		}
		if cfg.Verifier != nil {
			if err := cfg.Verifier.Verify(manifestRaw, sig); err != nil {
				return nil, err
			}
		}
		signaturePresent = true
		entry, err = entries.Next()
		if err != nil {
			return nil, uerrors.Wrap(uerrors.CodeParseError, err, "reading post-signature entry")
		}
	} else if cfg.RequireSignature {
		return nil, uerrors.New(uerrors.CodeSignatureMissing, "manifest.sig required but absent")
	}

	// 4. header.tar[.gz|.xz|.zst]
	headerBase := stripCompressionSuffix(entry.Name)
	if headerBase != "header.tar" {
		return nil, uerrors.New(uerrors.CodeParseError,
			"Got unexpected token %q expected 'header.tar'", entry.Name)
	}
	if err := verifyManifestEntry(manifest, entry.Name); err != nil {
		return nil, err
	}
	hr, err := decompress(entry.Name, NewHashVerifyingReader(entry.R, digestOrEmpty(manifest, entry.Name)))
	if err != nil {
		return nil, err
	}
	header, err := parseHeaderTar(hr, cfg.ScriptsDir)
	if err != nil {
		return nil, err
	}
	if err := drainAndVerify(hr, entry.Name); err != nil {
		return nil, err
	}

	if len(header.SubHeaders) != len(header.Info.Payloads) {
		return nil, uerrors.New(uerrors.CodeParseError,
			"header declares %d payloads but has %d sub-headers",
			len(header.Info.Payloads), len(header.SubHeaders))
	}

	return &ParsedArtifact{
		FormatVersion:    vf.Version,
		Manifest:         manifest,
		SignaturePresent: signaturePresent,
		Header:           header,
		Payloads: &PayloadIterator{
			entries:   entries,
			manifest:  manifest,
			numPayloads: len(header.Info.Payloads),
		},
	}, nil
}

// drainAndVerify exhausts r, the (possibly decompressor-wrapped)
// HashVerifyingReader built over one outer tar member, so its terminal Read
// observes EOF and performs the checksum comparison. The inner tar parser
// that consumes r only reads up through its own end-of-archive marker and
// never issues the extra Read that would surface EOF on the hash reader
// underneath it, so this drain has to happen explicitly once the inner
// parse is done.
func drainAndVerify(r io.Reader, name string) error {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return uerrors.Wrap(uerrors.CodeChecksumMismatch, err, "verifying %s", name)
	}
	return nil
}

func verifyManifestEntry(m *Manifest, name string) error {
	if _, ok := m.Digest(name); !ok {
		return uerrors.New(uerrors.CodeParseError, "%q missing from manifest", name)
	}
	return nil
}

func digestOrEmpty(m *Manifest, name string) string {
	d, _ := m.Digest(name)
	return d
}

// PayloadIterator yields each data/NNNN.tar[...] payload in ascending
// index order. Each payload it yields is itself a lazy sequence of payload
// files (a PayloadFileIterator; spec §4.3 step 5).
type PayloadIterator struct {
	entries     *Entries
	manifest    *Manifest
	numPayloads int
	nextIndex   int
	cur         *PayloadFileIterator
}

// ErrNoMorePayloads signals the payload sequence is exhausted.
var ErrNoMorePayloads = fmt.Errorf("no more payloads")

// Next opens the next payload's inner tar, hash-verified against the
// manifest, and returns a PayloadFileIterator over its member files.
func (p *PayloadIterator) Next() (*PayloadFileIterator, error) {
	if p.cur != nil {
		if err := p.cur.drainRemaining(); err != nil {
			return nil, err
		}
	}
	if p.nextIndex >= p.numPayloads {
		return nil, ErrNoMorePayloads
	}

	entry, err := p.entries.Next()
	if err != nil {
		return nil, uerrors.Wrap(uerrors.CodeParseError, err, "reading payload entry %04d", p.nextIndex)
	}

	match := dataEntryRE.FindStringSubmatch(entry.Name)
	if match == nil {
		return nil, uerrors.New(uerrors.CodeParseError,
			"Got unexpected token %q expected 'data/%04d.tar'", entry.Name, p.nextIndex)
	}
	idx, _ := strconv.Atoi(match[1])
	if idx != p.nextIndex {
		return nil, uerrors.New(uerrors.CodeUnexpectedIndex,
			"observed payload index %04d, expected %04d", idx, p.nextIndex)
	}
	if err := verifyManifestEntry(p.manifest, entry.Name); err != nil {
		return nil, err
	}

	hv := NewHashVerifyingReader(entry.R, digestOrEmpty(p.manifest, entry.Name))
	hr, err := decompress(entry.Name, hv)
	if err != nil {
		return nil, err
	}

	p.nextIndex++
	p.cur = &PayloadFileIterator{
		hr:      hr,
		entries: NewEntries(hr),
	}
	return p.cur, nil
}

// ErrNoMorePayloadFiles signals one payload's file sequence is exhausted.
var ErrNoMorePayloadFiles = fmt.Errorf("no more payload files")

// PayloadFileIterator yields the named files inside one payload's inner
// tar, each wrapped in a HashVerifyingReader (spec: "a hash-verifying
// reader over one file inside the payload").
type PayloadFileIterator struct {
	// hr is the whole-payload hash-verifying (and possibly decompressing)
	// reader data/NNNN.tar's bytes are read through; entries parses its
	// own inner tar structure on top of it.
	hr      io.Reader
	entries *Entries
	drained bool
}

// Next returns the next file's name and hash-verifying reader. Since
// individual payload files don't have their own manifest entry (only the
// whole data/NNNN.tar does), no per-file digest is enforced here — the
// HashVerifyingReader is unarmed (empty expected digest) and exists so
// callers get a uniform reader type whether or not per-file hashes are
// known out of band.
func (pf *PayloadFileIterator) Next() (string, *HashVerifyingReader, error) {
	entry, err := pf.entries.Next()
	if err == ErrEndOfArchive {
		if !pf.drained {
			pf.drained = true
			if derr := drainAndVerify(pf.hr, "payload"); derr != nil {
				return "", nil, derr
			}
		}
		return "", nil, ErrNoMorePayloadFiles
	}
	if err != nil {
		return "", nil, err
	}
	if entry.Kind != EntryRegular {
		return pf.Next()
	}
	return entry.Name, NewHashVerifyingReader(entry.R, ""), nil
}

func (pf *PayloadFileIterator) drainRemaining() error {
	if pf.drained {
		return nil
	}
	for {
		_, r, err := pf.Next()
		if err == ErrNoMorePayloadFiles {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			return uerrors.Wrap(uerrors.CodeChecksumMismatch, err, "draining payload file")
		}
	}
}
