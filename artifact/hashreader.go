package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"

	"github.com/coreos/update-agent/uerrors"
)

// HashVerifyingReader forwards reads while feeding them to an internal
// SHA-256, mirroring the teacher's update/operation.go Operation type
// (io.TeeReader + hash.Hash), generalized to an independent component
// instead of one embedded in a single payload-operation struct. If the
// computed digest disagrees with the expected one at end-of-stream, the
// terminal Read returns ChecksumMismatch instead of io.EOF.
type HashVerifyingReader struct {
	r        io.Reader
	h        hash.Hash
	expected string // lowercase 64-hex, or "" to disable verification
	done     bool
}

// NewHashVerifyingReader wraps r, checking its SHA-256 against expected (a
// 64-hex-character digest) once r is exhausted. An empty expected disables
// verification, per spec §4.2.
func NewHashVerifyingReader(r io.Reader, expected string) *HashVerifyingReader {
	return &HashVerifyingReader{r: r, h: sha256.New(), expected: expected}
}

func (h *HashVerifyingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.h.Write(p[:n])
	}
	if err == io.EOF && !h.done {
		h.done = true
		if h.expected != "" {
			sum := hex.EncodeToString(h.h.Sum(nil))
			if sum != h.expected {
				return n, uerrors.New(uerrors.CodeChecksumMismatch,
					"expected sha256 %s, got %s", h.expected, sum)
			}
		}
	}
	return n, err
}

// Sum returns the hash of every byte read so far, regardless of whether
// end-of-stream has been reached.
func (h *HashVerifyingReader) Sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}
