package artifact

import (
	"compress/gzip"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/coreos/update-agent/uerrors"
)

// decompress wraps r according to the compression suffix on name (one of
// "", ".gz", ".xz", ".zst"), as declared in spec §6's header.tar[.gz|.xz|.zst]
// and data/NNNN.tar[.compression] entries.
func decompress(name string, r io.Reader) (io.Reader, error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, uerrors.Wrap(uerrors.CodeParseError, err, "opening gzip stream %s", name)
		}
		return zr, nil
	case strings.HasSuffix(name, ".xz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, uerrors.Wrap(uerrors.CodeParseError, err, "opening xz stream %s", name)
		}
		return xr, nil
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, uerrors.Wrap(uerrors.CodeParseError, err, "opening zstd stream %s", name)
		}
		return zr.IOReadCloser(), nil
	default:
		return r, nil
	}
}

// stripCompressionSuffix removes a trailing .gz/.xz/.zst, returning the
// base name the manifest/type-info would use to refer to this entry's
// logical payload (e.g. "header.tar.gz" -> "header.tar").
func stripCompressionSuffix(name string) string {
	for _, suf := range []string{".gz", ".xz", ".zst"} {
		if strings.HasSuffix(name, suf) {
			return strings.TrimSuffix(name, suf)
		}
	}
	return name
}
