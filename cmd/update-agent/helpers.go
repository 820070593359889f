package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coreos/update-agent/artifact"
	"github.com/coreos/update-agent/uerrors"
)

// openArtifact opens path as a local artifact stream and parses it. HTTP(S)
// fetching is out of scope per spec.md's explicit non-goal on HTTP client
// plumbing; a URL argument fails fast with a clear message rather than
// silently trying (and failing) to open it as a local path.
func openArtifact(path string) (*artifact.ParsedArtifact, func(), error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return nil, nil, uerrors.New(uerrors.CodeUnsupportedFormat,
			"fetching %q over HTTP is outside update-agent's scope; download it first and pass a local path", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, uerrors.Wrap(uerrors.CodeStorageError, err, "opening artifact %s", path)
	}

	parsed, err := artifact.Parse(f, artifact.Config{})
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return parsed, func() { f.Close() }, nil
}

func writeProvides(cmd *cobra.Command, provides map[string][]byte, format string) error {
	keys := make([]string, 0, len(provides))
	for k := range provides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	switch format {
	case "json":
		out := make(map[string]string, len(provides))
		for _, k := range keys {
			out[k] = string(provides[k])
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "plain", "":
		w := cmd.OutOrStdout()
		for _, k := range keys {
			if _, err := fmt.Fprintf(w, "%s=%s\n", k, provides[k]); err != nil {
				return err
			}
		}
		return nil
	default:
		return uerrors.New(uerrors.CodeParseError, "unknown --format %q, want plain or json", format)
	}
}
