// Package modinvoke implements the Update Module invoker (C6) and its
// streaming download bridge (C7): discovering and exec'ing the per-payload
// module binary, building its work directory, and interpreting its stdout
// protocol and exit code.
package modinvoke

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/coreos/update-agent/artifact"
)

// WorkDir describes the on-disk tree the engine prepares for one payload
// before invoking its module, per spec §6's work-directory layout.
type WorkDir struct {
	Path string
}

// BuildWorkDir creates the prescribed tree rooted at root (normally
// `<datastore>/modules/v3/payloads/<index>/`), populated with the current
// provides, device type, and this payload's header/sub-header JSON.
func BuildWorkDir(root string, deviceType string, provides map[string]string, hdr *artifact.HeaderInfo, sub *artifact.SubHeader) (*WorkDir, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, errors.Wrapf(err, "creating work directory %s", root)
	}
	for _, dir := range []string{"header", "tmp", "files"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0700); err != nil {
			return nil, errors.Wrapf(err, "creating %s", dir)
		}
	}

	writes := map[string][]byte{
		"version":                []byte("3\n"),
		"current_artifact_name":  []byte(provides["artifact_name"]),
		"current_artifact_group": []byte(provides["artifact_group"]),
		"current_device_type":    []byte(deviceType),
		"header/artifact_name":   []byte(hdr.Provides.ArtifactName),
		"header/artifact_group":  []byte(hdr.Provides.ArtifactGroup),
		"header/payload_type":    []byte(sub.TypeInfo.Type),
	}

	headerInfoJSON, err := json.Marshal(hdr)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling header_info")
	}
	writes["header/header_info"] = headerInfoJSON

	typeInfoJSON, err := json.Marshal(sub.TypeInfo)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling type_info")
	}
	writes["header/type_info"] = typeInfoJSON

	if len(sub.MetaData) > 0 {
		metaJSON, err := json.Marshal(sub.MetaData)
		if err != nil {
			return nil, errors.Wrap(err, "marshaling meta-data")
		}
		writes["header/meta-data"] = metaJSON
	}

	for name, content := range writes {
		if err := os.WriteFile(filepath.Join(root, name), content, 0600); err != nil {
			return nil, errors.Wrapf(err, "writing %s", name)
		}
	}

	return &WorkDir{Path: root}, nil
}

// Remove recursively deletes the work directory. A missing directory is a
// no-op success, matching Cleanup's idempotence requirement (spec §4.6).
func (w *WorkDir) Remove() error {
	err := os.RemoveAll(w.Path)
	if err != nil {
		return errors.Wrapf(err, "removing work directory %s", w.Path)
	}
	return nil
}
