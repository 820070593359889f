// Package depends implements the provides/depends compatibility check and
// the clears-then-merge commit rule (C5), against the store's provides
// table.
package depends

import (
	"github.com/coreos/update-agent/artifact"
	"github.com/coreos/update-agent/store"
	"github.com/coreos/update-agent/uerrors"
)

const (
	keyArtifactName  = "artifact_name"
	keyArtifactGroup = "artifact_group"
)

// Check runs the four fatal-on-first-failure rules from spec §4.5 against
// the current provides snapshot, the device's own type, and one artifact
// header. provides maps provides-table keys to their current string value.
func Check(provides map[string]string, deviceType string, hdr *artifact.HeaderInfo, subHeaders []artifact.SubHeader) error {
	if !contains(hdr.Depends.DeviceType, deviceType) {
		return uerrors.New(uerrors.CodeDeviceTypeMismatch,
			"device type %q not in %v", deviceType, hdr.Depends.DeviceType)
	}

	if len(hdr.Depends.ArtifactName) > 0 {
		if !contains(hdr.Depends.ArtifactName, provides[keyArtifactName]) {
			return uerrors.New(uerrors.CodeArtifactNameMismatch,
				"current artifact_name %q not in %v", provides[keyArtifactName], hdr.Depends.ArtifactName)
		}
	}

	if len(hdr.Depends.ArtifactGroup) > 0 {
		group, present := provides[keyArtifactGroup]
		if !present || !contains(hdr.Depends.ArtifactGroup, group) {
			return uerrors.New(uerrors.CodeArtifactGroupMismatch,
				"current artifact_group %q not in %v", group, hdr.Depends.ArtifactGroup)
		}
	}

	for _, sh := range subHeaders {
		for k, want := range sh.TypeInfo.ArtifactDepends {
			got, present := provides[k]
			if !present || got != want {
				return uerrors.New(uerrors.CodeDependsUnsatisfied,
					"artifact_depends %q: want %q, have %q (present=%v)", k, want, got, present)
			}
		}
	}

	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Commit applies the clears-then-merge rule for a successfully installed
// artifact within one store transaction, per sub-header in order: clear
// every key matching one of that sub-header's clears_artifact_provides
// globs, then merge in its artifact_provides, before moving to the next
// sub-header. Interleaving the two per sub-header (rather than clearing for
// every sub-header up front and merging afterward) matters for multi-payload
// artifacts: a later sub-header's clears also remove keys an earlier
// sub-header merged in the same commit when a glob matches them; keys no
// later glob matches survive. Finally
// overwrite artifact_name/artifact_group from header.provides (deleting
// artifact_group if the new artifact doesn't declare one).
func Commit(tx *store.Tx, hdr *artifact.HeaderInfo, subHeaders []artifact.SubHeader) error {
	for _, sh := range subHeaders {
		for _, glob := range sh.TypeInfo.ClearsArtifactProvides {
			keys, err := tx.ListKeys(store.TableProvides)
			if err != nil {
				return err
			}
			for _, k := range keys {
				if matchGlob(glob, k) {
					if err := tx.Remove(store.TableProvides, k); err != nil {
						return err
					}
				}
			}
		}

		for k, v := range sh.TypeInfo.ArtifactProvides {
			if err := tx.Write(store.TableProvides, k, []byte(v)); err != nil {
				return err
			}
		}
	}

	if err := tx.Write(store.TableProvides, keyArtifactName, []byte(hdr.Provides.ArtifactName)); err != nil {
		return err
	}
	if hdr.Provides.ArtifactGroup != "" {
		if err := tx.Write(store.TableProvides, keyArtifactGroup, []byte(hdr.Provides.ArtifactGroup)); err != nil {
			return err
		}
	} else if err := tx.Remove(store.TableProvides, keyArtifactGroup); err != nil {
		return err
	}

	return nil
}
