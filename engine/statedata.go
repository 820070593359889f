// Package engine drives the update state machine (C9): dispatching to the
// depends resolver, the Update Module invoker or built-in rootfs installer,
// the state-script runner, and the persistent store, in the order and with
// the crash-resume guarantees spec.md §4.9 requires.
package engine

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/coreos/update-agent/artifact"
	"github.com/coreos/update-agent/modinvoke"
	"github.com/coreos/update-agent/store"
)

// State is the state-machine alphabet from spec §4.9, a superset of
// modinvoke.State covering the pre-artifact states (Idle, Sync) that never
// reach a module.
type State string

const (
	StateIdle                   State = "Idle"
	StateSync                   State = "Sync"
	StateDownload               State = State(modinvoke.StateDownload)
	StateArtifactInstall        State = State(modinvoke.StateArtifactInstall)
	StateArtifactReboot         State = State(modinvoke.StateArtifactReboot)
	StateArtifactCommit         State = State(modinvoke.StateArtifactCommit)
	StateArtifactRollback       State = State(modinvoke.StateArtifactRollback)
	StateArtifactRollbackReboot State = State(modinvoke.StateArtifactRollbackReboot)
	StateArtifactFailure        State = State(modinvoke.StateArtifactFailure)
	StateCleanup                State = State(modinvoke.StateCleanup)
)

// rebootSafeStates names the states whose in-progress transition is
// declared reboot-safe: finding state_data parked here on startup means the
// engine itself requested the reboot mid-transition, not that one happened
// spontaneously (spec §4.9).
var rebootSafeStates = map[State]bool{
	StateArtifactReboot:         true,
	StateArtifactRollbackReboot: true,
}

// CheckpointSchemaVersion versions the StateData shape persisted to the
// store. loadStateData treats a checkpoint with a newer version as "no
// update in progress" rather than misinterpreting the JSON; it does not
// switch later writes to the uncommitted key.
const CheckpointSchemaVersion = 1

// StateData is the JSON checkpoint written to store.TableState at every
// state-machine boundary, before the boundary's external side effect runs.
type StateData struct {
	SchemaVersion uint32 `json:"schema_version"`

	State        State `json:"state"`
	PayloadIndex int   `json:"payload_index"`
	NumPayloads  int   `json:"num_payloads"`

	RollbackRequested         bool `json:"rollback_requested"`
	RebootRequested           bool `json:"reboot_requested"`
	SpontaneousRebootDetected bool `json:"spontaneous_reboot_detected"`

	ArtifactName  string `json:"artifact_name,omitempty"`
	ArtifactGroup string `json:"artifact_group,omitempty"`
	DeviceType    string `json:"device_type,omitempty"`

	// PayloadTypes lets the engine re-resolve each payload's Installer
	// across a crash without needing the original (possibly no-longer-open)
	// artifact stream.
	PayloadTypes []string `json:"payload_types,omitempty"`
	// HeaderInfo/SubHeaders are carried verbatim so ArtifactCommit's
	// clears-then-merge step (depends.Commit) can run after a restart with
	// no dependency on the artifact stream that produced them.
	HeaderInfo *artifact.HeaderInfo `json:"header_info,omitempty"`
	SubHeaders []artifact.SubHeader `json:"sub_headers,omitempty"`

	// NeedsReboot records the tristate answer the installer(s) gave during
	// install, so resuming after a crash doesn't need to re-ask a module
	// that may no longer be invokable the same way mid-transition.
	NeedsReboot string `json:"needs_reboot,omitempty"`

	Failure string `json:"failure,omitempty"`
}

// loadStateData reads the winning checkpoint (committed or uncommitted) and
// unmarshals it. A nil, nil return means "no update in progress" (Idle).
func loadStateData(s *store.Store) (*StateData, error) {
	raw, _, err := s.ReadStateData()
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var sd StateData
	if err := json.Unmarshal(raw, &sd); err != nil {
		return nil, errors.Wrap(err, "unmarshaling state_data")
	}

	if sd.SchemaVersion > CheckpointSchemaVersion {
		// A newer engine wrote this; we can't interpret it, so behave as if
		// nothing is in progress rather than corrupt it further. Every
		// engine call site passes uncommitted=false to saveStateData, so
		// nothing switches to the uncommitted key here.
		return nil, nil
	}

	return &sd, nil
}

// saveStateData persists sd. uncommitted writes to the shadow key used
// while a transition the current schema doesn't fully trust is in flight;
// committed writers should follow with store.CommitStateData() once the
// transition that produced sd is durable.
func saveStateData(s *store.Store, sd *StateData, uncommitted bool) error {
	sd.SchemaVersion = CheckpointSchemaVersion
	raw, err := json.Marshal(sd)
	if err != nil {
		return errors.Wrap(err, "marshaling state_data")
	}
	return s.WriteStateData(raw, uncommitted)
}
