package engine

import (
	"context"
	"time"

	"github.com/coreos/update-agent/modinvoke"
)

// Installer is the two-variant sum from spec §9's design note: a per-payload
// installer is either an external Update Module or the built-in rootfs
// handler, dispatched behind one interface rather than subtype
// polymorphism. Both modinvoke.Module and rootfs.Installer satisfy this.
type Installer interface {
	Invoke(ctx context.Context, state modinvoke.State, workDir string) (string, error)
}

// InstallerResolver picks the Installer for a payload type. The engine
// resolves each payload's installer at Download, reuses it for
// ArtifactInstall within the same InstallArtifact call, and resolves it again
// from the payload types persisted in StateData at every later state
// (commit, rollback, failure, cleanup, and on resume).
type InstallerResolver interface {
	Resolve(payloadType string) (Installer, error)
}

// BuiltinAndModuleResolver resolves "rootfs-image" to a fixed built-in
// Installer and every other payload type by discovering an Update Module
// binary under ModuleDirs.
type BuiltinAndModuleResolver struct {
	ModuleDirs  []string
	Builtin     Installer
	BuiltinType string

	ModuleTimeout     time.Duration
	ModuleGrace       time.Duration
	ModuleRetryPolicy modinvoke.RetryPolicy
}

func (r *BuiltinAndModuleResolver) Resolve(payloadType string) (Installer, error) {
	if r.Builtin != nil && payloadType == r.BuiltinType {
		return r.Builtin, nil
	}

	m, err := modinvoke.Discover(r.ModuleDirs, payloadType)
	if err != nil {
		return nil, err
	}
	if r.ModuleTimeout > 0 {
		m.Timeout = r.ModuleTimeout
	}
	if r.ModuleGrace > 0 {
		m.Grace = r.ModuleGrace
	}
	if r.ModuleRetryPolicy.MaxRetries > 0 {
		m.Retry = r.ModuleRetryPolicy
	}
	return m, nil
}
