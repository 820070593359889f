package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/coreos/pkg/multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/coreos/update-agent/artifact"
	"github.com/coreos/update-agent/depends"
	"github.com/coreos/update-agent/internal/pkg/lockfile"
	"github.com/coreos/update-agent/modinvoke"
	"github.com/coreos/update-agent/scripts"
	"github.com/coreos/update-agent/store"
	"github.com/coreos/update-agent/uerrors"
)

// InstallArtifact drives the happy-path transitions from spec §4.9:
// Sync -> Download -> ArtifactInstall -> ArtifactReboot? and stops there,
// persisted and ready for a later Commit (spec.md's CLI separates install
// from commit deliberately). The depends check runs first, so an
// incompatible artifact is rejected before any state is persisted. Installer
// failures during Download and ArtifactInstall route through the
// rollback/failure path and return a non-nil error; state-script and store
// errors at a state boundary are returned directly.
func (e *Engine) InstallArtifact(ctx context.Context, parsed *artifact.ParsedArtifact) error {
	lock, err := lockfile.Acquire(e.Config.LockPath)
	if err != nil {
		return uerrors.Wrap(uerrors.CodeStorageError, err, "acquiring update lock")
	}
	defer lock.Unlock()

	provides, err := e.currentProvides()
	if err != nil {
		return err
	}

	if err := depends.Check(provides, e.Config.DeviceType, &parsed.Header.Info, parsed.Header.SubHeaders); err != nil {
		return err
	}

	sd := &StateData{
		State:      StateSync,
		DeviceType: e.Config.DeviceType,
	}
	if err := e.enter(ctx, sd); err != nil {
		return err
	}
	if err := e.leave(ctx, sd); err != nil {
		return err
	}

	payloadTypes := make([]string, len(parsed.Header.Info.Payloads))
	for i, p := range parsed.Header.Info.Payloads {
		payloadTypes[i] = p.PayloadType
	}
	sd = &StateData{
		State:        StateDownload,
		DeviceType:   e.Config.DeviceType,
		PayloadTypes: payloadTypes,
		HeaderInfo:   &parsed.Header.Info,
		SubHeaders:   parsed.Header.SubHeaders,
	}
	if err := e.enter(ctx, sd); err != nil {
		return err
	}

	installers := make([]Installer, len(payloadTypes))
	for idx, pt := range payloadTypes {
		sub := parsed.Header.SubHeaders[idx]
		workDir := e.Config.workDir(idx)

		installer, err := e.Resolver.Resolve(pt)
		if err != nil {
			return e.failurePath(ctx, sd, nil, err)
		}
		installers[idx] = installer

		if _, err := modinvoke.BuildWorkDir(workDir, e.Config.DeviceType, provides, &parsed.Header.Info, &sub); err != nil {
			return e.failurePath(ctx, sd, installer, err)
		}

		pfi, err := parsed.Payloads.Next()
		if err != nil {
			return e.failurePath(ctx, sd, installer, err)
		}
		if err := e.downloadAndInvoke(ctx, installer, pfi, workDir); err != nil {
			return e.failurePath(ctx, sd, installer, err)
		}
	}
	if err := e.leave(ctx, sd); err != nil {
		return err
	}

	sd = &StateData{
		State:        StateArtifactInstall,
		DeviceType:   e.Config.DeviceType,
		PayloadTypes: payloadTypes,
		HeaderInfo:   &parsed.Header.Info,
		SubHeaders:   parsed.Header.SubHeaders,
	}
	if err := e.enter(ctx, sd); err != nil {
		return err
	}

	needsReboot := modinvoke.TristateNo
	for idx, installer := range installers {
		sd.PayloadIndex = idx
		workDir := e.Config.workDir(idx)

		if _, err := installer.Invoke(ctx, modinvoke.StateArtifactInstall, workDir); err != nil {
			return e.failurePath(ctx, sd, installer, err)
		}

		out, err := installer.Invoke(ctx, modinvoke.StateNeedsArtifactReboot, workDir)
		if err != nil {
			return e.failurePath(ctx, sd, installer, err)
		}
		ts, err := modinvoke.ParseTristate(out)
		if err != nil {
			return e.failurePath(ctx, sd, installer, err)
		}
		needsReboot = strongerTristate(needsReboot, ts)
	}
	if err := e.leave(ctx, sd); err != nil {
		return err
	}
	sd.NeedsReboot = string(needsReboot)

	if needsReboot == modinvoke.TristateNo {
		if err := saveStateData(e.Store, sd, false); err != nil {
			return err
		}
		return nil
	}

	sd.State = StateArtifactReboot
	sd.RebootRequested = true
	if err := e.enter(ctx, sd); err != nil {
		return err
	}

	if needsReboot == modinvoke.TristateAutomatic {
		if err := e.doReboot(ctx); err != nil {
			return e.failurePath(ctx, sd, nil, err)
		}
	}
	if err := e.leave(ctx, sd); err != nil {
		return err
	}

	if needsReboot == modinvoke.TristateYes {
		return uerrors.New(uerrors.CodeRebootRequired, "artifact installed; a reboot is required before commit")
	}
	return nil
}

// strongerTristate combines per-payload NeedsArtifactReboot answers:
// Automatic beats Yes beats No, so one payload requesting an engine-driven
// reboot is never silently downgraded by another payload's quieter answer.
func strongerTristate(a, b modinvoke.Tristate) modinvoke.Tristate {
	rank := func(t modinvoke.Tristate) int {
		switch t {
		case modinvoke.TristateAutomatic:
			return 2
		case modinvoke.TristateYes:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// maxBlockedStreamOpens bounds how many goroutines may sit blocked in
// open(2) at once waiting for a module to open its end of a C7 FIFO; the
// protocol only ever has streams-list and the current file's stream open
// at the same time, so this is generous headroom rather than a tight cap.
const maxBlockedStreamOpens = 4

// downloadAndInvoke writes pfi's files to <workDir>/files (the plain-file
// delivery spec §4.7 describes as the default) while concurrently offering
// the same bytes back out over the C7 streams-list/streams/<name> FIFO
// bridge, then runs the module's Download action. The engine has no advance
// way to know whether a module reads <workDir>/files/* or opens the FIFOs
// instead (spec §4.7: "detected by the module reading from a FIFO... rather
// than reading files"), so both are made available; whichever the module
// actually opens is what happens. The bridge is cancelled once Invoke
// returns so a module that never engaged streaming doesn't leave a worker
// goroutine blocked in open(2) forever.
func (e *Engine) downloadAndInvoke(ctx context.Context, installer Installer, pfi *artifact.PayloadFileIterator, workDir string) error {
	streamFiles, err := writePayloadFiles(pfi, filepath.Join(workDir, "files"))
	if err != nil {
		return err
	}
	defer func() {
		for _, f := range streamFiles {
			f.R.(io.Closer).Close()
		}
	}()

	bridgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	bridge, err := modinvoke.NewStreamBridge(bridgeCtx, workDir, streamFiles, maxBlockedStreamOpens)
	if err != nil {
		return err
	}

	bridgeDone := make(chan error, 1)
	go func() { bridgeDone <- bridge.Run(bridgeCtx, streamFiles) }()

	_, invokeErr := installer.Invoke(ctx, modinvoke.StateDownload, workDir)

	cancel()
	bridge.Cancel()
	bridgeErr := <-bridgeDone

	if invokeErr != nil {
		return invokeErr
	}
	if bridgeErr != nil && bridgeErr != context.Canceled {
		return uerrors.Wrap(uerrors.CodeTransientIOError, bridgeErr, "streaming download bridge")
	}
	return nil
}

// writePayloadFiles drains pfi to <dir>, writing each file to disk (the
// hash-verified, forward-only payload reader only yields its bytes once),
// then reopens each written file for read so the same bytes can also be
// offered over the streams FIFO bridge without a second buffered copy.
func writePayloadFiles(pfi *artifact.PayloadFileIterator, dir string) ([]modinvoke.StreamFile, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, uerrors.Wrap(uerrors.CodeTransientIOError, err, "creating payload files directory")
	}
	var streamFiles []modinvoke.StreamFile
	for {
		name, r, err := pfi.Next()
		if err == artifact.ErrNoMorePayloadFiles {
			return streamFiles, nil
		}
		if err != nil {
			return nil, err
		}
		if err := writeOnePayloadFile(dir, name, r); err != nil {
			return nil, err
		}
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			return nil, uerrors.Wrap(uerrors.CodeTransientIOError, err, "statting payload file %s", name)
		}
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, uerrors.Wrap(uerrors.CodeTransientIOError, err, "reopening payload file %s for streaming", name)
		}
		streamFiles = append(streamFiles, modinvoke.StreamFile{Name: name, Size: info.Size(), R: f})
	}
}

func writeOnePayloadFile(dir, name string, r io.Reader) error {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return uerrors.Wrap(uerrors.CodeTransientIOError, err, "creating payload file %s", name)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return uerrors.Wrap(uerrors.CodeChecksumMismatch, err, "writing payload file %s", name)
	}
	return nil
}

// Commit advances an uncommitted install (state ArtifactInstall or
// ArtifactReboot) to ArtifactCommit, running the depends commit rule and
// each payload's module Commit call, then Cleanup back to Idle.
func (e *Engine) Commit(ctx context.Context) error {
	lock, err := lockfile.Acquire(e.Config.LockPath)
	if err != nil {
		return uerrors.Wrap(uerrors.CodeStorageError, err, "acquiring update lock")
	}
	defer lock.Unlock()

	sd, err := loadStateData(e.Store)
	if err != nil {
		return err
	}
	if sd == nil || (sd.State != StateArtifactInstall && sd.State != StateArtifactReboot) {
		return uerrors.New(uerrors.CodeNoUpdateInProgress, "no update is in progress")
	}

	return e.commitInProgress(ctx, sd)
}

func (e *Engine) commitInProgress(ctx context.Context, sd *StateData) error {
	sd.State = StateArtifactCommit
	if err := e.enter(ctx, sd); err != nil {
		return err
	}

	for idx, pt := range sd.PayloadTypes {
		installer, err := e.Resolver.Resolve(pt)
		if err != nil {
			return e.failurePath(ctx, sd, nil, err)
		}
		if _, err := installer.Invoke(ctx, modinvoke.StateArtifactCommit, e.Config.workDir(idx)); err != nil {
			return e.failurePath(ctx, sd, installer, err)
		}
	}

	if sd.HeaderInfo != nil {
		err := e.Store.Transaction(func(tx *store.Tx) error {
			return depends.Commit(tx, sd.HeaderInfo, sd.SubHeaders)
		})
		if err != nil {
			return e.failurePath(ctx, sd, nil, err)
		}
	}

	if err := e.leave(ctx, sd); err != nil {
		return err
	}
	return e.cleanup(ctx, sd)
}

// Rollback reverts an uncommitted install, per the CLI `rollback` verb.
func (e *Engine) Rollback(ctx context.Context) error {
	lock, err := lockfile.Acquire(e.Config.LockPath)
	if err != nil {
		return uerrors.Wrap(uerrors.CodeStorageError, err, "acquiring update lock")
	}
	defer lock.Unlock()

	sd, err := loadStateData(e.Store)
	if err != nil {
		return err
	}
	if sd == nil || (sd.State != StateArtifactInstall && sd.State != StateArtifactReboot) {
		return uerrors.New(uerrors.CodeNoUpdateInProgress, "no update is in progress")
	}

	sd.RollbackRequested = true
	return e.runRollback(ctx, sd, nil)
}

// failurePath is invoked when any step from Download onward fails. It
// queries rollback support (if an installer is available), runs the
// rollback/failure routing from spec §4.9, and always finishes by reporting
// cause back to the caller.
func (e *Engine) failurePath(ctx context.Context, sd *StateData, installer Installer, cause error) error {
	sd.Failure = cause.Error()
	e.log.Errorf("update failed at state %s: %v", sd.State, cause)

	supportsRollback := modinvoke.TristateNo
	if installer != nil {
		if out, err := installer.Invoke(ctx, modinvoke.StateSupportsRollback, e.Config.workDir(sd.PayloadIndex)); err == nil {
			if ts, err := modinvoke.ParseTristate(out); err == nil {
				supportsRollback = ts
			}
		}
	}

	if supportsRollback == modinvoke.TristateNo {
		if err := e.markInconsistent(); err != nil {
			e.log.Errorf("failed to mark device inconsistent: %v", err)
		}
		if err := e.runFailureAction(ctx, sd); err != nil {
			e.log.Errorf("ArtifactFailure action reported an error: %v", err)
		}
		e.cleanup(ctx, sd)
		return uerrors.Wrap(uerrors.CodeModuleFailed, cause, "install failed, rollback unsupported, device marked inconsistent")
	}

	if err := e.runRollback(ctx, sd, cause); err != nil {
		return err
	}
	return uerrors.Wrap(uerrors.CodeModuleFailed, cause, "install failed, rolled back")
}

func (e *Engine) runRollback(ctx context.Context, sd *StateData, installFailure error) error {
	sd.State = StateArtifactRollback
	if err := e.enter(ctx, sd); err != nil {
		return err
	}
	var rollbackErrs multierror.Error
	for idx, pt := range sd.PayloadTypes {
		installer, err := e.Resolver.Resolve(pt)
		if err != nil {
			rollbackErrs = append(rollbackErrs, errors.Wrapf(err, "resolving installer for %s", pt))
			continue
		}
		if _, err := installer.Invoke(ctx, modinvoke.StateArtifactRollback, e.Config.workDir(idx)); err != nil {
			rollbackErrs = append(rollbackErrs, errors.Wrapf(err, "payload %d", idx))
		}
	}
	if err := rollbackErrs.AsError(); err != nil {
		e.log.Errorf("rollback reported errors: %v", err)
	}
	if err := e.leave(ctx, sd); err != nil {
		return err
	}

	if modinvoke.Tristate(sd.NeedsReboot) != modinvoke.TristateNo {
		sd.State = StateArtifactRollbackReboot
		if err := e.enter(ctx, sd); err != nil {
			return err
		}
		if modinvoke.Tristate(sd.NeedsReboot) == modinvoke.TristateAutomatic {
			if err := e.doReboot(ctx); err != nil {
				e.log.Errorf("rollback reboot failed: %v", err)
			}
		}
		if err := e.leave(ctx, sd); err != nil {
			return err
		}
	}

	if err := e.runFailureAction(ctx, sd); err != nil {
		e.log.Errorf("ArtifactFailure action reported an error: %v", err)
	}
	return e.cleanup(ctx, sd)
}

func (e *Engine) runFailureAction(ctx context.Context, sd *StateData) error {
	sd.State = StateArtifactFailure
	if err := e.enter(ctx, sd); err != nil {
		return err
	}
	var failureErrs multierror.Error
	for idx, pt := range sd.PayloadTypes {
		installer, err := e.Resolver.Resolve(pt)
		if err != nil {
			continue
		}
		if _, err := installer.Invoke(ctx, modinvoke.StateArtifactFailure, e.Config.workDir(idx)); err != nil {
			failureErrs = append(failureErrs, errors.Wrapf(err, "payload %d", idx))
		}
	}
	if err := failureErrs.AsError(); err != nil {
		e.log.Errorf("ArtifactFailure action reported errors: %v", err)
	}
	return e.leaveIgnoringScriptError(ctx, sd)
}

// markInconsistent appends the configured broken-artifact suffix to the
// persisted artifact name, per spec §4.9's failure routing when rollback is
// unsupported.
func (e *Engine) markInconsistent() error {
	raw, err := e.Store.Read(store.TableProvides, "artifact_name")
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return e.Store.Write(store.TableProvides, "artifact_name", append(raw, []byte(e.Config.BrokenArtifactSuffix)...))
}

func (e *Engine) cleanup(ctx context.Context, sd *StateData) error {
	sd.State = StateCleanup
	if err := e.enter(ctx, sd); err != nil {
		return err
	}
	var cleanupErrs multierror.Error
	for idx, pt := range sd.PayloadTypes {
		workDir := e.Config.workDir(idx)
		if installer, err := e.Resolver.Resolve(pt); err == nil {
			if _, err := installer.Invoke(ctx, modinvoke.StateCleanup, workDir); err != nil {
				cleanupErrs = append(cleanupErrs, errors.Wrapf(err, "payload %d", idx))
			}
		}
		os.RemoveAll(workDir)
	}
	if err := cleanupErrs.AsError(); err != nil {
		e.log.Errorf("Cleanup reported errors: %v", err)
	}
	if err := e.leaveIgnoringScriptError(ctx, sd); err != nil {
		return err
	}
	return e.Store.ClearStateData()
}

// enter persists sd (the crash-safe checkpoint write that must precede any
// external side effect of this state, per spec §4.9) then runs the state's
// Enter scripts.
func (e *Engine) enter(ctx context.Context, sd *StateData) error {
	if err := saveStateData(e.Store, sd, false); err != nil {
		return err
	}
	return e.runScripts(ctx, sd.State, scripts.ActionEnter)
}

func (e *Engine) leave(ctx context.Context, sd *StateData) error {
	return e.runScripts(ctx, sd.State, scripts.ActionLeave)
}

// leaveIgnoringScriptError runs Leave scripts but only logs a failure,
// since Cleanup/ArtifactFailure must not themselves abort the failure path
// they're already running.
func (e *Engine) leaveIgnoringScriptError(ctx context.Context, sd *StateData) error {
	if err := e.runScripts(ctx, sd.State, scripts.ActionLeave); err != nil {
		e.log.Errorf("Leave scripts for %s reported an error: %v", sd.State, err)
	}
	return nil
}

// runScripts executes state's scripts for action. Per spec §4.8/§4.9, a
// non-zero exit during Enter/Leave both runs the Error action (best-effort,
// its own failures only logged) and still aborts the state by returning the
// original error; a non-zero exit during Error itself is only logged.
func (e *Engine) runScripts(ctx context.Context, state State, action scripts.Action) error {
	if e.Config.ScriptsDir == "" {
		return nil
	}
	r := scripts.NewRunner(e.Config.ScriptsDir)
	if err := r.CheckVersion(); err != nil {
		return err
	}

	err := r.Run(ctx, string(state), action)
	if err == nil {
		return nil
	}
	if action == scripts.ActionError {
		e.log.Errorf("%s Error scripts reported an error: %v", state, err)
		return nil
	}
	if errScripts := r.Run(ctx, string(state), scripts.ActionError); errScripts != nil {
		e.log.Errorf("%s Error scripts reported an error: %v", state, errScripts)
	}
	return err
}

// doReboot persists nothing further (the caller already did, before this
// call, per the persistence cadence) and performs the reboot, blocking up
// to Config.RebootBlockTimeout. If the reboot call returns control instead
// of the process dying, that's RebootFailed.
func (e *Engine) doReboot(ctx context.Context) error {
	unix.Sync()
	if err := e.Reboot.Reboot(ctx); err != nil {
		return uerrors.Wrap(uerrors.CodeRebootFailed, err, "requesting reboot")
	}

	select {
	case <-time.After(e.Config.RebootBlockTimeout):
		return uerrors.New(uerrors.CodeRebootFailed, "process still running %s after reboot request", e.Config.RebootBlockTimeout)
	case <-ctx.Done():
		return uerrors.Wrap(uerrors.CodeRebootFailed, ctx.Err(), "reboot wait canceled")
	}
}

// CheckResume runs at engine startup. It detects a state_data checkpoint
// left by a crash or reboot and either resumes the in-progress transition
// (if it was a reboot-safe one the engine itself requested) or routes the
// interrupted state through the failure path (a spontaneous reboot).
func (e *Engine) CheckResume(ctx context.Context) error {
	sd, err := loadStateData(e.Store)
	if err != nil {
		return err
	}
	if sd == nil || sd.State == StateIdle {
		return nil
	}

	if rebootSafeStates[sd.State] {
		e.log.Infof("resuming update at state %s after an engine-requested reboot", sd.State)
		if sd.State == StateArtifactReboot {
			return e.Commit(ctx)
		}
		return e.runFailureAndCleanupOnly(ctx, sd)
	}

	sd.SpontaneousRebootDetected = true
	e.log.Warnf("spontaneous reboot detected mid-state %s; routing to failure path", sd.State)

	var installer Installer
	if sd.PayloadIndex < len(sd.PayloadTypes) {
		if resolved, err := e.Resolver.Resolve(sd.PayloadTypes[sd.PayloadIndex]); err == nil {
			installer = resolved
		} else {
			e.log.Errorf("resolving installer for resumed payload %d: %v", sd.PayloadIndex, err)
		}
	}

	return e.failurePath(ctx, sd, installer, uerrors.New(uerrors.CodeRebootFailed,
		"engine restarted unexpectedly while in state %s", sd.State))
}

func (e *Engine) runFailureAndCleanupOnly(ctx context.Context, sd *StateData) error {
	if err := e.runFailureAction(ctx, sd); err != nil {
		e.log.Errorf("ArtifactFailure action reported an error: %v", err)
	}
	return e.cleanup(ctx, sd)
}
