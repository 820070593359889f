// Package rootfs implements the built-in dual-rootfs installer (C10): the
// payload_type "rootfs-image" handler that writes a payload straight to the
// inactive partition instead of shelling out to an Update Module. It is
// adapted from the teacher's update.Updater/Payload hash-verify-then-write
// idiom, retargeted from Omaha binary-diff operations onto a whole-stream
// write of one tar-payload file per spec.md's data model.
package rootfs

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/coreos/pkg/capnslog"

	"github.com/coreos/update-agent/modinvoke"
	"github.com/coreos/update-agent/uerrors"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/update-agent", "rootfs")

// BootEnvironment abstracts the partition-table/boot-loader manipulation the
// installer needs but that spec.md places out of scope: selecting the
// inactive partition, flagging a one-shot boot, and committing or rolling
// back which partition the bootloader treats as the permanent default.
//
// Every method reflects durable boot-environment state rather than
// in-process memory, so Installer itself can stay stateless and survive the
// engine restarting mid-install (spec §8's crash-safety property).
type BootEnvironment interface {
	// InactivePartition returns the block device and boot-environment label
	// of the partition not currently booted.
	InactivePartition() (device, label string, err error)
	// ActivePartition returns the block device and label of the partition
	// currently booted.
	ActivePartition() (device, label string, err error)
	// OneShotPartition returns the label currently flagged for a one-shot
	// boot, or "" if none is pending.
	OneShotPartition() (label string, err error)
	// SetOneShotBoot requests the bootloader try label exactly once on next
	// boot, falling back to the previous default if it doesn't commit.
	SetOneShotBoot(label string) error
	ClearOneShotBoot() error
	// SetPermanentBoot marks label as the bootloader's default target.
	SetPermanentBoot(label string) error
}

// Installer is the built-in handler for payload_type "rootfs-image". It
// satisfies the same Invoke(ctx, state, workDir) contract as
// modinvoke.Module so the engine can dispatch to either behind one
// interface (spec §9's two-variant installer design note).
type Installer struct {
	Boot BootEnvironment
}

// New builds an Installer bound to a boot-environment collaborator.
func New(boot BootEnvironment) *Installer {
	return &Installer{Boot: boot}
}

// Invoke dispatches on state exactly like modinvoke.Module.Invoke would for
// an external binary, except every state runs in-process.
func (in *Installer) Invoke(ctx context.Context, state modinvoke.State, workDir string) (string, error) {
	switch state {
	case modinvoke.StateDownload:
		return "", nil
	case modinvoke.StateArtifactInstall:
		return "", in.install(workDir)
	case modinvoke.StateArtifactCommit:
		return "", in.commit()
	case modinvoke.StateArtifactRollback:
		return "", in.rollback()
	case modinvoke.StateArtifactReboot, modinvoke.StateArtifactRollbackReboot,
		modinvoke.StateArtifactFailure, modinvoke.StateCleanup:
		return "", nil
	case modinvoke.StateSupportsRollback:
		return string(modinvoke.TristateYes), nil
	case modinvoke.StateNeedsArtifactReboot:
		return string(modinvoke.TristateAutomatic), nil
	default:
		return "", uerrors.New(uerrors.CodeModuleFailed, "rootfs installer: unhandled state %s", state)
	}
}

// install writes every payload file the engine staged under
// <workDir>/files/ to the inactive partition, in directory order, then
// requests a one-shot boot of it.
func (in *Installer) install(workDir string) error {
	device, label, err := in.Boot.InactivePartition()
	if err != nil {
		return uerrors.Wrap(uerrors.CodeModuleFailed, err, "selecting inactive partition")
	}

	if activeDevice, activeLabel, err := in.Boot.ActivePartition(); err == nil {
		plog.Infof("installing rootfs-image to %s (label %s), currently booted %s (label %s)", device, label, activeDevice, activeLabel)
	}

	filesDir := filepath.Join(workDir, "files")
	entries, err := os.ReadDir(filesDir)
	if err != nil {
		return uerrors.Wrap(uerrors.CodeTransientIOError, err, "reading payload files directory")
	}

	out, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return uerrors.Wrap(uerrors.CodeTransientIOError, err, "opening target partition %s", device)
	}
	defer out.Close()

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := writeFileTo(out, filepath.Join(filesDir, e.Name())); err != nil {
			return err
		}
	}

	if err := out.Sync(); err != nil {
		return uerrors.Wrap(uerrors.CodeTransientIOError, err, "fsyncing %s", device)
	}

	if err := in.Boot.SetOneShotBoot(label); err != nil {
		return uerrors.Wrap(uerrors.CodeModuleFailed, err, "setting one-shot boot flag on %s", label)
	}

	return nil
}

func writeFileTo(dst *os.File, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return uerrors.Wrap(uerrors.CodeTransientIOError, err, "opening payload file %s", srcPath)
	}
	defer src.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return uerrors.Wrap(uerrors.CodeTransientIOError, err, "writing %s to partition", srcPath)
	}
	return nil
}

// commit clears the one-shot flag and marks the just-installed partition
// permanently active. It reads the pending label from the boot environment
// rather than in-process memory, so it is correct whether or not the
// engine restarted between install and commit.
func (in *Installer) commit() error {
	pending, err := in.Boot.OneShotPartition()
	if err != nil {
		return uerrors.Wrap(uerrors.CodeModuleFailed, err, "reading one-shot boot flag")
	}
	if pending == "" {
		return uerrors.New(uerrors.CodeNoUpdateInProgress, "rootfs installer: no pending install to commit")
	}
	if err := in.Boot.ClearOneShotBoot(); err != nil {
		return uerrors.Wrap(uerrors.CodeModuleFailed, err, "clearing one-shot boot flag")
	}
	if err := in.Boot.SetPermanentBoot(pending); err != nil {
		return uerrors.Wrap(uerrors.CodeModuleFailed, err, "marking %s permanently active", pending)
	}
	return nil
}

// rollback undoes an uncommitted install by restoring the bootloader
// default to the good partition. Two calling shapes both reach here: before
// any reboot happened (the active partition is still the good one, and the
// one-shot flag still names the broken partition as the pending target), or
// after ArtifactRollbackReboot already booted back into the good one (the
// one-shot flag has been consumed or cleared, and the good partition is now
// simply InactivePartition's complement — the currently-inactive side is
// the broken one). Reading OneShotPartition distinguishes the two: if it's
// still set and names the active partition, nothing happened yet and the
// good side is Active; otherwise the good side is Inactive.
func (in *Installer) rollback() error {
	oneShot, err := in.Boot.OneShotPartition()
	if err != nil {
		return uerrors.Wrap(uerrors.CodeModuleFailed, err, "reading one-shot boot flag")
	}
	_, activeLabel, err := in.Boot.ActivePartition()
	if err != nil {
		return uerrors.Wrap(uerrors.CodeModuleFailed, err, "reading active partition")
	}
	_, inactiveLabel, err := in.Boot.InactivePartition()
	if err != nil {
		return uerrors.Wrap(uerrors.CodeModuleFailed, err, "selecting rollback target partition")
	}

	target := inactiveLabel
	if oneShot != "" && oneShot != activeLabel {
		target = activeLabel
	}

	if err := in.Boot.ClearOneShotBoot(); err != nil {
		return uerrors.Wrap(uerrors.CodeModuleFailed, err, "clearing one-shot boot flag")
	}
	if err := in.Boot.SetPermanentBoot(target); err != nil {
		return uerrors.Wrap(uerrors.CodeModuleFailed, err, "reverting boot to %s", target)
	}
	return nil
}
