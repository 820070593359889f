package rootfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreos/update-agent/modinvoke"
	"github.com/coreos/update-agent/uerrors"
)

type fakeBoot struct {
	activeDevice, activeLabel     string
	inactiveDevice, inactiveLabel string

	oneShot   string
	permanent string
}

func (f *fakeBoot) InactivePartition() (string, string, error) {
	return f.inactiveDevice, f.inactiveLabel, nil
}
func (f *fakeBoot) ActivePartition() (string, string, error) {
	return f.activeDevice, f.activeLabel, nil
}
func (f *fakeBoot) OneShotPartition() (string, error) {
	return f.oneShot, nil
}
func (f *fakeBoot) SetOneShotBoot(label string) error {
	f.oneShot = label
	return nil
}
func (f *fakeBoot) ClearOneShotBoot() error {
	f.oneShot = ""
	return nil
}
func (f *fakeBoot) SetPermanentBoot(label string) error {
	f.permanent = label
	return nil
}

func setupWorkDir(t *testing.T, contents map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "files"), 0700))
	for name, data := range contents {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "files", name), []byte(data), 0600))
	}
	return dir
}

func TestInstallWritesPayloadFilesToInactivePartition(t *testing.T) {
	target := filepath.Join(t.TempDir(), "partB")
	require.NoError(t, os.WriteFile(target, make([]byte, 0), 0600))

	boot := &fakeBoot{activeDevice: "/dev/A", activeLabel: "A", inactiveDevice: target, inactiveLabel: "B"}
	in := New(boot)

	workDir := setupWorkDir(t, map[string]string{"rootfs.img": "payload-bytes"})

	_, err := in.Invoke(context.Background(), modinvoke.StateArtifactInstall, workDir)
	require.NoError(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "payload-bytes", string(data))
	assert.Equal(t, "B", boot.oneShot)
}

func TestCommitMarksPendingPermanent(t *testing.T) {
	target := filepath.Join(t.TempDir(), "partB")
	require.NoError(t, os.WriteFile(target, nil, 0600))
	boot := &fakeBoot{activeDevice: "/dev/A", activeLabel: "A", inactiveDevice: target, inactiveLabel: "B"}
	in := New(boot)

	workDir := setupWorkDir(t, map[string]string{"rootfs.img": "x"})
	_, err := in.Invoke(context.Background(), modinvoke.StateArtifactInstall, workDir)
	require.NoError(t, err)

	_, err = in.Invoke(context.Background(), modinvoke.StateArtifactCommit, workDir)
	require.NoError(t, err)

	assert.Equal(t, "B", boot.permanent)
	assert.Equal(t, "", boot.oneShot)
}

func TestCommitWithoutPendingInstallFails(t *testing.T) {
	boot := &fakeBoot{}
	in := New(boot)
	_, err := in.Invoke(context.Background(), modinvoke.StateArtifactCommit, t.TempDir())
	assert.True(t, uerrors.Is(err, uerrors.CodeNoUpdateInProgress))
}

func TestRollbackRevertsToPriorPartition(t *testing.T) {
	target := filepath.Join(t.TempDir(), "partB")
	require.NoError(t, os.WriteFile(target, nil, 0600))
	boot := &fakeBoot{activeDevice: "/dev/A", activeLabel: "A", inactiveDevice: target, inactiveLabel: "B"}
	in := New(boot)

	workDir := setupWorkDir(t, map[string]string{"rootfs.img": "x"})
	_, err := in.Invoke(context.Background(), modinvoke.StateArtifactInstall, workDir)
	require.NoError(t, err)

	_, err = in.Invoke(context.Background(), modinvoke.StateArtifactRollback, workDir)
	require.NoError(t, err)
	assert.Equal(t, "A", boot.permanent)
}

func TestSupportsRollbackAndNeedsRebootAnswers(t *testing.T) {
	in := New(&fakeBoot{})
	out, err := in.Invoke(context.Background(), modinvoke.StateSupportsRollback, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, string(modinvoke.TristateYes), out)

	out, err = in.Invoke(context.Background(), modinvoke.StateNeedsArtifactReboot, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, string(modinvoke.TristateAutomatic), out)
}
