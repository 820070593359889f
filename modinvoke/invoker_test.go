package modinvoke

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreos/update-agent/uerrors"
)

func writeFakeModule(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rootfs-image")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0700))
	return path
}

func TestDiscoverFindsModuleByPayloadType(t *testing.T) {
	dir := t.TempDir()
	modPath := filepath.Join(dir, "rootfs-image")
	require.NoError(t, os.WriteFile(modPath, []byte("#!/bin/sh\nexit 0\n"), 0700))

	m, err := Discover([]string{dir}, "rootfs-image")
	require.NoError(t, err)
	assert.Equal(t, modPath, m.Path)
}

func TestDiscoverNotFound(t *testing.T) {
	_, err := Discover([]string{t.TempDir()}, "no-such-type")
	assert.True(t, uerrors.Is(err, uerrors.CodeModuleFailed))
}

func TestInvokeSuccess(t *testing.T) {
	path := writeFakeModule(t, "exit 0\n")
	m := &Module{PayloadType: "rootfs-image", Path: path, Timeout: time.Second, Grace: 100 * time.Millisecond}

	_, err := m.Invoke(context.Background(), StateArtifactInstall, t.TempDir())
	assert.NoError(t, err)
}

func TestInvokeNeedsArtifactRebootTristate(t *testing.T) {
	path := writeFakeModule(t, "echo Automatic\n")
	m := &Module{PayloadType: "rootfs-image", Path: path, Timeout: time.Second, Grace: 100 * time.Millisecond}

	out, err := m.Invoke(context.Background(), StateNeedsArtifactReboot, t.TempDir())
	require.NoError(t, err)

	ts, err := ParseTristate(out)
	require.NoError(t, err)
	assert.Equal(t, TristateAutomatic, ts)
}

func TestInvokeProtocolErrorOnMultipleLines(t *testing.T) {
	path := writeFakeModule(t, "printf 'Yes\\nNo\\n'\n")
	m := &Module{PayloadType: "rootfs-image", Path: path, Timeout: time.Second, Grace: 100 * time.Millisecond}

	_, err := m.Invoke(context.Background(), StateSupportsRollback, t.TempDir())
	assert.True(t, uerrors.Is(err, uerrors.CodeProtocolError))
}

func TestInvokeModuleFailed(t *testing.T) {
	path := writeFakeModule(t, "exit 5\n")
	m := &Module{PayloadType: "rootfs-image", Path: path, Timeout: time.Second, Grace: 100 * time.Millisecond}

	_, err := m.Invoke(context.Background(), StateArtifactInstall, t.TempDir())
	assert.True(t, uerrors.Is(err, uerrors.CodeModuleFailed))
}

func TestInvokeRetriesExitCode21(t *testing.T) {
	dir := t.TempDir()
	counterFile := filepath.Join(dir, "count")
	script := `
count=0
if [ -f "` + counterFile + `" ]; then count=$(cat "` + counterFile + `"); fi
count=$((count+1))
echo $count > "` + counterFile + `"
if [ "$count" -lt 2 ]; then exit 21; fi
exit 0
`
	path := writeFakeModule(t, script)
	m := &Module{
		PayloadType: "rootfs-image", Path: path,
		Timeout: time.Second, Grace: 100 * time.Millisecond,
		Retry: RetryPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond},
	}

	_, err := m.Invoke(context.Background(), StateArtifactInstall, t.TempDir())
	assert.NoError(t, err)
}

func TestInvokeTimesOut(t *testing.T) {
	path := writeFakeModule(t, "sleep 5\n")
	m := &Module{PayloadType: "rootfs-image", Path: path, Timeout: 50 * time.Millisecond, Grace: 50 * time.Millisecond}

	_, err := m.Invoke(context.Background(), StateArtifactInstall, t.TempDir())
	assert.True(t, uerrors.Is(err, uerrors.CodeModuleTimeout))
}
