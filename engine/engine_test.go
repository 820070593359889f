package engine

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreos/update-agent/artifact"
	"github.com/coreos/update-agent/modinvoke"
	"github.com/coreos/update-agent/store"
	"github.com/coreos/update-agent/uerrors"
)

func addTar(t *testing.T, tw *tar.Writer, name string, content []byte) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}))
	_, err := tw.Write(content)
	require.NoError(t, err)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// buildTestArtifact assembles a minimal single-payload rootfs-image artifact
// compatible with device type "qemux86-64".
func buildTestArtifact(t *testing.T) []byte {
	t.Helper()

	var payloadBuf bytes.Buffer
	pw := tar.NewWriter(&payloadBuf)
	addTar(t, pw, "rootfs.img", []byte("pretend-filesystem-image"))
	require.NoError(t, pw.Close())
	payload := payloadBuf.Bytes()

	headerInfo := []byte(`{
		"payloads":[{"payload_type":"rootfs-image","name":"rootfs"}],
		"provides":{"artifact_name":"release-42"},
		"depends":{"device_type":["qemux86-64"]}
	}`)
	typeInfo := []byte(`{"type":"rootfs-image","artifact_provides":{"rootfs-image.version":"42"}}`)

	var headerBuf bytes.Buffer
	hw := tar.NewWriter(&headerBuf)
	addTar(t, hw, "header-info", headerInfo)
	addTar(t, hw, "headers/0000/type-info", typeInfo)
	require.NoError(t, hw.Close())
	headerTar := headerBuf.Bytes()

	var manifestBuf bytes.Buffer
	manifestBuf.WriteString(sha256Hex(headerTar) + "  header.tar\n")
	manifestBuf.WriteString(sha256Hex(payload) + "  data/0000.tar\n")

	var outerBuf bytes.Buffer
	ow := tar.NewWriter(&outerBuf)
	addTar(t, ow, "version", []byte(`{"format":"mender","version":3}`))
	addTar(t, ow, "manifest", manifestBuf.Bytes())
	addTar(t, ow, "header.tar", headerTar)
	addTar(t, ow, "data/0000.tar", payload)
	require.NoError(t, ow.Close())

	return outerBuf.Bytes()
}

func parseTestArtifact(t *testing.T) *artifact.ParsedArtifact {
	t.Helper()
	parsed, err := artifact.Parse(bytes.NewReader(buildTestArtifact(t)), artifact.Config{})
	require.NoError(t, err)
	return parsed
}

// fakeInstaller records every state it was invoked at and answers the two
// query states with configurable tristates.
type fakeInstaller struct {
	invocations      []modinvoke.State
	needsReboot      modinvoke.Tristate
	supportsRollback modinvoke.Tristate
	failAt           modinvoke.State
}

func (f *fakeInstaller) Invoke(ctx context.Context, state modinvoke.State, workDir string) (string, error) {
	f.invocations = append(f.invocations, state)
	if f.failAt != "" && state == f.failAt {
		return "", uerrors.New(uerrors.CodeModuleFailed, "fake installer failing at %s", state)
	}
	switch state {
	case modinvoke.StateNeedsArtifactReboot:
		return string(f.needsReboot), nil
	case modinvoke.StateSupportsRollback:
		return string(f.supportsRollback), nil
	default:
		return "", nil
	}
}

type fakeResolver struct {
	installer Installer
}

func (r *fakeResolver) Resolve(payloadType string) (Installer, error) {
	return r.installer, nil
}

type fakeRebooter struct {
	called bool
}

func (r *fakeRebooter) Reboot(ctx context.Context) error {
	r.called = true
	return nil
}

func newTestEngine(t *testing.T, installer Installer, reboot Rebooter) (*Engine, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.Write(store.TableProvides, "artifact_name", []byte("old-release")))

	cfg := DefaultConfig()
	cfg.DeviceType = "qemux86-64"
	cfg.Datastore = filepath.Join(dir, "datastore")
	cfg.LockPath = filepath.Join(dir, "lock")

	e := New(cfg, st, &fakeResolver{installer: installer}, reboot)
	return e, st
}

func TestInstallArtifactHappyPathNoReboot(t *testing.T) {
	installer := &fakeInstaller{needsReboot: modinvoke.TristateNo, supportsRollback: modinvoke.TristateYes}
	e, st := newTestEngine(t, installer, &fakeRebooter{})

	parsed := parseTestArtifact(t)
	require.NoError(t, e.InstallArtifact(context.Background(), parsed))

	require.NoError(t, e.Commit(context.Background()))

	provides, err := st.List(store.TableProvides)
	require.NoError(t, err)
	assert.Equal(t, "release-42", string(provides["artifact_name"]))
	assert.Equal(t, "42", string(provides["rootfs-image.version"]))

	_, _, err = st.ReadStateData()
	assert.Equal(t, store.ErrNotFound, err)
}

// streamReadingInstaller is a fakeInstaller whose Download action reads the
// C7 streams-list/streams/<name> FIFOs instead of <work>/files/, simulating
// an Update Module that opted into streamed delivery.
type streamReadingInstaller struct {
	fakeInstaller
	streamedNames []string
	streamedData  map[string][]byte
}

func (f *streamReadingInstaller) Invoke(ctx context.Context, state modinvoke.State, workDir string) (string, error) {
	if state != modinvoke.StateDownload {
		return f.fakeInstaller.Invoke(ctx, state, workDir)
	}
	f.fakeInstaller.invocations = append(f.fakeInstaller.invocations, state)
	f.streamedData = make(map[string][]byte)

	list, err := os.OpenFile(filepath.Join(workDir, "streams-list"), os.O_RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer list.Close()

	scanner := bufio.NewScanner(list)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		name := strings.SplitN(line, "\t", 2)[0]
		f.streamedNames = append(f.streamedNames, name)

		sf, err := os.Open(filepath.Join(workDir, "streams", name))
		if err != nil {
			return "", err
		}
		data, err := io.ReadAll(sf)
		sf.Close()
		if err != nil {
			return "", err
		}
		f.streamedData[name] = data
	}
	return "", scanner.Err()
}

func TestInstallArtifactOffersStreamingDeliveryAlongsideFiles(t *testing.T) {
	installer := &streamReadingInstaller{fakeInstaller: fakeInstaller{
		needsReboot:      modinvoke.TristateNo,
		supportsRollback: modinvoke.TristateYes,
	}}
	e, _ := newTestEngine(t, installer, &fakeRebooter{})

	parsed := parseTestArtifact(t)
	require.NoError(t, e.InstallArtifact(context.Background(), parsed))

	assert.Equal(t, []string{"rootfs.img"}, installer.streamedNames)
	assert.Equal(t, "pretend-filesystem-image", string(installer.streamedData["rootfs.img"]))

	// The module that streamed never touched <work>/files/, but the
	// engine wrote it anyway since it can't tell in advance which
	// delivery mechanism a module will use.
	data, err := os.ReadFile(filepath.Join(e.Config.workDir(0), "files", "rootfs.img"))
	require.NoError(t, err)
	assert.Equal(t, "pretend-filesystem-image", string(data))
}

func TestInstallArtifactDeviceTypeMismatchRejectsBeforeAnyWrite(t *testing.T) {
	installer := &fakeInstaller{needsReboot: modinvoke.TristateNo}
	e, st := newTestEngine(t, installer, &fakeRebooter{})
	e.Config.DeviceType = "other-device"

	parsed := parseTestArtifact(t)
	err := e.InstallArtifact(context.Background(), parsed)
	assert.True(t, uerrors.Is(err, uerrors.CodeDeviceTypeMismatch))

	provides, err := st.List(store.TableProvides)
	require.NoError(t, err)
	assert.Equal(t, "old-release", string(provides["artifact_name"]))
}

func TestInstallArtifactAutomaticRebootInvokesRebooterAndBlocks(t *testing.T) {
	installer := &fakeInstaller{needsReboot: modinvoke.TristateAutomatic}
	reboot := &fakeRebooter{}
	e, _ := newTestEngine(t, installer, reboot)
	e.Config.RebootBlockTimeout = 0

	parsed := parseTestArtifact(t)
	err := e.InstallArtifact(context.Background(), parsed)
	assert.True(t, uerrors.Is(err, uerrors.CodeModuleFailed))
	assert.True(t, reboot.called)
}

func TestInstallArtifactYesRebootReturnsRebootRequired(t *testing.T) {
	installer := &fakeInstaller{needsReboot: modinvoke.TristateYes}
	e, _ := newTestEngine(t, installer, &fakeRebooter{})

	parsed := parseTestArtifact(t)
	err := e.InstallArtifact(context.Background(), parsed)
	assert.True(t, uerrors.Is(err, uerrors.CodeRebootRequired))
}

func TestInstallFailureRollsBackWhenSupported(t *testing.T) {
	installer := &fakeInstaller{
		needsReboot:      modinvoke.TristateNo,
		supportsRollback: modinvoke.TristateYes,
		failAt:           modinvoke.StateArtifactInstall,
	}
	e, st := newTestEngine(t, installer, &fakeRebooter{})

	parsed := parseTestArtifact(t)
	err := e.InstallArtifact(context.Background(), parsed)
	require.Error(t, err)

	assert.Contains(t, installer.invocations, modinvoke.StateArtifactRollback)
	assert.Contains(t, installer.invocations, modinvoke.StateArtifactFailure)
	assert.Contains(t, installer.invocations, modinvoke.StateCleanup)

	_, _, serr := st.ReadStateData()
	assert.Equal(t, store.ErrNotFound, serr)

	provides, err := st.List(store.TableProvides)
	require.NoError(t, err)
	assert.Equal(t, "old-release", string(provides["artifact_name"]))
}

func TestInstallFailureMarksInconsistentWhenRollbackUnsupported(t *testing.T) {
	installer := &fakeInstaller{
		needsReboot:      modinvoke.TristateNo,
		supportsRollback: modinvoke.TristateNo,
		failAt:           modinvoke.StateArtifactInstall,
	}
	e, st := newTestEngine(t, installer, &fakeRebooter{})

	parsed := parseTestArtifact(t)
	err := e.InstallArtifact(context.Background(), parsed)
	require.Error(t, err)

	assert.NotContains(t, installer.invocations, modinvoke.StateArtifactRollback)
	assert.Contains(t, installer.invocations, modinvoke.StateArtifactFailure)

	name, err := st.Read(store.TableProvides, "artifact_name")
	require.NoError(t, err)
	assert.Equal(t, "old-release"+e.Config.BrokenArtifactSuffix, string(name))
}

func TestCommitWithNoUpdateInProgress(t *testing.T) {
	installer := &fakeInstaller{}
	e, _ := newTestEngine(t, installer, &fakeRebooter{})
	err := e.Commit(context.Background())
	assert.True(t, uerrors.Is(err, uerrors.CodeNoUpdateInProgress))
}

func TestRollbackWithNoUpdateInProgress(t *testing.T) {
	installer := &fakeInstaller{}
	e, _ := newTestEngine(t, installer, &fakeRebooter{})
	err := e.Rollback(context.Background())
	assert.True(t, uerrors.Is(err, uerrors.CodeNoUpdateInProgress))
}

func TestCheckResumeRoutesSpontaneousRebootToFailure(t *testing.T) {
	installer := &fakeInstaller{supportsRollback: modinvoke.TristateYes}
	e, st := newTestEngine(t, installer, &fakeRebooter{})

	sd := &StateData{
		State:        StateArtifactInstall,
		PayloadIndex: 0,
		PayloadTypes: []string{"rootfs-image"},
	}
	require.NoError(t, saveStateData(st, sd, false))
	require.NoError(t, os.MkdirAll(e.Config.workDir(0), 0700))

	resumeErr := e.CheckResume(context.Background())
	require.True(t, uerrors.Is(resumeErr, uerrors.CodeModuleFailed))

	assert.Contains(t, installer.invocations, modinvoke.StateArtifactRollback)

	_, _, err := st.ReadStateData()
	assert.Equal(t, store.ErrNotFound, err)
}

func TestCheckResumeAfterEngineRequestedRebootCommits(t *testing.T) {
	installer := &fakeInstaller{supportsRollback: modinvoke.TristateYes}
	e, st := newTestEngine(t, installer, &fakeRebooter{})

	sd := &StateData{
		State:        StateArtifactReboot,
		PayloadTypes: []string{"rootfs-image"},
		HeaderInfo:   &artifact.HeaderInfo{Provides: artifact.Provides{ArtifactName: "release-42"}},
		SubHeaders:   []artifact.SubHeader{{TypeInfo: artifact.TypeInfo{Type: "rootfs-image"}}},
	}
	require.NoError(t, saveStateData(st, sd, false))
	require.NoError(t, os.MkdirAll(e.Config.workDir(0), 0700))

	require.NoError(t, e.CheckResume(context.Background()))

	assert.Contains(t, installer.invocations, modinvoke.StateArtifactCommit)
	provides, err := st.List(store.TableProvides)
	require.NoError(t, err)
	assert.Equal(t, "release-42", string(provides["artifact_name"]))
}
