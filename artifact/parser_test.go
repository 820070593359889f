package artifact

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tarBuilder accumulates named byte blobs into a tar stream, the same shape
// every layer of the artifact format nests.
type tarBuilder struct {
	buf *bytes.Buffer
	tw  *tar.Writer
}

func newTarBuilder() *tarBuilder {
	buf := &bytes.Buffer{}
	return &tarBuilder{buf: buf, tw: tar.NewWriter(buf)}
}

func (b *tarBuilder) add(name string, content []byte) *tarBuilder {
	if err := b.tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0644,
		Size: int64(len(content)),
	}); err != nil {
		panic(err)
	}
	if _, err := b.tw.Write(content); err != nil {
		panic(err)
	}
	return b
}

func (b *tarBuilder) bytes() []byte {
	if err := b.tw.Close(); err != nil {
		panic(err)
	}
	return b.buf.Bytes()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// buildArtifact assembles a minimal single-payload, single-file artifact and
// returns its bytes, ready to feed to Parse.
func buildArtifact(t *testing.T) []byte {
	t.Helper()

	payload := newTarBuilder().
		add("rootfs.img", []byte("pretend-filesystem-image")).
		bytes()

	headerInfo := []byte(`{
		"payloads":[{"payload_type":"rootfs-image","name":"rootfs"}],
		"provides":{"artifact_name":"release-42"},
		"depends":{"device_type":["qemux86-64"]}
	}`)
	typeInfo := []byte(`{"type":"rootfs-image","artifact_provides":{"rootfs-image.checksum":"abc"}}`)

	headerTar := newTarBuilder().
		add("header-info", headerInfo).
		add("headers/0000/type-info", typeInfo).
		bytes()

	manifestLines := [][2]string{
		{"header.tar", sha256Hex(headerTar)},
		{"data/0000.tar", sha256Hex(payload)},
	}
	var manifestBuf bytes.Buffer
	for _, l := range manifestLines {
		manifestBuf.WriteString(l[1])
		manifestBuf.WriteString("  ")
		manifestBuf.WriteString(l[0])
		manifestBuf.WriteString("\n")
	}

	outer := newTarBuilder().
		add("version", []byte(`{"format":"mender","version":3}`)).
		add("manifest", manifestBuf.Bytes()).
		add("header.tar", headerTar).
		add("data/0000.tar", payload).
		bytes()

	return outer
}

func TestParseRoundTrip(t *testing.T) {
	art := buildArtifact(t)

	parsed, err := Parse(bytes.NewReader(art), Config{})
	require.NoError(t, err)

	assert.Equal(t, FormatVersion, parsed.FormatVersion)
	assert.Equal(t, "release-42", parsed.Header.Info.Provides.ArtifactName)
	require.Len(t, parsed.Header.SubHeaders, 1)
	assert.Equal(t, "rootfs-image", parsed.Header.SubHeaders[0].TypeInfo.Type)

	files, err := parsed.Payloads.Next()
	require.NoError(t, err)
	name, r, err := files.Next()
	require.NoError(t, err)
	assert.Equal(t, "rootfs.img", name)

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "pretend-filesystem-image", string(data))

	_, _, err = files.Next()
	assert.Equal(t, ErrNoMorePayloadFiles, err)

	_, err = parsed.Payloads.Next()
	assert.Equal(t, ErrNoMorePayloads, err)
}

func TestParseRejectsBadChecksum(t *testing.T) {
	art := buildArtifact(t)
	// Flip a byte inside the payload's tar member to corrupt its content
	// without touching any length field, which would desync the tar stream.
	idx := bytes.Index(art, []byte("pretend-filesystem-image"))
	require.GreaterOrEqual(t, idx, 0, "could not locate payload bytes in fixture")
	corrupt := append([]byte(nil), art...)
	corrupt[idx] = 'X'

	parsed, err := Parse(bytes.NewReader(corrupt), Config{})
	require.NoError(t, err)

	files, err := parsed.Payloads.Next()
	require.NoError(t, err)

	// Individual payload files aren't hash-verified on their own — only the
	// whole data/NNNN.tar has a manifest digest — so reading this one file's
	// bytes back out succeeds.
	_, r, err := files.Next()
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	require.NoError(t, err)

	// The corruption surfaces once the inner tar is fully drained and the
	// whole-payload checksum is checked.
	_, _, err = files.Next()
	assert.Error(t, err, "corrupted payload tar should have failed hash verification")
}

func TestParseRejectsBadHeaderChecksum(t *testing.T) {
	art := buildArtifact(t)
	// Flip a byte inside header.tar's content (header-info's artifact name)
	// without touching any length field.
	idx := bytes.Index(art, []byte("release-42"))
	require.GreaterOrEqual(t, idx, 0, "could not locate header-info bytes in fixture")
	corrupt := append([]byte(nil), art...)
	corrupt[idx] = 'X'

	_, err := Parse(bytes.NewReader(corrupt), Config{})
	assert.Error(t, err, "corrupted header.tar should have failed hash verification")
}

func TestParseRejectsWrongVersion(t *testing.T) {
	outer := newTarBuilder().
		add("version", []byte(`{"format":"mender","version":99}`)).
		bytes()

	_, err := Parse(bytes.NewReader(outer), Config{})
	assert.Error(t, err, "unsupported version should have been rejected")
}

func TestParseRejectsHeaderIndexGap(t *testing.T) {
	headerInfo := []byte(`{
		"payloads":[{"payload_type":"rootfs-image","name":"rootfs"},{"payload_type":"rootfs-image","name":"rootfs2"}],
		"provides":{"artifact_name":"release-42"},
		"depends":{"device_type":["qemux86-64"]}
	}`)
	headerTar := newTarBuilder().
		add("header-info", headerInfo).
		add("headers/0000/type-info", []byte(`{"type":"rootfs-image"}`)).
		add("headers/0002/type-info", []byte(`{"type":"rootfs-image"}`)).
		bytes()

	var manifestBuf bytes.Buffer
	manifestBuf.WriteString(sha256Hex(headerTar) + "  header.tar\n")

	outer := newTarBuilder().
		add("version", []byte(`{"format":"mender","version":3}`)).
		add("manifest", manifestBuf.Bytes()).
		add("header.tar", headerTar).
		bytes()

	_, err := Parse(bytes.NewReader(outer), Config{})
	assert.Error(t, err, "header index gap should have been rejected")
}

func TestParseRejectsEmptyClearsArtifactProvides(t *testing.T) {
	headerInfo := []byte(`{
		"payloads":[{"payload_type":"rootfs-image","name":"rootfs"}],
		"provides":{"artifact_name":"release-42"},
		"depends":{"device_type":["qemux86-64"]}
	}`)
	typeInfo := []byte(`{"type":"rootfs-image","clears_artifact_provides":[""]}`)
	headerTar := newTarBuilder().
		add("header-info", headerInfo).
		add("headers/0000/type-info", typeInfo).
		bytes()

	var manifestBuf bytes.Buffer
	manifestBuf.WriteString(sha256Hex(headerTar) + "  header.tar\n")

	outer := newTarBuilder().
		add("version", []byte(`{"format":"mender","version":3}`)).
		add("manifest", manifestBuf.Bytes()).
		add("header.tar", headerTar).
		bytes()

	_, err := Parse(bytes.NewReader(outer), Config{})
	assert.Error(t, err, "empty clears_artifact_provides pattern should have been rejected")
}
