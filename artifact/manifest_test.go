package artifact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifestTwoSpacesRequired(t *testing.T) {
	good := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855  header.tar\n"
	_, _, err := ParseManifest(strings.NewReader(good))
	assert.NoError(t, err, "well-formed manifest rejected")

	for _, bad := range []string{
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855 header.tar\n",
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855   header.tar\n",
	} {
		_, _, err := ParseManifest(strings.NewReader(bad))
		assert.Error(t, err, "manifest line %q should have been rejected", bad)
	}
}

func TestParseManifestRejectsDuplicates(t *testing.T) {
	raw := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855  header.tar\n" +
		"0000000000000000000000000000000000000000000000000000000000000000  header.tar\n"
	_, _, err := ParseManifest(strings.NewReader(raw))
	require.Error(t, err, "duplicate manifest entry should have been rejected")
}

func TestParseManifestPreservesOrder(t *testing.T) {
	raw := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855  header.tar\n" +
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855  data/0000.tar\n"
	m, _, err := ParseManifest(strings.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, []string{"header.tar", "data/0000.tar"}, m.Order)

	d, ok := m.Digest("header.tar")
	assert.True(t, ok)
	assert.NotEmpty(t, d)

	_, ok = m.Digest("nonexistent")
	assert.False(t, ok, "Digest(nonexistent) should report ok=false")
}
