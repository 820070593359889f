package depends

import "testing"

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"rootfs-image.*", "rootfs-image.checksum", true},
		{"rootfs-image.*", "rootfs-image.version", true},
		{"rootfs-image.*", "rootfs-image.a.b.c", true},
		{"rootfs-image.*", "rootfs-image", false},
		{"rootfs-image.*", "other-image.checksum", false},
		{"*", "anything", true},
		{"*", "has.dot", false},
		{"artifact_*", "artifact_name", true},
		{"artifact_*", "artifact.name", false},
		{"exact", "exact", true},
		{"exact", "exacttt", false},
	}

	for _, c := range cases {
		if got := matchGlob(c.pattern, c.name); got != c.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", c.pattern, c.name, got, c.want)
		}
	}
}
