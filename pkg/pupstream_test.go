package pupstream_test

import (
	"strings"
	"testing"

	"github.com/getpup/pupstream/pkg"
)

func TestVersion(t *testing.T) {
	version := pupstream.Version()
	if version == "" {
		t.Error("Version() should return a non-empty string")
	}
	if strings.Count(version, ".") < 2 {
		t.Errorf("Version() should be semver-like, got %q", version)
	}
}
