package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	Version, Commit = "v1.2.3", "abc123"
	defer func() { Version, Commit = "dev", "unknown" }()

	got := String()
	if !strings.HasPrefix(got, "stream-guardian v1.2.3\n") {
		t.Fatalf("unexpected header %q", got)
	}
	if !strings.Contains(got, "commit: abc123") {
		t.Fatalf("commit missing from %q", got)
	}
}
