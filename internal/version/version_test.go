package version

import (
	"strings"
	"testing"
)

func TestUserAgentAndLong(t *testing.T) {
	if got := UserAgent(); got != CLIName+"/"+CLIVersion {
		t.Fatalf("unexpected user agent %q", got)
	}
	if long := Long(); !strings.Contains(long, CLIVersion) || !strings.Contains(long, "commit: "+Commit) {
		t.Fatalf("unexpected long version %q", long)
	}
}
