package buildinfo

import (
	"strings"
	"testing"
)

func TestInfoKeys(t *testing.T) {
	info := Info()
	for _, k := range []string{"version", "git_commit", "go_version", "uptime"} {
		if info[k] == "" {
			t.Errorf("Info()[%q] is empty", k)
		}
	}
}

func TestUserAgent(t *testing.T) {
	orig := Version
	Version = "1.2.3"
	defer func() { Version = orig }()

	if ua := UserAgent(); !strings.HasPrefix(ua, "promptful/1.2.3 (") {
		t.Errorf("UserAgent() = %q", ua)
	}
	if s := String(); !strings.Contains(s, "1.2.3") {
		t.Errorf("String() = %q", s)
	}
}
