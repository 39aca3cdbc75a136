package version

import (
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abc"}
	if got, want := v.String(), "Version: 1.2.3-rc1\nBuild: abc"; got != want {
		t.Errorf("got %q want %q", got, want)
	}
	if !strings.HasPrefix(MaxscopeVersion.String(), "Version: "+MaxscopeVersion.Major+".") {
		t.Errorf("unexpected version string %q", MaxscopeVersion.String())
	}
}
