package version

import "testing"

func TestInfoString(t *testing.T) {
	tests := []struct {
		info Info
		want string
	}{
		{info: Info{Version: "v0.3.0"}, want: "v0.3.0"},
		{info: Info{Version: "v0.3.0", Commit: "abc"}, want: "v0.3.0 (abc)"},
		{info: Info{Version: "v0.3.0", Commit: "0123456789abcdef"}, want: "v0.3.0 (0123456789ab)"},
	}
	for _, tt := range tests {
		if got := tt.info.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestResolvePrefersLdflags(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })
	Version = "v9.9.9"
	if got := Resolve().Version; got != "v9.9.9" {
		t.Fatalf("Version = %q", got)
	}
}

func TestResolveNeverEmpty(t *testing.T) {
	if Resolve().Version == "" {
		t.Fatal("empty version")
	}
}
