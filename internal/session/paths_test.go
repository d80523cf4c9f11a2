package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	t.Setenv(homeEnv, "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".msync", "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestHomeOverride(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv(homeEnv, tmp)
	if got := CacheDBPath("work"); got != filepath.Join(tmp, "profiles", "work", "cache.db") {
		t.Errorf("CacheDBPath(work) = %q", got)
	}
}

func TestPathSuffixes(t *testing.T) {
	tests := []struct {
		got    string
		suffix string
	}{
		{SocketPath("test"), filepath.Join("profiles", "test", "daemon.sock")},
		{LockPath("test"), filepath.Join("profiles", "test", "LOCK")},
		{ProfilePath("test"), filepath.Join("profiles", "test", "profile.toml")},
		{CredentialsPath("test"), filepath.Join("profiles", "test", "credentials.toml")},
		{LogPath("test"), filepath.Join("profiles", "test", "logs", "msyncd.log")},
	}
	for _, tt := range tests {
		if !strings.HasSuffix(tt.got, tt.suffix) {
			t.Errorf("%q does not end with %q", tt.got, tt.suffix)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(homeEnv, t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatalf("EnsureDir() error = %v", err)
	}
	info, err := os.Stat(LogDir("test"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("log dir is not a directory")
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("log dir permission = %o, want 0700", perm)
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Setenv(homeEnv, t.TempDir())

	if got := Resolve(""); got != DefaultProfileName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultProfileName)
	}
	if got := Resolve("work"); got != "work" {
		t.Errorf("Resolve(work) = %q", got)
	}
}
