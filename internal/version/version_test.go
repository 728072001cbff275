package version

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func reset(t *testing.T, v string) {
	t.Helper()
	old := Version
	Version = v
	loadOnce = sync.Once{}
	t.Cleanup(func() {
		Version = old
		loadOnce = sync.Once{}
	})
}

func TestLoad_ReadsVersionFile(t *testing.T) {
	reset(t, "dev")
	path := filepath.Join(t.TempDir(), "VERSION")
	if err := os.WriteFile(path, []byte("1.4.2\n"), 0o644); err != nil {
		t.Fatalf("Failed to write VERSION: %v", err)
	}

	if got := Load(path); got != "1.4.2" {
		t.Errorf("Expected 1.4.2, got %s", got)
	}
}

func TestLoad_MissingFileKeepsDev(t *testing.T) {
	reset(t, "dev")

	if got := Load(filepath.Join(t.TempDir(), "missing")); got != "dev" {
		t.Errorf("Expected dev, got %s", got)
	}
}

func TestLoad_BuildVersionWins(t *testing.T) {
	reset(t, "2.0.0")
	path := filepath.Join(t.TempDir(), "VERSION")
	if err := os.WriteFile(path, []byte("1.0.0"), 0o644); err != nil {
		t.Fatalf("Failed to write VERSION: %v", err)
	}

	if got := Load(path); got != "2.0.0" {
		t.Errorf("Expected ldflags version to win, got %s", got)
	}
}

func TestUserAgent(t *testing.T) {
	reset(t, "1.4.2")

	if got := UserAgent("crm-license-client"); got != "crm-license-client/1.4.2" {
		t.Errorf("Unexpected user agent %s", got)
	}
}
