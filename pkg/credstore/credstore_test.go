package credstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	creds := &Credentials{
		WorkspaceID: "ws_1",
		AgentID:     "agent_1",
		APIKey:      "rk_abc123",
		AgentName:   "broker",
		UpdatedAt:   time.Now().Truncate(time.Second),
	}

	if err := Save(dir, creds); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.WorkspaceID != creds.WorkspaceID || got.APIKey != creds.APIKey {
		t.Fatalf("Load() = %+v, want %+v", got, creds)
	}
}

func TestSave_FilePermissionsAre600(t *testing.T) {
	dir := t.TempDir()
	if err := Save(dir, &Credentials{APIKey: "rk_x"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(credPath(dir))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("file mode = %o, want 0600", perm)
	}
}

func TestLoad_MissingFileReturnsNotExist(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	if !os.IsNotExist(err) {
		t.Fatalf("Load on missing file = %v, want os.IsNotExist", err)
	}
}

func TestSave_AtomicWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	if err := Save(dir, &Credentials{APIKey: "rk_x"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, ".agent-relay"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "relaycast.json" {
		t.Fatalf("expected only relaycast.json present, got %v", entries)
	}
}

func TestStore_TokenReturnsCachedAPIKey(t *testing.T) {
	dir := t.TempDir()
	if err := Save(dir, &Credentials{WorkspaceID: "ws_1", APIKey: "rk_initial"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	s, err := Open(dir, "https://relaycast.example.com")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if tok := s.Token(); tok != "rk_initial" {
		t.Fatalf("Token() = %q, want rk_initial", tok)
	}
}
