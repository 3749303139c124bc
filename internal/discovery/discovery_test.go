package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSessionLog(t *testing.T, logDir, hash, sessionID, cwd, content string) {
	t.Helper()
	dir := filepath.Join(logDir, hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	body := `{"type":"summary","cwd":"` + cwd + `","version":"1.0"}` + "\n" +
		`{"type":"user","message":{"content":"` + content + `"}}` + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestManager_StartPopulatesFromExistingLogs(t *testing.T) {
	logDir := t.TempDir()
	configDir := t.TempDir()
	writeSessionLog(t, logDir, "home-dev-project", "11111111-1111-4111-8111-111111111111", "/home/dev/project", "hello there")

	m := New(logDir, configDir, testLogger())
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.Stop()

	all := m.GetAll()
	if len(all) != 1 {
		t.Fatalf("expected exactly one discovered session, got %d", len(all))
	}
	if all[0].ProjectPath != "/home/dev/project" {
		t.Errorf("ProjectPath = %q, want /home/dev/project", all[0].ProjectPath)
	}
	if all[0].LastMessageRole != "user" {
		t.Errorf("LastMessageRole = %q, want user", all[0].LastMessageRole)
	}
}

func TestManager_GetByProjectGroupsSessions(t *testing.T) {
	logDir := t.TempDir()
	configDir := t.TempDir()
	writeSessionLog(t, logDir, "proj-a", "11111111-1111-4111-8111-111111111111", "/proj/a", "msg one")
	writeSessionLog(t, logDir, "proj-a", "22222222-2222-4222-8222-222222222222", "/proj/a", "msg two")
	writeSessionLog(t, logDir, "proj-b", "33333333-3333-4333-8333-333333333333", "/proj/b", "msg three")

	m := New(logDir, configDir, testLogger())
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.Stop()

	grouped := m.GetByProject()
	if len(grouped["/proj/a"]) != 2 {
		t.Errorf("expected 2 sessions grouped under /proj/a, got %d", len(grouped["/proj/a"]))
	}
	if len(grouped["/proj/b"]) != 1 {
		t.Errorf("expected 1 session grouped under /proj/b, got %d", len(grouped["/proj/b"]))
	}
}

func TestManager_FullScanRemovesDeletedLogFiles(t *testing.T) {
	logDir := t.TempDir()
	configDir := t.TempDir()
	id := "11111111-1111-4111-8111-111111111111"
	writeSessionLog(t, logDir, "proj-a", id, "/proj/a", "hello")

	m := New(logDir, configDir, testLogger())
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.Stop()

	if _, ok := m.Get(id); !ok {
		t.Fatal("expected session to be discovered before deletion")
	}

	if err := os.Remove(filepath.Join(logDir, "proj-a", id+".jsonl")); err != nil {
		t.Fatal(err)
	}
	m.fullScan()

	if _, ok := m.Get(id); ok {
		t.Fatal("expected the entry to be removed once its log file disappeared (I4)")
	}
}

func TestManager_StopFlushesCacheSynchronously(t *testing.T) {
	logDir := t.TempDir()
	configDir := t.TempDir()
	writeSessionLog(t, logDir, "proj-a", "11111111-1111-4111-8111-111111111111", "/proj/a", "hello")

	m := New(logDir, configDir, testLogger())
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	m.Stop()

	store := newCacheStore(configDir, testLogger())
	loaded := store.load()
	if len(loaded) != 1 {
		t.Fatalf("expected Stop() to have flushed exactly one entry to disk, got %d", len(loaded))
	}
}

func TestManager_SubscribeReceivesOnChange(t *testing.T) {
	logDir := t.TempDir()
	configDir := t.TempDir()
	m := New(logDir, configDir, testLogger())
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.Stop()

	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	writeSessionLog(t, logDir, "proj-a", "11111111-1111-4111-8111-111111111111", "/proj/a", "hello")
	// Simulate the watcher noticing the new file without depending on
	// real inotify timing in a unit test.
	m.reparseOne(filepath.Join(logDir, "proj-a", "11111111-1111-4111-8111-111111111111.jsonl"))
	m.scheduleChange()

	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("expected a change notification after scheduleChange")
	}
}
