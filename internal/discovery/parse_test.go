package discovery

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseFile_ExtractsCWDAndVersionFromHead(t *testing.T) {
	path := writeLog(t,
		`{"type":"summary","cwd":"/home/dev/project","version":"1.2.3"}`,
		`{"type":"user","message":{"content":"hello"}}`,
	)
	projectPath, cliVersion, role, preview, err := parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if projectPath != "/home/dev/project" {
		t.Errorf("projectPath = %q, want /home/dev/project", projectPath)
	}
	if cliVersion != "1.2.3" {
		t.Errorf("cliVersion = %q, want 1.2.3", cliVersion)
	}
	if role != "user" {
		t.Errorf("role = %q, want user", role)
	}
	if preview != "hello" {
		t.Errorf("preview = %q, want hello", preview)
	}
}

func TestParseFile_TailPrefersNewestUserOrAssistantRecord(t *testing.T) {
	path := writeLog(t,
		`{"type":"summary","cwd":"/p","version":"1.0"}`,
		`{"type":"user","message":{"content":"first message"}}`,
		`{"type":"assistant","message":{"content":"second message"}}`,
		`{"type":"system","message":{"content":"ignored, not user/assistant"}}`,
	)
	_, _, role, preview, err := parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if role != "assistant" || preview != "second message" {
		t.Errorf("got role=%q preview=%q, want role=assistant preview=%q", role, preview, "second message")
	}
}

func TestParseFile_ContentBlockArray(t *testing.T) {
	path := writeLog(t,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"block text"}]}}`,
	)
	_, _, role, preview, err := parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if role != "assistant" || preview != "block text" {
		t.Errorf("got role=%q preview=%q, want role=assistant preview=\"block text\"", role, preview)
	}
}

func TestParseFile_SkipsRecordsWithNoExtractableText(t *testing.T) {
	path := writeLog(t,
		`{"type":"user","message":{"content":"real message"}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use"}]}}`,
	)
	_, _, role, preview, err := parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if role != "user" || preview != "real message" {
		t.Errorf("got role=%q preview=%q, want the earlier record with real text", role, preview)
	}
}

func TestTruncatePreview_CapsAt200Runes(t *testing.T) {
	long := strings.Repeat("a", 250)
	got := truncatePreview(long)
	wantRunes := 200 + len("...")
	if len([]rune(got)) != wantRunes {
		t.Fatalf("truncatePreview produced %d runes, want %d", len([]rune(got)), wantRunes)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatal("expected truncated preview to end with an ellipsis")
	}
}

func TestTruncatePreview_ShortTextUnchanged(t *testing.T) {
	short := "hello world"
	if got := truncatePreview(short); got != short {
		t.Fatalf("truncatePreview(%q) = %q, want unchanged", short, got)
	}
}

func TestSyntheticProjectPath(t *testing.T) {
	if got := syntheticProjectPath("home-dev-project"); got != "home/dev/project" {
		t.Fatalf("syntheticProjectPath = %q, want home/dev/project", got)
	}
	if got := syntheticProjectPath(""); got != "" {
		t.Fatalf("syntheticProjectPath(\"\") = %q, want empty", got)
	}
}

func TestParseFile_MissingFileReturnsError(t *testing.T) {
	_, _, _, _, err := parseFile(filepath.Join(t.TempDir(), "missing.jsonl"))
	if err == nil {
		t.Fatal("expected an error for a nonexistent file")
	}
}
