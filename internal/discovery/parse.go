package discovery

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"
)

const (
	headReadBytes = 4096
	tailReadBytes = 4096
	previewLimit  = 200
)

// logRecord is the small slice of a CLI conversation-log line this
// daemon actually cares about. Unknown fields are ignored by
// encoding/json.
type logRecord struct {
	Type    string          `json:"type"`
	CWD     string          `json:"cwd"`
	Version string          `json:"version"`
	Message json.RawMessage `json:"message"`
}

type messageBody struct {
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// parseFile runs the two-pass scan described for the discovery
// component: a head pass for cwd/version, a tail pass for the most
// recent user/assistant message.
func parseFile(path string) (projectPath, cliVersion, lastRole, preview string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", "", "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", "", "", "", err
	}
	size := info.Size()

	projectPath, cliVersion = scanHead(f)

	tailOffset := size - tailReadBytes
	discardFirst := tailOffset > 0
	if tailOffset < 0 {
		tailOffset = 0
	}
	if _, err := f.Seek(tailOffset, 0); err != nil {
		return projectPath, cliVersion, "", "", nil
	}
	lastRole, preview = scanTail(f, discardFirst)

	return projectPath, cliVersion, lastRole, preview, nil
}

func scanHead(f *os.File) (projectPath, cliVersion string) {
	if _, err := f.Seek(0, 0); err != nil {
		return "", ""
	}
	limited := &io.LimitedReader{R: f, N: headReadBytes}
	scanner := bufio.NewScanner(limited)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		var rec logRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if projectPath == "" && rec.CWD != "" {
			projectPath = rec.CWD
		}
		if cliVersion == "" && rec.Version != "" {
			cliVersion = rec.Version
		}
		if projectPath != "" && cliVersion != "" {
			break
		}
	}
	return projectPath, cliVersion
}

func scanTail(f *os.File, discardFirst bool) (role, preview string) {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	var lines []string
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			if discardFirst {
				continue // partial line from a mid-file seek
			}
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}

	for i := len(lines) - 1; i >= 0; i-- {
		var rec logRecord
		if err := json.Unmarshal([]byte(lines[i]), &rec); err != nil {
			continue
		}
		if rec.Type != "user" && rec.Type != "assistant" {
			continue
		}
		text := extractText(rec.Message)
		if text == "" {
			continue
		}
		return rec.Type, truncatePreview(text)
	}
	return "", ""
}

func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var body messageBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if len(body.Content) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(body.Content, &asString); err == nil {
		return asString
	}

	var blocks []contentBlock
	if err := json.Unmarshal(body.Content, &blocks); err == nil {
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				return b.Text
			}
		}
	}
	return ""
}

func truncatePreview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLimit {
		return text
	}
	return string(runes[:previewLimit]) + "..."
}

// syntheticProjectPath replaces every '-' in a project hash with '/'
// to recover a best-effort path when no log record carried a cwd.
func syntheticProjectPath(hash string) string {
	if hash == "" {
		return ""
	}
	return strings.ReplaceAll(hash, "-", "/")
}
