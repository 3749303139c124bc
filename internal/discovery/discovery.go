// Package discovery watches the assistant CLI's own conversation-log
// directory, parses each session's .jsonl file for metadata, and
// maintains an in-memory map kept fresh by a filesystem watcher, a
// periodic safety-net rescan, and a debounced on-disk cache.
package discovery

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	rescanInterval   = 120 * time.Second
	writeStability   = 500 * time.Millisecond
	saveDebounce     = 5 * time.Second
	changeCoalesce   = 2 * time.Second
)

// Metadata is the immutable-per-scan record a single session's log
// file produces.
type Metadata struct {
	ID                 string    `json:"id"`
	ProjectHash        string    `json:"projectHash"`
	ProjectPath        string    `json:"projectPath"`
	LastMessagePreview string    `json:"lastMessagePreview"`
	LastMessageRole    string    `json:"lastMessageRole"`
	Timestamp          time.Time `json:"timestamp"`
	CLIVersion         string    `json:"cliVersion,omitempty"`
}

// Manager owns the scanner, the watcher, and the change-event
// emitter described by the design notes (subscribe/unsubscribe over a
// channel).
type Manager struct {
	logDir string
	store  *cacheStore
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]Metadata // session id -> metadata
	mtimes  map[string]int64    // absolute file path -> mtimeMs seen at last scan

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup

	saveTimer   *time.Timer
	changeTimer *time.Timer
	timerMu     sync.Mutex

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
}

func New(logDir, configDir string, logger *slog.Logger) *Manager {
	return &Manager{
		logDir:  logDir,
		store:   newCacheStore(configDir, logger),
		logger:  logger,
		entries: make(map[string]Metadata),
		mtimes:  make(map[string]int64),
		stopCh:  make(chan struct{}),
		subs:    make(map[chan struct{}]struct{}),
	}
}

// Subscribe returns a channel that receives a (empty-struct) signal
// after each debounced change event. Multiple subscribers are
// supported; a slow subscriber never blocks others since sends are
// non-blocking.
func (m *Manager) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan struct{}) {
	m.subMu.Lock()
	delete(m.subs, ch)
	m.subMu.Unlock()
}

func (m *Manager) notifySubscribers() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Start loads the persisted cache (best-effort), performs a full
// scan, starts the recursive watcher, and schedules the 120s safety
// net rescan.
func (m *Manager) Start() error {
	for _, meta := range m.store.load() {
		m.mu.Lock()
		m.entries[meta.ID] = meta
		m.mu.Unlock()
	}

	if err := os.MkdirAll(m.logDir, 0o755); err != nil {
		m.logger.Warn("discovery: failed to ensure log dir exists", "err", err)
	}

	m.fullScan()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher
	if err := watcher.Add(m.logDir); err != nil {
		m.logger.Warn("discovery: failed to watch log dir", "err", err)
	}
	m.addExistingProjectDirs()

	m.wg.Add(2)
	go m.watchLoop()
	go m.rescanLoop()

	return nil
}

// Stop closes the watcher, cancels timers, and flushes the cache
// synchronously.
func (m *Manager) Stop() {
	close(m.stopCh)
	if m.watcher != nil {
		m.watcher.Close()
	}
	m.wg.Wait()

	m.timerMu.Lock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
	}
	if m.changeTimer != nil {
		m.changeTimer.Stop()
	}
	m.timerMu.Unlock()

	m.flushCache()
}

func (m *Manager) addExistingProjectDirs() {
	entries, err := os.ReadDir(m.logDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			_ = m.watcher.Add(filepath.Join(m.logDir, e.Name()))
		}
	}
}

func (m *Manager) watchLoop() {
	defer m.wg.Done()
	pending := make(map[string]*time.Timer)
	var pendingMu sync.Mutex

	handle := func(path string, op fsnotify.Op) {
		if filepath.Dir(path) == m.logDir {
			// a new project subdirectory; watch it too.
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				_ = m.watcher.Add(path)
			}
			return
		}
		if !strings.HasSuffix(path, ".jsonl") {
			return
		}

		if op&fsnotify.Remove != 0 || op&fsnotify.Rename != 0 {
			m.removeByPath(path)
			m.scheduleSave()
			m.scheduleChange()
			return
		}

		pendingMu.Lock()
		if t, ok := pending[path]; ok {
			t.Stop()
		}
		pending[path] = time.AfterFunc(writeStability, func() {
			pendingMu.Lock()
			delete(pending, path)
			pendingMu.Unlock()
			m.reparseOne(path)
			m.scheduleSave()
			m.scheduleChange()
		})
		pendingMu.Unlock()
	}

	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			handle(ev.Name, ev.Op)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("discovery: watcher error", "err", err)
		}
	}
}

func (m *Manager) rescanLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.fullScan()
			m.scheduleSave()
			m.scheduleChange()
		}
	}
}

func (m *Manager) scheduleSave() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
	}
	m.saveTimer = time.AfterFunc(saveDebounce, m.flushCache)
}

func (m *Manager) scheduleChange() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.changeTimer != nil {
		return // already pending; coalescing window already running
	}
	m.changeTimer = time.AfterFunc(changeCoalesce, func() {
		m.timerMu.Lock()
		m.changeTimer = nil
		m.timerMu.Unlock()
		m.notifySubscribers()
	})
}

func (m *Manager) flushCache() {
	m.mu.Lock()
	entries := make([]Metadata, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	m.store.save(entries, time.Now())
}

// fullScan walks every <hash>/*.jsonl file, reparsing any whose mtime
// changed since the last pass, then removes entries whose files were
// not seen this time (I4).
func (m *Manager) fullScan() {
	seen := make(map[string]bool)

	projectDirs, err := os.ReadDir(m.logDir)
	if err != nil {
		m.logger.Warn("discovery: full scan: cannot read log dir", "err", err)
		return
	}

	for _, pd := range projectDirs {
		if !pd.IsDir() {
			continue
		}
		hash := pd.Name()
		dirPath := filepath.Join(m.logDir, hash)
		files, err := os.ReadDir(dirPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			path := filepath.Join(dirPath, f.Name())
			seen[sessionIDFromFilename(path)] = true
			m.scanOne(path, hash)
		}
	}

	m.mu.Lock()
	for id := range m.entries {
		if !seen[id] {
			delete(m.entries, id)
		}
	}
	for path := range m.mtimes {
		if !seen[sessionIDFromFilename(path)] {
			delete(m.mtimes, path)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) scanOne(path, hash string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mtimeMs := info.ModTime().UnixMilli()

	m.mu.Lock()
	if prev, ok := m.mtimes[path]; ok && prev == mtimeMs {
		m.mu.Unlock()
		return
	}
	m.mtimes[path] = mtimeMs
	m.mu.Unlock()

	m.reparseFile(path, hash, info.ModTime())
}

func (m *Manager) reparseOne(path string) {
	hash := filepath.Base(filepath.Dir(path))
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.mtimes[path] = info.ModTime().UnixMilli()
	m.mu.Unlock()
	m.reparseFile(path, hash, info.ModTime())
}

func (m *Manager) reparseFile(path, hash string, mtime time.Time) {
	id := sessionIDFromFilename(path)

	projectPath, cliVersion, role, preview, err := parseFile(path)
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, hadExisting := m.entries[id]
	if err != nil {
		if !hadExisting {
			m.entries[id] = Metadata{
				ID:                 id,
				ProjectHash:        hash,
				LastMessagePreview: "(unable to read)",
				Timestamp:          mtime,
			}
		}
		m.logger.Warn("discovery: failed to parse log file", "path", path, "err", err)
		return
	}

	if projectPath == "" {
		projectPath = syntheticProjectPath(hash)
	}
	if role == "" && hadExisting {
		role = existing.LastMessageRole
		preview = existing.LastMessagePreview
	}
	if cliVersion == "" && hadExisting {
		cliVersion = existing.CLIVersion
	}

	m.entries[id] = Metadata{
		ID:                 id,
		ProjectHash:        hash,
		ProjectPath:        projectPath,
		LastMessagePreview: preview,
		LastMessageRole:    normalizeRole(role),
		Timestamp:          mtime,
		CLIVersion:         cliVersion,
	}
}

func normalizeRole(role string) string {
	switch role {
	case "user", "assistant":
		return role
	default:
		return "unknown"
	}
}

func sessionIDFromFilename(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, ".jsonl")
}

func (m *Manager) removeByPath(path string) {
	id := sessionIDFromFilename(path)
	m.mu.Lock()
	delete(m.entries, id)
	delete(m.mtimes, path)
	m.mu.Unlock()
}

// GetAll returns every known session's metadata, sorted by timestamp
// descending.
func (m *Manager) GetAll() []Metadata {
	m.mu.Lock()
	out := make([]Metadata, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

func (m *Manager) Get(id string) (Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.entries[id]
	return meta, ok
}

// GetByProject groups metadata by projectPath (falling back to
// projectHash), each list sorted by recency.
func (m *Manager) GetByProject() map[string][]Metadata {
	all := m.GetAll()
	grouped := make(map[string][]Metadata)
	for _, meta := range all {
		key := meta.ProjectPath
		if key == "" {
			key = meta.ProjectHash
		}
		grouped[key] = append(grouped[key], meta)
	}
	return grouped
}
