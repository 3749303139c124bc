// Package mux owns the lifecycle of detached terminal-multiplexer
// windows: listing (with a short-lived cache), conflict detection
// against both live WebSocket connections and stray host processes,
// capacity enforcement, and orphan reconciliation at startup.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loppo-llc/relayd/internal/auth"
)

var (
	ErrSessionAttached = errors.New("another client already has an active terminal for this session")
	ErrSessionConflict = errors.New("an assistant process for this session is already running on the host")
	ErrMaxSessions     = errors.New("maximum concurrent sessions reached")
)

// Window is a single multiplexer window as reported by listWindows.
type Window struct {
	Name     string
	Attached bool
	Created  time.Time
}

// Owned pairs a window with the session id recovered from its name.
type Owned struct {
	SessionID string
	Window    Window
}

// Connected answers "is this session id currently bridged to a live
// WebSocket?" — injected at construction so Manager never imports the
// terminal package directly, avoiding a cyclic dependency between the
// two components.
type Connected interface {
	IsConnected(sessionID string) bool
}

type Config struct {
	Binary      string
	CLIBinary   string
	Prefix      string
	Cols        uint16
	Rows        uint16
	MaxSessions int
	CacheTTL    time.Duration
}

type Manager struct {
	cfg       Config
	cli       cli
	connected Connected
	logger    *slog.Logger

	mu          sync.Mutex
	cache       []Window
	cacheAt     time.Time
	cacheLoaded bool
}

func New(cfg Config, connected Connected, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		cli:       cli{binary: cfg.Binary},
		connected: connected,
		logger:    logger,
	}
}

func (m *Manager) WindowName(sessionID string) string {
	return m.cfg.Prefix + "-" + sessionID
}

func (m *Manager) sessionIDFromName(name string) (string, bool) {
	prefix := m.cfg.Prefix + "-"
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	return strings.TrimPrefix(name, prefix), true
}

// ListWindows returns the cached window list if fresh, otherwise
// re-invokes the mux CLI, parses its tab-delimited output, and
// refreshes the cache. A transient CLI failure empties the cache
// (treated as "no windows") rather than returning stale data.
func (m *Manager) ListWindows(ctx context.Context) ([]Window, error) {
	m.mu.Lock()
	if m.cacheLoaded && time.Since(m.cacheAt) < m.cfg.CacheTTL {
		defer m.mu.Unlock()
		return append([]Window(nil), m.cache...), nil
	}
	m.mu.Unlock()

	lines, err := m.cli.listSessions(ctx)
	if err != nil {
		m.logger.Warn("mux: list-sessions failed, treating as empty", "err", err)
		m.mu.Lock()
		m.cache = nil
		m.cacheAt = time.Now()
		m.cacheLoaded = true
		m.mu.Unlock()
		return nil, nil
	}

	windows := make([]Window, 0, len(lines))
	for _, line := range lines {
		w, ok := parseWindowLine(line)
		if !ok {
			continue
		}
		windows = append(windows, w)
	}

	m.mu.Lock()
	m.cache = windows
	m.cacheAt = time.Now()
	m.cacheLoaded = true
	m.mu.Unlock()

	return append([]Window(nil), windows...), nil
}

func parseWindowLine(line string) (Window, bool) {
	parts := strings.SplitN(line, "\t", 3)
	if len(parts) != 3 {
		return Window{}, false
	}
	attached := parts[1] != "0"
	epoch, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Window{}, false
	}
	return Window{
		Name:     parts[0],
		Attached: attached,
		Created:  time.Unix(epoch, 0),
	}, true
}

func (m *Manager) invalidateCache() {
	m.mu.Lock()
	m.cacheLoaded = false
	m.mu.Unlock()
}

// ListOwned filters ListWindows by the configured prefix, recovering
// each session id from its window name.
func (m *Manager) ListOwned(ctx context.Context) ([]Owned, error) {
	windows, err := m.ListWindows(ctx)
	if err != nil {
		return nil, err
	}
	owned := make([]Owned, 0, len(windows))
	for _, w := range windows {
		id, ok := m.sessionIDFromName(w.Name)
		if !ok {
			continue
		}
		owned = append(owned, Owned{SessionID: id, Window: w})
	}
	return owned, nil
}

// Attach implements the five-step sequence from the window-lifecycle
// design: live-connection check, host-process conflict probe, capacity
// check, adopt-or-create. Callers must run this under the session
// lock (internal/lock) so two attach attempts for the same id never
// interleave.
func (m *Manager) Attach(ctx context.Context, sessionID, projectPath string) (windowName string, existed bool, err error) {
	if !auth.ValidSessionID(sessionID) {
		return "", false, fmt.Errorf("invalid session id")
	}

	if m.connected.IsConnected(sessionID) {
		return "", false, ErrSessionAttached
	}

	conflicted, err := processRunning(sessionID)
	if err != nil {
		m.logger.Warn("mux: process probe failed, proceeding without it", "err", err)
	} else if conflicted {
		return "", false, ErrSessionConflict
	}

	name := m.WindowName(sessionID)

	owned, err := m.ListOwned(ctx)
	if err != nil {
		return "", false, err
	}
	alreadyOwned := false
	for _, o := range owned {
		if o.SessionID == sessionID {
			alreadyOwned = true
			break
		}
	}
	if !alreadyOwned && len(owned) >= m.cfg.MaxSessions {
		return "", false, ErrMaxSessions
	}

	if m.cli.hasSession(ctx, name) {
		return name, true, nil
	}

	argv := []string{m.cfg.CLIBinary, "--resume", sessionID}
	if err := m.cli.newDetachedSession(ctx, name, projectPath, m.cfg.Cols, m.cfg.Rows, argv); err != nil {
		return "", false, err
	}
	m.invalidateCache()
	return name, false, nil
}

// CreateNew spawns a fresh window at projectPath running the CLI with
// no resume flag, returning the freshly generated session id.
func (m *Manager) CreateNew(ctx context.Context, projectPath string) (sessionID, windowName string, err error) {
	owned, err := m.ListOwned(ctx)
	if err != nil {
		return "", "", err
	}
	if len(owned) >= m.cfg.MaxSessions {
		return "", "", ErrMaxSessions
	}

	sessionID = uuid.NewString()
	windowName = m.WindowName(sessionID)
	argv := []string{m.cfg.CLIBinary}
	if err := m.cli.newDetachedSession(ctx, windowName, projectPath, m.cfg.Cols, m.cfg.Rows, argv); err != nil {
		return "", "", err
	}
	m.invalidateCache()
	return sessionID, windowName, nil
}

// HasWindow reports whether a window by this exact name currently
// exists on the mux server.
func (m *Manager) HasWindow(ctx context.Context, windowName string) bool {
	return m.cli.hasSession(ctx, windowName)
}

// KillSession destroys a single window, ignoring "no such window"
// errors.
func (m *Manager) KillSession(ctx context.Context, windowName string) error {
	if err := m.cli.killSession(ctx, windowName); err != nil {
		return err
	}
	m.invalidateCache()
	return nil
}

// KillAllOwned destroys every window owned by this daemon (matching
// the configured prefix) and reports how many were removed.
func (m *Manager) KillAllOwned(ctx context.Context) (int, error) {
	owned, err := m.ListOwned(ctx)
	if err != nil {
		return 0, err
	}
	killed := 0
	for _, o := range owned {
		if err := m.cli.killSession(ctx, o.Window.Name); err != nil {
			m.logger.Warn("mux: kill-all: failed to kill window", "window", o.Window.Name, "err", err)
			continue
		}
		killed++
	}
	m.invalidateCache()
	return killed, nil
}

// DisableStatusBar is a best-effort cosmetic call; failures are
// logged and swallowed, per the propagation policy for
// component-internal transient failures.
func (m *Manager) DisableStatusBar(ctx context.Context, windowName string) {
	m.cli.disableStatusBar(ctx, windowName)
}

// AttachCommand returns the argv the terminal bridge should spawn
// under a PTY to attach to windowName.
func (m *Manager) AttachCommand(windowName string) []string {
	return m.cli.attachCommand(windowName)
}

// Reconcile runs at startup: it locates orphaned attach processes by
// exact argument match (never a broad pattern kill) and terminates
// them, then returns the session ids of windows this daemon still
// owns so the caller can warn the operator or simply adopt them. An
// orphan is a process left over from a previous instance of this
// daemon — the bridge has no in-memory record of it after a restart,
// but the OS process may still be attached to the window.
func (m *Manager) Reconcile(ctx context.Context) ([]string, error) {
	owned, err := m.ListOwned(ctx)
	if err != nil {
		return nil, err
	}

	if killed, err := m.killOrphanAttachProcesses(owned); err != nil {
		m.logger.Warn("mux: orphan reconciliation failed, proceeding without it", "err", err)
	} else if killed > 0 {
		m.logger.Info("mux: terminated orphaned attach processes", "count", killed)
	}

	ids := make([]string, 0, len(owned))
	for _, o := range owned {
		ids = append(ids, o.SessionID)
	}
	return ids, nil
}
