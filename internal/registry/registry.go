// Package registry composes session discovery, the mux manager, and
// the terminal bridge's connection predicate into the enriched
// "session view" the API surface returns. It owns no cache of its
// own: freshness comes entirely from its three collaborators.
package registry

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/loppo-llc/relayd/internal/discovery"
	"github.com/loppo-llc/relayd/internal/mux"
)

type TmuxStatus string

const (
	TmuxActive   TmuxStatus = "active"
	TmuxDetached TmuxStatus = "detached"
	TmuxNone     TmuxStatus = "none"
)

type ClaudeState string

const (
	StateWaiting ClaudeState = "waiting"
	StateThinking ClaudeState = "thinking"
	StateIdle    ClaudeState = "idle"
	StateUnknown ClaudeState = "unknown"
)

// View is a single session's metadata enriched with live mux/terminal
// state, as returned by the HTTP/SSE surface.
type View struct {
	discovery.Metadata
	TmuxStatus          TmuxStatus  `json:"tmuxStatus"`
	HasActiveConnection bool        `json:"hasActiveConnection"`
	ClaudeState         ClaudeState `json:"claudeState"`
}

// ProjectGroup is one entry of groupedByProject().
type ProjectGroup struct {
	ProjectPath     string `json:"projectPath"`
	ProjectName     string `json:"projectName"`
	SessionCount    int    `json:"sessionCount"`
	LatestTimestamp string `json:"latestTimestamp"`
}

type Registry struct {
	discovery *discovery.Manager
	mux       *mux.Manager
	connected mux.Connected
}

func New(d *discovery.Manager, m *mux.Manager, connected mux.Connected) *Registry {
	return &Registry{discovery: d, mux: m, connected: connected}
}

// ListSessions snapshots mux windows once, then maps every discovery
// record through it plus the connection predicate.
func (r *Registry) ListSessions(ctx context.Context) ([]View, error) {
	windows, err := r.mux.ListOwned(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]mux.Window, len(windows))
	for _, w := range windows {
		byID[w.SessionID] = w.Window
	}

	all := r.discovery.GetAll()
	views := make([]View, 0, len(all))
	for _, meta := range all {
		views = append(views, r.buildView(meta, byID))
	}
	return views, nil
}

func (r *Registry) GetSession(ctx context.Context, id string) (View, bool, error) {
	meta, ok := r.discovery.Get(id)
	if !ok {
		return View{}, false, nil
	}
	windows, err := r.mux.ListOwned(ctx)
	if err != nil {
		return View{}, false, err
	}
	byID := make(map[string]mux.Window, len(windows))
	for _, w := range windows {
		byID[w.SessionID] = w.Window
	}
	return r.buildView(meta, byID), true, nil
}

func (r *Registry) buildView(meta discovery.Metadata, windows map[string]mux.Window) View {
	tmuxStatus := TmuxNone
	if w, ok := windows[meta.ID]; ok {
		if w.Attached {
			tmuxStatus = TmuxActive
		} else {
			tmuxStatus = TmuxDetached
		}
	}

	view := View{
		Metadata:            meta,
		TmuxStatus:          tmuxStatus,
		HasActiveConnection: r.connected.IsConnected(meta.ID),
	}
	view.ClaudeState = claudeStateFor(meta.LastMessageRole, tmuxStatus)
	return view
}

// claudeStateFor derives claudeState from (lastMessageRole, tmuxStatus).
// Per the design notes' open question, an unresolved role falls back
// to tmuxStatus's own label rather than always reporting "unknown",
// preserving the mobile client's original parity behavior.
func claudeStateFor(role string, status TmuxStatus) ClaudeState {
	if status == TmuxNone {
		return StateIdle
	}
	switch role {
	case "assistant":
		return StateWaiting
	case "user":
		return StateThinking
	default:
		return ClaudeState(status)
	}
}

func (r *Registry) HasSession(id string) bool {
	_, ok := r.discovery.Get(id)
	return ok
}

func (r *Registry) ProjectPathOf(id string) (string, bool) {
	meta, ok := r.discovery.Get(id)
	if !ok {
		return "", false
	}
	return meta.ProjectPath, true
}

// GroupedByProject sorts groups by latest timestamp descending;
// projectName falls back to the full path when basename is empty.
func (r *Registry) GroupedByProject() []ProjectGroup {
	byProject := r.discovery.GetByProject()
	groups := make([]ProjectGroup, 0, len(byProject))
	for path, metas := range byProject {
		latest := metas[0].Timestamp
		for _, m := range metas {
			if m.Timestamp.After(latest) {
				latest = m.Timestamp
			}
		}
		name := filepath.Base(path)
		if name == "" || name == "." || name == string(filepath.Separator) {
			name = path
		}
		groups = append(groups, ProjectGroup{
			ProjectPath:     path,
			ProjectName:     name,
			SessionCount:    len(metas),
			LatestTimestamp: latest.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].LatestTimestamp > groups[j].LatestTimestamp })
	return groups
}
