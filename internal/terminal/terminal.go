// Package terminal bridges a pseudo-terminal attached to a mux window
// to a WebSocket: it spawns the attach PTY, batches and backpressures
// output, demultiplexes binary PTY input from the JSON resize control
// channel, and tears everything down exactly once no matter how many
// cleanup calls land on it.
package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	pty "github.com/creack/pty/v2"
	"github.com/coder/websocket"
)

const initialFlushSuppression = 500 * time.Millisecond
const killEscalationDelay = 5 * time.Second

// controlEnvelope is the only recognized text-frame shape the bridge
// accepts from the client. Version is reserved for a future protocol
// bump; it is decoded but not acted on, and is 0 when absent.
type controlEnvelope struct {
	Type    string `json:"type"`
	Cols    uint16 `json:"cols"`
	Rows    uint16 `json:"rows"`
	Version int    `json:"version,omitempty"`
}

// Config carries the tunable knobs named in the component design.
type Config struct {
	BatchInterval      time.Duration
	BufferCap          int
	BackpressureLimit  int
	HeartbeatInterval  time.Duration
	MaxMissedPongs     int
	OrphanReapInterval time.Duration
}

type entry struct {
	sessionID string
	conn      *websocket.Conn
	ptmx      *os.File
	cmd       *exec.Cmd
	createdAt time.Time

	buffer      *evictBuffer
	pendingSend int64 // atomic: bytes currently in-flight to the WS

	missedPongs int32 // atomic

	cleanupOnce sync.Once
	cleanedUp   atomic.Bool
	closed      atomic.Bool // true once the WS side is known closed/closing

	cancel context.CancelFunc
	done   chan struct{}
}

func (e *entry) isClosed() bool {
	return e.closed.Load()
}

// Bridge owns every active PTY<->WebSocket terminal in the daemon.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

func New(cfg Config, logger *slog.Logger) *Bridge {
	return &Bridge{cfg: cfg, logger: logger, entries: make(map[string]*entry)}
}

// IsConnected implements mux.Connected.
func (b *Bridge) IsConnected(sessionID string) bool {
	b.mu.Lock()
	e, ok := b.entries[sessionID]
	b.mu.Unlock()
	return ok && !e.isClosed()
}

// Attach spawns a PTY running the mux attach command for windowName,
// binds it to conn, and starts the read/write/heartbeat pumps, which
// run until the terminal or the socket goes away. It returns as soon
// as the pumps are started.
func (b *Bridge) Attach(ctx context.Context, sessionID, windowName string, argv []string, conn *websocket.Conn, cols, rows uint16) error {
	b.mu.Lock()
	existing, ok := b.entries[sessionID]
	if ok && !existing.isClosed() {
		b.mu.Unlock()
		conn.Close(websocket.StatusCode(4409), "already has an active terminal")
		return fmt.Errorf("session %s already has an active terminal", sessionID)
	}
	b.mu.Unlock()
	if ok {
		// existing is closed but not yet reaped; clean it up before
		// replacing it. cleanup re-acquires b.mu itself, so this must
		// run with the lock released.
		b.cleanup(sessionID, existing)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	if home, err := os.UserHomeDir(); err == nil {
		cmd.Dir = home
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return fmt.Errorf("spawn attach pty: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		sessionID: sessionID,
		conn:      conn,
		ptmx:      ptmx,
		cmd:       cmd,
		createdAt: time.Now(),
		buffer:    newEvictBuffer(b.cfg.BufferCap),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.entries[sessionID] = e
	b.mu.Unlock()

	go b.readLoop(pumpCtx, e, cols, rows)
	go b.writeLoop(pumpCtx, e)
	go b.inputLoop(pumpCtx, e)
	go b.heartbeatLoop(pumpCtx, e)
	go b.waitLoop(e)

	return nil
}

// readLoop copies PTY output into the eviction buffer. It discards
// the first initialFlushSuppression worth of output, then issues a
// resize to force a clean redraw at the client's requested size.
func (b *Bridge) readLoop(ctx context.Context, e *entry, cols, rows uint16) {
	deadline := time.Now().Add(initialFlushSuppression)
	resized := false
	buf := make([]byte, 32*1024)
	for {
		n, err := e.ptmx.Read(buf)
		if n > 0 {
			if time.Now().After(deadline) {
				if !resized {
					_ = pty.Setsize(e.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
					resized = true
				}
				e.buffer.Append(buf[:n])
			}
		}
		if err != nil {
			b.onPTYExit(e)
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// writeLoop fires the batch timer: on each tick, if the WS still has
// too much in-flight data it reschedules (backpressure); otherwise it
// drains the buffer and sends it as one binary frame.
func (b *Bridge) writeLoop(ctx context.Context, e *entry) {
	ticker := time.NewTicker(b.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// flush whatever remains before the pump exits; ctx is
			// already cancelled here, so the write needs its own.
			b.flush(context.Background(), e)
			return
		case <-ticker.C:
			if atomic.LoadInt64(&e.pendingSend) > int64(b.cfg.BackpressureLimit) {
				continue // backpressure: try again next tick
			}
			b.flush(ctx, e)
		}
	}
}

func (b *Bridge) flush(ctx context.Context, e *entry) {
	chunk := e.buffer.Drain()
	if len(chunk) == 0 {
		return
	}
	atomic.AddInt64(&e.pendingSend, int64(len(chunk)))
	defer atomic.AddInt64(&e.pendingSend, -int64(len(chunk)))

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.conn.Write(writeCtx, websocket.MessageBinary, chunk); err != nil {
		b.logger.Debug("terminal: write failed, treating as closed", "session", e.sessionID, "err", err)
		e.closed.Store(true)
	}
}

// inputLoop reads frames from the client: binary frames are PTY
// input verbatim; text frames are the resize control envelope.
func (b *Bridge) inputLoop(ctx context.Context, e *entry) {
	for {
		msgType, data, err := e.conn.Read(ctx)
		if err != nil {
			e.closed.Store(true)
			b.cleanupLocked(e.sessionID)
			return
		}
		switch msgType {
		case websocket.MessageBinary:
			if _, err := e.ptmx.Write(data); err != nil {
				b.logger.Debug("terminal: pty write failed", "session", e.sessionID, "err", err)
			}
		case websocket.MessageText:
			var env controlEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				b.logger.Warn("terminal: dropping malformed control frame", "session", e.sessionID, "err", err)
				continue
			}
			if env.Type != "resize" {
				b.logger.Warn("terminal: dropping unknown control frame", "session", e.sessionID, "type", env.Type)
				continue
			}
			if err := pty.Setsize(e.ptmx, &pty.Winsize{Cols: env.Cols, Rows: env.Rows}); err != nil {
				b.logger.Debug("terminal: resize failed", "session", e.sessionID, "err", err)
			}
		}
	}
}

func (b *Bridge) heartbeatLoop(ctx context.Context, e *entry) {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, b.cfg.HeartbeatInterval/3)
			err := e.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				missed := atomic.AddInt32(&e.missedPongs, 1)
				if int(missed) >= b.cfg.MaxMissedPongs {
					b.logger.Warn("terminal: too many missed pongs, closing", "session", e.sessionID)
					e.closed.Store(true)
					b.cleanupLocked(e.sessionID)
					return
				}
				continue
			}
			atomic.StoreInt32(&e.missedPongs, 0)
		}
	}
}

func (b *Bridge) waitLoop(e *entry) {
	_ = e.cmd.Wait()
	close(e.done)
}

func (b *Bridge) onPTYExit(e *entry) {
	e.cancel()
	b.flush(context.Background(), e)
	e.conn.Close(websocket.StatusNormalClosure, "Terminal session ended")
	b.cleanupLocked(e.sessionID)
}

func (b *Bridge) cleanupLocked(sessionID string) {
	b.mu.Lock()
	e, ok := b.entries[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.cleanup(sessionID, e)
}

// cleanup is idempotent via sync.Once: repeated calls for the same
// entry perform exactly one PTY termination (P4).
func (b *Bridge) cleanup(sessionID string, e *entry) {
	e.cleanupOnce.Do(func() {
		b.mu.Lock()
		if b.entries[sessionID] == e {
			delete(b.entries, sessionID)
		}
		b.mu.Unlock()

		e.cancel()
		e.cleanedUp.Store(true)

		if e.cmd.Process != nil {
			_ = e.cmd.Process.Signal(syscall.SIGTERM)
		}

		select {
		case <-e.done:
		case <-time.After(killEscalationDelay):
			if e.cmd.Process != nil {
				_ = e.cmd.Process.Kill()
			}
			<-e.done
		}
		_ = e.ptmx.Close()
	})
}

// ReapOrphans is invoked on a periodic schedule (60s) to clean up any
// entry whose WebSocket is known closed/closing.
func (b *Bridge) ReapOrphans() {
	b.mu.Lock()
	stale := make([]*entry, 0)
	for _, e := range b.entries {
		if e.isClosed() {
			stale = append(stale, e)
		}
	}
	b.mu.Unlock()
	for _, e := range stale {
		b.cleanup(e.sessionID, e)
	}
}

// Stop cleans up every active terminal in parallel and waits for all
// of them to finish.
func (b *Bridge) Stop() {
	b.mu.Lock()
	all := make([]*entry, 0, len(b.entries))
	for _, e := range b.entries {
		all = append(all, e)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range all {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			b.cleanup(e.sessionID, e)
		}(e)
	}
	wg.Wait()
}
