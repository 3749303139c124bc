package mux

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// cli wraps the mux CLI binary, always invoked with an explicit
// argument vector — never a shell string — so that a session id never
// passes through shell interpolation.
type cli struct {
	binary string
}

func (c cli) run(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, c.binary, args...).Output()
}

func (c cli) runCombined(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, c.binary, args...).CombinedOutput()
}

// newDetachedSession creates a detached window of the given size,
// running argv[0] with argv[1:] as its arguments — no shell is
// involved, so argv may safely contain a session id.
func (c cli) newDetachedSession(ctx context.Context, name, workDir string, cols, rows uint16, argv []string) error {
	args := []string{
		"new-session", "-d",
		"-s", name,
		"-x", strconv.Itoa(int(cols)),
		"-y", strconv.Itoa(int(rows)),
	}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	args = append(args, argv...)
	if _, err := c.runCombined(ctx, args...); err != nil {
		return fmt.Errorf("new-session: %w", err)
	}
	if _, err := c.run(ctx, "set-option", "-t", name, "remain-on-exit", "on"); err != nil {
		return fmt.Errorf("set remain-on-exit: %w", err)
	}
	if _, err := c.run(ctx, "set-option", "-t", name, "default-terminal", "xterm-256color"); err != nil {
		return fmt.Errorf("set default-terminal: %w", err)
	}
	return nil
}

// listSessions returns raw tab-delimited lines of
// "name\tattached\tcreated" for every window on the mux server.
func (c cli) listSessions(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "list-sessions", "-F", "#{session_name}\t#{session_attached}\t#{session_created}")
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			// "no server running" looks like an error to exec.Cmd but
			// means zero windows.
			return nil, nil
		}
		return nil, err
	}
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

func (c cli) hasSession(ctx context.Context, name string) bool {
	return exec.CommandContext(ctx, c.binary, "has-session", "-t", name).Run() == nil
}

func (c cli) killSession(ctx context.Context, name string) error {
	err := exec.CommandContext(ctx, c.binary, "kill-session", "-t", name).Run()
	if err == nil {
		return nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		// "no such session" — already gone, not a failure.
		return nil
	}
	return err
}

func (c cli) disableStatusBar(ctx context.Context, name string) {
	_, _ = c.run(ctx, "set-option", "-t", name, "status", "off")
}

// attachCommand returns argv for attaching a PTY to the named window.
func (c cli) attachCommand(name string) []string {
	return []string{c.binary, "attach-session", "-t", name}
}
