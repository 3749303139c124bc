package mux

import (
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	ps "github.com/mitchellh/go-ps"
)

// argvForPid returns the full argument vector for pid. On Linux this
// reads /proc/<pid>/cmdline directly; elsewhere it shells out to the
// POSIX `ps` utility with an explicit argument vector (never a shell
// string) and a best-effort whitespace split, since go-ps itself only
// reports the executable name.
func argvForPid(pid int) []string {
	if runtime.GOOS == "linux" {
		data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline")
		if err != nil {
			return nil
		}
		raw := strings.Split(string(data), "\x00")
		argv := make([]string, 0, len(raw))
		for _, a := range raw {
			if a != "" {
				argv = append(argv, a)
			}
		}
		return argv
	}

	out, err := exec.Command("ps", "-o", "pid=,args=").Output()
	if err != nil {
		return nil
	}
	prefix := strconv.Itoa(pid) + " "
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		return strings.Fields(strings.TrimPrefix(line, prefix))
	}
	return nil
}

func argvEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// killOrphanAttachProcesses terminates every host process whose argv
// exactly matches the attach command for one of the given windows.
// Such a process is an attach PTY left running by a previous instance
// of the daemon (the bridge's in-memory entry for it is gone after a
// restart, but the OS process can still be attached to the window).
// Matching is exact-argv only, never a substring or pattern match, so
// an unrelated process that merely mentions the window name is never
// touched.
func (m *Manager) killOrphanAttachProcesses(owned []Owned) (int, error) {
	procs, err := ps.Processes()
	if err != nil {
		return 0, err
	}

	wanted := make([][]string, 0, len(owned))
	for _, o := range owned {
		wanted = append(wanted, m.cli.attachCommand(o.Window.Name))
	}

	killed := 0
	for _, p := range procs {
		argv := argvForPid(p.Pid())
		if argv == nil {
			continue
		}
		for _, want := range wanted {
			if !argvEqual(argv, want) {
				continue
			}
			proc, err := os.FindProcess(p.Pid())
			if err != nil {
				break
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				m.logger.Warn("mux: failed to signal orphan attach process", "pid", p.Pid(), "err", err)
				break
			}
			killed++
			break
		}
	}
	return killed, nil
}
