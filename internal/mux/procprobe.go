package mux

import (
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	ps "github.com/mitchellh/go-ps"
)

// processRunning reports whether some process on the host is running
// the assistant CLI with --resume <sessionID> (or equivalent) among
// its arguments. go-ps enumerates the process table portably; on
// Linux the full argument vector is read from /proc/<pid>/cmdline
// since go-ps itself only reports the executable name. Hosts without
// /proc fall back to an explicit-argv `ps` invocation — never a shell
// string — so the probe still works outside Linux.
func processRunning(sessionID string) (bool, error) {
	procs, err := ps.Processes()
	if err != nil {
		return false, err
	}

	pattern := regexp.MustCompile(`--resume[= ]` + regexp.QuoteMeta(sessionID) + `\b`)

	if runtime.GOOS == "linux" {
		for _, p := range procs {
			cmdline, err := os.ReadFile("/proc/" + strconv.Itoa(p.Pid()) + "/cmdline")
			if err != nil {
				continue // process exited mid-scan, or unreadable; not a match
			}
			args := strings.ReplaceAll(string(cmdline), "\x00", " ")
			if pattern.MatchString(args) {
				return true, nil
			}
		}
		return false, nil
	}

	return psArgsFallback(pattern)
}
