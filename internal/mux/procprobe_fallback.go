package mux

import (
	"os/exec"
	"regexp"
)

// psArgsFallback shells out to the POSIX `ps` utility with an explicit
// argument vector (never a shell string) to recover full command
// lines on hosts where /proc is unavailable.
func psArgsFallback(pattern *regexp.Regexp) (bool, error) {
	out, err := exec.Command("ps", "-eo", "args=").Output()
	if err != nil {
		return false, err
	}
	return pattern.Match(out), nil
}
