//go:build linux

package terminal

import (
	"bufio"
	"os"
	"os/user"
	"strings"
)

// detectDefaultShell parses /etc/passwd for the current user's login
// shell, falling back to /bin/sh if the lookup fails.
func detectDefaultShell() string {
	u, err := user.Current()
	if err != nil {
		return "/bin/sh"
	}

	f, err := os.Open("/etc/passwd")
	if err != nil {
		return "/bin/sh"
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 {
			continue
		}
		if fields[2] == u.Uid {
			if shell := fields[6]; shell != "" {
				return shell
			}
			break
		}
	}
	return "/bin/sh"
}
