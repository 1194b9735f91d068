package terminal

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// resolveDefaultShell returns the user's default shell: PASEO_DEFAULT_SHELL
// first (bare name or absolute path), then $SHELL, then platform detection.
func resolveDefaultShell() string {
	if shell := resolveShellEnv("PASEO_DEFAULT_SHELL"); shell != "" {
		slog.Info("terminal: default shell from PASEO_DEFAULT_SHELL", "shell", shell)
		return shell
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		slog.Info("terminal: default shell from $SHELL", "shell", shell)
		return shell
	}
	shell := detectDefaultShell()
	slog.Info("terminal: default shell from platform detection", "shell", shell)
	return shell
}

func resolveShellEnv(name string) string {
	val := os.Getenv(name)
	if val == "" {
		return ""
	}
	if filepath.IsAbs(val) {
		return val
	}
	abs, err := exec.LookPath(val)
	if err != nil {
		slog.Info("terminal: failed to resolve shell env via LookPath", "env", name, "value", val, "error", err)
		return ""
	}
	return abs
}
