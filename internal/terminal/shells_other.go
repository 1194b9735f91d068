//go:build !darwin && !linux

package terminal

func detectDefaultShell() string { return "/bin/sh" }
