//go:build !windows

package launcher

import "syscall"

// spawnSysProcAttr returns SysProcAttr for detaching the spawned agent.
func spawnSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
