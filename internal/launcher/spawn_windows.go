//go:build windows

package launcher

import "syscall"

// spawnSysProcAttr returns SysProcAttr for Windows (no Setsid).
func spawnSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}
