//go:build darwin

package device

import "golang.org/x/sys/unix"

// PhysicalMemory returns the installed memory in bytes.
func PhysicalMemory() (uint64, error) {
	return unix.SysctlUint64("hw.memsize")
}
