//go:build linux

package device

import "golang.org/x/sys/unix"

// PhysicalMemory returns the installed memory in bytes.
func PhysicalMemory() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return uint64(info.Totalram) * uint64(info.Unit), nil
}
