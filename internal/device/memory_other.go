//go:build !linux && !darwin

package device

import "errors"

// PhysicalMemory is not available on this platform.
func PhysicalMemory() (uint64, error) {
	return 0, errors.New("memory probe unsupported on this platform")
}
