package serial

import "strings"

// validDevicePattern reports whether device looks like a serial
// device path rather than something else entirely, guarding Open
// against obviously-wrong input before it ever reaches the OS or the
// locking layer.
func validDevicePattern(device string) bool {
	if strings.Contains(device, "..") {
		return false
	}
	if strings.HasPrefix(device, "COM") && len(device) >= 4 && len(device) <= 6 {
		return true
	}
	if strings.HasPrefix(device, "/dev/tty") || strings.HasPrefix(device, "/dev/cu") {
		return true
	}
	return false
}
