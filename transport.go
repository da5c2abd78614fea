package serial

import (
	"time"

	"go.bug.st/serial"
	"golang.org/x/sys/unix"

	"github.com/okserial/serial/errs"
)

// SerialPort abstracts the subset of go.bug.st/serial.Port this
// package drives directly: byte transfer, the read deadline, and the
// modem control signals the connection façade exposes (§4.4, §4.6).
type SerialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(d time.Duration) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

// bugstPort wraps the concrete serial.Port to satisfy SerialPort.
type bugstPort struct {
	serial.Port
}

// openLockFD opens an independent OS file descriptor on device solely
// to hand to the portlock package: TIOCEXCL and flock are associated
// with the device node, not with any particular open, so a dedicated
// fd kept alive for the connection's lifetime is sufficient without
// threading go.bug.st/serial's internal descriptor through this
// package (it doesn't expose one).
func openLockFD(device string) (int, error) {
	fd, err := unix.Open(device, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_NOCTTY, 0)
	if err != nil {
		return -1, errs.IO("opening "+device+" for locking", err)
	}
	return fd, nil
}

func closeLockFD(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}
