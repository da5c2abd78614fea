// Package portlock implements the layered port-locking protocol:
// UUCP-style lockfiles, OS advisory file locks, and the exclusive-open
// ioctl, combined under four sharing policies (§4.3 of the design).
package portlock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/okserial/serial/errs"
)

// Sharing is the policy controlling locking at open and close.
type Sharing string

const (
	Oblivious Sharing = "oblivious"
	Polite    Sharing = "polite"
	Exclusive Sharing = "exclusive"
	Stomp     Sharing = "stomp"
)

// Valid reports whether s is one of the four recognized policies.
func (s Sharing) Valid() bool {
	switch s {
	case Oblivious, Polite, Exclusive, Stomp:
		return true
	}
	return false
}

// LockDir is the directory UUCP-style lockfiles live in. Overridable
// for tests.
var LockDir = "/var/lock"

// Set is the collection of OS-level resources held for one open port
// (§3 "LockSet"). Every element, once acquired, is released exactly
// once on Release, even on partial-failure paths.
type Set struct {
	sharing    Sharing
	device     string
	lockPath   string
	haveLock   bool
	fd         int
	haveFD     bool
	haveFlock  bool
	haveExcl   bool
}

// Acquire performs the open-time locking protocol for device, given fd
// (the already-open OS file descriptor for the device) and the chosen
// sharing policy, per the table in §4.3.
func Acquire(device string, fd int, sharing Sharing) (*Set, error) {
	if !sharing.Valid() {
		return nil, errs.Configuration(fmt.Sprintf("unknown sharing mode %q", sharing), nil)
	}

	s := &Set{sharing: sharing, device: device, fd: fd, haveFD: fd >= 0}
	lockPath := filepath.Join(LockDir, "LCK.."+filepath.Base(device))
	s.lockPath = lockPath

	if sharing != Oblivious {
		if err := s.acquireLockFile(); err != nil {
			return nil, err
		}
	}

	if err := s.acquireAdvisoryLock(); err != nil {
		s.Release()
		return nil, err
	}

	if sharing != Oblivious {
		s.writeLockFilePID() // best-effort; see §4.3
	}

	if sharing == Exclusive || sharing == Stomp {
		s.acquireExclusiveIoctl() // best-effort in both modes per §4.3
	}

	return s, nil
}

// acquireLockFile implements the "read stale lockfile / refuse or
// stomp" step of the table in §4.3. Oblivious never reaches here.
func (s *Set) acquireLockFile() error {
	ownerPID, stale := readLockFilePID(s.lockPath)
	if ownerPID > 0 && !stale {
		if s.sharing == Stomp {
			if ownerPID != os.Getpid() {
				killBestEffort(ownerPID)
			}
			_ = os.Remove(s.lockPath)
		} else {
			return errs.SharingConflict(
				fmt.Sprintf("%s is busy (%s: pid=%d)", s.device, s.lockPath, ownerPID), nil)
		}
	} else if stale {
		_ = os.Remove(s.lockPath)
	}
	return nil
}

// writeLockFilePID creates/overwrites the lockfile with our own PID.
// Best-effort: failures are swallowed per §4.3/§7 ("local recovery is
// used only for best-effort locking steps").
func (s *Set) writeLockFilePID() {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if s.sharing != Stomp {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(s.lockPath, flags, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%10d\n", os.Getpid()); err == nil {
		s.haveLock = true
	}
}

// acquireAdvisoryLock takes the shared/exclusive flock per §4.3. In
// stomp mode a failure is swallowed and open proceeds anyway; in
// polite/exclusive mode a failure is a sharing conflict.
func (s *Set) acquireAdvisoryLock() error {
	if s.sharing == Oblivious || !s.haveFD {
		return nil
	}

	how := unix.LOCK_EX | unix.LOCK_NB
	if s.sharing == Polite {
		how = unix.LOCK_SH | unix.LOCK_NB
	}

	err := unix.Flock(s.fd, how)
	switch {
	case err == nil:
		s.haveFlock = true
		return nil
	case s.sharing == Stomp:
		return nil // best-effort: proceed anyway (§4.3)
	default:
		return errs.SharingConflict(fmt.Sprintf("%s is busy (flock)", s.device), err)
	}
}

// acquireExclusiveIoctl asserts TIOCEXCL, best-effort in both the
// modes that call it (§4.3: exclusive requires it to succeed in
// practice on supporting OSes, but a failure here is silently
// skipped rather than failing the open, since not all devices/OSes
// support the ioctl).
func (s *Set) acquireExclusiveIoctl() {
	if !s.haveFD {
		return
	}
	if err := unix.IoctlSetInt(s.fd, unix.TIOCEXCL, 0); err == nil {
		s.haveExcl = true
	}
}

// Release performs the close-time protocol: reverse order of
// acquisition, accumulating (not short-circuiting on) errors (§4.3).
func (s *Set) Release() error {
	var errsAcc []error

	if s.haveExcl {
		if err := unix.IoctlSetInt(s.fd, unix.TIOCNXCL, 0); err != nil {
			errsAcc = append(errsAcc, err)
		}
		s.haveExcl = false
	}

	if s.haveFlock {
		if err := unix.Flock(s.fd, unix.LOCK_UN|unix.LOCK_NB); err != nil {
			errsAcc = append(errsAcc, err)
		}
		s.haveFlock = false
	}

	if s.haveLock {
		ownerPID, _ := readLockFilePID(s.lockPath)
		if ownerPID == os.Getpid() {
			if err := os.Remove(s.lockPath); err != nil && !os.IsNotExist(err) {
				errsAcc = append(errsAcc, err)
			}
		}
		s.haveLock = false
	}

	if len(errsAcc) == 0 {
		return nil
	}
	msgs := make([]string, len(errsAcc))
	for i, e := range errsAcc {
		msgs[i] = e.Error()
	}
	return errs.Locking(fmt.Sprintf("releasing locks for %s: %s", s.device, strings.Join(msgs, "; ")), nil)
}

// readLockFilePID reads and parses a UUCP-style lockfile, reporting
// its owning PID and whether it is stale (§4.3 "Stale-lock
// detection"). A lockfile is stale if it cannot be parsed, or if the
// named PID does not correspond to a running process.
func readLockFilePID(path string) (pid int, stale bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false // no lockfile at all: not "stale", just absent
	}

	text := strings.TrimSpace(string(raw))
	parsed, err := strconv.Atoi(text)
	if err != nil || parsed <= 0 {
		return 0, true
	}

	if !processAlive(parsed) {
		return parsed, true
	}
	return parsed, false
}

// processAlive probes whether pid names a running process, via the
// null signal (kill(pid, 0)).
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// killBestEffort sends SIGTERM to pid, ignoring any failure, per the
// "stomp" policy's best-effort kill-then-proceed semantics (§4.3).
func killBestEffort(pid int) {
	_ = unix.Kill(pid, syscall.SIGTERM)
	time.Sleep(20 * time.Millisecond)
}
