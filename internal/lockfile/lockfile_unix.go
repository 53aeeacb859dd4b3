//go:build !windows

package lockfile

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func acquireExclusive(f *os.File) error {
	if f == nil {
		return errors.New("nil lock file")
	}

	// The guard must not survive into child processes the service spawns.
	if flags, err := unix.FcntlInt(f.Fd(), unix.F_GETFD, 0); err == nil {
		_, _ = unix.FcntlInt(f.Fd(), unix.F_SETFD, flags|unix.FD_CLOEXEC)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrHeld
		}
		return err
	}
	return nil
}

func releaseExclusive(f *os.File) error {
	if f == nil {
		return nil
	}
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
