//go:build unix

package logstore

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// flock takes a non-blocking flock(2) on the lock file: LOCK_SH for readers,
// LOCK_EX for writers. flock applies to the open descriptor, so one
// descriptor per FileLock is enough; mode changes convert the existing lock.
func flock(f *os.File, exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	return unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
}

func funlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}
