//go:build linux || darwin || freebsd

package impl

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// errLocked is returned if the cache file is in use by another process.
var errLocked = errors.New("cache file is locked")

// lockFile takes an exclusive, non-blocking flock on f.
func lockFile(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return errLocked
	}
	return err
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// diskFree returns the bytes available to unprivileged users on the file system of dir.
func diskFree(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
