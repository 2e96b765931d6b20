//go:build !linux && !darwin && !freebsd

package impl

import (
	"os"

	"github.com/pkg/errors"
)

var errLocked = errors.New("cache file is locked")

// lockFile is a no-op on this platform.
func lockFile(_ *os.File) error {
	return nil
}

func unlockFile(_ *os.File) error {
	return nil
}

// diskFree is not supported on this platform.
func diskFree(_ string) (uint64, error) {
	return 0, errors.New("free disk space is unknown on this platform")
}
