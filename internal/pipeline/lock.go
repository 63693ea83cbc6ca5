package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const lockName = ".kotovox.lock"

// ErrLocked means another process is already writing this output directory.
var ErrLocked = errors.New("output directory locked")

// acquireLock takes the single-writer lock for an output directory. The
// returned release removes it; a crash leaves the file behind, and the pid
// inside tells the operator which process to check before deleting it.
func acquireLock(dir string) (release func(), err error) {
	path := filepath.Join(dir, lockName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s exists, remove it if no run is active", ErrLocked, path)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	if err := f.Close(); err != nil {
		return nil, err
	}
	return func() { _ = os.Remove(path) }, nil
}
