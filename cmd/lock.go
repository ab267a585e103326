package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const lockFileName = ".batchdl.lock"

// dirLock keeps two runs from writing .part files into the same directory.
type dirLock struct {
	lock *flock.Flock
}

// acquireDirLock takes the lock for dir without blocking.
func acquireDirLock(dir string) (*dirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}
	path := filepath.Join(dir, lockFileName)
	l := flock.New(path)
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another batchdl run is using %s (lock %s)", dir, path)
	}
	return &dirLock{lock: l}, nil
}

// Release unlocks and removes the lock file.
func (d *dirLock) Release() error {
	if err := d.lock.Unlock(); err != nil {
		return err
	}
	_ = os.Remove(d.lock.Path())
	return nil
}
