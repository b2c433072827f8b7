package storage

import (
	"os"
	"sync"
	"syscall"
)

// FileLock guards one state file against concurrent doclens processes,
// pairing an in-process mutex with an flock on a sidecar .lock file.
type FileLock struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewFileLock creates a lock for the given file path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Lock blocks until both the process mutex and the flock are held.
func (l *FileLock) Lock() error {
	l.mu.Lock()

	var err error
	l.file, err = os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		l.mu.Unlock()
		return err
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX); err != nil {
		l.file.Close()
		l.file = nil
		l.mu.Unlock()
		return err
	}
	return nil
}

// Unlock releases the flock and removes the sidecar file.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}

	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	os.Remove(l.path + ".lock")
	l.file = nil

	l.mu.Unlock()
	return nil
}
