//go:build unix

package fsbased

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

type lockMode int

const (
	shared lockMode = iota
	exclusive
)

// lockedFile is an open file holding an advisory flock.
type lockedFile struct {
	file *os.File
}

// openLocked opens the file and takes a blocking advisory lock on it.
func openLocked(path string, flag int, mode lockMode) (*lockedFile, error) {
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	how := unix.LOCK_SH
	if mode == exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, err
	}
	return &lockedFile{file: f}, nil
}

func (l *lockedFile) close() {
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
}

// lockedRead reads a whole file under a shared lock.
func lockedRead(path string) ([]byte, error) {
	f, err := openLocked(path, os.O_RDONLY, shared)
	if err != nil {
		return nil, err
	}
	defer f.close()
	return os.ReadFile(path)
}

// lockedReplace writes the file atomically: the content goes to a sibling
// temp file which is renamed into place while the target is held under an
// exclusive lock.
func lockedReplace(path string, data []byte) error {
	f, err := openLocked(path, os.O_RDWR|os.O_CREATE, exclusive)
	if err != nil {
		return err
	}
	defer f.close()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// lockedAppend appends data under an exclusive lock.
func lockedAppend(path string, data []byte) error {
	f, err := openLocked(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, exclusive)
	if err != nil {
		return err
	}
	defer f.close()
	_, err = f.file.Write(data)
	return err
}
