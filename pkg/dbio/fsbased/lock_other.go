//go:build !unix

package fsbased

import (
	"os"
	"path/filepath"
)

// Non-unix platforms get no advisory locking; single-process use only.

type lockMode int

const (
	shared lockMode = iota
	exclusive
)

type lockedFile struct {
	file *os.File
}

func openLocked(path string, flag int, mode lockMode) (*lockedFile, error) {
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	return &lockedFile{file: f}, nil
}

func (l *lockedFile) close() {
	_ = l.file.Close()
}

func lockedRead(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func lockedReplace(path string, data []byte) error {
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

func lockedAppend(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}
