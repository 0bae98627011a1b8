package docstore

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"promisedb/pkg/apierrors"
)

// processLock is an advisory guard against a second process opening the
// same Pebble directory concurrently — Pebble itself refuses a second
// open, but it reports that as a generic storage error with no indication
// of *why*; taking our own flock first gives a clearer failure and mirrors
// the donor's use of golang.org/x/sys for a peer-credential-style guard in
// cmd/minikms/peercred_linux.go.
type processLock struct {
	f *os.File
}

func acquireProcessLock(dbPath string) (*processLock, error) {
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, apierrors.StorageError("creating document store directory", err)
	}
	path := filepath.Join(dbPath, ".promisedb.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, apierrors.StorageError("opening document store lock file", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, apierrors.StorageError("another process already holds this document store", err)
	}
	return &processLock{f: f}, nil
}

func (l *processLock) release() error {
	if l == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
