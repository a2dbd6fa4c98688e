package statestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/ladder/internal/errors"
	"golang.org/x/sys/unix"
)

const lockPollMax = 50 * time.Millisecond

// FileBackend stores the document as a JSON file and serializes scopes with
// flock(2) on a sibling ".lock" file.
//
// The flock is per open file description, so two FileBackends on the same
// path exclude each other even inside one process.
type FileBackend struct {
	path     string
	lockPath string
}

// NewFileBackend returns a backend for the JSON document at path. Parent
// directories are created on first use.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path, lockPath: path + ".lock"}
}

// Name implements Backend.
func (b *FileBackend) Name() string { return "file" }

// Location implements Backend.
func (b *FileBackend) Location() string { return b.path }

// Close implements Backend.
func (b *FileBackend) Close() error { return nil }

// Begin acquires the exclusive lock, polling with LOCK_NB so the wait
// honors ctx cancellation.
func (b *FileBackend) Begin(ctx context.Context) (Txn, error) {
	if err := os.MkdirAll(filepath.Dir(b.path), 0755); err != nil {
		return nil, errors.NewStateError("create state directory", err).WithPath(b.path)
	}
	f, err := os.OpenFile(b.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.NewStateError("open lock file", fmt.Errorf("%w: %w", errors.ErrLockFailed, err)).WithPath(b.lockPath)
	}

	wait := time.Millisecond
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			_ = f.Close()
			return nil, errors.NewStateError("flock", fmt.Errorf("%w: %w", errors.ErrLockFailed, err)).WithPath(b.lockPath)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, errors.NewStateError("wait for lock", fmt.Errorf("%w: %w", errors.ErrLockFailed, ctx.Err())).WithPath(b.lockPath)
		case <-time.After(wait):
		}
		if wait < lockPollMax {
			wait *= 2
		}
	}
	return &fileTxn{backend: b, lock: f}, nil
}

type fileTxn struct {
	backend *FileBackend
	lock    *os.File
	staged  []byte
	done    bool
}

func (t *fileTxn) Read() ([]byte, bool, error) {
	data, err := os.ReadFile(t.backend.path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.NewStateError("read state", fmt.Errorf("%w: %w", errors.ErrStateRead, err)).WithPath(t.backend.path)
	}
	return data, true, nil
}

func (t *fileTxn) Write(data []byte) error {
	t.staged = data
	return nil
}

func (t *fileTxn) Commit() error {
	if t.done {
		return nil
	}
	var err error
	if t.staged != nil {
		err = writeFileAtomic(t.backend.path, t.staged)
	}
	if uerr := t.release(); err == nil {
		err = uerr
	}
	return err
}

func (t *fileTxn) Rollback() error {
	if t.done {
		return nil
	}
	return t.release()
}

func (t *fileTxn) release() error {
	t.done = true
	err := unix.Flock(int(t.lock.Fd()), unix.LOCK_UN)
	if cerr := t.lock.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.NewStateError("release lock", err).WithPath(t.backend.lockPath)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the same directory, syncs it
// and renames it over path, then syncs the directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.NewStateError("create temp file", fmt.Errorf("%w: %w", errors.ErrStateWrite, err)).WithPath(path)
	}
	tmpName := tmp.Name()
	cleanup := func(step string, cause error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.NewStateError(step, fmt.Errorf("%w: %w", errors.ErrStateWrite, cause)).WithPath(path)
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup("write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup("sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.NewStateError("close temp file", fmt.Errorf("%w: %w", errors.ErrStateWrite, err)).WithPath(path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return errors.NewStateError("rename temp file", fmt.Errorf("%w: %w", errors.ErrStateWrite, err)).WithPath(path)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// String is used in log lines.
func (b *FileBackend) String() string {
	return fmt.Sprintf("file:%s", b.path)
}
