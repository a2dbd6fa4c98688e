package statestore

import "context"

// Backend is the durable home of one state document plus the exclusive
// cross-process lock guarding it.
//
// Begin blocks until the caller holds the lock (or ctx is done). The lock is
// held until Commit or Rollback. Locks are not re-entrant: a second Begin on
// the same backend from the same goroutine deadlocks, which is why Store
// carries re-entrancy in the context instead.
type Backend interface {
	// Name identifies the backend kind ("file", "sqlite") for metrics.
	Name() string
	// Location identifies the document for error messages.
	Location() string
	Begin(ctx context.Context) (Txn, error)
	Close() error
}

// Txn is one exclusive scope over the document.
type Txn interface {
	// Read returns the current document. exists is false when no document
	// has ever been written.
	Read() (data []byte, exists bool, err error)
	// Write stages a replacement document. It becomes visible on Commit.
	Write(data []byte) error
	// Commit persists staged writes and releases the lock.
	Commit() error
	// Rollback discards staged writes and releases the lock.
	Rollback() error
}
