// Package shadowerr collects the sentinel errors shared across the storage
// and transaction core. Call sites wrap these with fmt.Errorf("...: %w", ...)
// the way internal/kv/pagestore wraps I/O failures; never compare error
// strings.
package shadowerr

import "errors"

var (
	// ErrBadXIDFile is returned when the transaction status file's length
	// does not match its header counter on open.
	ErrBadXIDFile = errors.New("shadowkv: xid status file length does not match header counter")

	// ErrBadLogFile is returned when the write-ahead log's cumulative
	// checksum does not match the recomputed fold over its frames.
	ErrBadLogFile = errors.New("shadowkv: log file cumulative checksum mismatch")

	// ErrFileExists is returned by create() when the target already exists.
	ErrFileExists = errors.New("shadowkv: database file already exists")

	// ErrFileNotExists names a missing database file. No call site returns
	// it: engine.Open creates a missing database instead.
	ErrFileNotExists = errors.New("shadowkv: database file does not exist")

	// ErrFileCannotRW is returned when a backing file cannot be opened for
	// read/write access.
	ErrFileCannotRW = errors.New("shadowkv: cannot open file for read/write")

	// ErrMemTooSmall is returned when a cache is configured with too small
	// a capacity to be useful.
	ErrMemTooSmall = errors.New("shadowkv: cache capacity too small")

	// ErrCacheFull is returned by the ref-counted cache when a new,
	// non-resident key is requested at capacity.
	ErrCacheFull = errors.New("shadowkv: cache is full")

	// ErrNullEntry is returned internally when the data-item manager has no
	// item for a uid; version.Manager converts this to an absent read.
	ErrNullEntry = errors.New("shadowkv: no such data item")

	// ErrDeadlock is returned by the lock table when granting a wait would
	// close a cycle in the wait-for graph.
	ErrDeadlock = errors.New("shadowkv: deadlock detected")

	// ErrConcurrentUpdate is returned (and recorded on the transaction) when
	// a delete loses a race with another committed writer, or when
	// REPEATABLE_READ detects a version skip.
	ErrConcurrentUpdate = errors.New("shadowkv: concurrent update")

	// ErrTxHasError is returned by any operation on a transaction that
	// already carries a terminal error; the caller must abort.
	ErrTxHasError = errors.New("shadowkv: transaction already failed, must abort")

	// ErrTxNotActive is returned by commit/abort on a transaction that has
	// already committed or aborted.
	ErrTxNotActive = errors.New("shadowkv: transaction is not active")
)
