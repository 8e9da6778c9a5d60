// Package engine is the top-level open/create façade: it wires together
// the transaction status store, page store, log, data-item manager, lock
// table, version manager, and recovery into one handle and exposes the
// engine's programmatic interface through thin pass-through methods.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/shadowdb/shadowkv/internal/kv/dataitem"
	"github.com/shadowdb/shadowkv/internal/kv/locktable"
	"github.com/shadowdb/shadowkv/internal/kv/pagestore"
	"github.com/shadowdb/shadowkv/internal/kv/recovery"
	"github.com/shadowdb/shadowkv/internal/kv/version"
	"github.com/shadowdb/shadowkv/internal/kv/wal"
	"github.com/shadowdb/shadowkv/internal/kv/xidstore"
	"github.com/shadowdb/shadowkv/internal/shadowerr"
)

// Config bundles the engine's tunables. Open itself fills a zero
// MaxCachePages or MaxCachedItems with the same values config.Default()
// uses (10*MinCacheSize pages, four items per page).
type Config struct {
	MaxCachePages  int
	MaxCachedItems int
	Isolation      version.IsolationLevel
}

// Engine is one open database: a data directory holding a <name>.db page
// file, <name>.xid status file, and <name>.log write-ahead log, plus an advisory
// flock guarding the page file against a second concurrent process.
type Engine struct {
	id uuid.UUID

	xids  *xidstore.Store
	pages *pagestore.Store
	fsi   *pagestore.FreeSpaceIndex
	log   *wal.Log
	items *dataitem.Manager
	locks *locktable.Table
	vers  *version.Manager

	lockFile *os.File
	cfg      Config

	zlog zerolog.Logger
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger attaches a structured logger propagated to every subsystem.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.zlog = l }
}

func paths(dir, name string) (db, xid, logp string) {
	base := filepath.Join(dir, name)
	return base + ".db", base + ".xid", base + ".log"
}

// Open opens (creating if necessary) the database named name inside dir,
// runs startup recovery, and returns a ready-to-use Engine. An advisory
// flock on the page file rejects a second concurrent Open of the same
// database from any process.
func Open(dir, name string, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.MaxCachePages == 0 {
		cfg.MaxCachePages = pagestore.MinCacheSize * 10
	}
	if cfg.MaxCachedItems == 0 {
		cfg.MaxCachedItems = cfg.MaxCachePages * 4
	}

	dbPath, xidPath, logPath := paths(dir, name)

	e := &Engine{id: uuid.New(), cfg: cfg, zlog: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}

	lockFile, err := os.OpenFile(dbPath+".lock", os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("engine: open lock file: %w", err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("engine: database %s already open by another process: %w", name, err)
	}
	e.lockFile = lockFile

	xids, err := xidstore.Open(xidPath, xidstore.WithLogger(e.zlog))
	if err != nil {
		e.closeLockFile()
		return nil, err
	}
	e.xids = xids

	pages, err := pagestore.Open(dbPath, cfg.MaxCachePages, pagestore.WithLogger(e.zlog))
	if err != nil {
		e.xids.Close()
		e.closeLockFile()
		return nil, err
	}
	e.pages = pages

	w, err := wal.Open(logPath, wal.WithLogger(e.zlog))
	if err != nil {
		e.pages.Close()
		e.xids.Close()
		e.closeLockFile()
		return nil, err
	}
	e.log = w

	if _, err := recovery.Run(e.xids, e.pages, e.log, e.zlog); err != nil {
		e.log.Close()
		e.pages.Close()
		e.xids.Close()
		e.closeLockFile()
		return nil, fmt.Errorf("engine: recovery: %w", err)
	}

	e.fsi = pagestore.NewFreeSpaceIndex()
	e.items = dataitem.NewManager(e.pages, e.fsi, e.log, cfg.MaxCachedItems, dataitem.WithLogger(e.zlog))
	e.locks = locktable.New(locktable.WithLogger(e.zlog))
	e.vers = version.NewManager(e.xids, e.items, e.locks, e.log, version.WithLogger(e.zlog))

	e.zlog.Info().Str("engine_id", e.id.String()).Str("db", dbPath).Msg("engine: open")
	return e, nil
}

// Create is Open's counterpart for a brand-new database: it fails with
// ErrFileExists if the page file is already present.
func Create(dir, name string, cfg Config, opts ...Option) (*Engine, error) {
	dbPath, _, _ := paths(dir, name)
	if _, err := os.Stat(dbPath); err == nil {
		return nil, shadowerr.ErrFileExists
	}
	return Open(dir, name, cfg, opts...)
}

func (e *Engine) closeLockFile() {
	if e.lockFile != nil {
		unix.Flock(int(e.lockFile.Fd()), unix.LOCK_UN)
		e.lockFile.Close()
	}
}

// Begin starts a new transaction at the given isolation level.
func (e *Engine) Begin(level version.IsolationLevel) (*version.Transaction, error) {
	return e.vers.Begin(level)
}

// Read returns uid's payload as visible to tx, or ok=false if absent.
func (e *Engine) Read(tx *version.Transaction, uid dataitem.UID) (data []byte, ok bool, err error) {
	return e.vers.Read(tx, uid)
}

// Insert stores data as a new record owned by tx.
func (e *Engine) Insert(tx *version.Transaction, data []byte) (dataitem.UID, error) {
	return e.vers.Insert(tx, data)
}

// Delete marks uid deleted by tx.
func (e *Engine) Delete(ctx context.Context, tx *version.Transaction, uid dataitem.UID) (bool, error) {
	return e.vers.Delete(ctx, tx, uid)
}

// Commit finalizes tx.
func (e *Engine) Commit(tx *version.Transaction) error {
	return e.vers.Commit(tx)
}

// Abort finalizes tx with a rollback.
func (e *Engine) Abort(tx *version.Transaction) error {
	return e.vers.Abort(tx)
}

// Stats reports a point-in-time snapshot of internal structure, useful
// for tooling and tests; grounded on the teacher's pager/inspect.go.
type Stats struct {
	PageCount          PageCount
	ActiveTransactions int
	WALBytes           int64
	FreeSpaceHistogram [41]int
}

// PageCount is the highest page number ever allocated.
type PageCount = pagestore.PageID

// Stats returns a snapshot of the engine's internal counters.
func (e *Engine) Stats() Stats {
	return Stats{
		PageCount:          e.pages.PageCount(),
		ActiveTransactions: e.vers.ActiveCount(),
		WALBytes:           e.log.Size(),
		FreeSpaceHistogram: e.fsi.Histogram(),
	}
}

// Close flushes and closes every subsystem and releases the flock.
func (e *Engine) Close() error {
	if err := e.pages.Close(); err != nil {
		return err
	}
	if err := e.log.Close(); err != nil {
		return err
	}
	if err := e.xids.Close(); err != nil {
		return err
	}
	e.closeLockFile()
	e.zlog.Info().Str("engine_id", e.id.String()).Msg("engine: closed")
	return nil
}
