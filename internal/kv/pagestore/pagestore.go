package pagestore

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/shadowdb/shadowkv/internal/kv/cache"
	"github.com/shadowdb/shadowkv/internal/shadowerr"
)

// MinCacheSize is the smallest cache capacity accepted by Open; below
// this a cache cannot hold even a handful of concurrently touched pages
// without thrashing on CacheFull (spec.md §7, MemTooSmall).
const MinCacheSize = 10

// Store is the fixed-size page file (<db>.db) of spec.md §4.3, backed by
// a ref-counted page cache (internal/kv/cache).
type Store struct {
	fileMu sync.Mutex // serializes file extension / truncation against reads
	f      *os.File
	path   string

	counter atomic.Uint64 // highest page number ever allocated
	cache   *cache.RefCache[PageID, *Page]

	log zerolog.Logger
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger attaches a structured logger; the zero value is zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open opens or creates a page file at path with the given cache
// capacity (maximum resident-or-loading pages).
func Open(path string, maxCachePages int, opts ...Option) (*Store, error) {
	if maxCachePages < MinCacheSize {
		return nil, shadowerr.ErrMemTooSmall
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("pagestore: open %s: %w: %v", path, shadowerr.ErrFileCannotRW, err)
	}

	s := &Store{f: f, path: path, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pagestore: stat: %w", err)
	}
	s.counter.Store(uint64(info.Size() / PageSize))

	s.cache = cache.New(maxCachePages, s.load, s.evict, cache.WithLogger[PageID, *Page](s.log))
	return s, nil
}

func (s *Store) load(pgno PageID) (*Page, error) {
	p := &Page{no: pgno}
	off := int64(pgno-1) * PageSize
	if _, err := s.f.ReadAt(p.buf[:], off); err != nil {
		return nil, fmt.Errorf("pagestore: read page %d: %w", pgno, err)
	}
	return p, nil
}

func (s *Store) evict(_ PageID, p *Page) {
	p.Lock()
	defer p.Unlock()
	if p.dirty {
		if err := s.flushLocked(p); err != nil {
			s.log.Error().Err(err).Uint64("page", uint64(p.no)).Msg("pagestore: evict flush failed")
		}
		p.dirty = false
	}
}

// Acquire returns the cached page pgno, loading it from disk on a cache
// miss. The caller must call Release exactly once when done.
func (s *Store) Acquire(pgno PageID) (*Page, error) {
	return s.cache.Acquire(pgno)
}

// Release gives back a page acquired via Acquire.
func (s *Store) Release(pgno PageID) {
	s.cache.Release(pgno)
}

// NewPage atomically allocates a new page number, constructs an
// in-memory page with the given initial bytes (zero-padded/truncated to
// PageSize), and synchronously flushes it to disk. The page is not
// cached; the caller typically re-Acquires it through the cache.
func (s *Store) NewPage(init []byte) (PageID, error) {
	pgno := PageID(s.counter.Add(1))
	p := &Page{no: pgno}
	copy(p.buf[:], init)

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	off := int64(pgno-1) * PageSize
	if _, err := s.f.WriteAt(p.buf[:], off); err != nil {
		return 0, fmt.Errorf("pagestore: write new page %d: %w", pgno, err)
	}
	if err := s.f.Sync(); err != nil {
		return 0, fmt.Errorf("pagestore: sync new page %d: %w", pgno, err)
	}
	s.log.Debug().Uint64("page", uint64(pgno)).Msg("pagestore: new page")
	return pgno, nil
}

// flushLocked writes p to disk and forces it, synchronously. Caller must
// hold p's lock.
func (s *Store) flushLocked(p *Page) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	off := int64(p.no-1) * PageSize
	if _, err := s.f.WriteAt(p.buf[:], off); err != nil {
		return fmt.Errorf("pagestore: flush page %d: %w", p.no, err)
	}
	return s.f.Sync()
}

// Flush writes p to disk and forces it. The caller must hold p's lock.
func (s *Store) Flush(p *Page) error {
	if err := s.flushLocked(p); err != nil {
		return err
	}
	p.dirty = false
	return nil
}

// WritePageRaw writes pgno directly to the file, bypassing the cache.
// Used only by recovery (internal/kv/recovery), which must apply redo
// and undo effects to pages that may not currently be cache-resident.
func (s *Store) WritePageRaw(pgno PageID, buf []byte) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	off := int64(pgno-1) * PageSize
	if _, err := s.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("pagestore: write raw page %d: %w", pgno, err)
	}
	return s.f.Sync()
}

// ReadPageRaw reads pgno directly from the file, bypassing the cache.
func (s *Store) ReadPageRaw(pgno PageID) ([]byte, error) {
	buf := make([]byte, PageSize)
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	off := int64(pgno-1) * PageSize
	if _, err := s.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("pagestore: read raw page %d: %w", pgno, err)
	}
	return buf, nil
}

// TruncateTo sets the file length to maxPgno*PageSize and resets the
// page counter. Recovery does not call it: pages allocated past the last
// committed log reference are retained (see internal/kv/recovery).
func (s *Store) TruncateTo(maxPgno PageID) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if err := s.f.Truncate(int64(maxPgno) * PageSize); err != nil {
		return fmt.Errorf("pagestore: truncate to page %d: %w", maxPgno, err)
	}
	s.counter.Store(uint64(maxPgno))
	return nil
}

// PageCount returns the highest page number ever allocated.
func (s *Store) PageCount() PageID {
	return PageID(s.counter.Load())
}

// Close evicts all cached pages (flushing dirty ones) and closes the
// backing file.
func (s *Store) Close() error {
	s.cache.Close()
	return s.f.Close()
}
