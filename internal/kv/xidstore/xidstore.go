// Package xidstore implements the transaction status file: one status
// byte per transaction id, plus an 8-byte header counter of the highest
// xid ever allocated.
//
// Status is one of {ACTIVE, COMMITTED, ABORTED} per xid, durable via a
// fixed-offset binary layout (explicit byte offsets as named constants, a
// single mutex guarding the counter). Status
// byte writes rely on the OS serializing single-byte WriteAt calls, so no
// lock is taken for commit/abort — only the counter mutation in Begin
// needs mu. Visibility queries are on the hot path for every read, so a
// byte-indexed file with no parsing keeps lookups cheap.
package xidstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shadowdb/shadowkv/internal/shadowerr"
)

// XID is a 64-bit monotonically increasing transaction identifier.
// XID 0 is the super transaction: always committed, never active, used
// for system-owned records.
type XID uint64

// SuperXID is the reserved, always-committed transaction id.
const SuperXID XID = 0

// Status is the durable state of a transaction.
type Status byte

const (
	Active    Status = 0
	Committed Status = 1
	Aborted   Status = 2
)

func (s Status) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(s))
	}
}

// headerSize is the width of the xid counter header at the start of the
// file: an 8-byte big-endian uint64.
const headerSize = 8

// Store is the on-disk transaction status file (<db>.xid).
type Store struct {
	mu      sync.Mutex
	f       *os.File
	counter uint64 // highest xid ever allocated

	log zerolog.Logger
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger attaches a structured logger; the zero value is zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open opens an existing xid status file, or creates one if it does not
// exist. On an existing file it checks that file_len equals 8 + counter.
func Open(path string, opts ...Option) (*Store, error) {
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("xidstore: open %s: %w: %v", path, shadowerr.ErrFileCannotRW, err)
	}

	s := &Store{f: f, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	if isNew {
		if err := s.writeHeader(0); err != nil {
			f.Close()
			return nil, err
		}
		return s, nil
	}

	var hdr [headerSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("xidstore: read header: %w", err)
	}
	s.counter = binary.BigEndian.Uint64(hdr[:])

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("xidstore: stat: %w", err)
	}
	if info.Size() != int64(headerSize)+int64(s.counter) {
		f.Close()
		return nil, fmt.Errorf("%w: file_len=%d, want %d", shadowerr.ErrBadXIDFile,
			info.Size(), int64(headerSize)+int64(s.counter))
	}
	s.log.Info().Uint64("counter", s.counter).Msg("xidstore: opened")
	return s, nil
}

func (s *Store) writeHeader(counter uint64) error {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint64(hdr[:], counter)
	if _, err := s.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("xidstore: write header: %w", err)
	}
	return s.f.Sync()
}

func statusOffset(xid XID) int64 {
	return headerSize + int64(xid-1)
}

// Begin allocates a new xid, durably marks it ACTIVE, then durably
// advances the header counter. A crash between the two writes leaves a
// counter smaller than file length minus header size, which the next
// Open's integrity check rejects with ErrBadXIDFile — a half-born xid
// never silently reappears as ACTIVE.
func (s *Store) Begin() (XID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	xid := XID(s.counter + 1)
	if err := s.writeStatus(xid, Active); err != nil {
		return 0, err
	}
	if err := s.writeHeader(uint64(xid)); err != nil {
		return 0, err
	}
	s.counter = uint64(xid)
	s.log.Debug().Uint64("xid", uint64(xid)).Msg("xidstore: begin")
	return xid, nil
}

func (s *Store) writeStatus(xid XID, st Status) error {
	if _, err := s.f.WriteAt([]byte{byte(st)}, statusOffset(xid)); err != nil {
		return fmt.Errorf("xidstore: write status xid=%d: %w", xid, err)
	}
	return s.f.Sync()
}

// Commit durably marks xid COMMITTED. It fails with ErrTxNotActive unless
// xid is currently ACTIVE. No lock is required: status bytes for distinct
// xids never alias, and a single WriteAt is serialized by the OS file
// handle.
func (s *Store) Commit(xid XID) error {
	st, err := s.Status(xid)
	if err != nil {
		return err
	}
	if st != Active {
		return fmt.Errorf("xidstore: commit xid=%d in state %s: %w", xid, st, shadowerr.ErrTxNotActive)
	}
	if err := s.writeStatus(xid, Committed); err != nil {
		return err
	}
	s.log.Debug().Uint64("xid", uint64(xid)).Msg("xidstore: commit")
	return nil
}

// Abort durably marks xid ABORTED. An xid that is already ABORTED is left
// as is; a COMMITTED xid fails with ErrTxNotActive.
func (s *Store) Abort(xid XID) error {
	st, err := s.Status(xid)
	if err != nil {
		return err
	}
	if st == Aborted {
		return nil
	}
	if st != Active {
		return fmt.Errorf("xidstore: abort xid=%d in state %s: %w", xid, st, shadowerr.ErrTxNotActive)
	}
	if err := s.writeStatus(xid, Aborted); err != nil {
		return err
	}
	s.log.Debug().Uint64("xid", uint64(xid)).Msg("xidstore: abort")
	return nil
}

// Status reads the durable status of xid. SuperXID always reads COMMITTED.
func (s *Store) Status(xid XID) (Status, error) {
	if xid == SuperXID {
		return Committed, nil
	}
	var b [1]byte
	if _, err := s.f.ReadAt(b[:], statusOffset(xid)); err != nil {
		return 0, fmt.Errorf("xidstore: read status xid=%d: %w", xid, err)
	}
	return Status(b[0]), nil
}

// Counter returns the highest xid ever allocated.
func (s *Store) Counter() XID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return XID(s.counter)
}

// Close closes the backing file.
func (s *Store) Close() error {
	return s.f.Close()
}
