package pagestore

import "sync"

// numBuckets is the fixed bucket count of the free-space index.
const numBuckets = 41

// bucketWidth is PAGE_SIZE/40, the divisor used to compute a page's
// bucket index from its free-byte count.
const bucketWidth = PageSize / 40

// freeEntry is one (pageNumber, freeBytes) pair transiently held in a
// bucket.
type freeEntry struct {
	page PageID
	free int
}

// FreeSpaceIndex is the bucketed "page with >= n free bytes" index.
// Entries are one-shot: Select removes the entry it returns, and the
// caller must re-Add the page (with its new free-byte count) after using
// it. The bucket a page lives in is a function of how much room is left
// in it, not whether the page is "free" at all.
type FreeSpaceIndex struct {
	mu      sync.Mutex
	buckets [numBuckets][]freeEntry
}

// NewFreeSpaceIndex returns an empty index.
func NewFreeSpaceIndex() *FreeSpaceIndex {
	return &FreeSpaceIndex{}
}

func bucketFor(freeBytes int) int {
	k := freeBytes / bucketWidth
	if k >= numBuckets {
		k = numBuckets - 1
	}
	if k < 0 {
		k = 0
	}
	return k
}

// Add records that page pgno currently has freeBytes of free space.
func (idx *FreeSpaceIndex) Add(pgno PageID, freeBytes int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	k := bucketFor(freeBytes)
	idx.buckets[k] = append(idx.buckets[k], freeEntry{page: pgno, free: freeBytes})
}

// Histogram returns the current entry count per bucket, for
// inspection/stats tooling (internal/kv/engine.Stats). The returned array
// is a snapshot, not a live view.
func (idx *FreeSpaceIndex) Histogram() [numBuckets]int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var h [numBuckets]int
	for k, entries := range idx.buckets {
		h[k] = len(entries)
	}
	return h
}

// Select returns a page guaranteed to have at least n bytes free, popping
// it from the index. It returns (0, false) if no such page is indexed,
// signaling the caller to allocate a fresh page instead.
func (idx *FreeSpaceIndex) Select(n int) (PageID, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	start := n/bucketWidth + 1
	if start >= numBuckets {
		return 0, false
	}
	for k := start; k < numBuckets; k++ {
		if len(idx.buckets[k]) == 0 {
			continue
		}
		last := len(idx.buckets[k]) - 1
		e := idx.buckets[k][last]
		idx.buckets[k] = idx.buckets[k][:last]
		return e.page, true
	}
	return 0, false
}
