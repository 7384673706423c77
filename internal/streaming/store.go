package streaming

import (
	"sync"
	"time"
)

// DefaultMaxBufferBytes is the per-session quota for SegmentStore (500 MiB).
const DefaultMaxBufferBytes = 500 * 1024 * 1024

// SegmentStore is the persistence abstraction for cached segment bytes,
// content-addressed by (session, stream, sequence). Implementations may be
// in-memory (the default; segment bytes are explicitly out of the
// long-term-persistence Non-goal) or back onto a durable store.
//
// Mirrors the teacher's Store/InMemoryStore split: a small interface plus one
// concurrency-safe implementation, so a Session does not need to know how its
// bytes are actually kept.
type SegmentStore interface {
	// Put stores bytes under key, evicting oldest-by-StoredAt entries first if
	// needed to stay within the store's byte quota. Eviction is best-effort.
	Put(key SegmentKey, b []byte) SegmentRecord
	// Get returns the bytes for key, or ok=false if absent or evicted.
	Get(key SegmentKey) ([]byte, bool)
	// Delete removes key if present, returning the bytes freed.
	Delete(key SegmentKey) (int, bool)
	// TotalBytes returns the current accumulated size.
	TotalBytes() int64
	// Clear removes all entries (used on session teardown).
	Clear()
}

// RingSegmentStore is an in-memory SegmentStore bounded by MaxBytes. Insert
// evicts oldest-by-StoredAt entries until the new record fits.
type RingSegmentStore struct {
	mu       sync.Mutex
	MaxBytes int64

	records map[SegmentKey]SegmentRecord
	order   []SegmentKey // insertion order, oldest first; used for eviction scan
	total   int64
}

// NewRingSegmentStore returns a RingSegmentStore bounded at maxBytes (or
// DefaultMaxBufferBytes if maxBytes <= 0).
func NewRingSegmentStore(maxBytes int64) *RingSegmentStore {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBufferBytes
	}
	return &RingSegmentStore{
		MaxBytes: maxBytes,
		records:  make(map[SegmentKey]SegmentRecord),
	}
}

// Put implements SegmentStore.Put.
func (s *RingSegmentStore) Put(key SegmentKey, b []byte) SegmentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Replacing an existing key: remove its old contribution first.
	if old, ok := s.records[key]; ok {
		s.total -= int64(old.ByteLen)
		s.removeFromOrderLocked(key)
	}

	need := int64(len(b))
	for s.total+need > s.MaxBytes && len(s.order) > 0 {
		s.evictOldestLocked()
	}

	rec := SegmentRecord{Key: key, Bytes: b, ByteLen: len(b), StoredAt: time.Now()}
	s.records[key] = rec
	s.order = append(s.order, key)
	s.total += need
	return rec
}

// Get implements SegmentStore.Get.
func (s *RingSegmentStore) Get(key SegmentKey) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, false
	}
	return rec.Bytes, true
}

// Delete implements SegmentStore.Delete.
func (s *RingSegmentStore) Delete(key SegmentKey) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return 0, false
	}
	delete(s.records, key)
	s.removeFromOrderLocked(key)
	s.total -= int64(rec.ByteLen)
	return rec.ByteLen, true
}

// TotalBytes implements SegmentStore.TotalBytes.
func (s *RingSegmentStore) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Clear implements SegmentStore.Clear.
func (s *RingSegmentStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[SegmentKey]SegmentRecord)
	s.order = nil
	s.total = 0
}

// evictOldestLocked drops the oldest-by-insertion-order record. Caller must
// hold s.mu. If eviction clears bytes past the session's active read window,
// StreamSession simply re-downloads them on its next pull (§4.5).
func (s *RingSegmentStore) evictOldestLocked() {
	if len(s.order) == 0 {
		return
	}
	oldest := s.order[0]
	s.order = s.order[1:]
	if rec, ok := s.records[oldest]; ok {
		s.total -= int64(rec.ByteLen)
		delete(s.records, oldest)
	}
}

func (s *RingSegmentStore) removeFromOrderLocked(key SegmentKey) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
