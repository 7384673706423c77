package streaming

import "testing"

func TestRingSegmentStore_putAndGet(t *testing.T) {
	s := NewRingSegmentStore(1024)
	key := SegmentKey{Session: "s1", Stream: "720p", Sequence: 1}
	s.Put(key, []byte("hello"))

	got, ok := s.Get(key)
	if !ok {
		t.Fatal("expected segment to be present")
	}
	if string(got) != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
	if s.TotalBytes() != 5 {
		t.Errorf("expected 5 total bytes, got %d", s.TotalBytes())
	}
}

func TestRingSegmentStore_evictsOldestWhenOverQuota(t *testing.T) {
	s := NewRingSegmentStore(10)
	k1 := SegmentKey{Session: "s1", Stream: "v", Sequence: 1}
	k2 := SegmentKey{Session: "s1", Stream: "v", Sequence: 2}
	k3 := SegmentKey{Session: "s1", Stream: "v", Sequence: 3}

	s.Put(k1, make([]byte, 5))
	s.Put(k2, make([]byte, 5))
	s.Put(k3, make([]byte, 5)) // pushes total to 15 > 10, must evict k1

	if _, ok := s.Get(k1); ok {
		t.Error("expected oldest segment to be evicted")
	}
	if _, ok := s.Get(k2); !ok {
		t.Error("expected k2 to survive eviction")
	}
	if _, ok := s.Get(k3); !ok {
		t.Error("expected k3 to survive eviction")
	}
	if s.TotalBytes() != 10 {
		t.Errorf("expected 10 total bytes after eviction, got %d", s.TotalBytes())
	}
}

func TestRingSegmentStore_deleteFreesBytes(t *testing.T) {
	s := NewRingSegmentStore(1024)
	key := SegmentKey{Session: "s1", Stream: "v", Sequence: 1}
	s.Put(key, make([]byte, 100))

	freed, ok := s.Delete(key)
	if !ok || freed != 100 {
		t.Fatalf("expected delete to report 100 bytes freed, got %d ok=%v", freed, ok)
	}
	if s.TotalBytes() != 0 {
		t.Errorf("expected 0 total bytes after delete, got %d", s.TotalBytes())
	}
}

func TestRingSegmentStore_clearResetsEverything(t *testing.T) {
	s := NewRingSegmentStore(1024)
	s.Put(SegmentKey{Session: "s1", Stream: "v", Sequence: 1}, make([]byte, 10))
	s.Put(SegmentKey{Session: "s1", Stream: "v", Sequence: 2}, make([]byte, 10))

	s.Clear()
	if s.TotalBytes() != 0 {
		t.Errorf("expected 0 bytes after Clear, got %d", s.TotalBytes())
	}
}

func TestRingSegmentStore_replacingKeyDoesNotDoubleCount(t *testing.T) {
	s := NewRingSegmentStore(1024)
	key := SegmentKey{Session: "s1", Stream: "v", Sequence: 1}
	s.Put(key, make([]byte, 10))
	s.Put(key, make([]byte, 20))

	if s.TotalBytes() != 20 {
		t.Errorf("expected replacing a key to net out at 20 bytes, got %d", s.TotalBytes())
	}
}

func TestNewRingSegmentStore_defaultsWhenNonPositive(t *testing.T) {
	s := NewRingSegmentStore(0)
	if s.MaxBytes != DefaultMaxBufferBytes {
		t.Errorf("expected default quota %d, got %d", DefaultMaxBufferBytes, s.MaxBytes)
	}
}
