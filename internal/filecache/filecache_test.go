package filecache

import "testing"

func mustOpen(t *testing.T, s *Store, caller ClientID, path string, create, lock bool) {
	t.Helper()
	if _, err := s.Open(caller, path, create, lock); err != nil {
		t.Fatalf("Open(%d, %q, create=%v, lock=%v): %v", caller, path, create, lock, err)
	}
}

// S1 — eviction on open. Capacity = 2 files.
func TestScenario_EvictionOnOpen(t *testing.T) {
	s := New(2, 10, FIFO, nil)
	mustOpen(t, s, 1, "f1", true, false)
	mustOpen(t, s, 1, "f2", true, false)

	evicted, err := s.Open(1, "f3", true, false)
	if err != nil {
		t.Fatalf("Open f3: %v", err)
	}
	if len(evicted) != 1 || evicted[0].Path != "f1" {
		t.Fatalf("expected f1 evicted, got %+v", evicted)
	}

	stats := s.Stats()
	if stats.FileCount != 2 {
		t.Errorf("FileCount = %d, want 2", stats.FileCount)
	}
	if stats.Evictions < 1 {
		t.Errorf("Evictions = %d, want >= 1", stats.Evictions)
	}
	if stats.MaxFileCount != 2 {
		t.Errorf("MaxFileCount = %d, want 2", stats.MaxFileCount)
	}
}

// S2 — eviction on write. Capacity = 2 files, 10 bytes.
func TestScenario_EvictionOnWrite(t *testing.T) {
	s := New(2, 10, FIFO, nil)
	mustOpen(t, s, 1, "f1", true, true)
	if _, err := s.Write(1, "f1", []byte("abcdefg")); err != nil {
		t.Fatalf("write f1: %v", err)
	}
	mustOpen(t, s, 1, "f2", true, true)

	evicted, err := s.Write(1, "f2", []byte("abcd"))
	if err != nil {
		t.Fatalf("write f2: %v", err)
	}
	if len(evicted) != 1 || evicted[0].Path != "f1" {
		t.Fatalf("expected f1 evicted, got %+v", evicted)
	}

	stats := s.Stats()
	if stats.ByteTotal != 4 {
		t.Errorf("ByteTotal = %d, want 4", stats.ByteTotal)
	}
	if stats.FileCount != 1 {
		t.Errorf("FileCount = %d, want 1", stats.FileCount)
	}
}

// S3 — lock hand-off FIFO.
func TestScenario_LockHandoffFIFO(t *testing.T) {
	s := New(10, 100, FIFO, nil)
	mustOpen(t, s, 22, "f1", true, true)

	for _, id := range []ClientID{21, 20, 19} {
		blocked, err := s.Lock(id, "f1")
		if err != nil {
			t.Fatalf("lock by %d: %v", id, err)
		}
		if !blocked {
			t.Fatalf("lock by %d: expected blocked", id)
		}
	}

	handoff, err := s.Unlock(22, "f1")
	if err != nil {
		t.Fatalf("unlock by 22: %v", err)
	}
	if handoff != 21 {
		t.Fatalf("handoff = %d, want 21", handoff)
	}

	notify, err := s.Remove(21, "f1")
	if err != nil {
		t.Fatalf("remove by 21: %v", err)
	}
	if len(notify) != 2 || notify[0] != 20 || notify[1] != 19 {
		t.Fatalf("notify = %v, want [20 19]", notify)
	}
}

// S4 — first-write rule.
func TestScenario_FirstWriteRule(t *testing.T) {
	s := New(10, 100, FIFO, nil)
	mustOpen(t, s, 1, "f1", true, true)

	if _, err := s.Read(1, "f1"); err != nil {
		t.Fatalf("read: %v", err)
	}

	if _, err := s.Write(1, "f1", []byte("x")); err != ErrForbidden {
		t.Fatalf("write after read cleared eligibility: got %v, want ErrForbidden", err)
	}
}

// First write by the eligible creator succeeds.
func TestFirstWrite_Succeeds(t *testing.T) {
	s := New(10, 100, FIFO, nil)
	mustOpen(t, s, 1, "f1", true, true)
	if _, err := s.Write(1, "f1", []byte("hello")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	got, err := s.Read(1, "f1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("content = %q, want %q", got, "hello")
	}
}

// S5 — cross-client forbidden.
func TestScenario_CrossClientForbidden(t *testing.T) {
	s := New(10, 100, FIFO, nil)
	mustOpen(t, s, 1, "f1", true, true)

	if _, err := s.Remove(2, "f1"); err != ErrForbidden {
		t.Errorf("remove by non-owner: got %v, want ErrForbidden", err)
	}
	if _, err := s.Unlock(2, "f1"); err != ErrForbidden {
		t.Errorf("unlock by non-owner: got %v, want ErrForbidden", err)
	}
	if _, err := s.Write(2, "f1", []byte("x")); err != ErrForbidden {
		t.Errorf("write by non-opener: got %v, want ErrForbidden", err)
	}
}

// S6 — client exit hands off a pending lock.
func TestScenario_ClientExit(t *testing.T) {
	s := New(10, 100, FIFO, nil)
	mustOpen(t, s, 10, "f1", true, true)

	blocked, err := s.Lock(11, "f1")
	if err != nil || !blocked {
		t.Fatalf("lock by 11: blocked=%v err=%v", blocked, err)
	}

	handoffs := s.ClientExited(10)
	if len(handoffs) != 1 || handoffs[0].NewHolder != 11 || handoffs[0].Path != "f1" {
		t.Fatalf("handoffs = %+v, want [{f1 11}]", handoffs)
	}
}

func TestOpen_AlreadyExists(t *testing.T) {
	s := New(10, 100, FIFO, nil)
	mustOpen(t, s, 1, "f1", true, false)
	if _, err := s.Open(2, "f1", true, false); err != ErrAlreadyExists {
		t.Errorf("got %v, want ErrAlreadyExists", err)
	}
}

func TestOpen_NotFoundWithoutCreate(t *testing.T) {
	s := New(10, 100, FIFO, nil)
	if _, err := s.Open(1, "ghost", false, false); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestAccessGate_RequiresOpenBy(t *testing.T) {
	s := New(10, 100, FIFO, nil)
	mustOpen(t, s, 1, "f1", true, false)
	if _, err := s.Read(2, "f1"); err != ErrForbidden {
		t.Errorf("Read by non-opener: got %v, want ErrForbidden", err)
	}
	// close has no open-by gate: its only failure kind is not-found.
	if err := s.Close(2, "f1"); err != nil {
		t.Errorf("Close by non-opener: got %v, want nil", err)
	}
	if err := s.Close(1, "f1"); err != nil {
		t.Errorf("Close by opener: got %v, want nil", err)
	}
}

// Re-opening an existing file without create/lock must not clear another
// client's first-write eligibility: only read/write/append/lock/unlock/close
// clear it, and a plain attach-open is none of those (spec.md invariant 5;
// original_source/src/filesystemApi.c's openFileHandler never touches
// canDoFirstWrite or the UPDATE_CACHE_BITS bits).
func TestOpen_ReopenDoesNotClearFirstWrite(t *testing.T) {
	s := New(10, 100, FIFO, nil)
	mustOpen(t, s, 1, "f1", true, true)
	mustOpen(t, s, 2, "f1", false, false)

	if _, err := s.Write(1, "f1", []byte("hello")); err != nil {
		t.Fatalf("first write after a non-owner reopen: %v", err)
	}
}

func TestWrite_TooBig(t *testing.T) {
	s := New(10, 4, FIFO, nil)
	mustOpen(t, s, 1, "f1", true, true)
	if _, err := s.Write(1, "f1", []byte("way too large")); err != ErrTooBig {
		t.Errorf("got %v, want ErrTooBig", err)
	}
}

func TestAppend_NoFirstWriteRestriction(t *testing.T) {
	s := New(10, 100, FIFO, nil)
	mustOpen(t, s, 1, "f1", true, true)
	if _, err := s.Read(1, "f1"); err != nil { // clears first-write eligibility
		t.Fatalf("read: %v", err)
	}
	if _, err := s.Append(1, "f1", []byte("abc")); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, _ := s.Read(1, "f1")
	if string(got) != "abc" {
		t.Errorf("content = %q, want %q", got, "abc")
	}
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	s := New(2, 100, LRU, nil)
	mustOpen(t, s, 1, "f1", true, false)
	mustOpen(t, s, 1, "f2", true, false)
	s.Close(1, "f1") //nolint:errcheck

	// Touch f2 so it is more recently referenced than f1 (a read bumps
	// the reference bookkeeping; a plain reopen does not).
	if _, err := s.Read(1, "f2"); err != nil {
		t.Fatalf("read f2: %v", err)
	}

	evicted, err := s.Open(1, "f3", true, false)
	if err != nil {
		t.Fatalf("open f3: %v", err)
	}
	if len(evicted) != 1 || evicted[0].Path != "f1" {
		t.Fatalf("expected f1 (least recently used) evicted, got %+v", evicted)
	}
}

func TestLFU_EvictsLeastFrequentlyUsed(t *testing.T) {
	s := New(2, 100, LFU, nil)
	mustOpen(t, s, 1, "f1", true, false)
	mustOpen(t, s, 1, "f2", true, false)

	for i := 0; i < 3; i++ {
		if _, err := s.Read(1, "f2"); err != nil {
			t.Fatalf("read f2: %v", err)
		}
	}

	evicted, err := s.Open(1, "f3", true, false)
	if err != nil {
		t.Fatalf("open f3: %v", err)
	}
	if len(evicted) != 1 || evicted[0].Path != "f1" {
		t.Fatalf("expected f1 (least frequently used) evicted, got %+v", evicted)
	}
}

func TestReadN_RespectsLimitAndOrder(t *testing.T) {
	s := New(10, 100, FIFO, nil)
	mustOpen(t, s, 1, "f1", true, true)
	s.Write(1, "f1", []byte("a")) //nolint:errcheck
	mustOpen(t, s, 1, "f2", true, true)
	s.Write(1, "f2", []byte("b")) //nolint:errcheck

	all := s.ReadN(0)
	if len(all) != 2 || all[0].Path != "f1" || all[1].Path != "f2" {
		t.Fatalf("ReadN(0) = %+v", all)
	}
	one := s.ReadN(1)
	if len(one) != 1 || one[0].Path != "f1" {
		t.Fatalf("ReadN(1) = %+v", one)
	}
}

func TestEviction_NeverPicksSpare(t *testing.T) {
	s := New(1, 100, FIFO, nil)
	mustOpen(t, s, 1, "f1", true, true)
	// Only one file exists and it is the spare itself; writing within
	// budget must not evict it (there's nothing else to evict, and it
	// must never evict itself).
	if _, err := s.Write(1, "f1", []byte("small")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if s.Stats().FileCount != 1 {
		t.Errorf("spare file was evicted")
	}
}
