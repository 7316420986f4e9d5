package manager

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestLockManager(t *testing.T, ttl time.Duration) *LockManager {
	t.Helper()
	lm, err := NewLockManager(filepath.Join(t.TempDir(), "locks.db"), ttl)
	if err != nil {
		t.Fatalf("NewLockManager failed: %v", err)
	}
	t.Cleanup(func() { lm.Close() })
	return lm
}

func TestLockManager_AcquireAndConflict(t *testing.T) {
	lm := newTestLockManager(t, time.Hour)
	key := TallyLockKey("election-1")

	acquired, _, err := lm.TryAcquire(key, "job-1", OpTally)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !acquired {
		t.Fatal("first acquisition must succeed")
	}

	acquired, holder, err := lm.TryAcquire(key, "job-2", OpTally)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if acquired {
		t.Fatal("second acquisition must lose the race")
	}
	if holder == nil || holder.Holder != "job-1" {
		t.Errorf("loser must see the current holder, got %+v", holder)
	}
	if holder.OperationType != OpTally {
		t.Errorf("OperationType = %q, want %q", holder.OperationType, OpTally)
	}
}

func TestLockManager_DistinctKeysIndependent(t *testing.T) {
	lm := newTestLockManager(t, time.Hour)

	keys := []string{
		TallyLockKey("election-1"),
		DecryptionLockKey("election-1", "g-a"),
		DecryptionLockKey("election-1", "g-b"),
		CombineLockKey("election-1"),
		TallyLockKey("election-2"),
	}
	for _, key := range keys {
		acquired, _, err := lm.TryAcquire(key, "job-1", OpTally)
		if err != nil {
			t.Fatalf("TryAcquire(%q) failed: %v", key, err)
		}
		if !acquired {
			t.Errorf("distinct key %q should not conflict", key)
		}
	}
}

func TestLockManager_ReleaseAndReacquire(t *testing.T) {
	lm := newTestLockManager(t, time.Hour)
	key := CombineLockKey("election-1")

	lm.TryAcquire(key, "job-1", OpCombine)

	if err := lm.Release(key, "job-2"); err != ErrLockNotHeld {
		t.Errorf("release by non-holder = %v, want ErrLockNotHeld", err)
	}
	if err := lm.Release(key, "job-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := lm.Release(key, "job-1"); err != ErrLockNotHeld {
		t.Errorf("double release = %v, want ErrLockNotHeld", err)
	}

	acquired, _, err := lm.TryAcquire(key, "job-2", OpCombine)
	if err != nil {
		t.Fatal(err)
	}
	if !acquired {
		t.Error("released lock must be acquirable")
	}
}

func TestLockManager_ExpiredLeaseReclaimed(t *testing.T) {
	lm := newTestLockManager(t, 20*time.Millisecond)
	key := TallyLockKey("election-1")

	lm.TryAcquire(key, "job-1", OpTally)
	time.Sleep(40 * time.Millisecond)

	meta, err := lm.GetMetadata(key)
	if err != nil {
		t.Fatal(err)
	}
	if meta != nil {
		t.Error("expired lease must read as unheld")
	}

	acquired, _, err := lm.TryAcquire(key, "job-2", OpTally)
	if err != nil {
		t.Fatal(err)
	}
	if !acquired {
		t.Error("expired lease must be reclaimable")
	}
}

func TestLockManager_GetMetadata(t *testing.T) {
	lm := newTestLockManager(t, time.Hour)
	key := DecryptionLockKey("election-1", "g-a")

	meta, err := lm.GetMetadata(key)
	if err != nil {
		t.Fatal(err)
	}
	if meta != nil {
		t.Error("unheld lock must return nil metadata")
	}

	lm.TryAcquire(key, "job-1", OpPartialDecrypt)
	meta, err = lm.GetMetadata(key)
	if err != nil {
		t.Fatal(err)
	}
	if meta == nil || meta.Holder != "job-1" {
		t.Errorf("metadata = %+v, want holder job-1", meta)
	}
}

func TestLockManager_ReleaseAllHeldBy(t *testing.T) {
	lm := newTestLockManager(t, time.Hour)

	lm.TryAcquire(TallyLockKey("election-1"), "proc-1", OpTally)
	lm.TryAcquire(CombineLockKey("election-1"), "proc-1", OpCombine)
	lm.TryAcquire(TallyLockKey("election-2"), "proc-2", OpTally)

	released, err := lm.ReleaseAllHeldBy("proc-1")
	if err != nil {
		t.Fatal(err)
	}
	if released != 2 {
		t.Errorf("released %d locks, want 2", released)
	}

	meta, _ := lm.GetMetadata(TallyLockKey("election-2"))
	if meta == nil || meta.Holder != "proc-2" {
		t.Error("other holder's lock must survive")
	}
}

func TestLockManager_ConcurrentAcquisitionSingleWinner(t *testing.T) {
	lm := newTestLockManager(t, time.Hour)
	key := TallyLockKey("election-1")

	const n = 16
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			acquired, _, err := lm.TryAcquire(key, "job", OpTally)
			if err != nil {
				t.Error(err)
			}
			wins <- acquired
		}(i)
	}

	winners := 0
	for i := 0; i < n; i++ {
		if <-wins {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("%d winners, want exactly 1", winners)
	}
}
