package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "locks.db")
	s, err := Open(dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ms(v int64) *int64 { return &v }

func TestAcquireInvalidPath(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Acquire(AcquireRequest{Path: "a/", Mode: ModeWrite, Owner: "o1", LeaseMS: 1000})
	require.ErrorIs(t, err, ErrPathInvalid)
}

func TestAcquireInvalidMode(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Acquire(AcquireRequest{Path: "a", Mode: "bogus", Owner: "o1", LeaseMS: 1000})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestReentrantWriteAcquireBumpsHoldCount(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Acquire(AcquireRequest{Path: "f", Mode: ModeWrite, Owner: "o1", LeaseMS: 5000})
	require.NoError(t, err)
	require.Equal(t, 1, first.HoldCount)

	second, err := s.Acquire(AcquireRequest{Path: "f", Mode: ModeWrite, Owner: "o1", LeaseMS: 5000})
	require.NoError(t, err)
	require.Equal(t, first.LockID, second.LockID)
	require.Equal(t, 2, second.HoldCount)

	// A waiter queues behind the two-deep hold.
	done := make(chan LockInfo, 1)
	go func() {
		info, err := s.Acquire(AcquireRequest{Path: "f", Mode: ModeWrite, Owner: "o2", LeaseMS: 5000})
		require.NoError(t, err)
		done <- info
	}()
	time.Sleep(50 * time.Millisecond)

	released, err := s.Release(second.LockID, "o1")
	require.NoError(t, err)
	require.True(t, released)

	select {
	case <-done:
		t.Fatal("waiter was granted before the second release")
	case <-time.After(50 * time.Millisecond):
	}

	released, err = s.Release(first.LockID, "o1")
	require.NoError(t, err)
	require.True(t, released)

	select {
	case info := <-done:
		require.Equal(t, "o2", info.Owner)
	case <-time.After(time.Second):
		t.Fatal("waiter was never granted")
	}
}

func TestReaderParallelism(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	results := make([]LockInfo, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := string(rune('a' + i))
			info, err := s.Acquire(AcquireRequest{Path: "shared", Mode: ModeRead, Owner: owner, LeaseMS: 5000})
			require.NoError(t, err)
			results[i] = info
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("readers did not all acquire concurrently")
	}

	snap, err := s.Status("shared")
	require.NoError(t, err)
	require.Len(t, snap.Locks, 5)
}

func TestWriterPriorityOverLaterReader(t *testing.T) {
	s := newTestStore(t)

	r1, err := s.Acquire(AcquireRequest{Path: "f", Mode: ModeRead, Owner: "r1", LeaseMS: 5000})
	require.NoError(t, err)

	writerGranted := make(chan LockInfo, 1)
	go func() {
		info, err := s.Acquire(AcquireRequest{Path: "f", Mode: ModeWrite, Owner: "w", LeaseMS: 5000})
		require.NoError(t, err)
		writerGranted <- info
	}()
	time.Sleep(50 * time.Millisecond)

	r2Granted := make(chan LockInfo, 1)
	go func() {
		info, err := s.Acquire(AcquireRequest{Path: "f", Mode: ModeRead, Owner: "r2", LeaseMS: 5000})
		require.NoError(t, err)
		r2Granted <- info
	}()
	time.Sleep(50 * time.Millisecond)

	select {
	case <-r2Granted:
		t.Fatal("r2 was granted ahead of the already-queued writer")
	default:
	}

	_, err = s.Release(r1.LockID, "r1")
	require.NoError(t, err)

	var w LockInfo
	select {
	case w = <-writerGranted:
		require.Equal(t, "w", w.Owner)
	case <-time.After(time.Second):
		t.Fatal("writer was never granted after r1 released")
	}

	select {
	case <-r2Granted:
		t.Fatal("r2 was granted while the writer still holds the lock")
	default:
	}

	_, err = s.Release(w.LockID, "w")
	require.NoError(t, err)

	select {
	case info := <-r2Granted:
		require.Equal(t, "r2", info.Owner)
	case <-time.After(time.Second):
		t.Fatal("r2 was never granted after the writer released")
	}
}

func TestLeaseExpiryReclaim(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Acquire(AcquireRequest{Path: "f", Mode: ModeWrite, Owner: "a", LeaseMS: 200})
	require.NoError(t, err)

	timeout := ms(3000)
	start := time.Now()
	b, err := s.Acquire(AcquireRequest{Path: "f", Mode: ModeWrite, Owner: "b", LeaseMS: 5000, TimeoutMS: timeout})
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, "b", b.Owner)
	require.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	require.Less(t, elapsed, 3*time.Second)
}

func TestAcquireTimesOut(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Acquire(AcquireRequest{Path: "f", Mode: ModeWrite, Owner: "a", LeaseMS: 5000})
	require.NoError(t, err)

	timeout := ms(100)
	_, err = s.Acquire(AcquireRequest{Path: "f", Mode: ModeWrite, Owner: "b", LeaseMS: 5000, TimeoutMS: timeout})
	require.ErrorIs(t, err, ErrTimedOut)

	snap, err := s.Status("f")
	require.NoError(t, err)
	require.Empty(t, snap.Queue)
}

func TestReleaseOwnerMismatch(t *testing.T) {
	s := newTestStore(t)

	info, err := s.Acquire(AcquireRequest{Path: "f", Mode: ModeWrite, Owner: "a", LeaseMS: 5000})
	require.NoError(t, err)

	_, err = s.Release(info.LockID, "someone-else")
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestReleaseUnknownLockIsNotFound(t *testing.T) {
	s := newTestStore(t)

	found, err := s.Release("does-not-exist", "a")
	require.NoError(t, err)
	require.False(t, found)
}

func TestHeartbeatExtendsLease(t *testing.T) {
	s := newTestStore(t)

	info, err := s.Acquire(AcquireRequest{Path: "f", Mode: ModeWrite, Owner: "a", LeaseMS: 200})
	require.NoError(t, err)

	ok, err := s.Heartbeat(info.LockID, "a", 5000)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(300 * time.Millisecond)

	snap, err := s.Status("f")
	require.NoError(t, err)
	require.Len(t, snap.Locks, 1)
}

func TestHeartbeatPastMaxHoldEvicts(t *testing.T) {
	s := newTestStore(t)

	info, err := s.Acquire(AcquireRequest{Path: "f", Mode: ModeWrite, Owner: "a", LeaseMS: 60000, MaxHoldMS: ms(100)})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)

	ok, err := s.Heartbeat(info.LockID, "a", 5000)
	require.False(t, ok)
	require.ErrorIs(t, err, ErrHoldCapExceeded)

	snap, err := s.Status("f")
	require.NoError(t, err)
	require.Empty(t, snap.Locks)
}

func TestReadToWriteUpgradeWhenSoleOwner(t *testing.T) {
	s := newTestStore(t)

	info, err := s.Acquire(AcquireRequest{Path: "f", Mode: ModeRead, Owner: "a", LeaseMS: 5000})
	require.NoError(t, err)
	require.Equal(t, ModeRead, info.Mode)

	upgraded, err := s.Acquire(AcquireRequest{Path: "f", Mode: ModeWrite, Owner: "a", LeaseMS: 5000})
	require.NoError(t, err)
	require.Equal(t, info.LockID, upgraded.LockID)
	require.Equal(t, ModeWrite, upgraded.Mode)
}

func TestReadToWriteUpgradeQueuesWhenOtherReadersPresent(t *testing.T) {
	s := newTestStore(t)

	a, err := s.Acquire(AcquireRequest{Path: "f", Mode: ModeRead, Owner: "a", LeaseMS: 5000})
	require.NoError(t, err)
	b, err := s.Acquire(AcquireRequest{Path: "f", Mode: ModeRead, Owner: "b", LeaseMS: 5000})
	require.NoError(t, err)

	upgraded := make(chan LockInfo, 1)
	go func() {
		info, err := s.Acquire(AcquireRequest{Path: "f", Mode: ModeWrite, Owner: "a", LeaseMS: 5000})
		require.NoError(t, err)
		upgraded <- info
	}()
	time.Sleep(50 * time.Millisecond)

	select {
	case <-upgraded:
		t.Fatal("write upgrade was granted while another reader still holds the path")
	default:
	}

	_, err = s.Release(b.LockID, "b")
	require.NoError(t, err)

	select {
	case info := <-upgraded:
		// a's own still-held read record must not block its own upgrade,
		// and the upgrade reuses that record rather than creating a
		// second one for the same (path, owner), per invariant 2.
		require.Equal(t, a.LockID, info.LockID)
		require.Equal(t, ModeWrite, info.Mode)
		require.Equal(t, 2, info.HoldCount)

		snap, err := s.Status("f")
		require.NoError(t, err)
		require.Len(t, snap.Locks, 1)
		require.Equal(t, a.LockID, snap.Locks[0].LockID)
		require.Equal(t, ModeWrite, snap.Locks[0].Mode)
	case <-time.After(time.Second):
		t.Fatal("write upgrade was never granted once the other reader released")
	}
}

func TestStatusSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "locks.db")

	s1, err := Open(dbPath, zerolog.Nop())
	require.NoError(t, err)

	info, err := s1.Acquire(AcquireRequest{Path: "f", Mode: ModeWrite, Owner: "a", LeaseMS: 60000})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })

	snap, err := s2.Status("f")
	require.NoError(t, err)
	require.Len(t, snap.Locks, 1)
	require.Equal(t, info.LockID, snap.Locks[0].LockID)
	require.Equal(t, "a", snap.Locks[0].Owner)
}
