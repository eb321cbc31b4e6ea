// Package fsadapter is the filesystem front-end: a go-fuse passthrough
// view of a backing directory tree that mediates every path-touching
// operation through a brokerclient.Client instead of holding locks
// in-process.
package fsadapter

import (
	"path/filepath"

	"gate/internal/store"
)

// FS holds the state shared by every node and file handle in one mount:
// the lock-protocol defaults, the broker connection, and the handle
// table.
type FS struct {
	cfg     Config
	handles *handleTable
}

// New builds the shared adapter state for one mount instance.
func New(cfg Config) *FS {
	return &FS{cfg: cfg, handles: newHandleTable()}
}

func (f *FS) realPath(key string) string {
	if key == "." {
		return f.cfg.Root
	}
	return filepath.Join(f.cfg.Root, key)
}

func (f *FS) acquire(key string, mode store.Mode) (store.LockInfo, error) {
	return f.cfg.Client.Acquire(key, mode, f.cfg.Owner, f.cfg.AcquireTimeoutMS, f.cfg.LeaseMS, f.cfg.MaxHoldMS)
}

// release drops a held lock. Failures are logged, not propagated — per
// the failure semantics table, a release that can't reach the broker
// just leaves the lock to expire on its own lease.
func (f *FS) release(info store.LockInfo) {
	if _, err := f.cfg.Client.Release(info.LockID, f.cfg.Owner); err != nil {
		f.cfg.Logger.Warn().Err(err).Str("lock_id", info.LockID).Str("path", info.Path).Msg("release failed, leaving lease to expire")
	}
}

func (f *FS) heartbeat(lockID string) error {
	_, err := f.cfg.Client.Heartbeat(lockID, f.cfg.Owner, f.cfg.LeaseMS)
	return err
}

// withLock acquires a single-path lock in mode for the duration of fn,
// releasing it on the way out regardless of fn's outcome, per the "for
// the call" hold span the operation table specifies for metadata
// mutations.
func (f *FS) withLock(key string, mode store.Mode, fn func() error) error {
	info, err := f.acquire(key, mode)
	if err != nil {
		return err
	}
	defer f.release(info)
	return fn()
}

// withMultiLock acquires write locks on every key (sorted, per §4.3) and
// releases them in reverse order once fn returns.
func (f *FS) withMultiLock(keys []string, fn func() error) error {
	infos, err := f.sortedAcquire(keys)
	if err != nil {
		return err
	}
	defer f.sortedRelease(infos)
	return fn()
}
