// Package store implements the lock store described in the system
// specification: a persistent, thread-safe FIFO-fair reader/writer lock
// manager with leases, per-lock maximum hold times, reentrant acquisition
// by the same owner, and automatic reclamation of stale leases.
package store

import (
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spacemonkeygo/monotime"

	_ "modernc.org/sqlite"
)

// pollInterval bounds each wait Acquire makes on the condition variable
// (the whole wait under an indefinite timeout, and each slice of a longer
// finite one), so that lease-expiry reclamation still makes forward
// progress even without an external notification.
const pollInterval = time.Second

// Store is the lock store. All four operations are safe under concurrent
// invocation; state changes are committed durably before returning, and a
// single internal condition variable synchronises the wait-and-grant loop
// that Acquire runs.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	cnd *sync.Cond
	log zerolog.Logger
}

// Open opens (creating if necessary) a lock store backed by a SQLite
// database at dbPath, running schema creation/evolution synchronously.
func Open(dbPath string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening lock store database")
	}

	// The store serialises all access through its own mutex, so a single
	// connection is both sufficient and necessary to avoid SQLITE_BUSY
	// from concurrent writers underneath that mutex.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enabling WAL mode")
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enabling foreign keys")
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, log: log}
	s.cnd = sync.NewCond(&s.mu)
	return s, nil
}

// Close releases the store's database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// waitTimeout waits on the store's condition variable for at most d,
// reacquiring the lock before returning either way. Callers must hold
// s.mu. Spurious wakeups are benign — Acquire always re-evaluates its
// grant predicate in a loop.
func (s *Store) waitTimeout(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		s.mu.Lock()
		s.cnd.Broadcast()
		s.mu.Unlock()
	})
	s.cnd.Wait()
	timer.Stop()
}

// Acquire implements the acquire operation from the specification's lock
// store contract, including the reentrancy fast path, FIFO-fair queueing,
// and the grant predicate described there.
func (s *Store) Acquire(req AcquireRequest) (LockInfo, error) {
	path, err := ValidateLockPath(req.Path)
	if err != nil {
		return LockInfo{}, err
	}
	if !req.Mode.Valid() {
		return LockInfo{}, ErrInvalidArgument
	}
	if req.Owner == "" {
		return LockInfo{}, ErrInvalidArgument
	}
	if req.LeaseMS <= 0 {
		return LockInfo{}, ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if info, found, err := s.reentrantAcquire(path, req); err != nil {
		return LockInfo{}, err
	} else if found {
		return info, nil
	}

	reqID, err := s.enqueue(path, req.Mode, req.Owner)
	if err != nil {
		return LockInfo{}, err
	}

	start := monotime.Monotonic()

	for {
		if err := s.reclaimLocked(); err != nil {
			return LockInfo{}, err
		}

		grantable, err := s.canGrant(path, req.Mode, req.Owner, reqID)
		if err != nil {
			return LockInfo{}, err
		}

		if grantable {
			info, err := s.grantLocked(path, req.Mode, req.Owner, reqID, req.LeaseMS, req.MaxHoldMS)
			if err != nil {
				return LockInfo{}, err
			}
			s.cnd.Broadcast()
			return info, nil
		}

		var wait time.Duration
		if req.TimeoutMS != nil {
			elapsedMS := int64(monotime.Monotonic()-start) / int64(time.Millisecond)
			remainingMS := *req.TimeoutMS - elapsedMS
			if remainingMS <= 0 {
				if err := s.dequeue(reqID); err != nil {
					return LockInfo{}, err
				}
				s.cnd.Broadcast()
				return LockInfo{}, ErrTimedOut
			}
			wait = time.Duration(remainingMS) * time.Millisecond
			if wait > pollInterval {
				wait = pollInterval
			}
		} else {
			wait = pollInterval
		}

		s.waitTimeout(wait)
	}
}

// reentrantAcquire handles the case where the owner already holds a lock
// record on path: extending the lease on a same-mode or write-mode
// re-acquire, or upgrading a solitary read lock to write.
func (s *Store) reentrantAcquire(path string, req AcquireRequest) (LockInfo, bool, error) {
	existing, found, err := s.lookupOwnerLock(path, req.Owner)
	if err != nil || !found {
		return LockInfo{}, false, err
	}

	if existing.Mode == ModeWrite || existing.Mode == req.Mode {
		info, err := s.extendAndBump(existing, existing.Mode, req.LeaseMS)
		return info, true, err
	}

	// existing.Mode == ModeRead && req.Mode == ModeWrite: upgrade only if
	// sole lock holder on the path.
	other, err := s.otherOwnerHoldsLock(path, req.Owner)
	if err != nil {
		return LockInfo{}, false, err
	}
	if !other {
		info, err := s.extendAndBump(existing, ModeWrite, req.LeaseMS)
		return info, true, err
	}

	// Falls through to queueing as a fresh writer.
	return LockInfo{}, false, nil
}

func (s *Store) extendAndBump(existing LockInfo, mode Mode, leaseMS int64) (LockInfo, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return LockInfo{}, errors.Wrap(err, "beginning reentrant acquire transaction")
	}
	defer tx.Rollback()

	newLease := time.Now().UTC().Add(time.Duration(leaseMS) * time.Millisecond)
	if _, err := tx.Exec(
		`UPDATE locks SET mode = ?, lease_expires_at = ?, hold_count = hold_count + 1 WHERE lock_id = ?`,
		string(mode), formatTime(newLease), existing.LockID,
	); err != nil {
		return LockInfo{}, errors.Wrap(err, "extending reentrant lock")
	}
	if err := tx.Commit(); err != nil {
		return LockInfo{}, errors.Wrap(err, "committing reentrant acquire")
	}

	existing.Mode = mode
	existing.LeaseExpiresAt = newLease
	existing.HoldCount++
	return existing, nil
}

func (s *Store) enqueue(path string, mode Mode, owner string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "beginning enqueue transaction")
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO queue(path, mode, owner, requested_at) VALUES (?, ?, ?, ?)`,
		path, string(mode), owner, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return 0, errors.Wrap(err, "inserting queue entry")
	}
	reqID, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "reading queue req_id")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "committing enqueue")
	}
	return reqID, nil
}

func (s *Store) dequeue(reqID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning dequeue transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM queue WHERE req_id = ?`, reqID); err != nil {
		return errors.Wrap(err, "deleting queue entry")
	}
	return errors.Wrap(tx.Commit(), "committing dequeue")
}

// grantLocked grants a queued request, deletes its queue entry, and
// returns the resulting record. Assumes canGrant(path, mode, owner, reqID)
// has just returned true under the same lock hold. If the owner already
// holds a lock record on path — the read-to-write upgrade that fell
// through to queueing because other readers were present, per spec.md
// §4.1 — that record is updated in place rather than duplicated, per
// invariant 2 ("at most one lock record exists per owner"); otherwise a
// fresh record is inserted.
func (s *Store) grantLocked(path string, mode Mode, owner string, reqID int64, leaseMS int64, maxHoldMS *int64) (LockInfo, error) {
	existing, found, err := s.lookupOwnerLock(path, owner)
	if err != nil {
		return LockInfo{}, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return LockInfo{}, errors.Wrap(err, "beginning grant transaction")
	}
	defer tx.Rollback()

	if found {
		newLease := time.Now().UTC().Add(time.Duration(leaseMS) * time.Millisecond)
		if _, err := tx.Exec(
			`UPDATE locks SET mode = ?, lease_expires_at = ?, hold_count = hold_count + 1 WHERE lock_id = ?`,
			string(mode), formatTime(newLease), existing.LockID,
		); err != nil {
			return LockInfo{}, errors.Wrap(err, "upgrading owner's existing lock record")
		}
		if _, err := tx.Exec(`DELETE FROM queue WHERE req_id = ?`, reqID); err != nil {
			return LockInfo{}, errors.Wrap(err, "deleting granted queue entry")
		}
		if err := tx.Commit(); err != nil {
			return LockInfo{}, errors.Wrap(err, "committing grant")
		}

		existing.Mode = mode
		existing.LeaseExpiresAt = newLease
		existing.HoldCount++
		return existing, nil
	}

	now := time.Now().UTC()
	lease := now.Add(time.Duration(leaseMS) * time.Millisecond)
	lockID := uuid.NewString()

	if _, err := tx.Exec(
		`INSERT INTO locks(lock_id, path, mode, owner, acquired_at, lease_expires_at, max_hold_ms, hold_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		lockID, path, string(mode), owner, formatTime(now), formatTime(lease), nullableInt64(maxHoldMS),
	); err != nil {
		return LockInfo{}, errors.Wrap(err, "inserting lock record")
	}
	if _, err := tx.Exec(`DELETE FROM queue WHERE req_id = ?`, reqID); err != nil {
		return LockInfo{}, errors.Wrap(err, "deleting granted queue entry")
	}
	if err := tx.Commit(); err != nil {
		return LockInfo{}, errors.Wrap(err, "committing grant")
	}

	return LockInfo{
		LockID:         lockID,
		Path:           path,
		Mode:           mode,
		Owner:          owner,
		AcquiredAt:     now,
		LeaseExpiresAt: lease,
		MaxHoldMS:      maxHoldMS,
		HoldCount:      1,
	}, nil
}

// canGrant implements the grant predicate: a writer is grantable iff it is
// the earliest queued request for path and no other owner holds a lock
// record for path (the requester's own still-held record, if any — the
// read-to-write upgrade case — does not block its own write grant); a
// reader is grantable iff no write lock exists and no earlier-queued
// writer exists.
func (s *Store) canGrant(path string, mode Mode, owner string, reqID int64) (bool, error) {
	if mode == ModeWrite {
		earliest, ok, err := s.earliestQueued(path)
		if err != nil {
			return false, err
		}
		if !ok || earliest != reqID {
			return false, nil
		}
		has, err := s.otherOwnerHoldsLock(path, owner)
		if err != nil {
			return false, err
		}
		return !has, nil
	}

	hasWrite, err := s.hasWriteLock(path)
	if err != nil {
		return false, err
	}
	if hasWrite {
		return false, nil
	}
	ahead, err := s.writerAhead(path, reqID)
	if err != nil {
		return false, err
	}
	return !ahead, nil
}

// reclaimLocked deletes every lock record whose lease has expired or whose
// max_hold_ms has been exceeded. It never notifies the reclaimed owner;
// subsequent Release/Heartbeat calls from that owner return false, which
// the broker reports as not_found.
func (s *Store) reclaimLocked() error {
	rows, err := s.db.Query(`SELECT lock_id, acquired_at, lease_expires_at, max_hold_ms FROM locks`)
	if err != nil {
		return errors.Wrap(err, "reading locks for reclamation")
	}

	var toReclaim []string
	now := time.Now().UTC()

	for rows.Next() {
		var (
			lockID, acquiredAtStr, leaseExpiresAtStr string
			maxHoldMS                                sql.NullInt64
		)
		if err := rows.Scan(&lockID, &acquiredAtStr, &leaseExpiresAtStr, &maxHoldMS); err != nil {
			rows.Close()
			return errors.Wrap(err, "scanning lock row for reclamation")
		}

		leaseExpiresAt, err := parseTime(leaseExpiresAtStr)
		expired := err == nil && now.After(leaseExpiresAt)

		overHold := false
		if maxHoldMS.Valid {
			acquiredAt, err := parseTime(acquiredAtStr)
			if err == nil {
				heldMS := now.Sub(acquiredAt).Milliseconds()
				overHold = heldMS >= maxHoldMS.Int64
			}
		}

		if expired || overHold {
			toReclaim = append(toReclaim, lockID)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return errors.Wrap(err, "iterating locks for reclamation")
	}
	rows.Close()

	if len(toReclaim) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning reclamation transaction")
	}
	defer tx.Rollback()

	for _, lockID := range toReclaim {
		if _, err := tx.Exec(`DELETE FROM locks WHERE lock_id = ?`, lockID); err != nil {
			return errors.Wrap(err, "deleting reclaimed lock")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing reclamation sweep")
	}

	for _, lockID := range toReclaim {
		s.log.Debug().Str("lock_id", lockID).Msg("reclaimed expired or over-hold lock")
	}

	return nil
}

// Release implements the release operation.
func (s *Store) Release(lockID, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT owner, hold_count FROM locks WHERE lock_id = ?`, lockID)
	var (
		recordOwner string
		holdCount   int
	)
	if err := row.Scan(&recordOwner, &holdCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrap(err, "looking up lock for release")
	}
	if recordOwner != owner {
		return false, ErrPermissionDenied
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, errors.Wrap(err, "beginning release transaction")
	}
	defer tx.Rollback()

	if holdCount > 1 {
		if _, err := tx.Exec(`UPDATE locks SET hold_count = hold_count - 1 WHERE lock_id = ?`, lockID); err != nil {
			return false, errors.Wrap(err, "decrementing hold count")
		}
	} else {
		if _, err := tx.Exec(`DELETE FROM locks WHERE lock_id = ?`, lockID); err != nil {
			return false, errors.Wrap(err, "deleting lock record")
		}
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "committing release")
	}

	s.cnd.Broadcast()
	return true, nil
}

// Heartbeat implements the heartbeat operation.
func (s *Store) Heartbeat(lockID, owner string, leaseMS int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT owner, acquired_at, max_hold_ms FROM locks WHERE lock_id = ?`, lockID)
	var (
		recordOwner   string
		acquiredAtStr string
		maxHoldMS     sql.NullInt64
	)
	if err := row.Scan(&recordOwner, &acquiredAtStr, &maxHoldMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrap(err, "looking up lock for heartbeat")
	}
	if recordOwner != owner {
		return false, ErrPermissionDenied
	}

	if maxHoldMS.Valid {
		acquiredAt, err := parseTime(acquiredAtStr)
		if err == nil {
			heldMS := time.Now().UTC().Sub(acquiredAt).Milliseconds()
			if heldMS >= maxHoldMS.Int64 {
				tx, err := s.db.Begin()
				if err != nil {
					return false, errors.Wrap(err, "beginning hold-cap eviction transaction")
				}
				defer tx.Rollback()
				if _, err := tx.Exec(`DELETE FROM locks WHERE lock_id = ?`, lockID); err != nil {
					return false, errors.Wrap(err, "deleting over-hold lock")
				}
				if err := tx.Commit(); err != nil {
					return false, errors.Wrap(err, "committing hold-cap eviction")
				}
				s.cnd.Broadcast()
				return false, ErrHoldCapExceeded
			}
		}
	}

	newLease := time.Now().UTC().Add(time.Duration(leaseMS) * time.Millisecond)
	if _, err := s.db.Exec(`UPDATE locks SET lease_expires_at = ? WHERE lock_id = ?`, formatTime(newLease), lockID); err != nil {
		return false, errors.Wrap(err, "extending lease")
	}
	return true, nil
}

// Status implements the read-only status operation.
func (s *Store) Status(path string) (StatusSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		lockRows *sql.Rows
		queRows  *sql.Rows
		err      error
	)

	if path != "" {
		lockRows, err = s.db.Query(
			`SELECT lock_id, path, mode, owner, acquired_at, lease_expires_at, max_hold_ms, hold_count
			 FROM locks WHERE path = ?`, path)
	} else {
		lockRows, err = s.db.Query(
			`SELECT lock_id, path, mode, owner, acquired_at, lease_expires_at, max_hold_ms, hold_count FROM locks`)
	}
	if err != nil {
		return StatusSnapshot{}, errors.Wrap(err, "querying locks for status")
	}
	defer lockRows.Close()

	var locks []LockInfo
	for lockRows.Next() {
		li, err := scanLockInfo(lockRows)
		if err != nil {
			return StatusSnapshot{}, err
		}
		locks = append(locks, li)
	}
	if err := lockRows.Err(); err != nil {
		return StatusSnapshot{}, errors.Wrap(err, "iterating locks for status")
	}

	if path != "" {
		queRows, err = s.db.Query(
			`SELECT req_id, path, mode, owner, requested_at FROM queue WHERE path = ? ORDER BY req_id`, path)
	} else {
		queRows, err = s.db.Query(
			`SELECT req_id, path, mode, owner, requested_at FROM queue ORDER BY req_id`)
	}
	if err != nil {
		return StatusSnapshot{}, errors.Wrap(err, "querying queue for status")
	}
	defer queRows.Close()

	var queue []QueueEntry
	for queRows.Next() {
		var (
			qe           QueueEntry
			mode         string
			requestedAtS string
		)
		if err := queRows.Scan(&qe.ReqID, &qe.Path, &mode, &qe.Owner, &requestedAtS); err != nil {
			return StatusSnapshot{}, errors.Wrap(err, "scanning queue row")
		}
		qe.Mode = Mode(mode)
		qe.RequestedAt, err = parseTime(requestedAtS)
		if err != nil {
			return StatusSnapshot{}, errors.Wrap(err, "parsing requested_at")
		}
		queue = append(queue, qe)
	}
	if err := queRows.Err(); err != nil {
		return StatusSnapshot{}, errors.Wrap(err, "iterating queue for status")
	}

	return StatusSnapshot{Locks: locks, Queue: queue}, nil
}

func scanLockInfo(rows *sql.Rows) (LockInfo, error) {
	var (
		li                           LockInfo
		mode                         string
		acquiredAtS, leaseExpiresAtS string
		maxHoldMS                    sql.NullInt64
	)
	if err := rows.Scan(&li.LockID, &li.Path, &mode, &li.Owner, &acquiredAtS, &leaseExpiresAtS, &maxHoldMS, &li.HoldCount); err != nil {
		return LockInfo{}, errors.Wrap(err, "scanning lock row")
	}
	li.Mode = Mode(mode)
	var err error
	li.AcquiredAt, err = parseTime(acquiredAtS)
	if err != nil {
		return LockInfo{}, errors.Wrap(err, "parsing acquired_at")
	}
	li.LeaseExpiresAt, err = parseTime(leaseExpiresAtS)
	if err != nil {
		return LockInfo{}, errors.Wrap(err, "parsing lease_expires_at")
	}
	if maxHoldMS.Valid {
		v := maxHoldMS.Int64
		li.MaxHoldMS = &v
	}
	return li, nil
}

func (s *Store) lookupOwnerLock(path, owner string) (LockInfo, bool, error) {
	row := s.db.QueryRow(
		`SELECT lock_id, path, mode, owner, acquired_at, lease_expires_at, max_hold_ms, hold_count
		 FROM locks WHERE path = ? AND owner = ? LIMIT 1`, path, owner)

	var (
		li                           LockInfo
		mode                         string
		acquiredAtS, leaseExpiresAtS string
		maxHoldMS                    sql.NullInt64
	)
	if err := row.Scan(&li.LockID, &li.Path, &mode, &li.Owner, &acquiredAtS, &leaseExpiresAtS, &maxHoldMS, &li.HoldCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LockInfo{}, false, nil
		}
		return LockInfo{}, false, errors.Wrap(err, "looking up owner lock")
	}
	li.Mode = Mode(mode)
	var err error
	li.AcquiredAt, err = parseTime(acquiredAtS)
	if err != nil {
		return LockInfo{}, false, errors.Wrap(err, "parsing acquired_at")
	}
	li.LeaseExpiresAt, err = parseTime(leaseExpiresAtS)
	if err != nil {
		return LockInfo{}, false, errors.Wrap(err, "parsing lease_expires_at")
	}
	if maxHoldMS.Valid {
		v := maxHoldMS.Int64
		li.MaxHoldMS = &v
	}
	return li, true, nil
}

func (s *Store) otherOwnerHoldsLock(path, owner string) (bool, error) {
	row := s.db.QueryRow(`SELECT 1 FROM locks WHERE path = ? AND owner != ? LIMIT 1`, path, owner)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrap(err, "checking for other owners")
	}
	return true, nil
}

func (s *Store) hasWriteLock(path string) (bool, error) {
	row := s.db.QueryRow(`SELECT 1 FROM locks WHERE path = ? AND mode = 'write' LIMIT 1`, path)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrap(err, "checking for write lock")
	}
	return true, nil
}

func (s *Store) writerAhead(path string, reqID int64) (bool, error) {
	row := s.db.QueryRow(`SELECT 1 FROM queue WHERE path = ? AND mode = 'write' AND req_id < ? LIMIT 1`, path, reqID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrap(err, "checking for an earlier-queued writer")
	}
	return true, nil
}

func (s *Store) earliestQueued(path string) (int64, bool, error) {
	row := s.db.QueryRow(`SELECT MIN(req_id) FROM queue WHERE path = ?`, path)
	var reqID sql.NullInt64
	if err := row.Scan(&reqID); err != nil {
		return 0, false, errors.Wrap(err, "finding earliest queued request")
	}
	if !reqID.Valid {
		return 0, false, nil
	}
	return reqID.Int64, true, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
