package recgo

import (
	"context"
	"errors"
)

var errMaintenanceActive = errors.New("maintenance in progress")

// waitBarrier blocks until no maintenance is active, bounded by the
// maintenance retry budget.
func (db *DB) waitBarrier(ctx context.Context) error {
	if !db.barrier.Load() {
		return nil
	}
	return db.opts.maintRetry.Do(ctx, ErrMaintenanceTimeout, func() error {
		if db.barrier.Load() {
			return errMaintenanceActive
		}
		return nil
	})
}

// connectRead performs the read-side connect sequence: wait out any active
// maintenance barrier, take the shared cross-process lock, then the
// in-process read lock on the index set. The returned release function runs
// the reverse order and must be called on every exit path.
func (db *DB) connectRead(ctx context.Context) (func(), error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	if err := db.waitBarrier(ctx); err != nil {
		return nil, err
	}
	unlock, err := db.store.Lock().AcquireShared(ctx)
	if err != nil {
		return nil, err
	}
	db.mu.RLock()
	return func() {
		db.mu.RUnlock()
		unlock()
	}, nil
}

// connectWrite performs the write-side connect sequence: in-process writer
// serialization, barrier wait, exclusive cross-process lock. The index write
// lock is taken separately, only while mirroring a committed append. On any
// step's failure the operation fails without side effects.
func (db *DB) connectWrite(ctx context.Context) (func(), error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	db.writeMu.Lock()
	if err := db.waitBarrier(ctx); err != nil {
		db.writeMu.Unlock()
		return nil, err
	}
	unlock, err := db.store.Lock().AcquireExclusive(ctx)
	if err != nil {
		db.writeMu.Unlock()
		return nil, err
	}
	return func() {
		unlock()
		db.writeMu.Unlock()
	}, nil
}

// connectMaintenance raises the maintenance barrier on top of the write-side
// sequence. New operations fail with ErrMaintenanceTimeout once their wait
// budget is spent; in-flight readers drain before the index write lock is
// granted to the caller.
func (db *DB) connectMaintenance(ctx context.Context) (func(), error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	db.writeMu.Lock()
	unlock, err := db.store.Lock().AcquireExclusive(ctx)
	if err != nil {
		db.writeMu.Unlock()
		return nil, err
	}
	db.barrier.Store(true)
	return func() {
		db.barrier.Store(false)
		unlock()
		db.writeMu.Unlock()
	}, nil
}
