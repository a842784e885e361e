package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrLockConflict = errors.New("kernel: lock conflict")
)

type entityKind byte

const (
	nodeEntity entityKind = iota + 1
	relationshipEntity
	schemaEntity
)

type lockKey struct {
	kind entityKind
	id   int64
}

func (lk lockKey) String() string {
	switch lk.kind {
	case nodeEntity:
		return fmt.Sprintf("node %d", lk.id)
	case relationshipEntity:
		return fmt.Sprintf("relationship %d", lk.id)
	case schemaEntity:
		return fmt.Sprintf("schema %d", lk.id)
	}
	return fmt.Sprintf("entity %d:%d", lk.kind, lk.id)
}

type lockManager struct {
	mutex sync.Mutex
	locks map[lockKey]*lock
}

// locker is the set of locks held by one transaction.
type locker struct {
	locks map[lockKey]*lock

	// A locker can wait on only one lock at a time; nextWaiter is used to link the queue of
	// waiters together.
	nextWaiter *locker
	waitCh     chan struct{}
	waitWrite  bool
}

type lock struct {
	mutex sync.Mutex

	// count = 0: lock is available.
	// count = -1: write lock held
	// count > 0: number of read lockers
	count int

	firstWaiter *locker
	lastWaiter  *locker
}

func (lm *lockManager) lookupLock(key lockKey) *lock {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.locks == nil {
		lm.locks = map[lockKey]*lock{}
	}

	lk, ok := lm.locks[key]
	if ok {
		return lk
	}
	lk = &lock{}
	lm.locks[key] = lk
	return lk
}

// lock acquires key for lkr, waiting until it is available or ctx is done. A read lock is
// only converted into a write lock if lkr is the only reader.
func (lm *lockManager) lock(ctx context.Context, lkr *locker, key lockKey, write bool) error {
	if lkr.locks == nil {
		lkr.locks = map[lockKey]*lock{}
	}

	if lk, ok := lkr.locks[key]; ok {
		if !write {
			return nil
		}

		lk.mutex.Lock()
		defer lk.mutex.Unlock()

		if lk.count < 0 {
			return nil
		}
		if lk.count == 1 && lk.firstWaiter == nil {
			lk.count = -1
			return nil
		}
		return fmt.Errorf("%w: %s is read locked by another transaction", ErrLockConflict, key)
	}

	lk := lm.lookupLock(key)

	lk.mutex.Lock()
	if lk.firstWaiter == nil {
		if write {
			if lk.count == 0 {
				lk.count = -1
				lkr.locks[key] = lk
				lk.mutex.Unlock()
				return nil
			}
		} else if lk.count >= 0 {
			lk.count += 1
			lkr.locks[key] = lk
			lk.mutex.Unlock()
			return nil
		}
	}

	lkr.nextWaiter = nil
	if lk.lastWaiter != nil {
		lk.lastWaiter.nextWaiter = lkr
	} else {
		lk.firstWaiter = lkr
	}
	lk.lastWaiter = lkr

	if lkr.waitCh == nil {
		lkr.waitCh = make(chan struct{}, 1)
	}
	lkr.waitWrite = write

	lk.mutex.Unlock()
	select {
	case <-lkr.waitCh:
	case <-ctx.Done():
		lk.mutex.Lock()
		if lk.dequeue(lkr) {
			lk.mutex.Unlock()
			return fmt.Errorf("kernel: waiting for %s: %w", key, ctx.Err())
		}
		lk.mutex.Unlock()

		// The lock was handed to lkr before it could give up waiting.
		<-lkr.waitCh
	}
	lk.mutex.Lock()

	if write && lk.count != 0 {
		panic("kernel: wait write lock: count != 0")
	}
	if !write && lk.count < 0 {
		panic("kernel: wait read lock: count < 0")
	}

	lk.firstWaiter = lkr.nextWaiter
	if lk.firstWaiter == nil {
		lk.lastWaiter = nil
	} else if !write && !lk.firstWaiter.waitWrite {
		lk.firstWaiter.waitCh <- struct{}{}
	}

	if write {
		lk.count = -1
	} else {
		lk.count += 1
	}
	lkr.locks[key] = lk
	lk.mutex.Unlock()
	return nil
}

// dequeue removes lkr from the waiters if it has not yet been notified. The mutex of lk
// must be held.
func (lk *lock) dequeue(lkr *locker) bool {
	if lk.firstWaiter == lkr {
		// The first waiter may already have been notified.
		if len(lkr.waitCh) > 0 {
			return false
		}
		lk.firstWaiter = lkr.nextWaiter
		if lk.firstWaiter == nil {
			lk.lastWaiter = nil
		} else if lk.count == 0 || (lk.count > 0 && !lk.firstWaiter.waitWrite) {
			lk.firstWaiter.waitCh <- struct{}{}
		}
		return true
	}

	for w := lk.firstWaiter; w != nil; w = w.nextWaiter {
		if w.nextWaiter == lkr {
			w.nextWaiter = lkr.nextWaiter
			if lk.lastWaiter == lkr {
				lk.lastWaiter = w
			}
			return true
		}
	}
	return false
}

func (lm *lockManager) rlock(ctx context.Context, lkr *locker, key lockKey) error {
	return lm.lock(ctx, lkr, key, false)
}

func (lm *lockManager) wlock(ctx context.Context, lkr *locker, key lockKey) error {
	return lm.lock(ctx, lkr, key, true)
}

func (lk *lock) unlock() {
	lk.mutex.Lock()
	defer lk.mutex.Unlock()

	if lk.count > 0 {
		lk.count -= 1
	} else if lk.count == -1 {
		lk.count = 0
	} else {
		panic("kernel: unlock: count not >= 0 and not == -1")
	}

	if lk.firstWaiter != nil && lk.count == 0 {
		lk.firstWaiter.waitCh <- struct{}{}
	}
}

// unlock releases every lock held by lkr.
func (lkr *locker) unlock() {
	for _, lk := range lkr.locks {
		lk.unlock()
	}
	lkr.locks = nil
}
