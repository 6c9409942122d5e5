package lockstate

import (
	"fmt"

	"granite/pkg/concurrency/lock"
	"granite/pkg/primitives"
)

// HeldLock is one saved (resource, mode) pair in a lock snapshot.
type HeldLock struct {
	ResourceID primitives.ResourceID
	Mode       lock.Mode
}

// LockSnapshot captures a locker's full stack of hierarchical locks so that
// it can be released and later restored, e.g. while yielding.
type LockSnapshot struct {
	GlobalMode lock.Mode

	// Locks holds the database and collection locks in hierarchy order
	// (databases before their collections).
	Locks []HeldLock
}

// SaveLockStateAndUnlock captures the current lock stack into stateOut and
// releases every request. It refuses — returning false with nothing
// released — when there is nothing to save or when the global lock is held
// recursively, because a nested scope is not prepared for its locks to go
// away. Must not be called inside a write unit of work, and a held resource
// mutex is a contract violation.
func (l *Locker) SaveLockStateAndUnlock(stateOut *LockSnapshot) bool {
	if l.InAWriteUnitOfWork() {
		panic("lockstate: cannot save lock state inside a write unit of work")
	}

	stateOut.GlobalMode = lock.ModeNone
	stateOut.Locks = stateOut.Locks[:0]

	globalReq, ok := l.requests.Get(primitives.ResourceIDGlobal)
	if !ok {
		return false
	}
	if globalReq.RecursiveCount > 1 {
		return false
	}
	stateOut.GlobalMode = globalReq.Mode()

	type held struct {
		resID primitives.ResourceID
		req   *lock.Request
	}
	var others []held
	l.requests.Scan(func(resID primitives.ResourceID, req *lock.Request) bool {
		switch resID.Type() {
		case primitives.ResourceTypeGlobal, primitives.ResourceTypeMMAPv1Flush:
			// The global request is handled separately and the flush
			// resource travels with it.
		case primitives.ResourceTypeDatabase, primitives.ResourceTypeCollection:
			stateOut.Locks = append(stateOut.Locks, HeldLock{ResourceID: resID, Mode: req.Mode()})
			others = append(others, held{resID, req})
		default:
			panic(fmt.Sprintf("lockstate: cannot save %s", resID))
		}
		return true
	})

	// Children first, then the global release sweeps up the flush resource
	// and returns the ticket.
	for i := len(others) - 1; i >= 0; i-- {
		if !l.unlockImpl(others[i].resID, others[i].req) {
			panic(fmt.Sprintf("lockstate: %s acquired recursively cannot be saved", others[i].resID))
		}
	}
	if !l.UnlockGlobal() {
		panic("lockstate: global lock still referenced while saving")
	}
	return true
}

// RestoreLockState reacquires a saved lock stack in the original order and
// modes: the global lock first (taking a fresh ticket if required), then
// each saved lock. Blocks without a deadline until everything is granted.
func (l *Locker) RestoreLockState(state *LockSnapshot) {
	if res := l.LockGlobal(state.GlobalMode); res != lock.ResultGranted {
		panic(fmt.Sprintf("lockstate: restoring the global lock returned %s", res))
	}
	for _, held := range state.Locks {
		if res := l.Lock(held.ResourceID, held.Mode, lock.NoDeadline); res != lock.ResultGranted {
			panic(fmt.Sprintf("lockstate: restoring %s returned %s", held.ResourceID, res))
		}
	}
}
