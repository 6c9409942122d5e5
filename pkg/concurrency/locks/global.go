// Package locks provides the scoped acquisition helpers callers use instead
// of talking to the locker directly: global, database and collection locks,
// free-standing resource mutexes, and temporary release. Every helper pairs
// its acquisition with an explicit Unlock (or Close) that is safe to call on
// every exit path and is idempotent.
package locks

import (
	"time"

	"granite/pkg/concurrency/lock"
	"granite/pkg/concurrency/lockstate"
	"granite/pkg/operation"
)

// GlobalLock holds the global resource in a caller-chosen mode. Deadline
// semantics follow the locker: lock.NoDeadline blocks forever, a deadline at
// or before now is a try-lock.
type GlobalLock struct {
	ctx    *operation.Context
	result lock.Result
}

// NewGlobalLock acquires the global resource, blocking until the deadline.
// Check IsLocked: a timeout is reported there, never panicked.
func NewGlobalLock(ctx *operation.Context, mode lock.Mode, deadline time.Time) *GlobalLock {
	g := NewGlobalLockEnqueueOnly(ctx, mode, deadline)
	if g.result == lock.ResultWaiting {
		g.result = ctx.Locker().LockGlobalComplete(deadline)
	}
	return g
}

// NewGlobalLockEnqueueOnly enqueues the request (taking the admission ticket
// if required) and returns immediately; combine with WaitForLockUntil.
func NewGlobalLockEnqueueOnly(ctx *operation.Context, mode lock.Mode, deadline time.Time) *GlobalLock {
	g := &GlobalLock{ctx: ctx}
	g.result = ctx.Locker().LockGlobalBegin(mode, deadline)
	return g
}

// WaitForLockUntil waits for an enqueued request. When the wait deadline
// passes before the request's own deadline the request stays queued and may
// be waited on again; expiry of the request deadline removes it for good,
// after which another wait is a contract violation.
func (g *GlobalLock) WaitForLockUntil(deadline time.Time) {
	switch g.result {
	case lock.ResultGranted:
		return
	case lock.ResultWaiting:
		g.result = g.ctx.Locker().LockGlobalWaitUntil(deadline)
	default:
		panic("locks: waiting on a global lock request that is no longer queued")
	}
}

// IsLocked reports whether the global resource is held by this helper.
func (g *GlobalLock) IsLocked() bool {
	return g.result == lock.ResultGranted
}

// Unlock releases the helper's hold, or withdraws its still-queued request
// (a grant that raced in is released outright). Idempotent.
func (g *GlobalLock) Unlock() {
	switch g.result {
	case lock.ResultGranted:
		g.ctx.Locker().UnlockGlobal()
	case lock.ResultWaiting:
		g.ctx.Locker().CancelGlobalRequest()
	}
	g.result = lock.ResultInvalid
}

// GlobalRead is a scoped shared (MODE_S) hold on the global resource.
type GlobalRead struct {
	*GlobalLock
}

func NewGlobalRead(ctx *operation.Context) *GlobalRead {
	return &GlobalRead{NewGlobalLock(ctx, lock.ModeS, lock.NoDeadline)}
}

func NewGlobalReadUntil(ctx *operation.Context, deadline time.Time) *GlobalRead {
	return &GlobalRead{NewGlobalLock(ctx, lock.ModeS, deadline)}
}

// GlobalWrite is a scoped exclusive (MODE_X) hold on the global resource.
type GlobalWrite struct {
	*GlobalLock
}

func NewGlobalWrite(ctx *operation.Context) *GlobalWrite {
	return &GlobalWrite{NewGlobalLock(ctx, lock.ModeX, lock.NoDeadline)}
}

func NewGlobalWriteUntil(ctx *operation.Context, deadline time.Time) *GlobalWrite {
	return &GlobalWrite{NewGlobalLock(ctx, lock.ModeX, deadline)}
}

// TempRelease releases every hierarchical lock its locker holds and
// restores the stack on Close. It degrades to a no-op when releasing would
// break a nested scope, i.e. when the global lock is held recursively.
type TempRelease struct {
	locker   *lockstate.Locker
	snapshot lockstate.LockSnapshot
	released bool
}

func NewTempRelease(locker *lockstate.Locker) *TempRelease {
	t := &TempRelease{locker: locker}
	t.released = locker.SaveLockStateAndUnlock(&t.snapshot)
	return t
}

// Close reacquires the saved stack, blocking without a deadline if the
// locks are contended.
func (t *TempRelease) Close() {
	if t.released {
		t.locker.RestoreLockState(&t.snapshot)
		t.released = false
	}
}
