package locks

import (
	"granite/pkg/concurrency/lock"
	"granite/pkg/concurrency/lockstate"
	"granite/pkg/primitives"
)

// ResourceMutex is a named multi-reader/single-writer mutex backed by the
// lock manager. Its waiters queue like any other resource and interleave
// with the usual grant policy, but it never touches tickets or the global
// hierarchy. Copies share the same underlying resource.
type ResourceMutex struct {
	rid primitives.ResourceID
}

// NewResourceMutex creates a mutex carrying a human-readable label. Two
// mutexes with the same label are distinct.
func NewResourceMutex(label string) ResourceMutex {
	return ResourceMutex{rid: primitives.NewMutexResourceID(label)}
}

// Name returns the label the mutex was created with.
func (m ResourceMutex) Name() string {
	return m.rid.Name()
}

// resourceLock is the shared engine of SharedLock and ExclusiveLock.
type resourceLock struct {
	locker *lockstate.Locker
	rid    primitives.ResourceID
	mode   lock.Mode
	locked bool
}

func (r *resourceLock) lock(mode lock.Mode) {
	if r.locked {
		panic("locks: resource mutex locked twice by the same holder")
	}
	r.mode = mode
	if res := r.locker.Lock(r.rid, mode, lock.NoDeadline); res != lock.ResultGranted {
		panic("locks: untimed resource mutex acquisition failed")
	}
	r.locked = true
}

// IsLocked reports whether the holder currently has the mutex.
func (r *resourceLock) IsLocked() bool {
	return r.locked
}

// Unlock releases the mutex. Idempotent.
func (r *resourceLock) Unlock() {
	if r.locked {
		r.locker.Unlock(r.rid)
		r.locked = false
	}
}

// SharedLock holds a ResourceMutex in shared mode; any number of shared
// holders may coexist.
type SharedLock struct {
	resourceLock
}

// NewSharedLock acquires the mutex shared, blocking until granted.
func NewSharedLock(locker *lockstate.Locker, m ResourceMutex) *SharedLock {
	s := &SharedLock{resourceLock{locker: locker, rid: m.rid}}
	s.lock(lock.ModeIS)
	return s
}

// Lock reacquires the mutex shared after an Unlock, blocking behind any
// queued exclusive waiter.
func (s *SharedLock) Lock() {
	s.lock(lock.ModeIS)
}

// ExclusiveLock holds a ResourceMutex exclusively.
type ExclusiveLock struct {
	resourceLock
}

// NewExclusiveLock acquires the mutex exclusively, blocking until every
// shared holder is gone.
func NewExclusiveLock(locker *lockstate.Locker, m ResourceMutex) *ExclusiveLock {
	e := &ExclusiveLock{resourceLock{locker: locker, rid: m.rid}}
	e.lock(lock.ModeX)
	return e
}

// Lock reacquires the mutex exclusively after an Unlock.
func (e *ExclusiveLock) Lock() {
	e.lock(lock.ModeX)
}
