package locks

import (
	"fmt"
	"strings"
	"time"

	"granite/pkg/concurrency/lock"
	"granite/pkg/concurrency/lockstate"
	"granite/pkg/operation"
	"granite/pkg/primitives"
)

// adminDBName is the database whose direct writes must be serialized:
// non-shared lock requests against it are promoted to exclusive.
const adminDBName = "admin"

// DBLock holds a database resource. Acquiring it first takes the global
// lock at the matching intent mode, so a DBLock in MODE_X has the side
// effect of taking the global lock in MODE_IX.
type DBLock struct {
	ctx    *operation.Context
	id     primitives.ResourceID
	mode   lock.Mode
	result lock.Result
	global *GlobalLock
}

// NewDBLock acquires the database in the given mode, blocking without a
// deadline.
func NewDBLock(ctx *operation.Context, db string, mode lock.Mode) *DBLock {
	return NewDBLockUntil(ctx, db, mode, lock.NoDeadline)
}

// NewDBLockUntil acquires the database, giving up at the deadline. On
// timeout — of either the global intent lock or the database lock — the
// helper reports IsLocked false and holds nothing.
func NewDBLockUntil(ctx *operation.Context, db string, mode lock.Mode, deadline time.Time) *DBLock {
	if db == "" || strings.ContainsRune(db, '.') {
		panic(fmt.Sprintf("locks: %q is not a valid database name", db))
	}

	globalMode := lock.ModeIX
	if lock.IsShared(mode) {
		globalMode = lock.ModeIS
	}

	d := &DBLock{ctx: ctx, mode: mode}
	d.global = NewGlobalLock(ctx, globalMode, deadline)
	if !d.global.IsLocked() {
		d.result = lock.ResultTimedOut
		return d
	}

	if db == adminDBName && !lock.IsShared(d.mode) {
		d.mode = lock.ModeX
	}

	d.id = primitives.NewResourceID(primitives.ResourceTypeDatabase, db)
	d.result = ctx.Locker().Lock(d.id, d.mode, deadline)
	if d.result != lock.ResultGranted {
		d.global.Unlock()
	}
	return d
}

// IsLocked reports whether the database is held by this helper.
func (d *DBLock) IsLocked() bool {
	return d.result == lock.ResultGranted
}

// Mode returns the effective mode the database was locked in, after any
// admin promotion.
func (d *DBLock) Mode() lock.Mode {
	return d.mode
}

// Unlock releases the database and the helper's global intent lock.
// Idempotent.
func (d *DBLock) Unlock() {
	if d.result == lock.ResultGranted {
		d.ctx.Locker().Unlock(d.id)
		d.global.Unlock()
	}
	d.result = lock.ResultInvalid
}

// CollectionLock holds a collection resource under an already-held database
// lock; taking it without a compatible database lock is a contract
// violation. On engines without document-level locking the requested intent
// mode is promoted to the full mode (IS to S, IX to X), so intra-collection
// concurrency degrades to collection-level.
type CollectionLock struct {
	locker *lockstate.Locker
	id     primitives.ResourceID
	result lock.Result
}

// NewCollectionLock acquires the collection, blocking without a deadline.
func NewCollectionLock(locker *lockstate.Locker, ns string, mode lock.Mode) *CollectionLock {
	return NewCollectionLockUntil(locker, ns, mode, lock.NoDeadline)
}

// NewCollectionLockUntil acquires the collection, giving up at the deadline.
func NewCollectionLockUntil(locker *lockstate.Locker, ns string, mode lock.Mode, deadline time.Time) *CollectionLock {
	if !strings.ContainsRune(ns, '.') {
		panic(fmt.Sprintf("locks: %q is not a full collection namespace", ns))
	}

	requiredDBMode := lock.ModeIX
	if lock.IsShared(mode) {
		requiredDBMode = lock.ModeIS
	}
	if !locker.IsDbLockedForMode(lockstate.NamespaceDB(ns), requiredDBMode) {
		panic(fmt.Sprintf("locks: collection lock on %q without a compatible database lock", ns))
	}

	actualMode := mode
	if !locker.SupportsDocLocking() {
		if lock.IsShared(mode) {
			actualMode = lock.ModeS
		} else {
			actualMode = lock.ModeX
		}
	}

	c := &CollectionLock{
		locker: locker,
		id:     primitives.NewResourceID(primitives.ResourceTypeCollection, ns),
	}
	c.result = locker.Lock(c.id, actualMode, deadline)
	return c
}

// IsLocked reports whether the collection is held.
func (c *CollectionLock) IsLocked() bool {
	return c.result == lock.ResultGranted
}

// Unlock releases the collection. Idempotent.
func (c *CollectionLock) Unlock() {
	if c.result == lock.ResultGranted {
		c.locker.Unlock(c.id)
	}
	c.result = lock.ResultInvalid
}
