package locks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"granite/pkg/concurrency/lock"
	"granite/pkg/primitives"
)

func dbResource(name string) primitives.ResourceID {
	return primitives.NewResourceID(primitives.ResourceTypeDatabase, name)
}

func TestDBLockTakesS(t *testing.T) {
	reg := newTestRegistry()
	ctx := reg.BeginMMAPv1()

	d := NewDBLock(ctx, "db", lock.ModeS)
	require.True(t, d.IsLocked())
	assert.Equal(t, lock.ModeS, ctx.Locker().GetLockMode(dbResource("db")))
	d.Unlock()
	assert.Equal(t, lock.ModeNone, ctx.Locker().GetLockMode(dbResource("db")))
}

func TestDBLockTakesX(t *testing.T) {
	reg := newTestRegistry()
	ctx := reg.BeginMMAPv1()

	d := NewDBLock(ctx, "db", lock.ModeX)
	require.True(t, d.IsLocked())
	assert.Equal(t, lock.ModeX, ctx.Locker().GetLockMode(dbResource("db")))
	d.Unlock()
}

func TestDBLockTakesISForAdminIS(t *testing.T) {
	reg := newTestRegistry()
	ctx := reg.BeginMMAPv1()

	d := NewDBLock(ctx, "admin", lock.ModeIS)
	assert.Equal(t, lock.ModeIS, ctx.Locker().GetLockMode(dbResource("admin")))
	d.Unlock()
}

func TestDBLockTakesSForAdminS(t *testing.T) {
	reg := newTestRegistry()
	ctx := reg.BeginMMAPv1()

	d := NewDBLock(ctx, "admin", lock.ModeS)
	assert.Equal(t, lock.ModeS, ctx.Locker().GetLockMode(dbResource("admin")))
	d.Unlock()
}

func TestDBLockTakesXForAdminIX(t *testing.T) {
	reg := newTestRegistry()
	ctx := reg.BeginMMAPv1()

	d := NewDBLock(ctx, "admin", lock.ModeIX)
	assert.Equal(t, lock.ModeX, ctx.Locker().GetLockMode(dbResource("admin")))
	d.Unlock()
}

func TestDBLockTakesXForAdminX(t *testing.T) {
	reg := newTestRegistry()
	ctx := reg.BeginMMAPv1()

	d := NewDBLock(ctx, "admin", lock.ModeX)
	assert.Equal(t, lock.ModeX, ctx.Locker().GetLockMode(dbResource("admin")))
	d.Unlock()
}

func TestMultipleWriteDBLocksOnSameThread(t *testing.T) {
	reg := newTestRegistry()
	ctx := reg.BeginMMAPv1()

	r1 := NewDBLock(ctx, "db1", lock.ModeX)
	r2 := NewDBLock(ctx, "db1", lock.ModeX)
	assert.True(t, ctx.Locker().IsDbLockedForMode("db1", lock.ModeX))

	r2.Unlock()
	assert.True(t, ctx.Locker().IsDbLockedForMode("db1", lock.ModeX))
	r1.Unlock()
	assert.Equal(t, lock.ModeNone, ctx.Locker().GetLockMode(dbResource("db1")))
}

func TestMultipleConflictingDBLocksOnSameThread(t *testing.T) {
	reg := newTestRegistry()
	ctx := reg.BeginMMAPv1()
	ls := ctx.Locker()

	r1 := NewDBLock(ctx, "db1", lock.ModeX)
	r2 := NewDBLock(ctx, "db1", lock.ModeS)
	assert.True(t, ls.IsDbLockedForMode("db1", lock.ModeX))
	assert.True(t, ls.IsDbLockedForMode("db1", lock.ModeS))

	r2.Unlock()
	r1.Unlock()
	assert.Equal(t, lock.ModeNone, ls.GetLockMode(dbResource("db1")))
}

func TestDBLockUpgradesHeldMode(t *testing.T) {
	reg := newTestRegistry()
	ctx := reg.BeginMMAPv1()
	ls := ctx.Locker()

	r1 := NewDBLock(ctx, "db1", lock.ModeS)
	r2 := NewDBLock(ctx, "db1", lock.ModeX)
	assert.True(t, ls.IsDbLockedForMode("db1", lock.ModeX), "second lock upgrades the hold")

	r2.Unlock()
	r1.Unlock()
	assert.Equal(t, lock.ModeNone, ls.GetLockMode(dbResource("db1")))
}

func TestIsDbLockedForSMode(t *testing.T) {
	reg := newTestRegistry()
	ctx := reg.BeginMMAPv1()
	ls := ctx.Locker()

	d := NewDBLock(ctx, "db", lock.ModeS)
	assert.True(t, ls.IsDbLockedForMode("db", lock.ModeIS))
	assert.False(t, ls.IsDbLockedForMode("db", lock.ModeIX))
	assert.True(t, ls.IsDbLockedForMode("db", lock.ModeS))
	assert.False(t, ls.IsDbLockedForMode("db", lock.ModeX))
	d.Unlock()
}

func TestIsDbLockedForXMode(t *testing.T) {
	reg := newTestRegistry()
	ctx := reg.BeginMMAPv1()
	ls := ctx.Locker()

	d := NewDBLock(ctx, "db", lock.ModeX)
	assert.True(t, ls.IsDbLockedForMode("db", lock.ModeIS))
	assert.True(t, ls.IsDbLockedForMode("db", lock.ModeIX))
	assert.True(t, ls.IsDbLockedForMode("db", lock.ModeS))
	assert.True(t, ls.IsDbLockedForMode("db", lock.ModeX))
	d.Unlock()
}

func TestIsCollectionLockedDBLockedIS(t *testing.T) {
	const ns = "db1.coll"
	reg := newTestRegistry()
	ctx := reg.BeginMMAPv1()
	ls := ctx.Locker()

	d := NewDBLock(ctx, "db1", lock.ModeIS)

	{
		// Without document-level locking the IS request is promoted to S.
		coll := NewCollectionLock(ls, ns, lock.ModeIS)
		assert.True(t, ls.IsCollectionLockedForMode(ns, lock.ModeIS))
		assert.False(t, ls.IsCollectionLockedForMode(ns, lock.ModeIX))
		assert.True(t, ls.IsCollectionLockedForMode(ns, lock.ModeS))
		assert.False(t, ls.IsCollectionLockedForMode(ns, lock.ModeX))
		coll.Unlock()
	}

	{
		coll := NewCollectionLock(ls, ns, lock.ModeS)
		assert.True(t, ls.IsCollectionLockedForMode(ns, lock.ModeIS))
		assert.False(t, ls.IsCollectionLockedForMode(ns, lock.ModeIX))
		assert.True(t, ls.IsCollectionLockedForMode(ns, lock.ModeS))
		assert.False(t, ls.IsCollectionLockedForMode(ns, lock.ModeX))
		coll.Unlock()
	}

	d.Unlock()
}

func TestIsCollectionLockedDBLockedIX(t *testing.T) {
	const ns = "db1.coll"
	reg := newTestRegistry()
	ctx := reg.BeginMMAPv1()
	ls := ctx.Locker()

	d := NewDBLock(ctx, "db1", lock.ModeIX)

	{
		// Without document-level locking the IX request is promoted to X.
		coll := NewCollectionLock(ls, ns, lock.ModeIX)
		assert.True(t, ls.IsCollectionLockedForMode(ns, lock.ModeIS))
		assert.True(t, ls.IsCollectionLockedForMode(ns, lock.ModeIX))
		assert.True(t, ls.IsCollectionLockedForMode(ns, lock.ModeS))
		assert.True(t, ls.IsCollectionLockedForMode(ns, lock.ModeX))
		coll.Unlock()
	}

	{
		coll := NewCollectionLock(ls, ns, lock.ModeX)
		assert.True(t, ls.IsCollectionLockedForMode(ns, lock.ModeIS))
		assert.True(t, ls.IsCollectionLockedForMode(ns, lock.ModeIX))
		assert.True(t, ls.IsCollectionLockedForMode(ns, lock.ModeS))
		assert.True(t, ls.IsCollectionLockedForMode(ns, lock.ModeX))
		coll.Unlock()
	}

	d.Unlock()
}

func TestCollectionLockKeepsIntentWithDocLocking(t *testing.T) {
	const ns = "db1.coll"
	reg := newTestRegistry()
	ctx := reg.Begin()
	ls := ctx.Locker()

	d := NewDBLock(ctx, "db1", lock.ModeIS)
	coll := NewCollectionLock(ls, ns, lock.ModeIS)
	assert.True(t, ls.IsCollectionLockedForMode(ns, lock.ModeIS))
	assert.False(t, ls.IsCollectionLockedForMode(ns, lock.ModeS),
		"document-level locking engines keep the intent mode")
	coll.Unlock()
	d.Unlock()
}

func TestCollectionLockWithoutDBLockPanics(t *testing.T) {
	reg := newTestRegistry()
	ctx := reg.Begin()
	assert.Panics(t, func() {
		NewCollectionLock(ctx.Locker(), "db1.coll", lock.ModeIS)
	})
}

func TestDBLockTimeout(t *testing.T) {
	reg := newTestRegistry()
	op1 := reg.Begin()
	op2 := reg.Begin()

	const timeout = 100 * time.Millisecond

	l1 := NewDBLockUntil(op1, "testdb", lock.ModeX, lock.NoDeadline)
	require.True(t, l1.IsLocked())
	assert.True(t, op1.Locker().IsDbLockedForMode("testdb", lock.ModeX))

	start := time.Now()
	l2 := NewDBLockUntil(op2, "testdb", lock.ModeX, time.Now().Add(timeout))
	assert.False(t, l2.IsLocked())
	assert.GreaterOrEqual(t, time.Since(start), timeout)
	assert.False(t, op2.Locker().IsLocked(), "failed DBLock must not leave the global intent behind")

	l2.Unlock()
	l1.Unlock()
}

func TestDBLockTimeoutDueToGlobalLock(t *testing.T) {
	reg := newTestRegistry()
	op1 := reg.Begin()
	op2 := reg.Begin()

	const timeout = 100 * time.Millisecond

	g1 := NewGlobalLock(op1, lock.ModeX, lock.NoDeadline)
	require.True(t, g1.IsLocked())

	start := time.Now()
	l2 := NewDBLockUntil(op2, "testdb", lock.ModeX, time.Now().Add(timeout))
	assert.False(t, l2.IsLocked())
	assert.GreaterOrEqual(t, time.Since(start), timeout)

	l2.Unlock()
	g1.Unlock()
}

func TestCollectionLockTimeout(t *testing.T) {
	reg := newTestRegistry()
	op1 := reg.Begin()
	op2 := reg.Begin()

	const timeout = 100 * time.Millisecond

	db1 := NewDBLockUntil(op1, "testdb", lock.ModeIX, lock.NoDeadline)
	require.True(t, db1.IsLocked())
	cl1 := NewCollectionLockUntil(op1.Locker(), "testdb.test", lock.ModeX, lock.NoDeadline)
	require.True(t, cl1.IsLocked())
	assert.True(t, op1.Locker().IsCollectionLockedForMode("testdb.test", lock.ModeX))

	db2 := NewDBLockUntil(op2, "testdb", lock.ModeIX, lock.NoDeadline)
	require.True(t, db2.IsLocked())

	start := time.Now()
	cl2 := NewCollectionLockUntil(op2.Locker(), "testdb.test", lock.ModeX, time.Now().Add(timeout))
	assert.False(t, cl2.IsLocked())
	assert.GreaterOrEqual(t, time.Since(start), timeout)

	cl2.Unlock()
	db2.Unlock()
	cl1.Unlock()
	db1.Unlock()
}

func TestInvalidDatabaseNamePanics(t *testing.T) {
	reg := newTestRegistry()
	ctx := reg.Begin()
	assert.Panics(t, func() { NewDBLock(ctx, "", lock.ModeS) })
	assert.Panics(t, func() { NewDBLock(ctx, "db.coll", lock.ModeS) })
}
