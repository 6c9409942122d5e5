// Package operation holds the per-operation state that the locking layer
// hangs off of: the operation context with its locker, recovery unit and
// debug counters, the write-unit-of-work bracket, and the write-conflict
// retry harness.
package operation

import (
	"sync/atomic"

	"github.com/google/uuid"

	"granite/pkg/concurrency/lockstate"
)

// RecoveryUnitState tracks whether the attached recovery unit is inside an
// active unit of work.
type RecoveryUnitState int

const (
	NotInUnitOfWork RecoveryUnitState = iota
	ActiveUnitOfWork
)

func (s RecoveryUnitState) String() string {
	switch s {
	case NotInUnitOfWork:
		return "NOT_IN_UNIT_OF_WORK"
	case ActiveUnitOfWork:
		return "ACTIVE_UNIT_OF_WORK"
	default:
		return "UNKNOWN"
	}
}

// OpDebug accumulates per-operation diagnostic counters.
type OpDebug struct {
	writeConflicts atomic.Int64
}

// WriteConflicts returns how many write conflicts the operation has retried.
func (d *OpDebug) WriteConflicts() int64 {
	return d.writeConflicts.Load()
}

func (d *OpDebug) recordWriteConflict() {
	d.writeConflicts.Add(1)
}

// Context is the per-operation handle carrying the locker, the optional
// recovery unit, and debug counters. Contexts are not shared across
// goroutines except for read-only introspection.
type Context struct {
	id      uuid.UUID
	locker  *lockstate.Locker
	tracker lockstate.GlobalLockAcquisitionTracker

	recoveryUnit      lockstate.RecoveryUnit
	recoveryUnitState RecoveryUnitState

	debug OpDebug
}

// NewContext wraps a locker into a fresh operation context and points the
// locker at the context's acquisition tracker.
func NewContext(locker *lockstate.Locker) *Context {
	ctx := &Context{
		id:     uuid.New(),
		locker: locker,
	}
	locker.AttachTracker(&ctx.tracker)
	return ctx
}

// ID returns the operation's unique identity.
func (c *Context) ID() uuid.UUID { return c.id }

// Locker returns the operation's lock holder.
func (c *Context) Locker() *lockstate.Locker { return c.locker }

// Tracker returns the sticky global-exclusive acquisition bit.
func (c *Context) Tracker() *lockstate.GlobalLockAcquisitionTracker { return &c.tracker }

// Debug returns the operation's diagnostic counters.
func (c *Context) Debug() *OpDebug { return &c.debug }

// SetRecoveryUnit attaches a recovery unit in the given state and wires its
// snapshot-abandon hook into the locker.
func (c *Context) SetRecoveryUnit(ru lockstate.RecoveryUnit, state RecoveryUnitState) {
	c.recoveryUnit = ru
	c.recoveryUnitState = state
	c.locker.SetRecoveryUnit(ru)
}

// RecoveryUnit returns the attached recovery unit, or nil.
func (c *Context) RecoveryUnit() lockstate.RecoveryUnit { return c.recoveryUnit }

// RecoveryUnitState returns the state the recovery unit was attached in.
func (c *Context) RecoveryUnitState() RecoveryUnitState { return c.recoveryUnitState }

// NoopRecoveryUnit is a recovery unit that ignores every signal.
type NoopRecoveryUnit struct{}

func (NoopRecoveryUnit) AbandonSnapshot() {}

// WriteUnitOfWork brackets a scope during which storage writes accumulate.
// While one is open, hierarchical write-lock releases are deferred and the
// snapshot is never abandoned.
type WriteUnitOfWork struct {
	ctx  *Context
	done bool
}

// BeginWriteUnitOfWork opens a write unit of work on the operation.
func BeginWriteUnitOfWork(ctx *Context) *WriteUnitOfWork {
	ctx.Locker().BeginWriteUnitOfWork()
	return &WriteUnitOfWork{ctx: ctx}
}

// Done closes the unit of work, performing any deferred lock releases at
// the outermost nesting level. Calling Done twice is a contract violation.
func (w *WriteUnitOfWork) Done() {
	if w.done {
		panic("operation: write unit of work closed twice")
	}
	w.done = true
	w.ctx.Locker().EndWriteUnitOfWork()
}
