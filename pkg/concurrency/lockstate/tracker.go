package lockstate

import "sync/atomic"

// GlobalLockAcquisitionTracker records, per operation, whether the global
// lock was ever successfully taken in an exclusive-intent mode (X or IX).
// The bit is monotone: once set it stays set, and it is read-only after the
// owning operation ends. Timed-out attempts and shared acquisitions never
// set it.
type GlobalLockAcquisitionTracker struct {
	globalExclusiveLockTaken atomic.Bool
}

// GlobalExclusiveLockTaken reports whether the bit has been set.
func (t *GlobalLockAcquisitionTracker) GlobalExclusiveLockTaken() bool {
	return t.globalExclusiveLockTaken.Load()
}

// SetGlobalExclusiveLockTaken sets the sticky bit.
func (t *GlobalLockAcquisitionTracker) SetGlobalExclusiveLockTaken() {
	t.globalExclusiveLockTaken.Store(true)
}
