// Package primitives holds the identity types the locking subsystem is
// built on: typed resource identifiers with a deterministic name hash, the
// resource-type hierarchy tags, and locker identities.
package primitives

import "sync/atomic"

// HashCode represents a hash value computed for fast comparisons or lookups.
type HashCode uint64

// LockerID uniquely identifies a lock holder (one per operation). It is used
// as the partition key for partitioned lock heads, so it must be cheap to
// compute a modulus over.
type LockerID uint64

var lockerCounter uint64

// NewLockerID returns the next locker identifier. IDs are process-unique and
// monotonically increasing; zero is never handed out.
func NewLockerID() LockerID {
	return LockerID(atomic.AddUint64(&lockerCounter, 1))
}
