package lock

import (
	"fmt"
	"strings"
	"sync"

	"granite/pkg/primitives"
)

// Have more buckets than CPUs to reduce contention on locks and caches.
const numLockBuckets = 128

// Balance scalability of intent locks against the added cost of migrating
// them when a conflicting mode shows up. Power of two.
const numPartitions = 32

// lockBucket is one shard of the resource hash table. The mutex serializes
// every queue mutation for the lock heads it owns.
type lockBucket struct {
	mu   sync.Mutex
	data map[primitives.ResourceID]*LockHead
}

// partition holds the partitioned lock heads for the lockers that hash to
// it. Protected by its own mutex, taken after the bucket mutex when both are
// needed.
type partition struct {
	mu   sync.Mutex
	data map[primitives.ResourceID]*partitionedLockHead
}

// Manager owns the sharded table of lock heads and implements the grant
// policy. All entry points are non-blocking: a caller that receives
// ResultWaiting blocks on its request's notification, and the releaser
// computes the newly grantable set under the bucket mutex, flips statuses
// and signals each.
type Manager struct {
	buckets    [numLockBuckets]lockBucket
	partitions [numPartitions]partition
}

func NewManager() *Manager {
	lm := &Manager{}
	for i := range lm.buckets {
		lm.buckets[i].data = make(map[primitives.ResourceID]*LockHead)
	}
	for i := range lm.partitions {
		lm.partitions[i].data = make(map[primitives.ResourceID]*partitionedLockHead)
	}
	return lm
}

func (lm *Manager) getBucket(resID primitives.ResourceID) *lockBucket {
	return &lm.buckets[uint64(resID)%numLockBuckets]
}

func (lm *Manager) getPartition(req *Request) *partition {
	return &lm.partitions[uint64(req.LockerID)%numPartitions]
}

// Lock presents a fresh request for resID at the given mode. It grants and
// returns ResultGranted, or enqueues and returns ResultWaiting; it never
// blocks. Repeated acquisitions by the same locker go through Convert.
func (lm *Manager) Lock(resID primitives.ResourceID, req *Request, mode Mode) Result {
	if mode == ModeNone {
		panic("lock: cannot lock in mode NONE")
	}
	if req.Status() != StatusNew {
		panic(fmt.Sprintf("lock: request for %s presented twice", resID))
	}
	req.setMode(mode)
	req.RecursiveCount = 1

	// Fast path for intent modes on a partitioned resource: park the grant
	// on this locker's partition without touching the bucket.
	tryPartitioned := IsIntent(mode) && !req.EnqueueAtFront
	if tryPartitioned {
		p := lm.getPartition(req)
		p.mu.Lock()
		if ph, ok := p.data[resID]; ok {
			ph.newRequest(req)
			ph.head.partitionedCount.Add(1)
			p.mu.Unlock()
			return ResultGranted
		}
		p.mu.Unlock()
		// No partitioned head yet; fall through to the regular path, which
		// may start one.
	}

	bucket := lm.getBucket(resID)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	head, ok := bucket.data[resID]
	if !ok {
		head = newLockHead(resID)
		bucket.data[resID] = head
	}

	// Start partitioning if the head carries only intent grants and nobody
	// is queued.
	if tryPartitioned && head.grantedModes&^intentModesMask == 0 && head.conflictModes == 0 {
		p := lm.getPartition(req)
		p.mu.Lock()
		ph, ok := p.data[resID]
		if !ok {
			ph = &partitionedLockHead{head: head}
			p.data[resID] = ph
		}
		ph.newRequest(req)
		head.partitionedCount.Add(1)
		p.mu.Unlock()
		return ResultGranted
	}

	// The first request in a non-intent mode pulls every partitioned grant
	// back into the main head before the grant policy runs.
	if head.partitioned() && !IsIntent(mode) {
		lm.migratePartitionedLockHeads(head)
	}

	return head.newRequest(req)
}

// Convert upgrades an existing granted request to newMode. Modes already
// covered are a recursive no-op; a real upgrade is granted in place when
// compatible with the other holders, otherwise the request converts in the
// conversion queue, which has priority over the conflict queue.
func (lm *Manager) Convert(resID primitives.ResourceID, req *Request, newMode Mode) Result {
	// Requesting a conversion while waiting or already converting is not
	// supported, and the strict hierarchy never needs it.
	if req.Status() != StatusGranted {
		panic(fmt.Sprintf("lock: convert on %s which is not granted", resID))
	}
	if req.RecursiveCount <= 0 {
		panic("lock: convert on a released request")
	}

	req.RecursiveCount++

	// Fast path for re-acquiring in a mode the current one already covers.
	// Safe without the bucket mutex: all calls for one request happen on the
	// owner's goroutine, and a head with live requests cannot disappear.
	if IsCovered(newMode, req.Mode()) {
		return ResultGranted
	}

	// Conversions between unrelated modes (e.g. S → IX), which both add and
	// remove conflicts, are not needed under the hierarchy.
	if !IsCovered(req.Mode(), newMode) {
		panic(fmt.Sprintf("lock: unsupported conversion %s -> %s on %s", req.Mode(), newMode, resID))
	}

	bucket := lm.getBucket(resID)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	head, ok := bucket.data[resID]
	if !ok || req.head != head {
		panic(fmt.Sprintf("lock: convert on unknown resource %s", resID))
	}

	if head.partitioned() {
		lm.migratePartitionedLockHeads(head)
	}

	// Granted mask without this request's current mode.
	mode := req.Mode()
	var grantedModesWithoutSelf uint32
	for m := Mode(1); m < modeCount; m++ {
		selfHolds := 0
		if mode == m {
			selfHolds = 1
		}
		if head.grantedCounts[m] > selfHolds {
			grantedModesWithoutSelf |= modeMask(m)
		}
	}

	if conflicts(newMode, grantedModesWithoutSelf) {
		req.ConvertMode = newMode
		req.setStatus(StatusConverting)
		head.conversionsCount++
		head.incGrantedModeCount(newMode)
		return ResultWaiting
	}

	head.incGrantedModeCount(newMode)
	head.decGrantedModeCount(mode)
	req.setMode(newMode)
	return ResultGranted
}

// Unlock decrements the request's nest count and, when it reaches zero,
// removes the request from whichever queue holds it, re-runs the grant
// policy, and reports true. Pending (waiting) requests are cancelled and
// pending conversions are retracted to their previously granted mode.
func (lm *Manager) Unlock(req *Request) bool {
	// Fast path for releasing one of several nested references. Safe
	// without locking for the same reasons as the Convert fast path.
	req.RecursiveCount--
	if req.RecursiveCount > 0 && req.Status() == StatusGranted {
		return false
	}

	if req.Partitioned() {
		// The grant may have migrated to the main head since the flag was
		// read; there is no way to know without the partition mutex.
		p := lm.getPartition(req)
		p.mu.Lock()
		if req.Partitioned() {
			ph := req.partitionedHead
			head := req.head
			ph.remove(req)
			if len(ph.granted) == 0 {
				delete(p.data, head.resourceID)
			}
			head.partitionedCount.Add(-1)
			req.head = nil
			req.setStatus(StatusNew)
			req.setMode(ModeNone)
			p.mu.Unlock()

			// The bucket mutex is taken before partition mutexes, so the
			// emptied head is collected only after the partition is released.
			bucket := lm.getBucket(head.resourceID)
			bucket.mu.Lock()
			if bucket.data[head.resourceID] == head && head.empty() {
				delete(bucket.data, head.resourceID)
			}
			bucket.mu.Unlock()
			return true
		}
		p.mu.Unlock()
	}

	head := req.head
	bucket := lm.getBucket(head.resourceID)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	switch req.Status() {
	case StatusGranted:
		mode := req.Mode()
		head.granted = removeRequest(head.granted, req)
		head.decGrantedModeCount(mode)
		if req.CompatibleFirst {
			if head.compatibleFirstCount <= 0 {
				panic("lock: compatibleFirst accounting underflow")
			}
			head.compatibleFirstCount--
		}
		head.onLockModeChanged(head.grantedCounts[mode] == 0)

	case StatusWaiting:
		// Cancels a pending request.
		if req.RecursiveCount != 0 {
			panic("lock: pending request with nested references")
		}
		head.conflict = removeRequest(head.conflict, req)
		head.decConflictModeCount(req.Mode())
		head.onLockModeChanged(true)

	case StatusConverting:
		// Retracts a pending conversion; the request stays granted at the
		// mode it held before the upgrade was requested.
		if req.RecursiveCount <= 0 {
			panic("lock: converting request fully released")
		}
		head.conversionsCount--
		retracted := req.ConvertMode
		head.decGrantedModeCount(retracted)
		req.ConvertMode = ModeNone
		req.setStatus(StatusGranted)
		head.onLockModeChanged(head.grantedCounts[retracted] == 0)

		// The retraction leaves the original grant in place.
		return false

	default:
		panic("lock: unlock on an idle request")
	}

	req.head = nil
	req.setStatus(StatusNew)
	req.setMode(ModeNone)

	if head.empty() {
		delete(bucket.data, head.resourceID)
	}
	return true
}

// Downgrade reduces a granted request's mode in place (e.g. X → IX) and
// wakes whatever the weaker mode no longer blocks. Never waits.
func (lm *Manager) Downgrade(req *Request, newMode Mode) {
	if req.Status() != StatusGranted {
		panic("lock: downgrade on a request that is not granted")
	}
	mode := req.Mode()
	if !IsCovered(newMode, mode) {
		panic(fmt.Sprintf("lock: downgrade %s -> %s is not a downgrade", mode, newMode))
	}

	head := req.head
	bucket := lm.getBucket(head.resourceID)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	head.incGrantedModeCount(newMode)
	head.decGrantedModeCount(mode)
	req.setMode(newMode)
	head.onLockModeChanged(true)
}

// migratePartitionedLockHeads folds every partitioned grant for the head's
// resource back into the main granted list. Called with the bucket mutex
// held; takes each partition mutex in turn.
func (lm *Manager) migratePartitionedLockHeads(head *LockHead) {
	for i := range lm.partitions {
		p := &lm.partitions[i]
		p.mu.Lock()
		if ph, ok := p.data[head.resourceID]; ok {
			delete(p.data, head.resourceID)
			for _, req := range ph.granted {
				req.partitioned.Store(false)
				req.partitionedHead = nil
				head.granted = append(head.granted, req)
				head.incGrantedModeCount(req.Mode())
				head.partitionedCount.Add(-1)
			}
		}
		p.mu.Unlock()
	}
}

// DumpRequests renders the state of every lock head for diagnostics.
func (lm *Manager) DumpRequests() string {
	var b strings.Builder
	for i := range lm.buckets {
		bucket := &lm.buckets[i]
		bucket.mu.Lock()
		for resID, head := range bucket.data {
			fmt.Fprintf(&b, "%s\n", resID)
			for _, req := range head.granted {
				fmt.Fprintf(&b, "\tGRANTED locker=%d mode=%s convert=%s count=%d\n",
					req.LockerID, req.Mode(), req.ConvertMode, req.RecursiveCount)
			}
			for _, req := range head.conflict {
				fmt.Fprintf(&b, "\tPENDING locker=%d mode=%s\n", req.LockerID, req.Mode())
			}
		}
		bucket.mu.Unlock()
	}
	return b.String()
}
