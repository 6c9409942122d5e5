package lock

import (
	"slices"
	"sync/atomic"

	"granite/pkg/primitives"
)

// LockHead is the per-resource queue state: the granted list, the FIFO
// conflict queue, and the conversion bookkeeping. All mutation happens under
// the owning bucket's mutex.
//
// Invariants: all granted requests are pairwise compatible; the conflict
// queue is FIFO by enqueue time except for enqueue-at-front requests;
// conversions have absolute priority over the conflict queue.
type LockHead struct {
	resourceID primitives.ResourceID

	// granted holds GRANTED and CONVERTING requests.
	granted       []*Request
	grantedCounts [modeCount]int
	grantedModes  uint32

	// conflict is the queue of WAITING requests.
	conflict       []*Request
	conflictCounts [modeCount]int
	conflictModes  uint32

	// conversionsCount is the number of CONVERTING requests on the granted
	// list.
	conversionsCount int

	// compatibleFirstCount is the number of granted requests carrying the
	// CompatibleFirst flag. While nonzero, new compatible requests are
	// granted even when the conflict queue is not empty.
	compatibleFirstCount int

	// partitionedCount is the number of intent grants parked on partitioned
	// lock heads for this resource. Atomic because releases adjust it under
	// partition mutexes, which do not exclude each other.
	partitionedCount atomic.Int32
}

func newLockHead(resID primitives.ResourceID) *LockHead {
	return &LockHead{resourceID: resID}
}

func (h *LockHead) incGrantedModeCount(m Mode) {
	h.grantedCounts[m]++
	if h.grantedCounts[m] == 1 {
		h.grantedModes |= modeMask(m)
	}
}

func (h *LockHead) decGrantedModeCount(m Mode) {
	h.grantedCounts[m]--
	if h.grantedCounts[m] == 0 {
		h.grantedModes &^= modeMask(m)
	}
}

func (h *LockHead) incConflictModeCount(m Mode) {
	h.conflictCounts[m]++
	if h.conflictCounts[m] == 1 {
		h.conflictModes |= modeMask(m)
	}
}

func (h *LockHead) decConflictModeCount(m Mode) {
	h.conflictCounts[m]--
	if h.conflictCounts[m] == 0 {
		h.conflictModes &^= modeMask(m)
	}
}

// partitioned reports whether some grants for this resource live on
// partitioned lock heads.
func (h *LockHead) partitioned() bool {
	return h.partitionedCount.Load() > 0
}

// empty reports whether the head tracks no requests at all and can be
// garbage collected.
func (h *LockHead) empty() bool {
	return len(h.granted) == 0 && len(h.conflict) == 0 && !h.partitioned()
}

// newRequest admits a request to the head: grant immediately when the mode
// does not conflict with the granted set and either it does not conflict with
// any queued mode or a compatibleFirst holder allows overtaking; otherwise
// enqueue.
func (h *LockHead) newRequest(req *Request) Result {
	req.head = h
	mode := req.Mode()

	if conflicts(mode, h.grantedModes) ||
		(h.compatibleFirstCount == 0 && conflicts(mode, h.conflictModes)) {
		req.setStatus(StatusWaiting)
		if req.EnqueueAtFront {
			h.conflict = slices.Insert(h.conflict, 0, req)
		} else {
			h.conflict = append(h.conflict, req)
		}
		h.incConflictModeCount(mode)
		return ResultWaiting
	}

	req.setStatus(StatusGranted)
	h.granted = append(h.granted, req)
	h.incGrantedModeCount(mode)
	if req.CompatibleFirst {
		h.compatibleFirstCount++
	}
	return ResultGranted
}

func removeRequest(list []*Request, req *Request) []*Request {
	i := slices.Index(list, req)
	if i < 0 {
		panic("lock: request not found on queue")
	}
	return slices.Delete(list, i, i+1)
}

// onLockModeChanged re-evaluates the queues after the granted set changed.
// Pending conversions are unblocked first; then, if checkConflictQueue is
// set, the conflict queue is scanned front to back.
//
// The scan grants every compatible request it reaches. An incompatible
// request at the front of the queue stops the scan — granting past it would
// starve it — unless this pass just granted a compatibleFirst request, in
// which case incompatible requests are skipped in place and compatible ones
// behind them (shared readers, typically) are granted out of FIFO order.
func (h *LockHead) onLockModeChanged(checkConflictQueue bool) {
	for i := 0; i < len(h.granted) && h.conversionsCount > 0; i++ {
		req := h.granted[i]
		if req.Status() != StatusConverting {
			continue
		}

		// Build the granted mask without this request's own contribution:
		// it holds Mode and its pending conversion counted ConvertMode.
		mode := req.Mode()
		var grantedModesWithoutSelf uint32
		for m := Mode(1); m < modeCount; m++ {
			selfHolds := 0
			if mode == m {
				selfHolds++
			}
			if req.ConvertMode == m {
				selfHolds++
			}
			if h.grantedCounts[m] > selfHolds {
				grantedModesWithoutSelf |= modeMask(m)
			}
		}

		if !conflicts(req.ConvertMode, grantedModesWithoutSelf) {
			h.conversionsCount--
			h.decGrantedModeCount(mode)
			req.setMode(req.ConvertMode)
			req.ConvertMode = ModeNone
			req.setStatus(StatusGranted)
			req.Notify.Notify(ResultGranted)
		}
	}

	if !checkConflictQueue {
		return
	}

	newlyCompatibleFirst := false
	for i := 0; i < len(h.conflict); {
		req := h.conflict[i]
		mode := req.Mode()

		if conflicts(mode, h.grantedModes) {
			if i == 0 && !newlyCompatibleFirst {
				break
			}
			i++
			continue
		}

		h.conflict = slices.Delete(h.conflict, i, i+1)
		h.decConflictModeCount(mode)
		h.granted = append(h.granted, req)
		h.incGrantedModeCount(mode)

		if req.CompatibleFirst {
			h.compatibleFirstCount++
			newlyCompatibleFirst = true
		}

		req.setStatus(StatusGranted)
		req.Notify.Notify(ResultGranted)

		// Nothing is compatible with a newly granted X, so stop.
		if mode == ModeX {
			break
		}
	}
}

// partitionedLockHead parks intent grants for one hot resource within a
// single partition. It has no queues: every request on it is granted, and
// any conflicting arrival first migrates these grants back to the main head.
type partitionedLockHead struct {
	// head is the main lock head the grants migrate back to.
	head    *LockHead
	granted []*Request
}

func (ph *partitionedLockHead) newRequest(req *Request) {
	req.head = ph.head
	req.partitionedHead = ph
	req.setStatus(StatusGranted)
	req.partitioned.Store(true)
	ph.granted = append(ph.granted, req)
}

func (ph *partitionedLockHead) remove(req *Request) {
	ph.granted = removeRequest(ph.granted, req)
	req.partitioned.Store(false)
	req.partitionedHead = nil
}
