package locks

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"granite/pkg/concurrency/lock"
	"granite/pkg/operation"
)

const (
	stressThreads    = 8
	stressIterations = 400
)

func TestStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}

	reg := newTestRegistry()
	ops := make([]*operation.Context, stressThreads)
	for i := range ops {
		ops[i] = reg.Begin()
	}

	var ready atomic.Int32
	var wg sync.WaitGroup
	wg.Add(stressThreads)

	for threadID := 0; threadID < stressThreads; threadID++ {
		go func(threadID int) {
			defer wg.Done()
			ctx := ops[threadID]
			ls := ctx.Locker()

			ready.Add(1)
			for ready.Load() < stressThreads {
			}

			for i := 0; i < stressIterations; i++ {
				sometimes := rand.Intn(15) == 0

				switch i % 7 {
				case 0:
					if threadID == 0 {
						w := NewGlobalWrite(ctx)
						if i%7 == 2 {
							tr := NewTempRelease(ls)
							tr.Close()
						}
						assert.True(t, ls.IsW())
						w.Unlock()
					} else {
						d := NewDBLock(ctx, "foo", lock.ModeS)
						d.Unlock()
					}
				case 1:
					r := NewGlobalRead(ctx)
					assert.True(t, ls.IsReadLocked())
					r.Unlock()
				case 2:
					w := NewGlobalWrite(ctx)
					if sometimes {
						tr := NewTempRelease(ls)
						tr.Close()
					}
					assert.True(t, ls.IsW())
					w.Unlock()
				case 3:
					w := NewGlobalWrite(ctx)
					{
						tr := NewTempRelease(ls)
						tr.Close()
					}
					r := NewGlobalRead(ctx)
					if sometimes {
						tr := NewTempRelease(ls)
						tr.Close()
					}
					assert.True(t, ls.IsW())
					r.Unlock()
					w.Unlock()
				case 4:
					r := NewGlobalRead(ctx)
					r2 := NewGlobalRead(ctx)
					assert.True(t, ls.IsReadLocked())
					r2.Unlock()
					r.Unlock()
				case 5:
					d := NewDBLock(ctx, "foo", lock.ModeS)
					d.Unlock()
					d2 := NewDBLock(ctx, "bar", lock.ModeS)
					d2.Unlock()
				case 6:
					if i > stressIterations/2 {
						switch i % 11 {
						case 0:
							r := NewDBLock(ctx, "foo", lock.ModeS)
							assert.True(t, ls.IsDbLockedForMode("foo", lock.ModeS))
							r2 := NewDBLock(ctx, "foo", lock.ModeS)
							r3 := NewDBLock(ctx, "local", lock.ModeS)
							assert.True(t, ls.IsDbLockedForMode("foo", lock.ModeS))
							assert.True(t, ls.IsDbLockedForMode("local", lock.ModeS))
							r3.Unlock()
							r2.Unlock()
							r.Unlock()
						case 1:
							{
								x := NewDBLock(ctx, "local", lock.ModeS)
								x.Unlock()
							}
							x := NewDBLock(ctx, "local", lock.ModeX)
							if sometimes {
								tr := NewTempRelease(ls)
								tr.Close()
							}
							x.Unlock()
						case 2:
							x := NewDBLock(ctx, "admin", lock.ModeS)
							x.Unlock()
							y := NewDBLock(ctx, "admin", lock.ModeX)
							y.Unlock()
						case 3:
							x := NewDBLock(ctx, "foo", lock.ModeX)
							y := NewDBLock(ctx, "admin", lock.ModeS)
							y.Unlock()
							x.Unlock()
						case 4:
							x := NewDBLock(ctx, "foo2", lock.ModeS)
							y := NewDBLock(ctx, "admin", lock.ModeS)
							y.Unlock()
							x.Unlock()
						case 5:
							x := NewDBLock(ctx, "foo", lock.ModeIS)
							x.Unlock()
						case 6:
							x := NewDBLock(ctx, "foo", lock.ModeIX)
							y := NewDBLock(ctx, "local", lock.ModeIX)
							y.Unlock()
							x.Unlock()
						default:
							w := NewDBLock(ctx, "foo", lock.ModeX)
							{
								tr := NewTempRelease(ls)
								tr.Close()
							}
							r2 := NewDBLock(ctx, "foo", lock.ModeS)
							r3 := NewDBLock(ctx, "local", lock.ModeS)
							r3.Unlock()
							r2.Unlock()
							w.Unlock()
						}
					} else {
						r := NewDBLock(ctx, "foo", lock.ModeS)
						r2 := NewDBLock(ctx, "foo", lock.ModeS)
						r3 := NewDBLock(ctx, "local", lock.ModeS)
						r3.Unlock()
						r2.Unlock()
						r.Unlock()
					}
				}
			}
		}(threadID)
	}

	wg.Wait()

	// The manager must be fully drained: fresh operations acquire at once.
	w := NewGlobalWrite(reg.Begin())
	require.True(t, w.IsLocked())
	w.Unlock()
	r := NewGlobalRead(reg.Begin())
	require.True(t, r.IsLocked())
	r.Unlock()
}

func TestStressPartitioned(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}

	reg := newTestRegistry()
	ops := make([]*operation.Context, stressThreads)
	for i := range ops {
		ops[i] = reg.Begin()
	}

	var ready atomic.Int32
	var wg sync.WaitGroup
	wg.Add(stressThreads)

	for threadID := 0; threadID < stressThreads; threadID++ {
		go func(threadID int) {
			defer wg.Done()
			ctx := ops[threadID]

			ready.Add(1)
			for ready.Load() < stressThreads {
			}

			for i := 0; i < stressIterations; i++ {
				if threadID == 0 {
					if i%100 == 0 {
						w := NewGlobalWrite(ctx)
						w.Unlock()
						continue
					} else if i%100 == 1 {
						r := NewGlobalRead(ctx)
						r.Unlock()
						continue
					}
				}

				if i%2 == 0 {
					x := NewDBLock(ctx, "foo", lock.ModeIS)
					x.Unlock()
				} else {
					x := NewDBLock(ctx, "foo", lock.ModeIX)
					y := NewDBLock(ctx, "local", lock.ModeIX)
					y.Unlock()
					x.Unlock()
				}
			}
		}(threadID)
	}

	wg.Wait()

	w := NewGlobalWrite(reg.Begin())
	require.True(t, w.IsLocked())
	w.Unlock()
	r := NewGlobalRead(reg.Begin())
	require.True(t, r.IsLocked())
	r.Unlock()
}

// TestCompatibleFirstStress churns a read-only interval on and off while
// other goroutines hammer the global lock with try-acquires in every mode.
// While the read-only S hold is up, shared try-acquires must always succeed.
func TestCompatibleFirstStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}

	const numThreads = 6
	const testDuration = 200 * time.Millisecond

	reg := newTestRegistry()
	ops := make([]*operation.Context, numThreads)
	for i := range ops {
		ops[i] = reg.Begin()
	}

	var readOnlyInterval atomic.Uint64
	var done atomic.Bool
	acquisitions := make([]uint64, numThreads)
	timeouts := make([]uint64, numThreads)

	var wg sync.WaitGroup
	wg.Add(numThreads)

	// Thread 0 moves the global lock in and out of the read-only
	// compatibleFirst state.
	go func() {
		defer wg.Done()
		ctx := ops[0]
		end := time.Now().Add(testDuration)
		var intervalCount uint64
		for iters := 0; time.Now().Before(end); iters++ {
			r := NewGlobalReadUntil(ctx, time.Now().Add(time.Duration(iters%2)*time.Millisecond))
			if !r.IsLocked() {
				timeouts[0]++
				r.Unlock()
				continue
			}
			acquisitions[0]++
			intervalCount++
			readOnlyInterval.Store(intervalCount)
			for i := 0; i < iters%200; i++ {
			}
			readOnlyInterval.Store(0)
			r.Unlock()
		}
		done.Store(true)
	}()

	for threadID := 1; threadID < numThreads; threadID++ {
		go func(threadID int) {
			defer wg.Done()
			ctx := ops[threadID]
			for iters := 0; !done.Load(); iters++ {
				var g *GlobalLock
				switch threadID {
				case 1, 2, 3:
					mode := lock.ModeIS
					if iters%20 == 0 {
						mode = lock.ModeS
					}
					interval := readOnlyInterval.Load()
					g = NewGlobalLockEnqueueOnly(ctx, mode, time.Now())
					// While the read-only S hold was continuously up, the
					// compatibleFirst policy guarantees shared success.
					newInterval := readOnlyInterval.Load()
					if interval != 0 && interval == newInterval && !g.IsLocked() {
						t.Errorf("shared try-acquire failed during read-only interval %d", interval)
					}
					g.WaitForLockUntil(time.Now())
				case 4:
					g = NewGlobalLock(ctx, lock.ModeX, time.Now().Add(time.Duration(iters%2)*time.Millisecond))
				default:
					mode := lock.ModeIX
					if iters%25 == 0 {
						mode = lock.ModeS
					}
					g = NewGlobalLock(ctx, mode, time.Now().Add(time.Duration(iters%2)*time.Millisecond))
				}
				if g.IsLocked() {
					acquisitions[threadID]++
				} else {
					timeouts[threadID]++
				}
				g.Unlock()
			}
		}(threadID)
	}

	wg.Wait()

	var total uint64
	for _, n := range acquisitions {
		total += n
	}
	assert.NotZero(t, total)
}
