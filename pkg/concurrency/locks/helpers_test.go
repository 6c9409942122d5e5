package locks

import (
	"sync/atomic"
	"testing"
	"time"

	"granite/pkg/concurrency/lock"
	"granite/pkg/operation"
)

// newTestRegistry builds an isolated lock manager and operation registry so
// tests cannot interfere with each other.
func newTestRegistry() *operation.Registry {
	return operation.NewRegistry(lock.NewManager())
}

// waitUntil polls cond until it holds, failing the test after a generous
// timeout so a broken wakeup cannot hang the suite.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Error("condition not reached in time")
			return
		}
		time.Sleep(200 * time.Microsecond)
	}
}

// stepState sequences multi-goroutine tests through numbered phases.
type stepState struct {
	step atomic.Int32
	fail atomic.Bool
}

func (s *stepState) waitFor(t *testing.T, n int32) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for s.step.Load() != n {
		if s.fail.Load() || time.Now().After(deadline) {
			s.fail.Store(true)
			t.Errorf("step %d not reached in time", n)
			return
		}
		time.Sleep(200 * time.Microsecond)
	}
}

func (s *stepState) finish(t *testing.T, n int32) {
	t.Helper()
	if prev := s.step.Add(1) - 1; prev != n {
		s.fail.Store(true)
		t.Errorf("finished step %d out of order (expected %d)", prev, n)
	}
}

func (s *stepState) check(t *testing.T, n int32) {
	t.Helper()
	if got := s.step.Load(); got != n {
		s.fail.Store(true)
		t.Errorf("expected step %d, at %d", n, got)
	}
}
