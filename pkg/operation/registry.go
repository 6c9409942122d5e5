package operation

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"granite/pkg/concurrency/lock"
	"granite/pkg/concurrency/lockstate"
)

// Registry tracks every live operation context against one lock manager, so
// that diagnostics can enumerate who holds and waits for what.
type Registry struct {
	mgr      *lock.Manager
	contexts *xsync.MapOf[uuid.UUID, *Context]
}

// NewRegistry creates a registry over the given lock manager.
func NewRegistry(mgr *lock.Manager) *Registry {
	return &Registry{
		mgr:      mgr,
		contexts: xsync.NewMapOf[uuid.UUID, *Context](),
	}
}

// Manager returns the lock manager operations in this registry lock
// against.
func (r *Registry) Manager() *lock.Manager { return r.mgr }

// Begin creates a locker and operation context and registers it.
func (r *Registry) Begin() *Context {
	ctx := NewContext(lockstate.NewLocker(r.mgr))
	r.contexts.Store(ctx.ID(), ctx)
	return ctx
}

// BeginMMAPv1 is Begin for an MMAPv1-style engine locker.
func (r *Registry) BeginMMAPv1() *Context {
	ctx := NewContext(lockstate.NewMMAPv1Locker(r.mgr))
	r.contexts.Store(ctx.ID(), ctx)
	return ctx
}

// Get returns the context for an operation ID.
func (r *Registry) Get(id uuid.UUID) (*Context, error) {
	ctx, ok := r.contexts.Load(id)
	if !ok {
		return nil, errors.Errorf("operation %s not found", id)
	}
	return ctx, nil
}

// End removes a finished operation. Ending an operation that still holds
// locks is a contract violation.
func (r *Registry) End(ctx *Context) {
	if ctx.Locker().IsLocked() {
		panic("operation: ended while holding the global lock")
	}
	r.contexts.Delete(ctx.ID())
}

// Active returns a snapshot of all live contexts.
func (r *Registry) Active() []*Context {
	var active []*Context
	r.contexts.Range(func(_ uuid.UUID, ctx *Context) bool {
		active = append(active, ctx)
		return true
	})
	return active
}

// Count returns the number of live operations.
func (r *Registry) Count() int {
	return r.contexts.Size()
}
