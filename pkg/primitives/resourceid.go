package primitives

import (
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ResourceType classifies the levels of the locking hierarchy. The numeric
// order of the constants is the acquisition order: a lock on a resource may
// only be taken while the appropriate locks on all lower-numbered types are
// held (MUTEX resources stand outside the hierarchy).
type ResourceType uint8

const (
	ResourceTypeInvalid ResourceType = iota

	// ResourceTypeGlobal is the singleton resource guarding the entire
	// namespace; always the outermost lock.
	ResourceTypeGlobal

	// ResourceTypeMMAPv1Flush is the singleton flush resource taken alongside
	// the global lock by storage engines that journal through a flush thread.
	ResourceTypeMMAPv1Flush

	ResourceTypeDatabase
	ResourceTypeCollection

	// ResourceTypeMutex resources are free-standing reader/writer mutexes
	// that participate in the lock manager queues but not in the hierarchy.
	ResourceTypeMutex

	resourceTypeCount
)

func (t ResourceType) String() string {
	switch t {
	case ResourceTypeGlobal:
		return "Global"
	case ResourceTypeMMAPv1Flush:
		return "MMAPv1Flush"
	case ResourceTypeDatabase:
		return "Database"
	case ResourceTypeCollection:
		return "Collection"
	case ResourceTypeMutex:
		return "Mutex"
	default:
		return "Invalid"
	}
}

// resourceTypeBits is the width of the type tag packed into the top of a
// ResourceID. Five types fit comfortably in three bits.
const resourceTypeBits = 3

// ResourceID is the 64-bit identity of a lockable resource: the resource type
// in the top three bits and a 61-bit identifier in the rest. For named
// resources the identifier is an FNV-1a hash of the name, so the same name
// deterministically produces the same ID across processes.
type ResourceID uint64

// Well-known singleton identifiers within their type namespace.
const (
	singletonGlobal      = 1
	singletonMMAPv1Flush = 2
)

// Singleton resources.
var (
	ResourceIDGlobal      = NewSingletonResourceID(ResourceTypeGlobal, singletonGlobal)
	ResourceIDMMAPv1Flush = NewSingletonResourceID(ResourceTypeMMAPv1Flush, singletonMMAPv1Flush)
)

// resourceNames records the name behind every hashed ResourceID so that dumps
// and introspection can report human-readable resources. Read-mostly.
var resourceNames = xsync.NewMapOf[ResourceID, string]()

// fnv1a is the 64-bit FNV-1a hash of s.
func fnv1a(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

// NewResourceID builds the ID for a named resource of the given type. The
// name is hashed and remembered in the name catalog.
func NewResourceID(t ResourceType, name string) ResourceID {
	id := packResourceID(t, fnv1a(name))
	resourceNames.Store(id, name)
	return id
}

// NewSingletonResourceID builds the ID for a well-known singleton resource
// from a literal identifier instead of a name hash.
func NewSingletonResourceID(t ResourceType, id uint64) ResourceID {
	return packResourceID(t, id)
}

// mutexIDCounter uniquifies resource-mutex IDs so that two mutexes created
// with the same label are still distinct resources.
var mutexIDCounter uint64

// NewMutexResourceID builds a fresh MUTEX resource carrying the given
// human-readable label. Every call returns a distinct ID.
func NewMutexResourceID(label string) ResourceID {
	id := packResourceID(ResourceTypeMutex, atomic.AddUint64(&mutexIDCounter, 1))
	resourceNames.Store(id, label)
	return id
}

func packResourceID(t ResourceType, id uint64) ResourceID {
	return ResourceID(uint64(t)<<(64-resourceTypeBits) | (id & (1<<(64-resourceTypeBits) - 1)))
}

// IsValid reports whether the ID identifies an actual resource. The zero
// value is invalid.
func (r ResourceID) IsValid() bool {
	return r != 0
}

// Type extracts the resource type tag.
func (r ResourceID) Type() ResourceType {
	t := ResourceType(r >> (64 - resourceTypeBits))
	if t >= resourceTypeCount {
		return ResourceTypeInvalid
	}
	return t
}

// Hash returns the identifier part without the type tag.
func (r ResourceID) Hash() HashCode {
	return HashCode(r & (1<<(64-resourceTypeBits) - 1))
}

// Name returns the recorded name for hashed resources, or the empty string
// for singletons and unknown IDs.
func (r ResourceID) Name() string {
	name, _ := resourceNames.Load(r)
	return name
}

func (r ResourceID) String() string {
	if name := r.Name(); name != "" {
		return fmt.Sprintf("{%d: %s, %s}", uint64(r), r.Type(), name)
	}
	return fmt.Sprintf("{%d: %s, %d}", uint64(r), r.Type(), uint64(r.Hash()))
}
