// Package ids mints the process-wide identifiers used across relayd's
// privilege-separated workers. The parent is the sole minter; workers only
// ever treat an objid as an opaque key.
package ids

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// ObjID is a process-wide 32-bit identifier minted by the parent and used as
// an opaque lookup key by every worker (tables, hosts, relays, rules, pkeys).
type ObjID uint32

// Allocator mints sequential ObjID values. Only the parent owns one of these;
// workers never allocate ids of their own.
type Allocator struct {
	next uint32
}

// NewAllocator returns an Allocator that mints ids starting at 1 (0 is
// reserved to mean "unset").
func NewAllocator() *Allocator {
	return &Allocator{next: 0}
}

// Next returns the next ObjID. Safe for concurrent use, though in practice
// the parent mints ids on its own event loop goroutine only.
func (a *Allocator) Next() ObjID {
	return ObjID(atomic.AddUint32(&a.next, 1))
}

// NewSessionID mints a globally-unique session identifier. Sessions don't
// need to survive a reload or correlate across processes the way an ObjID
// does, so a random UUID (rather than a sequential counter shared over IPC)
// is simplest and collision-free across relay instances.
func NewSessionID() string {
	return uuid.NewString()
}
