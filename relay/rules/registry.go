// Package rules implements the HTTP relay rule engine: the label/tag
// registry and rule matching/action application over a
// session's kv-trees.
package rules

import "github.com/openrelayd/relayd/ids"

// Registry interns label/tag names with reference counts, shared across
// rules. It is single-threaded per worker, so no locking is
// needed; each relay instance owns exactly one Registry.
type Registry struct {
	byName map[string]ids.ObjID
	byID   map[ids.ObjID]string
	refs   map[ids.ObjID]int
	next   uint32
}

// NewRegistry returns an empty label/tag registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]ids.ObjID),
		byID:   make(map[ids.ObjID]string),
		refs:   make(map[ids.ObjID]int),
	}
}

// Intern returns the id for name, creating it with a zero refcount if it
// doesn't already exist.
func (r *Registry) Intern(name string) ids.ObjID {
	if id, ok := r.byName[name]; ok {
		return id
	}
	r.next++
	id := ids.ObjID(r.next)
	r.byName[name] = id
	r.byID[id] = name
	return id
}

// Name returns the interned name for id, or "" if it isn't (or is no
// longer) interned.
func (r *Registry) Name(id ids.ObjID) string {
	return r.byID[id]
}

// Inherit bumps name's refcount by one, interning it first if necessary, and
// returns its id. This models rule_inherit: a rule referencing a
// label/tag bumps the refcount so the name survives as long as any live
// rule points at it.
func (r *Registry) Inherit(name string) ids.ObjID {
	if name == "" {
		return 0
	}
	id := r.Intern(name)
	r.refs[id]++
	return id
}

// Free unrefs id (rule_free). A free that drops the count to
// zero reclaims the interned name entirely.
func (r *Registry) Free(id ids.ObjID) {
	if id == 0 {
		return
	}
	r.refs[id]--
	if r.refs[id] <= 0 {
		name := r.byID[id]
		delete(r.refs, id)
		delete(r.byID, id)
		delete(r.byName, name)
	}
}

// RefCount returns the current outstanding refcount for id (0 if unknown).
func (r *Registry) RefCount(id ids.ObjID) int {
	return r.refs[id]
}
