// Package kv implements the per-session kv-tree: an arena of key/value nodes
// with parent pointers, indexed both by an exact-match RB-tree and by a
// linear scan for glob matching. The parent/child cycle is modelled as an
// index-based arena rather than pointer cycles, so a subtree is freed by
// dropping indices, not by chasing pointers through a GC-hostile cycle.
package kv

import (
	"strings"
)

// NodeID indexes a single kv node within a Tree's arena. noNode (-1) means
// "no node"; 0 is the id of the arena's first node.
type NodeID int

const noNode NodeID = -1

// Node is one kv entry: a key, a value, and pointers (by NodeID) to its
// parent and children, for multi-valued matches (e.g. repeated headers or
// cookie attributes).
type Node struct {
	Key      string
	Value    string
	parent   NodeID
	children []NodeID
	freed    bool
}

// Tree is an arena-backed kv-tree for one direction of one session (e.g. the
// request header tree, or the query-string tree). It supports both an exact
// RB-tree-equivalent lookup (here, a map index by key, since Go's
// standard library has no RB-tree and a map index gives the same exact-match
// behaviour) and a linear glob scan.
type Tree struct {
	nodes []Node
	free   []NodeID
	// index maps key -> node ids sharing that exact key, kept sorted by
	// insertion order for canonical-order re-serialisation.
	index map[string][]NodeID
	roots []NodeID
}

// NewTree returns an empty kv-tree.
func NewTree() *Tree {
	return &Tree{index: make(map[string][]NodeID)}
}

// Insert adds a new root-level node and returns its id.
func (t *Tree) Insert(key, value string) NodeID {
	return t.insertChild(noNode, key, value)
}

// InsertChild adds value as a child of parent (multi-valued matches, e.g. a
// Set-Cookie attribute list hanging off a cookie node).
func (t *Tree) InsertChild(parent NodeID, key, value string) NodeID {
	return t.insertChild(parent, key, value)
}

func (t *Tree) insertChild(parent NodeID, key, value string) NodeID {
	var id NodeID
	if n := len(t.free); n > 0 {
		id = t.free[n-1]
		t.free = t.free[:n-1]
		t.nodes[id] = Node{Key: key, Value: value, parent: parent}
	} else {
		id = NodeID(len(t.nodes))
		t.nodes = append(t.nodes, Node{Key: key, Value: value, parent: parent})
	}
	if parent == noNode {
		t.roots = append(t.roots, id)
	} else {
		t.nodes[parent].children = append(t.nodes[parent].children, id)
	}
	t.index[key] = append(t.index[key], id)
	return id
}

// Get returns the node at id.
func (t *Tree) Get(id NodeID) *Node {
	if int(id) < 0 || int(id) >= len(t.nodes) || t.nodes[id].freed {
		return nil
	}
	return &t.nodes[id]
}

// Children returns id's child node ids.
func (t *Tree) Children(id NodeID) []NodeID {
	n := t.Get(id)
	if n == nil {
		return nil
	}
	return n.children
}

// Roots returns every root-level node id in insertion order.
func (t *Tree) Roots() []NodeID {
	return t.roots
}

// FindExact returns every root-level node with exactly key, in insertion
// order, the exact lookup used when a rule's kv pattern has no glob
// metacharacters.
func (t *Tree) FindExact(key string) []NodeID {
	ids := t.index[key]
	out := make([]NodeID, 0, len(ids))
	for _, id := range ids {
		if n := t.Get(id); n != nil && n.parent == noNode {
			out = append(out, id)
		}
	}
	return out
}

// FindGlob linearly scans every root-level node and returns those whose key
// case-fold-matches pattern. Used whenever pattern contains glob
// metacharacters. For a non-glob pattern it returns the same set as
// FindExact only when the stored keys' case matches pattern: FindExact is
// case-sensitive, so a key differing from pattern only in case is found
// here but not there.
func (t *Tree) FindGlob(pattern string) []NodeID {
	var out []NodeID
	for _, id := range t.roots {
		n := t.Get(id)
		if n == nil {
			continue
		}
		if GlobMatchFold(pattern, n.Key) {
			out = append(out, id)
		}
	}
	return out
}

// Delete frees id and its entire subtree, collecting indices back onto the
// free list.
func (t *Tree) Delete(id NodeID) {
	n := t.Get(id)
	if n == nil {
		return
	}
	for _, c := range append([]NodeID(nil), n.children...) {
		t.Delete(c)
	}
	if n.parent == noNode {
		t.removeRoot(id)
	} else if p := t.Get(n.parent); p != nil {
		p.children = removeID(p.children, id)
	}
	t.removeFromIndex(n.Key, id)
	n.freed = true
	n.children = nil
	t.free = append(t.free, id)
}

func (t *Tree) removeRoot(id NodeID) {
	t.roots = removeID(t.roots, id)
}

func (t *Tree) removeFromIndex(key string, id NodeID) {
	ids := t.index[key]
	if n := removeID(ids, id); len(n) == 0 {
		delete(t.index, key)
	} else {
		t.index[key] = n
	}
}

func removeID(ids []NodeID, target NodeID) []NodeID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Set collapses every root node for key into one carrying value (the first
// keeps its place, the rest are deleted), inserting one if none exists (the
// SET rule action).
func (t *Tree) Set(key, value string) {
	ids := t.FindExact(key)
	if len(ids) == 0 {
		t.Insert(key, value)
		return
	}
	for _, id := range ids[1:] {
		t.Delete(id)
	}
	t.Get(ids[0]).Value = value
}

// Append adds value under key without removing any existing node (the
// APPEND rule action).
func (t *Tree) Append(key, value string) {
	t.Insert(key, value)
}

// Remove deletes every root node with key (the REMOVE rule action).
func (t *Tree) Remove(key string) {
	for _, id := range t.FindExact(key) {
		t.Delete(id)
	}
}

// GlobMatchFold reports whether name matches pattern (supporting '*', '?',
// and '[...]' classes) case-insensitively, the way relayd's header/cookie
// glob rules do.
func GlobMatchFold(pattern, name string) bool {
	return globMatch(strings.ToLower(pattern), strings.ToLower(name))
}

// GlobMatch is the case-sensitive counterpart of GlobMatchFold, used for
// rules that opt out of relayd's default case-insensitive value comparison.
func GlobMatch(pattern, name string) bool {
	return globMatch(pattern, name)
}

// globMatch is a small recursive glob matcher over '*', '?', and '[abc]'
// classes; the stdlib's path.Match rejects patterns with unescaped path
// separators and differs subtly in '[' handling, so rule globbing uses this
// minimal matcher instead of coercing header/cookie keys into path syntax.
func globMatch(pattern, name string) bool {
	if pattern == "" {
		return name == ""
	}
	switch pattern[0] {
	case '*':
		if globMatch(pattern[1:], name) {
			return true
		}
		for i := 0; i < len(name); i++ {
			if globMatch(pattern[1:], name[i+1:]) {
				return true
			}
		}
		return false
	case '?':
		if name == "" {
			return false
		}
		return globMatch(pattern[1:], name[1:])
	case '[':
		end := strings.IndexByte(pattern, ']')
		if end < 0 || name == "" {
			return false
		}
		class := pattern[1:end]
		if !classMatch(class, name[0]) {
			return false
		}
		return globMatch(pattern[end+1:], name[1:])
	default:
		if name == "" || pattern[0] != name[0] {
			return false
		}
		return globMatch(pattern[1:], name[1:])
	}
}

func classMatch(class string, c byte) bool {
	neg := false
	if len(class) > 0 && class[0] == '^' {
		neg = true
		class = class[1:]
	}
	matched := false
	for i := 0; i < len(class); i++ {
		if i+2 < len(class) && class[i+1] == '-' {
			if class[i] <= c && c <= class[i+2] {
				matched = true
			}
			i += 2
		} else if class[i] == c {
			matched = true
		}
	}
	return matched != neg
}
