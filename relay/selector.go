package relay

import (
	"errors"
	"hash/fnv"

	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/ids"
)

// ErrNoEligibleHost is returned when a table has no UP, non-warmup host to
// select; the caller closes the session with a 503 (HTTP) or TCP reset.
var ErrNoEligibleHost = errors.New("relay: no eligible backend host")

// Selector implements backend selection for the four table modes:
// roundrobin, source-hash, loadbalance, and hash(<session-hash>). One
// Selector is shared by every session on a relay instance; since a relay
// instance is single-threaded cooperative, its counters need no
// locking.
type Selector struct {
	rr     map[ids.ObjID]int
	active map[ids.ObjID]map[ids.ObjID]int
}

// NewSelector returns an empty Selector.
func NewSelector() *Selector {
	return &Selector{
		rr:     make(map[ids.ObjID]int),
		active: make(map[ids.ObjID]map[ids.ObjID]int),
	}
}

// Select returns one eligible host from t according to t.Mode.
func (s *Selector) Select(t *config.Table, remoteAddr string, hashBytes []byte) (*config.Host, error) {
	eligible := eligibleHosts(t)
	if len(eligible) == 0 {
		return nil, ErrNoEligibleHost
	}

	switch t.Mode {
	case config.ModeSourceHash:
		return eligible[int(fnvHash(remoteAddr)%uint64(len(eligible)))], nil
	case config.ModeSessionHash:
		return eligible[int(fnvHash(string(hashBytes))%uint64(len(eligible)))], nil
	case config.ModeLoadBalance:
		return s.leastActive(t, eligible), nil
	default: // config.ModeRoundRobin and any unrecognised mode
		return s.roundRobin(t), nil
	}
}

// roundRobin advances a cursor over t's full, unfiltered Hosts list rather
// than the currently-eligible subset, so a host flipping eligibility never
// shifts which host the next request after it lands on: with hosts A,B,C
// and B marked down mid-sequence, the cursor must keep landing on
// A,C,A,C,... rather than resyncing to a shorter modulus.
func (s *Selector) roundRobin(t *config.Table) *config.Host {
	n := len(t.Hosts)
	start := s.rr[t.ID] % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		h := t.Hosts[idx]
		if h.Eligible() {
			s.rr[t.ID] = idx + 1
			return h
		}
	}
	return nil
}

// Acquire records that host is now serving one more session under table t,
// feeding ModeLoadBalance's "fewest active sessions" comparison.
func (s *Selector) Acquire(t *config.Table, h *config.Host) {
	m := s.active[t.ID]
	if m == nil {
		m = make(map[ids.ObjID]int)
		s.active[t.ID] = m
	}
	m[h.ID]++
}

// Release undoes a prior Acquire once the session using host ends.
func (s *Selector) Release(t *config.Table, h *config.Host) {
	m := s.active[t.ID]
	if m == nil {
		return
	}
	if m[h.ID] > 0 {
		m[h.ID]--
	}
}

func (s *Selector) leastActive(t *config.Table, eligible []*config.Host) *config.Host {
	m := s.active[t.ID]
	best := eligible[0]
	bestCount := m[best.ID]
	for _, h := range eligible[1:] {
		if c := m[h.ID]; c < bestCount {
			best, bestCount = h, c
		}
	}
	return best
}

func eligibleHosts(t *config.Table) []*config.Host {
	out := make([]*config.Host, 0, len(t.Hosts))
	for _, h := range t.Hosts {
		if h.Eligible() {
			out = append(out, h)
		}
	}
	return out
}

// fnvHash is relayd's consistent-hash primitive for source-hash and
// hash(<session-hash>) backend selection: a stable, fast, non-cryptographic
// hash is exactly what FNV-1a is built for.
func fnvHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
