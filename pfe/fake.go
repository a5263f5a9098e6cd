package pfe

import "sync"

// FakeBackend is an in-memory Backend for tests: end-to-end scenarios run
// without a real kernel packet filter.
type FakeBackend struct {
	mu     sync.Mutex
	tables map[string]map[string]BackendHost // table name -> address -> host
}

// NewFakeBackend returns an empty FakeBackend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{tables: make(map[string]map[string]BackendHost)}
}

func (b *FakeBackend) EnsureTable(name string, hosts []BackendHost) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := make(map[string]BackendHost, len(hosts))
	for _, h := range hosts {
		m[h.Address] = h
	}
	b.tables[name] = m
	return nil
}

func (b *FakeBackend) RemoveTable(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tables, name)
	return nil
}

func (b *FakeBackend) SetHostState(table, host string, up bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.tables[table]
	if !ok {
		return errUnknownTable
	}
	h, ok := m[host]
	if !ok {
		return errUnknownTable
	}
	h.Up = up
	m[host] = h
	return nil
}

// Snapshot returns a deep-enough copy of table's current members for test
// assertions.
func (b *FakeBackend) Snapshot(table string) []BackendHost {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.tables[table]
	if !ok {
		return nil
	}
	out := make([]BackendHost, 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	return out
}

// HasTable reports whether table currently exists in the backend.
func (b *FakeBackend) HasTable(table string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tables[table]
	return ok
}
