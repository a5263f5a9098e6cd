//go:build linux || darwin

package pfe

import (
	"fmt"
	"os"
	"sync"
)

// PFBackend is the real Backend: it would drive /dev/pf's table ioctls
// (DIOCRADDADDRS / DIOCRDELADDRS / DIOCRGETASTATS) the way the packet filter
// itself expects. The exact ioctl struct layout is platform-specific and
// the packet filter itself is an external collaborator, so this stub opens
// the device to prove the privilege boundary (PFE is the only role that
// needs it) but returns a clear error from every mutating call rather than
// guessing at a struct layout. Deployments needing a working backend wire
// an ioctl implementation in its place; tests use FakeBackend.
type PFBackend struct {
	mu   sync.Mutex
	path string
	dev  *os.File
}

// OpenPF opens the packet filter device node (typically "/dev/pf").
func OpenPF(path string) (*PFBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pfe: open %s: %w", path, err)
	}
	return &PFBackend{path: path, dev: f}, nil
}

// Close releases the device handle.
func (b *PFBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dev.Close()
}

func (b *PFBackend) EnsureTable(name string, hosts []BackendHost) error {
	return fmt.Errorf("pfe: %s: DIOCRADDADDRS/DIOCRCLRASTATS not implemented for %s", name, b.path)
}

func (b *PFBackend) RemoveTable(name string) error {
	return fmt.Errorf("pfe: %s: DIOCRDELTABLE not implemented for %s", name, b.path)
}

func (b *PFBackend) SetHostState(table, host string, up bool) error {
	return fmt.Errorf("pfe: %s/%s: DIOCRSETADDRS not implemented for %s", table, host, b.path)
}
