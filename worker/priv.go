//go:build linux || darwin

package worker

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RaiseFileLimit raises RLIMIT_NOFILE to its hard ceiling. The relay worker
// calls this before accepting its first connection: a relay process can
// easily exhaust the default 1024-fd soft limit under load.
func RaiseFileLimit() error {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return fmt.Errorf("worker: getrlimit: %w", err)
	}
	rlim.Cur = rlim.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return fmt.Errorf("worker: setrlimit: %w", err)
	}
	return nil
}

// DropPrivileges chroots into dir and switches to uid/gid, in that order
// (chroot must happen while still root). A worker calls this once, after
// opening every listening socket it will ever need but before processing
// any configuration that could reach attacker-controlled input.
func DropPrivileges(dir string, uid, gid int) error {
	if dir != "" {
		if err := unix.Chroot(dir); err != nil {
			return fmt.Errorf("worker: chroot %s: %w", dir, err)
		}
		if err := unix.Chdir("/"); err != nil {
			return fmt.Errorf("worker: chdir after chroot: %w", err)
		}
	}
	if gid != 0 {
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("worker: setgid %d: %w", gid, err)
		}
	}
	if uid != 0 {
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("worker: setuid %d: %w", uid, err)
		}
	}
	return nil
}
