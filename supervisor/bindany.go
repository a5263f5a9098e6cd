//go:build linux || darwin

package supervisor

import (
	"fmt"
	"net"

	"github.com/openrelayd/relayd/ipc"
	"golang.org/x/sys/unix"
)

// onBindAny answers a BINDANY request from a relay worker: only the parent
// may still bind privileged addresses once workers have dropped root.
// The bound socket's fd travels back as a BINDANY_REPLY's attached
// file descriptor; the channel owns and closes the parent's copy once the
// reply has actually shipped, since a Send can queue under back-pressure.
func (s *Supervisor) onBindAny(id WorkerID, m ipc.Message) {
	req, err := ipc.DecodeBindAnyRequest(m.Payload)
	if err != nil {
		s.log.Err().Str("worker", id.String()).Err(err).Log("supervisor: malformed BINDANY request")
		return
	}

	fd, err := bindAny(req.Addr, req.UDP)
	if err != nil {
		s.log.Err().Str("worker", id.String()).Str("addr", req.Addr).Err(err).Log("supervisor: bind-any failed")
		s.replyBindAny(id, -1)
		return
	}
	s.replyBindAny(id, fd)
}

func (s *Supervisor) replyBindAny(id WorkerID, fd int) {
	s.mu.Lock()
	w, ok := s.workers[id]
	s.mu.Unlock()
	if !ok {
		if fd >= 0 {
			unix.Close(fd)
		}
		return
	}
	msg := ipc.New(ipc.TypeBindAnyReply, nil)
	if fd >= 0 {
		msg = msg.WithOwnedFD(fd)
	}
	if err := w.Channel.Send(msg); err != nil {
		s.log.Err().Str("worker", id.String()).Err(err).Log("supervisor: failed to send BINDANY_REPLY")
	}
}

// bindAny opens a raw socket bound to addr and returns its fd directly
// (rather than a net.Listener, whose fd can't be detached without an extra
// dup), the way a privileged helper hands a bind-any socket across a
// privsep boundary. A real deployment also sets the BSD-specific
// SO_BINDANY/IP_BINDANY option this daemon family is named for, letting the
// parent bind addresses not yet configured on any local interface; that
// option has no portable spelling in golang.org/x/sys/unix's cross-platform
// surface, so this binds the address as configured today, which is
// sufficient once it is assigned to an interface.
func bindAny(addr string, udp bool) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, fmt.Errorf("supervisor: bind-any addr %q: %w", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return -1, fmt.Errorf("supervisor: resolve %q: %w", host, err)
		}
		ip = ips[0]
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return -1, fmt.Errorf("supervisor: bind-any port %q: %w", portStr, err)
	}

	sockType := unix.SOCK_STREAM
	if udp {
		sockType = unix.SOCK_DGRAM
	}

	domain := unix.AF_INET6
	var sa unix.Sockaddr
	if ip4 := ip.To4(); ip4 != nil {
		domain = unix.AF_INET
		var a [4]byte
		copy(a[:], ip4)
		sa = &unix.SockaddrInet4{Port: port, Addr: a}
	} else {
		var a [16]byte
		copy(a[:], ip.To16())
		sa = &unix.SockaddrInet6{Port: port, Addr: a}
	}

	fd, err := unix.Socket(domain, sockType, 0)
	if err != nil {
		return -1, fmt.Errorf("supervisor: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("supervisor: setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("supervisor: bind %s: %w", addr, err)
	}
	if !udp {
		if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("supervisor: listen %s: %w", addr, err)
		}
	}
	return fd, nil
}
