//go:build linux || darwin

package ipc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Socketpair creates a connected pair of Unix domain stream sockets
// suitable for an IPC channel: parent keeps one end, hands the other's fd to
// a freshly-forked child. Both returned files are set
// non-blocking so they can be registered with the event loop.
func Socketpair() (parentEnd, childEnd *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("ipc: socketpair: %w", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("ipc: set nonblock: %w", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("ipc: set nonblock: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "ipc-parent"), os.NewFile(uintptr(fds[1]), "ipc-child"), nil
}

// SendMsg writes m's header+payload over fd, attaching m.FD as SCM_RIGHTS
// ancillary data when present. The header, payload, and fd are delivered in a
// single sendmsg call so a partial read on the receiving end can never
// observe the fd without its framing.
func SendMsg(fd int, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	buf := Encode(m)

	var oob []byte
	if m.FD >= 0 {
		oob = unix.UnixRights(m.FD)
	}

	for {
		n, err := unix.SendmsgN(fd, buf, oob, nil, 0)
		if err == unix.EAGAIN {
			// Back-pressure: the sender must queue and
			// retry, which the caller's event-loop-driven writer does by
			// re-registering for writability; a direct blocking daemon
			// call here would stall the whole worker, so we surface EAGAIN
			// rather than spin.
			return errEAgain
		}
		if err != nil {
			return fmt.Errorf("ipc: sendmsg: %w", err)
		}
		if n < len(buf) {
			return fmt.Errorf("ipc: short sendmsg: wrote %d of %d bytes", n, len(buf))
		}
		return nil
	}
}

// errEAgain is returned by SendMsg when the socket buffer is full; callers
// queue the message and retry once the fd is writable again.
var errEAgain = fmt.Errorf("ipc: EAGAIN")

// IsEAgain reports whether err is the back-pressure sentinel from SendMsg.
func IsEAgain(err error) bool { return err == errEAgain }

// RecvMsg reads up to len(buf) bytes plus one SCM_RIGHTS control message
// from fd. Returns n==0 with no error at EOF (peer closed the channel).
func RecvMsg(fd int, buf []byte) (n int, recvFD int, err error) {
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, 0)
	if err == unix.EAGAIN {
		return 0, -1, errEAgain
	}
	if err != nil {
		return 0, -1, fmt.Errorf("ipc: recvmsg: %w", err)
	}
	if n == 0 {
		return 0, -1, nil
	}

	recvFD = -1
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, c := range cmsgs {
				fds, err := unix.ParseUnixRights(&c)
				if err == nil && len(fds) > 0 {
					recvFD = fds[0]
				}
			}
		}
	}
	return n, recvFD, nil
}
