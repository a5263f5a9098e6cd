//go:build linux || darwin

package ipc

import (
	"fmt"
	"sync"

	"github.com/joeycumines/go-eventloop"
	"golang.org/x/sys/unix"
)

// Channel is one duplex IPC connection registered on the owning process's
// event loop; the reader distinguishes message kinds by type, and
// back-pressure comes from the socket buffer. A Channel has exactly one
// reader and one writer goroutine-equivalent: all of its callbacks run on
// the Loop's own goroutine, and mu serialises Send and onWritable over
// outbox.
type Channel struct {
	fd      int
	loop    *eventloop.Loop
	framer  *Framer
	readBuf []byte

	mu      sync.Mutex
	outbox  []Message

	OnMessage func(Message)
	OnClosed  func(error)
}

// NewChannel registers fd for reading on loop and returns a Channel ready to
// send and receive framed messages. Call Close to unregister and release fd.
func NewChannel(loop *eventloop.Loop, fd int) (*Channel, error) {
	c := &Channel{
		fd:      fd,
		loop:    loop,
		framer:  NewFramer(),
		readBuf: make([]byte, 64*1024),
	}
	if err := loop.RegisterFD(fd, eventloop.EventRead, c.onEvents); err != nil {
		return nil, fmt.Errorf("ipc: register channel fd: %w", err)
	}
	return c, nil
}

// onEvents is the single callback registered with the loop for this fd; it
// must handle whichever interest mask ModifyFD last set, since the loop
// invokes the one callback given to RegisterFD regardless of mask changes.
func (c *Channel) onEvents(events eventloop.IOEvents) {
	if events&eventloop.EventError != 0 || events&eventloop.EventHangup != 0 {
		c.close(fmt.Errorf("ipc: channel hangup/error"))
		return
	}
	if events&eventloop.EventWrite != 0 {
		c.onWritable()
	}
	if events&eventloop.EventRead == 0 {
		return
	}

	n, fd, err := RecvMsg(c.fd, c.readBuf)
	if err != nil {
		if IsEAgain(err) {
			return
		}
		c.close(err)
		return
	}
	if n == 0 {
		c.close(nil)
		return
	}
	if fd >= 0 {
		c.framer.PushFD(fd)
	}

	msgs, err := c.framer.Feed(c.readBuf[:n])
	if err != nil {
		// Fatal protocol violation: the receiver terminates.
		c.close(err)
		return
	}
	for _, m := range msgs {
		if c.OnMessage != nil {
			c.OnMessage(m)
		}
	}
}

// Send queues m for delivery. If the socket buffer is currently full, Send
// retries on the next writability notification.
func (c *Channel) Send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.outbox) > 0 {
		c.outbox = append(c.outbox, m)
		return nil
	}

	if err := SendMsg(c.fd, m); err != nil {
		if IsEAgain(err) {
			c.outbox = append(c.outbox, m)
			return c.loop.ModifyFD(c.fd, eventloop.EventRead|eventloop.EventWrite)
		}
		releaseSentFD(m)
		return err
	}
	releaseSentFD(m)
	return nil
}

// releaseSentFD closes a channel-owned fd once its message is no longer
// pending (sent, or failed terminally).
func releaseSentFD(m Message) {
	if m.CloseFDAfterSend && m.FD >= 0 {
		_ = unix.Close(m.FD)
	}
}

func (c *Channel) onWritable() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.outbox) > 0 {
		if err := SendMsg(c.fd, c.outbox[0]); err != nil {
			if IsEAgain(err) {
				return
			}
			for _, m := range c.outbox {
				releaseSentFD(m)
			}
			c.outbox = nil
			return
		}
		releaseSentFD(c.outbox[0])
		c.outbox = c.outbox[1:]
	}
	_ = c.loop.ModifyFD(c.fd, eventloop.EventRead)
}

func (c *Channel) close(err error) {
	_ = c.loop.UnregisterFD(c.fd)
	if c.OnClosed != nil {
		c.OnClosed(err)
	}
}

// Close unregisters the channel's fd from the loop. The underlying fd
// itself is owned by whoever created it (e.g. the *os.File from
// Socketpair) and is closed there.
func (c *Channel) Close() error {
	return c.loop.UnregisterFD(c.fd)
}
