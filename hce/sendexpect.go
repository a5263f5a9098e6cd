package hce

import (
	"bytes"
	"context"
	"net"
	"strconv"

	"github.com/openrelayd/relayd/config"
)

// sendExpectReadLimit caps how much of a probe reply SendExpectProber reads
// before comparing against the table's expected pattern.
const sendExpectReadLimit = 8 * 1024

// SendExpectProber implements the SEND-EXPECT check method:
// connect, write Table.SendBuf, read up to 8 KiB, and look for Table.Expect
// as a substring of the reply.
type SendExpectProber struct{}

func (SendExpectProber) Check(ctx context.Context, t *config.Table, h *config.Host) (bool, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(h.Address, strconv.Itoa(int(h.Port))))
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	if len(t.SendBuf) > 0 {
		if _, err := conn.Write(t.SendBuf); err != nil {
			return false, err
		}
	}

	buf := make([]byte, sendExpectReadLimit)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		return false, err
	}

	if len(t.Expect) == 0 {
		return true, nil
	}
	return bytes.Contains(buf[:n], t.Expect), nil
}
