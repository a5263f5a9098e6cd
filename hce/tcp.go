package hce

import (
	"context"
	"net"
	"strconv"

	"github.com/openrelayd/relayd/config"
)

// TCPProber implements the TCP check method: a bare connect, no
// payload. Success is a completed three-way handshake within the table's
// timeout.
type TCPProber struct{}

func (TCPProber) Check(ctx context.Context, t *config.Table, h *config.Host) (bool, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(h.Address, strconv.Itoa(int(h.Port))))
	if err != nil {
		return false, err
	}
	_ = conn.Close()
	return true, nil
}
