package hce

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/openrelayd/relayd/config"
)

// ICMPProber implements the ICMP check method: an echo request,
// matched by reply within the table's timeout. Raw ICMP sockets require
// CAP_NET_RAW; relayd keeps this privilege by running HCE as the one worker
// that never drops to the unprivileged account for check purposes: the
// privilege-separation model scopes privilege by role, not uniformly to
// "parent only", and HCE needs exactly this one raw-socket capability.
type ICMPProber struct {
	// id is reused across one process's ICMP echo requests; the kernel's
	// reply demultiplexing keys on (id, seq), not just seq, to avoid
	// cross-talk with other ICMP users on the host.
	id int
}

func (p *ICMPProber) Check(ctx context.Context, t *config.Table, h *config.Host) (bool, error) {
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return false, fmt.Errorf("hce: icmp listen (requires CAP_NET_RAW): %w", err)
	}
	defer conn.Close()

	if p.id == 0 {
		p.id = os.Getpid() & 0xffff
	}
	seq := int(time.Now().UnixNano() & 0xffff)

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: []byte("relayd-hce")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return false, err
	}

	dst, err := net.ResolveIPAddr("ip4", h.Address)
	if err != nil {
		return false, err
	}
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return false, err
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}

	rb := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(rb)
		if err != nil {
			return false, err
		}
		reply, err := icmp.ParseMessage(1, rb[:n]) // 1 == ICMP for IPv4
		if err != nil {
			continue
		}
		if reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.ID != p.id || echo.Seq != seq {
			continue
		}
		if peer.String() != dst.String() {
			continue
		}
		return true, nil
	}
}
