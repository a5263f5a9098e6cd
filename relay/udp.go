//go:build linux || darwin

package relay

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/openrelayd/relayd/config"
)

// udpFlow tracks one client<->backend UDP association: relayd has no
// connection-oriented framing to multiplex on, so a flow is identified by
// client address and torn down after an idle timeout: the per-session
// inactivity timer applied per flow, since UDP has no session establishment
// to hang timeouts off.
type udpFlow struct {
	backend  *net.UDPConn
	lastSeen time.Time
}

// startUDPRelay opens one UDP socket and fans datagrams out to backends
// selected from table, forwarding backend replies back to whichever client
// last used that flow.
func (e *Engine) startUDPRelay(r *config.Relay, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}

	go e.udpLoop(r, conn)
	return nil
}

func (e *Engine) udpLoop(r *config.Relay, conn *net.UDPConn) {
	if len(r.Tables) == 0 {
		e.log.Err().Str("relay", r.Name).Log("relay: udp relay has no table")
		_ = conn.Close()
		return
	}
	table := r.Tables[0]

	flows := make(map[string]*udpFlow)
	var mu sync.Mutex
	buf := make([]byte, 64*1024)

	for {
		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)

		mu.Lock()
		flow, ok := flows[clientAddr.String()]
		mu.Unlock()
		if !ok {
			host, err := e.selector.Select(table, clientAddr.IP.String(), nil)
			if err != nil {
				e.log.Debug().Str("relay", r.Name).Err(err).Log("relay: udp no eligible backend")
				continue
			}
			backendAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host.Address, strconv.Itoa(int(host.Port))))
			if err != nil {
				continue
			}
			backendConn, err := net.DialUDP("udp", nil, backendAddr)
			if err != nil {
				e.log.Debug().Str("relay", r.Name).Err(err).Log("relay: udp backend dial failed")
				continue
			}
			flow = &udpFlow{backend: backendConn}
			mu.Lock()
			flows[clientAddr.String()] = flow
			mu.Unlock()

			go e.udpReplyLoop(conn, clientAddr, backendConn, flows, &mu, clientAddr.String())
		}

		flow.lastSeen = time.Now()
		_, _ = flow.backend.Write(data)
	}
}

// udpReplyLoop copies one backend's replies back to its originating client
// address until the backend connection is torn down by idle expiry.
func (e *Engine) udpReplyLoop(listener *net.UDPConn, client *net.UDPAddr, backend *net.UDPConn, flows map[string]*udpFlow, mu *sync.Mutex, key string) {
	buf := make([]byte, 64*1024)
	for {
		_ = backend.SetReadDeadline(time.Now().Add(udpIdleTimeout))
		n, err := backend.Read(buf)
		if err != nil {
			mu.Lock()
			delete(flows, key)
			mu.Unlock()
			_ = backend.Close()
			return
		}
		_, _ = listener.WriteToUDP(buf[:n], client)
	}
}

const udpIdleTimeout = 60 * time.Second
