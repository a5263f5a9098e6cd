//go:build linux || darwin

package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/ids"
	"github.com/openrelayd/relayd/internal/rlog"
	"github.com/openrelayd/relayd/ipc"
	"github.com/openrelayd/relayd/relay/http1"
	"github.com/openrelayd/relayd/relay/rules"
	"github.com/openrelayd/relayd/relay/tlsengine"
	"github.com/openrelayd/relayd/worker"
	"golang.org/x/sys/unix"
)

// Engine is one Relay[i] worker: it owns every listener named by the
// configured relays bound to this instance, accepts connections, runs the
// rule engine over HTTP traffic, and forwards to a selected backend.
type Engine struct {
	log *rlog.Logger

	instance int
	caFD     int // the direct relay/ca link fd (worker.PeerChanFD), or -1

	registry *rules.Registry
	selector *Selector

	// maxSessions caps concurrent sessions so the process keeps a reserve
	// of descriptors for its listeners, channels, and log fds; accepts
	// beyond it are refused until a session closes.
	maxSessions int

	mu       sync.Mutex
	listener map[ids.ObjID]net.Listener
	sessions map[string]*Session
}

// fdReserve is the descriptor headroom kept out of the session budget.
const fdReserve = 64

// New builds an Engine; caFD is the fd of the direct relay/ca link for TLS
// private-key RPCs, or -1 if this instance has none yet.
func New(log *rlog.Logger, boot *worker.Bootstrap, instance, caFD int) *Engine {
	e := &Engine{
		log:         log,
		instance:    instance,
		caFD:        caFD,
		registry:    rules.NewRegistry(),
		selector:    NewSelector(),
		listener:    make(map[ids.ObjID]net.Listener),
		sessions:    make(map[string]*Session),
		maxSessions: sessionBudget(),
	}
	boot.OnStart = e.onStart
	boot.OnReset = e.onReset
	boot.OnCALink = e.onCALink
	return e
}

// caLink returns the current relay/ca direct link fd, or a negative value.
// Resolved per private-key operation so a CA respawn's replacement link
// takes effect for sessions whose tls.Config predates it.
func (e *Engine) caLink() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.caFD
}

// onCALink installs the replacement relay/ca link the parent sends after
// respawning this instance's CA worker; the relay itself never went down.
func (e *Engine) onCALink(m ipc.Message) {
	if m.FD < 0 {
		return
	}
	e.mu.Lock()
	old := e.caFD
	e.caFD = m.FD
	e.mu.Unlock()
	if old >= 0 {
		_ = unix.Close(old)
	}
	e.log.Info().Int("instance", e.instance).Log("relay: ca link re-established")
}

// onStart opens one listener per configured config.Relay bound to this
// instance, the point where the replayed configuration becomes
// authoritative.
// Every instance listens on every relay; each instance binds its own copy
// of the address only once this worker becomes authoritative, the way
// pre-forked listener daemons divide accept load.
func (e *Engine) onStart(doc *config.Document) {
	for _, r := range doc.Relays {
		if err := e.startRelay(r); err != nil {
			e.log.Err().Str("relay", r.Name).Err(err).Log("relay: failed to start listener")
		}
	}
	e.log.Info().Int("relays", len(doc.Relays)).Log("relay: listening")
}

// onReset tears down listeners only when the reset's scope actually replaces
// relays; a hosts/tables/rules-scoped reload leaves live listeners (and the
// sessions behind them) untouched.
func (e *Engine) onReset(scope config.Scope) {
	if scope != config.ScopeAll && scope != config.ScopeRelays {
		return
	}
	e.mu.Lock()
	for id, l := range e.listener {
		_ = l.Close()
		delete(e.listener, id)
	}
	e.mu.Unlock()
}

func (e *Engine) startRelay(r *config.Relay) error {
	e.mu.Lock()
	_, open := e.listener[r.ID]
	e.mu.Unlock()
	if open {
		// Listener survived a narrow-scope reset; nothing to rebind.
		return nil
	}

	addr := net.JoinHostPort(r.Addr, strconv.Itoa(int(r.Port)))
	network := "tcp"
	if r.Flags.Has(config.FlagUDP) {
		network = "udp"
	}

	var l net.Listener
	var err error
	if network == "udp" {
		return e.startUDPRelay(r, addr)
	}
	l, err = net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", addr, err)
	}

	var tlsConf *tls.Config
	if r.Flags.Has(config.FlagSSL) {
		tlsConf, err = e.buildTLSConfig(r)
		if err != nil {
			_ = l.Close()
			return fmt.Errorf("relay: tls config for %s: %w", r.Name, err)
		}
	}

	e.mu.Lock()
	e.listener[r.ID] = l
	e.mu.Unlock()

	go e.acceptLoop(r, l, tlsConf)
	return nil
}

// acceptLoop runs on its own goroutine per listener (net.Listener.Accept is
// inherently blocking); each accepted connection is handed off to its own
// goroutine pair so the accept loop itself never stalls behind a slow
// session: a session's suspension points are its own I/O and timers, never
// another session's backlog.
func (e *Engine) acceptLoop(r *config.Relay, l net.Listener, tlsConf *tls.Config) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return // listener closed (onReset) or fatal accept error
		}
		if !e.admit() {
			// Each session consumes two descriptors (client + backend);
			// refusing here keeps the fd reserve intact until one closes.
			_ = conn.Close()
			continue
		}
		go e.handleConn(r, conn, tlsConf)
	}
}

// admit reports whether a new session fits the descriptor budget.
func (e *Engine) admit() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions) < e.maxSessions
}

// sessionBudget derives the concurrent-session cap from RLIMIT_NOFILE: two
// fds per session, minus the fixed reserve. The limit was already raised to
// its hard ceiling by worker.RaiseFileLimit at startup.
func sessionBudget() int {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 512
	}
	budget := (int(rlim.Cur) - fdReserve) / 2
	if budget < 16 {
		budget = 16
	}
	return budget
}

func (e *Engine) handleConn(r *config.Relay, client net.Conn, tlsConf *tls.Config) {
	defer client.Close()

	if tlsConf != nil {
		tlsConn := tls.Server(client, tlsConf)
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout(r))
		defer cancel()
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			e.log.Debug().Str("relay", r.Name).Err(err).Log("relay: tls handshake failed")
			return
		}
		client = tlsConn
	}

	sess := NewSession(remoteAddrString(client), r.Addr+":"+strconv.Itoa(int(r.Port)), e.registry)
	sess.InactivityTTL = r.Timeout
	sess.ConnectTTL = r.Connect
	defer sess.Release()

	e.mu.Lock()
	e.sessions[sess.ID] = sess
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.sessions, sess.ID)
		e.mu.Unlock()
	}()

	if r.Proto == nil || len(r.Tables) == 0 {
		e.log.Err().Str("relay", r.Name).Log("relay: no protocol/table bound")
		return
	}
	table := r.Tables[0]

	if err := e.readRequestHeaders(client, sess); err != nil {
		e.log.Debug().Str("relay", r.Name).Err(err).Log("relay: request parse failed")
		return
	}

	reqRes := rules.Evaluate(r.Proto.Rules, config.DirRequest, sess.RequestContext(), e.registry)
	sess.ApplyResult(reqRes)
	if reqRes.Terminal && reqRes.Blocked {
		e.writeBlocked(client)
		return
	}
	if reqRes.BoundTable != 0 {
		for _, t := range r.Tables {
			if t.ID == reqRes.BoundTable {
				table = t
				break
			}
		}
	}
	sess.Table = table

	host, err := e.selector.Select(table, sess.RemoteAddr, sess.HashBytes)
	if err != nil {
		e.writeUnavailable(client)
		return
	}
	sess.Host = host
	e.selector.Acquire(table, host)
	defer e.selector.Release(table, host)

	backend, err := net.DialTimeout("tcp", net.JoinHostPort(host.Address, strconv.Itoa(int(host.Port))), connectTimeout(r))
	if err != nil {
		e.log.Debug().Str("relay", r.Name).Str("host", host.Address).Err(err).Log("relay: backend connect failed")
		e.writeUnavailable(client)
		return
	}
	defer backend.Close()

	if _, err := backend.Write(sess.Request.Rebuild(http1.KindRequest)); err != nil {
		return
	}
	if len(sess.Request.Body) > 0 {
		if _, err := backend.Write(sess.Request.Body); err != nil {
			return
		}
	}

	e.pump(client, backend, sess)
}

// readRequestHeaders blocks on client until the request line and headers are
// fully parsed, the point at which rule evaluation and backend selection can
// run. Further body bytes, if any, stream through pump
// once a backend is chosen.
func (e *Engine) readRequestHeaders(client net.Conn, sess *Session) error {
	p := sess.Request.Parser()
	headersDone := false
	p.OnHeadersComplete = func() { headersDone = true }

	buf := make([]byte, 4096)
	for !headersDone {
		n, err := client.Read(buf)
		if n > 0 {
			sess.BytesIn += int64(n)
			if err := p.Feed(buf[:n]); err != nil {
				return err
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// pump relays remaining bytes bidirectionally once rule evaluation has
// chosen a backend; raw byte forwarding (no further per-byte parsing) is
// correct here since the rule engine already ran against the buffered
// request headers before any bytes reached the backend.
func (e *Engine) pump(client, backend net.Conn, sess *Session) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sess.BytesIn += copyIdle(backend, client, sess.InactivityTTL)
		closeWrite(backend)
	}()
	go func() {
		defer wg.Done()
		sess.BytesOut += copyIdle(client, backend, sess.InactivityTTL)
		closeWrite(client)
	}()
	wg.Wait()
}

// copyIdle relays src->dst, rearming src's read deadline on every chunk so a
// session with no traffic for ttl is torn down; the deadline is rearmed on
// any I/O progress. ttl <= 0 disables the timer.
func copyIdle(dst, src net.Conn, ttl time.Duration) int64 {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		if ttl > 0 {
			_ = src.SetReadDeadline(time.Now().Add(ttl))
		}
		n, err := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total
			}
		}
		if err != nil {
			return total
		}
	}
}

func closeWrite(c net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

func (e *Engine) writeBlocked(c net.Conn) {
	_, _ = c.Write([]byte("HTTP/1.1 403 Forbidden\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"))
}

func (e *Engine) writeUnavailable(c net.Conn) {
	_, _ = c.Write([]byte("HTTP/1.1 503 Service Unavailable\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"))
}

func remoteAddrString(c net.Conn) string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func handshakeTimeout(r *config.Relay) time.Duration {
	if r.Connect > 0 {
		return r.Connect
	}
	return 10 * time.Second
}

func connectTimeout(r *config.Relay) time.Duration {
	if r.Connect > 0 {
		return r.Connect
	}
	return 10 * time.Second
}

// buildTLSConfig wires the relay's certificate to a crypto.Signer that
// proxies every private-key operation to the paired CA worker:
// this process never holds r.TLS.Key itself.
func (e *Engine) buildTLSConfig(r *config.Relay) (*tls.Config, error) {
	if e.caLink() < 0 {
		return nil, fmt.Errorf("no ca link available for relay %s", r.Name)
	}
	block, _ := pem.Decode(r.TLS.Cert)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in relay %s certificate", r.Name)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse relay %s certificate: %w", r.Name, err)
	}

	signer, err := tlsengine.NewSigner(e.caLink, r.ID, cert.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("relay %s signer: %w", r.Name, err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{block.Bytes},
			PrivateKey:  signer,
			Leaf:        cert,
		}},
		ClientAuth: clientAuthFor(r),
	}, nil
}

func clientAuthFor(r *config.Relay) tls.ClientAuthType {
	if r.Flags.Has(config.FlagSSLInspect) {
		return tls.RequestClientCert
	}
	return tls.NoClientCert
}
