//go:build linux || darwin

package supervisor

import (
	"context"
	"encoding/binary"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joeycumines/go-eventloop"
	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/internal/rerr"
	"github.com/openrelayd/relayd/internal/rlog"
	"github.com/openrelayd/relayd/ipc"
	"golang.org/x/sys/unix"
)

// Supervisor is the parent process. It owns the
// configuration document, spawns workers, distributes configuration, and
// brokers reload.
type Supervisor struct {
	loop    *eventloop.Loop
	log     *rlog.Logger
	spawner *Spawner

	instances int // N, the relay/ca pre-fork count

	mu      sync.Mutex
	doc     *config.Document
	workers map[WorkerID]*WorkerHandle

	reload *reloadState

	// caLinks holds the CA-side end of a Relay[i]/CA[i] direct socketpair
	// between spawning Relay[i] and spawning CA[i].
	caLinks map[int]*os.File

	// hceLink holds the HCE-side end of the HCE<->PFE direct socketpair
	// between spawning PFE and spawning HCE, mirroring caLinks' relay/ca
	// pairing.
	hceLink *os.File

	// scriptUser is the unprivileged account SCRIPT health checks run as.
	scriptUser ScriptUser

	// loader applies the on-disk configuration file to a Document; the
	// file format itself is out of scope, so this defaults to
	// config.EmptyLoader and is swapped by SetLoader when a real parser is
	// wired in.
	loader  config.Loader
	macros  map[string]string
	cfgFile string

	verbose bool
}

// SetScriptUser configures the account SCRIPT health checks run under.
func (s *Supervisor) SetScriptUser(u ScriptUser) { s.scriptUser = u }

// SetLoader installs the configuration file loader Reload uses when asked
// to re-read a file; the parser itself is an external collaborator this
// repo does not implement.
func (s *Supervisor) SetLoader(l config.Loader) { s.loader = l }

// SetMacros records the -D macro=value pairs passed on re-parse.
func (s *Supervisor) SetMacros(m map[string]string) { s.macros = m }

// SetConfigFile records the file SIGHUP re-reads; control-socket RELOAD may
// override it per call.
func (s *Supervisor) SetConfigFile(path string) { s.cfgFile = path }

// New constructs a Supervisor with n relay/ca instances. It does not spawn
// anything until Start is called.
func New(loop *eventloop.Loop, log *rlog.Logger, instances int) *Supervisor {
	return &Supervisor{
		loop:      loop,
		log:       log,
		spawner:   &Spawner{},
		instances: instances,
		workers:   make(map[WorkerID]*WorkerHandle),
		caLinks:   make(map[int]*os.File),
		loader:    config.EmptyLoader{},
	}
}

// Start spawns every worker in Plan(N), wires their channels, and performs
// the initial configuration distribution.
func (s *Supervisor) Start(doc *config.Document) error {
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()

	for _, id := range Plan(s.instances) {
		var peerEnds []*os.File
		switch id.Role {
		case RolePFE:
			pfeEnd, hceEnd, err := ipc.Socketpair()
			if err != nil {
				return rerr.NewFatal("create pfe/hce link", err)
			}
			peerEnds = []*os.File{pfeEnd}
			s.hceLink = hceEnd
		case RoleHCE:
			if s.hceLink != nil {
				peerEnds = []*os.File{s.hceLink}
				s.hceLink = nil
			}
		case RoleRelay:
			relayEnd, caEnd, err := ipc.Socketpair()
			if err != nil {
				return rerr.NewFatal("create relay/ca link for instance "+id.String(), err)
			}
			peerEnds = []*os.File{relayEnd}
			s.caLinks[id.Instance] = caEnd
		case RoleCA:
			if caEnd, ok := s.caLinks[id.Instance]; ok {
				peerEnds = []*os.File{caEnd}
				delete(s.caLinks, id.Instance)
			}
		}

		handle, err := s.spawner.Spawn(s.loop, id, peerEnds...)
		if err != nil {
			return rerr.NewFatal("spawn "+id.String(), err)
		}
		handle.Channel.OnMessage = s.onMessageFrom(id)
		handle.Channel.OnClosed = s.onClosed(id, handle)
		s.workers[id] = handle
	}

	s.installSignalHandlers()

	return s.distribute(config.ScopeAll)
}

// distribute runs the config distribution fan-out: send every entity as
// CFG_* messages, then CFG_DONE, and arm reloadPending = 2 + 2*N (HCE, PFE,
// CA x N, Relay x N).
func (s *Supervisor) distribute(scope config.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := 2 + 2*s.instances
	s.reload = &reloadState{pending: pending, scope: scope}

	for id, w := range s.workers {
		if err := s.sendConfigTo(id, w); err != nil {
			return err
		}
	}
	s.zeroKeys()
	return nil
}

// sendConfigTo replays the whole document to one worker as CFG_* messages:
// each table immediately followed by its hosts and a CFG_TABLE_DONE, each
// protocol's rules, then every relay, then CFG_DONE.
func (s *Supervisor) sendConfigTo(id WorkerID, w *WorkerHandle) error {
	for _, t := range s.doc.Tables {
		if err := w.Channel.Send(ipc.New(ipc.TypeCfgTable, EncodeTable(t))); err != nil {
			return rerr.NewFatal("send CFG_TABLE to "+id.String(), err)
		}
		for _, h := range t.Hosts {
			if err := w.Channel.Send(ipc.New(ipc.TypeCfgHost, EncodeHost(h))); err != nil {
				return rerr.NewFatal("send CFG_HOST to "+id.String(), err)
			}
		}
		if err := w.Channel.Send(ipc.New(ipc.TypeCfgTableDone, nil)); err != nil {
			return rerr.NewFatal("send CFG_TABLE_DONE to "+id.String(), err)
		}
	}
	for _, p := range s.doc.Protocols {
		for _, r := range p.Rules {
			if err := w.Channel.Send(ipc.New(ipc.TypeCfgRule, EncodeRule(r))); err != nil {
				return rerr.NewFatal("send CFG_RULE to "+id.String(), err)
			}
		}
		if err := w.Channel.Send(ipc.New(ipc.TypeCfgProtocol, EncodeProtocol(p))); err != nil {
			return rerr.NewFatal("send CFG_PROTOCOL to "+id.String(), err)
		}
	}
	for _, r := range s.doc.Relays {
		if err := w.Channel.Send(ipc.New(ipc.TypeCfgRelay, EncodeRelayFor(r, id.Role))); err != nil {
			return rerr.NewFatal("send CFG_RELAY to "+id.String(), err)
		}
	}
	return w.Channel.Send(ipc.New(ipc.TypeCfgDone, nil))
}

// zeroKeys overwrites the parent's copy of every relay's private-key bytes
// once distribution has completed: nothing outside a CA worker may keep key
// bytes once they have shipped. The public cert halves stay, since SHOW
// RELAYS and a scope-narrow reload still need them.
func (s *Supervisor) zeroKeys() {
	for _, r := range s.doc.Relays {
		r.TLS.Zero()
	}
}

func (s *Supervisor) onMessageFrom(id WorkerID) func(ipc.Message) {
	return func(m ipc.Message) {
		switch m.Header.Type {
		case ipc.TypeCfgAck:
			s.onAck(id)
		case ipc.TypeHostStatus:
			s.onHostStatus(id, m)
		case ipc.TypeScriptRun:
			s.onScriptRun(id, m)
		case ipc.TypeBindAny:
			s.onBindAny(id, m)
		case ipc.TypeCtlFail:
			s.log.Err().Str("worker", id.String()).Log("worker reported CTL_FAIL")
		}
	}
}

func (s *Supervisor) onAck(id WorkerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reload == nil {
		return
	}
	if w, ok := s.workers[id]; ok {
		if w.Acked {
			return
		}
		w.Acked = true
	}
	s.reload.pending--
	s.log.Debug().Str("worker", id.String()).Int("pending", s.reload.pending).Log("CFG_DONE acked")
	if s.reload.pending == 0 {
		s.broadcastStart()
		s.reload = nil
		for _, w := range s.workers {
			w.Acked = false
		}
	}
}

func (s *Supervisor) broadcastStart() {
	for id, w := range s.workers {
		if err := w.Channel.Send(ipc.New(ipc.TypeCtlStart, nil)); err != nil {
			s.log.Err().Str("worker", id.String()).Err(err).Log("failed to send CTL_START")
		}
	}
	s.log.Info().Log("CTL_START broadcast: all workers configured")
}

func (s *Supervisor) onHostStatus(id WorkerID, m ipc.Message) {
	// The parent only needs host transitions for its own bookkeeping
	// (e.g. SHOW HOSTS on the control socket); PFE is the consumer that
	// acts on them by reconciling the packet filter. The payload is
	// hce.EncodeHostStatus's: host id, table id, state byte.
	if len(m.Payload) < 9 {
		s.log.Err().Str("worker", id.String()).Log("malformed HOST_STATUS")
		return
	}
	hostID := binary.LittleEndian.Uint32(m.Payload[0:4])
	state := config.HostState(m.Payload[8])
	s.mu.Lock()
	for _, t := range s.doc.Tables {
		for _, h := range t.Hosts {
			if uint32(h.ID) == hostID {
				h.State = state
			}
		}
	}
	s.mu.Unlock()
	s.log.Debug().Str("worker", id.String()).Log("host status update")
}

func (s *Supervisor) onClosed(id WorkerID, handle *WorkerHandle) func(error) {
	return func(err error) {
		if id.Role == RoleCA {
			// A CA worker is respawnable in place: its relay keeps running
			// (in-flight handshakes fail, which is session-local) and gets a
			// fresh direct link once the replacement is up.
			s.log.Err().Str("worker", id.String()).Err(err).Log("ca worker died, respawning")
			s.respawnCA(id, handle)
			return
		}
		s.log.Crit().Str("worker", id.String()).Err(err).Log("worker channel closed: unexpected child death")
		// Unexpected death of any other child takes the whole daemon down.
		s.Shutdown()
	}
}

// respawnCA replaces one dead CA[i]: new socketpair, new child, a fresh
// config replay straight to it, and a CA_LINK hand-off of the relay-side end
// to Relay[i]. Key material may be unavailable (the parent zeroed its copies
// after the last distribution); a re-parse of the config file restores it
// when a real parser is wired, otherwise the respawned CA serves no keys
// until the next successful reload, which is logged.
func (s *Supervisor) respawnCA(id WorkerID, dead *WorkerHandle) {
	s.mu.Lock()
	if s.workers[id] != dead {
		s.mu.Unlock()
		return // already replaced
	}
	s.mu.Unlock()

	relayEnd, caEnd, err := ipc.Socketpair()
	if err != nil {
		s.log.Crit().Str("worker", id.String()).Err(err).Log("respawn: socketpair failed")
		s.Shutdown()
		return
	}

	handle, err := s.spawner.Spawn(s.loop, id, caEnd)
	if err != nil {
		relayEnd.Close()
		s.log.Crit().Str("worker", id.String()).Err(err).Log("respawn failed")
		s.Shutdown()
		return
	}
	handle.Channel.OnMessage = s.onMessageFrom(id)
	handle.Channel.OnClosed = s.onClosed(id, handle)

	s.mu.Lock()
	s.workers[id] = handle
	s.mu.Unlock()

	if parsed, perr := s.parse(s.cfgFile); perr == nil {
		s.mu.Lock()
		s.doc = mergeByScope(s.doc, parsed, config.ScopeAll)
		s.mu.Unlock()
	} else {
		s.log.Warning().Str("worker", id.String()).Err(perr).Log("respawn: key material unavailable until next reload")
	}

	s.mu.Lock()
	err = s.sendConfigTo(id, handle)
	s.zeroKeys()
	s.mu.Unlock()
	if err != nil {
		s.log.Crit().Str("worker", id.String()).Err(err).Log("respawn: config replay failed")
		s.Shutdown()
		return
	}
	if err := handle.Channel.Send(ipc.New(ipc.TypeCtlStart, nil)); err != nil {
		s.log.Err().Str("worker", id.String()).Err(err).Log("respawn: CTL_START failed")
	}

	// Hand Relay[i] its end of the new link; the channel owns the parent's
	// copy of the fd and closes it once the message ships.
	relayID := WorkerID{Role: RoleRelay, Instance: id.Instance}
	s.mu.Lock()
	relayHandle, ok := s.workers[relayID]
	s.mu.Unlock()
	if !ok {
		relayEnd.Close()
		return
	}
	fd, err := unix.Dup(int(relayEnd.Fd()))
	relayEnd.Close()
	if err != nil {
		s.log.Err().Str("worker", relayID.String()).Err(err).Log("respawn: dup relay link end failed")
		return
	}
	if err := relayHandle.Channel.Send(ipc.New(ipc.TypeCALink, nil).WithOwnedFD(fd)); err != nil {
		s.log.Err().Str("worker", relayID.String()).Err(err).Log("respawn: CA_LINK hand-off failed")
	}
}

// installSignalHandlers wires SIGINT/SIGTERM (graceful shutdown), SIGCHLD
// (reap), SIGHUP (reload), and ignores SIGPIPE. Signals are
// delivered via os/signal's channel and re-submitted onto the loop goroutine
// rather than handled directly, since Go's signal delivery happens on an
// arbitrary runtime goroutine and the loop's state must only mutate on its
// own goroutine; no ambient global mutation happens from a signal handler.
func (s *Supervisor) installSignalHandlers() {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGCHLD, syscall.SIGHUP)
	signal.Ignore(syscall.SIGPIPE)

	go func() {
		for sig := range sigCh {
			sig := sig
			_ = s.loop.Submit(func() {
				s.handleSignal(sig)
			})
		}
	}()
}

func (s *Supervisor) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM:
		s.Shutdown()
	case syscall.SIGHUP:
		if err := s.Reload(config.ScopeAll, s.cfgFile); err != nil {
			s.log.Err().Err(err).Log("reload failed")
		}
	case syscall.SIGCHLD:
		s.reap()
	}
}

func (s *Supervisor) reap() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
		for id, w := range s.workers {
			if w.Cmd.Process != nil && w.Cmd.Process.Pid == pid {
				if id.Role == RoleCA {
					// The channel hangup drives the respawn (onClosed); the
					// reap itself is just bookkeeping.
					s.log.Err().Str("worker", id.String()).Int("pid", pid).Log("ca child reaped")
					break
				}
				s.log.Crit().Str("worker", id.String()).Int("pid", pid).Log("child exited unexpectedly")
				s.Shutdown()
				return
			}
		}
	}
}

// Shutdown sends CTL_SHUTDOWN to every worker and shuts the parent's event
// loop down. It does not wait for the workers to exit.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.workers {
		if err := w.Channel.Send(ipc.New(ipc.TypeCtlShutdown, nil)); err != nil {
			s.log.Debug().Str("worker", id.String()).Err(err).Log("failed to send CTL_SHUTDOWN")
		}
	}
	_ = s.loop.Shutdown(context.Background())
}
