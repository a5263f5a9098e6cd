//go:build linux || darwin

// Package worker implements the bootstrap shared by every privilege-separated
// child process (PFE, HCE, Relay[i], CA[i]): attaching to the parent's IPC
// channel on the inherited fd, and replaying CFG_* messages into a shadow
// config.Document that only becomes live once CFG_DONE/CTL_START arrive.
package worker

import (
	"context"
	"fmt"

	"github.com/joeycumines/go-eventloop"
	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/ids"
	"github.com/openrelayd/relayd/internal/rerr"
	"github.com/openrelayd/relayd/internal/rlog"
	"github.com/openrelayd/relayd/ipc"
	"github.com/openrelayd/relayd/supervisor"
)

// ParentChanFD is the fd a child inherits its parent channel on: the
// supervisor always hands the socketpair end to the child as its first
// ExtraFile, which os/exec places at fd 3.
const ParentChanFD = 3

// PeerChanFD is the fd a worker's direct peer link arrives on, right after
// the parent channel: Relay[i]<->CA[i] for the synchronous private-key RPC,
// and HCE<->PFE for HOST_STATUS. These links are not brokered by the parent.
const PeerChanFD = 4

// Bootstrap is the per-process state every worker role wraps with its own
// session/listener/prober logic. It owns the shadow document and the
// CFG_*/CTL_* state machine; callers only implement OnStart/OnReset.
type Bootstrap struct {
	Parent *ipc.Channel
	Log    *rlog.Logger

	// OnStart is invoked once CTL_START arrives: doc is the fully-replayed
	// configuration, now authoritative.
	OnStart func(doc *config.Document)
	// OnReset is invoked on CTL_RESET with the reset's scope: the role must
	// purge everything it built from the previous document before a fresh
	// CFG_* replay begins, keeping live listeners when the scope excludes
	// relays.
	OnReset func(scope config.Scope)
	// OnShutdown is invoked on CTL_SHUTDOWN, immediately before the process
	// is expected to exit.
	OnShutdown func()
	// OnHostStatus is invoked when a HOST_STATUS message arrives from a peer
	// (PFE receives these from HCE).
	OnHostStatus func(m ipc.Message)
	// OnPrivOp and OnCAReply let relay/ca wire the synchronous CA RPC
	// without Bootstrap needing to know its wire shape.
	OnPrivOp  func(m ipc.Message)
	OnCAReply func(m ipc.Message)
	// OnScriptResult delivers a SCRIPT_RESULT reply to HCE's script prober;
	// OnBindAnyReply delivers a BINDANY_REPLY to whichever role requested
	// the bind-any socket (only the parent may actually bind it).
	OnScriptResult func(m ipc.Message)
	OnBindAnyReply func(m ipc.Message)
	// OnCALink delivers a replacement relay/ca direct link fd after the
	// parent respawned this relay's CA worker.
	OnCALink func(m ipc.Message)

	doc       *config.Document
	tableByID map[ids.ObjID]*config.Table
	ruleByID  map[ids.ObjID]*config.Rule
	protoByID map[ids.ObjID]*config.Protocol
	pending   *config.Table
}

// New wraps fd (already non-blocking, per Socketpair) as this worker's
// channel to its parent, registers it on loop, and wires the CFG_*/CTL_*
// dispatcher.
func New(loop *eventloop.Loop, log *rlog.Logger, fd int) (*Bootstrap, error) {
	ch, err := ipc.NewChannel(loop, fd)
	if err != nil {
		return nil, rerr.NewFatal("worker: attach parent channel", err)
	}
	b := &Bootstrap{Parent: ch, Log: log}
	b.reset()
	ch.OnMessage = b.onMessage
	// A protocol violation or hangup on the parent channel is fatal: stop
	// the loop so the worker process exits.
	ch.OnClosed = func(err error) {
		if err != nil {
			log.Crit().Err(err).Log("worker: parent channel failed")
			_ = loop.Shutdown(context.Background())
		}
	}
	return b, nil
}

func (b *Bootstrap) reset() {
	b.doc = &config.Document{}
	b.tableByID = make(map[ids.ObjID]*config.Table)
	b.ruleByID = make(map[ids.ObjID]*config.Rule)
	b.protoByID = make(map[ids.ObjID]*config.Protocol)
	b.pending = nil
}

func (b *Bootstrap) onMessage(m ipc.Message) {
	switch m.Header.Type {
	case ipc.TypeCfgTable:
		t, err := supervisor.DecodeTable(m.Payload)
		if err != nil {
			b.fail("decode CFG_TABLE", err)
			return
		}
		b.pending = t
		b.tableByID[t.ID] = t
		b.doc.Tables = append(b.doc.Tables, t)
	case ipc.TypeCfgHost:
		h, err := supervisor.DecodeHost(m.Payload)
		if err != nil {
			b.fail("decode CFG_HOST", err)
			return
		}
		if b.pending != nil {
			b.pending.Hosts = append(b.pending.Hosts, h)
		}
	case ipc.TypeCfgTableDone:
		b.pending = nil
	case ipc.TypeCfgRule:
		r, err := supervisor.DecodeRule(m.Payload)
		if err != nil {
			b.fail("decode CFG_RULE", err)
			return
		}
		b.ruleByID[r.ID] = r
	case ipc.TypeCfgProtocol:
		p, err := supervisor.DecodeProtocol(m.Payload, func(id ids.ObjID) *config.Rule { return b.ruleByID[id] })
		if err != nil {
			b.fail("decode CFG_PROTOCOL", err)
			return
		}
		b.protoByID[p.ID] = p
		b.doc.Protocols = append(b.doc.Protocols, p)
	case ipc.TypeCfgRelay:
		r, err := supervisor.DecodeRelay(m.Payload,
			func(id ids.ObjID) *config.Protocol { return b.protoByID[id] },
			func(id ids.ObjID) *config.Table { return b.tableByID[id] },
		)
		if err != nil {
			b.fail("decode CFG_RELAY", err)
			return
		}
		b.doc.Relays = append(b.doc.Relays, r)
	case ipc.TypeCfgDone:
		if err := b.Parent.Send(ipc.New(ipc.TypeCfgAck, nil)); err != nil {
			b.fail("send CFG_ACK", err)
		}
	case ipc.TypeCtlStart:
		if b.OnStart != nil {
			b.OnStart(b.doc)
		}
	case ipc.TypeCtlReset:
		scope := config.ScopeAll
		if len(m.Payload) > 0 {
			scope = config.Scope(m.Payload)
		}
		b.reset()
		if b.OnReset != nil {
			b.OnReset(scope)
		}
	case ipc.TypeCtlShutdown:
		if b.OnShutdown != nil {
			b.OnShutdown()
		}
	case ipc.TypeHostStatus:
		if b.OnHostStatus != nil {
			b.OnHostStatus(m)
		}
	case ipc.TypeCAPrivEnc, ipc.TypeCAPrivDec:
		if b.OnPrivOp != nil {
			b.OnPrivOp(m)
		}
	case ipc.TypeCAReply:
		if b.OnCAReply != nil {
			b.OnCAReply(m)
		}
	case ipc.TypeScriptResult:
		if b.OnScriptResult != nil {
			b.OnScriptResult(m)
		}
	case ipc.TypeBindAnyReply:
		if b.OnBindAnyReply != nil {
			b.OnBindAnyReply(m)
		}
	case ipc.TypeCALink:
		if b.OnCALink != nil {
			b.OnCALink(m)
		}
	}
}

// fail reports a fatal protocol violation to the parent and logs; the
// process is expected to exit shortly after, since its channel is the only
// path to further configuration.
func (b *Bootstrap) fail(op string, err error) {
	b.Log.Crit().Str("op", op).Err(err).Log("worker: fatal IPC error")
	_ = b.Parent.Send(ipc.New(ipc.TypeCtlFail, []byte(fmt.Sprintf("%s: %v", op, err))))
}
