// Package hce implements the host-check engine: one worker that probes every
// configured host on a jittered schedule and reports state transitions to
// PFE and the parent over IPC.
package hce

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/joeycumines/go-eventloop"
	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/ids"
	"github.com/openrelayd/relayd/internal/rlog"
	"github.com/openrelayd/relayd/ipc"
	"github.com/openrelayd/relayd/worker"
)

// Engine is the HCE worker: it holds a Prober per check method and a
// Scheduler arming one jittered timer per host.
type Engine struct {
	loop  *eventloop.Loop
	log   *rlog.Logger
	boot  *worker.Bootstrap
	sched *Scheduler
	probe map[config.CheckMethod]Prober

	// pfe is the direct HCE->PFE link for host state transitions; the
	// parent also receives HOST_STATUS for its own bookkeeping (SHOW HOSTS
	// on the control socket) via boot.Parent.
	pfe *ipc.Channel

	hostByID  map[ids.ObjID]*config.Host
	tableByID map[ids.ObjID]*config.Table
}

// New builds an Engine wired to boot's parent channel. Attach the PFE link
// separately once it's available.
func New(loop *eventloop.Loop, log *rlog.Logger, boot *worker.Bootstrap) *Engine {
	e := &Engine{
		loop:      loop,
		log:       log,
		boot:      boot,
		sched:     NewScheduler(loop, 10),
		hostByID:  make(map[ids.ObjID]*config.Host),
		tableByID: make(map[ids.ObjID]*config.Table),
	}
	script := NewScriptProber(loop, boot.Parent)
	e.probe = Registry(script)
	boot.OnStart = e.onStart
	boot.OnReset = e.onReset
	boot.OnScriptResult = script.HandleResult
	return e
}

// AttachPFE registers the HCE<->PFE direct link (the fd the parent handed
// this process alongside its own channel, mirroring relay/ca's pairing).
func (e *Engine) AttachPFE(fd int) error {
	ch, err := ipc.NewChannel(e.loop, fd)
	if err != nil {
		return err
	}
	e.pfe = ch
	return nil
}

func (e *Engine) onStart(doc *config.Document) {
	for _, t := range doc.Tables {
		if !t.Enabled {
			continue
		}
		e.tableByID[t.ID] = t
		for _, h := range t.Hosts {
			e.armHost(t, h)
		}
	}
	e.log.Info().Int("tables", len(doc.Tables)).Log("hce: probing started")
}

func (e *Engine) onReset(config.Scope) {
	for _, h := range e.hostByID {
		e.sched.Stop(h)
	}
	e.hostByID = make(map[ids.ObjID]*config.Host)
	e.tableByID = make(map[ids.ObjID]*config.Table)
}

func (e *Engine) armHost(t *config.Table, h *config.Host) {
	if h.Retry < 1 {
		h.Retry = t.Retry
	}
	h.Warmup = true
	e.hostByID[h.ID] = h
	e.sched.Arm(t, h, func() { e.runProbe(t, h) })
}

// runProbe dispatches one check in its own goroutine (network I/O is
// inherently blocking and HCE's single event-loop goroutine must keep
// servicing other hosts' timers and IPC), then folds the result back onto
// the loop goroutine via Submit so Host.RecordResult's state mutation stays
// on the one goroutine that owns it.
func (e *Engine) runProbe(t *config.Table, h *config.Host) {
	prober, ok := e.probe[t.Method]
	if !ok {
		return
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		ok, err := prober.Check(ctx, t, h)
		cancel()
		if err != nil {
			e.log.Debug().Str("host", h.Address).Err(err).Log("hce: probe error")
		}

		_ = e.loop.Submit(func() {
			if h.RecordResult(ok, time.Now()) {
				e.publish(h)
			}
		})
	}()
}

// publish sends HOST_STATUS to PFE and the parent.
func (e *Engine) publish(h *config.Host) {
	payload := encodeHostStatus(h)
	if e.pfe != nil {
		if err := e.pfe.Send(ipc.New(ipc.TypeHostStatus, payload)); err != nil {
			e.log.Err().Err(err).Log("hce: failed to publish HOST_STATUS to pfe")
		}
	}
	if err := e.boot.Parent.Send(ipc.New(ipc.TypeHostStatus, payload)); err != nil {
		e.log.Err().Err(err).Log("hce: failed to publish HOST_STATUS to parent")
	}
	e.log.Info().Str("host", h.Address).Str("state", h.State.String()).Log("hce: host state transition")
}

// encodeHostStatus packs a HOST_STATUS payload within its 64-byte ceiling
//: host id, table id, and state, fixed-width little-endian.
func encodeHostStatus(h *config.Host) []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.ID))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.TableID))
	buf[8] = byte(h.State)
	return buf
}

// DecodeHostStatus reverses encodeHostStatus; PFE uses this to learn which
// host changed state without re-deriving it from a full config replay.
func DecodeHostStatus(payload []byte) (hostID, tableID ids.ObjID, state config.HostState, ok bool) {
	if len(payload) < 9 {
		return 0, 0, 0, false
	}
	hostID = ids.ObjID(binary.LittleEndian.Uint32(payload[0:4]))
	tableID = ids.ObjID(binary.LittleEndian.Uint32(payload[4:8]))
	state = config.HostState(payload[8])
	return hostID, tableID, state, true
}
