package hce

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-eventloop"
	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/ipc"
)

// ScriptProber implements the SCRIPT check method by
// round-tripping a SCRIPT/SCRIPT_RESULT pair to the parent, the only process
// permitted to fork/exec. Multiple probes can be in flight at
// once (one per host on a script-checked table), so replies are correlated
// by RequestID rather than assumed to arrive in issue order.
type ScriptProber struct {
	loop *eventloop.Loop
	link *ipc.Channel

	nextID  uint32
	mu      sync.Mutex
	pending map[uint32]chan ipc.ScriptResult
}

// NewScriptProber wraps link, the HCE worker's channel to its parent. loop
// is the HCE process's event loop: Check runs on its own per-host goroutine
// (see Engine.runProbe), so the actual Channel.Send must be submitted back
// onto loop rather than called directly from a foreign goroutine.
func NewScriptProber(loop *eventloop.Loop, link *ipc.Channel) *ScriptProber {
	return &ScriptProber{loop: loop, link: link, pending: make(map[uint32]chan ipc.ScriptResult)}
}

// HandleResult delivers a SCRIPT_RESULT message to whichever Check call is
// waiting on its RequestID; wired as worker.Bootstrap.OnScriptResult.
func (p *ScriptProber) HandleResult(m ipc.Message) {
	res, err := ipc.DecodeScriptResult(m.Payload)
	if err != nil {
		return
	}
	p.mu.Lock()
	ch, ok := p.pending[res.RequestID]
	if ok {
		delete(p.pending, res.RequestID)
	}
	p.mu.Unlock()
	if ok {
		ch <- res
	}
}

// Check sends a SCRIPT request for t.Script against h and blocks (this
// Prober is always invoked from its own per-host goroutine, never the event
// loop goroutine; see Engine.runProbe) until SCRIPT_RESULT arrives or ctx
// expires. Exit code 0 is success, matching a standard shell script
// convention.
func (p *ScriptProber) Check(ctx context.Context, t *config.Table, h *config.Host) (bool, error) {
	id := atomic.AddUint32(&p.nextID, 1)
	replyCh := make(chan ipc.ScriptResult, 1)

	p.mu.Lock()
	p.pending[id] = replyCh
	p.mu.Unlock()

	timeout := int64(5 * time.Second / time.Millisecond)
	if dl, ok := ctx.Deadline(); ok {
		timeout = int64(time.Until(dl) / time.Millisecond)
	}

	req := ipc.ScriptRequest{RequestID: id, Path: t.Script, Host: h.Address, TimeoutMS: timeout}
	sendErr := make(chan error, 1)
	submitErr := p.loop.Submit(func() {
		sendErr <- p.link.Send(ipc.New(ipc.TypeScriptRun, ipc.EncodeScriptRequest(req)))
	})
	if submitErr == nil {
		submitErr = <-sendErr
	}
	if submitErr != nil {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return false, fmt.Errorf("hce: send SCRIPT request: %w", submitErr)
	}

	select {
	case res := <-replyCh:
		if res.Err != "" {
			return false, fmt.Errorf("hce: script %q: %s", t.Script, res.Err)
		}
		return res.ExitCode == 0, nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return false, ctx.Err()
	}
}
