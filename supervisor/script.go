//go:build linux || darwin

package supervisor

import (
	"context"
	"os/exec"
	"syscall"
	"time"

	"github.com/openrelayd/relayd/ipc"
)

// ScriptUser names the unprivileged account a SCRIPT health check runs as.
// Zero values run the script as the parent's own uid/gid, which is only correct
// before the parent itself drops privileges; a production deployment sets
// this from the same account the config file names for worker privsep.
type ScriptUser struct {
	UID uint32
	GID uint32
}

// runScript executes req.Path against req.Host with a hard wall-clock
// limit, returning the process's exit code or an error if the
// script could not even be started or ran past its timeout. Only the parent ever calls this: it is
// the one process permitted to fork/exec.
func runScript(user ScriptUser, req ipc.ScriptRequest) (exitCode int, err error) {
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Path, req.Host)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: user.UID, Gid: user.GID},
	}

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return -1, ctx.Err()
	}
	if runErr == nil {
		return 0, nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, runErr
}

// onScriptRun handles a SCRIPT request from HCE, running it synchronously
// on a background goroutine so the parent's event loop keeps servicing
// every other worker's channel, then replies SCRIPT_RESULT to the
// originating worker.
func (s *Supervisor) onScriptRun(id WorkerID, m ipc.Message) {
	req, err := ipc.DecodeScriptRequest(m.Payload)
	if err != nil {
		s.log.Err().Str("worker", id.String()).Err(err).Log("supervisor: malformed SCRIPT request")
		return
	}

	go func() {
		code, runErr := runScript(s.scriptUser, req)
		res := ipc.ScriptResult{RequestID: req.RequestID, ExitCode: code}
		if runErr != nil {
			res.Err = runErr.Error()
		}
		_ = s.loop.Submit(func() {
			s.mu.Lock()
			w, ok := s.workers[id]
			s.mu.Unlock()
			if !ok {
				return
			}
			if err := w.Channel.Send(ipc.New(ipc.TypeScriptResult, ipc.EncodeScriptResult(res))); err != nil {
				s.log.Err().Str("worker", id.String()).Err(err).Log("supervisor: failed to send SCRIPT_RESULT")
			}
		})
	}()
}
