//go:build linux || darwin

package supervisor

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/joeycumines/go-eventloop"
	"github.com/openrelayd/relayd/ipc"
)

// WorkerHandle is everything the parent keeps about one spawned child:
// its OS process, its IPC channel, and its config-distribution state.
type WorkerHandle struct {
	ID      WorkerID
	Cmd     *exec.Cmd
	Channel *ipc.Channel
	Acked   bool // true once this worker has replied CFG_DONE
}

// Spawner re-execs the current binary once per role×instance, handing each
// child one end of a freshly-created socketpair as its IPC channel.
// A single re-exec'd binary, rather than N distinct binaries, is the
// common privsep shape for daemons of this family.
type Spawner struct {
	// Exe is the binary to re-exec; defaults to os.Args[0].
	Exe string
	// ExtraArgs is appended after the role/instance flags relayd always
	// passes (--role, --instance).
	ExtraArgs []string
}

// Spawn forks id as a child process, returning a WorkerHandle with its IPC
// channel already registered on loop. peerEnds are additional inherited
// files passed after the parent channel (fd 3): a Relay/CA pair gets the
// other end of their direct synchronous link here (fd 4), so the private-key
// RPC never has to round-trip through the parent; PFE and HCE get their
// direct link the same way.
func (s *Spawner) Spawn(loop *eventloop.Loop, id WorkerID, peerEnds ...*os.File) (*WorkerHandle, error) {
	exe := s.Exe
	if exe == "" {
		exe = os.Args[0]
	}

	parentEnd, childEnd, err := ipc.Socketpair()
	if err != nil {
		return nil, fmt.Errorf("supervisor: spawn %s: %w", id, err)
	}

	args := append([]string{
		"--role", string(id.Role),
		"--instance", fmt.Sprintf("%d", id.Instance),
	}, s.ExtraArgs...)

	cmd := exec.Command(exe, args...)
	cmd.ExtraFiles = append([]*os.File{childEnd}, peerEnds...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		parentEnd.Close()
		childEnd.Close()
		return nil, fmt.Errorf("supervisor: start %s: %w", id, err)
	}
	// The child has its own copy of childEnd (and peerEnds) post-fork; the
	// parent's copies must be closed so EOF is observable if the child exits
	// without closing its side cleanly, and so the fds aren't leaked here.
	childEnd.Close()
	for _, f := range peerEnds {
		f.Close()
	}

	ch, err := ipc.NewChannel(loop, int(parentEnd.Fd()))
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("supervisor: register channel for %s: %w", id, err)
	}

	return &WorkerHandle{ID: id, Cmd: cmd, Channel: ch}, nil
}
