// Package ctlsock implements the UNIX stream control socket:
// SHOW/HOST/TABLE/RELOAD/RESET/LOG/MONITOR commands sent as newline-terminated
// text lines, with replies streamed as one or more typed records terminated
// by END. The socket does not use worker IPC's ipc.Header framing.
package ctlsock

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/joeycumines/go-eventloop"
	"github.com/openrelayd/relayd/internal/rlog"
)

// Command is one parsed control-socket request.
type Command struct {
	Verb string
	Args []string
}

// ParseCommand splits a line into its verb and arguments ("SHOW hosts" ->
// Verb "SHOW", Args ["hosts"]).
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("ctlsock: empty command")
	}
	return Command{Verb: strings.ToUpper(fields[0]), Args: fields[1:]}, nil
}

// Handler answers one control-socket command. Implementations run on the
// owning process's event loop goroutine; Server.Submit's the call there so a
// Handler never needs its own locking; the single-threaded-per-process
// discipline applies here too.
type Handler interface {
	// Show returns the lines of one SHOW sub-command's reply body (not
	// including the terminating END).
	Show(kind string) ([]string, error)
	// HostEnable enables/disables a host by id (HOST enable|disable <id>).
	HostEnable(id string, enable bool) error
	// TableEnable enables/disables a table by id (TABLE enable|disable <id>).
	TableEnable(id string, enable bool) error
	// Reload triggers a configuration reload, optionally from a named file.
	Reload(file string) error
	// Reset triggers CTL_RESET with the named scope (all|hosts|rules).
	Reset(scope string) error
	// SetLogLevel implements LOG brief|verbose.
	SetLogLevel(verbose bool) error
}

// Server accepts control-socket connections on a UNIX stream listener and
// dispatches each line-delimited command to Handler.
type Server struct {
	loop    *eventloop.Loop
	log     *rlog.Logger
	handler Handler

	mu sync.Mutex
	ln net.Listener
}

// New returns a Server dispatching to handler on loop; Listen opens the
// socket.
func New(loop *eventloop.Loop, log *rlog.Logger, handler Handler) *Server {
	return &Server{loop: loop, log: log, handler: handler}
}

// Listen opens the control socket, removing any stale socket file left by a
// prior instance first (the common UNIX-domain-socket restart idiom).
func (s *Server) Listen(sockPath string) error {
	if err := os.Remove(sockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ctlsock: remove stale socket %s: %w", sockPath, err)
	}
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("ctlsock: listen %s: %w", sockPath, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	go s.acceptLoop(ln)
	s.log.Info().Str("path", sockPath).Log("ctlsock: listening")
	return nil
}

// Close shuts the listener down. Connections already accepted are not
// closed: they keep being served until their peer disconnects.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

// serveConn reads one command per line until the peer closes, replying to
// each with its record lines followed by END, or CTL_FAIL on error.
// Command handling itself is submitted onto the owning loop goroutine,
// since Handler implementations (e.g. the supervisor) mutate shared state
// that must only change on that one goroutine.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewScanner(conn)
	for r.Scan() {
		line := strings.TrimSpace(r.Text())
		if line == "" {
			continue
		}
		cmd, err := ParseCommand(line)
		if err != nil {
			fmt.Fprintf(conn, "CTL_FAIL %v\nEND\n", err)
			continue
		}
		lines, err := s.dispatch(cmd)
		if err != nil {
			fmt.Fprintf(conn, "CTL_FAIL %v\nEND\n", err)
			continue
		}
		for _, l := range lines {
			fmt.Fprintln(conn, l)
		}
		fmt.Fprintln(conn, "END")
	}
}

// dispatch runs cmd against s.handler on the loop goroutine and blocks the
// calling connection goroutine for the result, the same Submit-and-wait
// shape used by hce's SCRIPT round trip.
func (s *Server) dispatch(cmd Command) ([]string, error) {
	type result struct {
		lines []string
		err   error
	}
	done := make(chan result, 1)

	err := s.loop.Submit(func() {
		lines, err := s.run(cmd)
		done <- result{lines, err}
	})
	if err != nil {
		return nil, fmt.Errorf("ctlsock: submit command: %w", err)
	}
	res := <-done
	return res.lines, res.err
}

func (s *Server) run(cmd Command) ([]string, error) {
	switch cmd.Verb {
	case "SHOW":
		if len(cmd.Args) != 1 {
			return nil, fmt.Errorf("SHOW requires exactly one argument")
		}
		return s.handler.Show(cmd.Args[0])
	case "HOST":
		return nil, runEnable(cmd, s.handler.HostEnable)
	case "TABLE":
		return nil, runEnable(cmd, s.handler.TableEnable)
	case "RELOAD":
		file := ""
		if len(cmd.Args) > 0 {
			file = cmd.Args[0]
		}
		return nil, s.handler.Reload(file)
	case "RESET":
		scope := "all"
		if len(cmd.Args) > 0 {
			scope = cmd.Args[0]
		}
		return nil, s.handler.Reset(scope)
	case "LOG":
		if len(cmd.Args) != 1 {
			return nil, fmt.Errorf("LOG requires brief|verbose")
		}
		return nil, s.handler.SetLogLevel(cmd.Args[0] == "verbose")
	case "MONITOR":
		return nil, fmt.Errorf("MONITOR is not supported over a single-shot command connection")
	default:
		return nil, fmt.Errorf("unknown command %q", cmd.Verb)
	}
}

func runEnable(cmd Command, fn func(id string, enable bool) error) error {
	if len(cmd.Args) != 2 {
		return fmt.Errorf("expected enable|disable <id>")
	}
	switch cmd.Args[0] {
	case "enable":
		return fn(cmd.Args[1], true)
	case "disable":
		return fn(cmd.Args[1], false)
	default:
		return fmt.Errorf("expected enable|disable, got %q", cmd.Args[0])
	}
}
