package supervisor

import (
	"fmt"
	"strconv"

	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/ids"
)

// CtlHandler adapts a Supervisor to ctlsock.Handler. It exists only because
// Supervisor.Reload takes an explicit config.Scope (used internally by
// SIGHUP and narrow-scope host/table toggles) while the control socket's
// RELOAD command is scope-less - every other Handler method is
// promoted straight from the embedded *Supervisor.
type CtlHandler struct {
	*Supervisor
}

// Reload implements ctlsock.Handler's "RELOAD [file]" as a full, ScopeAll
// reload; SIGHUP (also ScopeAll, re-reading the recorded config file) and
// the HOST/TABLE toggles (ScopeHosts/ScopeTables) call Supervisor.Reload
// directly.
func (h CtlHandler) Reload(file string) error {
	return h.Supervisor.Reload(config.ScopeAll, file)
}

// Show implements ctlsock.Handler's "SHOW (summary|hosts|relays|
// sessions|redirects)". Sessions live inside each Relay worker, not the
// parent, so "sessions" reports that it must be queried per-instance rather
// than fabricating a count the parent doesn't have.
func (s *Supervisor) Show(kind string) ([]string, error) {
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()
	if doc == nil {
		return nil, fmt.Errorf("supervisor: no configuration loaded")
	}

	switch kind {
	case "summary":
		return []string{
			fmt.Sprintf("relays %d", len(doc.Relays)),
			fmt.Sprintf("tables %d", len(doc.Tables)),
			fmt.Sprintf("protocols %d", len(doc.Protocols)),
			fmt.Sprintf("instances %d", s.instances),
		}, nil
	case "hosts":
		var lines []string
		for _, t := range doc.Tables {
			for _, h := range t.Hosts {
				lines = append(lines, fmt.Sprintf("%d %s table=%s addr=%s:%d state=%s", h.ID, t.Name, t.Name, h.Address, h.Port, h.State))
			}
		}
		return lines, nil
	case "relays":
		var lines []string
		for _, r := range doc.Relays {
			lines = append(lines, fmt.Sprintf("%d %s %s:%d flags=%d", r.ID, r.Name, r.Addr, r.Port, r.Flags))
		}
		return lines, nil
	case "redirects":
		var lines []string
		for _, t := range doc.Tables {
			lines = append(lines, fmt.Sprintf("%d %s method=%s hosts=%d", t.ID, t.Name, t.Method, len(t.Hosts)))
		}
		return lines, nil
	case "sessions":
		return nil, fmt.Errorf("supervisor: sessions are tracked per relay instance, not by the parent")
	default:
		return nil, fmt.Errorf("supervisor: unknown SHOW target %q", kind)
	}
}

// findHost locates a host by its decimal objid across every table in the
// live document.
func (s *Supervisor) findHost(idStr string) (*config.Table, *config.Host, error) {
	n, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("supervisor: invalid host id %q: %w", idStr, err)
	}
	id := ids.ObjID(n)
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()
	for _, t := range doc.Tables {
		for _, h := range t.Hosts {
			if h.ID == id {
				return t, h, nil
			}
		}
	}
	return nil, nil, fmt.Errorf("supervisor: no host with id %d", id)
}

func (s *Supervisor) findTable(idStr string) (*config.Table, error) {
	n, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("supervisor: invalid table id %q: %w", idStr, err)
	}
	id := ids.ObjID(n)
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()
	for _, t := range doc.Tables {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("supervisor: no table with id %d", id)
}

// HostEnable implements ctlsock.Handler's "HOST enable|disable <id>":
// it flips the host's state in the live Document and runs a ScopeHosts
// reload, which, like every reload, replays the whole document to every
// worker.
func (s *Supervisor) HostEnable(idStr string, enable bool) error {
	_, h, err := s.findHost(idStr)
	if err != nil {
		return err
	}
	if enable {
		// Re-arm for a fresh hysteresis cycle rather than claiming UP
		// without a probe; HCE will re-promote it after Retry successes.
		h.State = config.HostUnknown
		h.Warmup = true
	} else {
		h.State = config.HostDisabled
	}
	return s.Reload(config.ScopeHosts, "")
}

// TableEnable implements ctlsock.Handler's "TABLE enable|disable <id>".
func (s *Supervisor) TableEnable(idStr string, enable bool) error {
	t, err := s.findTable(idStr)
	if err != nil {
		return err
	}
	t.Enabled = enable
	return s.Reload(config.ScopeTables, "")
}

// Reset implements ctlsock.Handler's "RESET (all|hosts|rules)",
// mapping the control-socket's lowercase scope names onto config.Scope.
func (s *Supervisor) Reset(scope string) error {
	var cs config.Scope
	switch scope {
	case "all", "":
		cs = config.ScopeAll
	case "hosts":
		cs = config.ScopeHosts
	case "rules":
		cs = config.ScopeRules
	default:
		return fmt.Errorf("supervisor: unknown RESET scope %q", scope)
	}
	return s.Reload(cs, "")
}

// SetLogLevel implements ctlsock.Handler's "LOG brief|verbose". relayd's
// logger level is fixed per-process at startup (rlog.New), so this records
// the request for the next respawn rather than claiming to change live
// workers' verbosity, which would need an IPC message type the wire
// protocol doesn't define.
func (s *Supervisor) SetLogLevel(verbose bool) error {
	s.mu.Lock()
	s.verbose = verbose
	s.mu.Unlock()
	s.log.Info().Log("supervisor: LOG verbosity change recorded for next restart")
	return nil
}
