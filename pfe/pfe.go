// Package pfe implements the packet-filter engine: the worker that keeps an
// external packet filter's tables in sync with relayd's configured tables
// and the live UP/DOWN state HCE publishes.
package pfe

import (
	"fmt"

	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/hce"
	"github.com/openrelayd/relayd/ids"
	"github.com/openrelayd/relayd/internal/rlog"
	"github.com/openrelayd/relayd/ipc"
	"github.com/openrelayd/relayd/worker"
)

// Backend is the packet filter's opaque external API:
// relayd only ever asks it to reconcile a named table's member
// set. A real backend talks to the kernel packet filter; FakeBackend keeps
// the same state in memory for tests.
type Backend interface {
	// EnsureTable replaces the full membership of table name with hosts,
	// creating it if absent. Called once per table after every CFG_DONE
	// (idempotent full reconciliation).
	EnsureTable(name string, hosts []BackendHost) error
	// RemoveTable deletes a table no longer present in the configuration.
	RemoveTable(name string) error
	// SetHostState marks one host up or down within an already-reconciled
	// table, the incremental path HOST_STATUS updates take instead of a
	// full EnsureTable replay.
	SetHostState(table, host string, up bool) error
}

// BackendHost is one table member as the packet filter sees it: address and
// whether it should currently accept traffic.
type BackendHost struct {
	Address string
	Port    uint16
	Up      bool
}

// Engine is the PFE worker: it holds the desired state (from CFG_* replay)
// and reconciles it against Backend, both on a fresh CTL_START/CTL_RESET
// cycle and incrementally as HOST_STATUS arrives from HCE.
type Engine struct {
	log     *rlog.Logger
	boot    *worker.Bootstrap
	backend Backend

	tableByID map[ids.ObjID]*config.Table
	hostByID  map[ids.ObjID]*config.Host
}

// New builds an Engine wired to boot's parent channel; HOST_STATUS from hce
// reaches onHostStatus through boot.OnHostStatus, which cmd/relayd also
// wires to the direct HCE<->PFE link (worker.PeerChanFD), so these updates
// do not pass through the parent.
func New(log *rlog.Logger, boot *worker.Bootstrap, backend Backend) *Engine {
	e := &Engine{
		log:       log,
		boot:      boot,
		backend:   backend,
		tableByID: make(map[ids.ObjID]*config.Table),
		hostByID:  make(map[ids.ObjID]*config.Host),
	}
	boot.OnStart = e.onStart
	boot.OnReset = e.onReset
	boot.OnHostStatus = e.onHostStatus
	return e
}

// onStart runs a full reconciliation of every configured table against the
// backend, both on CTL_START and after every reload. It is idempotent:
// calling it twice with the same doc produces the same backend state.
func (e *Engine) onStart(doc *config.Document) {
	seen := make(map[string]bool, len(doc.Tables))
	for _, t := range doc.Tables {
		e.tableByID[t.ID] = t
		for _, h := range t.Hosts {
			e.hostByID[h.ID] = h
		}
		seen[t.Name] = true
		if err := e.reconcileTable(t); err != nil {
			e.log.Err().Str("table", t.Name).Err(err).Log("pfe: reconcile failed")
		}
	}
	e.log.Info().Int("tables", len(doc.Tables)).Log("pfe: reconciliation complete")
}

// onReset drops every table PFE has previously pushed to the backend; the
// next CFG_* replay's onStart rebuilds from scratch.
func (e *Engine) onReset(config.Scope) {
	for _, t := range e.tableByID {
		if err := e.backend.RemoveTable(t.Name); err != nil {
			e.log.Debug().Str("table", t.Name).Err(err).Log("pfe: remove table on reset")
		}
	}
	e.tableByID = make(map[ids.ObjID]*config.Table)
	e.hostByID = make(map[ids.ObjID]*config.Host)
}

// reconcileTable pushes t's full membership to the backend in one
// idempotent-replace call, no incremental diffing.
func (e *Engine) reconcileTable(t *config.Table) error {
	hosts := make([]BackendHost, 0, len(t.Hosts))
	for _, h := range t.Hosts {
		hosts = append(hosts, BackendHost{
			Address: h.Address,
			Port:    h.Port,
			Up:      h.Eligible(),
		})
	}
	return e.backend.EnsureTable(t.Name, hosts)
}

// onHostStatus applies one HCE state transition incrementally, without a
// full table replay.
func (e *Engine) onHostStatus(m ipc.Message) {
	hostID, tableID, state, ok := hce.DecodeHostStatus(m.Payload)
	if !ok {
		e.log.Err().Log("pfe: malformed HOST_STATUS")
		return
	}
	t, ok := e.tableByID[tableID]
	if !ok {
		return
	}
	h, ok := e.hostByID[hostID]
	if !ok {
		return
	}
	h.State = state
	up := state == config.HostUp && !h.Warmup
	if err := e.backend.SetHostState(t.Name, h.Address, up); err != nil {
		e.log.Err().Str("table", t.Name).Str("host", h.Address).Err(err).Log("pfe: SetHostState failed")
	}
}

// errUnknownTable is returned by backends that enforce EnsureTable-before-
// SetHostState, matching the packet filter's own "no such table" ioctl error.
var errUnknownTable = fmt.Errorf("pfe: unknown table")
