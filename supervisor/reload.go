package supervisor

import (
	"fmt"

	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/internal/rerr"
	"github.com/openrelayd/relayd/ipc"
)

// reloadState tracks one in-flight configuration distribution: how many
// CFG_DONE acks remain before every worker is in sync, and the scope that
// triggered it.
type reloadState struct {
	pending int
	scope   config.Scope
}

// Reload re-parses the configuration (when file is non-empty) and
// redistributes the given scope to every worker, following the
// all-or-nothing choreography:
//
//  1. reject if a reload is already pending (reload_pending > 0) - relayd
//     never overlaps two in-flight distributions.
//  2. re-parse with the new file, keeping the old Document live if parsing
//     fails, so a bad config never tears down a running daemon.
//  3. broadcast CTL_RESET so every worker purges its configuration; relay
//     workers keep their listening sockets open unless the scope covers
//     relays (ALL or RELAYS).
//  4. resend the whole document, then CFG_DONE, and arm reload_pending.
//     The resend does not depend on scope: every entity is sent every time.
//  5. once every worker has acked, broadcast CTL_START.
//
// The on-disk config file format and its parser are external collaborators:
// when file is "", Reload redistributes the already-parsed Document
// unchanged, the path host/table toggles use.
func (s *Supervisor) Reload(scope config.Scope, file string) error {
	s.mu.Lock()
	if s.reload != nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: reload already in progress (scope %s)", s.reload.scope)
	}
	doc := s.doc
	s.mu.Unlock()

	if file != "" {
		parsed, err := s.parse(file)
		if err != nil {
			// Old config stays live; this is a config-local failure, not fatal.
			s.log.Err().Err(err).Str("file", file).Log("reload: keeping previous configuration")
			return err
		}
		doc = mergeByScope(s.doc, parsed, scope)
	}

	s.mu.Lock()
	for id, w := range s.workers {
		if err := w.Channel.Send(ipc.New(ipc.TypeCtlReset, []byte(scope))); err != nil {
			s.mu.Unlock()
			return rerr.NewFatal("broadcast CTL_RESET to "+id.String(), err)
		}
	}
	s.doc = doc
	s.mu.Unlock()

	s.log.Info().Str("scope", string(scope)).Log("reload: CTL_RESET broadcast, redistributing configuration")
	return s.distribute(scope)
}

// parse is the hook for the on-disk configuration file format; it delegates
// to whatever config.Loader SetLoader installed, defaulting to
// config.EmptyLoader.
func (s *Supervisor) parse(file string) (*config.Document, error) {
	s.mu.Lock()
	loader, macros := s.loader, s.macros
	s.mu.Unlock()
	if loader == nil {
		return nil, fmt.Errorf("supervisor: no configuration file parser wired (file %q)", file)
	}
	return loader.Load(file, macros)
}

// mergeByScope folds a freshly-parsed document onto the live one. Tables are
// re-identified by Table.StructurallyEqual (the table_findbyconf rule): a
// parsed table structurally equal to a live one keeps the live Table (its
// id, its Hosts slice, and the health state HCE has accumulated), so a
// reload that only edits unrelated fields never resets availability.
// Narrow scopes keep the corresponding live category wholesale: a RELAYS
// reload does not disturb tables, a TABLES/HOSTS reload does not disturb
// relays or rules.
func mergeByScope(old, parsed *config.Document, scope config.Scope) *config.Document {
	if parsed == nil {
		return old
	}
	if old == nil {
		return parsed
	}

	out := &config.Document{
		Relays:    parsed.Relays,
		Tables:    parsed.Tables,
		Protocols: parsed.Protocols,
	}

	tablesReparsed := true
	switch scope {
	case config.ScopeRelays:
		out.Tables = old.Tables
		out.Protocols = old.Protocols
		tablesReparsed = false
	case config.ScopeRules:
		out.Relays = old.Relays
		out.Tables = old.Tables
		tablesReparsed = false
	case config.ScopeTables, config.ScopeHosts:
		out.Relays = old.Relays
		out.Protocols = old.Protocols
	}

	if tablesReparsed {
		for i, t := range out.Tables {
			if live := findByConf(old.Tables, t); live != nil {
				out.Tables[i] = live
			}
		}
	}
	return out
}

// findByConf returns the live table structurally equal to t, or nil.
func findByConf(live []*config.Table, t *config.Table) *config.Table {
	for _, l := range live {
		if l.StructurallyEqual(t) {
			return l
		}
	}
	return nil
}
