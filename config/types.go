// Package config holds relayd's in-memory configuration data model.
// The on-disk file format and its parser are out of scope; this
// package only defines the parsed, in-memory Document and the entities it is
// built from, plus the structural-equality rule reload depends on.
package config

import (
	"time"

	"github.com/openrelayd/relayd/ids"
)

// RelayFlag is a bitmask of per-relay behaviour flags.
type RelayFlag uint32

const (
	FlagSSL RelayFlag = 1 << iota
	FlagSSLClient
	FlagSSLInspect
	FlagUDP
	FlagNeedPF
)

// Has reports whether f includes flag.
func (f RelayFlag) Has(flag RelayFlag) bool { return f&flag != 0 }

// CheckMethod names a table's health-check method.
type CheckMethod string

const (
	CheckICMP       CheckMethod = "ICMP"
	CheckTCP        CheckMethod = "TCP"
	CheckHTTP       CheckMethod = "HTTP"
	CheckHTTPS      CheckMethod = "HTTPS"
	CheckSendExpect CheckMethod = "SEND-EXPECT"
	CheckScript     CheckMethod = "SCRIPT"
)

// BackendMode names the table's backend-selection algorithm.
type BackendMode string

const (
	ModeRoundRobin   BackendMode = "roundrobin"
	ModeSourceHash   BackendMode = "source-hash"
	ModeLoadBalance  BackendMode = "loadbalance"
	ModeSessionHash  BackendMode = "hash"
)

// TLSMaterial carries TLS key/cert blobs from the parent to a CA worker. The
// parent zero-fills and frees its copy of Key immediately after the initial
// CFG_RELAY distribution and every reload; it is never present in
// a Relay worker's process image.
type TLSMaterial struct {
	Cert   []byte
	Key    []byte
	CACert []byte
	CAKey  []byte
}

// Zero overwrites the private-key-bearing fields in place so the parent does
// not keep a residual copy in memory after distribution.
func (m *TLSMaterial) Zero() {
	if m == nil {
		return
	}
	for i := range m.Key {
		m.Key[i] = 0
	}
	for i := range m.CAKey {
		m.CAKey[i] = 0
	}
	m.Key = nil
	m.CAKey = nil
}

// Host is a single backend endpoint. HCE's probes drive State, UpCount,
// DownCount, and LastChange; PFE and the parent copy State from HOST_STATUS
// messages into their own documents, and the parent also sets it on a
// control-socket HOST enable|disable.
type Host struct {
	ID        ids.ObjID
	TableID   ids.ObjID
	Address   string
	Port      uint16
	Weight    int
	UpCount   int
	DownCount int

	State      HostState
	LastChange time.Time

	// Warmup is true from the moment a host is added until it completes its
	// first full Retry cycle of checks; a warming-up host is excluded from
	// backend selection even once nominally UP, mirroring relayd-family
	// daemons' treatment of hosts added mid-run.
	Warmup bool

	// Retry consecutive identical results are required to change State.
	Retry int

	consecutive int
	lastResult  bool
}

// HostState is a host's availability state.
type HostState int

const (
	HostUnknown HostState = iota
	HostUp
	HostDown
	HostDisabled
)

func (s HostState) String() string {
	switch s {
	case HostUp:
		return "UP"
	case HostDown:
		return "DOWN"
	case HostDisabled:
		return "DISABLED"
	default:
		return "UNKNOWN"
	}
}

// Table is a named, checked set of backend hosts.
type Table struct {
	ID     ids.ObjID
	Name   string
	Method CheckMethod
	Mode   BackendMode

	Interval time.Duration
	Timeout  time.Duration
	Retry    int

	// SendBuf applies only to CheckSendExpect. Expect is the expected
	// response for CheckSendExpect and the expected body digest for
	// CheckHTTP / CheckHTTPS.
	SendBuf []byte
	Expect  []byte

	// Path and Digest apply only to CheckHTTP / CheckHTTPS.
	Path   string
	Digest string // "" | "md5" | "sha1"

	// Script applies only to CheckScript: a path the parent will fork/exec.
	Script string

	Hosts []*Host

	Enabled bool
}

// StructurallyEqual implements table_findbyconf's identity rule: two
// tables are "the same table" across a reload iff name, method, and
// send-payload are equal, even if other fields (e.g. a bound redirect id)
// changed. Table has no flags field, so flags take no part in the
// comparison. This is what lets a reload that only edits an
// unrelated field preserve host health state instead of resetting it.
//
// Open question: if two tables are identical by this rule but
// differ only in a field this comparison ignores (e.g. a redirect binding),
// relayd treats them as the same table and keeps using the old Hosts slice
// (with its live State) rather than the newly-parsed one; see DESIGN.md.
func (t *Table) StructurallyEqual(other *Table) bool {
	if other == nil {
		return false
	}
	if t.Name != other.Name || t.Method != other.Method {
		return false
	}
	if string(t.SendBuf) != string(other.SendBuf) {
		return false
	}
	return true
}

// Direction names which side of an HTTP exchange a rule applies to.
type Direction string

const (
	DirRequest  Direction = "REQUEST"
	DirResponse Direction = "RESPONSE"
)

// Action names a rule's effect.
type Action string

const (
	ActionMatch  Action = "MATCH"
	ActionPass   Action = "PASS"
	ActionBlock  Action = "BLOCK"
	ActionAppend Action = "APPEND"
	ActionSet    Action = "SET"
	ActionRemove Action = "REMOVE"
	ActionHash   Action = "HASH"
	ActionLog    Action = "LOG"
)

// Terminal reports whether this action ends rule evaluation for its
// direction.
func (a Action) Terminal() bool { return a == ActionPass || a == ActionBlock }

// KeyType names the kind of value a KvPattern matches against.
type KeyType string

const (
	KeyCookie KeyType = "COOKIE"
	KeyHeader KeyType = "HEADER"
	KeyQuery  KeyType = "QUERY"
	KeyPath   KeyType = "PATH"
	KeyURL    KeyType = "URL"
	KeyMethod KeyType = "METHOD"
	KeyState  KeyType = "STATE"
)

// KvFlag is a bitmask of KvPattern flags.
type KvFlag uint8

const (
	KvGlobbing KvFlag = 1 << iota
	KvMacro
)

// KvPattern is one (key, value?, flags) match/rewrite entry, keyed by
// KeyType, with optional children for multi-valued matches.
type KvPattern struct {
	Key      string
	Value    string // "" means "match key presence only"
	HasValue bool
	Flags    KvFlag
	Children []*KvPattern
}

// NewKvPattern derives Flags from key/value automatically, the way relayd's
// rule compiler does: globbing is detected from metacharacters in the key,
// macro expansion from a literal '$' in the value.
func NewKvPattern(key, value string, hasValue bool) *KvPattern {
	p := &KvPattern{Key: key, Value: value, HasValue: hasValue}
	if containsGlobMeta(key) {
		p.Flags |= KvGlobbing
	}
	if hasValue && containsMacro(value) {
		p.Flags |= KvMacro
	}
	return p
}

func containsGlobMeta(s string) bool {
	for _, r := range s {
		switch r {
		case '*', '?', '[':
			return true
		}
	}
	return false
}

func containsMacro(s string) bool {
	for _, r := range s {
		if r == '$' {
			return true
		}
	}
	return false
}

// Rule is one (direction, action, key-patterns) tuple in a Protocol.
type Rule struct {
	ID        ids.ObjID
	Direction Direction
	Action    Action

	Label   string
	Tag     string
	Tagged  string
	TableID ids.ObjID // 0 if unbound

	// Patterns holds at most one KvPattern per KeyType. For APPEND/SET/REMOVE,
	// the pattern named by TargetType doubles as the write target unless it
	// carries a Children entry, in which case the first child is the target;
	// this lets a rule match on one key
	// (e.g. "Host") and write a different, possibly absent, key (e.g.
	// "X-Original-Host") in the same step.
	Patterns map[KeyType]*KvPattern

	// TargetType names which Patterns entry an APPEND/SET/REMOVE action
	// writes through. Required whenever Action is a write action; ignored
	// otherwise. Explicit rather than inferred, since a rule may legally
	// populate more than one key-type.
	TargetType KeyType

	// CaseSensitive controls value comparison; case-fold glob matching
	// still applies to keys regardless of this flag.
	CaseSensitive bool
}

// Protocol is a named, ordered rule list applied to a Relay.
type Protocol struct {
	ID    ids.ObjID
	Name  string
	Rules []*Rule
}

// Relay is one listener+backend-table configuration.
type Relay struct {
	ID      ids.ObjID
	Name    string
	Addr    string
	Port    uint16
	Flags   RelayFlag
	TLS     *TLSMaterial
	Proto   *Protocol
	Tables  []*Table
	Timeout time.Duration
	Connect time.Duration
}

// Document is the full parsed configuration, the unit a reload replaces.
type Document struct {
	Relays    []*Relay
	Tables    []*Table
	Protocols []*Protocol
}

// Scope names which categories of entity a reload re-sends: a
// reload can be scoped to just the tables/hosts that changed rather than
// redistributing everything.
type Scope string

const (
	ScopeAll    Scope = "ALL"
	ScopeRelays Scope = "RELAYS"
	ScopeHosts  Scope = "HOSTS"
	ScopeTables Scope = "TABLES"
	ScopeRules  Scope = "RULES"
)
