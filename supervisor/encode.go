package supervisor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/ids"
)

// The CFG_* payloads carry a JSON-encoded snapshot of one entity at a time
//. Everything else about the channel - the header, the
// length ceiling, the fd side-channel - is the fixed binary framing in
// package ipc; only the payload inside a CFG_TABLE/CFG_HOST/CFG_PROTOCOL/
// CFG_RULE/CFG_RELAY message needs a format, and none of the entities here
// sit on a hot path (unlike the per-request rule engine), so there is no
// case for a schema/codegen-based codec.
//
// A Table's Hosts and a Protocol's Rules are never embedded: they travel as
// their own CFG_HOST / CFG_RULE messages, terminated by CFG_TABLE_DONE,
// so reload can add/remove individual hosts without re-sending a table.

type wireTable struct {
	ID       ids.ObjID
	Name     string
	Method   config.CheckMethod
	Mode     config.BackendMode
	Interval int64 // nanoseconds
	Timeout  int64
	Retry    int
	SendBuf  []byte
	Expect   []byte
	Path     string
	Digest   string
	Script   string
	Enabled  bool
}

func EncodeTable(t *config.Table) []byte {
	w := wireTable{
		ID: t.ID, Name: t.Name, Method: t.Method, Mode: t.Mode,
		Interval: int64(t.Interval), Timeout: int64(t.Timeout), Retry: t.Retry,
		SendBuf: t.SendBuf, Expect: t.Expect, Path: t.Path, Digest: t.Digest,
		Script: t.Script, Enabled: t.Enabled,
	}
	buf, err := json.Marshal(w)
	if err != nil {
		panic(fmt.Sprintf("supervisor: EncodeTable: %v", err))
	}
	return buf
}

// DecodeTable reverses EncodeTable. Exported for package worker.
func DecodeTable(payload []byte) (*config.Table, error) {
	var w wireTable
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("supervisor: decode CFG_TABLE: %w", err)
	}
	return &config.Table{
		ID: w.ID, Name: w.Name, Method: w.Method, Mode: w.Mode,
		Interval: time.Duration(w.Interval), Timeout: time.Duration(w.Timeout), Retry: w.Retry,
		SendBuf: w.SendBuf, Expect: w.Expect, Path: w.Path, Digest: w.Digest,
		Script: w.Script, Enabled: w.Enabled,
	}, nil
}

type wireHost struct {
	ID      ids.ObjID
	TableID ids.ObjID
	Address string
	Port    uint16
	Weight  int
	Retry   int
}

func EncodeHost(h *config.Host) []byte {
	w := wireHost{ID: h.ID, TableID: h.TableID, Address: h.Address, Port: h.Port, Weight: h.Weight, Retry: h.Retry}
	buf, err := json.Marshal(w)
	if err != nil {
		panic(fmt.Sprintf("supervisor: EncodeHost: %v", err))
	}
	return buf
}

// DecodeHost reverses EncodeHost. Exported for package worker/hce.
func DecodeHost(payload []byte) (*config.Host, error) {
	var w wireHost
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("supervisor: decode CFG_HOST: %w", err)
	}
	return &config.Host{ID: w.ID, TableID: w.TableID, Address: w.Address, Port: w.Port, Weight: w.Weight, Retry: w.Retry}, nil
}

type wireKvPattern struct {
	Key      string
	Value    string
	HasValue bool
	Flags    config.KvFlag
	Children []*wireKvPattern
}

func toWirePattern(p *config.KvPattern) *wireKvPattern {
	if p == nil {
		return nil
	}
	w := &wireKvPattern{Key: p.Key, Value: p.Value, HasValue: p.HasValue, Flags: p.Flags}
	for _, c := range p.Children {
		w.Children = append(w.Children, toWirePattern(c))
	}
	return w
}

func fromWirePattern(w *wireKvPattern) *config.KvPattern {
	if w == nil {
		return nil
	}
	p := &config.KvPattern{Key: w.Key, Value: w.Value, HasValue: w.HasValue, Flags: w.Flags}
	for _, c := range w.Children {
		p.Children = append(p.Children, fromWirePattern(c))
	}
	return p
}

type wireRule struct {
	ID            ids.ObjID
	Direction     config.Direction
	Action        config.Action
	Label         string
	Tag           string
	Tagged        string
	TableID       ids.ObjID
	Patterns      map[config.KeyType]*wireKvPattern
	TargetType    config.KeyType
	CaseSensitive bool
}

func EncodeRule(r *config.Rule) []byte {
	w := wireRule{
		ID: r.ID, Direction: r.Direction, Action: r.Action,
		Label: r.Label, Tag: r.Tag, Tagged: r.Tagged, TableID: r.TableID,
		TargetType:    r.TargetType,
		CaseSensitive: r.CaseSensitive,
	}
	if len(r.Patterns) > 0 {
		w.Patterns = make(map[config.KeyType]*wireKvPattern, len(r.Patterns))
		for k, v := range r.Patterns {
			w.Patterns[k] = toWirePattern(v)
		}
	}
	buf, err := json.Marshal(w)
	if err != nil {
		panic(fmt.Sprintf("supervisor: EncodeRule: %v", err))
	}
	return buf
}

// DecodeRule reverses EncodeRule. Exported for package worker.
func DecodeRule(payload []byte) (*config.Rule, error) {
	var w wireRule
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("supervisor: decode CFG_RULE: %w", err)
	}
	r := &config.Rule{
		ID: w.ID, Direction: w.Direction, Action: w.Action,
		Label: w.Label, Tag: w.Tag, Tagged: w.Tagged, TableID: w.TableID,
		TargetType:    w.TargetType,
		CaseSensitive: w.CaseSensitive,
	}
	if len(w.Patterns) > 0 {
		r.Patterns = make(map[config.KeyType]*config.KvPattern, len(w.Patterns))
		for k, v := range w.Patterns {
			r.Patterns[k] = fromWirePattern(v)
		}
	}
	return r, nil
}

type wireProtocol struct {
	ID   ids.ObjID
	Name string
	// RuleIDs preserves order; rule bodies travel as individual CFG_RULE
	// messages so a reload can add/remove one rule without resending all.
	RuleIDs []ids.ObjID
}

func EncodeProtocol(p *config.Protocol) []byte {
	w := wireProtocol{ID: p.ID, Name: p.Name}
	for _, r := range p.Rules {
		w.RuleIDs = append(w.RuleIDs, r.ID)
	}
	buf, err := json.Marshal(w)
	if err != nil {
		panic(fmt.Sprintf("supervisor: EncodeProtocol: %v", err))
	}
	return buf
}

// DecodeProtocol decodes a CFG_PROTOCOL payload. lookupRule resolves each
// listed rule id against whatever CFG_RULE bodies the caller has already
// buffered for this distribution pass; a rule id with no match is skipped:
// an unresolvable CFG_* cross-reference is dropped, not fatal; only the
// outer framing violations are.
func DecodeProtocol(payload []byte, lookupRule func(ids.ObjID) *config.Rule) (*config.Protocol, error) {
	var w wireProtocol
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("supervisor: decode CFG_PROTOCOL: %w", err)
	}
	p := &config.Protocol{ID: w.ID, Name: w.Name}
	for _, rid := range w.RuleIDs {
		if r := lookupRule(rid); r != nil {
			p.Rules = append(p.Rules, r)
		}
	}
	return p, nil
}

type wireRelay struct {
	ID         ids.ObjID
	Name       string
	Addr       string
	Port       uint16
	Flags      config.RelayFlag
	ProtocolID ids.ObjID
	TableIDs   []ids.ObjID
	Timeout    int64
	Connect    int64
	TLS        *config.TLSMaterial `json:",omitempty"`
}

// EncodeRelayFor serialises r for one recipient role. Private-key bytes are
// included only when the recipient is a CA worker: key material flows
// parent -> CA and nowhere else, so a relay worker's CFG_RELAY
// carries the public cert halves alone and its process image never contains
// the key even transiently during config replay.
func EncodeRelayFor(r *config.Relay, role Role) []byte {
	w := wireRelay{
		ID: r.ID, Name: r.Name, Addr: r.Addr, Port: r.Port, Flags: r.Flags,
		Timeout: int64(r.Timeout), Connect: int64(r.Connect),
	}
	if r.Proto != nil {
		w.ProtocolID = r.Proto.ID
	}
	for _, t := range r.Tables {
		w.TableIDs = append(w.TableIDs, t.ID)
	}
	if r.TLS != nil {
		if role == RoleCA {
			w.TLS = r.TLS
		} else {
			w.TLS = &config.TLSMaterial{Cert: r.TLS.Cert, CACert: r.TLS.CACert}
		}
	}
	buf, err := json.Marshal(w)
	if err != nil {
		panic(fmt.Sprintf("supervisor: EncodeRelayFor: %v", err))
	}
	return buf
}

// DecodeRelay decodes a CFG_RELAY payload, resolving its protocol/table
// references the same way DecodeProtocol does.
func DecodeRelay(payload []byte, lookupProtocol func(ids.ObjID) *config.Protocol, lookupTable func(ids.ObjID) *config.Table) (*config.Relay, error) {
	var w wireRelay
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("supervisor: decode CFG_RELAY: %w", err)
	}
	r := &config.Relay{
		ID: w.ID, Name: w.Name, Addr: w.Addr, Port: w.Port, Flags: w.Flags,
		Timeout: time.Duration(w.Timeout), Connect: time.Duration(w.Connect), TLS: w.TLS,
	}
	if w.ProtocolID != 0 {
		r.Proto = lookupProtocol(w.ProtocolID)
	}
	for _, tid := range w.TableIDs {
		if t := lookupTable(tid); t != nil {
			r.Tables = append(r.Tables, t)
		}
	}
	return r, nil
}
