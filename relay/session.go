// Package relay implements Relay[i]: the worker that accepts client
// connections, applies the rule engine, selects a backend, and relays
// traffic (TCP, UDP, and HTTP with rewriting) until either side closes.
package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/ids"
	"github.com/openrelayd/relayd/relay/http1"
	"github.com/openrelayd/relayd/relay/rules"
)

// Session is one live L7 connection pair: client socket, backend
// socket, two buffered-event streams, per-direction kv-trees, bound rule
// labels/tags, an optional log buffer, HTTP parser state, byte counters, and
// timeout deadlines. A Session is created by Relay on accept and destroyed
// on either peer's close, error, or timeout; its lifetime never outlives its
// relay process.
type Session struct {
	ID string // minted by ids.NewSessionID

	RemoteAddr string // client's address; the $REMOTE_ADDR macro
	ServerAddr string // relay's own listen address; the $SERVER macro

	Proto *config.Protocol
	Table *config.Table
	Host  *config.Host

	Request  *http1.Message
	Response *http1.Message

	Registry *rules.Registry
	Labels   []ids.ObjID
	Tags     []ids.ObjID

	LogLines  []string
	HashBytes []byte

	BytesIn  int64
	BytesOut int64

	StartedAt     time.Time
	LastActivity  time.Time
	InactivityTTL time.Duration
	ConnectTTL    time.Duration

	hostHeader string // most recently observed request Host header; the $HOST macro
}

// NewSession creates a Session for one accepted connection. reg is the
// relay instance's shared label/tag registry: labels/tags are
// reference-counted across sessions, not per-session.
func NewSession(remoteAddr, serverAddr string, reg *rules.Registry) *Session {
	return &Session{
		ID:         ids.NewSessionID(),
		RemoteAddr: remoteAddr,
		ServerAddr: serverAddr,
		Request:    http1.NewMessage(http1.KindRequest),
		Response:   http1.NewMessage(http1.KindResponse),
		Registry:   reg,
		StartedAt:  time.Now(),
	}
}

// Touch rearms the session's inactivity deadline; called on any I/O
// progress.
func (s *Session) Touch(now time.Time) { s.LastActivity = now }

// Deadline returns when the session's inactivity timer next expires.
func (s *Session) Deadline() time.Time {
	if s.InactivityTTL <= 0 {
		return time.Time{}
	}
	return s.LastActivity.Add(s.InactivityTTL)
}

// RequestContext builds the rule-engine Context for evaluating the request
// direction against s.Request's kv-trees.
func (s *Session) RequestContext() *rules.Context {
	return &rules.Context{Trees: s.Request.Trees, Macros: s}
}

// ResponseContext mirrors RequestContext for the response direction.
func (s *Session) ResponseContext() *rules.Context {
	return &rules.Context{Trees: s.Response.Trees, Macros: s}
}

// Expand implements rules.MacroExpander: macros in rule values are expanded
// just-in-time from live session state. Recognised macros are
// $HOST, $SERVER, and $REMOTE_ADDR; anything else passes through literally,
// since an unrecognised macro name is not an error relayd's rule engine
// defines a reaction for.
func (s *Session) Expand(value string) string {
	r := strings.NewReplacer(
		"$HOST", s.hostHeaderValue(),
		"$SERVER", s.ServerAddr,
		"$REMOTE_ADDR", s.RemoteAddr,
	)
	return r.Replace(value)
}

func (s *Session) hostHeaderValue() string {
	if s.hostHeader != "" {
		return s.hostHeader
	}
	nodeIDs := s.Request.Trees[config.KeyHeader].FindExact("Host")
	if len(nodeIDs) == 0 {
		return ""
	}
	n := s.Request.Trees[config.KeyHeader].Get(nodeIDs[0])
	if n == nil {
		return ""
	}
	s.hostHeader = n.Value
	return s.hostHeader
}

// ApplyResult folds one rules.Result into the session's accumulated state:
// hash bytes, log lines, and labels/tags. It does not touch a MATCH rule's
// bound table, which the relay's connection handler reads from the Result
// itself.
func (s *Session) ApplyResult(res rules.Result) {
	s.HashBytes = append(s.HashBytes, res.HashBytes...)
	s.LogLines = append(s.LogLines, res.LogLines...)
	s.Labels = append(s.Labels, res.Labels...)
	s.Tags = append(s.Tags, res.Tags...)
}

// Release unrefs every label/tag this session inherited, the rule_free
// counterpart run when a session is destroyed.
func (s *Session) Release() {
	for _, id := range s.Labels {
		s.Registry.Free(id)
	}
	for _, id := range s.Tags {
		s.Registry.Free(id)
	}
}

// LogBuffer renders the session's accumulated LOG-action lines as one blob,
// suitable for a control-socket "SHOW SESSIONS" record or access log line.
func (s *Session) LogBuffer() string {
	if len(s.LogLines) == 0 {
		return ""
	}
	return strings.Join(s.LogLines, "; ")
}

// Summary is a one-line description for control-socket / log output.
func (s *Session) Summary() string {
	table := ""
	if s.Table != nil {
		table = s.Table.Name
	}
	host := ""
	if s.Host != nil {
		host = fmt.Sprintf("%s:%d", s.Host.Address, s.Host.Port)
	}
	return fmt.Sprintf("session=%s remote=%s table=%s host=%s in=%d out=%d",
		s.ID, s.RemoteAddr, table, host, s.BytesIn, s.BytesOut)
}
