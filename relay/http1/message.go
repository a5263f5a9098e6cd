package http1

import (
	"net/url"
	"strings"

	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/relay/kv"
)

// Message collects one parsed HTTP request or response into the kv-trees the
// rule engine evaluates against: headers, cookies, query, path, URL, and
// method, one tree per direction. It wires a Parser's callbacks to populate
// those trees as bytes stream in, so rule evaluation can run the moment
// headers finish without waiting for the body.
type Message struct {
	Trees map[config.KeyType]*kv.Tree

	Method string
	Path   string
	Proto  string

	StatusCode int

	Body []byte

	parser *Parser
}

// NewMessage builds a Message wrapping a fresh Parser of the given kind.
func NewMessage(kind Kind) *Message {
	m := &Message{
		Trees: map[config.KeyType]*kv.Tree{
			config.KeyHeader: kv.NewTree(),
			config.KeyCookie: kv.NewTree(),
			config.KeyQuery:  kv.NewTree(),
			config.KeyPath:   kv.NewTree(),
			config.KeyURL:    kv.NewTree(),
			config.KeyMethod: kv.NewTree(),
		},
	}
	p := NewParser(kind)
	p.OnRequestLine = m.onRequestLine
	p.OnStatusLine = m.onStatusLine
	p.OnHeader = m.onHeader
	p.OnBody = m.onBody
	m.parser = p
	return m
}

// Parser returns the underlying incremental parser, for Session to Feed.
func (m *Message) Parser() *Parser { return m.parser }

func (m *Message) onRequestLine(method, path, proto string) {
	m.Method = method
	m.Path = path
	m.Proto = proto
	m.Trees[config.KeyMethod].Insert(method, "")
	m.populatePathAndQuery(path)
	m.Trees[config.KeyURL].Insert(path, "")
}

func (m *Message) onStatusLine(proto string, code int, text string) {
	m.Proto = proto
	m.StatusCode = code
}

func (m *Message) populatePathAndQuery(raw string) {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		m.Trees[config.KeyPath].Insert(raw, "")
		return
	}
	m.Trees[config.KeyPath].Insert(u.Path, "")
	for key, values := range u.Query() {
		for _, v := range values {
			m.Trees[config.KeyQuery].Insert(key, v)
		}
	}
}

func (m *Message) onHeader(key, value string) {
	m.Trees[config.KeyHeader].Append(key, value)
	if strings.EqualFold(key, "Cookie") || strings.EqualFold(key, "Set-Cookie") {
		pairs := splitCookiePairs(value)
		if strings.EqualFold(key, "Set-Cookie") && len(pairs) > 1 {
			pairs = pairs[:1]
		}
		for _, pair := range pairs {
			name, val, ok := strings.Cut(pair, "=")
			if !ok {
				continue
			}
			m.Trees[config.KeyCookie].Append(strings.TrimSpace(name), val)
		}
	}
}

func (m *Message) onBody(chunk []byte) {
	m.Body = append(m.Body, chunk...)
}

// splitCookiePairs splits a Cookie/Set-Cookie header's "; "-separated pairs.
// For Set-Cookie, onHeader keeps only the first pair and ignores the
// attribute fields (the first pair is always the actual name=value, which is
// all relayd's rule matching needs).
func splitCookiePairs(header string) []string {
	parts := strings.Split(header, ";")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Rebuild serialises the message back into wire format after rule rewrites
// apply: for KindRequest, a request line built from Method, the path tree's
// first root and the query tree, then every header-tree root in insertion
// order. Edits to the cookie, URL and method trees are not written back, and
// KindResponse gets the header block only, with no status line.
func (m *Message) Rebuild(kind Kind) []byte {
	var b strings.Builder
	if kind == KindRequest {
		path := m.Path
		if roots := m.Trees[config.KeyPath].Roots(); len(roots) > 0 {
			if n := m.Trees[config.KeyPath].Get(roots[0]); n != nil {
				path = n.Key
			}
		}
		if q := m.Trees[config.KeyQuery]; len(q.Roots()) > 0 {
			vals := url.Values{}
			for _, id := range q.Roots() {
				if n := q.Get(id); n != nil {
					vals.Add(n.Key, n.Value)
				}
			}
			path += "?" + vals.Encode()
		}
		b.WriteString(m.Method)
		b.WriteByte(' ')
		b.WriteString(path)
		b.WriteByte(' ')
		b.WriteString(m.Proto)
		b.WriteString("\r\n")
	}
	for _, id := range m.Trees[config.KeyHeader].Roots() {
		n := m.Trees[config.KeyHeader].Get(id)
		if n == nil {
			continue
		}
		b.WriteString(n.Key)
		b.WriteString(": ")
		b.WriteString(n.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}
