// Package http1 implements the streaming, byte-oriented incremental HTTP/1.1
// parser that drives the relay's request/response state machine: a
// byte-oriented incremental parser driven by data-available events on
// either stream. The parser never blocks on I/O itself; Session feeds it
// whatever bytes arrived on a "data available" event and it runs the state
// machine as far as the buffered data allows, then returns.
package http1

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// State is one stage of the request/response state machine:
// READ_REQUEST_LINE/READ_STATUS_LINE -> READ_HEADERS ->
// (READ_BODY|READ_CHUNKS|DONE) -> READ_TRAILERS -> DONE.
type State int

const (
	StateRequestLine State = iota
	StateStatusLine
	StateHeaders
	StateBody
	StateChunkSize
	StateChunkData
	StateChunkCRLF
	StateTrailers
	StateDone
)

func (s State) String() string {
	switch s {
	case StateRequestLine:
		return "READ_REQUEST_LINE"
	case StateStatusLine:
		return "READ_STATUS_LINE"
	case StateHeaders:
		return "READ_HEADERS"
	case StateBody:
		return "READ_BODY"
	case StateChunkSize, StateChunkData, StateChunkCRLF:
		return "READ_CHUNKS"
	case StateTrailers:
		return "READ_TRAILERS"
	default:
		return "DONE"
	}
}

// Kind selects whether a Parser reads a request or a response line first.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
)

// maxLineLen bounds a single request/status/header line, guarding against an
// unbounded in-memory accumulation from a peer that never sends a CRLF.
const maxLineLen = 16 * 1024

// Parser is one direction's incremental HTTP message parser. A Session owns
// two: one for the client->backend request stream, one for backend->client
// responses. Neither blocks: Feed returns as soon as the buffered input is
// exhausted, and the caller re-invokes Feed when more bytes arrive.
type Parser struct {
	kind  Kind
	state State
	buf   []byte

	Method string
	Path   string
	Proto  string

	StatusCode int
	StatusText string

	contentLength int64 // -1 means absent/unknown
	chunked       bool
	remaining     int64
	bodyless      bool // HEAD request, or a 1xx/204/304 response

	// OnRequestLine/OnStatusLine fire once, as soon as the first line is
	// fully parsed.
	OnRequestLine func(method, path, proto string)
	OnStatusLine  func(proto string, code int, text string)
	// OnHeader fires once per header line, in wire order.
	OnHeader func(key, value string)
	// OnHeadersComplete fires once, after the blank line ending the header
	// block; the parser has already decided body framing by this point.
	OnHeadersComplete func()
	// OnBody fires for each body chunk as it's decoded (already de-chunked
	// if Transfer-Encoding: chunked applies).
	OnBody func(chunk []byte)
	// OnTrailer mirrors OnHeader for chunked trailers.
	OnTrailer func(key, value string)
	// OnComplete fires once the message (including any trailers) is fully
	// parsed.
	OnComplete func()
}

// NewParser returns a Parser for the given message kind.
func NewParser(kind Kind) *Parser {
	p := &Parser{kind: kind, contentLength: -1}
	if kind == KindRequest {
		p.state = StateRequestLine
	} else {
		p.state = StateStatusLine
	}
	return p
}

// Reset prepares the parser for the next message on a keep-alive
// connection. Nothing resets the registered callbacks, only per-message
// parse state.
func (p *Parser) Reset() {
	kind := p.kind
	cb := *p
	*p = Parser{kind: kind, contentLength: -1}
	p.OnRequestLine = cb.OnRequestLine
	p.OnStatusLine = cb.OnStatusLine
	p.OnHeader = cb.OnHeader
	p.OnHeadersComplete = cb.OnHeadersComplete
	p.OnBody = cb.OnBody
	p.OnTrailer = cb.OnTrailer
	p.OnComplete = cb.OnComplete
	if kind == KindRequest {
		p.state = StateRequestLine
	} else {
		p.state = StateStatusLine
	}
}

// State returns the parser's current stage.
func (p *Parser) State() State { return p.state }

// Done reports whether the current message is fully parsed.
func (p *Parser) Done() bool { return p.state == StateDone }

// Feed appends data to the parser's buffer and advances the state machine as
// far as possible. It returns an error only for a malformed message,
// a session-local error that should close the session, not crash the
// worker.
func (p *Parser) Feed(data []byte) error {
	p.buf = append(p.buf, data...)
	for {
		switch p.state {
		case StateRequestLine:
			line, ok, err := p.takeLine()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := p.parseRequestLine(line); err != nil {
				return err
			}
			p.state = StateHeaders

		case StateStatusLine:
			line, ok, err := p.takeLine()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := p.parseStatusLine(line); err != nil {
				return err
			}
			p.state = StateHeaders

		case StateHeaders:
			line, ok, err := p.takeLine()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if len(line) == 0 {
				p.enterBody()
				if p.OnHeadersComplete != nil {
					p.OnHeadersComplete()
				}
				continue
			}
			key, value, err := parseHeaderLine(line)
			if err != nil {
				return err
			}
			p.observeHeader(key, value)
			if p.OnHeader != nil {
				p.OnHeader(key, value)
			}

		case StateBody:
			if p.contentLength < 0 {
				// Unknown length, no chunking: body runs until the peer
				// closes the connection (Session calls Close to signal that).
				if len(p.buf) == 0 {
					return nil
				}
				if p.OnBody != nil {
					p.OnBody(p.buf)
				}
				p.buf = p.buf[:0]
				return nil
			}
			if p.remaining == 0 {
				p.state = StateDone
				continue
			}
			if len(p.buf) == 0 {
				return nil
			}
			n := int64(len(p.buf))
			if n > p.remaining {
				n = p.remaining
			}
			if p.OnBody != nil {
				p.OnBody(p.buf[:n])
			}
			p.buf = p.buf[n:]
			p.remaining -= n
			if p.remaining == 0 {
				p.state = StateDone
			}

		case StateChunkSize:
			line, ok, err := p.takeLine()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			size, err := parseChunkSize(line)
			if err != nil {
				return err
			}
			if size == 0 {
				p.state = StateTrailers
			} else {
				p.remaining = size
				p.state = StateChunkData
			}

		case StateChunkData:
			if len(p.buf) == 0 {
				return nil
			}
			n := int64(len(p.buf))
			if n > p.remaining {
				n = p.remaining
			}
			if p.OnBody != nil {
				p.OnBody(p.buf[:n])
			}
			p.buf = p.buf[n:]
			p.remaining -= n
			if p.remaining == 0 {
				p.state = StateChunkCRLF
			}

		case StateChunkCRLF:
			if _, ok, err := p.takeLine(); err != nil || !ok {
				return err
			}
			p.state = StateChunkSize

		case StateTrailers:
			line, ok, err := p.takeLine()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if len(line) == 0 {
				p.state = StateDone
				continue
			}
			key, value, err := parseHeaderLine(line)
			if err != nil {
				return err
			}
			if p.OnTrailer != nil {
				p.OnTrailer(key, value)
			}

		case StateDone:
			if p.OnComplete != nil {
				p.OnComplete()
				p.OnComplete = nil // fire once per Feed-to-completion call chain
			}
			return nil
		}
	}
}

// Close signals that the underlying stream closed; only meaningful while in
// StateBody with an unknown content length: a response with no
// Content-Length and no chunking is terminated by connection close.
func (p *Parser) Close() {
	if p.state == StateBody && p.contentLength < 0 {
		p.state = StateDone
		if p.OnComplete != nil {
			p.OnComplete()
		}
	}
}

func (p *Parser) enterBody() {
	if p.bodyless {
		p.state = StateDone
		return
	}
	switch {
	case p.chunked:
		p.state = StateChunkSize
	case p.contentLength >= 0:
		p.remaining = p.contentLength
		p.state = StateBody
	default:
		if p.kind == KindRequest {
			// A request with neither Content-Length nor chunked encoding
			// carries no body.
			p.state = StateDone
		} else {
			p.state = StateBody
		}
	}
}

func (p *Parser) observeHeader(key, value string) {
	switch strings.ToLower(key) {
	case "content-length":
		if n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			p.contentLength = n
		}
	case "transfer-encoding":
		if strings.Contains(strings.ToLower(value), "chunked") {
			p.chunked = true
		}
	}
}

// takeLine extracts one CRLF-terminated line from the front of p.buf,
// without the CRLF. ok is false if no full line is buffered yet.
func (p *Parser) takeLine() (line []byte, ok bool, err error) {
	idx := bytes.Index(p.buf, []byte("\r\n"))
	if idx < 0 {
		if len(p.buf) > maxLineLen {
			return nil, false, fmt.Errorf("http1: line exceeds %d bytes without CRLF", maxLineLen)
		}
		return nil, false, nil
	}
	line = p.buf[:idx]
	p.buf = p.buf[idx+2:]
	return line, true, nil
}

func (p *Parser) parseRequestLine(line []byte) error {
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) != 3 {
		return fmt.Errorf("http1: malformed request line %q", line)
	}
	p.Method, p.Path, p.Proto = parts[0], parts[1], parts[2]
	if p.Method == "HEAD" {
		p.bodyless = true
	}
	if p.OnRequestLine != nil {
		p.OnRequestLine(p.Method, p.Path, p.Proto)
	}
	return nil
}

func (p *Parser) parseStatusLine(line []byte) error {
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) < 2 {
		return fmt.Errorf("http1: malformed status line %q", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("http1: malformed status code %q: %w", parts[1], err)
	}
	p.Proto = parts[0]
	p.StatusCode = code
	if len(parts) == 3 {
		p.StatusText = parts[2]
	}
	if code/100 == 1 || code == 204 || code == 304 {
		p.bodyless = true
	}
	if p.OnStatusLine != nil {
		p.OnStatusLine(p.Proto, p.StatusCode, p.StatusText)
	}
	return nil
}

func parseHeaderLine(line []byte) (key, value string, err error) {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("http1: malformed header line %q", line)
	}
	key = string(bytes.TrimSpace(line[:idx]))
	value = string(bytes.TrimSpace(line[idx+1:]))
	if key == "" {
		return "", "", fmt.Errorf("http1: empty header name in %q", line)
	}
	return key, value, nil
}

func parseChunkSize(line []byte) (int64, error) {
	// A chunk-size line may carry extensions after ';', which relayd ignores.
	s := line
	if i := bytes.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(s)), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("http1: malformed chunk size %q: %w", line, err)
	}
	return n, nil
}
