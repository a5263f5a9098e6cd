// Package ipc implements relayd's inter-process message channel: a
// length-framed, little-endian wire format with optional out-of-band file
// descriptor passing over a Unix domain socketpair.
//
// Every worker owns one duplex channel per peer (parent<->worker, and
// relay<->ca). A channel has exactly one reader and one writer per endpoint,
// delivers messages strictly in order, and is integrated into the owning
// process's single event loop via RegisterFD rather than a dedicated
// goroutine, matching the single-threaded-cooperative process model.
package ipc

import (
	"encoding/binary"
	"fmt"
)

// Type identifies a message's payload layout.
type Type uint32

const (
	TypeCfgTable Type = iota + 1
	TypeCfgHost
	TypeCfgTableDone
	TypeCfgProtocol
	TypeCfgRule
	TypeCfgRelay
	TypeCfgDone
	TypeCfgAck

	TypeCtlStart
	TypeCtlShutdown
	TypeCtlReset
	TypeCtlReload
	TypeCtlFail

	TypeCAPrivEnc
	TypeCAPrivDec
	TypeCAReply

	TypeBindAny
	TypeBindAnyReply

	TypeScriptRun
	TypeScriptResult

	TypeHostStatus

	// TypeCALink re-delivers a relay's direct CA link after the parent
	// respawned a dead CA worker: the payload is empty and the new link's fd
	// rides as ancillary data.
	TypeCALink
)

func (t Type) String() string {
	switch t {
	case TypeCfgTable:
		return "CFG_TABLE"
	case TypeCfgHost:
		return "CFG_HOST"
	case TypeCfgTableDone:
		return "CFG_TABLE_DONE"
	case TypeCfgProtocol:
		return "CFG_PROTOCOL"
	case TypeCfgRule:
		return "CFG_RULE"
	case TypeCfgRelay:
		return "CFG_RELAY"
	case TypeCfgDone:
		return "CFG_DONE"
	case TypeCfgAck:
		return "CFG_ACK"
	case TypeCtlStart:
		return "CTL_START"
	case TypeCtlShutdown:
		return "CTL_SHUTDOWN"
	case TypeCtlReset:
		return "CTL_RESET"
	case TypeCtlReload:
		return "CTL_RELOAD"
	case TypeCtlFail:
		return "CTL_FAIL"
	case TypeCAPrivEnc:
		return "CA_PRIVENC"
	case TypeCAPrivDec:
		return "CA_PRIVDEC"
	case TypeCAReply:
		return "CA_REPLY"
	case TypeBindAny:
		return "BINDANY"
	case TypeBindAnyReply:
		return "BINDANY_REPLY"
	case TypeScriptRun:
		return "SCRIPT"
	case TypeScriptResult:
		return "SCRIPT_RESULT"
	case TypeHostStatus:
		return "HOST_STATUS"
	case TypeCALink:
		return "CA_LINK"
	default:
		return fmt.Sprintf("TYPE(%d)", uint32(t))
	}
}

// Sync reports whether this message type blocks the calling worker's event
// loop for a reply on the same channel. The CA private-key RPC
// is the one exception to "all messages are asynchronous".
func (t Type) Sync() bool {
	return t == TypeCAPrivEnc || t == TypeCAPrivDec
}

// maxPayload is the per-type size ceiling: a message whose Len exceeds it
// is a fatal protocol violation, not a recoverable error.
var maxPayload = map[Type]uint16{
	TypeCfgTable:     4096,
	TypeCfgHost:      512,
	TypeCfgTableDone: 8,
	TypeCfgProtocol:  2048,
	TypeCfgRule:      4096,
	TypeCfgRelay:     65000, // large enough to carry a cert/key pair
	TypeCfgDone:      0,
	TypeCfgAck:       0,
	TypeCtlStart:     0,
	TypeCtlShutdown:  0,
	TypeCtlReset:     8,
	TypeCtlReload:    256,
	TypeCtlFail:      512,
	TypeCAPrivEnc:    2048,
	TypeCAPrivDec:    2048,
	TypeCAReply:      2048,
	TypeBindAny:      512,
	TypeBindAnyReply: 8,
	TypeScriptRun:    1024,
	TypeScriptResult: 512,
	TypeHostStatus:   64,
	TypeCALink:       0,
}

// MaxPayload returns the size ceiling for t, or the package default if t is
// unknown (an unknown type is itself a protocol violation the caller should
// reject).
func MaxPayload(t Type) uint16 {
	if n, ok := maxPayload[t]; ok {
		return n
	}
	return 65535
}

// headerSize is the on-wire size of Header: u32 type, u16 len, u16 flags,
// u32 peerid, u32 pid.
const headerSize = 4 + 2 + 2 + 4 + 4

// Header is the fixed-size prefix of every message.
type Header struct {
	Type   Type
	Len    uint16
	Flags  uint16
	PeerID uint32
	Pid    uint32
}

// Flag bits carried in Header.Flags.
const (
	FlagHasFD uint16 = 1 << iota
	FlagIsReply
)

// Marshal encodes h into a headerSize-byte little-endian buffer.
func (h Header) Marshal() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint16(buf[4:6], h.Len)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], h.PeerID)
	binary.LittleEndian.PutUint32(buf[12:16], h.Pid)
	return buf
}

// UnmarshalHeader decodes a headerSize-byte buffer into a Header.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("ipc: short header: %d bytes", len(buf))
	}
	return Header{
		Type:   Type(binary.LittleEndian.Uint32(buf[0:4])),
		Len:    binary.LittleEndian.Uint16(buf[4:6]),
		Flags:  binary.LittleEndian.Uint16(buf[6:8]),
		PeerID: binary.LittleEndian.Uint32(buf[8:12]),
		Pid:    binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// Message is one complete IPC message: header, payload, and an optional
// passed file descriptor.
type Message struct {
	Header  Header
	Payload []byte
	FD      int // -1 if none

	// CloseFDAfterSend tells the sending channel it owns FD: once the
	// message (and its SCM_RIGHTS copy of the descriptor) has actually gone
	// out, which may be after a back-pressure requeue, the channel closes
	// the local fd. Without this a sender that closes immediately after a
	// queued Send would invalidate the descriptor before it ever ships.
	CloseFDAfterSend bool
}

// Validate checks Len against the per-type ceiling.
func (m Message) Validate() error {
	if int(m.Header.Len) != len(m.Payload) {
		return fmt.Errorf("ipc: header.Len=%d does not match payload of %d bytes", m.Header.Len, len(m.Payload))
	}
	if m.Header.Len > MaxPayload(m.Header.Type) {
		return fmt.Errorf("ipc: %s payload of %d bytes exceeds ceiling of %d", m.Header.Type, m.Header.Len, MaxPayload(m.Header.Type))
	}
	return nil
}

// New builds a Message with no attached file descriptor.
func New(t Type, payload []byte) Message {
	return Message{
		Header: Header{Type: t, Len: uint16(len(payload))},
		Payload: payload,
		FD:      -1,
	}
}

// WithFD attaches fd to m and sets FlagHasFD.
func (m Message) WithFD(fd int) Message {
	m.FD = fd
	m.Header.Flags |= FlagHasFD
	return m
}

// WithOwnedFD attaches fd like WithFD and transfers ownership to the sending
// channel, which closes the local copy once the message has shipped.
func (m Message) WithOwnedFD(fd int) Message {
	m = m.WithFD(fd)
	m.CloseFDAfterSend = true
	return m
}
