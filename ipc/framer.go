package ipc

import "fmt"

// Framer incrementally reassembles Messages from an arbitrarily-chunked
// byte stream. Feeding it the same bytes split at any offsets must yield the
// same sequence of decoded messages; FD
// transfer is out of band (SCM_RIGHTS ancillary data arrives with whichever
// recvmsg call reads the header/first payload byte) and is attached by the
// transport layer via PushFD before the message completes.
type Framer struct {
	buf       []byte
	haveHdr   bool
	hdr       Header
	pendingFD int
}

// NewFramer returns an empty Framer.
func NewFramer() *Framer {
	return &Framer{pendingFD: -1}
}

// PushFD attaches a file descriptor received out-of-band to the
// currently-assembling message. The transport calls this when a recvmsg
// returns ancillary SCM_RIGHTS data, before or after the corresponding bytes
// land in Feed.
func (f *Framer) PushFD(fd int) {
	f.pendingFD = fd
}

// Feed appends chunk to the internal buffer and returns every Message that
// is now fully assembled. It never blocks and never assumes chunk boundaries
// align with message boundaries.
func (f *Framer) Feed(chunk []byte) ([]Message, error) {
	f.buf = append(f.buf, chunk...)

	var out []Message
	for {
		if !f.haveHdr {
			if len(f.buf) < headerSize {
				break
			}
			hdr, err := UnmarshalHeader(f.buf[:headerSize])
			if err != nil {
				return out, err
			}
			if hdr.Len > MaxPayload(hdr.Type) {
				return out, fmt.Errorf("ipc: fatal protocol violation: %s payload %d exceeds ceiling %d", hdr.Type, hdr.Len, MaxPayload(hdr.Type))
			}
			f.hdr = hdr
			f.haveHdr = true
			f.buf = f.buf[headerSize:]
		}

		if len(f.buf) < int(f.hdr.Len) {
			break
		}

		payload := make([]byte, f.hdr.Len)
		copy(payload, f.buf[:f.hdr.Len])
		f.buf = f.buf[f.hdr.Len:]

		fd := -1
		if f.hdr.Flags&FlagHasFD != 0 {
			fd = f.pendingFD
			f.pendingFD = -1
		}

		out = append(out, Message{Header: f.hdr, Payload: payload, FD: fd})
		f.haveHdr = false
		f.hdr = Header{}
	}
	return out, nil
}

// Encode serialises m to its wire form (header + payload); the caller sends
// m.FD separately as ancillary data alongside whichever write carries these
// bytes.
func Encode(m Message) []byte {
	out := make([]byte, 0, headerSize+len(m.Payload))
	out = append(out, m.Header.Marshal()...)
	out = append(out, m.Payload...)
	return out
}
