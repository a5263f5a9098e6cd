//go:build linux || darwin

// Package tlsengine wires up the relay side of the private-key isolation
// split: a relay worker never holds a private key, only a
// crypto.Signer/crypto.Decrypter that proxies every operation to its paired
// CA worker over a direct, synchronous link. That link is the one blocking
// call permitted inside an otherwise non-blocking event loop, since
// crypto/tls's Signer/Decrypter contract is itself synchronous.
package tlsengine

import (
	"crypto"
	"crypto/rsa"
	"fmt"
	"io"

	"github.com/openrelayd/relayd/ca"
	"github.com/openrelayd/relayd/ids"
	"github.com/openrelayd/relayd/ipc"
	"golang.org/x/sys/unix"
)

// Signer implements crypto.Signer and crypto.Decrypter by round-tripping
// CA_PRIVENC/CA_PRIVDEC requests to the paired CA worker, blocking the
// calling goroutine until CA_REPLY arrives. It must never be called from the
// event loop goroutine while that loop is expected to keep servicing other
// fds; callers invoke it only from within a tls.Config callback where
// blocking is already the contract.
//
// The link fd is resolved per call rather than captured at construction: the
// parent respawns a dead CA worker and re-delivers a fresh link (CA_LINK),
// and in-flight tls.Configs must pick the replacement up without a rebuild.
type Signer struct {
	link  func() int
	keyID ids.ObjID
	pub   crypto.PublicKey
}

// NewSigner wraps link (returning the current relay/ca direct link fd, or a
// negative value when none is connected) as a signer for the key CA
// identifies as keyID, whose public half is pub.
func NewSigner(link func() int, keyID ids.ObjID, pub crypto.PublicKey) (*Signer, error) {
	if link == nil {
		return nil, fmt.Errorf("tlsengine: nil link resolver")
	}
	return &Signer{link: link, keyID: keyID, pub: pub}, nil
}

// Public implements crypto.Signer.
func (s *Signer) Public() crypto.PublicKey { return s.pub }

// Sign implements crypto.Signer by blocking on a CA_PRIVENC round trip.
// crypto/tls passes *rsa.PSSOptions for TLS 1.3 handshake signatures; the
// padding mode has to travel with the request since the CA side can't infer
// it from the digest alone.
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	var h crypto.Hash
	var pss bool
	if opts != nil {
		h = opts.HashFunc()
		_, pss = opts.(*rsa.PSSOptions)
	}
	req := ca.EncodePrivEncRequest(ca.PrivEncRequest{KeyID: s.keyID, Hash: h, PSS: pss, Data: digest})
	reply, err := s.roundTrip(ipc.TypeCAPrivEnc, req)
	if err != nil {
		return nil, fmt.Errorf("tlsengine: sign: %w", err)
	}
	return reply, nil
}

// Decrypt implements crypto.Decrypter by blocking on a CA_PRIVDEC round
// trip. opts is not forwarded: the CA side always performs a PKCS #1 v1.5
// decryption and returns the unpadded plaintext, matching how relayd's
// original RSA_priv_dec is used purely for the TLS RSA key-exchange path.
func (s *Signer) Decrypt(_ io.Reader, ciphertext []byte, _ crypto.DecrypterOpts) ([]byte, error) {
	req := ca.EncodePrivDecRequest(ca.PrivDecRequest{KeyID: s.keyID, Data: ciphertext})
	reply, err := s.roundTrip(ipc.TypeCAPrivDec, req)
	if err != nil {
		return nil, fmt.Errorf("tlsengine: decrypt: %w", err)
	}
	return reply, nil
}

// roundTrip performs one blocking sendmsg+recvmsg pair on the raw peer fd,
// bypassing the event loop entirely. A zero-length CA_REPLY, or
// any reply type other than CA_REPLY, is the CA worker's documented failure
// signal.
func (s *Signer) roundTrip(t ipc.Type, payload []byte) ([]byte, error) {
	fd := s.link()
	if fd < 0 {
		return nil, fmt.Errorf("no ca link connected for %s", t)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		return nil, fmt.Errorf("set ca link blocking: %w", err)
	}
	if err := blockingSendMsg(fd, ipc.New(t, payload)); err != nil {
		return nil, fmt.Errorf("send %s: %w", t, err)
	}
	m, err := blockingRecvMsg(fd)
	if err != nil {
		return nil, fmt.Errorf("recv reply to %s: %w", t, err)
	}
	if m.Header.Type != ipc.TypeCAReply {
		return nil, fmt.Errorf("unexpected reply type %s to %s", m.Header.Type, t)
	}
	if len(m.Payload) == 0 {
		return nil, fmt.Errorf("ca worker reported failure for %s", t)
	}
	return m.Payload, nil
}

// blockingSendMsg retries ipc.SendMsg while it reports ipc's back-pressure
// sentinel. roundTrip has already set fd blocking, so that sentinel is not
// expected; any other error, EINTR included, is returned.
func blockingSendMsg(fd int, m ipc.Message) error {
	for {
		err := ipc.SendMsg(fd, m)
		if err == nil {
			return nil
		}
		if ipc.IsEAgain(err) {
			continue
		}
		return err
	}
}

// blockingRecvMsg reads exactly one framed message from fd, which may
// require more than one recvmsg call if the kernel delivers the header and
// payload in separate reads.
func blockingRecvMsg(fd int) (ipc.Message, error) {
	framer := ipc.NewFramer()
	buf := make([]byte, 4096)
	for {
		n, recvFD, err := ipc.RecvMsg(fd, buf)
		if err != nil {
			if ipc.IsEAgain(err) {
				continue
			}
			return ipc.Message{}, err
		}
		if n == 0 {
			return ipc.Message{}, fmt.Errorf("ca link closed")
		}
		if recvFD >= 0 {
			framer.PushFD(recvFD)
		}
		msgs, err := framer.Feed(buf[:n])
		if err != nil {
			return ipc.Message{}, err
		}
		if len(msgs) > 0 {
			return msgs[0], nil
		}
	}
}
