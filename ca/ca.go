// Package ca implements the CA worker: the only process that ever holds a
// private key in a form capable of RSA_priv_enc/RSA_priv_dec. It answers
// CA_PRIVENC/CA_PRIVDEC requests from its paired Relay worker over the
// direct relay/ca link and never touches the network itself.
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/joeycumines/go-eventloop"
	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/ids"
	"github.com/openrelayd/relayd/internal/rerr"
	"github.com/openrelayd/relayd/internal/rlog"
	"github.com/openrelayd/relayd/ipc"
)

// keyEntry is one loaded private key. decrypter is nil for key types that
// can only sign (ECDSA, Ed25519): only RSA keys ever receive a CA_PRIVDEC
// request, since TLS key exchange without RSA encryption doesn't need one.
type keyEntry struct {
	signer    crypto.Signer
	decrypter crypto.Decrypter
}

// Server answers the paired relay's private-key RPC.
type Server struct {
	log  *rlog.Logger
	keys map[ids.ObjID]*keyEntry
	link *ipc.Channel
}

// NewServer returns an empty Server; call LoadFromDocument once CTL_START
// delivers the configuration, and Attach to wire the relay link.
func NewServer(log *rlog.Logger) *Server {
	return &Server{log: log, keys: make(map[ids.ObjID]*keyEntry)}
}

// Attach registers fd (the relay/ca direct link) on loop and wires
// request handling.
func (s *Server) Attach(loop *eventloop.Loop, fd int) error {
	ch, err := ipc.NewChannel(loop, fd)
	if err != nil {
		return rerr.NewFatal("ca: attach relay link", err)
	}
	ch.OnMessage = s.handle
	s.link = ch
	return nil
}

// LoadFromDocument parses every relay's private key material into a
// signer/decrypter pair keyed by the relay's objid. A relay entry that
// arrives without key bytes keeps whatever handle was loaded for that objid
// before: the parent zero-fills its own key copies after the first
// distribution, so a narrow-scope reload's CFG_RELAY replay
// legitimately carries certs only, and dropping the key then would break
// every later handshake. Relays absent from doc entirely are forgotten.
func (s *Server) LoadFromDocument(doc *config.Document) {
	keys := make(map[ids.ObjID]*keyEntry, len(doc.Relays))
	for _, r := range doc.Relays {
		if r.TLS == nil || len(r.TLS.Key) == 0 {
			if prev, ok := s.keys[r.ID]; ok {
				keys[r.ID] = prev
			}
			continue
		}
		entry, err := parseKey(r.TLS.Key)
		if err != nil {
			s.log.Err().Str("relay", r.Name).Err(err).Log("ca: failed to parse private key")
			continue
		}
		keys[r.ID] = entry
	}
	s.keys = keys
}

func parseKey(pemBytes []byte) (*keyEntry, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("ca: no PEM block in key material")
	}

	var key crypto.PrivateKey
	if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		key = k
	} else if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = k
	} else if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		key = k
	} else {
		return nil, fmt.Errorf("ca: unrecognised private key encoding: %w", err)
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		return &keyEntry{signer: k, decrypter: k}, nil
	case *ecdsa.PrivateKey:
		return &keyEntry{signer: k}, nil
	case ed25519.PrivateKey:
		return &keyEntry{signer: k}, nil
	default:
		return nil, fmt.Errorf("ca: unsupported private key type %T", key)
	}
}

func (s *Server) handle(m ipc.Message) {
	switch m.Header.Type {
	case ipc.TypeCAPrivEnc:
		s.handlePrivEnc(m)
	case ipc.TypeCAPrivDec:
		s.handlePrivDec(m)
	}
}

// handlePrivEnc answers a signing request. An unknown key id, malformed
// request, or signing failure all reply with a zero-length CA_REPLY rather
// than propagating a Go error across the process boundary - the relay side
// treats any non-positive reply as a handshake failure.
func (s *Server) handlePrivEnc(m ipc.Message) {
	req, err := DecodePrivEncRequest(m.Payload)
	if err != nil {
		s.log.Debug().Err(err).Log("ca: malformed CA_PRIVENC request")
		s.reply(nil)
		return
	}
	entry, ok := s.keys[req.KeyID]
	if !ok || entry.signer == nil {
		s.reply(nil)
		return
	}

	var opts crypto.SignerOpts = crypto.Hash(0)
	if req.Hash != 0 {
		opts = req.Hash
	}
	if req.PSS {
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: req.Hash}
	}
	sig, err := entry.signer.Sign(rand.Reader, req.Data, opts)
	if err != nil {
		s.log.Err().Err(err).Log("ca: sign failed")
		s.reply(nil)
		return
	}
	s.reply(sig)
}

func (s *Server) handlePrivDec(m ipc.Message) {
	req, err := DecodePrivDecRequest(m.Payload)
	if err != nil {
		s.log.Debug().Err(err).Log("ca: malformed CA_PRIVDEC request")
		s.reply(nil)
		return
	}
	entry, ok := s.keys[req.KeyID]
	if !ok || entry.decrypter == nil {
		s.reply(nil)
		return
	}
	pt, err := entry.decrypter.Decrypt(rand.Reader, req.Data, nil)
	if err != nil {
		s.log.Err().Err(err).Log("ca: decrypt failed")
		s.reply(nil)
		return
	}
	s.reply(pt)
}

func (s *Server) reply(data []byte) {
	if s.link == nil {
		return
	}
	if err := s.link.Send(ipc.New(ipc.TypeCAReply, data)); err != nil {
		s.log.Err().Err(err).Log("ca: failed to send CA_REPLY")
	}
}
