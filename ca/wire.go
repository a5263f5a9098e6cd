package ca

import (
	"crypto"
	"encoding/binary"
	"fmt"

	"github.com/openrelayd/relayd/ids"
)

// PrivEncRequest is the payload of a CA_PRIVENC message: sign
// Data, which the caller has already hashed, with the private key KeyID
// names. Hash is 0 when Data is a raw message rather than a digest
// (Ed25519). PSS selects RSA-PSS padding with a hash-length salt, the mode
// TLS 1.3 handshake signatures require; it is meaningless for non-RSA keys
// and ignored for them.
type PrivEncRequest struct {
	KeyID ids.ObjID
	Hash  crypto.Hash
	PSS   bool
	Data  []byte
}

const privEncFlagPSS = 1 << 0

// EncodePrivEncRequest serialises r: 4-byte little-endian KeyID, 1-byte Hash,
// 1-byte flags, then Data.
func EncodePrivEncRequest(r PrivEncRequest) []byte {
	buf := make([]byte, 6+len(r.Data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.KeyID))
	buf[4] = byte(r.Hash)
	if r.PSS {
		buf[5] |= privEncFlagPSS
	}
	copy(buf[6:], r.Data)
	return buf
}

// DecodePrivEncRequest reverses EncodePrivEncRequest.
func DecodePrivEncRequest(payload []byte) (PrivEncRequest, error) {
	if len(payload) < 6 {
		return PrivEncRequest{}, fmt.Errorf("ca: CA_PRIVENC payload too short: %d bytes", len(payload))
	}
	return PrivEncRequest{
		KeyID: ids.ObjID(binary.LittleEndian.Uint32(payload[0:4])),
		Hash:  crypto.Hash(payload[4]),
		PSS:   payload[5]&privEncFlagPSS != 0,
		Data:  append([]byte(nil), payload[6:]...),
	}, nil
}

// PrivDecRequest is the payload of a CA_PRIVDEC message: decrypt
// Data (an RSA ciphertext) with the private key KeyID names.
type PrivDecRequest struct {
	KeyID ids.ObjID
	Data  []byte
}

// EncodePrivDecRequest serialises r: 4-byte little-endian KeyID, then Data.
func EncodePrivDecRequest(r PrivDecRequest) []byte {
	buf := make([]byte, 4+len(r.Data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.KeyID))
	copy(buf[4:], r.Data)
	return buf
}

// DecodePrivDecRequest reverses EncodePrivDecRequest.
func DecodePrivDecRequest(payload []byte) (PrivDecRequest, error) {
	if len(payload) < 4 {
		return PrivDecRequest{}, fmt.Errorf("ca: CA_PRIVDEC payload too short: %d bytes", len(payload))
	}
	return PrivDecRequest{
		KeyID: ids.ObjID(binary.LittleEndian.Uint32(payload[0:4])),
		Data:  append([]byte(nil), payload[4:]...),
	}, nil
}
