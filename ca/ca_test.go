package ca

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"io"
	"testing"

	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/ids"
	"github.com/openrelayd/relayd/internal/rlog"
	"github.com/stretchr/testify/require"
)

func testLogger() *rlog.Logger {
	return rlog.New(rlog.Config{Role: "ca", Instance: 0, Writer: io.Discard})
}

func rsaKeyPEM(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), key
}

func TestParseKeyVariants(t *testing.T) {
	pemBytes, key := rsaKeyPEM(t)

	entry, err := parseKey(pemBytes)
	require.NoError(t, err)
	require.NotNil(t, entry.signer)
	require.NotNil(t, entry.decrypter, "RSA keys must support priv_dec")

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	entry, err = parseKey(pkcs1)
	require.NoError(t, err)
	require.NotNil(t, entry.decrypter)

	_, err = parseKey([]byte("not a key"))
	require.Error(t, err)
}

func TestLoadFromDocumentRetainsKeysOnKeylessReplay(t *testing.T) {
	pemBytes, _ := rsaKeyPEM(t)
	srv := NewServer(testLogger())

	srv.LoadFromDocument(&config.Document{Relays: []*config.Relay{
		{ID: 1, Name: "front", TLS: &config.TLSMaterial{Key: pemBytes}},
	}})
	require.Contains(t, srv.keys, ids.ObjID(1))

	// A reload replay whose CFG_RELAY carries certs only (the parent zeroed
	// its key copy after first distribution) keeps the loaded handle.
	srv.LoadFromDocument(&config.Document{Relays: []*config.Relay{
		{ID: 1, Name: "front", TLS: &config.TLSMaterial{Cert: []byte("CERT")}},
	}})
	require.Contains(t, srv.keys, ids.ObjID(1))

	// A relay gone from the document is forgotten.
	srv.LoadFromDocument(&config.Document{})
	require.NotContains(t, srv.keys, ids.ObjID(1))
}

func TestPrivEncRequestRoundTrip(t *testing.T) {
	in := PrivEncRequest{KeyID: 42, Hash: crypto.SHA256, PSS: true, Data: []byte("digest-bytes")}
	out, err := DecodePrivEncRequest(EncodePrivEncRequest(in))
	require.NoError(t, err)
	require.Equal(t, in, out)

	in.PSS = false
	out, err = DecodePrivEncRequest(EncodePrivEncRequest(in))
	require.NoError(t, err)
	require.False(t, out.PSS)

	_, err = DecodePrivEncRequest([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestPrivDecRequestRoundTrip(t *testing.T) {
	in := PrivDecRequest{KeyID: 7, Data: []byte("ciphertext")}
	out, err := DecodePrivDecRequest(EncodePrivDecRequest(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

// TestSignAndDecryptThroughKeyTable exercises the CA-side crypto the RPC
// handlers call, end to end against the registered key: PKCS#1 v1.5 and PSS
// signatures must verify with the public half, and an OAEP-free priv_dec
// must invert rsa.EncryptPKCS1v15 the way a TLS RSA key exchange uses it.
func TestSignAndDecryptThroughKeyTable(t *testing.T) {
	pemBytes, key := rsaKeyPEM(t)
	srv := NewServer(testLogger())
	srv.LoadFromDocument(&config.Document{Relays: []*config.Relay{
		{ID: 5, Name: "front", TLS: &config.TLSMaterial{Key: pemBytes}},
	}})
	entry := srv.keys[ids.ObjID(5)]
	require.NotNil(t, entry)

	digest := sha256.Sum256([]byte("handshake transcript"))

	sig, err := entry.signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)
	require.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig))

	pssOpts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
	sig, err = entry.signer.Sign(rand.Reader, digest[:], pssOpts)
	require.NoError(t, err)
	require.NoError(t, rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], sig, pssOpts))

	ct, err := rsa.EncryptPKCS1v15(rand.Reader, &key.PublicKey, []byte("premaster"))
	require.NoError(t, err)
	pt, err := entry.decrypter.Decrypt(rand.Reader, ct, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("premaster"), pt)
}
