//go:build linux || darwin

package tlsengine

import (
	"crypto"
	"testing"

	"github.com/openrelayd/relayd/ca"
	"github.com/openrelayd/relayd/ipc"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeCA answers exactly one key-op request on fd the way the CA worker
// would: decode, transform, reply CA_REPLY.
func fakeCA(t *testing.T, fd int, reply func(m ipc.Message) []byte) {
	t.Helper()
	require.NoError(t, unix.SetNonblock(fd, false))
	go func() {
		framer := ipc.NewFramer()
		buf := make([]byte, 4096)
		for {
			n, _, err := ipc.RecvMsg(fd, buf)
			if err != nil || n == 0 {
				return
			}
			msgs, err := framer.Feed(buf[:n])
			if err != nil {
				return
			}
			for _, m := range msgs {
				_ = ipc.SendMsg(fd, ipc.New(ipc.TypeCAReply, reply(m)))
			}
		}
	}()
}

func signerPair(t *testing.T) (*Signer, int) {
	t.Helper()
	relayEnd, caEnd, err := ipc.Socketpair()
	require.NoError(t, err)
	t.Cleanup(func() { relayEnd.Close(); caEnd.Close() })

	relayFD := int(relayEnd.Fd())
	s, err := NewSigner(func() int { return relayFD }, 42, nil)
	require.NoError(t, err)
	return s, int(caEnd.Fd())
}

func TestSignRoundTrip(t *testing.T) {
	s, caFD := signerPair(t)
	fakeCA(t, caFD, func(m ipc.Message) []byte {
		require.Equal(t, ipc.TypeCAPrivEnc, m.Header.Type)
		req, err := ca.DecodePrivEncRequest(m.Payload)
		require.NoError(t, err)
		require.EqualValues(t, 42, req.KeyID)
		require.Equal(t, crypto.SHA256, req.Hash)
		return append([]byte("sig:"), req.Data...)
	})

	sig, err := s.Sign(nil, []byte("digest"), crypto.SHA256)
	require.NoError(t, err)
	require.Equal(t, []byte("sig:digest"), sig)
}

func TestDecryptRoundTrip(t *testing.T) {
	s, caFD := signerPair(t)
	fakeCA(t, caFD, func(m ipc.Message) []byte {
		require.Equal(t, ipc.TypeCAPrivDec, m.Header.Type)
		req, err := ca.DecodePrivDecRequest(m.Payload)
		require.NoError(t, err)
		return append([]byte("pt:"), req.Data...)
	})

	pt, err := s.Decrypt(nil, []byte("ct"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("pt:ct"), pt)
}

// TestZeroLengthReplyFailsHandshake: an empty
// CA_REPLY surfaces as a method failure, which aborts the TLS handshake.
func TestZeroLengthReplyFailsHandshake(t *testing.T) {
	s, caFD := signerPair(t)
	fakeCA(t, caFD, func(ipc.Message) []byte { return nil })

	_, err := s.Sign(nil, []byte("digest"), crypto.SHA256)
	require.Error(t, err)
}

func TestNoLinkFails(t *testing.T) {
	s, err := NewSigner(func() int { return -1 }, 1, nil)
	require.NoError(t, err)
	_, err = s.Sign(nil, []byte("digest"), crypto.SHA256)
	require.Error(t, err)
}
