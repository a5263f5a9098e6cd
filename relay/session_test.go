package relay

import (
	"testing"

	"github.com/openrelayd/relayd/relay/rules"
	"github.com/stretchr/testify/require"
)

func TestSessionMacroExpansion(t *testing.T) {
	reg := rules.NewRegistry()
	s := NewSession("203.0.113.7:5555", "198.51.100.1:443", reg)

	require.NoError(t, s.Request.Parser().Feed([]byte("GET / HTTP/1.1\r\nHost: api.example.com\r\n\r\n")))

	got := s.Expand("seen $HOST via $SERVER from $REMOTE_ADDR")
	require.Equal(t, "seen api.example.com via 198.51.100.1:443 from 203.0.113.7:5555", got)
}

func TestSessionApplyResultAccumulates(t *testing.T) {
	reg := rules.NewRegistry()
	s := NewSession("", "", reg)

	s.ApplyResult(rules.Result{HashBytes: []byte("abc"), LogLines: []string{"line1"}})
	s.ApplyResult(rules.Result{HashBytes: []byte("def"), LogLines: []string{"line2"}})

	require.Equal(t, "abcdef", string(s.HashBytes))
	require.Equal(t, "line1; line2", s.LogBuffer())
}

func TestSessionReleaseFreesLabelRefs(t *testing.T) {
	reg := rules.NewRegistry()
	s := NewSession("", "", reg)

	id := reg.Inherit("quarantine")
	s.Labels = append(s.Labels, id)
	require.Equal(t, 1, reg.RefCount(id))

	s.Release()
	require.Equal(t, 0, reg.RefCount(id))
}
