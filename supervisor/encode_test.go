package supervisor

import (
	"testing"
	"time"

	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/ids"
	"github.com/stretchr/testify/require"
)

func TestTableHostRoundTrip(t *testing.T) {
	in := &config.Table{
		ID: 7, Name: "web", Method: config.CheckSendExpect, Mode: config.ModeRoundRobin,
		Interval: 10 * time.Second, Timeout: 3 * time.Second, Retry: 3,
		SendBuf: []byte("PING\r\n"), Expect: []byte("PONG"),
		Enabled: true,
	}
	out, err := DecodeTable(EncodeTable(in))
	require.NoError(t, err)
	require.Equal(t, in.ID, out.ID)
	require.Equal(t, in.Name, out.Name)
	require.Equal(t, in.Method, out.Method)
	require.Equal(t, in.Interval, out.Interval)
	require.Equal(t, in.SendBuf, out.SendBuf)
	require.True(t, in.StructurallyEqual(out))

	h := &config.Host{ID: 9, TableID: 7, Address: "10.0.0.1", Port: 8080, Weight: 5, Retry: 3}
	got, err := DecodeHost(EncodeHost(h))
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestRuleProtocolRoundTrip(t *testing.T) {
	rule := &config.Rule{
		ID: 3, Direction: config.DirRequest, Action: config.ActionSet,
		Label: "rewrites", TargetType: config.KeyHeader,
		Patterns: map[config.KeyType]*config.KvPattern{
			config.KeyHeader: config.NewKvPattern("Host", "*.example.com", true),
		},
	}
	rule.Patterns[config.KeyHeader].Children = []*config.KvPattern{
		config.NewKvPattern("X-Original-Host", "$HOST", true),
	}

	got, err := DecodeRule(EncodeRule(rule))
	require.NoError(t, err)
	require.Equal(t, rule.Action, got.Action)
	require.Equal(t, rule.TargetType, got.TargetType)
	p := got.Patterns[config.KeyHeader]
	require.NotNil(t, p)
	require.Equal(t, "Host", p.Key)
	require.Zero(t, p.Flags&config.KvGlobbing)
	require.Len(t, p.Children, 1)
	require.Equal(t, "X-Original-Host", p.Children[0].Key)
	require.NotZero(t, p.Children[0].Flags&config.KvMacro)

	proto := &config.Protocol{ID: 2, Name: "http-policy", Rules: []*config.Rule{rule}}
	decoded, err := DecodeProtocol(EncodeProtocol(proto), func(id ids.ObjID) *config.Rule {
		if id == rule.ID {
			return got
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, proto.Name, decoded.Name)
	require.Len(t, decoded.Rules, 1)
}

// TestRelayKeyMaterialOnlyReachesCA checks the distribution half of the
// key-isolation invariant: a CFG_RELAY serialised for any role but CA must not
// contain the private-key bytes, only the public cert halves.
func TestRelayKeyMaterialOnlyReachesCA(t *testing.T) {
	relay := &config.Relay{
		ID: 4, Name: "tls-front", Addr: "0.0.0.0", Port: 443, Flags: config.FlagSSL,
		TLS: &config.TLSMaterial{
			Cert: []byte("CERT"), Key: []byte("SUPER-SECRET-KEY"),
			CACert: []byte("CACERT"), CAKey: []byte("CA-SECRET"),
		},
	}

	lookupProto := func(ids.ObjID) *config.Protocol { return nil }
	lookupTable := func(ids.ObjID) *config.Table { return nil }

	for _, role := range []Role{RoleRelay, RolePFE, RoleHCE} {
		got, err := DecodeRelay(EncodeRelayFor(relay, role), lookupProto, lookupTable)
		require.NoError(t, err)
		require.NotNil(t, got.TLS, "role %s", role)
		require.Equal(t, []byte("CERT"), got.TLS.Cert)
		require.Empty(t, got.TLS.Key, "role %s", role)
		require.Empty(t, got.TLS.CAKey, "role %s", role)
	}

	caPayload := EncodeRelayFor(relay, RoleCA)
	got, err := DecodeRelay(caPayload, lookupProto, lookupTable)
	require.NoError(t, err)
	require.Equal(t, []byte("SUPER-SECRET-KEY"), got.TLS.Key)
}

func TestTLSMaterialZero(t *testing.T) {
	m := &config.TLSMaterial{Key: []byte("abc"), CAKey: []byte("def"), Cert: []byte("cert")}
	key := m.Key
	m.Zero()
	require.Nil(t, m.Key)
	require.Nil(t, m.CAKey)
	require.Equal(t, []byte{0, 0, 0}, key, "backing bytes must be overwritten, not just dereferenced")
	require.Equal(t, []byte("cert"), m.Cert)
}
