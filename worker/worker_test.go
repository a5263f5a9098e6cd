//go:build linux || darwin

package worker

import (
	"io"
	"testing"

	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/internal/rlog"
	"github.com/openrelayd/relayd/ipc"
	"github.com/openrelayd/relayd/supervisor"
	"github.com/stretchr/testify/require"
)

func testBootstrap(t *testing.T) *Bootstrap {
	t.Helper()
	b := &Bootstrap{Log: rlog.New(rlog.Config{Role: "test", Instance: -1, Writer: io.Discard})}
	b.reset()
	return b
}

// feed replays one entity message through the worker's CFG_* dispatcher the
// way the channel's OnMessage callback would.
func feed(b *Bootstrap, typ ipc.Type, payload []byte) {
	b.onMessage(ipc.New(typ, payload))
}

// TestConfigReplayBuildsDocument drives the startup CFG_* stream (table,
// hosts, CFG_TABLE_DONE, rules, protocol, relay) and checks the shadow
// document handed to OnStart has every cross-reference resolved.
func TestConfigReplayBuildsDocument(t *testing.T) {
	b := testBootstrap(t)

	table := &config.Table{ID: 1, Name: "web", Method: config.CheckTCP, Enabled: true}
	host := &config.Host{ID: 2, TableID: 1, Address: "10.0.0.1", Port: 80, Retry: 3}
	rule := &config.Rule{ID: 3, Direction: config.DirRequest, Action: config.ActionPass}
	proto := &config.Protocol{ID: 4, Name: "policy", Rules: []*config.Rule{rule}}
	relay := &config.Relay{ID: 5, Name: "front", Addr: "0.0.0.0", Port: 8080, Proto: proto, Tables: []*config.Table{table}}

	feed(b, ipc.TypeCfgTable, supervisor.EncodeTable(table))
	feed(b, ipc.TypeCfgHost, supervisor.EncodeHost(host))
	feed(b, ipc.TypeCfgTableDone, nil)
	feed(b, ipc.TypeCfgRule, supervisor.EncodeRule(rule))
	feed(b, ipc.TypeCfgProtocol, supervisor.EncodeProtocol(proto))
	feed(b, ipc.TypeCfgRelay, supervisor.EncodeRelayFor(relay, supervisor.RoleRelay))

	var started *config.Document
	b.OnStart = func(doc *config.Document) { started = doc }
	feed(b, ipc.TypeCtlStart, nil)

	require.NotNil(t, started)
	require.Len(t, started.Tables, 1)
	require.Len(t, started.Tables[0].Hosts, 1)
	require.Equal(t, "10.0.0.1", started.Tables[0].Hosts[0].Address)
	require.Len(t, started.Protocols, 1)
	require.Len(t, started.Protocols[0].Rules, 1)
	require.Len(t, started.Relays, 1)
	require.Same(t, started.Tables[0], started.Relays[0].Tables[0], "relay must reference the replayed table, not a copy")
	require.Same(t, started.Protocols[0], started.Relays[0].Proto)
}

// TestResetPurgesShadowDocument: CTL_RESET drops
// everything built from the previous replay before the next one begins.
func TestResetPurgesShadowDocument(t *testing.T) {
	b := testBootstrap(t)
	feed(b, ipc.TypeCfgTable, supervisor.EncodeTable(&config.Table{ID: 1, Name: "web", Method: config.CheckTCP}))

	resetCalled := false
	b.OnReset = func(config.Scope) { resetCalled = true }
	feed(b, ipc.TypeCtlReset, nil)
	require.True(t, resetCalled)

	var started *config.Document
	b.OnStart = func(doc *config.Document) { started = doc }
	feed(b, ipc.TypeCtlStart, nil)
	require.NotNil(t, started)
	require.Empty(t, started.Tables, "CTL_RESET must purge the shadow document")
}
