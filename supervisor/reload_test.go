package supervisor

import (
	"testing"
	"time"

	"github.com/openrelayd/relayd/config"
	"github.com/stretchr/testify/require"
)

// TestMergePreservesTableIdentity covers the table_findbyconf rule and its
// flagged open question: a reload whose parsed table is
// structurally equal to a live one must keep the live Table pointer (its
// id, Hosts slice, and accumulated health state) even when a field the
// comparison ignores changed.
func TestMergePreservesTableIdentity(t *testing.T) {
	liveHost := &config.Host{ID: 11, Address: "10.0.0.1", State: config.HostUp, Retry: 3}
	live := &config.Table{
		ID: 1, Name: "web", Method: config.CheckTCP,
		Interval: 10 * time.Second,
		Hosts:    []*config.Host{liveHost},
	}
	old := &config.Document{Tables: []*config.Table{live}}

	// Structurally equal (same name/method/send-payload) but a different
	// interval, which the identity rule deliberately ignores.
	parsed := &config.Document{Tables: []*config.Table{{
		ID: 99, Name: "web", Method: config.CheckTCP,
		Interval: 5 * time.Second,
	}}}

	out := mergeByScope(old, parsed, config.ScopeAll)
	require.Len(t, out.Tables, 1)
	require.Same(t, live, out.Tables[0], "live table must survive the reload")
	require.Equal(t, config.HostUp, out.Tables[0].Hosts[0].State, "health state must not reset")
}

func TestMergeReplacesStructurallyChangedTable(t *testing.T) {
	old := &config.Document{Tables: []*config.Table{{ID: 1, Name: "web", Method: config.CheckTCP}}}
	parsed := &config.Document{Tables: []*config.Table{{ID: 2, Name: "web", Method: config.CheckHTTP}}}

	out := mergeByScope(old, parsed, config.ScopeAll)
	require.Len(t, out.Tables, 1)
	require.Equal(t, config.CheckHTTP, out.Tables[0].Method)
	require.EqualValues(t, 2, out.Tables[0].ID)
}

func TestMergeNarrowScopesKeepUnrelatedCategories(t *testing.T) {
	oldRelay := &config.Relay{ID: 1, Name: "front"}
	oldTable := &config.Table{ID: 2, Name: "web", Method: config.CheckTCP}
	oldProto := &config.Protocol{ID: 3, Name: "policy"}
	old := &config.Document{
		Relays:    []*config.Relay{oldRelay},
		Tables:    []*config.Table{oldTable},
		Protocols: []*config.Protocol{oldProto},
	}
	parsed := &config.Document{
		Relays:    []*config.Relay{{ID: 10, Name: "front2"}},
		Tables:    []*config.Table{{ID: 20, Name: "db", Method: config.CheckTCP}},
		Protocols: []*config.Protocol{{ID: 30, Name: "policy2"}},
	}

	out := mergeByScope(old, parsed, config.ScopeRelays)
	require.Equal(t, "front2", out.Relays[0].Name)
	require.Same(t, oldTable, out.Tables[0])
	require.Same(t, oldProto, out.Protocols[0])

	out = mergeByScope(old, parsed, config.ScopeRules)
	require.Same(t, oldRelay, out.Relays[0])
	require.Same(t, oldTable, out.Tables[0])
	require.Equal(t, "policy2", out.Protocols[0].Name)

	out = mergeByScope(old, parsed, config.ScopeTables)
	require.Same(t, oldRelay, out.Relays[0])
	require.Same(t, oldProto, out.Protocols[0])
	require.Equal(t, "db", out.Tables[0].Name)
}
