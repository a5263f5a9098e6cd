package pfe

import (
	"encoding/binary"
	"testing"

	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/ids"
	"github.com/openrelayd/relayd/internal/rlog"
	"github.com/openrelayd/relayd/ipc"
	"github.com/openrelayd/relayd/worker"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *FakeBackend) {
	t.Helper()
	log := rlog.New(rlog.Config{Role: "pfe-test", Instance: -1})
	boot := &worker.Bootstrap{Log: log}
	fb := NewFakeBackend()
	e := New(log, boot, fb)
	return e, fb
}

func TestOnStartReconcilesTables(t *testing.T) {
	e, fb := newTestEngine(t)

	host := &config.Host{ID: 1, TableID: 10, Address: "10.0.0.1", Port: 80, State: config.HostUp}
	table := &config.Table{ID: 10, Name: "web", Hosts: []*config.Host{host}}
	doc := &config.Document{Tables: []*config.Table{table}}

	e.onStart(doc)

	require.True(t, fb.HasTable("web"))
	snap := fb.Snapshot("web")
	require.Len(t, snap, 1)
	require.Equal(t, "10.0.0.1", snap[0].Address)
	require.True(t, snap[0].Up)
}

func TestOnStartExcludesWarmupHosts(t *testing.T) {
	e, fb := newTestEngine(t)

	host := &config.Host{ID: 1, TableID: 10, Address: "10.0.0.2", Port: 80, State: config.HostUp, Warmup: true}
	table := &config.Table{ID: 10, Name: "web", Hosts: []*config.Host{host}}
	doc := &config.Document{Tables: []*config.Table{table}}

	e.onStart(doc)

	snap := fb.Snapshot("web")
	require.Len(t, snap, 1)
	require.False(t, snap[0].Up, "warmup host must not be eligible even when nominally UP")
}

func TestOnHostStatusAppliesIncrementally(t *testing.T) {
	e, fb := newTestEngine(t)

	host := &config.Host{ID: 1, TableID: 10, Address: "10.0.0.3", Port: 80, State: config.HostDown}
	table := &config.Table{ID: 10, Name: "web", Hosts: []*config.Host{host}}
	doc := &config.Document{Tables: []*config.Table{table}}
	e.onStart(doc)
	require.False(t, fb.Snapshot("web")[0].Up)

	payload := encodeStatusForTest(1, 10, config.HostUp)
	e.onHostStatus(ipc.Message{Header: ipc.Header{Type: ipc.TypeHostStatus}, Payload: payload})

	snap := fb.Snapshot("web")
	require.Len(t, snap, 1)
	require.True(t, snap[0].Up)
}

func TestOnResetRemovesTables(t *testing.T) {
	e, fb := newTestEngine(t)

	host := &config.Host{ID: 1, TableID: 10, Address: "10.0.0.4", Port: 80, State: config.HostUp}
	table := &config.Table{ID: 10, Name: "web", Hosts: []*config.Host{host}}
	doc := &config.Document{Tables: []*config.Table{table}}
	e.onStart(doc)
	require.True(t, fb.HasTable("web"))

	e.onReset(config.ScopeAll)
	require.False(t, fb.HasTable("web"))
}

// encodeStatusForTest mirrors hce.encodeHostStatus's wire layout (host id,
// table id, state, fixed-width little-endian) without reaching across the
// package boundary for an unexported helper.
func encodeStatusForTest(hostID, tableID ids.ObjID, state config.HostState) []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(hostID))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(tableID))
	buf[8] = byte(state)
	return buf
}
