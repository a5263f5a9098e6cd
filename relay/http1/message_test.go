package http1

import (
	"testing"

	"github.com/openrelayd/relayd/config"
	"github.com/stretchr/testify/require"
)

func TestMessagePopulatesKvTrees(t *testing.T) {
	m := NewMessage(KindRequest)
	err := m.Parser().Feed([]byte("GET /a/b?x=1&y=2 HTTP/1.1\r\nHost: api.example.com\r\nCookie: sid=abc; other=z\r\n\r\n"))
	require.NoError(t, err)

	hostIDs := m.Trees[config.KeyHeader].FindExact("Host")
	require.Len(t, hostIDs, 1)
	require.Equal(t, "api.example.com", m.Trees[config.KeyHeader].Get(hostIDs[0]).Value)

	sidIDs := m.Trees[config.KeyCookie].FindExact("sid")
	require.Len(t, sidIDs, 1)
	require.Equal(t, "abc", m.Trees[config.KeyCookie].Get(sidIDs[0]).Value)

	queryIDs := m.Trees[config.KeyQuery].FindExact("x")
	require.Len(t, queryIDs, 1)
	require.Equal(t, "1", m.Trees[config.KeyQuery].Get(queryIDs[0]).Value)

	pathIDs := m.Trees[config.KeyPath].FindExact("/a/b")
	require.Len(t, pathIDs, 1)
}

func TestMessageRebuildReflectsRewrites(t *testing.T) {
	m := NewMessage(KindRequest)
	require.NoError(t, m.Parser().Feed([]byte("GET / HTTP/1.1\r\nHost: api.example.com\r\n\r\n")))

	m.Trees[config.KeyHeader].Set("X-Original-Host", "api.example.com")

	out := string(m.Rebuild(KindRequest))
	require.Contains(t, out, "GET / HTTP/1.1\r\n")
	require.Contains(t, out, "X-Original-Host: api.example.com\r\n")
}
