package hce

import (
	"testing"
	"time"

	"github.com/openrelayd/relayd/config"
	"github.com/stretchr/testify/require"
)

func TestHostStatusRoundTrip(t *testing.T) {
	h := &config.Host{ID: 12, TableID: 3, State: config.HostDown}
	hostID, tableID, state, ok := DecodeHostStatus(encodeHostStatus(h))
	require.True(t, ok)
	require.Equal(t, h.ID, hostID)
	require.Equal(t, h.TableID, tableID)
	require.Equal(t, config.HostDown, state)

	_, _, _, ok = DecodeHostStatus([]byte{1, 2})
	require.False(t, ok)
}

// TestScriptCheckTransitionCount: with retry=3,
// three successes then three failures produce exactly two state transitions
// (UNKNOWN->UP, UP->DOWN), i.e. exactly two HOST_STATUS publications, no
// matter how many individual probe results arrived.
func TestScriptCheckTransitionCount(t *testing.T) {
	h := &config.Host{Retry: 3, Warmup: true}
	now := time.Now()

	transitions := 0
	for _, ok := range []bool{true, true, true, false, false, false} {
		if h.RecordResult(ok, now) {
			transitions++
		}
	}
	require.Equal(t, 2, transitions)
	require.Equal(t, config.HostDown, h.State)
}

func TestJitterStaysWithinBounds(t *testing.T) {
	interval := time.Second
	for i := 0; i < 200; i++ {
		d := jitter(interval, 10)
		require.GreaterOrEqual(t, d, 900*time.Millisecond)
		require.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestJitterZeroIntervalNeverBusyLoops(t *testing.T) {
	require.GreaterOrEqual(t, jitter(0, 10), time.Millisecond)
	require.Equal(t, time.Second, jitter(time.Second, 0))
}

func TestDigestMatches(t *testing.T) {
	body := []byte("hello")
	// md5("hello") / sha1("hello")
	require.True(t, digestMatches("md5", body, []byte("5d41402abc4b2a76b9719d911017c592")))
	require.True(t, digestMatches("sha1", body, []byte("aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d")))
	require.False(t, digestMatches("md5", body, []byte("deadbeef")))
	require.False(t, digestMatches("crc32", body, []byte("anything")))
}
