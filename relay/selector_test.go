package relay

import (
	"testing"

	"github.com/openrelayd/relayd/config"
	"github.com/stretchr/testify/require"
)

func hostsABC() []*config.Host {
	return []*config.Host{
		{ID: 1, Address: "A", State: config.HostUp},
		{ID: 2, Address: "B", State: config.HostUp},
		{ID: 3, Address: "C", State: config.HostUp},
	}
}

func TestSelectorRoundRobin(t *testing.T) {
	t.Run("S1 three hosts ten requests", func(t *testing.T) {
		table := &config.Table{ID: 1, Mode: config.ModeRoundRobin, Hosts: hostsABC()}
		sel := NewSelector()

		var got []string
		for i := 0; i < 10; i++ {
			h, err := sel.Select(table, "1.2.3.4", nil)
			require.NoError(t, err)
			got = append(got, h.Address)
		}
		require.Equal(t, []string{"A", "B", "C", "A", "B", "C", "A", "B", "C", "A"}, got)
	})
}

func TestSelectorExcludesIneligibleHosts(t *testing.T) {
	hosts := hostsABC()
	hosts[1].State = config.HostDown
	table := &config.Table{ID: 1, Mode: config.ModeRoundRobin, Hosts: hosts}
	sel := NewSelector()

	for i := 0; i < 6; i++ {
		h, err := sel.Select(table, "", nil)
		require.NoError(t, err)
		require.NotEqual(t, "B", h.Address)
	}
}

// TestSelectorFailoverPreservesCursor: three calls
// against A,B,C (consuming A,B,C), then B goes down, then seven more calls.
// The cursor must keep advancing over the full host list rather than
// re-deriving its modulus from the shrunken eligible set, so the tail is
// A,C,A,C,A,C,A - not the C,A,C,A,C,A,C a naive "idx % len(eligible)"
// produces once B drops out mid-cycle.
func TestSelectorFailoverPreservesCursor(t *testing.T) {
	hosts := hostsABC()
	table := &config.Table{ID: 1, Mode: config.ModeRoundRobin, Hosts: hosts}
	sel := NewSelector()

	for i := 0; i < 3; i++ {
		h, err := sel.Select(table, "", nil)
		require.NoError(t, err)
		require.Equal(t, []string{"A", "B", "C"}[i], h.Address)
	}

	hosts[1].State = config.HostDown

	var tail []string
	for i := 0; i < 7; i++ {
		h, err := sel.Select(table, "", nil)
		require.NoError(t, err)
		tail = append(tail, h.Address)
	}
	require.Equal(t, []string{"A", "C", "A", "C", "A", "C", "A"}, tail)
}

func TestSelectorNoEligibleHost(t *testing.T) {
	hosts := hostsABC()
	for _, h := range hosts {
		h.State = config.HostDown
	}
	table := &config.Table{ID: 1, Mode: config.ModeRoundRobin, Hosts: hosts}
	sel := NewSelector()

	_, err := sel.Select(table, "", nil)
	require.ErrorIs(t, err, ErrNoEligibleHost)
}

func TestSelectorSourceHashIsStable(t *testing.T) {
	table := &config.Table{ID: 1, Mode: config.ModeSourceHash, Hosts: hostsABC()}
	sel := NewSelector()

	first, err := sel.Select(table, "10.0.0.1", nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		h, err := sel.Select(table, "10.0.0.1", nil)
		require.NoError(t, err)
		require.Equal(t, first.Address, h.Address)
	}
}

func TestSelectorLoadBalancePicksLeastActive(t *testing.T) {
	hosts := hostsABC()
	table := &config.Table{ID: 1, Mode: config.ModeLoadBalance, Hosts: hosts}
	sel := NewSelector()

	sel.Acquire(table, hosts[0])
	sel.Acquire(table, hosts[0])
	sel.Acquire(table, hosts[1])

	h, err := sel.Select(table, "", nil)
	require.NoError(t, err)
	require.Equal(t, "C", h.Address)

	sel.Release(table, hosts[0])
	sel.Release(table, hosts[0])
	h, err = sel.Select(table, "", nil)
	require.NoError(t, err)
	require.Contains(t, []string{"A", "C"}, h.Address)
}
