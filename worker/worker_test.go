package worker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentity_Topology(t *testing.T) {
	// 3 hosts x 4 workers: host h owns global ranks [h*4, h*4+4).
	id := Identity{GlobalRank: 6, LocalRank: 2, Hosts: 3, WorkersPerHost: 4}

	require.Equal(t, 12, id.GlobalWorkers())
	require.Equal(t, 1, id.Host())
	require.Equal(t, 0, id.HostOf(3))
	require.Equal(t, 1, id.HostOf(4))
	require.Equal(t, 2, id.HostOf(11))

	require.True(t, id.IsLocalHost(4))
	require.True(t, id.IsLocalHost(7))
	require.False(t, id.IsLocalHost(3))
	require.False(t, id.IsLocalHost(8))

	require.False(t, id.IsHostLeader())
	leader := Identity{GlobalRank: 4, LocalRank: 0, Hosts: 3, WorkersPerHost: 4}
	require.True(t, leader.IsHostLeader())
}

func TestIdentity_SingleWorker(t *testing.T) {
	id := Identity{GlobalRank: 0, LocalRank: 0, Hosts: 1, WorkersPerHost: 1}
	require.Equal(t, 1, id.GlobalWorkers())
	require.Equal(t, 0, id.Host())
	require.True(t, id.IsHostLeader())
	require.True(t, id.IsLocalHost(0))
}
