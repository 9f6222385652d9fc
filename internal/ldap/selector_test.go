package ldap

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSelector(reachable map[string]bool, probed *[]string) *Selector {
	return &Selector{
		ProbeTimeout: time.Millisecond,
		probe: func(addr string, _ time.Duration) bool {
			if probed != nil {
				*probed = append(*probed, addr)
			}
			return reachable[addr]
		},
		logger: slog.Default(),
	}
}

func replicatedTopology() Topology {
	return Replicated([]Endpoint{
		{Host: "node1", Port: 389, Name: "node1"},
		{Host: "node2", Port: 389, Name: "node2"},
		{Host: "node3", Port: 389, Name: "node3"},
	})
}

func TestSelectEndpointSingleNode(t *testing.T) {
	s := testSelector(nil, nil)
	for _, class := range []OperationClass{OpRead, OpWrite, OpHealth} {
		ep, err := s.SelectEndpoint(SingleNode("ldap.example.com", 389), class)
		require.NoError(t, err)
		assert.Equal(t, "ldap.example.com:389", ep.Addr())
	}
}

func TestSelectEndpointEmptyReplicas(t *testing.T) {
	s := testSelector(nil, nil)
	_, err := s.SelectEndpoint(Replicated(nil), OpRead)
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestSelectEndpointWriteAlwaysFirst(t *testing.T) {
	// No probe runs for writes, even when the primary is unreachable.
	var probed []string
	s := testSelector(map[string]bool{}, &probed)

	ep, err := s.SelectEndpoint(replicatedTopology(), OpWrite)
	require.NoError(t, err)
	assert.Equal(t, "node1", ep.Host)
	assert.Empty(t, probed)
}

func TestSelectEndpointHealthFirst(t *testing.T) {
	var probed []string
	s := testSelector(map[string]bool{}, &probed)

	ep, err := s.SelectEndpoint(replicatedTopology(), OpHealth)
	require.NoError(t, err)
	assert.Equal(t, "node1", ep.Host)
	assert.Empty(t, probed)
}

func TestSelectEndpointReadFailover(t *testing.T) {
	tests := []struct {
		name       string
		reachable  map[string]bool
		wantHost   string
		wantProbes []string
	}{
		{
			name:       "all reachable picks last",
			reachable:  map[string]bool{"node1:389": true, "node2:389": true, "node3:389": true},
			wantHost:   "node3",
			wantProbes: []string{"node3:389"},
		},
		{
			name:       "last down falls back to middle",
			reachable:  map[string]bool{"node1:389": true, "node2:389": true},
			wantHost:   "node2",
			wantProbes: []string{"node3:389", "node2:389"},
		},
		{
			name:       "only primary up",
			reachable:  map[string]bool{"node1:389": true},
			wantHost:   "node1",
			wantProbes: []string{"node3:389", "node2:389", "node1:389"},
		},
		{
			name:       "all down falls back to last without error",
			reachable:  map[string]bool{},
			wantHost:   "node3",
			wantProbes: []string{"node3:389", "node2:389", "node1:389"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var probed []string
			s := testSelector(tt.reachable, &probed)

			ep, err := s.SelectEndpoint(replicatedTopology(), OpRead)
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, ep.Host)
			assert.Equal(t, tt.wantProbes, probed)
		})
	}
}
