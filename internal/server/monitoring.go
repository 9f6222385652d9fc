package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ldapdeck/ldapdeck/internal/ldap"
)

type nodeStats struct {
	Name           string  `json:"name"`
	Host           string  `json:"host"`
	Port           int     `json:"port"`
	Status         string  `json:"status"`
	ResponseMillis int64   `json:"response_ms"`
	TotalEntries   int     `json:"total_entries,omitempty"`
	Users          int     `json:"users,omitempty"`
	Groups         int     `json:"groups,omitempty"`
	LatestCSN      string  `json:"latest_csn,omitempty"`
	SyncAgeSeconds float64 `json:"sync_age_seconds,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// handleNodeStats connects to every node of the cluster directly, bypassing
// selection and pooling, and reports per-node health, entry counts and
// replication state. Nodes are in sync when every healthy node reports the
// same latest contextCSN.
func (s *Server) handleNodeStats(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.cluster(r.URL.Query().Get("cluster"))
	if err != nil {
		writeError(w, err)
		return
	}
	secret, err := s.creds.Get(cluster.Name, cluster.BindDN)
	if err != nil {
		writeError(w, errCredentialMissing)
		return
	}

	endpoints := ldap.AllEndpoints(cluster.Topology())
	nodes := make([]nodeStats, 0, len(endpoints))
	csns := make(map[string]struct{})

	for _, endpoint := range endpoints {
		node := nodeStats{Name: endpoint.Name, Host: endpoint.Host, Port: endpoint.Port}

		start := time.Now()
		sess, err := ldap.Connect(ldap.SessionConfig{
			Endpoint: endpoint,
			BindDN:   cluster.BindDN,
			Password: secret,
			BaseDN:   cluster.BaseDN,
		}, s.logger)
		node.ResponseMillis = time.Since(start).Milliseconds()
		if err != nil {
			node.Status = "unreachable"
			node.Error = err.Error()
			nodes = append(nodes, node)
			continue
		}

		node.Status = "healthy"
		base := sess.BaseDN()
		if n, err := sess.CountMatching(base, ldap.FilterAll); err == nil {
			node.TotalEntries = n
		}
		if n, err := sess.CountMatching(base, ldap.FilterUsers); err == nil {
			node.Users = n
		}
		if n, err := sess.CountMatching(base, ldap.FilterGroups); err == nil {
			node.Groups = n
		}
		if values, err := sess.ContextCSN(base); err == nil && len(values) > 0 {
			node.LatestCSN = ldap.LatestCSN(values)
			csns[node.LatestCSN] = struct{}{}
			if age, err := ldap.CSNAge(node.LatestCSN, time.Now()); err == nil {
				node.SyncAgeSeconds = age.Seconds()
			}
		}
		_ = sess.Close()
		nodes = append(nodes, node)
	}

	healthy := 0
	for _, n := range nodes {
		if n.Status == "healthy" {
			healthy++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cluster":       cluster.Name,
		"nodes":         nodes,
		"healthy_nodes": healthy,
		"total_nodes":   len(nodes),
		"in_sync":       healthy > 0 && len(csns) <= 1,
	})
}

type topologyNode struct {
	Name     string                 `json:"name"`
	Host     string                 `json:"host"`
	Port     int                    `json:"port"`
	ServerID string                 `json:"server_id,omitempty"`
	Peers    []ldap.ReplicationPeer `json:"peers"`
	Error    string                 `json:"error,omitempty"`
}

// handleTopology maps who replicates from whom by reading each node's
// syncrepl configuration. Nodes that refuse the config read are reported
// with the error instead of failing the whole map.
func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.cluster(r.URL.Query().Get("cluster"))
	if err != nil {
		writeError(w, err)
		return
	}
	secret, err := s.creds.Get(cluster.Name, cluster.BindDN)
	if err != nil {
		writeError(w, errCredentialMissing)
		return
	}

	endpoints := ldap.AllEndpoints(cluster.Topology())
	nodes := make([]topologyNode, 0, len(endpoints))
	for _, endpoint := range endpoints {
		node := topologyNode{Name: endpoint.Name, Host: endpoint.Host, Port: endpoint.Port, Peers: []ldap.ReplicationPeer{}}

		sess, err := ldap.Connect(ldap.SessionConfig{
			Endpoint: endpoint,
			BindDN:   cluster.BindDN,
			Password: secret,
			BaseDN:   cluster.BaseDN,
		}, s.logger)
		if err != nil {
			node.Error = err.Error()
			nodes = append(nodes, node)
			continue
		}

		if id, err := sess.ServerID(); err == nil {
			node.ServerID = id
		}
		peers, err := sess.SyncreplPeers()
		if err != nil {
			node.Error = err.Error()
		} else if peers != nil {
			node.Peers = peers
		}
		_ = sess.Close()
		nodes = append(nodes, node)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cluster":    cluster.Name,
		"replicated": cluster.Topology().IsReplicated(),
		"nodes":      nodes,
	})
}

type replicationTestRequest struct {
	ClusterName string `json:"cluster_name"`
}

type replicationProbe struct {
	Name          string `json:"name"`
	Host          string `json:"host"`
	Replicated    bool   `json:"replicated"`
	LatencyMillis int64  `json:"latency_ms,omitempty"`
	Error         string `json:"error,omitempty"`
}

// handleReplicationTest verifies replication end to end: it writes a marker
// entry to the first node, waits for the marker to appear on every other
// node, then removes the marker.
func (s *Server) handleReplicationTest(w http.ResponseWriter, r *http.Request) {
	var req replicationTestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Errorf("invalid request body: %w", err))
		return
	}
	cluster, err := s.cluster(req.ClusterName)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := rejectReadOnly(cluster); err != nil {
		writeError(w, err)
		return
	}
	endpoints := ldap.AllEndpoints(cluster.Topology())
	if len(endpoints) < 2 {
		writeError(w, errors.New("replication test requires at least two nodes"))
		return
	}
	secret, err := s.creds.Get(cluster.Name, cluster.BindDN)
	if err != nil {
		writeError(w, errCredentialMissing)
		return
	}

	sessionFor := func(endpoint ldap.Endpoint) (*ldap.Session, error) {
		return ldap.Connect(ldap.SessionConfig{
			Endpoint: endpoint,
			BindDN:   cluster.BindDN,
			Password: secret,
			BaseDN:   cluster.BaseDN,
		}, s.logger)
	}

	writer, err := sessionFor(endpoints[0])
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() { _ = writer.Close() }()

	markerCN := "repl-probe-" + uuid.NewString()
	markerDN := fmt.Sprintf("cn=%s,%s", markerCN, writer.BaseDN())
	err = writer.Create(markerDN, map[string][]string{
		"objectClass": {"organizationalRole"},
		"cn":          {markerCN},
		"description": {"replication probe " + time.Now().UTC().Format(time.RFC3339)},
	})
	observe("replication_test", err)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() {
		if err := writer.Delete(markerDN); err != nil {
			s.logger.Warn("replication probe cleanup failed", "dn", markerDN, "error", err)
		}
	}()

	probes := make([]replicationProbe, 0, len(endpoints)-1)
	allReplicated := true
	for _, endpoint := range endpoints[1:] {
		probe := replicationProbe{Name: endpoint.Name, Host: endpoint.Host}
		start := time.Now()

		sess, err := sessionFor(endpoint)
		if err != nil {
			probe.Error = err.Error()
			allReplicated = false
			probes = append(probes, probe)
			continue
		}

		probe.Replicated = waitForEntry(sess, markerDN)
		probe.LatencyMillis = time.Since(start).Milliseconds()
		if !probe.Replicated {
			probe.Error = "marker did not replicate in time"
			allReplicated = false
		}
		_ = sess.Close()
		probes = append(probes, probe)
	}

	status := "success"
	if !allReplicated {
		status = "failure"
	}
	s.logger.Info("replication test finished",
		"cluster", cluster.Name,
		"status", status,
		"probes", len(probes),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"marker":  markerDN,
		"results": probes,
	})
}

// waitForEntry polls the node until the DN resolves, backing off
// exponentially up to replicationWait in total.
func waitForEntry(sess *ldap.Session, dn string) bool {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = replicationWait

	err := backoff.Retry(func() error {
		classes, err := sess.ObjectClasses(dn)
		if err != nil {
			return err
		}
		if len(classes) == 0 {
			return errors.New("not yet present")
		}
		return nil
	}, policy)
	return err == nil
}

const replicationWait = 10 * time.Second
