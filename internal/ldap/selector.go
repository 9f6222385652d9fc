package ldap

import (
	"log/slog"
	"net"
	"time"
)

// DefaultProbeTimeout bounds the reachability probe. The probe is a raw TCP
// connect; it must stay fast because read selection pays it per candidate.
const DefaultProbeTimeout = 2 * time.Second

// Selector picks the endpoint to contact for one operation.
//
// Policy: writes always go to the first configured endpoint (the designated
// primary) with no reachability check, so an unreachable primary fails loudly
// at the protocol layer instead of being rerouted. Reads walk the replica
// list in reverse configured order, probing reachability, to keep load off
// the primary. Health selection returns the first endpoint; monitoring
// iterates AllEndpoints itself.
type Selector struct {
	ProbeTimeout time.Duration

	// probe reports whether addr accepts TCP connections. Advisory only:
	// a node that probes reachable can still fail bind or search.
	probe  func(addr string, timeout time.Duration) bool
	logger *slog.Logger
}

// NewSelector returns a selector with the default TCP probe.
func NewSelector(logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		ProbeTimeout: DefaultProbeTimeout,
		probe:        tcpProbe,
		logger:       logger.With("component", "selector"),
	}
}

// SelectEndpoint resolves the endpoint for the given operation class.
// It returns ErrNoEndpoints when the topology has no usable endpoints.
func (s *Selector) SelectEndpoint(t Topology, class OperationClass) (Endpoint, error) {
	if !t.IsReplicated() {
		return *t.single, nil
	}
	nodes := t.replicas
	if len(nodes) == 0 {
		return Endpoint{}, ErrNoEndpoints
	}

	switch class {
	case OpWrite:
		// Write consistency depends on always targeting the same node.
		return nodes[0], nil
	case OpRead:
		return s.selectWithFailover(nodes), nil
	default:
		return nodes[0], nil
	}
}

// selectWithFailover walks the replicas last to first and returns the first
// endpoint that probes reachable. When every probe fails it still returns
// the last configured endpoint: the subsequent protocol-level connect will
// produce a more specific error than anything known here.
func (s *Selector) selectWithFailover(nodes []Endpoint) Endpoint {
	for i := len(nodes) - 1; i >= 0; i-- {
		ep := nodes[i]
		if s.probe(ep.Addr(), s.ProbeTimeout) {
			s.logger.Debug("selected read endpoint", "endpoint", ep.Addr())
			return ep
		}
		s.logger.Warn("endpoint unreachable, trying next", "endpoint", ep.Addr())
	}

	fallback := nodes[len(nodes)-1]
	s.logger.Error("all endpoints unreachable, falling back", "endpoint", fallback.Addr())
	return fallback
}

// tcpProbe attempts a bounded raw TCP connect. Any failure, including DNS
// resolution and timeout, counts as unreachable.
func tcpProbe(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
