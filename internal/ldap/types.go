package ldap

import (
	"net"
	"strconv"
	"time"
)

// OperationClass determines how an endpoint is selected for an operation.
type OperationClass int

const (
	OpRead OperationClass = iota // searches, counts, stats
	OpWrite                      // create, modify, delete
	OpHealth                     // health checks and monitoring
)

// String returns the string representation of the operation class.
func (o OperationClass) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpHealth:
		return "health"
	default:
		return "unknown"
	}
}

// Endpoint is a resolved directory server address for one operation.
type Endpoint struct {
	Host string
	Port int
	Name string // optional node name from configuration
}

// Addr returns the host:port form of the endpoint.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Topology describes a logical directory cluster: either a single endpoint or
// an ordered list of multi-master replicas. Exactly one variant is populated;
// the constructors are the only way to build a valid value.
type Topology struct {
	single   *Endpoint
	replicas []Endpoint
}

// SingleNode returns a topology with one directory server.
func SingleNode(host string, port int) Topology {
	return Topology{single: &Endpoint{Host: host, Port: port}}
}

// Replicated returns a multi-master topology. The order of endpoints is
// significant: the first endpoint is the designated write primary.
func Replicated(endpoints []Endpoint) Topology {
	return Topology{replicas: endpoints}
}

// IsReplicated reports whether the topology has a replica list.
func (t Topology) IsReplicated() bool {
	return t.single == nil
}

// AllEndpoints returns every endpoint of the topology in configured order.
// Health monitoring iterates this list; selection policy does not apply.
func AllEndpoints(t Topology) []Endpoint {
	if t.single != nil {
		return []Endpoint{*t.single}
	}
	out := make([]Endpoint, len(t.replicas))
	copy(out, t.replicas)
	return out
}

// Cursor is the opaque continuation token of a paged search. An empty cursor
// passed in means "first page"; an empty cursor returned means "no more
// pages". Use FirstPage and Done to keep the two meanings apart.
type Cursor []byte

// FirstPage is the input cursor that starts a paged search from the top.
var FirstPage = Cursor(nil)

// Done reports whether a returned cursor signals the end of the result set.
func (c Cursor) Done() bool {
	return len(c) == 0
}

// Entry is one directory entry with all attribute values normalized to lists.
type Entry struct {
	DN         string              `json:"dn"`
	Attributes map[string][]string `json:"attributes"`
}

// SessionConfig holds everything needed to open one authenticated session.
type SessionConfig struct {
	Endpoint Endpoint
	BindDN   string // principal used to authenticate
	Password string
	BaseDN   string        // auto-discovered from the root DSE when empty
	Timeout  time.Duration // per-operation network timeout
}

// DefaultTimeout is applied when SessionConfig.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// PoolEntryStats describes one pooled session for introspection.
type PoolEntryStats struct {
	Key        string `json:"key"`
	AgeSeconds int    `json:"age_seconds"`
	Stale      bool   `json:"is_stale"`
}

// PoolStats is a read-only snapshot of the connection pool.
type PoolStats struct {
	Size    int              `json:"pool_size"`
	MaxIdle time.Duration    `json:"-"`
	Entries []PoolEntryStats `json:"connections"`
}
