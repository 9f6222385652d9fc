package ldap

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ReplicationPeer is one syncrepl consumer relationship: the node reads from
// Host under replica ID RID.
type ReplicationPeer struct {
	Host string `json:"host"`
	RID  string `json:"rid"`
}

// ContextCSN returns the contextCSN values of the suffix entry. Multi-master
// nodes hold one value per server ID.
func (s *Session) ContextCSN(baseDN string) ([]string, error) {
	req := ldap.NewSearchRequest(
		baseDN, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, 0, false,
		FilterAll, []string{"contextCSN"}, nil,
	)
	res, err := s.conn.Search(req)
	if err != nil {
		return nil, operr("search", baseDN, err)
	}
	if len(res.Entries) == 0 {
		return nil, nil
	}
	return res.Entries[0].GetAttributeValues("contextCSN"), nil
}

// LatestCSN returns the newest of the given contextCSN values. CSNs start
// with a sortable timestamp, so lexicographic max is the latest.
func LatestCSN(csns []string) string {
	latest := ""
	for _, csn := range csns {
		if csn > latest {
			latest = csn
		}
	}
	return latest
}

// CSNAge returns how far behind now the CSN timestamp is. CSNs look like
// 20260119194719.531790Z#000000#001#000000.
func CSNAge(csn string, now time.Time) (time.Duration, error) {
	stamp, _, _ := strings.Cut(csn, "#")
	stamp = strings.TrimSuffix(stamp, "Z")
	if len(stamp) < 14 {
		return 0, fmt.Errorf("malformed CSN %q", csn)
	}
	t, err := time.Parse("20060102150405", stamp[:14])
	if err != nil {
		return 0, fmt.Errorf("malformed CSN %q: %w", csn, err)
	}
	return now.UTC().Sub(t), nil
}

// ServerID reads olcServerID from the config backend. The session must be
// bound as a config-capable principal.
func (s *Session) ServerID() (string, error) {
	req := ldap.NewSearchRequest(
		"cn=config", ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=olcGlobal)", []string{"olcServerID"}, nil,
	)
	res, err := s.conn.Search(req)
	if err != nil {
		return "", operr("search", "cn=config", err)
	}
	if len(res.Entries) == 0 {
		return "", nil
	}
	id := res.Entries[0].GetAttributeValue("olcServerID")
	// olcServerID may carry a URL after the numeric ID.
	id, _, _ = strings.Cut(id, " ")
	return id, nil
}

// SyncreplPeers lists the providers this node consumes from, parsed out of
// the olcSyncrepl values of the replicated database.
func (s *Session) SyncreplPeers() ([]ReplicationPeer, error) {
	req := ldap.NewSearchRequest(
		"cn=config", ldap.ScopeSingleLevel, ldap.NeverDerefAliases, 0, 0, false,
		"(&(objectClass=olcDatabaseConfig)(olcSyncrepl=*))", []string{"olcSyncrepl"}, nil,
	)
	res, err := s.conn.Search(req)
	if err != nil {
		return nil, operr("search", "cn=config", err)
	}
	if len(res.Entries) == 0 {
		return nil, nil
	}

	var peers []ReplicationPeer
	for _, value := range res.Entries[0].GetAttributeValues("olcSyncrepl") {
		if peer, ok := parseSyncrepl(value); ok {
			peers = append(peers, peer)
		}
	}
	return peers, nil
}

// parseSyncrepl extracts rid and provider host from one olcSyncrepl value.
func parseSyncrepl(value string) (ReplicationPeer, bool) {
	rid := fieldAfter(value, "rid=")
	provider := fieldAfter(value, "provider=")
	if rid == "" || provider == "" {
		return ReplicationPeer{}, false
	}
	if _, rest, found := strings.Cut(provider, "://"); found {
		provider = rest
	}
	host, _, _ := strings.Cut(provider, ":")
	return ReplicationPeer{Host: host, RID: rid}, true
}

func fieldAfter(s, prefix string) string {
	_, rest, found := strings.Cut(s, prefix)
	if !found {
		return ""
	}
	field, _, _ := strings.Cut(rest, " ")
	return field
}
