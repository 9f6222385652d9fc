package ldap

import (
	"fmt"
	"log/slog"
	"net"
	"time"
	"unicode/utf8"

	"github.com/go-ldap/ldap/v3"
)

// memberAttribute is the group attribute membership operations modify.
const memberAttribute = "uniqueMember"

// directoryConn is the subset of *ldap.Conn the session uses. It exists so
// protocol handling can be exercised against a fake in tests.
type directoryConn interface {
	Bind(username, password string) error
	Search(*ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(*ldap.AddRequest) error
	Modify(*ldap.ModifyRequest) error
	Del(*ldap.DelRequest) error
	SetTimeout(time.Duration)
	Close() error
}

// Session is one authenticated protocol connection to a single endpoint.
//
// A session may be shared by concurrent callers for independent
// request/response exchanges; the underlying connection serializes and
// correlates messages itself. Ordering is only guaranteed per caller.
type Session struct {
	conn   directoryConn
	cfg    SessionConfig
	logger *slog.Logger
}

// Connect opens a connection to the configured endpoint, authenticates with
// a simple bind and discovers the base DN from the root DSE when the
// configuration leaves it empty.
func Connect(cfg SessionConfig, logger *slog.Logger) (*Session, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	url := "ldap://" + cfg.Endpoint.Addr()
	conn, err := ldap.DialURL(url, ldap.DialWithDialer(&net.Dialer{Timeout: cfg.Timeout}))
	if err != nil {
		return nil, connectError(cfg.Endpoint, err)
	}
	conn.SetTimeout(cfg.Timeout)

	s := &Session{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With("component", "session", "endpoint", cfg.Endpoint.Addr()),
	}
	if err := s.bind(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if s.cfg.BaseDN == "" {
		s.cfg.BaseDN = s.discoverBaseDN()
	}
	return s, nil
}

func (s *Session) bind() error {
	if err := s.conn.Bind(s.cfg.BindDN, s.cfg.Password); err != nil {
		return operr("bind", s.cfg.BindDN, err)
	}
	return nil
}

// discoverBaseDN reads namingContexts from the root DSE. Failure is not
// fatal: an empty base DN surfaces later as a search error.
func (s *Session) discoverBaseDN() string {
	req := ldap.NewSearchRequest(
		"", ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=*)", []string{"namingContexts"}, nil,
	)
	res, err := s.conn.Search(req)
	if err != nil || len(res.Entries) == 0 {
		return ""
	}
	return res.Entries[0].GetAttributeValue("namingContexts")
}

// BaseDN returns the session's effective search base.
func (s *Session) BaseDN() string {
	return s.cfg.BaseDN
}

// Endpoint returns the endpoint this session is connected to.
func (s *Session) Endpoint() Endpoint {
	return s.cfg.Endpoint
}

// Close releases the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Search executes a filtered subtree search.
//
// With pageSize 0 the whole result set is returned in one call, the returned
// cursor is empty and total equals the number of entries. With pageSize > 0
// one page of a server-side paged search is returned together with the
// cursor for the following page; a returned cursor for which Done() is true
// means the last page has been delivered.
//
// The total is computed only when cursor is FirstPage, via a separate
// identifier-only query, so first-page callers get an authoritative count
// without walking all pages. Subsequent pages return 0 and callers must keep
// the first-page figure. The cursor is forward-only: reaching page N
// requires walking pages 1..N-1.
func (s *Session) Search(baseDN, filter string, attrs []string, pageSize uint32, cursor Cursor) ([]Entry, Cursor, int, error) {
	if filter == "" {
		filter = FilterAll
	}

	if pageSize == 0 {
		req := ldap.NewSearchRequest(
			baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
			filter, attrs, nil,
		)
		res, err := s.conn.Search(req)
		if err != nil {
			return nil, nil, 0, operr("search", baseDN, err)
		}
		entries := normalizeEntries(res.Entries)
		return entries, FirstPage, len(entries), nil
	}

	paging := ldap.NewControlPaging(pageSize)
	if len(cursor) > 0 {
		paging.SetCookie(cursor)
	}
	req := ldap.NewSearchRequest(
		baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter, attrs, []ldap.Control{paging},
	)
	res, err := s.conn.Search(req)
	if err != nil {
		return nil, nil, 0, operr("search", baseDN, err)
	}

	var next Cursor
	if ctrl, ok := ldap.FindControl(res.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging); ok {
		next = Cursor(ctrl.Cookie)
	}

	total := 0
	if len(cursor) == 0 {
		if total, err = s.CountMatching(baseDN, filter); err != nil {
			return nil, nil, 0, err
		}
	}

	return normalizeEntries(res.Entries), next, total, nil
}

// CountMatching returns the number of entries matching filter under baseDN.
// Only entry identifiers travel over the wire.
func (s *Session) CountMatching(baseDN, filter string) (int, error) {
	req := ldap.NewSearchRequest(
		baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter, []string{"1.1"}, nil, // 1.1 = no attributes, DNs only
	)
	res, err := s.conn.Search(req)
	if err != nil {
		return 0, operr("count", baseDN, err)
	}
	return len(res.Entries), nil
}

// Create adds a new entry with the given attributes.
func (s *Session) Create(dn string, attrs map[string][]string) error {
	req := ldap.NewAddRequest(dn, nil)
	for name, values := range attrs {
		req.Attribute(name, values)
	}
	if err := s.conn.Add(req); err != nil {
		return operr("add", dn, err)
	}
	return nil
}

// ModifyReplace replaces the given attributes on an entry.
func (s *Session) ModifyReplace(dn string, changes map[string][]string) error {
	req := ldap.NewModifyRequest(dn, nil)
	for name, values := range changes {
		req.Replace(name, values)
	}
	if err := s.conn.Modify(req); err != nil {
		return operr("modify", dn, err)
	}
	return nil
}

// Delete removes an entry.
func (s *Session) Delete(dn string) error {
	if err := s.conn.Del(ldap.NewDelRequest(dn, nil)); err != nil {
		return operr("delete", dn, err)
	}
	return nil
}

// AddGroupMember adds memberDN to the group. Adding a DN that is already a
// member is treated as success.
func (s *Session) AddGroupMember(groupDN, memberDN string) error {
	req := ldap.NewModifyRequest(groupDN, nil)
	req.Add(memberAttribute, []string{memberDN})
	err := s.conn.Modify(req)
	if err == nil || ldap.IsErrorWithCode(err, ldap.LDAPResultAttributeOrValueExists) {
		return nil
	}
	return operr("add member", groupDN, err)
}

// RemoveGroupMember removes memberDN from the group. Removing a DN that is
// not a member is treated as success; removing a member the group schema
// requires fails with ErrMembershipConstraint.
func (s *Session) RemoveGroupMember(groupDN, memberDN string) error {
	req := ldap.NewModifyRequest(groupDN, nil)
	req.Delete(memberAttribute, []string{memberDN})
	err := s.conn.Modify(req)
	switch {
	case err == nil, ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchAttribute):
		return nil
	case ldap.IsErrorWithCode(err, ldap.LDAPResultObjectClassViolation):
		return fmt.Errorf("%w: %s", ErrMembershipConstraint, groupDN)
	default:
		return operr("remove member", groupDN, err)
	}
}

// Groups returns every group entry under baseDN.
func (s *Session) Groups(baseDN string) ([]Entry, error) {
	entries, _, _, err := s.Search(baseDN, FilterGroups, []string{"cn", "description", "objectClass"}, 0, FirstPage)
	return entries, err
}

// GroupsOf returns the groups that list userDN as a member.
func (s *Session) GroupsOf(userDN, baseDN string) ([]Entry, error) {
	entries, _, _, err := s.Search(baseDN, MemberOfFilter(userDN), []string{"cn", "description", "objectClass"}, 0, FirstPage)
	return entries, err
}

// ObjectClasses returns the objectClass values of one entry.
func (s *Session) ObjectClasses(dn string) ([]string, error) {
	req := ldap.NewSearchRequest(
		dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, 0, false,
		FilterAll, []string{"objectClass"}, nil,
	)
	res, err := s.conn.Search(req)
	if err != nil {
		return nil, operr("search", dn, err)
	}
	if len(res.Entries) == 0 {
		return nil, nil
	}
	return res.Entries[0].GetAttributeValues("objectClass"), nil
}

// normalizeEntries converts protocol entries into the uniform map-of-lists
// shape. Attribute values that are not valid text are preserved in an
// escaped raw form instead of being dropped.
func normalizeEntries(in []*ldap.Entry) []Entry {
	out := make([]Entry, 0, len(in))
	for _, e := range in {
		if e.DN == "" && len(e.Attributes) == 0 {
			continue
		}
		attrs := make(map[string][]string, len(e.Attributes))
		for _, attr := range e.Attributes {
			values := make([]string, 0, len(attr.ByteValues))
			for _, raw := range attr.ByteValues {
				values = append(values, decodeValue(raw))
			}
			attrs[attr.Name] = values
		}
		out = append(out, Entry{DN: e.DN, Attributes: attrs})
	}
	return out
}

func decodeValue(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	return fmt.Sprintf("%q", raw)
}
