package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ldapdeck/ldapdeck/internal/config"
	"github.com/ldapdeck/ldapdeck/internal/ldap"
)

const (
	defaultPageSize = 10
	maxPageSize     = 10000
)

type searchResponse struct {
	Entries  []ldap.Entry `json:"entries"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
	HasMore  bool         `json:"has_more"`
}

// handleSearch serves one page of a filtered subtree search. The directory's
// paging cursor is forward-only, so page N is reached by walking pages
// 1..N-1 and discarding them; the authoritative total comes from the first
// page of the walk.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cluster, err := s.cluster(q.Get("cluster"))
	if err != nil {
		writeError(w, err)
		return
	}

	page := queryInt(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(q.Get("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	filter := ldap.SearchTermFilter(ldap.ClassFilter(q.Get("filter_type")), q.Get("search"))

	var resp searchResponse
	err = s.withSession(cluster, ldap.OpRead, func(sess *ldap.Session) error {
		base := cluster.BaseDN
		if base == "" {
			base = sess.BaseDN()
		}

		cursor := ldap.FirstPage
		attrs := []string{"*", "+"}
		for current := 1; ; current++ {
			entries, next, total, err := sess.Search(base, filter, attrs, uint32(pageSize), cursor)
			if err != nil {
				return err
			}
			if current == 1 {
				resp.Total = total
			}
			if current == page {
				resp.Entries = entries
				resp.HasMore = !next.Done()
				return nil
			}
			if next.Done() {
				// Requested page lies past the end of the result set.
				resp.Entries = []ldap.Entry{}
				resp.HasMore = false
				return nil
			}
			cursor = next
		}
	})
	observe("search", err)
	if err != nil {
		writeError(w, err)
		return
	}
	if resp.Entries == nil {
		resp.Entries = []ldap.Entry{}
	}
	resp.Page = page
	resp.PageSize = pageSize
	writeJSON(w, http.StatusOK, resp)
}

type entryStats struct {
	Total  int `json:"total_entries"`
	Users  int `json:"users"`
	Groups int `json:"groups"`
	OUs    int `json:"organizational_units"`
	Other  int `json:"other"`
}

func (s *Server) handleEntryStats(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.cluster(r.URL.Query().Get("cluster"))
	if err != nil {
		writeError(w, err)
		return
	}

	var stats entryStats
	err = s.withSession(cluster, ldap.OpRead, func(sess *ldap.Session) error {
		base := cluster.BaseDN
		if base == "" {
			base = sess.BaseDN()
		}
		counts := []struct {
			filter string
			dest   *int
		}{
			{ldap.FilterAll, &stats.Total},
			{ldap.FilterUsers, &stats.Users},
			{ldap.FilterGroups, &stats.Groups},
			{ldap.FilterOUs, &stats.OUs},
		}
		for _, c := range counts {
			n, err := sess.CountMatching(base, c.filter)
			if err != nil {
				return err
			}
			*c.dest = n
		}
		return nil
	})
	observe("stats", err)
	if err != nil {
		writeError(w, err)
		return
	}
	stats.Other = stats.Total - stats.Users - stats.Groups - stats.OUs
	if stats.Other < 0 {
		stats.Other = 0
	}
	writeJSON(w, http.StatusOK, stats)
}

type entryWriteRequest struct {
	ClusterName string         `json:"cluster_name"`
	DN          string         `json:"dn"`
	Attributes  map[string]any `json:"attributes"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	req, cluster, err := s.decodeWrite(r)
	if err != nil {
		writeError(w, err)
		return
	}

	attrs := normalizeAttributes(req.Attributes)
	err = s.withSession(cluster, ldap.OpWrite, func(sess *ldap.Session) error {
		return sess.Create(req.DN, attrs)
	})
	observe("create", err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("entry created", "cluster", cluster.Name, "dn", req.DN)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "dn": req.DN})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	req, cluster, err := s.decodeWrite(r)
	if err != nil {
		writeError(w, err)
		return
	}

	changes := normalizeAttributes(req.Attributes)
	err = s.withSession(cluster, ldap.OpWrite, func(sess *ldap.Session) error {
		if _, changed := changes["userPassword"]; changed {
			maybeUpdateShadowLastChange(sess, req.DN, changes)
		}
		return sess.ModifyReplace(req.DN, changes)
	})
	observe("update", err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("entry updated", "cluster", cluster.Name, "dn", req.DN)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "dn": req.DN})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	req, cluster, err := s.decodeWrite(r)
	if err != nil {
		writeError(w, err)
		return
	}

	err = s.withSession(cluster, ldap.OpWrite, func(sess *ldap.Session) error {
		return sess.Delete(req.DN)
	})
	observe("delete", err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Warn("entry deleted", "cluster", cluster.Name, "dn", req.DN)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "dn": req.DN})
}

func (s *Server) handleAllGroups(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.cluster(r.URL.Query().Get("cluster"))
	if err != nil {
		writeError(w, err)
		return
	}

	var groups []ldap.Entry
	err = s.withSession(cluster, ldap.OpRead, func(sess *ldap.Session) error {
		base := cluster.BaseDN
		if base == "" {
			base = sess.BaseDN()
		}
		groups, err = sess.Groups(base)
		return err
	})
	observe("groups", err)
	if err != nil {
		writeError(w, err)
		return
	}
	if groups == nil {
		groups = []ldap.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) handleUserGroups(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cluster, err := s.cluster(q.Get("cluster"))
	if err != nil {
		writeError(w, err)
		return
	}
	userDN := q.Get("user_dn")
	if userDN == "" {
		writeError(w, errors.New("user_dn is required"))
		return
	}

	var groups []ldap.Entry
	err = s.withSession(cluster, ldap.OpRead, func(sess *ldap.Session) error {
		base := cluster.BaseDN
		if base == "" {
			base = sess.BaseDN()
		}
		groups, err = sess.GroupsOf(userDN, base)
		return err
	})
	observe("user_groups", err)
	if err != nil {
		writeError(w, err)
		return
	}
	if groups == nil {
		groups = []ldap.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_dn": userDN, "groups": groups})
}

type membershipUpdateRequest struct {
	ClusterName    string   `json:"cluster_name"`
	UserDN         string   `json:"user_dn"`
	GroupsToAdd    []string `json:"groups_to_add"`
	GroupsToRemove []string `json:"groups_to_remove"`
}

type membershipResult struct {
	GroupDN string `json:"group_dn"`
	Action  string `json:"action"`
	Error   string `json:"error,omitempty"`
}

// handleUpdateUserGroups applies a batch of membership changes one group at
// a time. Failures do not abort the batch; the response reports per-group
// outcomes and an overall success/partial status.
func (s *Server) handleUpdateUserGroups(w http.ResponseWriter, r *http.Request) {
	var req membershipUpdateRequest
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
	if req.UserDN == "" {
		writeError(w, errors.New("user_dn is required"))
		return
	}

	var results []membershipResult
	failures := 0
	err = s.withSession(cluster, ldap.OpWrite, func(sess *ldap.Session) error {
		for _, groupDN := range req.GroupsToAdd {
			res := membershipResult{GroupDN: groupDN, Action: "add"}
			addErr := sess.AddGroupMember(groupDN, req.UserDN)
			observe("member_add", addErr)
			if addErr != nil {
				res.Error = addErr.Error()
				failures++
			}
			results = append(results, res)
		}
		for _, groupDN := range req.GroupsToRemove {
			res := membershipResult{GroupDN: groupDN, Action: "remove"}
			removeErr := sess.RemoveGroupMember(groupDN, req.UserDN)
			observe("member_remove", removeErr)
			if removeErr != nil {
				res.Error = removeErr.Error()
				failures++
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := "success"
	if failures > 0 {
		status = "partial"
	}
	s.logger.Info("membership updated",
		"cluster", cluster.Name,
		"user_dn", req.UserDN,
		"changes", len(results),
		"failures", failures,
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"user_dn": req.UserDN,
		"results": results,
	})
}

// decodeWrite parses a write request body and enforces the read-only guard.
func (s *Server) decodeWrite(r *http.Request) (entryWriteRequest, *config.Cluster, error) {
	var req entryWriteRequest
	if err := decodeBody(r, &req); err != nil {
		return req, nil, fmt.Errorf("invalid request body: %w", err)
	}
	cluster, err := s.cluster(req.ClusterName)
	if err != nil {
		return req, nil, err
	}
	if err := rejectReadOnly(cluster); err != nil {
		return req, nil, err
	}
	if req.DN == "" {
		return req, nil, errors.New("dn is required")
	}
	return req, cluster, nil
}

// maybeUpdateShadowLastChange folds shadowLastChange into a password change
// for entries carrying the shadowAccount class, so password aging tracks the
// change. Lookup failures leave the change set untouched.
func maybeUpdateShadowLastChange(sess *ldap.Session, dn string, changes map[string][]string) {
	classes, err := sess.ObjectClasses(dn)
	if err != nil {
		return
	}
	for _, class := range classes {
		if class == "shadowAccount" {
			days := time.Now().UTC().Unix() / 86400
			changes["shadowLastChange"] = []string{strconv.FormatInt(days, 10)}
			return
		}
	}
}

// normalizeAttributes accepts the JSON attribute shapes clients send (scalar
// or list values) and flattens them to the protocol's list-of-strings form.
// Empty values are dropped.
func normalizeAttributes(in map[string]any) map[string][]string {
	out := make(map[string][]string, len(in))
	for name, value := range in {
		var values []string
		switch v := value.(type) {
		case nil:
			continue
		case []any:
			for _, item := range v {
				if s := attributeString(item); s != "" {
					values = append(values, s)
				}
			}
		default:
			if s := attributeString(v); s != "" {
				values = []string{s}
			}
		}
		if len(values) > 0 {
			out[name] = values
		}
	}
	return out
}

func attributeString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
