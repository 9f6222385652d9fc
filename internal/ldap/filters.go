package ldap

import (
	"fmt"

	"github.com/go-ldap/ldap/v3"
)

// Well-known objectClass filters for OpenLDAP directories.
const (
	FilterAll    = "(objectClass=*)"
	FilterUsers  = "(|(objectClass=inetOrgPerson)(objectClass=posixAccount)(objectClass=account))"
	FilterGroups = "(|(objectClass=groupOfNames)(objectClass=groupOfUniqueNames)(objectClass=posixGroup))"
	FilterOUs    = "(objectClass=organizationalUnit)"
)

// ClassFilter maps a symbolic entry kind to its objectClass filter.
// Unknown kinds match everything.
func ClassFilter(kind string) string {
	switch kind {
	case "users":
		return FilterUsers
	case "groups":
		return FilterGroups
	case "ous":
		return FilterOUs
	default:
		return FilterAll
	}
}

// SearchTermFilter builds a substring filter over the common naming
// attributes, combined with classFilter. The term is escaped so user input
// cannot inject filter syntax.
func SearchTermFilter(classFilter, term string) string {
	if term == "" {
		return classFilter
	}
	escaped := ldap.EscapeFilter(term)
	termFilter := fmt.Sprintf("(|(uid=*%s*)(cn=*%s*)(mail=*%s*)(sn=*%s*))", escaped, escaped, escaped, escaped)
	if classFilter == "" || classFilter == FilterAll {
		return termFilter
	}
	return fmt.Sprintf("(&%s%s)", classFilter, termFilter)
}

// MemberOfFilter matches the groups that list userDN under any of the
// common membership attributes.
func MemberOfFilter(userDN string) string {
	escaped := ldap.EscapeFilter(userDN)
	return fmt.Sprintf("(|(uniqueMember=%s)(member=%s)(memberUid=%s))", escaped, escaped, escaped)
}
