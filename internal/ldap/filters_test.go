package ldap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassFilter(t *testing.T) {
	assert.Equal(t, FilterUsers, ClassFilter("users"))
	assert.Equal(t, FilterGroups, ClassFilter("groups"))
	assert.Equal(t, FilterOUs, ClassFilter("ous"))
	assert.Equal(t, FilterAll, ClassFilter(""))
	assert.Equal(t, FilterAll, ClassFilter("bogus"))
}

func TestSearchTermFilter(t *testing.T) {
	assert.Equal(t, FilterUsers, SearchTermFilter(FilterUsers, ""),
		"empty term leaves the class filter alone")

	got := SearchTermFilter(FilterUsers, "alice")
	assert.Equal(t, "(&"+FilterUsers+"(|(uid=*alice*)(cn=*alice*)(mail=*alice*)(sn=*alice*)))", got)

	got = SearchTermFilter(FilterAll, "alice")
	assert.Equal(t, "(|(uid=*alice*)(cn=*alice*)(mail=*alice*)(sn=*alice*))", got,
		"match-everything class is dropped from the conjunction")
}

func TestSearchTermFilterEscapesInput(t *testing.T) {
	got := SearchTermFilter(FilterAll, "a*)(uid=*")
	assert.NotContains(t, got, "a*)(uid=*")
	assert.Contains(t, got, `a\2a\29\28uid=\2a`)
}

func TestMemberOfFilter(t *testing.T) {
	got := MemberOfFilter("uid=alice,ou=people,dc=example,dc=com")
	assert.Contains(t, got, "uniqueMember=uid=alice,ou=people,dc=example,dc=com")
	assert.Contains(t, got, "member=uid=alice")
	assert.Contains(t, got, "memberUid=uid=alice")
}
