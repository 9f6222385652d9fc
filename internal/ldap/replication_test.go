package ldap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestCSN(t *testing.T) {
	csns := []string{
		"20260119194719.531790Z#000000#001#000000",
		"20260119200101.000001Z#000000#002#000000",
		"20260118120000.000000Z#000000#003#000000",
	}
	assert.Equal(t, "20260119200101.000001Z#000000#002#000000", LatestCSN(csns))
	assert.Equal(t, "", LatestCSN(nil))
}

func TestCSNAge(t *testing.T) {
	now := time.Date(2026, 1, 19, 20, 0, 0, 0, time.UTC)

	age, err := CSNAge("20260119195900.531790Z#000000#001#000000", now)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, age)

	_, err = CSNAge("garbage", now)
	assert.Error(t, err)

	_, err = CSNAge("", now)
	assert.Error(t, err)
}

func TestParseSyncrepl(t *testing.T) {
	value := `rid=001 provider=ldap://ldap1.example.com:389 bindmethod=simple ` +
		`binddn="cn=replicator,dc=example,dc=com" credentials=secret searchbase="dc=example,dc=com"`

	peer, ok := parseSyncrepl(value)
	require.True(t, ok)
	assert.Equal(t, "001", peer.RID)
	assert.Equal(t, "ldap1.example.com", peer.Host)
}

func TestParseSyncreplRejectsIncomplete(t *testing.T) {
	_, ok := parseSyncrepl("rid=001 bindmethod=simple")
	assert.False(t, ok)

	_, ok = parseSyncrepl("provider=ldap://ldap1:389")
	assert.False(t, ok)
}

func TestParseSyncreplWithoutScheme(t *testing.T) {
	peer, ok := parseSyncrepl("rid=002 provider=ldap2.example.com:389 searchbase=dc=example,dc=com")
	require.True(t, ok)
	assert.Equal(t, "ldap2.example.com", peer.Host)
	assert.Equal(t, "002", peer.RID)
}
