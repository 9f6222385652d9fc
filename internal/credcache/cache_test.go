package credcache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *time.Time) {
	t.Helper()
	clock := time.Unix(1_700_000_000, 0)
	c, err := New(t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)
	c.now = func() time.Time { return clock }
	return c, &clock
}

func TestSaveAndGet(t *testing.T) {
	c, _ := newTestCache(t)

	require.NoError(t, c.Save("prod", "cn=admin,dc=example,dc=com", "hunter2", 0))

	secret, err := c.Get("prod", "cn=admin,dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)
}

func TestGetMissingRecord(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.Get("prod", "cn=admin,dc=example,dc=com")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestGetExpiredRecordIsDeleted(t *testing.T) {
	c, clock := newTestCache(t)

	require.NoError(t, c.Save("prod", "cn=admin,dc=example,dc=com", "hunter2", time.Hour))
	*clock = clock.Add(time.Hour + time.Second)

	_, err := c.Get("prod", "cn=admin,dc=example,dc=com")
	assert.ErrorIs(t, err, ErrMiss)

	path := c.recordPath("prod", "cn=admin,dc=example,dc=com")
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "expired record must be removed")
}

func TestGetWithinTTL(t *testing.T) {
	c, clock := newTestCache(t)

	require.NoError(t, c.Save("prod", "cn=admin,dc=example,dc=com", "hunter2", time.Hour))
	*clock = clock.Add(59 * time.Minute)

	secret, err := c.Get("prod", "cn=admin,dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)
}

func TestGetIsolatesClustersAndPrincipals(t *testing.T) {
	c, _ := newTestCache(t)

	require.NoError(t, c.Save("prod", "cn=admin,dc=example,dc=com", "prod-secret", 0))
	require.NoError(t, c.Save("staging", "cn=admin,dc=example,dc=com", "staging-secret", 0))

	secret, err := c.Get("prod", "cn=admin,dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, "prod-secret", secret)

	_, err = c.Get("prod", "cn=other,dc=example,dc=com")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestGetCorruptRecordIsDeleted(t *testing.T) {
	c, _ := newTestCache(t)

	path := c.recordPath("prod", "cn=admin,dc=example,dc=com")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	_, err := c.Get("prod", "cn=admin,dc=example,dc=com")
	assert.ErrorIs(t, err, ErrMiss)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "corrupt record must be removed")
}

func TestGetTamperedCiphertext(t *testing.T) {
	c, _ := newTestCache(t)

	require.NoError(t, c.Save("prod", "cn=admin,dc=example,dc=com", "hunter2", 0))

	path := c.recordPath("prod", "cn=admin,dc=example,dc=com")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var rec record
	require.NoError(t, json.Unmarshal(raw, &rec))
	rec.Ciphertext[len(rec.Ciphertext)-1] ^= 0x01
	raw, err = json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = c.Get("prod", "cn=admin,dc=example,dc=com")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestClear(t *testing.T) {
	c, _ := newTestCache(t)

	require.NoError(t, c.Save("prod", "cn=admin,dc=example,dc=com", "hunter2", 0))
	require.NoError(t, c.Clear("prod", "cn=admin,dc=example,dc=com"))

	_, err := c.Get("prod", "cn=admin,dc=example,dc=com")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Clear("prod", "cn=admin,dc=example,dc=com"), "clearing twice is a no-op")
}

func TestGetStatus(t *testing.T) {
	c, clock := newTestCache(t)

	assert.Equal(t, Status{}, c.GetStatus("prod", "cn=admin,dc=example,dc=com"))

	require.NoError(t, c.Save("prod", "cn=admin,dc=example,dc=com", "hunter2", time.Hour))
	*clock = clock.Add(10 * time.Minute)

	status := c.GetStatus("prod", "cn=admin,dc=example,dc=com")
	assert.True(t, status.Cached)
	assert.False(t, status.Expired)
	assert.Equal(t, 600, status.AgeSeconds)
	assert.Equal(t, 3600, status.TTLSeconds)

	*clock = clock.Add(time.Hour)
	status = c.GetStatus("prod", "cn=admin,dc=example,dc=com")
	assert.True(t, status.Cached)
	assert.True(t, status.Expired)
}

func TestRecordFilePermissions(t *testing.T) {
	c, _ := newTestCache(t)

	require.NoError(t, c.Save("prod", "cn=admin,dc=example,dc=com", "hunter2", 0))

	info, err := os.Stat(c.recordPath("prod", "cn=admin,dc=example,dc=com"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestKeyPersistsAcrossRestarts(t *testing.T) {
	cacheDir := t.TempDir()
	secretsDir := t.TempDir()

	first, err := New(cacheDir, secretsDir, nil)
	require.NoError(t, err)
	require.NoError(t, first.Save("prod", "cn=admin,dc=example,dc=com", "hunter2", 0))

	second, err := New(cacheDir, secretsDir, nil)
	require.NoError(t, err)

	secret, err := second.Get("prod", "cn=admin,dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret, "reopened cache must decrypt with the stored key")

	info, err := os.Stat(filepath.Join(secretsDir, keyFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLostKeyTurnsRecordsIntoMisses(t *testing.T) {
	cacheDir := t.TempDir()

	first, err := New(cacheDir, t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, first.Save("prod", "cn=admin,dc=example,dc=com", "hunter2", 0))

	// A fresh secrets dir means a fresh key: old ciphertext cannot decrypt.
	second, err := New(cacheDir, t.TempDir(), nil)
	require.NoError(t, err)

	_, err = second.Get("prod", "cn=admin,dc=example,dc=com")
	assert.ErrorIs(t, err, ErrMiss)
}
