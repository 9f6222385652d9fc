package ldap

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closeCountingConn only tracks Close; the pool never issues protocol
// operations itself.
type closeCountingConn struct {
	closed   int
	closeErr error
}

func (c *closeCountingConn) Bind(string, string) error                            { return nil }
func (c *closeCountingConn) Search(*ldap.SearchRequest) (*ldap.SearchResult, error) {
	return &ldap.SearchResult{}, nil
}
func (c *closeCountingConn) Add(*ldap.AddRequest) error       { return nil }
func (c *closeCountingConn) Modify(*ldap.ModifyRequest) error { return nil }
func (c *closeCountingConn) Del(*ldap.DelRequest) error       { return nil }
func (c *closeCountingConn) SetTimeout(time.Duration)         {}
func (c *closeCountingConn) Close() error {
	c.closed++
	return c.closeErr
}

type poolHarness struct {
	pool  *Pool
	clock time.Time
	dials int
	conns []*closeCountingConn
}

func newPoolHarness(t *testing.T, maxIdle time.Duration) *poolHarness {
	t.Helper()
	h := &poolHarness{clock: time.Unix(1_700_000_000, 0)}
	h.pool = NewPool(maxIdle, slog.Default())
	h.pool.now = func() time.Time { return h.clock }
	h.pool.dial = func(cfg SessionConfig) (*Session, error) {
		h.dials++
		conn := &closeCountingConn{}
		h.conns = append(h.conns, conn)
		return &Session{conn: conn, cfg: cfg, logger: slog.Default()}, nil
	}
	return h
}

func (h *poolHarness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func testSessionConfig(host, bindDN string) SessionConfig {
	return SessionConfig{
		Endpoint: Endpoint{Host: host, Port: 389},
		BindDN:   bindDN,
		Password: "secret",
	}
}

func TestPoolReusesFreshSession(t *testing.T) {
	h := newPoolHarness(t, 300*time.Second)
	cfg := testSessionConfig("ldap1", "cn=admin,dc=example,dc=com")

	first, err := h.pool.Acquire(cfg)
	require.NoError(t, err)

	h.advance(299 * time.Second)
	second, err := h.pool.Acquire(cfg)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, h.dials)
}

func TestPoolReplacesStaleSession(t *testing.T) {
	h := newPoolHarness(t, 300*time.Second)
	cfg := testSessionConfig("ldap1", "cn=admin,dc=example,dc=com")

	first, err := h.pool.Acquire(cfg)
	require.NoError(t, err)

	h.advance(301 * time.Second)
	second, err := h.pool.Acquire(cfg)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, 2, h.dials)
	assert.Equal(t, 1, h.conns[0].closed, "stale session must be closed, not dropped")
	assert.Equal(t, 0, h.conns[1].closed)
}

func TestPoolKeySeparatesPrincipals(t *testing.T) {
	h := newPoolHarness(t, 300*time.Second)

	a, err := h.pool.Acquire(testSessionConfig("ldap1", "cn=admin,dc=example,dc=com"))
	require.NoError(t, err)
	b, err := h.pool.Acquire(testSessionConfig("ldap1", "cn=reader,dc=example,dc=com"))
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, h.dials)
	assert.Equal(t, 2, h.pool.Stats().Size)
}

func TestPoolKeyIgnoresSecret(t *testing.T) {
	h := newPoolHarness(t, 300*time.Second)
	cfg := testSessionConfig("ldap1", "cn=admin,dc=example,dc=com")

	first, err := h.pool.Acquire(cfg)
	require.NoError(t, err)

	rotated := cfg
	rotated.Password = "rotated"
	second, err := h.pool.Acquire(rotated)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, h.dials)
}

func TestPoolReleaseRefreshesTimestamp(t *testing.T) {
	h := newPoolHarness(t, 300*time.Second)
	cfg := testSessionConfig("ldap1", "cn=admin,dc=example,dc=com")

	_, err := h.pool.Acquire(cfg)
	require.NoError(t, err)

	h.advance(200 * time.Second)
	h.pool.Release(cfg)

	// Without the release this acquire would find a 400s-old entry.
	h.advance(200 * time.Second)
	_, err = h.pool.Acquire(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, h.dials)
}

func TestPoolWithSession(t *testing.T) {
	h := newPoolHarness(t, 300*time.Second)
	cfg := testSessionConfig("ldap1", "cn=admin,dc=example,dc=com")

	var got *Session
	err := h.pool.WithSession(cfg, func(s *Session) error {
		got = s
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, got)

	// The session stays pooled after fn returns.
	assert.Equal(t, 1, h.pool.Stats().Size)
	assert.Equal(t, 0, h.conns[0].closed)

	wantErr := errors.New("handler failed")
	err = h.pool.WithSession(cfg, func(*Session) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
}

func TestPoolAcquireDialError(t *testing.T) {
	h := newPoolHarness(t, 300*time.Second)
	dialErr := errors.New("dial refused")
	h.pool.dial = func(SessionConfig) (*Session, error) { return nil, dialErr }

	_, err := h.pool.Acquire(testSessionConfig("ldap1", "cn=admin,dc=example,dc=com"))
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, 0, h.pool.Stats().Size)
}

func TestPoolSweep(t *testing.T) {
	h := newPoolHarness(t, 300*time.Second)

	_, err := h.pool.Acquire(testSessionConfig("ldap1", "cn=admin,dc=example,dc=com"))
	require.NoError(t, err)

	h.advance(200 * time.Second)
	_, err = h.pool.Acquire(testSessionConfig("ldap2", "cn=admin,dc=example,dc=com"))
	require.NoError(t, err)

	// First entry is now 350s old, second 150s.
	h.advance(150 * time.Second)
	h.conns[0].closeErr = errors.New("already gone")

	assert.Equal(t, 1, h.pool.Sweep())
	assert.Equal(t, 1, h.pool.Stats().Size)
	assert.Equal(t, 1, h.conns[0].closed)
	assert.Equal(t, 0, h.conns[1].closed)

	// Nothing further to sweep.
	assert.Equal(t, 0, h.pool.Sweep())
}

func TestPoolClose(t *testing.T) {
	h := newPoolHarness(t, 300*time.Second)
	cfg := testSessionConfig("ldap1", "cn=admin,dc=example,dc=com")

	_, err := h.pool.Acquire(cfg)
	require.NoError(t, err)

	h.pool.Close(cfg)
	assert.Equal(t, 0, h.pool.Stats().Size)
	assert.Equal(t, 1, h.conns[0].closed)

	// Closing an absent key is a no-op.
	h.pool.Close(cfg)
	assert.Equal(t, 1, h.conns[0].closed)
}

func TestPoolStats(t *testing.T) {
	h := newPoolHarness(t, 300*time.Second)

	_, err := h.pool.Acquire(testSessionConfig("ldap1", "cn=admin,dc=example,dc=com"))
	require.NoError(t, err)
	h.advance(301 * time.Second)
	_, err = h.pool.Acquire(testSessionConfig("ldap2", "cn=admin,dc=example,dc=com"))
	require.NoError(t, err)

	stats := h.pool.Stats()
	assert.Equal(t, 2, stats.Size)
	require.Len(t, stats.Entries, 2)
	assert.Equal(t, "ldap1:389:cn=admin,dc=example,dc=com", stats.Entries[0].Key)
	assert.True(t, stats.Entries[0].Stale)
	assert.Equal(t, 301, stats.Entries[0].AgeSeconds)
	assert.False(t, stats.Entries[1].Stale)
}

func TestPoolDrain(t *testing.T) {
	h := newPoolHarness(t, 300*time.Second)

	_, err := h.pool.Acquire(testSessionConfig("ldap1", "cn=admin,dc=example,dc=com"))
	require.NoError(t, err)
	_, err = h.pool.Acquire(testSessionConfig("ldap2", "cn=admin,dc=example,dc=com"))
	require.NoError(t, err)

	h.pool.Drain()
	assert.Equal(t, 0, h.pool.Stats().Size)
	for _, conn := range h.conns {
		assert.Equal(t, 1, conn.closed)
	}
}
